// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/hearth-foundation/hearth/lib/fault"
)

// recvDeadline bounds a test receive so a broken runtime fails the
// test instead of hanging it.
func recvDeadline(t *testing.T, m *Mailbox) Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	delivery, err := m.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	return delivery
}

func TestPingPongWithNarrowedCapability(t *testing.T) {
	rt, _ := newTestRuntime(t)
	ctx := context.Background()

	// P2 echoes: for each envelope carrying a reply capability, send
	// "pong" back through it.
	p2Cap, _, err := rt.Spawn("p2", func(ctx context.Context, self *Process) error {
		for {
			delivery, err := self.Root().Recv(ctx)
			if err != nil {
				return nil
			}
			if delivery.Envelope == nil || len(delivery.Envelope.Caps) == 0 {
				continue
			}
			reply := delivery.Envelope.Caps[0]
			if err := reply.Send(ctx, Envelope{Payload: []byte("pong")}); err != nil {
				return err
			}
		}
	})
	if err != nil {
		t.Fatalf("Spawn p2: %v", err)
	}

	// P1 holds only a SEND-narrowed capability to P2.
	sendOnly := p2Cap.Narrow(PermSend)

	_, p1 := spawnIdle(t, rt, "p1")
	replyBox, err := p1.NewMailbox(MailboxOptions{})
	if err != nil {
		t.Fatalf("NewMailbox: %v", err)
	}
	replyCap, err := p1.Capability(replyBox, PermSend)
	if err != nil {
		t.Fatalf("Capability: %v", err)
	}

	if err := sendOnly.Send(ctx, Envelope{Payload: []byte("ping"), Caps: []Capability{replyCap}}); err != nil {
		t.Fatalf("ping: %v", err)
	}

	delivery := recvDeadline(t, replyBox)
	if string(delivery.Envelope.Payload) != "pong" {
		t.Fatalf("reply payload = %q, want %q", delivery.Envelope.Payload, "pong")
	}

	// Kill P2; P1's monitor yields exactly one Down.
	monitorBox, err := p1.NewMailbox(MailboxOptions{})
	if err != nil {
		t.Fatalf("NewMailbox: %v", err)
	}
	if _, err := rt.Monitor(monitorBox, p2Cap); err != nil {
		t.Fatalf("Monitor: %v", err)
	}
	if err := rt.Kill(p2Cap); err != nil {
		t.Fatalf("Kill: %v", err)
	}

	down := recvDeadline(t, monitorBox)
	if down.Signal == nil || down.Signal.Kind != SignalDown {
		t.Fatalf("delivery = %+v, want Down", down)
	}

	// Exactly one: the mailbox holds nothing further.
	if _, err := monitorBox.RecvTimeout(ctx, 0); !fault.Is(err, fault.Timeout) {
		t.Errorf("second receive = %v, want timeout (no second Down)", err)
	}
}

func TestMonitorFiresExactlyOncePerRegistration(t *testing.T) {
	rt, _ := newTestRuntime(t)
	targetCap, target := spawnIdle(t, rt, "target")
	_, observer := spawnIdle(t, rt, "observer")

	// Two registrations on the same mailbox: two Downs, no more.
	if _, err := rt.Monitor(observer.Root(), targetCap); err != nil {
		t.Fatalf("Monitor: %v", err)
	}
	if _, err := rt.Monitor(observer.Root(), targetCap); err != nil {
		t.Fatalf("Monitor: %v", err)
	}

	target.terminate(Cause{Kind: CauseKilled})
	// Idempotent: a second termination must not re-fire monitors.
	target.terminate(Cause{Kind: CauseKilled})

	first := recvDeadline(t, observer.Root())
	second := recvDeadline(t, observer.Root())
	if first.Signal == nil || second.Signal == nil {
		t.Fatal("expected two Down signals")
	}
	if first.Signal.Monitor == second.Signal.Monitor {
		t.Error("both Downs carry the same monitor id")
	}

	if _, err := observer.Root().RecvTimeout(context.Background(), 0); !fault.Is(err, fault.Timeout) {
		t.Errorf("third receive = %v, want timeout", err)
	}
}

func TestMonitorOnClosedMailboxFiresImmediately(t *testing.T) {
	rt, _ := newTestRuntime(t)
	targetCap, target := spawnIdle(t, rt, "target")
	_, observer := spawnIdle(t, rt, "observer")

	target.terminate(Cause{Kind: CauseKilled})

	if _, err := rt.Monitor(observer.Root(), targetCap); err != nil {
		t.Fatalf("Monitor: %v", err)
	}
	down := recvDeadline(t, observer.Root())
	if down.Signal == nil || down.Signal.Kind != SignalDown {
		t.Fatalf("delivery = %+v, want immediate Down", down)
	}
}

func TestDemonitorDetachesWithoutFiring(t *testing.T) {
	rt, _ := newTestRuntime(t)
	targetCap, target := spawnIdle(t, rt, "target")
	_, observer := spawnIdle(t, rt, "observer")

	id, err := rt.Monitor(observer.Root(), targetCap)
	if err != nil {
		t.Fatalf("Monitor: %v", err)
	}
	rt.Demonitor(id)

	target.terminate(Cause{Kind: CauseKilled})

	if _, err := observer.Root().RecvTimeout(context.Background(), 0); !fault.Is(err, fault.Timeout) {
		t.Errorf("receive after demonitor = %v, want timeout (no Down)", err)
	}
}

func TestLinkDeathIsSymmetric(t *testing.T) {
	rt, _ := newTestRuntime(t)
	_, p1 := spawnIdle(t, rt, "p1")
	_, p2 := spawnIdle(t, rt, "p2")

	if err := rt.Link(p1, p2); err != nil {
		t.Fatalf("Link: %v", err)
	}

	// Terminate P2 as a guest trap; P1 must die with LinkedDeath.
	p2.terminate(Cause{Kind: CauseGuestTrap, Detail: "unreachable executed"})

	waitForDeath(t, p1)
	if cause := p1.ExitCause(); cause.Kind != CauseLinkedDeath {
		t.Errorf("p1 cause = %v, want linked-death", cause.Kind)
	}
	if cause := p2.ExitCause(); cause.Kind != CauseGuestTrap {
		t.Errorf("p2 cause = %v, want guest-trap", cause.Kind)
	}

	// Both are gone from the table; no third event.
	if _, ok := rt.Process(p1.PID()); ok {
		t.Error("p1 still in the process table")
	}
	if _, ok := rt.Process(p2.PID()); ok {
		t.Error("p2 still in the process table")
	}
}

func TestLinkCascadeTerminatesChainOnce(t *testing.T) {
	rt, _ := newTestRuntime(t)

	// A chain a-b-c-d with a cycle back d-a: the Terminating guard
	// must bound the cascade to one death per process.
	var procs []*Process
	for _, name := range []string{"a", "b", "c", "d"} {
		_, p := spawnIdle(t, rt, name)
		procs = append(procs, p)
	}
	for i := 0; i < len(procs)-1; i++ {
		if err := rt.Link(procs[i], procs[i+1]); err != nil {
			t.Fatalf("Link: %v", err)
		}
	}
	if err := rt.Link(procs[len(procs)-1], procs[0]); err != nil {
		t.Fatalf("Link cycle: %v", err)
	}

	events, cancelEvents := rt.SubscribeEvents(64)
	defer cancelEvents()

	procs[1].terminate(Cause{Kind: CauseKilled})

	for _, p := range procs {
		waitForDeath(t, p)
	}

	// Exactly one exited event per process.
	exits := map[PID]int{}
	deadline := time.After(5 * time.Second)
	for count := 0; count < len(procs); {
		select {
		case e := <-events:
			if e.Kind == EventProcessExited {
				exits[e.PID]++
				count++
			}
		case <-deadline:
			t.Fatalf("timed out waiting for exit events, saw %v", exits)
		}
	}
	for pid, n := range exits {
		if n != 1 {
			t.Errorf("process %d exited %d times", pid, n)
		}
	}
}

func TestUnlinkPreventsCascade(t *testing.T) {
	rt, _ := newTestRuntime(t)
	_, p1 := spawnIdle(t, rt, "p1")
	_, p2 := spawnIdle(t, rt, "p2")

	if err := rt.Link(p1, p2); err != nil {
		t.Fatalf("Link: %v", err)
	}
	rt.Unlink(p1, p2)

	p2.terminate(Cause{Kind: CauseKilled})
	waitForDeath(t, p2)

	if !p1.Alive() {
		t.Error("p1 died despite unlink")
	}
}

func TestLinkedDeathDeliversUnlinkSignal(t *testing.T) {
	rt, _ := newTestRuntime(t)

	// P1's cleanup drains its root after cancellation. The Unlink is
	// enqueued before P1's own close, and closing retains queued
	// signals, so the drain observes it deterministically.
	signals := make(chan Signal, 4)
	_, p1, err := rt.Spawn("p1", func(ctx context.Context, self *Process) error {
		<-ctx.Done()
		for {
			delivery, err := self.Root().Recv(context.Background())
			if err != nil {
				return nil
			}
			if delivery.Signal != nil {
				signals <- *delivery.Signal
			}
		}
	})
	if err != nil {
		t.Fatalf("Spawn p1: %v", err)
	}
	_, p2 := spawnIdle(t, rt, "p2")

	if err := rt.Link(p1, p2); err != nil {
		t.Fatalf("Link: %v", err)
	}
	p2.terminate(Cause{Kind: CauseKilled})
	waitForDeath(t, p1)

	select {
	case signal := <-signals:
		if signal.Kind != SignalUnlink {
			t.Fatalf("signal = %+v, want Unlink", signal)
		}
		if signal.Process != p2.PID() {
			t.Errorf("Unlink names %d, want %d", signal.Process, p2.PID())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("p1's cleanup never saw the Unlink signal")
	}

	if cause := p1.ExitCause(); cause.Kind != CauseLinkedDeath {
		t.Errorf("p1 cause = %v, want linked-death", cause.Kind)
	}
}

func TestTerminationClosesAllMailboxes(t *testing.T) {
	rt, _ := newTestRuntime(t)
	rootCap, p := spawnIdle(t, rt, "rich")

	extra, err := p.NewMailbox(MailboxOptions{})
	if err != nil {
		t.Fatalf("NewMailbox: %v", err)
	}
	extraCap, err := p.Capability(extra, PermSend)
	if err != nil {
		t.Fatalf("Capability: %v", err)
	}

	p.terminate(Cause{Kind: CauseKilled})
	waitForDeath(t, p)

	ctx := context.Background()
	if err := rootCap.Send(ctx, Envelope{Payload: []byte("late")}); !fault.Is(err, fault.MailboxClosed) {
		t.Errorf("send to dead root = %v, want mailbox-closed", err)
	}
	if err := extraCap.Send(ctx, Envelope{Payload: []byte("late")}); !fault.Is(err, fault.MailboxClosed) {
		t.Errorf("send to dead extra mailbox = %v, want mailbox-closed", err)
	}
}

func TestBodyGuestTrapErrorBecomesGuestTrapCause(t *testing.T) {
	rt, _ := newTestRuntime(t)

	_, p, err := rt.Spawn("failing", func(ctx context.Context, self *Process) error {
		return fault.New(fault.GuestTrap, "wasm/run", "fuel exhausted")
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	waitForDeath(t, p)
	if cause := p.ExitCause(); cause.Kind != CauseGuestTrap {
		t.Errorf("cause = %v, want guest-trap", cause.Kind)
	}
}

func TestBodyPanicIsContained(t *testing.T) {
	rt, _ := newTestRuntime(t)

	_, p, err := rt.Spawn("panicking", func(ctx context.Context, self *Process) error {
		panic("boom")
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	waitForDeath(t, p)
	if cause := p.ExitCause(); cause.Kind != CauseFault {
		t.Errorf("cause = %v, want fault", cause.Kind)
	}

	// The runtime survives: spawning still works.
	if _, _, err := rt.Spawn("after", func(ctx context.Context, self *Process) error {
		return nil
	}); err != nil {
		t.Errorf("Spawn after panic: %v", err)
	}
}

func TestSpawnRespectsProcessCap(t *testing.T) {
	rt := New(Options{MaxProcesses: 2})
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rt.Shutdown(ctx)
	}()

	idle := func(ctx context.Context, self *Process) error {
		<-ctx.Done()
		return nil
	}
	if _, _, err := rt.Spawn("one", idle); err != nil {
		t.Fatalf("Spawn one: %v", err)
	}
	if _, _, err := rt.Spawn("two", idle); err != nil {
		t.Fatalf("Spawn two: %v", err)
	}
	if _, _, err := rt.Spawn("three", idle); !fault.Is(err, fault.ResourceExhausted) {
		t.Errorf("Spawn past cap = %v, want resource-exhausted", err)
	}
}

func TestProcessesListing(t *testing.T) {
	rt, _ := newTestRuntime(t)
	_, pa := spawnIdle(t, rt, "alpha")
	_, _ = spawnIdle(t, rt, "beta")

	infos := rt.Processes()
	if len(infos) != 2 {
		t.Fatalf("Processes listed %d, want 2", len(infos))
	}
	if infos[0].PID > infos[1].PID {
		t.Error("listing not in pid order")
	}
	if infos[0].Name != "alpha" || infos[0].PID != pa.PID() {
		t.Errorf("first entry = %+v", infos[0])
	}
}

// waitForDeath blocks until the process leaves the table.
func waitForDeath(t *testing.T, p *Process) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := p.rt.Process(p.pid); !ok {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("process %d did not terminate", p.pid)
}
