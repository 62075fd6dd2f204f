// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package guest

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hearth-foundation/hearth/lib/fault"
	"github.com/hearth-foundation/hearth/lib/lump"
	"github.com/hearth-foundation/hearth/lib/registry"
	"github.com/hearth-foundation/hearth/lib/runtime"
)

// fakeEngine executes Go closures as "modules", keyed by module
// bytes. It exercises the full adapter contract (metered slices,
// traps, host calls) without a real WASM toolchain in the tests.
type fakeEngine struct {
	programs map[string]fakeProgram
}

// fakeProgram is one slice of guest execution. run counts Run calls
// on the instance, starting at 0.
type fakeProgram func(ctx context.Context, calls *HostCalls, run int) (RunState, error)

func (e *fakeEngine) Compile(module []byte) (Module, error) {
	program, ok := e.programs[string(module)]
	if !ok {
		return nil, errors.New("unknown test module")
	}
	return &fakeModule{program: program}, nil
}

type fakeModule struct {
	program fakeProgram
}

func (m *fakeModule) Instantiate(calls *HostCalls, entrypoint string) (Instance, error) {
	return &fakeInstance{program: m.program, calls: calls}, nil
}

type fakeInstance struct {
	program fakeProgram
	calls   *HostCalls
	runs    int
}

func (i *fakeInstance) Run(ctx context.Context, fuel uint64) (RunState, error) {
	run := i.runs
	i.runs++
	return i.program(ctx, i.calls, run)
}

func (i *fakeInstance) Close() {}

// testHost builds a runtime + store + adapter over the given
// programs.
func testHost(t *testing.T, programs map[string]fakeProgram, reg *registry.Registry) (*runtime.Runtime, *Adapter) {
	t.Helper()
	lumps := lump.NewStore(lump.Options{})
	rt := runtime.New(runtime.Options{Lumps: lumps})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rt.Shutdown(ctx)
	})

	adapter := New(Config{
		Runtime:          rt,
		Engine:           &fakeEngine{programs: programs},
		Registry:         reg,
		MaxStarvedSlices: 4,
	})
	return rt, adapter
}

func waitForExit(t *testing.T, rt *runtime.Runtime, p *runtime.Process) runtime.Cause {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := rt.Process(p.PID()); !ok {
			return p.ExitCause()
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("guest %d did not exit", p.PID())
	return runtime.Cause{}
}

func TestGuestEchoPingPong(t *testing.T) {
	programs := map[string]fakeProgram{
		"echo": func(ctx context.Context, calls *HostCalls, run int) (RunState, error) {
			result, err := calls.Recv(RootMailbox, -1)
			if err != nil {
				return RunCompleted, nil
			}
			if len(result.Caps) == 0 {
				return RunCompleted, errors.New("no reply capability")
			}
			if err := calls.Send(result.Caps[0], []byte("pong"), nil); err != nil {
				return RunCompleted, err
			}
			return RunCompleted, nil
		},
	}
	rt, adapter := testHost(t, programs, nil)

	guestCap, guest, err := adapter.SpawnModule("echo-guest", []byte("echo"), "")
	if err != nil {
		t.Fatalf("SpawnModule: %v", err)
	}

	_, host := spawnIdleProcess(t, rt)
	replyBox, err := host.NewMailbox(runtime.MailboxOptions{})
	if err != nil {
		t.Fatalf("NewMailbox: %v", err)
	}
	replyCap, err := host.Capability(replyBox, runtime.PermSend)
	if err != nil {
		t.Fatalf("Capability: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = guestCap.Narrow(runtime.PermSend).Send(ctx, runtime.Envelope{
		Payload: []byte("ping"),
		Caps:    []runtime.Capability{replyCap},
	})
	if err != nil {
		t.Fatalf("ping: %v", err)
	}

	delivery, err := replyBox.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(delivery.Envelope.Payload) != "pong" {
		t.Errorf("reply = %q", delivery.Envelope.Payload)
	}

	if cause := waitForExit(t, rt, guest); cause.Kind != runtime.CauseNormal {
		t.Errorf("echo guest cause = %v, want normal", cause.Kind)
	}
}

func TestInfiniteLoopIsPreemptedAndTrapped(t *testing.T) {
	programs := map[string]fakeProgram{
		// Burns its whole budget every slice and never makes a host
		// call: the hostile case of scenario six.
		"spinner": func(ctx context.Context, calls *HostCalls, run int) (RunState, error) {
			return RunFuelExhausted, nil
		},
	}
	rt, adapter := testHost(t, programs, nil)

	_, spinner, err := adapter.SpawnModule("spinner", []byte("spinner"), "")
	if err != nil {
		t.Fatalf("SpawnModule: %v", err)
	}

	// Other processes keep receiving messages while the spinner
	// spins.
	otherCap, other := spawnIdleProcess(t, rt)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := otherCap.Send(ctx, runtime.Envelope{Payload: []byte("still alive")}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := other.Root().Recv(ctx); err != nil {
		t.Fatalf("Recv during spin: %v", err)
	}

	cause := waitForExit(t, rt, spinner)
	if cause.Kind != runtime.CauseGuestTrap {
		t.Fatalf("spinner cause = %v, want guest-trap", cause.Kind)
	}
	if !strings.Contains(cause.Detail, FuelExhaustedDetail) {
		t.Errorf("spinner detail = %q, want %s", cause.Detail, FuelExhaustedDetail)
	}
}

func TestChattySpinnerIsNotTrapped(t *testing.T) {
	stop := make(chan struct{})
	programs := map[string]fakeProgram{
		// Exhausts its budget every slice but makes host calls:
		// preempted, requeued, never killed.
		"chatty": func(ctx context.Context, calls *HostCalls, run int) (RunState, error) {
			select {
			case <-stop:
				return RunCompleted, nil
			default:
			}
			calls.Log(2, "working")
			return RunFuelExhausted, nil
		},
	}
	rt, adapter := testHost(t, programs, nil)

	_, chatty, err := adapter.SpawnModule("chatty", []byte("chatty"), "")
	if err != nil {
		t.Fatalf("SpawnModule: %v", err)
	}

	// Well past MaxStarvedSlices worth of slices.
	time.Sleep(50 * time.Millisecond)
	if _, ok := rt.Process(chatty.PID()); !ok {
		t.Fatal("chatty guest was trapped despite making host calls")
	}

	close(stop)
	if cause := waitForExit(t, rt, chatty); cause.Kind != runtime.CauseNormal {
		t.Errorf("chatty cause = %v, want normal", cause.Kind)
	}
}

func TestTrapTerminatesOnlyThatProcess(t *testing.T) {
	programs := map[string]fakeProgram{
		"crasher": func(ctx context.Context, calls *HostCalls, run int) (RunState, error) {
			return RunCompleted, errors.New("unreachable executed")
		},
	}
	rt, adapter := testHost(t, programs, nil)

	_, bystander := spawnIdleProcess(t, rt)

	_, crasher, err := adapter.SpawnModule("crasher", []byte("crasher"), "")
	if err != nil {
		t.Fatalf("SpawnModule: %v", err)
	}

	cause := waitForExit(t, rt, crasher)
	if cause.Kind != runtime.CauseGuestTrap {
		t.Errorf("crasher cause = %v, want guest-trap", cause.Kind)
	}
	if !bystander.Alive() {
		t.Error("bystander died with the trapped guest")
	}
}

func TestGuestCannotWidenPermissions(t *testing.T) {
	outcome := make(chan error, 1)
	programs := map[string]fakeProgram{
		"widener": func(ctx context.Context, calls *HostCalls, run int) (RunState, error) {
			result, err := calls.Recv(RootMailbox, -1)
			if err != nil || len(result.Caps) == 0 {
				outcome <- errors.New("no capability received")
				return RunCompleted, nil
			}
			received := result.Caps[0]

			// Try to widen to everything, then use the forbidden
			// permission.
			widened, err := calls.Narrow(received, 0xff)
			if err != nil {
				outcome <- err
				return RunCompleted, nil
			}
			outcome <- calls.Kill(widened)
			return RunCompleted, nil
		},
	}
	rt, adapter := testHost(t, programs, nil)

	guestCap, _, err := adapter.SpawnModule("widener", []byte("widener"), "")
	if err != nil {
		t.Fatalf("SpawnModule: %v", err)
	}

	victimCap, victim := spawnIdleProcess(t, rt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = guestCap.Narrow(runtime.PermSend).Send(ctx, runtime.Envelope{
		Caps: []runtime.Capability{victimCap.Narrow(runtime.PermSend)},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case killErr := <-outcome:
		if !fault.Is(killErr, fault.PermissionDenied) {
			t.Errorf("kill through widened handle = %v, want permission-denied", killErr)
		}
	case <-ctx.Done():
		t.Fatal("guest never reported")
	}
	if !victim.Alive() {
		t.Error("victim was killed through a send-only capability")
	}
}

func TestServiceGetAndSend(t *testing.T) {
	programs := map[string]fakeProgram{
		"discoverer": func(ctx context.Context, calls *HostCalls, run int) (RunState, error) {
			handle, err := calls.ServiceGet("hearth.test.Sink")
			if err != nil {
				return RunCompleted, err
			}
			return RunCompleted, calls.Send(handle, []byte("found you"), nil)
		},
	}

	reg := registry.New(nil)
	rt, adapter := testHost(t, programs, reg)

	sinkCap, sink := spawnIdleProcess(t, rt)
	if err := reg.Register("hearth.test.Sink", sinkCap, runtime.PermSend); err != nil {
		t.Fatalf("Register: %v", err)
	}

	_, guest, err := adapter.SpawnModule("discoverer", []byte("discoverer"), "")
	if err != nil {
		t.Fatalf("SpawnModule: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	delivery, err := sink.Root().Recv(ctx)
	if err != nil {
		t.Fatalf("sink Recv: %v", err)
	}
	if string(delivery.Envelope.Payload) != "found you" {
		t.Errorf("payload = %q", delivery.Envelope.Payload)
	}
	if cause := waitForExit(t, rt, guest); cause.Kind != runtime.CauseNormal {
		t.Errorf("guest cause = %v (%s), want normal", cause.Kind, cause.Detail)
	}
}

func TestSpawnFromLumpAndThisLump(t *testing.T) {
	childReport := make(chan lump.Digest, 1)
	programs := map[string]fakeProgram{
		"parent": func(ctx context.Context, calls *HostCalls, run int) (RunState, error) {
			// The child module travels as a lump.
			digest, err := calls.LumpPut([]byte("child"))
			if err != nil {
				return RunCompleted, err
			}
			childHandle, err := calls.SpawnFromLump(digest, "", "child-guest")
			if err != nil {
				return RunCompleted, err
			}
			// Greet the child so it can finish.
			return RunCompleted, calls.Send(childHandle, []byte("hello child"), nil)
		},
		"child": func(ctx context.Context, calls *HostCalls, run int) (RunState, error) {
			if _, err := calls.Recv(RootMailbox, -1); err != nil {
				return RunCompleted, nil
			}
			childReport <- calls.ThisLump()
			return RunCompleted, nil
		},
	}
	rt, adapter := testHost(t, programs, nil)

	_, parent, err := adapter.SpawnModule("parent", []byte("parent"), "")
	if err != nil {
		t.Fatalf("SpawnModule: %v", err)
	}

	select {
	case digest := <-childReport:
		if digest != lump.DigestBytes([]byte("child")) {
			t.Error("child's ThisLump does not match its module digest")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("child never ran")
	}
	if cause := waitForExit(t, rt, parent); cause.Kind != runtime.CauseNormal {
		t.Errorf("parent cause = %v (%s), want normal", cause.Kind, cause.Detail)
	}
}

func TestRecvSignalDelivery(t *testing.T) {
	sawDown := make(chan *runtime.Signal, 1)
	programs := map[string]fakeProgram{
		"observer": func(ctx context.Context, calls *HostCalls, run int) (RunState, error) {
			result, err := calls.Recv(RootMailbox, -1)
			if err != nil || len(result.Caps) == 0 {
				return RunCompleted, errors.New("no target capability")
			}
			if _, err := calls.Monitor(RootMailbox, result.Caps[0]); err != nil {
				return RunCompleted, err
			}
			// The Down signal lands in the root stream.
			next, err := calls.Recv(RootMailbox, -1)
			if err != nil {
				return RunCompleted, err
			}
			sawDown <- next.Signal
			return RunCompleted, nil
		},
	}
	rt, adapter := testHost(t, programs, nil)

	guestCap, _, err := adapter.SpawnModule("observer", []byte("observer"), "")
	if err != nil {
		t.Fatalf("SpawnModule: %v", err)
	}

	targetCap, target := spawnIdleProcess(t, rt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = guestCap.Narrow(runtime.PermSend).Send(ctx, runtime.Envelope{
		Caps: []runtime.Capability{targetCap.Narrow(runtime.PermMonitor)},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	// Give the guest a moment to register, then kill the target.
	time.Sleep(20 * time.Millisecond)
	if err := rt.Exit(target.PID(), runtime.Cause{Kind: runtime.CauseKilled}); err != nil {
		t.Fatalf("Exit: %v", err)
	}

	select {
	case signal := <-sawDown:
		if signal == nil || signal.Kind != runtime.SignalDown {
			t.Errorf("guest saw %+v, want Down", signal)
		}
	case <-ctx.Done():
		t.Fatal("guest never saw the Down signal")
	}
}

// spawnIdleProcess is a native process parked until termination.
func spawnIdleProcess(t *testing.T, rt *runtime.Runtime) (runtime.Capability, *runtime.Process) {
	t.Helper()
	rootCap, p, err := rt.Spawn("idle", func(ctx context.Context, self *runtime.Process) error {
		<-ctx.Done()
		return nil
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	return rootCap, p
}
