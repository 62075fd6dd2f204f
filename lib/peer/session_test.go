// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package peer

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/hearth-foundation/hearth/lib/fault"
	"github.com/hearth-foundation/hearth/lib/lump"
	"github.com/hearth-foundation/hearth/lib/netcrypt"
	"github.com/hearth-foundation/hearth/lib/runtime"
	"github.com/hearth-foundation/hearth/lib/wire"
)

// testPeer is one side of a linked pair: a runtime, a store, and the
// session facing the other side.
type testPeer struct {
	rt      *runtime.Runtime
	lumps   *lump.Store
	session *Session
}

func newTestHost(t *testing.T) (*runtime.Runtime, *lump.Store) {
	t.Helper()
	rt := runtime.New(runtime.Options{})
	lumps := lump.NewStore(lump.Options{Logger: rt.Logger()})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rt.Shutdown(ctx)
	})
	return rt, lumps
}

func spawnIdle(t *testing.T, rt *runtime.Runtime, name string) (runtime.Capability, *runtime.Process) {
	t.Helper()
	rootCap, p, err := rt.Spawn(name, func(ctx context.Context, self *runtime.Process) error {
		<-ctx.Done()
		return nil
	})
	if err != nil {
		t.Fatalf("Spawn %s: %v", name, err)
	}
	return rootCap, p
}

// connectPeers links two fresh hosts over an in-memory pipe. Side A
// offers bootstrapA (which may be the zero capability).
func connectPeers(t *testing.T, bootstrapA runtime.Capability, rtA *runtime.Runtime, lumpsA *lump.Store) (*testPeer, *testPeer) {
	t.Helper()
	rtB, lumpsB := newTestHost(t)

	connA, connB := net.Pipe()

	type result struct {
		session *Session
		err     error
	}
	sideB := make(chan result, 1)
	go func() {
		session, err := NewSession(connB, Config{
			Runtime: rtB,
			Lumps:   lumpsB,
			PeerID:  "peer-b",
		}, false)
		sideB <- result{session, err}
	}()

	sessionA, err := NewSession(connA, Config{
		Runtime:   rtA,
		Lumps:     lumpsA,
		PeerID:    "peer-a",
		Bootstrap: bootstrapA,
	}, true)
	if err != nil {
		t.Fatalf("side A session: %v", err)
	}
	b := <-sideB
	if b.err != nil {
		t.Fatalf("side B session: %v", b.err)
	}

	if sessionA.RemoteID() != "peer-b" || b.session.RemoteID() != "peer-a" {
		t.Fatalf("peer ids: A sees %q, B sees %q", sessionA.RemoteID(), b.session.RemoteID())
	}

	t.Cleanup(sessionA.Close)
	return &testPeer{rt: rtA, lumps: lumpsA, session: sessionA},
		&testPeer{rt: rtB, lumps: lumpsB, session: b.session}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestBootstrapExchangeAndCrossPeerSend(t *testing.T) {
	rtA, lumpsA := newTestHost(t)
	serviceCap, service := spawnIdle(t, rtA, "service")

	_, peerB := connectPeers(t, serviceCap.Narrow(runtime.PermSend|runtime.PermMonitor), rtA, lumpsA)
	ctx := testContext(t)

	imported, err := peerB.session.RemoteBootstrap(ctx)
	if err != nil {
		t.Fatalf("RemoteBootstrap: %v", err)
	}
	if imported.Permissions() != runtime.PermSend|runtime.PermMonitor {
		t.Errorf("imported permissions = %v, want send+monitor", imported.Permissions())
	}

	if err := imported.Send(ctx, runtime.Envelope{Payload: []byte("hello from b")}); err != nil {
		t.Fatalf("cross-peer send: %v", err)
	}

	delivery, err := service.Root().Recv(ctx)
	if err != nil {
		t.Fatalf("service Recv: %v", err)
	}
	if string(delivery.Envelope.Payload) != "hello from b" {
		t.Errorf("payload = %q", delivery.Envelope.Payload)
	}
}

func TestCrossPeerSendPreservesOrder(t *testing.T) {
	rtA, lumpsA := newTestHost(t)
	serviceCap, service := spawnIdle(t, rtA, "service")

	_, peerB := connectPeers(t, serviceCap.Narrow(runtime.PermSend), rtA, lumpsA)
	ctx := testContext(t)

	imported, err := peerB.session.RemoteBootstrap(ctx)
	if err != nil {
		t.Fatalf("RemoteBootstrap: %v", err)
	}

	const count = 32
	for i := 0; i < count; i++ {
		if err := imported.Send(ctx, runtime.Envelope{Payload: []byte{byte(i)}}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	for i := 0; i < count; i++ {
		delivery, err := service.Root().Recv(ctx)
		if err != nil {
			t.Fatalf("recv %d: %v", i, err)
		}
		if delivery.Envelope.Payload[0] != byte(i) {
			t.Fatalf("message %d arrived as %d", i, delivery.Envelope.Payload[0])
		}
	}
}

func TestReplyCapabilityCrossesBothDirections(t *testing.T) {
	rtA, lumpsA := newTestHost(t)

	// The A-side service answers "ping" with "pong" through the
	// envelope's reply capability.
	serviceCap, _, err := rtA.Spawn("echo", func(ctx context.Context, self *runtime.Process) error {
		for {
			delivery, err := self.Root().Recv(ctx)
			if err != nil {
				return nil
			}
			if delivery.Envelope == nil || len(delivery.Envelope.Caps) == 0 {
				continue
			}
			reply := delivery.Envelope.Caps[0]
			if err := reply.Send(ctx, runtime.Envelope{Payload: []byte("pong")}); err != nil {
				return err
			}
		}
	})
	if err != nil {
		t.Fatalf("Spawn echo: %v", err)
	}

	_, peerB := connectPeers(t, serviceCap.Narrow(runtime.PermSend), rtA, lumpsA)
	ctx := testContext(t)

	imported, err := peerB.session.RemoteBootstrap(ctx)
	if err != nil {
		t.Fatalf("RemoteBootstrap: %v", err)
	}

	_, client := spawnIdle(t, peerB.rt, "client")
	replyBox, err := client.NewMailbox(runtime.MailboxOptions{})
	if err != nil {
		t.Fatalf("NewMailbox: %v", err)
	}
	replyCap, err := client.Capability(replyBox, runtime.PermSend)
	if err != nil {
		t.Fatalf("Capability: %v", err)
	}

	err = imported.Send(ctx, runtime.Envelope{
		Payload: []byte("ping"),
		Caps:    []runtime.Capability{replyCap},
	})
	if err != nil {
		t.Fatalf("ping: %v", err)
	}

	delivery, err := replyBox.Recv(ctx)
	if err != nil {
		t.Fatalf("reply Recv: %v", err)
	}
	if string(delivery.Envelope.Payload) != "pong" {
		t.Errorf("reply = %q, want pong", delivery.Envelope.Payload)
	}
}

func TestCapabilityRoundTripIsBackReference(t *testing.T) {
	rtA, lumpsA := newTestHost(t)
	serviceCap, service := spawnIdle(t, rtA, "service")

	_, peerB := connectPeers(t, serviceCap.Narrow(runtime.PermSend), rtA, lumpsA)
	ctx := testContext(t)

	imported, err := peerB.session.RemoteBootstrap(ctx)
	if err != nil {
		t.Fatalf("RemoteBootstrap: %v", err)
	}

	// B embeds its import of the service back into an envelope to
	// the service: A must materialize the original mailbox, not a
	// proxy chain.
	if err := imported.Send(ctx, runtime.Envelope{
		Payload: []byte("introducing yourself to yourself"),
		Caps:    []runtime.Capability{imported},
	}); err != nil {
		t.Fatalf("send: %v", err)
	}

	delivery, err := service.Root().Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if len(delivery.Envelope.Caps) != 1 {
		t.Fatalf("got %d caps", len(delivery.Envelope.Caps))
	}
	returned := delivery.Envelope.Caps[0]
	if !returned.SameTarget(serviceCap) {
		t.Error("round-tripped capability references a different mailbox")
	}
	if returned.Permissions() != runtime.PermSend {
		t.Errorf("round-tripped permissions = %v, want the granted send only", returned.Permissions())
	}
}

func TestRemoteProcessDeathFiresImportMonitors(t *testing.T) {
	rtA, lumpsA := newTestHost(t)
	serviceCap, service := spawnIdle(t, rtA, "service")

	_, peerB := connectPeers(t, serviceCap.Narrow(runtime.PermSend|runtime.PermMonitor), rtA, lumpsA)
	ctx := testContext(t)

	imported, err := peerB.session.RemoteBootstrap(ctx)
	if err != nil {
		t.Fatalf("RemoteBootstrap: %v", err)
	}

	_, observerProc := spawnIdle(t, peerB.rt, "observer")
	observer, err := observerProc.NewMailbox(runtime.MailboxOptions{})
	if err != nil {
		t.Fatalf("NewMailbox: %v", err)
	}
	if _, err := peerB.rt.Monitor(observer, imported); err != nil {
		t.Fatalf("Monitor: %v", err)
	}

	// Kill the service on A; the Close frame mirrors onto B's proxy.
	peerB.rt.Logger().Info("killing remote service")
	if err := rtA.Exit(service.PID(), runtime.Cause{Kind: runtime.CauseKilled}); err != nil {
		t.Fatalf("Exit: %v", err)
	}

	delivery, err := observer.Recv(ctx)
	if err != nil {
		t.Fatalf("observer Recv: %v", err)
	}
	if delivery.Signal == nil || delivery.Signal.Kind != runtime.SignalDown {
		t.Fatalf("delivery = %+v, want Down", delivery)
	}

	// Exactly one Down, and further sends fail deterministically.
	if _, err := observer.RecvTimeout(ctx, 50*time.Millisecond); !fault.Is(err, fault.Timeout) {
		t.Errorf("second observer recv = %v, want timeout", err)
	}
	if err := imported.Send(ctx, runtime.Envelope{Payload: []byte("late")}); err == nil {
		t.Error("send through closed import succeeded")
	}
}

func TestDisconnectIsAtomic(t *testing.T) {
	rtA, lumpsA := newTestHost(t)
	serviceCap, _ := spawnIdle(t, rtA, "service")

	peerA, peerB := connectPeers(t, serviceCap.Narrow(runtime.PermSend|runtime.PermMonitor), rtA, lumpsA)
	ctx := testContext(t)

	imported, err := peerB.session.RemoteBootstrap(ctx)
	if err != nil {
		t.Fatalf("RemoteBootstrap: %v", err)
	}

	_, observerProc := spawnIdle(t, peerB.rt, "observer")
	observer, err := observerProc.NewMailbox(runtime.MailboxOptions{})
	if err != nil {
		t.Fatalf("NewMailbox: %v", err)
	}
	if _, err := peerB.rt.Monitor(observer, imported); err != nil {
		t.Fatalf("Monitor: %v", err)
	}

	// A crashes.
	peerA.session.Close()
	<-peerB.session.Done()

	delivery, err := observer.Recv(ctx)
	if err != nil {
		t.Fatalf("observer Recv: %v", err)
	}
	if delivery.Signal == nil || delivery.Signal.Kind != runtime.SignalDown {
		t.Fatalf("delivery = %+v, want Down", delivery)
	}

	err = imported.Send(ctx, runtime.Envelope{Payload: []byte("late")})
	if !fault.Is(err, fault.PeerGone) {
		t.Errorf("send after disconnect = %v, want peer-gone", err)
	}
}

func TestLumpFetchAcrossPeers(t *testing.T) {
	rtA, lumpsA := newTestHost(t)
	serviceCap, _ := spawnIdle(t, rtA, "service")

	content := []byte("guest module bytes, reasonably compressible: aaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	digest := lumpsA.Put(content)

	_, peerB := connectPeers(t, serviceCap.Narrow(runtime.PermSend), rtA, lumpsA)
	ctx := testContext(t)

	got, err := peerB.lumps.Get(ctx, digest)
	if err != nil {
		t.Fatalf("cross-peer Get: %v", err)
	}
	if string(got) != string(content) {
		t.Error("fetched bytes differ")
	}

	// Digest agreement across peers: putting the same bytes locally
	// on B yields the digest A advertised.
	if peerB.lumps.Put(content) != digest {
		t.Error("digest not stable across peers")
	}

	// Absent digests come back missing, not corrupt.
	absent := lump.DigestBytes([]byte("never stored"))
	if _, err := peerB.lumps.Get(ctx, absent); err == nil {
		t.Error("Get of absent digest succeeded")
	}
}

func TestCrossPeerLinkKillsLocalEndpoint(t *testing.T) {
	rtA, lumpsA := newTestHost(t)
	serviceCap, service := spawnIdle(t, rtA, "service")

	_, peerB := connectPeers(t, serviceCap.Narrow(runtime.PermSend|runtime.PermLink), rtA, lumpsA)
	ctx := testContext(t)

	imported, err := peerB.session.RemoteBootstrap(ctx)
	if err != nil {
		t.Fatalf("RemoteBootstrap: %v", err)
	}

	_, local := spawnIdle(t, peerB.rt, "linked-local")
	if err := peerB.session.Link(local, imported); err != nil {
		t.Fatalf("Link: %v", err)
	}

	// Remote endpoint dies; the local one must follow with
	// LinkedDeath.
	if err := rtA.Exit(service.PID(), runtime.Cause{Kind: runtime.CauseKilled}); err != nil {
		t.Fatalf("Exit: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := peerB.rt.Process(local.PID()); !ok {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if _, ok := peerB.rt.Process(local.PID()); ok {
		t.Fatal("linked local process survived remote death")
	}
	if cause := local.ExitCause(); cause.Kind != runtime.CauseLinkedDeath {
		t.Errorf("cause = %v, want linked-death", cause.Kind)
	}
}

func TestLinkRequiresLinkPermission(t *testing.T) {
	rtA, lumpsA := newTestHost(t)
	serviceCap, _ := spawnIdle(t, rtA, "service")

	_, peerB := connectPeers(t, serviceCap.Narrow(runtime.PermSend), rtA, lumpsA)
	ctx := testContext(t)

	imported, err := peerB.session.RemoteBootstrap(ctx)
	if err != nil {
		t.Fatalf("RemoteBootstrap: %v", err)
	}

	_, local := spawnIdle(t, peerB.rt, "local")
	if err := peerB.session.Link(local, imported); !fault.Is(err, fault.PermissionDenied) {
		t.Errorf("Link without PermLink = %v, want permission-denied", err)
	}
}

func TestProtocolMismatchClosesSession(t *testing.T) {
	rtB, lumpsB := newTestHost(t)
	connA, connB := net.Pipe()

	type result struct {
		session *Session
		err     error
	}
	sideB := make(chan result, 1)
	go func() {
		session, err := NewSession(connB, Config{Runtime: rtB, Lumps: lumpsB, PeerID: "peer-b"}, false)
		sideB <- result{session, err}
	}()

	// Speak the raw protocol from side A with a bogus major version.
	key, err := netcrypt.Handshake(connA, true)
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	encrypted, err := netcrypt.NewConn(connA, key, true)
	if err != nil {
		t.Fatalf("NewConn: %v", err)
	}
	hello, err := wire.NewFrame(wire.KindHello, wire.Hello{
		ProtocolMajor: wire.ProtocolMajor + 1,
		PeerID:        "peer-from-the-future",
	})
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	if err := wire.WriteFrame(encrypted, hello); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	b := <-sideB
	if b.err == nil {
		b.session.Close()
		t.Fatal("responder accepted a mismatched major version")
	}
	if !fault.Is(b.err, fault.ProtocolMismatch) {
		t.Errorf("error = %v, want protocol-mismatch", b.err)
	}
}
