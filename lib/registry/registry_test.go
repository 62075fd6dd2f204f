// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"testing"
	"time"

	"github.com/hearth-foundation/hearth/lib/codec"
	"github.com/hearth-foundation/hearth/lib/runtime"
)

func newTestRuntime(t *testing.T) *runtime.Runtime {
	t.Helper()
	rt := runtime.New(runtime.Options{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rt.Shutdown(ctx)
	})
	return rt
}

func spawnIdle(t *testing.T, rt *runtime.Runtime, name string) (runtime.Capability, *runtime.Process) {
	t.Helper()
	rootCap, p, err := rt.Spawn(name, func(ctx context.Context, self *runtime.Process) error {
		<-ctx.Done()
		return nil
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	return rootCap, p
}

func TestRegisterAndGetNarrows(t *testing.T) {
	rt := newTestRuntime(t)
	reg := New(nil)
	serviceCap, _ := spawnIdle(t, rt, "svc")

	if err := reg.Register("hearth.test.Service", serviceCap, runtime.PermSend); err != nil {
		t.Fatalf("Register: %v", err)
	}

	got, ok := reg.Get("hearth.test.Service")
	if !ok {
		t.Fatal("Get did not find the service")
	}
	if got.Permissions() != runtime.PermSend {
		t.Errorf("lookup permissions = %v, want send-only", got.Permissions())
	}
	if !got.SameTarget(serviceCap) {
		t.Error("lookup returned a different mailbox")
	}

	if _, ok := reg.Get("hearth.absent"); ok {
		t.Error("Get found an unregistered name")
	}
}

func TestDuplicateAndFrozenRegistration(t *testing.T) {
	rt := newTestRuntime(t)
	reg := New(nil)
	serviceCap, _ := spawnIdle(t, rt, "svc")

	if err := reg.Register("dup", serviceCap, runtime.PermSend); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Register("dup", serviceCap, runtime.PermSend); err == nil {
		t.Error("duplicate Register succeeded")
	}

	reg.Freeze()
	if err := reg.Register("late", serviceCap, runtime.PermSend); err == nil {
		t.Error("Register after Freeze succeeded")
	}
}

func TestListIsSorted(t *testing.T) {
	rt := newTestRuntime(t)
	reg := New(nil)
	serviceCap, _ := spawnIdle(t, rt, "svc")

	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := reg.Register(name, serviceCap, runtime.PermSend); err != nil {
			t.Fatalf("Register %s: %v", name, err)
		}
	}
	names := reg.List()
	want := []string{"alpha", "mid", "zeta"}
	if len(names) != len(want) {
		t.Fatalf("List = %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("List[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestDefaultManifestParses(t *testing.T) {
	manifest, err := DefaultManifest()
	if err != nil {
		t.Fatalf("DefaultManifest: %v", err)
	}
	if len(manifest.Services) == 0 {
		t.Fatal("embedded manifest lists no services")
	}

	grant := manifest.GrantFor("hearth.registry.Registry")
	if !grant.Has(runtime.PermSend) || !grant.Has(runtime.PermMonitor) {
		t.Errorf("registry grant = %v, want send+monitor", grant)
	}
	if got := manifest.GrantFor("not.in.manifest"); got != runtime.PermSend {
		t.Errorf("unlisted service grant = %v, want send-only default", got)
	}
}

func TestParseGrantRejectsUnknown(t *testing.T) {
	if _, err := ParseGrant([]string{"send", "fly"}); err == nil {
		t.Error("ParseGrant accepted an unknown permission")
	}
}

func TestRegistryServiceProtocol(t *testing.T) {
	rt := newTestRuntime(t)
	reg := New(nil)

	serviceCap, _ := spawnIdle(t, rt, "target-service")
	if err := reg.Register("hearth.test.Target", serviceCap, runtime.PermSend); err != nil {
		t.Fatalf("Register: %v", err)
	}

	registryCap, err := Serve(rt, reg)
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}

	_, client := spawnIdle(t, rt, "client")
	replyBox, err := client.NewMailbox(runtime.MailboxOptions{})
	if err != nil {
		t.Fatalf("NewMailbox: %v", err)
	}
	replyCap, err := client.Capability(replyBox, runtime.PermSend)
	if err != nil {
		t.Fatalf("Capability: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// get: receives the narrowed capability in the reply envelope.
	payload, err := codec.Marshal(Request{Op: "get", Name: "hearth.test.Target"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	err = registryCap.Narrow(runtime.PermSend).Send(ctx, runtime.Envelope{
		Payload: payload,
		Caps:    []runtime.Capability{replyCap},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	delivery, err := replyBox.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	var response Response
	if err := codec.Unmarshal(delivery.Envelope.Payload, &response); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !response.Found || len(delivery.Envelope.Caps) != 1 {
		t.Fatalf("get response = %+v with %d caps", response, len(delivery.Envelope.Caps))
	}
	if got := delivery.Envelope.Caps[0]; !got.SameTarget(serviceCap) || got.Permissions() != runtime.PermSend {
		t.Error("get returned wrong or unnarrowed capability")
	}

	// list: names only.
	payload, err = codec.Marshal(Request{Op: "list"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if err := registryCap.Send(ctx, runtime.Envelope{Payload: payload, Caps: []runtime.Capability{replyCap}}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	delivery, err = replyBox.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if err := codec.Unmarshal(delivery.Envelope.Payload, &response); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(response.Names) != 1 || response.Names[0] != "hearth.test.Target" {
		t.Errorf("list response = %+v", response)
	}
}
