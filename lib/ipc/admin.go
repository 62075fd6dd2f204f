// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"context"
	"fmt"

	"github.com/hearth-foundation/hearth/lib/codec"
	"github.com/hearth-foundation/hearth/lib/guest"
	"github.com/hearth-foundation/hearth/lib/lump"
	"github.com/hearth-foundation/hearth/lib/registry"
	"github.com/hearth-foundation/hearth/lib/runtime"
	"github.com/hearth-foundation/hearth/lib/version"
)

// Admin wires the administrative actions onto a socket server:
// list-processes, kill, spawn, subscribe, status.
type Admin struct {
	Runtime  *runtime.Runtime
	Registry *registry.Registry
	Guests   *guest.Adapter
	PeerID   string
}

// Install registers the admin actions on server.
func (a *Admin) Install(server *SocketServer) {
	server.Handle("list-processes", a.listProcesses)
	server.Handle("kill", a.kill)
	server.Handle("spawn", a.spawn)
	server.Handle("status", a.status)
	server.HandleStream("subscribe", a.subscribe)
}

// ListProcessesResponse answers "list-processes".
type ListProcessesResponse struct {
	Processes []runtime.ProcessInfo `cbor:"processes"`
}

func (a *Admin) listProcesses(ctx context.Context, raw []byte) (any, error) {
	return ListProcessesResponse{Processes: a.Runtime.Processes()}, nil
}

// KillRequest asks for a process termination by pid.
type KillRequest struct {
	Action string `cbor:"action"`
	PID    uint64 `cbor:"pid"`
}

func (a *Admin) kill(ctx context.Context, raw []byte) (any, error) {
	var request KillRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, fmt.Errorf("decoding kill request: %w", err)
	}
	if request.PID == 0 {
		return nil, fmt.Errorf("missing required field: pid")
	}
	if err := a.Runtime.Exit(runtime.PID(request.PID), runtime.Cause{Kind: runtime.CauseKilled, Detail: "ipc kill"}); err != nil {
		return nil, err
	}
	return nil, nil
}

// SpawnRequest spawns a guest from a module lump. InitialCaps names
// registry services whose (manifest-narrowed) capabilities are
// delivered to the new process as its first envelope.
type SpawnRequest struct {
	Action      string   `cbor:"action"`
	LumpDigest  string   `cbor:"lump_digest"`
	Name        string   `cbor:"name,omitempty"`
	Entrypoint  string   `cbor:"entrypoint,omitempty"`
	InitialCaps []string `cbor:"initial_caps,omitempty"`
}

// SpawnResponse answers "spawn".
type SpawnResponse struct {
	PID uint64 `cbor:"pid"`
}

func (a *Admin) spawn(ctx context.Context, raw []byte) (any, error) {
	if a.Guests == nil {
		return nil, fmt.Errorf("no guest adapter configured")
	}

	var request SpawnRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, fmt.Errorf("decoding spawn request: %w", err)
	}
	digest, err := lump.ParseDigest(request.LumpDigest)
	if err != nil {
		return nil, err
	}

	var initial []runtime.Capability
	for _, name := range request.InitialCaps {
		if a.Registry == nil {
			return nil, fmt.Errorf("no registry configured for initial capability %q", name)
		}
		capability, ok := a.Registry.Get(name)
		if !ok {
			return nil, fmt.Errorf("unknown service %q", name)
		}
		initial = append(initial, capability)
	}

	name := request.Name
	if name == "" {
		name = "guest/" + request.LumpDigest[:12]
	}

	rootCap, p, err := a.Guests.SpawnFromDigest(ctx, name, digest, request.Entrypoint)
	if err != nil {
		return nil, err
	}

	if len(initial) > 0 {
		err := rootCap.Narrow(runtime.PermSend).Send(ctx, runtime.Envelope{Caps: initial})
		if err != nil {
			a.Runtime.Exit(p.PID(), runtime.Cause{Kind: runtime.CauseFault, Detail: "initial capability delivery failed"})
			return nil, err
		}
	}

	return SpawnResponse{PID: uint64(p.PID())}, nil
}

// StatusResponse answers "status".
type StatusResponse struct {
	PeerID    string     `cbor:"peer_id"`
	Version   string     `cbor:"version"`
	Processes int        `cbor:"processes"`
	Services  []string   `cbor:"services,omitempty"`
	Lumps     lump.Stats `cbor:"lumps"`
}

func (a *Admin) status(ctx context.Context, raw []byte) (any, error) {
	status := StatusResponse{
		PeerID:    a.PeerID,
		Version:   version.Info(),
		Processes: len(a.Runtime.Processes()),
	}
	if a.Registry != nil {
		status.Services = a.Registry.List()
	}
	if store := a.Runtime.Lumps(); store != nil {
		status.Lumps = store.Stats()
	}
	return status, nil
}

// SubscribeRequest filters the event stream. Empty Events means all
// kinds.
type SubscribeRequest struct {
	Action string   `cbor:"action"`
	Events []string `cbor:"events,omitempty"`
}

func (a *Admin) subscribe(ctx context.Context, raw []byte, out *codec.Encoder) error {
	var request SubscribeRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return fmt.Errorf("decoding subscribe request: %w", err)
	}

	wanted := make(map[runtime.EventKind]bool, len(request.Events))
	for _, kind := range request.Events {
		wanted[runtime.EventKind(kind)] = true
	}

	events, cancel := a.Runtime.SubscribeEvents(256)
	defer cancel()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return nil
			}
			if len(wanted) > 0 && !wanted[event.Kind] {
				continue
			}
			if err := out.Encode(event); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}
