// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"

	"github.com/hearth-foundation/hearth/lib/codec"
	"github.com/hearth-foundation/hearth/lib/guest"
	"github.com/hearth-foundation/hearth/lib/lump"
	"github.com/hearth-foundation/hearth/lib/runtime"
)

// lumpRequest is the message protocol of the lump store front-door.
// The first capability of the envelope is the reply destination.
type lumpRequest struct {
	// Op is "put" or "get".
	Op string `cbor:"op"`

	// Data is the content to store, for "put".
	Data []byte `cbor:"data,omitempty"`

	// Digest is the content address, for "get".
	Digest string `cbor:"digest,omitempty"`
}

// lumpResponse answers a lumpRequest.
type lumpResponse struct {
	Digest  string `cbor:"digest,omitempty"`
	Data    []byte `cbor:"data,omitempty"`
	Missing bool   `cbor:"missing,omitempty"`
	Error   string `cbor:"error,omitempty"`
}

// serveLumpStore publishes the store as an ordinary process. Guests
// normally use the lump host calls directly; the service exists for
// remote peers, which reach the store only through capabilities.
func serveLumpStore(rt *runtime.Runtime, store *lump.Store) (runtime.Capability, error) {
	rootCap, _, err := rt.Spawn("hearth.lump.Store", func(ctx context.Context, self *runtime.Process) error {
		for {
			delivery, err := self.Root().Recv(ctx)
			if err != nil {
				return nil
			}
			if delivery.Envelope == nil || len(delivery.Envelope.Caps) == 0 {
				continue
			}
			reply := delivery.Envelope.Caps[0]

			var request lumpRequest
			if err := codec.Unmarshal(delivery.Envelope.Payload, &request); err != nil {
				respond(ctx, reply, lumpResponse{Error: "malformed request"})
				continue
			}

			switch request.Op {
			case "put":
				digest := store.Put(request.Data)
				respond(ctx, reply, lumpResponse{Digest: digest.String()})

			case "get":
				digest, err := lump.ParseDigest(request.Digest)
				if err != nil {
					respond(ctx, reply, lumpResponse{Error: err.Error()})
					continue
				}
				data, err := store.Get(ctx, digest)
				if err != nil {
					respond(ctx, reply, lumpResponse{Missing: true})
					continue
				}
				respond(ctx, reply, lumpResponse{Data: data})

			default:
				respond(ctx, reply, lumpResponse{Error: "unknown op " + request.Op})
			}
		}
	})
	return rootCap, err
}

// spawnRequest is the message protocol of the WASM spawner service.
type spawnRequest struct {
	// Digest addresses the module lump.
	Digest string `cbor:"digest"`

	// Entrypoint selects an exported function; empty means the
	// module default.
	Entrypoint string `cbor:"entrypoint,omitempty"`

	// Name labels the process in listings and logs.
	Name string `cbor:"name,omitempty"`
}

// spawnResponse answers a spawnRequest. On success the envelope
// carries the child's root capability, narrowed to send+monitor —
// enough to drive and supervise it, not to kill siblings through a
// shared spawner.
type spawnResponse struct {
	OK    bool   `cbor:"ok"`
	PID   uint64 `cbor:"pid,omitempty"`
	Error string `cbor:"error,omitempty"`
}

// serveSpawner publishes guest spawning as a service, the way remote
// peers and guests without spawn host calls create processes.
func serveSpawner(rt *runtime.Runtime, adapter *guest.Adapter) (runtime.Capability, error) {
	rootCap, _, err := rt.Spawn("hearth.wasm.Spawner", func(ctx context.Context, self *runtime.Process) error {
		for {
			delivery, err := self.Root().Recv(ctx)
			if err != nil {
				return nil
			}
			if delivery.Envelope == nil || len(delivery.Envelope.Caps) == 0 {
				continue
			}
			reply := delivery.Envelope.Caps[0]

			var request spawnRequest
			if err := codec.Unmarshal(delivery.Envelope.Payload, &request); err != nil {
				respond(ctx, reply, spawnResponse{Error: "malformed request"})
				continue
			}
			digest, err := lump.ParseDigest(request.Digest)
			if err != nil {
				respond(ctx, reply, spawnResponse{Error: err.Error()})
				continue
			}

			name := request.Name
			if name == "" {
				name = "guest/" + request.Digest[:12]
			}
			childCap, child, err := adapter.SpawnFromDigest(ctx, name, digest, request.Entrypoint)
			if err != nil {
				respond(ctx, reply, spawnResponse{Error: err.Error()})
				continue
			}

			payload, err := codec.Marshal(spawnResponse{OK: true, PID: uint64(child.PID())})
			if err != nil {
				continue
			}
			reply.Send(ctx, runtime.Envelope{
				Payload: payload,
				Caps:    []runtime.Capability{childCap.Narrow(runtime.PermSend | runtime.PermMonitor)},
			})
		}
	})
	return rootCap, err
}

// respond sends a CBOR value best-effort; a dead requester is its
// own problem.
func respond(ctx context.Context, reply runtime.Capability, value any) {
	payload, err := codec.Marshal(value)
	if err != nil {
		return
	}
	reply.Send(ctx, runtime.Envelope{Payload: payload})
}
