// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"

	"github.com/hearth-foundation/hearth/lib/codec"
	"github.com/hearth-foundation/hearth/lib/runtime"
)

// ServiceName is the well-known name the registry service itself is
// reachable under.
const ServiceName = "hearth.registry.Registry"

// Request is the message protocol of the registry service. The first
// capability of the request envelope is the reply destination.
type Request struct {
	// Op is "get" or "list". Register is not available by message:
	// the registry freezes at startup.
	Op string `cbor:"op"`

	// Name is the service to look up, for "get".
	Name string `cbor:"name,omitempty"`
}

// Response answers a Request. For a successful "get" the envelope
// carries the narrowed service capability as its only transferred
// capability.
type Response struct {
	Found bool     `cbor:"found,omitempty"`
	Names []string `cbor:"names,omitempty"`
	Error string   `cbor:"error,omitempty"`
}

// Serve spawns the registry as an ordinary process answering Request
// messages on its root mailbox, and returns the all-permission
// capability to it. Tenants discover other services by messaging
// this one; the host wires its narrowed capability into every guest.
func Serve(rt *runtime.Runtime, reg *Registry) (runtime.Capability, error) {
	rootCap, _, err := rt.Spawn(ServiceName, func(ctx context.Context, self *runtime.Process) error {
		for {
			delivery, err := self.Root().Recv(ctx)
			if err != nil {
				// Cancelled or closed: the host is tearing down.
				return nil
			}
			if delivery.Envelope == nil {
				continue
			}
			handleRequest(ctx, rt, reg, delivery.Envelope)
		}
	})
	if err != nil {
		return runtime.Capability{}, err
	}
	return rootCap, nil
}

// handleRequest answers one envelope. Requests without a reply
// capability are dropped: there is nowhere to report the failure.
// Malformed requests get an error response. Either way the registry
// must not die on tenant input.
func handleRequest(ctx context.Context, rt *runtime.Runtime, reg *Registry, env *runtime.Envelope) {
	if len(env.Caps) == 0 {
		return
	}
	reply := env.Caps[0]

	var request Request
	if err := codec.Unmarshal(env.Payload, &request); err != nil {
		respond(ctx, reply, Response{Error: "malformed request"}, nil)
		return
	}

	switch request.Op {
	case "get":
		serviceCap, found := reg.Get(request.Name)
		if !found {
			respond(ctx, reply, Response{Found: false}, nil)
			return
		}
		respond(ctx, reply, Response{Found: true}, []runtime.Capability{serviceCap})

	case "list":
		respond(ctx, reply, Response{Names: reg.List()}, nil)

	default:
		respond(ctx, reply, Response{Error: "unknown op " + request.Op}, nil)
	}
}

// respond sends a Response best-effort. The requester may have died
// or revoked its reply mailbox; that is its problem, not ours.
func respond(ctx context.Context, reply runtime.Capability, response Response, caps []runtime.Capability) {
	payload, err := codec.Marshal(response)
	if err != nil {
		return
	}
	_ = reply.Send(ctx, runtime.Envelope{Payload: payload, Caps: caps})
}
