// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package guest

import "context"

// Engine is the boundary with the WebAssembly execution engine. The
// engine's internals (JIT, linear memory layout, trap machinery)
// are out of the runtime's scope; this contract is what the core
// depends on:
//
//   - a module compiles once and instantiates per process,
//   - an instance runs in instruction-metered slices and surfaces
//     traps as errors,
//   - host calls during a slice go through the *HostCalls the
//     instance was built with (and nothing else: a guest has no other
//     way to reach the runtime).
type Engine interface {
	// Compile validates and compiles a guest module.
	Compile(module []byte) (Module, error)
}

// Module is compiled guest code, instantiable many times.
type Module interface {
	// Instantiate builds an instance wired to the given host-call
	// surface. entrypoint selects an exported function; empty means
	// the module's default entry.
	Instantiate(calls *HostCalls, entrypoint string) (Instance, error)
}

// RunState reports why a slice ended without a trap.
type RunState uint8

const (
	// RunCompleted means the guest's entry function returned; the
	// process terminates normally.
	RunCompleted RunState = iota

	// RunFuelExhausted means the instruction budget ran out with the
	// guest still computing. The adapter requeues the instance for
	// another slice — or terminates it with GuestTrap(FuelExhausted)
	// if it starves the budget too many slices in a row without a
	// single host call.
	RunFuelExhausted
)

// Instance is one guest execution.
type Instance interface {
	// Run resumes the guest with a fresh fuel budget of
	// approximately `fuel` instructions. Host calls made by the
	// guest execute synchronously on the calling goroutine; blocking
	// host calls release the dispatcher slice token around the wait,
	// so Run may be parked in a receive without holding compute
	// resources.
	//
	// A trap (memory fault, unreachable, explicit abort) returns a
	// non-nil error and the instance must not be Run again.
	Run(ctx context.Context, fuel uint64) (RunState, error)

	// Close releases engine resources. Idempotent.
	Close()
}
