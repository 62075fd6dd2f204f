// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package guest

import (
	"context"
	"log/slog"

	"github.com/hearth-foundation/hearth/lib/fault"
	"github.com/hearth-foundation/hearth/lib/lump"
	"github.com/hearth-foundation/hearth/lib/registry"
	"github.com/hearth-foundation/hearth/lib/runtime"
)

// FuelExhaustedDetail is the trap detail of a guest terminated for
// starving its instruction budget without ever reaching a host call.
const FuelExhaustedDetail = "FuelExhausted"

// Config wires the adapter into the host.
type Config struct {
	// Runtime hosts guest processes.
	Runtime *runtime.Runtime

	// Engine executes modules. Required.
	Engine Engine

	// Registry resolves ServiceGet host calls. Optional.
	Registry *registry.Registry

	// FuelPerSlice is the instruction budget of one dispatcher slice
	// (config: guest_instruction_slice). Default 1_000_000.
	FuelPerSlice uint64

	// MaxStarvedSlices is how many consecutive fuel-exhausted slices
	// without a single host call end a guest: the slice that reaches
	// this count terminates it with GuestTrap(FuelExhausted). Default 64.
	MaxStarvedSlices int

	// Logger receives guest log lines and adapter events. Defaults
	// to the runtime's logger.
	Logger *slog.Logger
}

// Adapter embeds sandboxed guest instances as process bodies. One
// adapter serves the whole host; each spawned guest is an ordinary
// process whose body drives the instance in metered slices.
type Adapter struct {
	rt               *runtime.Runtime
	engine           Engine
	registry         *registry.Registry
	fuelPerSlice     uint64
	maxStarvedSlices int
	logger           *slog.Logger
}

// New builds an adapter.
func New(cfg Config) *Adapter {
	if cfg.FuelPerSlice == 0 {
		cfg.FuelPerSlice = 1_000_000
	}
	if cfg.MaxStarvedSlices <= 0 {
		cfg.MaxStarvedSlices = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = cfg.Runtime.Logger()
	}
	return &Adapter{
		rt:               cfg.Runtime,
		engine:           cfg.Engine,
		registry:         cfg.Registry,
		fuelPerSlice:     cfg.FuelPerSlice,
		maxStarvedSlices: cfg.MaxStarvedSlices,
		logger:           cfg.Logger,
	}
}

// SpawnModule compiles raw module bytes and spawns a guest process
// running them. Returns the all-permission capability to the guest's
// root mailbox.
func (a *Adapter) SpawnModule(name string, module []byte, entrypoint string) (runtime.Capability, *runtime.Process, error) {
	return a.spawn(name, module, entrypoint, lump.Digest{})
}

// SpawnFromDigest spawns a guest from a module stored as a lump,
// fetching it transparently if needed. The digest becomes the
// guest's ThisLump.
func (a *Adapter) SpawnFromDigest(ctx context.Context, name string, digest lump.Digest, entrypoint string) (runtime.Capability, *runtime.Process, error) {
	store := a.rt.Lumps()
	if store == nil {
		return runtime.Capability{}, nil, fault.New(fault.ResourceExhausted, "guest/spawn", "no lump store configured")
	}
	module, err := store.Get(ctx, digest)
	if err != nil {
		return runtime.Capability{}, nil, err
	}
	return a.spawn(name, module, entrypoint, digest)
}

func (a *Adapter) spawn(name string, module []byte, entrypoint string, digest lump.Digest) (runtime.Capability, *runtime.Process, error) {
	compiled, err := a.engine.Compile(module)
	if err != nil {
		return runtime.Capability{}, nil, fault.Wrap(fault.GuestTrap, "guest/compile", err)
	}

	return a.rt.Spawn(name, func(ctx context.Context, self *runtime.Process) error {
		return a.runGuest(ctx, self, compiled, entrypoint, digest)
	})
}

// runGuest is the guest process body: instantiate, then drive the
// instance slice by slice until completion, trap, or termination.
func (a *Adapter) runGuest(ctx context.Context, self *runtime.Process, module Module, entrypoint string, digest lump.Digest) error {
	calls := newHostCalls(a, self, digest)

	instance, err := module.Instantiate(calls, entrypoint)
	if err != nil {
		return fault.Wrap(fault.GuestTrap, "guest/instantiate", err)
	}
	defer instance.Close()

	dispatcher := a.rt.Dispatcher()
	starved := 0

	for {
		if err := dispatcher.BeginSlice(ctx); err != nil {
			// Process terminating or host stopping.
			return nil
		}
		calls.sliceBegun()

		state, runErr := instance.Run(ctx, a.fuelPerSlice)

		progressed, tokenLost := calls.sliceState()
		if !tokenLost {
			dispatcher.EndSlice()
		}
		if ctx.Err() != nil {
			return nil
		}
		if runErr != nil {
			// Any engine trap terminates exactly this process; the
			// termination protocol handles the rest.
			return fault.Wrap(fault.GuestTrap, "guest/run", runErr)
		}

		switch state {
		case RunCompleted:
			return nil

		case RunFuelExhausted:
			if progressed {
				starved = 0
				continue
			}
			starved++
			if starved >= a.maxStarvedSlices {
				return fault.New(fault.GuestTrap, "guest/run", FuelExhaustedDetail)
			}

		default:
			return fault.Newf(fault.Internal, "guest/run", "engine returned unknown state %d", state)
		}
	}
}
