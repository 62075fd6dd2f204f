// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/hearth-foundation/hearth/lib/config"
	"github.com/hearth-foundation/hearth/lib/guest"
	"github.com/hearth-foundation/hearth/lib/ipc"
	"github.com/hearth-foundation/hearth/lib/lump"
	"github.com/hearth-foundation/hearth/lib/peer"
	"github.com/hearth-foundation/hearth/lib/registry"
	"github.com/hearth-foundation/hearth/lib/runtime"
	"github.com/hearth-foundation/hearth/lib/version"
)

// Exit codes, part of the external contract.
const (
	exitOK       = 0
	exitConfig   = 64
	exitBind     = 65
	exitInternal = 70
	exitSignal   = 130
)

func main() {
	os.Exit(run())
}

func run() (code int) {
	var (
		configPath  string
		listenFlag  string
		ipcPathFlag string
		showVersion bool
	)
	pflag.StringVar(&configPath, "config", "", "path to the configuration blob (default: $HEARTH_CONFIG)")
	pflag.StringVar(&listenFlag, "listen", "", "peer listen address, overriding the config")
	pflag.StringVar(&ipcPathFlag, "ipc-path", "", "admin socket path, overriding the config")
	pflag.BoolVar(&showVersion, "version", false, "print version information and exit")
	pflag.Parse()

	if showVersion {
		fmt.Printf("hearth-daemon %s\n", version.Info())
		return exitOK
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitConfig
	}
	if listenFlag != "" {
		cfg.ListenAddress = listenFlag
	}
	if ipcPathFlag != "" {
		cfg.IPCPath = ipcPathFlag
	}
	level, err := cfg.SlogLevel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitConfig
	}

	// Text for a terminal, JSON for everything else (journald,
	// container logs).
	var handler slog.Handler
	if term.IsTerminal(int(os.Stderr.Fd())) {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	logger := slog.New(handler)

	// A runtime invariant violation is a bug; report it under the
	// contract's code rather than as a bare panic.
	defer func() {
		if recovered := recover(); recovered != nil {
			logger.Error("internal invariant violation", "panic", recovered)
			code = exitInternal
		}
	}()

	peerID := config.PeerID(func() string { return uuid.NewString() })
	logger.Info("hearth starting",
		"version", version.Info(),
		"peer_id", peerID,
	)

	// The host builds the runtime explicitly and tears it down on
	// the way out; nothing initializes on first access.
	lumps := lump.NewStore(lump.Options{
		CacheBytes: cfg.LumpCacheBytes,
		Logger:     logger,
	})
	rt := runtime.New(runtime.Options{
		MailboxCapacity: cfg.MailboxDefaultCapacity,
		Lumps:           lumps,
		Logger:          logger,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := rt.Shutdown(shutdownCtx); err != nil {
			logger.Warn("runtime shutdown incomplete", "error", err)
		}
	}()

	reg := registry.New(logger)
	adapter := guest.New(guest.Config{
		Runtime:      rt,
		Engine:       guest.NewWasmerEngine(),
		Registry:     reg,
		FuelPerSlice: cfg.GuestInstructionSlice,
		Logger:       logger,
	})

	manifest, err := registry.DefaultManifest()
	if err != nil {
		// Embedded content failing to parse is a build defect.
		logger.Error("embedded service manifest invalid", "error", err)
		return exitInternal
	}
	if err := publishServices(rt, reg, lumps, adapter, manifest); err != nil {
		logger.Error("service publication failed", "error", err)
		return exitInternal
	}
	reg.Freeze()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The registry capability handed to peers: discovery only.
	peerBootstrap, _ := reg.Get(registry.ServiceName)

	var peerListener *peer.Listener
	if cfg.ListenAddress != "" {
		peerListener, err = peer.Listen(cfg.ListenAddress, peer.Config{
			Runtime:   rt,
			Lumps:     lumps,
			PeerID:    peerID,
			Bootstrap: peerBootstrap,
			Logger:    logger,
		})
		if err != nil {
			logger.Error("peer listen failed", "address", cfg.ListenAddress, "error", err)
			return exitBind
		}
		go func() {
			if err := peerListener.Serve(ctx, func(s *peer.Session) {
				logger.Info("peer connected", "peer", s.RemoteID())
			}); err != nil {
				logger.Error("peer serve failed", "error", err)
			}
		}()
		defer peerListener.CloseAll()
		logger.Info("peer endpoint listening", "address", peerListener.Addr().String())
	}

	ipcServer := ipc.NewSocketServer(cfg.IPCPath, logger)
	admin := &ipc.Admin{
		Runtime:  rt,
		Registry: reg,
		Guests:   adapter,
		PeerID:   peerID,
	}
	admin.Install(ipcServer)

	ipcErr := make(chan error, 1)
	go func() { ipcErr <- ipcServer.Serve(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("signal received, shutting down")
		return exitSignal
	case err := <-ipcErr:
		if err != nil {
			logger.Error("ipc serve failed", "path", cfg.IPCPath, "error", err)
			return exitBind
		}
		return exitOK
	}
}

// publishServices spawns the host's native services and registers
// them under their well-known names with the manifest's grants.
func publishServices(rt *runtime.Runtime, reg *registry.Registry, lumps *lump.Store, adapter *guest.Adapter, manifest registry.Manifest) error {
	lumpCap, err := serveLumpStore(rt, lumps)
	if err != nil {
		return err
	}
	if err := reg.Register("hearth.lump.Store", lumpCap, manifest.GrantFor("hearth.lump.Store")); err != nil {
		return err
	}

	spawnerCap, err := serveSpawner(rt, adapter)
	if err != nil {
		return err
	}
	if err := reg.Register("hearth.wasm.Spawner", spawnerCap, manifest.GrantFor("hearth.wasm.Spawner")); err != nil {
		return err
	}

	registryCap, err := registry.Serve(rt, reg)
	if err != nil {
		return err
	}
	return reg.Register(registry.ServiceName, registryCap, manifest.GrantFor(registry.ServiceName))
}
