// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/hearth-foundation/hearth/lib/runtime"
)

// Registry maps well-known service names to root capabilities. It is
// the discovery front-door: services are ordinary processes, and a
// lookup hands out a narrowed capability per the grant mask the
// service was published with.
type Registry struct {
	mu       sync.RWMutex
	services map[string]entry
	frozen   bool
	logger   *slog.Logger
}

type entry struct {
	cap   runtime.Capability
	grant runtime.Permissions
}

// New creates an empty, mutable registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		services: make(map[string]entry),
		logger:   logger,
	}
}

// Register publishes a service under name. Lookups receive the
// capability narrowed to grant. Fails on duplicate names and after
// Freeze.
func (r *Registry) Register(name string, cap runtime.Capability, grant runtime.Permissions) error {
	if name == "" {
		return fmt.Errorf("registry: empty service name")
	}
	if !cap.Valid() {
		return fmt.Errorf("registry: zero capability for %q", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("registry: frozen, cannot register %q", name)
	}
	if _, exists := r.services[name]; exists {
		return fmt.Errorf("registry: duplicate service %q", name)
	}
	r.services[name] = entry{cap: cap, grant: grant}
	r.logger.Info("service registered", "name", name, "grant", grant.String())
	return nil
}

// Freeze makes the registry read-only. The host freezes after
// publishing its startup services; a frozen registry rejects
// Register, matching the immutable registry of the original design.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Get returns the capability for name, narrowed to its grant mask.
func (r *Registry) Get(name string) (runtime.Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.services[name]
	if !ok {
		return runtime.Capability{}, false
	}
	return e.cap.Narrow(e.grant), true
}

// List returns the registered service names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
