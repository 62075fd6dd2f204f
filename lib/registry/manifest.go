// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/tidwall/jsonc"

	"github.com/hearth-foundation/hearth/lib/runtime"
)

// services.jsonc is the embedded default manifest: the well-known
// service names the daemon publishes at startup and the grant mask a
// lookup receives for each. JSONC so the file documents itself.
//
//go:embed services.jsonc
var defaultManifest []byte

// Manifest declares services and their lookup grants.
type Manifest struct {
	Services []ManifestService `json:"services"`
}

// ManifestService is one manifest entry.
type ManifestService struct {
	// Name is the well-known service name (e.g. "hearth.lump.Store").
	Name string `json:"name"`

	// Grant lists the permissions a lookup receives: any of "send",
	// "monitor", "link", "kill".
	Grant []string `json:"grant"`
}

// DefaultManifest parses the embedded manifest. An error indicates a
// bug in the embedded content, not a runtime condition.
func DefaultManifest() (Manifest, error) {
	return ParseManifest(defaultManifest)
}

// ParseManifest parses a JSONC manifest.
func ParseManifest(data []byte) (Manifest, error) {
	var manifest Manifest
	if err := json.Unmarshal(jsonc.ToJSON(data), &manifest); err != nil {
		return Manifest{}, fmt.Errorf("parsing service manifest: %w", err)
	}
	for _, service := range manifest.Services {
		if service.Name == "" {
			return Manifest{}, fmt.Errorf("service manifest entry with empty name")
		}
		if _, err := ParseGrant(service.Grant); err != nil {
			return Manifest{}, fmt.Errorf("service %q: %w", service.Name, err)
		}
	}
	return manifest, nil
}

// GrantFor returns the manifest's grant mask for a service name, or
// the send-only default when the manifest does not mention it.
func (m Manifest) GrantFor(name string) runtime.Permissions {
	for _, service := range m.Services {
		if service.Name == name {
			grant, err := ParseGrant(service.Grant)
			if err != nil {
				// Validated at parse time; unreachable.
				return runtime.PermSend
			}
			return grant
		}
	}
	return runtime.PermSend
}

// ParseGrant converts permission names to a bitmask.
func ParseGrant(names []string) (runtime.Permissions, error) {
	var perms runtime.Permissions
	for _, name := range names {
		switch name {
		case "send":
			perms |= runtime.PermSend
		case "monitor":
			perms |= runtime.PermMonitor
		case "link":
			perms |= runtime.PermLink
		case "kill":
			perms |= runtime.PermKill
		default:
			return 0, fmt.Errorf("unknown permission %q", name)
		}
	}
	return perms, nil
}
