// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry is the discovery front-door: a small mapping from
// well-known names to root capabilities, published at host startup
// and frozen before tenants run.
//
// Services are ordinary processes from the core's point of view. A
// lookup returns the service's capability narrowed to the grant mask
// declared in the embedded manifest (services.jsonc); names the
// manifest does not mention grant send-only. Guests reach the
// registry either through the host-call surface or by messaging the
// registry service process ([Serve]).
package registry
