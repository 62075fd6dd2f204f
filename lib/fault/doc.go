// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

// Package fault defines the error taxonomy shared by every Hearth
// subsystem.
//
// Within a process, failures from core operations are returned to the
// caller as values carrying a [Kind]; nothing in the core raises
// non-local control flow across processes. The only cross-process
// failure mechanism is supervision (process death generates Down
// signals to monitors and LinkedDeath to linked peers), so every
// cross-process failure is observable in exactly one shape.
package fault
