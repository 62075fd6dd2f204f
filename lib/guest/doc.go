// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

// Package guest embeds sandboxed WebAssembly instances as process
// bodies.
//
// The execution engine itself is out of scope; [Engine] is the
// boundary the core depends on. A guest reaches the runtime only
// through [HostCalls] (send, recv, monitor, link, spawn, lump, log,
// service discovery), with capabilities and mailboxes appearing
// guest-side as opaque u32 handles indexed through the process's
// handle table. Nothing in linear memory can forge a capability, and
// no host-call sequence can produce a handle with more permissions
// than the guest was granted.
//
// Execution is paced by the dispatcher's slice tokens: the adapter
// drives each instance one instruction-metered slice at a time, and
// suspending host calls release the token around their wait. An
// engine trap terminates exactly one process with a GuestTrap cause;
// a guest that exhausts its budget too many consecutive slices
// without a single host call is terminated with
// GuestTrap(FuelExhausted).
package guest
