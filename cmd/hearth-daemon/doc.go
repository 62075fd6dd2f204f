// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

// hearth-daemon is the always-on host runtime: it builds the
// process/mailbox/capability microkernel, publishes the native
// services (lump store, WASM spawner, registry), binds the encrypted
// peer endpoint, and serves the local admin socket.
//
// Configuration comes from the blob named by HEARTH_CONFIG (or
// --config); HEARTH_PEER_ID pins the peer identifier. Exit codes:
// 0 clean shutdown, 64 configuration error, 65 bind/listen failure,
// 70 internal invariant violation, 130 signalled termination.
package main
