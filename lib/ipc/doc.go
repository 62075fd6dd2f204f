// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

// Package ipc is the local administrative surface: a Unix domain
// socket speaking a CBOR action protocol.
//
// Each connection carries one request (list-processes, kill, spawn,
// status) answered with {ok, error?, data?}; the subscribe action
// switches the connection to a CBOR stream of runtime events.
// Authentication is by filesystem permissions on the socket path
// (the server restricts it to the owning user); the peer uid is
// recorded in the audit log where the platform exposes it.
package ipc
