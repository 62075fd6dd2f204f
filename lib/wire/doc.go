// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the peer protocol: length-prefixed CBOR frames
// carried over a single encrypted duplex stream.
//
// Each frame is a 4-byte big-endian length followed by the Core
// Deterministic CBOR encoding of a [Frame]. The first frame in each
// direction is [Hello]; mismatched major protocol versions close the
// stream. Capability handle ids on the wire are per-direction
// monotonically increasing 64-bit integers, never reused within a
// session.
//
// The frame vocabulary is fixed by the remoting layer's contract:
// Send, Close, Monitor, Link, Unlink, LumpRequest, LumpReply. See
// lib/peer for the session state machine that interprets them.
package wire
