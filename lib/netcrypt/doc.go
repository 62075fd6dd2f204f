// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

// Package netcrypt encrypts the peer stream.
//
// A session starts with an ephemeral X25519 agreement; both ends
// derive a 64-byte session key and run one ChaCha20 keystream per
// direction, with the key/nonce schedule split out of the session
// key. The wrapper is a plain net.Conn, so the framing layer above is
// oblivious to the cipher.
//
// TLS termination and peer authentication are outer concerns: this
// layer defeats passive observation of capability traffic, nothing
// more.
package netcrypt
