// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Hearth's standard CBOR encoding configuration.
//
// CBOR is the compact serialization of every Hearth protocol: peer
// wire frames, the IPC admin socket, and lump metadata. This package
// provides the shared encoding and decoding modes so that every
// package encodes identically without duplicating configuration. The
// encoder uses Core Deterministic Encoding (RFC 8949 §4.2): sorted map
// keys, smallest integer encoding, no indefinite-length items. Same
// logical data always produces identical bytes — a requirement for the
// peer protocol, which must stay stable across peer versions.
//
// For buffer-oriented operations (frame bodies, IPC payloads):
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations (sockets):
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
//
// # Struct Tag Rules
//
// The struct tag on a type documents its serialization format:
//
//   - `cbor` tag: this type is ONLY ever serialized as CBOR. Examples:
//     wire frame bodies, IPC requests and responses.
//   - `json` tag: this type may be serialized as BOTH JSON and CBOR.
//     fxamacker/cbor v2 reads `json` tags as fallback when `cbor`
//     tags are absent, so a single `json` tag controls field naming
//     and omitempty for both formats. Examples: the service manifest
//     (JSONC on disk, CBOR in IPC listings).
//
// Never use both `cbor` and `json` tags on the same field. The tag
// choice documents the contract — doubling up is noise that obscures
// whether a type participates in JSON serialization.
package codec
