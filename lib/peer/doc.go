// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

// Package peer projects capabilities across a single encrypted
// duplex stream, transparently: a capability imported from a peer is
// an ordinary local capability whose mailbox happens to forward to
// the wire.
//
// For each locally-held capability exported to a peer, the session
// keeps an export entry (local mailbox, handle id, granted
// permissions); for each capability imported, an import entry (remote
// handle id, local proxy mailbox, permissions). Handle ids are
// per-direction monotone and never reused within a session.
// Capabilities embedded in outgoing envelopes become fresh exports or
// back-references to the receiver's own exports — a capability that
// round-trips comes back referencing the same mailbox, never wider
// than it left.
//
// All proxy mailboxes belong to one runtime process per session.
// Link drop is therefore the only cross-peer failure atom: the
// session process terminates, every import behaves as if its remote
// mailbox closed (monitors fire, sends fail peer-gone), every export
// is revoked, and every cross-peer link kills its local endpoint.
// There are no half-states.
//
// A full DeliverBlock destination stalls the session's frame
// dispatch: cross-peer backpressure propagates through the stream
// rather than dropping messages.
package peer
