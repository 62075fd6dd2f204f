// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

// Package lump implements the content-addressed blob store shared
// across peers.
//
// A lump is an immutable byte blob addressed by the BLAKE3 keyed
// digest of its contents. The digest algorithm and its domain key are
// fixed network-wide, so a digest identifies the same bytes on every
// peer. Entries are reference-counted by [Handle] pins; eviction is
// permitted only for digests with zero outstanding handles and no
// pending fetchers, in least-recently-used order down to the
// configured byte target.
//
// A [Store.Get] miss fetches transparently from registered
// [Provider]s (peer sessions), suspending the caller until the bytes
// arrive or every provider reports a miss. Concurrent fetches of the
// same digest are coalesced. Received bytes must rehash to the
// requested digest; a mismatch is a corrupt-lump fault and the next
// provider is tried.
//
// Lump distribution is strictly on-demand pull: Put never broadcasts.
package lump
