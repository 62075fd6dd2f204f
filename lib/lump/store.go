// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package lump

import (
	"container/list"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hearth-foundation/hearth/lib/clock"
	"github.com/hearth-foundation/hearth/lib/fault"
)

// ErrMissing is returned by Get and Hold when no local entry exists
// and no provider could supply the digest.
var ErrMissing = errors.New("lump: missing")

// Provider supplies lump bytes the local store does not have. Peer
// sessions register themselves as providers; FetchLump corresponds to
// a LumpRequest/LumpReply exchange on the wire. Implementations return
// ErrMissing when the remote side does not have the digest either.
//
// The returned bytes are the decompressed lump content; the store
// verifies the digest before installing them.
type Provider interface {
	FetchLump(ctx context.Context, digest Digest) ([]byte, error)
}

// Options configures a Store.
type Options struct {
	// CacheBytes is the eviction target: when the total size of
	// evictable entries exceeds it, least-recently-used entries with
	// zero holds are dropped. Zero means no eviction.
	CacheBytes int64

	// Clock supplies the LRU timestamps. Defaults to clock.Real().
	Clock clock.Clock

	// Logger receives store events. Defaults to slog.Default().
	Logger *slog.Logger
}

// Store is the content-addressed lump cache (append-mostly, shared
// across peers). Entries are reference-counted by Hold handles;
// eviction considers only entries with zero outstanding handles and
// no pending fetchers.
type Store struct {
	mu        sync.Mutex
	entries   map[Digest]*entry
	lru       *list.List // front = most recently used; evictable entries only
	total     int64      // bytes held by evictable (zero-hold) entries
	target    int64
	providers []Provider
	pending   map[Digest]*fetch

	clock  clock.Clock
	logger *slog.Logger
}

type entry struct {
	data     []byte
	holds    int
	lastUse  time.Time
	lruEntry *list.Element // non-nil iff holds == 0
}

// fetch is a pending remote fetch. Concurrent Gets for the same
// digest coalesce onto one fetch; done closes when it resolves.
type fetch struct {
	done chan struct{}
	data []byte
	err  error
}

// NewStore creates an empty lump store.
func NewStore(opts Options) *Store {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Store{
		entries: make(map[Digest]*entry),
		lru:     list.New(),
		target:  opts.CacheBytes,
		pending: make(map[Digest]*fetch),
		clock:   opts.Clock,
		logger:  opts.Logger,
	}
}

// AddProvider registers a remote lump source. Providers are tried in
// registration order on a local miss.
func (s *Store) AddProvider(p Provider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers = append(s.providers, p)
}

// RemoveProvider unregisters a provider. In-flight fetches through it
// resolve on their own (typically with the provider's link error).
func (s *Store) RemoveProvider(p Provider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.providers {
		if existing == p {
			s.providers = append(s.providers[:i], s.providers[i+1:]...)
			return
		}
	}
}

// Put installs data and returns its digest. Idempotent: putting the
// same bytes twice returns the same digest and stores one copy. The
// stored copy is private to the store (the caller's slice is copied).
func (s *Store) Put(data []byte) Digest {
	digest := DigestBytes(data)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[digest]; exists {
		s.touchLocked(digest)
		return digest
	}

	owned := make([]byte, len(data))
	copy(owned, data)
	s.installLocked(digest, owned)
	return digest
}

// GetLocal returns the bytes for digest if present locally, without
// fetching. Used by peer sessions to answer LumpRequest frames.
func (s *Store) GetLocal(digest Digest) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, exists := s.entries[digest]
	if !exists {
		return nil, false
	}
	s.touchLocked(digest)
	return e.data, true
}

// Get returns the bytes for digest. On a local miss it fetches from
// registered providers, suspending the caller until the bytes arrive,
// the context is cancelled, or every provider reports a miss.
// Duplicate concurrent fetches of the same digest are coalesced.
//
// Returns ErrMissing when no provider has the digest, a
// fault.CorruptLump error when a provider's bytes fail verification
// (and no later provider succeeds), or ctx.Err() wrapped as a
// cancelled fault.
func (s *Store) Get(ctx context.Context, digest Digest) ([]byte, error) {
	s.mu.Lock()
	if e, exists := s.entries[digest]; exists {
		s.touchLocked(digest)
		data := e.data
		s.mu.Unlock()
		return data, nil
	}

	// Coalesce onto an existing fetch, or start one.
	f, inFlight := s.pending[digest]
	if !inFlight {
		f = &fetch{done: make(chan struct{})}
		s.pending[digest] = f
		providers := make([]Provider, len(s.providers))
		copy(providers, s.providers)
		go s.runFetch(digest, f, providers)
	}
	s.mu.Unlock()

	select {
	case <-f.done:
		return f.data, f.err
	case <-ctx.Done():
		return nil, fault.Wrap(fault.Cancelled, "lump/get", ctx.Err())
	}
}

// runFetch tries each provider in order until one returns bytes that
// verify against the digest. Runs outside the store lock; the fetch
// entry keeps the digest pinned against eviction bookkeeping.
func (s *Store) runFetch(digest Digest, f *fetch, providers []Provider) {
	var lastErr error = ErrMissing

	// Provider fetches are not bound to any single caller's context:
	// other callers may be coalesced onto this fetch after the first
	// one gives up. Cancellation is observed per-caller in Get.
	ctx := context.Background()

	for _, provider := range providers {
		data, err := provider.FetchLump(ctx, digest)
		if err != nil {
			if !errors.Is(err, ErrMissing) {
				lastErr = err
			}
			continue
		}
		if DigestBytes(data) != digest {
			lastErr = fault.Newf(fault.CorruptLump, "lump/fetch",
				"bytes from provider do not rehash to %s", digest)
			s.logger.Warn("corrupt lump from provider", "digest", digest.String())
			continue
		}

		s.mu.Lock()
		s.installLocked(digest, data)
		delete(s.pending, digest)
		s.mu.Unlock()

		f.data = data
		close(f.done)
		return
	}

	s.mu.Lock()
	delete(s.pending, digest)
	s.mu.Unlock()

	f.err = lastErr
	close(f.done)
}

// Hold pins digest against eviction and returns a handle. Fails with
// ErrMissing if the digest is not present locally — fetch it with Get
// first.
func (s *Store) Hold(digest Digest) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.entries[digest]
	if !exists {
		return nil, ErrMissing
	}

	e.holds++
	if e.lruEntry != nil {
		// No longer evictable.
		s.lru.Remove(e.lruEntry)
		e.lruEntry = nil
		s.total -= int64(len(e.data))
	}
	return &Handle{store: s, digest: digest}, nil
}

// Handle pins a lump against eviction. Release exactly once; extra
// releases are no-ops.
type Handle struct {
	store    *Store
	digest   Digest
	released bool
	mu       sync.Mutex
}

// Digest returns the digest this handle pins.
func (h *Handle) Digest() Digest { return h.digest }

// Release drops the pin. After the last handle on a digest is
// released the entry becomes eligible for eviction.
func (h *Handle) Release() {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return
	}
	h.released = true
	h.mu.Unlock()

	s := h.store
	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.entries[h.digest]
	if !exists {
		return
	}
	e.holds--
	if e.holds == 0 {
		e.lastUse = s.clock.Now()
		e.lruEntry = s.lru.PushFront(h.digest)
		s.total += int64(len(e.data))
		s.evictLocked()
	}
}

// Stats reports store occupancy for the IPC status surface.
type Stats struct {
	Entries        int   `cbor:"entries"`
	EvictableBytes int64 `cbor:"evictable_bytes"`
	PendingFetches int   `cbor:"pending_fetches"`
}

// Stats returns a snapshot of store occupancy.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Entries:        len(s.entries),
		EvictableBytes: s.total,
		PendingFetches: len(s.pending),
	}
}

// installLocked adds an entry with zero holds (immediately evictable,
// but only under pressure). Caller holds s.mu.
func (s *Store) installLocked(digest Digest, data []byte) {
	if _, exists := s.entries[digest]; exists {
		return
	}
	e := &entry{
		data:    data,
		lastUse: s.clock.Now(),
	}
	e.lruEntry = s.lru.PushFront(digest)
	s.entries[digest] = e
	s.total += int64(len(data))
	s.evictLocked()
}

// touchLocked moves an evictable entry to the front of the LRU.
// Caller holds s.mu.
func (s *Store) touchLocked(digest Digest) {
	e := s.entries[digest]
	e.lastUse = s.clock.Now()
	if e.lruEntry != nil {
		s.lru.MoveToFront(e.lruEntry)
	}
}

// evictLocked drops least-recently-used zero-hold entries until the
// evictable total is within target. Entries with pending fetchers
// never appear here: a fetch installs and resolves before its entry
// can be observed. Caller holds s.mu.
func (s *Store) evictLocked() {
	if s.target <= 0 {
		return
	}
	for s.total > s.target {
		back := s.lru.Back()
		if back == nil {
			return
		}
		digest := back.Value.(Digest)
		e := s.entries[digest]
		s.lru.Remove(back)
		s.total -= int64(len(e.data))
		delete(s.entries, digest)
		s.logger.Debug("evicted lump", "digest", digest.String(), "bytes", len(e.data))
	}
}
