// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package runtime

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/hearth-foundation/hearth/lib/fault"
	"github.com/hearth-foundation/hearth/lib/lump"
)

// Process states. Monotone: running, terminating, dead.
const (
	stateRunning int32 = iota
	stateTerminating
	stateDead
)

// Body is a process's execution task. It runs on its own tracked
// goroutine; ctx is cancelled when the process terminates. Returning
// nil terminates the process with a normal cause; returning an error
// terminates it with a fault cause (or a guest-trap cause when the
// error carries that kind).
type Body func(ctx context.Context, self *Process) error

// Process is the unit of isolation: a set of owned mailboxes, a
// handle table, outbound links, and an execution task. Processes
// communicate only by messages.
type Process struct {
	pid  PID
	name string
	rt   *Runtime

	ctx    context.Context
	cancel context.CancelFunc

	state atomic.Int32

	mu        sync.Mutex
	mailboxes map[MailboxID]*Mailbox
	root      *Mailbox
	lumpHolds []*lump.Handle

	handles *HandleTable

	// links is this process's side of the link adjacency set, keyed
	// by peer PID. Mutations are serialized with termination through
	// rt.linkMu, not p.mu.
	links map[PID]struct{}

	exitMu    sync.Mutex
	exitCause Cause
}

// PID returns the process identifier.
func (p *Process) PID() PID { return p.pid }

// Name returns the human-readable label given at spawn.
func (p *Process) Name() string { return p.name }

// Context returns the process's lifetime context. Every suspension
// point in the process's task observes it.
func (p *Process) Context() context.Context { return p.ctx }

// Root returns the process's root mailbox — the only way a freshly
// spawned process is addressable.
func (p *Process) Root() *Mailbox { return p.root }

// Handles returns the process's capability handle table.
func (p *Process) Handles() *HandleTable { return p.handles }

// Runtime returns the owning runtime.
func (p *Process) Runtime() *Runtime { return p.rt }

// Alive reports whether the process has not begun terminating.
func (p *Process) Alive() bool { return p.state.Load() == stateRunning }

// ExitCause returns the recorded termination cause. Zero until the
// process has begun terminating.
func (p *Process) ExitCause() Cause {
	p.exitMu.Lock()
	defer p.exitMu.Unlock()
	return p.exitCause
}

// MailboxOptions configures a new mailbox.
type MailboxOptions struct {
	// Capacity bounds the queue. Zero means the runtime default.
	Capacity int

	// Policy selects drop or block behavior against a full queue.
	Policy DeliveryPolicy
}

// NewMailbox creates a mailbox owned by this process. Creation is a
// local, non-suspending operation. Fails once the process has begun
// terminating, or at the per-process mailbox cap.
func (p *Process) NewMailbox(opts MailboxOptions) (*Mailbox, error) {
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = p.rt.mailboxCapacity
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.Load() != stateRunning {
		return nil, fault.Newf(fault.MailboxClosed, "mailbox/create", "process %d is terminating", p.pid)
	}
	if len(p.mailboxes) >= p.rt.maxMailboxes {
		return nil, fault.Newf(fault.ResourceExhausted, "mailbox/create", "process %d at mailbox cap %d", p.pid, p.rt.maxMailboxes)
	}

	m := &Mailbox{
		id:       MailboxID(p.rt.nextMailboxID.Add(1)),
		owner:    p,
		capacity: capacity,
		policy:   opts.Policy,
	}
	p.mailboxes[m.id] = m
	return m, nil
}

// CloseMailbox closes an owned mailbox explicitly. The root mailbox
// cannot be closed this way — it lives for the process's lifetime.
func (p *Process) CloseMailbox(m *Mailbox) error {
	if m.owner != p {
		return fault.Newf(fault.PermissionDenied, "mailbox/close", "mailbox %d is not owned by process %d", m.id, p.pid)
	}
	if m == p.root {
		return fault.New(fault.PermissionDenied, "mailbox/close", "the root mailbox closes with the process")
	}
	m.Close()
	return nil
}

// AddLumpHold ties a lump pin to the process lifetime: termination
// releases it. Used by the guest host-call surface.
func (p *Process) AddLumpHold(h *lump.Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lumpHolds = append(p.lumpHolds, h)
}

// Capability mints a capability to an owned mailbox with the given
// permissions. Only the owner can mint; everyone else narrows copies
// it was handed.
func (p *Process) Capability(m *Mailbox, perms Permissions) (Capability, error) {
	if m.owner != p {
		return Capability{}, fault.Newf(fault.PermissionDenied, "capability", "mailbox %d is not owned by process %d", m.id, p.pid)
	}
	return Capability{mailbox: m, perms: perms}, nil
}

// terminate runs the termination protocol exactly once. Concurrent
// re-entries are no-ops; the Terminating guard also bounds link
// cascades to one visit per process.
func (p *Process) terminate(cause Cause) {
	if !p.state.CompareAndSwap(stateRunning, stateTerminating) {
		return
	}

	p.exitMu.Lock()
	p.exitCause = cause
	p.exitMu.Unlock()

	// Cancel the process's tasks first: receives resolve to
	// cancelled, blocked sends unwind, the body's cleanup runs.
	p.cancel()

	// Close all owned mailboxes. Each close fires that mailbox's
	// outstanding monitors exactly once and drops queued envelopes
	// (transferred capabilities in them are plain values; the
	// collector reclaims them). Queued control signals survive the
	// close so the body's cleanup can still drain them.
	p.mu.Lock()
	mailboxes := make([]*Mailbox, 0, len(p.mailboxes))
	for _, m := range p.mailboxes {
		mailboxes = append(mailboxes, m)
	}
	holds := p.lumpHolds
	p.lumpHolds = nil
	p.mu.Unlock()

	for _, m := range mailboxes {
		m.closeDiscard()
	}

	// Snapshot the link set and detach both sides under the graph
	// lock, then cascade outside it. Peers already terminating are
	// skipped — their own wave owns them.
	p.rt.linkMu.Lock()
	peers := make([]*Process, 0, len(p.links))
	for peerPID := range p.links {
		if peer, ok := p.rt.Process(peerPID); ok {
			delete(peer.links, p.pid)
			peers = append(peers, peer)
		}
	}
	p.links = nil
	p.rt.linkMu.Unlock()

	linked := Cause{Kind: CauseLinkedDeath, Detail: "linked process " + p.pid.String() + " died"}
	for _, peer := range peers {
		if !peer.Alive() {
			continue
		}
		// The Unlink lands before the peer's own termination closes
		// its root; signals survive that close, so the peer's cleanup
		// can drain its root and see who took it down.
		peer.root.enqueueSignal(Signal{Kind: SignalUnlink, Process: p.pid})
		peer.terminate(linked)
	}

	// Release held capabilities and lump pins.
	p.handles.Clear()
	for _, h := range holds {
		h.Release()
	}

	p.rt.removeProcess(p, cause)
	p.state.Store(stateDead)
}

// String formats a PID for logs.
func (pid PID) String() string {
	return "pid-" + strconv.FormatUint(uint64(pid), 10)
}
