// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package runtime

import (
	"context"
	"sync"

	"github.com/hearth-foundation/hearth/lib/fault"
)

// Capability is an unforgeable, permission-tagged reference to a
// mailbox. Capabilities are first-class, duplicable values; two
// capabilities to the same mailbox may carry different permission
// subsets. The zero Capability references nothing.
//
// Guests never see this type: their handle tables map opaque integer
// indices to Capability values, so the mailbox reference cannot be
// forged from linear memory.
type Capability struct {
	mailbox *Mailbox
	perms   Permissions
}

// Valid reports whether the capability references a mailbox.
func (c Capability) Valid() bool { return c.mailbox != nil }

// Permissions returns the capability's permission set.
func (c Capability) Permissions() Permissions { return c.perms }

// MailboxID returns the identity of the referenced mailbox, or zero
// for the zero capability.
func (c Capability) MailboxID() MailboxID {
	if c.mailbox == nil {
		return 0
	}
	return c.mailbox.id
}

// TargetClosed reports whether the referenced mailbox has closed.
// True for the zero capability.
func (c Capability) TargetClosed() bool {
	return c.mailbox == nil || c.mailbox.Closed()
}

// OwnerPID returns the pid of the process owning the referenced
// mailbox, or zero for the zero capability.
func (c Capability) OwnerPID() PID {
	if c.mailbox == nil {
		return 0
	}
	return c.mailbox.owner.pid
}

// SameTarget reports whether two capabilities reference the same
// mailbox, regardless of permissions.
func (c Capability) SameTarget(other Capability) bool {
	return c.mailbox != nil && c.mailbox == other.mailbox
}

// Narrow returns a capability to the same mailbox whose permissions
// are the intersection of c's and mask. Narrowing is monotone and
// purely local: it never allocates a mailbox, never suspends, and
// shares the underlying entry.
func (c Capability) Narrow(mask Permissions) Capability {
	return Capability{mailbox: c.mailbox, perms: c.perms & mask}
}

// Send delivers an envelope through the capability. Requires
// PermSend. Fails with mailbox-closed once the target mailbox has
// closed, backpressure against a full DeliverDrop queue, or suspends
// on a full DeliverBlock queue until space, closure, or cancellation.
func (c Capability) Send(ctx context.Context, env Envelope) error {
	if !c.Valid() {
		return fault.New(fault.MailboxClosed, "send", "zero capability")
	}
	if !c.perms.Has(PermSend) {
		return fault.Newf(fault.PermissionDenied, "send", "capability to mailbox %d lacks send", c.mailbox.id)
	}
	return c.mailbox.send(ctx, env)
}

// HandleTable is a process's private dense table mapping integer
// handles to capabilities. It is the only translator between guest-
// visible integers and capability values. Index 0 is never allocated,
// so guests can use 0 as a nil handle.
//
// The table carries its own mutex (per-process exclusion): guest host
// calls run on the process task, but the IPC surface and the peer
// link may install capabilities concurrently.
type HandleTable struct {
	mu      sync.Mutex
	entries []Capability
	free    []uint32
	live    int
	limit   int
}

// newHandleTable creates a table that holds at most limit live
// handles.
func newHandleTable(limit int) *HandleTable {
	return &HandleTable{
		// Slot 0 is a permanent placeholder for the nil handle.
		entries: make([]Capability, 1, 16),
		limit:   limit,
	}
}

// Insert stores a capability and returns its handle. Fails with a
// resource-exhausted fault at the table limit.
func (t *HandleTable) Insert(c Capability) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !c.Valid() {
		return 0, fault.New(fault.Internal, "handle/insert", "zero capability")
	}
	if t.live >= t.limit {
		return 0, fault.Newf(fault.ResourceExhausted, "handle/insert", "handle table full at %d", t.limit)
	}
	t.live++
	if n := len(t.free); n > 0 {
		handle := t.free[n-1]
		t.free = t.free[:n-1]
		t.entries[handle] = c
		return handle, nil
	}
	t.entries = append(t.entries, c)
	return uint32(len(t.entries) - 1), nil
}

// Get returns the capability for a handle.
func (t *HandleTable) Get(handle uint32) (Capability, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if handle == 0 || handle >= uint32(len(t.entries)) || !t.entries[handle].Valid() {
		return Capability{}, fault.Newf(fault.PermissionDenied, "handle/get", "unknown handle %d", handle)
	}
	return t.entries[handle], nil
}

// Remove drops a handle. The capability value itself may live on in
// envelopes or other tables.
func (t *HandleTable) Remove(handle uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if handle == 0 || handle >= uint32(len(t.entries)) || !t.entries[handle].Valid() {
		return fault.Newf(fault.PermissionDenied, "handle/remove", "unknown handle %d", handle)
	}
	t.entries[handle] = Capability{}
	t.free = append(t.free, handle)
	t.live--
	return nil
}

// Clear drops every handle. Used by process termination.
func (t *HandleTable) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.entries {
		t.entries[i] = Capability{}
	}
	t.entries = t.entries[:1]
	t.free = nil
	t.live = 0
}

// Len returns the number of live handles.
func (t *HandleTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live
}
