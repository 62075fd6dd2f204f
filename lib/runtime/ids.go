// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package runtime

import "strings"

// PID identifies a process, unique within the local peer for the
// lifetime of the host. PIDs are 64-bit, monotone, never reused.
type PID uint64

// MailboxID identifies a mailbox, unique within the local peer for
// the lifetime of the host. Never reused.
type MailboxID uint64

// MonitorID identifies a monitor registration. Never reused; a
// monitor is consumed when it fires.
type MonitorID uint64

// Permissions is the bitset a capability carries. A capability can
// only be narrowed (bits removed), never widened.
type Permissions uint8

const (
	// PermSend allows delivering envelopes to the mailbox.
	PermSend Permissions = 1 << iota

	// PermMonitor allows registering a Down monitor on the mailbox.
	PermMonitor

	// PermLink allows linking the caller's process to the mailbox's
	// owning process.
	PermLink

	// PermKill allows terminating the mailbox's owning process.
	PermKill

	// PermAll is every permission. Spawn returns the root capability
	// with PermAll; parents narrow before sharing.
	PermAll Permissions = PermSend | PermMonitor | PermLink | PermKill
)

// Has reports whether p contains every bit of q.
func (p Permissions) Has(q Permissions) bool { return p&q == q }

// String returns a "+"-joined permission list, e.g. "send+monitor".
func (p Permissions) String() string {
	if p == 0 {
		return "none"
	}
	var parts []string
	if p.Has(PermSend) {
		parts = append(parts, "send")
	}
	if p.Has(PermMonitor) {
		parts = append(parts, "monitor")
	}
	if p.Has(PermLink) {
		parts = append(parts, "link")
	}
	if p.Has(PermKill) {
		parts = append(parts, "kill")
	}
	return strings.Join(parts, "+")
}

// CauseKind classifies why a process terminated.
type CauseKind string

const (
	// CauseNormal means the process body returned without error.
	CauseNormal CauseKind = "normal"

	// CauseKilled means a holder of a KILL capability terminated it.
	CauseKilled CauseKind = "killed"

	// CauseLinkedDeath means a linked process died.
	CauseLinkedDeath CauseKind = "linked-death"

	// CauseGuestTrap means the guest instance trapped or exhausted
	// its fuel unrecoverably.
	CauseGuestTrap CauseKind = "guest-trap"

	// CauseFault means the process body returned an error or
	// panicked.
	CauseFault CauseKind = "fault"

	// CauseShutdown means the host runtime is shutting down.
	CauseShutdown CauseKind = "shutdown"
)

// Cause records why a process terminated.
type Cause struct {
	// Kind classifies the termination.
	Kind CauseKind `cbor:"kind"`

	// Detail elaborates: the trap message, the PID of the linked
	// process that died, the body's error text.
	Detail string `cbor:"detail,omitempty"`
}

func (c Cause) String() string {
	if c.Detail == "" {
		return string(c.Kind)
	}
	return string(c.Kind) + ": " + c.Detail
}
