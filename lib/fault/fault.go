// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a runtime operation failure. Kinds are the unit of
// error discrimination across the whole host: core operations attach a
// Kind to every failure, the IPC event stream reports it, and the
// structured log records it. Callers branch on Kind, never on message
// text.
type Kind string

const (
	// PermissionDenied means the capability lacked the permission the
	// operation requires.
	PermissionDenied Kind = "permission-denied"

	// MailboxClosed means the target mailbox no longer accepts
	// envelopes. Once a mailbox closes, every operation through a
	// surviving capability fails with this kind.
	MailboxClosed Kind = "mailbox-closed"

	// PeerGone means the remote endpoint of a proxied capability is
	// unreachable. Reported only after a peer link drops; before that,
	// remote failures surface as MailboxClosed on the proxy.
	PeerGone Kind = "peer-gone"

	// Backpressure means a non-blocking send was refused by a full
	// bounded queue. The send had no effect; the caller may retry.
	Backpressure Kind = "backpressure"

	// Timeout means an await resolved because its deadline passed.
	Timeout Kind = "timeout"

	// Cancelled means an await resolved because its context was
	// cancelled. A cancelled receive consumes no message.
	Cancelled Kind = "cancelled"

	// GuestTrap means a guest instance trapped or exhausted its fuel
	// in an unrecoverable way. Always terminates exactly one process.
	GuestTrap Kind = "guest-trap"

	// CorruptLump means bytes received for a lump did not rehash to
	// the requested digest.
	CorruptLump Kind = "corrupt-lump"

	// ProtocolMismatch means a peer announced an incompatible major
	// protocol version in its Hello frame.
	ProtocolMismatch Kind = "protocol-mismatch"

	// MalformedFrame means a peer frame failed to decode.
	MalformedFrame Kind = "malformed-frame"

	// ResourceExhausted means a process, mailbox, or handle cap was
	// hit. The operation had no effect.
	ResourceExhausted Kind = "resource-exhausted"

	// Internal means an invariant the runtime depends on was
	// violated. Reaching this kind is a bug, not a runtime condition.
	Internal Kind = "internal"
)

// Error is a classified runtime failure. PID and Op are attribution
// for logs and the IPC event stream; zero values mean "not tied to a
// process" (e.g. a wire decode error before dispatch).
//
// Extract with errors.As:
//
//	var fe *fault.Error
//	if errors.As(err, &fe) && fe.Kind == fault.Backpressure { ... }
//
// or test the kind directly with fault.Is.
type Error struct {
	// Kind is the failure classification.
	Kind Kind

	// Op names the operation that failed ("send", "monitor",
	// "lump/get", ...).
	Op string

	// PID is the process the failure is attributed to, if any.
	PID uint64

	// Detail is a human-readable elaboration ("queue full at capacity
	// 64", the trap message, ...). May be empty.
	Detail string

	// Err is the wrapped underlying error, if any.
	Err error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an Error with the given kind, operation, and detail.
func New(kind Kind, op, detail string) *Error {
	return &Error{Kind: kind, Op: op, Detail: detail}
}

// Newf constructs an Error with a formatted detail string.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Detail: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error wrapping an underlying cause.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err is (or wraps) a fault.Error with the given
// kind.
func Is(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}

// KindOf returns the kind of err, or Internal if err carries no
// fault.Error. Returns the empty kind for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}
