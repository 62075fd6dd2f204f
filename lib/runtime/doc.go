// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

// Package runtime implements the message-passing microkernel at the
// center of the Hearth host: the process table and lifecycle
// machinery, mailboxes and their routing, capabilities with
// permission narrowing, the monitor/link supervision graph, and the
// dispatcher that drives guest execution.
//
// # Model
//
// A process is the unit of isolation. It owns mailboxes, holds
// capabilities in a private handle table, and communicates only by
// messages. A capability is an unforgeable reference to one mailbox,
// carrying a permission subset of {send, monitor, link, kill};
// capabilities can only be narrowed, never widened. A mailbox's
// receive stream is a totally ordered interleaving of envelopes and
// signals in arrival order.
//
// Supervision has two shapes. A monitor is a one-shot, directed
// notification: when the observed mailbox closes, a Down signal is
// enqueued into the observer exactly once. A link is a bidirectional
// co-termination relation: when either endpoint dies, the other is
// terminated with a LinkedDeath cause, and the Terminating guard
// bounds cascades so each process dies at most once.
//
// # Locking discipline
//
// Fine-grained exclusion per mailbox (queue, monitor set, and waiter
// lists behind one mutex), per-process exclusion for the handle
// table, a read-mostly index from pid to process record, and a
// global link-graph mutex that serializes link mutation with
// termination. Capability narrowing, handle allocation, and link
// graph mutation never suspend — the termination protocol stays
// analyzable.
//
// The host builds exactly one [Runtime] and tears it down with
// [Runtime.Shutdown]; there is no implicit initialization.
package runtime
