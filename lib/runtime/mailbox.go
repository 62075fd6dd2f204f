// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/hearth-foundation/hearth/lib/fault"
)

// DeliveryPolicy selects what a send does when the bounded queue is
// full. Declared per mailbox at creation.
type DeliveryPolicy uint8

const (
	// DeliverDrop fails a send against a full queue with a
	// backpressure fault. The send has no effect and may be retried.
	DeliverDrop DeliveryPolicy = iota

	// DeliverBlock suspends the sender until a slot frees, the
	// mailbox closes, or the sender's context is cancelled.
	DeliverBlock
)

// Envelope is an ordinary message: an opaque payload plus the
// capabilities being transferred. Envelopes are the only vehicle by
// which capabilities propagate between processes.
type Envelope struct {
	// From is the sending process, zero when the sender is an edge
	// adapter (peer link, IPC) rather than a process.
	From PID

	// Payload is the opaque message bytes.
	Payload []byte

	// Caps are the transferred capabilities, in order. Capabilities
	// are value-typed: the sender's own handles remain valid unless
	// it drops them explicitly.
	Caps []Capability
}

// SignalKind discriminates control records.
type SignalKind uint8

const (
	// SignalDown reports that a monitored mailbox closed.
	SignalDown SignalKind = iota + 1

	// SignalUnlink reports that a linked process died.
	SignalUnlink
)

func (k SignalKind) String() string {
	switch k {
	case SignalDown:
		return "down"
	case SignalUnlink:
		return "unlink"
	default:
		return "unknown"
	}
}

// Signal is a control record delivered into a mailbox's receive
// stream, interleaved with envelopes at its arrival position.
type Signal struct {
	// Kind discriminates the record.
	Kind SignalKind

	// Mailbox is the closed mailbox, for SignalDown.
	Mailbox MailboxID

	// Monitor is the registration that fired, for SignalDown.
	Monitor MonitorID

	// Process is the dead linked process, for SignalUnlink.
	Process PID
}

// Delivery is one item of a mailbox's receive stream: exactly one of
// Envelope or Signal is non-nil.
type Delivery struct {
	Envelope *Envelope
	Signal   *Signal
}

// Mailbox is an ordered, bounded message queue owned by exactly one
// process for its lifetime. State is monotone: open, then closed
// (terminal). All queue and monitor state sits behind one mutex.
type Mailbox struct {
	id    MailboxID
	owner *Process

	mu       sync.Mutex
	queue    []Delivery
	capacity int
	policy   DeliveryPolicy
	closed   bool

	// closedKind is the fault kind sends fail with after closure.
	// Ordinarily mailbox-closed; the peer link closes its proxies
	// with peer-gone so callers can tell a dropped link from a dead
	// process.
	closedKind fault.Kind

	// monitors are the registrations observing this mailbox, fired
	// exactly once when it closes.
	monitors map[MonitorID]*Mailbox

	// recvWaiters and sendWaiters are parked receivers/senders, in
	// arrival order. Each is woken by closing its channel.
	recvWaiters []chan struct{}
	sendWaiters []chan struct{}
}

// ID returns the mailbox's stable identifier.
func (m *Mailbox) ID() MailboxID { return m.id }

// Owner returns the owning process's PID.
func (m *Mailbox) Owner() PID { return m.owner.pid }

// Closed reports whether the mailbox has entered its terminal state.
func (m *Mailbox) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// send delivers an envelope, honoring the mailbox's delivery policy.
// Called through Capability.Send after the permission check.
func (m *Mailbox) send(ctx context.Context, env Envelope) error {
	for {
		m.mu.Lock()
		if m.closed {
			kind := m.closedKind
			m.mu.Unlock()
			return fault.Newf(kind, "send", "mailbox %d", m.id)
		}
		if len(m.queue) < m.capacity {
			m.queue = append(m.queue, Delivery{Envelope: &env})
			m.wakeOneRecvLocked()
			m.mu.Unlock()
			return nil
		}
		if m.policy == DeliverDrop {
			m.mu.Unlock()
			return fault.Newf(fault.Backpressure, "send", "queue full at capacity %d", m.capacity)
		}

		// DeliverBlock: park until a slot frees or the mailbox
		// closes, then retry. Waiters are woken in FIFO order so
		// blocked senders are served fairly.
		waiter := make(chan struct{})
		m.sendWaiters = append(m.sendWaiters, waiter)
		m.mu.Unlock()

		select {
		case <-waiter:
		case <-ctx.Done():
			m.removeSendWaiter(waiter)
			return fault.Wrap(fault.Cancelled, "send", ctx.Err())
		}
	}
}

// enqueueSignal appends a control record. Signals bypass the capacity
// bound: dropping one would break the exactly-once monitor and link
// contracts. Delivery to a closed mailbox is discarded (the consumer
// is gone).
func (m *Mailbox) enqueueSignal(sig Signal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.queue = append(m.queue, Delivery{Signal: &sig})
	m.wakeOneRecvLocked()
}

// Recv yields the next envelope or signal in arrival order. A closed
// mailbox drains its remaining queue to the consumer, then Recv fails
// with a mailbox-closed fault. Cancellation resolves to a cancelled
// fault without consuming a message.
func (m *Mailbox) Recv(ctx context.Context) (Delivery, error) {
	return m.recv(ctx, nil)
}

// RecvTimeout is Recv with a deadline. The deadline resolving yields
// a timeout fault without consuming a message.
func (m *Mailbox) RecvTimeout(ctx context.Context, timeout time.Duration) (Delivery, error) {
	return m.recv(ctx, m.owner.rt.clock.After(timeout))
}

func (m *Mailbox) recv(ctx context.Context, deadline <-chan time.Time) (Delivery, error) {
	for {
		m.mu.Lock()
		if len(m.queue) > 0 {
			delivery := m.queue[0]
			m.queue = m.queue[1:]
			m.wakeOneSendLocked()
			m.mu.Unlock()
			return delivery, nil
		}
		if m.closed {
			m.mu.Unlock()
			return Delivery{}, fault.Newf(fault.MailboxClosed, "recv", "mailbox %d", m.id)
		}

		waiter := make(chan struct{})
		m.recvWaiters = append(m.recvWaiters, waiter)
		m.mu.Unlock()

		select {
		case <-waiter:
		case <-ctx.Done():
			m.removeRecvWaiter(waiter)
			return Delivery{}, fault.Wrap(fault.Cancelled, "recv", ctx.Err())
		case <-deadline:
			m.removeRecvWaiter(waiter)
			return Delivery{}, fault.New(fault.Timeout, "recv", "")
		}
	}
}

// Close transitions the mailbox to its terminal state: pending
// monitors fire exactly once, parked senders and receivers wake, and
// the queue keeps draining to consumers. Closing a closed mailbox is
// a no-op.
func (m *Mailbox) Close() {
	m.close(false, fault.MailboxClosed)
}

// CloseWithFault is Close with a specific failure kind for later
// sends. The peer link closes import proxies with peer-gone when the
// session drops.
func (m *Mailbox) CloseWithFault(kind fault.Kind) {
	m.close(false, kind)
}

// closeDiscard is Close plus dropping the queued envelopes. Used by
// process termination: no ordinary consumer remains, so payloads and
// transferred capabilities are released. Control signals stay queued
// — the dying process's cleanup may still drain them (a Recv on a
// closed mailbox yields the remaining queue before failing), which
// is how a LinkedDeath victim observes its Unlink deterministically.
func (m *Mailbox) closeDiscard() {
	m.close(true, fault.MailboxClosed)
}

func (m *Mailbox) close(discard bool, kind fault.Kind) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.closedKind = kind
	if discard {
		signals := m.queue[:0]
		for _, delivery := range m.queue {
			if delivery.Signal != nil {
				signals = append(signals, delivery)
			}
		}
		m.queue = signals
	}

	// Snapshot and detach the monitor set under the lock, fire after
	// releasing it: delivering a Down acquires the observer's mutex,
	// and two mailboxes may be closing while monitoring each other.
	fired := m.monitors
	m.monitors = nil

	recvWaiters := m.recvWaiters
	sendWaiters := m.sendWaiters
	m.recvWaiters = nil
	m.sendWaiters = nil
	m.mu.Unlock()

	for _, waiter := range recvWaiters {
		close(waiter)
	}
	for _, waiter := range sendWaiters {
		close(waiter)
	}

	for id, observer := range fired {
		observer.enqueueSignal(Signal{Kind: SignalDown, Mailbox: m.id, Monitor: id})
		m.owner.rt.forgetMonitor(id)
	}
}

// attachMonitor registers a monitor, or reports closed=true if the
// mailbox is already closed (the caller then fires the Down
// immediately).
func (m *Mailbox) attachMonitor(id MonitorID, observer *Mailbox) (alreadyClosed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return true
	}
	if m.monitors == nil {
		m.monitors = make(map[MonitorID]*Mailbox)
	}
	m.monitors[id] = observer
	return false
}

// detachMonitor removes a registration without firing it. Reports
// whether the registration was present.
func (m *Mailbox) detachMonitor(id MonitorID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, present := m.monitors[id]; !present {
		return false
	}
	delete(m.monitors, id)
	return true
}

// wakeOneRecvLocked wakes the longest-parked receiver. Caller holds
// m.mu.
func (m *Mailbox) wakeOneRecvLocked() {
	if len(m.recvWaiters) == 0 {
		return
	}
	close(m.recvWaiters[0])
	m.recvWaiters = m.recvWaiters[1:]
}

// wakeOneSendLocked wakes the longest-parked blocked sender. Caller
// holds m.mu.
func (m *Mailbox) wakeOneSendLocked() {
	if len(m.sendWaiters) == 0 {
		return
	}
	close(m.sendWaiters[0])
	m.sendWaiters = m.sendWaiters[1:]
}

func (m *Mailbox) removeRecvWaiter(waiter chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, w := range m.recvWaiters {
		if w == waiter {
			m.recvWaiters = append(m.recvWaiters[:i], m.recvWaiters[i+1:]...)
			return
		}
	}
}

func (m *Mailbox) removeSendWaiter(waiter chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, w := range m.sendWaiters {
		if w == waiter {
			m.sendWaiters = append(m.sendWaiters[:i], m.sendWaiters[i+1:]...)
			return
		}
	}
}
