// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package runtime

import (
	"context"
	"log/slog"
	goruntime "runtime"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/hearth-foundation/hearth/lib/clock"
	"github.com/hearth-foundation/hearth/lib/fault"
	"github.com/hearth-foundation/hearth/lib/lump"
)

// Options configures a Runtime. Zero values select the documented
// defaults.
type Options struct {
	// MailboxCapacity is the default bounded queue size for new
	// mailboxes (config: mailbox_default_capacity). Default 64.
	MailboxCapacity int

	// MaxProcesses caps the process table. Default 4096.
	MaxProcesses int

	// MaxMailboxes caps mailboxes per process. Default 256.
	MaxMailboxes int

	// MaxHandles caps each process's handle table. Default 1024.
	MaxHandles int

	// Workers is the number of concurrent guest compute slices
	// (config: the dispatcher's token pool). Default GOMAXPROCS.
	Workers int

	// Lumps is the shared lump store. Optional; spawn-from-digest
	// and the guest lump surface require it.
	Lumps *lump.Store

	// Clock supplies timeouts. Defaults to clock.Real().
	Clock clock.Clock

	// Logger receives structured runtime records. Defaults to
	// slog.Default().
	Logger *slog.Logger
}

// Runtime is the process/mailbox/capability microkernel. The host
// builds exactly one with New, starts tenants (services, peer
// listeners, guests) against it, and tears it down with Shutdown —
// there is no implicit initialization on first access.
type Runtime struct {
	logger *slog.Logger
	clock  clock.Clock
	lumps  *lump.Store

	mailboxCapacity int
	maxProcesses    int
	maxMailboxes    int
	maxHandles      int

	dispatcher *Dispatcher
	events     *eventHub

	// procMu guards the read-mostly pid index.
	procMu    sync.RWMutex
	processes map[PID]*Process
	closing   bool

	// linkMu serializes link graph mutations with termination,
	// preserving exactly-once link firing.
	linkMu sync.Mutex

	// monitorMu guards the monitor id index (id -> observed mailbox)
	// used by Demonitor.
	monitorMu sync.Mutex
	monitors  map[MonitorID]*Mailbox

	nextPID       atomic.Uint64
	nextMailboxID atomic.Uint64
	nextMonitorID atomic.Uint64
}

// New builds a stopped-state runtime ready to spawn processes.
func New(opts Options) *Runtime {
	if opts.MailboxCapacity <= 0 {
		opts.MailboxCapacity = 64
	}
	if opts.MaxProcesses <= 0 {
		opts.MaxProcesses = 4096
	}
	if opts.MaxMailboxes <= 0 {
		opts.MaxMailboxes = 256
	}
	if opts.MaxHandles <= 0 {
		opts.MaxHandles = 1024
	}
	if opts.Workers <= 0 {
		opts.Workers = goruntime.GOMAXPROCS(0)
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Runtime{
		logger:          opts.Logger,
		clock:           opts.Clock,
		lumps:           opts.Lumps,
		mailboxCapacity: opts.MailboxCapacity,
		maxProcesses:    opts.MaxProcesses,
		maxMailboxes:    opts.MaxMailboxes,
		maxHandles:      opts.MaxHandles,
		dispatcher:      newDispatcher(opts.Workers),
		events:          newEventHub(),
		processes:       make(map[PID]*Process),
		monitors:        make(map[MonitorID]*Mailbox),
	}
}

// Clock returns the runtime's time source.
func (rt *Runtime) Clock() clock.Clock { return rt.clock }

// Logger returns the runtime's logger.
func (rt *Runtime) Logger() *slog.Logger { return rt.logger }

// Lumps returns the shared lump store, or nil if none was configured.
func (rt *Runtime) Lumps() *lump.Store { return rt.lumps }

// Dispatcher returns the guest slice pool.
func (rt *Runtime) Dispatcher() *Dispatcher { return rt.dispatcher }

// SubscribeEvents taps the runtime event stream. The returned cancel
// detaches and closes the channel. A subscriber that falls behind its
// buffer loses events.
func (rt *Runtime) SubscribeEvents(buffer int) (<-chan Event, func()) {
	return rt.events.subscribe(buffer)
}

// Spawn creates a process running body and returns the all-permission
// capability to its distinguished root mailbox — the only way the new
// process is addressable. The caller narrows before sharing.
func (rt *Runtime) Spawn(name string, body Body) (Capability, *Process, error) {
	rt.procMu.Lock()
	if rt.closing {
		rt.procMu.Unlock()
		return Capability{}, nil, fault.New(fault.Cancelled, "spawn", "runtime shutting down")
	}
	if len(rt.processes) >= rt.maxProcesses {
		rt.procMu.Unlock()
		return Capability{}, nil, fault.Newf(fault.ResourceExhausted, "spawn", "process table full at %d", rt.maxProcesses)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Process{
		pid:       PID(rt.nextPID.Add(1)),
		name:      name,
		rt:        rt,
		ctx:       ctx,
		cancel:    cancel,
		mailboxes: make(map[MailboxID]*Mailbox),
		handles:   newHandleTable(rt.maxHandles),
		links:     make(map[PID]struct{}),
	}
	root := &Mailbox{
		id:       MailboxID(rt.nextMailboxID.Add(1)),
		owner:    p,
		capacity: rt.mailboxCapacity,
	}
	p.root = root
	p.mailboxes[root.id] = root
	rt.processes[p.pid] = p
	rt.procMu.Unlock()

	rt.logger.Debug("process spawned", "pid", p.pid, "name", name)
	rt.events.publish(Event{
		Kind: EventProcessStarted,
		Time: rt.clock.Now(),
		PID:  p.pid,
		Name: name,
	})

	rt.dispatcher.track(func() {
		err := runBody(body, ctx, p)
		if !p.Alive() {
			// Someone else (kill, link cascade, shutdown) already
			// owns the termination.
			return
		}
		p.terminate(causeFromBodyError(err))
	})

	return Capability{mailbox: root, perms: PermAll}, p, nil
}

// runBody invokes the process body, converting a panic into an error
// so one misbehaving tenant cannot crash the host.
func runBody(body Body, ctx context.Context, p *Process) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fault.Newf(fault.Internal, "process/body", "panic: %v", recovered)
			p.rt.logger.Error("process body panicked", "pid", p.pid, "panic", recovered)
		}
	}()
	return body(ctx, p)
}

// causeFromBodyError maps a body's return to a termination cause.
func causeFromBodyError(err error) Cause {
	switch {
	case err == nil:
		return Cause{Kind: CauseNormal}
	case fault.Is(err, fault.GuestTrap):
		return Cause{Kind: CauseGuestTrap, Detail: err.Error()}
	default:
		return Cause{Kind: CauseFault, Detail: err.Error()}
	}
}

// Exit terminates a process by pid. Host-side surfaces (IPC kill,
// the peer link) use this; guests go through Kill with a capability.
func (rt *Runtime) Exit(pid PID, cause Cause) error {
	p, ok := rt.Process(pid)
	if !ok {
		return fault.Newf(fault.MailboxClosed, "exit", "no process %d", pid)
	}
	p.terminate(cause)
	return nil
}

// Kill terminates the owner of the capability's mailbox. Requires
// PermKill.
func (rt *Runtime) Kill(target Capability) error {
	if !target.Valid() {
		return fault.New(fault.MailboxClosed, "kill", "zero capability")
	}
	if !target.perms.Has(PermKill) {
		return fault.Newf(fault.PermissionDenied, "kill", "capability to mailbox %d lacks kill", target.mailbox.id)
	}
	target.mailbox.owner.terminate(Cause{Kind: CauseKilled})
	return nil
}

// Link establishes the co-termination relation {a, b}. When either
// endpoint dies the other is terminated with a LinkedDeath cause.
// Linking is idempotent; a process cannot link to itself. Fails with
// mailbox-closed when either endpoint is already terminating.
func (rt *Runtime) Link(a, b *Process) error {
	if a == b {
		return fault.New(fault.PermissionDenied, "link", "cannot link a process to itself")
	}

	rt.linkMu.Lock()
	defer rt.linkMu.Unlock()
	if !a.Alive() {
		return fault.Newf(fault.MailboxClosed, "link", "process %d is dead", a.pid)
	}
	if !b.Alive() {
		return fault.Newf(fault.MailboxClosed, "link", "process %d is dead", b.pid)
	}
	a.links[b.pid] = struct{}{}
	b.links[a.pid] = struct{}{}
	return nil
}

// LinkTo links p to the owner of the capability's mailbox. Requires
// PermLink.
func (rt *Runtime) LinkTo(p *Process, target Capability) error {
	if !target.Valid() {
		return fault.New(fault.MailboxClosed, "link", "zero capability")
	}
	if !target.perms.Has(PermLink) {
		return fault.Newf(fault.PermissionDenied, "link", "capability to mailbox %d lacks link", target.mailbox.id)
	}
	return rt.Link(p, target.mailbox.owner)
}

// Unlink removes the link {a, b} without firing. Unlinking requires
// no permission: it only retracts the caller's own registration.
// A missing link is a no-op.
func (rt *Runtime) Unlink(a, b *Process) {
	rt.linkMu.Lock()
	defer rt.linkMu.Unlock()
	if a.links != nil {
		delete(a.links, b.pid)
	}
	if b.links != nil {
		delete(b.links, a.pid)
	}
}

// Monitor registers a one-shot Down notification from the closure of
// the capability's mailbox into observer. Requires PermMonitor. If
// the observed mailbox is already closed, the Down is enqueued
// immediately (equivalent to monitor-then-close).
func (rt *Runtime) Monitor(observer *Mailbox, target Capability) (MonitorID, error) {
	if !target.Valid() {
		return 0, fault.New(fault.MailboxClosed, "monitor", "zero capability")
	}
	if !target.perms.Has(PermMonitor) {
		return 0, fault.Newf(fault.PermissionDenied, "monitor", "capability to mailbox %d lacks monitor", target.mailbox.id)
	}

	id := MonitorID(rt.nextMonitorID.Add(1))
	if target.mailbox.attachMonitor(id, observer) {
		// Already closed: fire now, consumed immediately, never
		// indexed.
		observer.enqueueSignal(Signal{Kind: SignalDown, Mailbox: target.mailbox.id, Monitor: id})
		return id, nil
	}

	rt.monitorMu.Lock()
	rt.monitors[id] = target.mailbox
	rt.monitorMu.Unlock()
	return id, nil
}

// WatchMailbox is Monitor without the permission check. It exists
// for the host's own bookkeeping (the remoting layer must observe
// closure of every exported mailbox regardless of the permissions it
// was granted) and confers nothing on tenants: it is never reachable
// from a guest handle table.
func (rt *Runtime) WatchMailbox(observer *Mailbox, target Capability) (MonitorID, error) {
	if !target.Valid() {
		return 0, fault.New(fault.MailboxClosed, "watch", "zero capability")
	}
	return rt.Monitor(observer, Capability{mailbox: target.mailbox, perms: PermMonitor})
}

// Demonitor detaches a monitor without firing it. Detaching a
// monitor that already fired (or never existed) is a no-op.
func (rt *Runtime) Demonitor(id MonitorID) {
	rt.monitorMu.Lock()
	observed, ok := rt.monitors[id]
	if ok {
		delete(rt.monitors, id)
	}
	rt.monitorMu.Unlock()
	if ok {
		observed.detachMonitor(id)
	}
}

// forgetMonitor drops a fired monitor from the Demonitor index.
func (rt *Runtime) forgetMonitor(id MonitorID) {
	rt.monitorMu.Lock()
	delete(rt.monitors, id)
	rt.monitorMu.Unlock()
}

// Process looks up a live process by pid.
func (rt *Runtime) Process(pid PID) (*Process, bool) {
	rt.procMu.RLock()
	defer rt.procMu.RUnlock()
	p, ok := rt.processes[pid]
	return p, ok
}

// ProcessInfo is the listing entry returned to the IPC surface.
type ProcessInfo struct {
	PID       PID    `cbor:"pid"`
	Name      string `cbor:"name"`
	Mailboxes int    `cbor:"mailboxes"`
}

// Processes lists live processes in pid order.
func (rt *Runtime) Processes() []ProcessInfo {
	rt.procMu.RLock()
	infos := make([]ProcessInfo, 0, len(rt.processes))
	for _, p := range rt.processes {
		p.mu.Lock()
		mailboxes := len(p.mailboxes)
		p.mu.Unlock()
		infos = append(infos, ProcessInfo{PID: p.pid, Name: p.name, Mailboxes: mailboxes})
	}
	rt.procMu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].PID < infos[j].PID })
	return infos
}

// FailOp records an attributed operation failure to the log and the
// event stream. Edge adapters call this for failures that would
// otherwise vanish into a guest or a dropped connection.
func (rt *Runtime) FailOp(pid PID, op string, err error) {
	kind := fault.KindOf(err)
	rt.logger.Warn("operation failed",
		"pid", pid,
		"operation", op,
		"kind", string(kind),
		"detail", err.Error(),
	)
	rt.events.publish(Event{
		Kind:      EventOperationFailed,
		Time:      rt.clock.Now(),
		PID:       pid,
		Op:        op,
		FaultKind: kind,
		Detail:    err.Error(),
	})
}

// removeProcess drops a dead process from the table and publishes
// its exit.
func (rt *Runtime) removeProcess(p *Process, cause Cause) {
	rt.procMu.Lock()
	delete(rt.processes, p.pid)
	rt.procMu.Unlock()

	rt.logger.Debug("process exited", "pid", p.pid, "name", p.name, "cause", cause.String())
	c := cause
	rt.events.publish(Event{
		Kind:  EventProcessExited,
		Time:  rt.clock.Now(),
		PID:   p.pid,
		Name:  p.name,
		Cause: &c,
	})
}

// Shutdown terminates every process with a shutdown cause and stops
// the dispatcher, waiting up to ctx for tasks to unwind.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	rt.procMu.Lock()
	rt.closing = true
	remaining := make([]*Process, 0, len(rt.processes))
	for _, p := range rt.processes {
		remaining = append(remaining, p)
	}
	rt.procMu.Unlock()

	for _, p := range remaining {
		p.terminate(Cause{Kind: CauseShutdown})
	}
	return rt.dispatcher.Stop(ctx)
}
