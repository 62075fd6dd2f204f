// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package guest

import (
	"log/slog"
	"sync"
	"time"

	"github.com/hearth-foundation/hearth/lib/fault"
	"github.com/hearth-foundation/hearth/lib/lump"
	"github.com/hearth-foundation/hearth/lib/runtime"
)

// RootMailbox is the pre-registered mailbox handle of the process's
// root mailbox, valid in every guest from the first instruction.
const RootMailbox uint32 = 1

// HostCalls is the complete syscall surface of a guest process.
// Engine bindings translate guest ABI calls into these methods;
// capabilities and mailboxes appear guest-side only as opaque u32
// handles, so nothing in linear memory can forge one.
//
// All methods are invoked synchronously on the guest's goroutine
// while it holds a dispatcher slice token. Suspending methods (Recv,
// Send against a full blocking queue, LumpGet, SpawnFromLump)
// release the token around the wait.
type HostCalls struct {
	adapter *Adapter
	proc    *runtime.Process
	logger  *slog.Logger

	// moduleDigest is the lump the running module was loaded from
	// (zero when spawned from raw bytes).
	moduleDigest lump.Digest

	mu          sync.Mutex
	mailboxes   map[uint32]*runtime.Mailbox
	nextMailbox uint32
	lumpHolds   map[lump.Digest]*lump.Handle

	// progressed records that the guest made at least one host call
	// during the current slice; the adapter uses it to tell a
	// hostile busy-loop from a chatty worker.
	progressed bool

	// tokenLost is set when a suspending call could not reacquire
	// the slice token (host shutdown or process death mid-call).
	tokenLost bool
}

func newHostCalls(a *Adapter, proc *runtime.Process, moduleDigest lump.Digest) *HostCalls {
	h := &HostCalls{
		adapter:      a,
		proc:         proc,
		logger:       a.logger.With("pid", proc.PID(), "guest", proc.Name()),
		moduleDigest: moduleDigest,
		mailboxes:    map[uint32]*runtime.Mailbox{RootMailbox: proc.Root()},
		nextMailbox:  RootMailbox + 1,
		lumpHolds:    make(map[lump.Digest]*lump.Handle),
	}
	return h
}

// touch records host-call progress for the starvation heuristic.
func (h *HostCalls) touch() {
	h.mu.Lock()
	h.progressed = true
	h.mu.Unlock()
}

// suspend runs a blocking operation with the slice token released,
// so a parked guest holds no compute resources.
func (h *HostCalls) suspend(blocking func()) {
	h.adapter.rt.Dispatcher().EndSlice()
	blocking()
	if err := h.adapter.rt.Dispatcher().BeginSlice(h.proc.Context()); err != nil {
		// The process is dying or the host is stopping. The guest
		// still unwinds through the engine; the adapter's run loop
		// checks tokenLost before returning the token.
		h.mu.Lock()
		h.tokenLost = true
		h.mu.Unlock()
	}
}

// RecvResult is a received delivery flattened for the ABI: exactly
// one of Payload/Caps (an envelope) or Signal is meaningful.
type RecvResult struct {
	// Payload and Caps describe an envelope; transferred
	// capabilities are already installed in the handle table.
	Payload []byte
	Caps    []uint32

	// Signal is non-nil for a control record.
	Signal *runtime.Signal
}

// MailboxCreate allocates a mailbox. capacity 0 selects the runtime
// default; block selects the full-queue policy.
func (h *HostCalls) MailboxCreate(capacity uint32, block bool) (uint32, error) {
	h.touch()
	policy := runtime.DeliverDrop
	if block {
		policy = runtime.DeliverBlock
	}
	mailbox, err := h.proc.NewMailbox(runtime.MailboxOptions{
		Capacity: int(capacity),
		Policy:   policy,
	})
	if err != nil {
		return 0, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	handle := h.nextMailbox
	h.nextMailbox++
	h.mailboxes[handle] = mailbox
	return handle, nil
}

// MailboxClose closes an owned mailbox. The root mailbox cannot be
// closed; it lives for the process's lifetime.
func (h *HostCalls) MailboxClose(handle uint32) error {
	h.touch()
	mailbox, err := h.mailbox(handle)
	if err != nil {
		return err
	}
	if err := h.proc.CloseMailbox(mailbox); err != nil {
		return err
	}
	h.mu.Lock()
	delete(h.mailboxes, handle)
	h.mu.Unlock()
	return nil
}

// MakeCapability mints a capability to an owned mailbox with the
// given permission mask. Owners can always mint to their own
// mailboxes; everyone else only narrows what they are handed.
func (h *HostCalls) MakeCapability(mailboxHandle uint32, perms uint8) (uint32, error) {
	h.touch()
	mailbox, err := h.mailbox(mailboxHandle)
	if err != nil {
		return 0, err
	}
	capability, err := h.proc.Capability(mailbox, runtime.Permissions(perms))
	if err != nil {
		return 0, err
	}
	return h.proc.Handles().Insert(capability)
}

// Recv yields the next delivery on an owned mailbox. timeoutMillis
// < 0 waits indefinitely; 0 polls. Suspends with the slice token
// released.
func (h *HostCalls) Recv(mailboxHandle uint32, timeoutMillis int64) (RecvResult, error) {
	h.touch()
	mailbox, err := h.mailbox(mailboxHandle)
	if err != nil {
		return RecvResult{}, err
	}

	var delivery runtime.Delivery
	var recvErr error
	h.suspend(func() {
		if timeoutMillis < 0 {
			delivery, recvErr = mailbox.Recv(h.proc.Context())
		} else {
			delivery, recvErr = mailbox.RecvTimeout(h.proc.Context(), time.Duration(timeoutMillis)*time.Millisecond)
		}
	})
	if recvErr != nil {
		return RecvResult{}, recvErr
	}

	if delivery.Signal != nil {
		return RecvResult{Signal: delivery.Signal}, nil
	}

	result := RecvResult{Payload: delivery.Envelope.Payload}
	for _, c := range delivery.Envelope.Caps {
		handle, err := h.proc.Handles().Insert(c)
		if err != nil {
			// Handle table exhausted mid-envelope: the remaining
			// capabilities are dropped, which the error reports.
			return result, err
		}
		result.Caps = append(result.Caps, handle)
	}
	return result, nil
}

// Send delivers payload and transferred capability handles through a
// capability. The sender's handles remain valid; drop them
// explicitly to release them. Suspends when the target is a full
// blocking queue.
func (h *HostCalls) Send(capHandle uint32, payload []byte, transfer []uint32) error {
	h.touch()
	capability, err := h.proc.Handles().Get(capHandle)
	if err != nil {
		return err
	}

	caps := make([]runtime.Capability, 0, len(transfer))
	for _, t := range transfer {
		c, err := h.proc.Handles().Get(t)
		if err != nil {
			return err
		}
		caps = append(caps, c)
	}

	// Payload bytes come out of guest linear memory, which the guest
	// can rewrite after the call; copy before queueing.
	owned := make([]byte, len(payload))
	copy(owned, payload)

	var sendErr error
	h.suspend(func() {
		sendErr = capability.Send(h.proc.Context(), runtime.Envelope{
			From:    h.proc.PID(),
			Payload: owned,
			Caps:    caps,
		})
	})
	return sendErr
}

// Narrow installs a new handle whose permissions are the intersection
// of the capability's and mask.
func (h *HostCalls) Narrow(capHandle uint32, mask uint8) (uint32, error) {
	h.touch()
	capability, err := h.proc.Handles().Get(capHandle)
	if err != nil {
		return 0, err
	}
	return h.proc.Handles().Insert(capability.Narrow(runtime.Permissions(mask)))
}

// Drop releases a capability handle.
func (h *HostCalls) Drop(capHandle uint32) error {
	h.touch()
	return h.proc.Handles().Remove(capHandle)
}

// Monitor registers a Down notification from the capability's mailbox
// into an owned mailbox. Requires MONITOR on the capability.
func (h *HostCalls) Monitor(observerHandle uint32, capHandle uint32) (uint64, error) {
	h.touch()
	observer, err := h.mailbox(observerHandle)
	if err != nil {
		return 0, err
	}
	capability, err := h.proc.Handles().Get(capHandle)
	if err != nil {
		return 0, err
	}
	id, err := h.adapter.rt.Monitor(observer, capability)
	if err != nil {
		return 0, err
	}
	return uint64(id), nil
}

// Demonitor detaches a monitor without firing.
func (h *HostCalls) Demonitor(monitorID uint64) {
	h.touch()
	h.adapter.rt.Demonitor(runtime.MonitorID(monitorID))
}

// Link links this process to the owner of the capability's mailbox.
// Requires LINK.
func (h *HostCalls) Link(capHandle uint32) error {
	h.touch()
	capability, err := h.proc.Handles().Get(capHandle)
	if err != nil {
		return err
	}
	return h.adapter.rt.LinkTo(h.proc, capability)
}

// Unlink removes the link with the owner of the capability's mailbox.
func (h *HostCalls) Unlink(capHandle uint32) error {
	h.touch()
	capability, err := h.proc.Handles().Get(capHandle)
	if err != nil {
		return err
	}
	owner, ok := h.adapter.rt.Process(capability.OwnerPID())
	if !ok {
		return nil
	}
	h.adapter.rt.Unlink(h.proc, owner)
	return nil
}

// Kill terminates the owner of the capability's mailbox. Requires
// KILL.
func (h *HostCalls) Kill(capHandle uint32) error {
	h.touch()
	capability, err := h.proc.Handles().Get(capHandle)
	if err != nil {
		return err
	}
	return h.adapter.rt.Kill(capability)
}

// SpawnFromLump spawns a sibling guest from a module lump and returns
// the all-permission handle to its root mailbox, to be narrowed
// before sharing. Suspends while the lump is fetched.
func (h *HostCalls) SpawnFromLump(digest lump.Digest, entrypoint string, name string) (uint32, error) {
	h.touch()
	if name == "" {
		name = "guest/" + digest.String()[:12]
	}

	var rootCap runtime.Capability
	var spawnErr error
	h.suspend(func() {
		rootCap, _, spawnErr = h.adapter.SpawnFromDigest(h.proc.Context(), name, digest, entrypoint)
	})
	if spawnErr != nil {
		return 0, spawnErr
	}
	return h.proc.Handles().Insert(rootCap)
}

// LumpPut stores bytes and returns their digest.
func (h *HostCalls) LumpPut(data []byte) (lump.Digest, error) {
	h.touch()
	store := h.adapter.rt.Lumps()
	if store == nil {
		return lump.Digest{}, fault.New(fault.ResourceExhausted, "lump/put", "no lump store configured")
	}
	return store.Put(data), nil
}

// LumpGet returns the bytes for a digest, fetching transparently from
// peers. Suspends during a remote fetch.
func (h *HostCalls) LumpGet(digest lump.Digest) ([]byte, error) {
	h.touch()
	store := h.adapter.rt.Lumps()
	if store == nil {
		return nil, fault.New(fault.ResourceExhausted, "lump/get", "no lump store configured")
	}

	var data []byte
	var getErr error
	h.suspend(func() {
		data, getErr = store.Get(h.proc.Context(), digest)
	})
	return data, getErr
}

// LumpHold pins a digest for the process's lifetime (or until
// LumpRelease).
func (h *HostCalls) LumpHold(digest lump.Digest) error {
	h.touch()
	store := h.adapter.rt.Lumps()
	if store == nil {
		return fault.New(fault.ResourceExhausted, "lump/hold", "no lump store configured")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, held := h.lumpHolds[digest]; held {
		return nil
	}
	handle, err := store.Hold(digest)
	if err != nil {
		return err
	}
	h.lumpHolds[digest] = handle
	h.proc.AddLumpHold(handle)
	return nil
}

// LumpRelease drops a pin taken with LumpHold.
func (h *HostCalls) LumpRelease(digest lump.Digest) {
	h.touch()
	h.mu.Lock()
	handle, held := h.lumpHolds[digest]
	delete(h.lumpHolds, digest)
	h.mu.Unlock()
	if held {
		handle.Release()
	}
}

// ServiceGet looks a service up in the host registry. The returned
// handle carries the manifest's grant mask for that name.
func (h *HostCalls) ServiceGet(name string) (uint32, error) {
	h.touch()
	if h.adapter.registry == nil {
		return 0, fault.New(fault.PermissionDenied, "service/get", "no registry published")
	}
	capability, ok := h.adapter.registry.Get(name)
	if !ok {
		return 0, fault.Newf(fault.MailboxClosed, "service/get", "no service %q", name)
	}
	return h.proc.Handles().Insert(capability)
}

// ThisLump returns the digest of the module the guest was spawned
// from, or the zero digest when it was spawned from raw bytes.
func (h *HostCalls) ThisLump() lump.Digest {
	h.touch()
	return h.moduleDigest
}

// Log routes a guest log line into the host's structured log.
func (h *HostCalls) Log(level uint32, message string) {
	h.touch()
	switch level {
	case 0:
		h.logger.Debug(message)
	case 1:
		h.logger.Debug(message)
	case 2:
		h.logger.Info(message)
	case 3:
		h.logger.Warn(message)
	default:
		h.logger.Error(message)
	}
}

// mailbox resolves an owned mailbox handle.
func (h *HostCalls) mailbox(handle uint32) (*runtime.Mailbox, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	mailbox, ok := h.mailboxes[handle]
	if !ok {
		return nil, fault.Newf(fault.PermissionDenied, "mailbox", "unknown mailbox handle %d", handle)
	}
	return mailbox, nil
}

// sliceBegun resets per-slice accounting. Called by the adapter
// before each Run.
func (h *HostCalls) sliceBegun() {
	h.mu.Lock()
	h.progressed = false
	h.mu.Unlock()
}

// sliceState reports the per-slice accounting; sliceBegun resets it.
func (h *HostCalls) sliceState() (progressed, tokenLost bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.progressed, h.tokenLost
}
