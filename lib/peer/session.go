// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/hearth-foundation/hearth/lib/fault"
	"github.com/hearth-foundation/hearth/lib/lump"
	"github.com/hearth-foundation/hearth/lib/netcrypt"
	"github.com/hearth-foundation/hearth/lib/runtime"
	"github.com/hearth-foundation/hearth/lib/wire"
)

// bootstrapHandle is the reserved wire handle addressing the session
// itself. A Send to handle 0 carries the sender's bootstrap
// capability; real exports start at 1.
const bootstrapHandle = 0

// Config wires a session into the host.
type Config struct {
	// Runtime hosts the session process and every proxy mailbox.
	Runtime *runtime.Runtime

	// Lumps is the shared store; the session registers itself as a
	// provider and answers the remote side's LumpRequests from it.
	Lumps *lump.Store

	// PeerID is the local peer identifier announced in Hello.
	PeerID string

	// Bootstrap, when valid, is offered to the remote side right
	// after Hello — typically the registry service capability,
	// already narrowed to what remote tenants may do.
	Bootstrap runtime.Capability

	// Logger receives session events. Defaults to the runtime's.
	Logger *slog.Logger
}

// Session is one peer link: the transparent remoting of capabilities
// and messages across a single encrypted duplex stream.
//
// Every proxy mailbox belongs to one process spawned per session, so
// the disconnect contract (all imports behave as closed, monitors
// fire, links kill) is the ordinary process termination protocol.
type Session struct {
	rt     *runtime.Runtime
	lumps  *lump.Store
	logger *slog.Logger
	conn   net.Conn

	localID  string
	remoteID string

	proc  *runtime.Process
	watch *runtime.Mailbox

	writeMu sync.Mutex

	mu             sync.Mutex
	closed         bool
	exports        map[uint64]*exportEntry
	exportByKey    map[exportKey]uint64
	nextExport     uint64
	imports        map[uint64]*importEntry
	proxyToImport  map[runtime.MailboxID]uint64
	watchedExports map[runtime.MailboxID][]uint64
	links          map[uint64]runtime.PID
	linksByMailbox map[runtime.MailboxID][]uint64
	nextLink       uint64
	lumpWaiters    map[uint64]chan wire.LumpReply
	nextLumpReq    uint64

	remoteBootstrap runtime.Capability
	bootstrapReady  chan struct{}
	procReady       chan struct{}
	done            chan struct{}
}

type exportKey struct {
	mailbox runtime.MailboxID
	perms   runtime.Permissions
}

// exportEntry is a local mailbox projected to the remote side.
type exportEntry struct {
	cap   runtime.Capability // carries exactly the granted permissions
	perms runtime.Permissions
}

// importEntry is a remote mailbox materialized as a local proxy.
type importEntry struct {
	proxy        *runtime.Mailbox
	remoteHandle uint64
	perms        runtime.Permissions
}

// NewSession encrypts conn, exchanges Hello frames, and starts the
// session process. The initiator side writes its handshake and Hello
// first; both sides may offer a bootstrap capability.
func NewSession(conn net.Conn, cfg Config, initiator bool) (*Session, error) {
	if cfg.Runtime == nil {
		return nil, errors.New("peer: Config.Runtime is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = cfg.Runtime.Logger()
	}

	key, err := netcrypt.Handshake(conn, initiator)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("peer handshake: %w", err)
	}
	encrypted, err := netcrypt.NewConn(conn, key, initiator)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("peer cipher: %w", err)
	}

	s := &Session{
		rt:             cfg.Runtime,
		lumps:          cfg.Lumps,
		logger:         logger,
		conn:           encrypted,
		localID:        cfg.PeerID,
		exports:        make(map[uint64]*exportEntry),
		exportByKey:    make(map[exportKey]uint64),
		imports:        make(map[uint64]*importEntry),
		proxyToImport:  make(map[runtime.MailboxID]uint64),
		watchedExports: make(map[runtime.MailboxID][]uint64),
		links:          make(map[uint64]runtime.PID),
		linksByMailbox: make(map[runtime.MailboxID][]uint64),
		lumpWaiters:    make(map[uint64]chan wire.LumpReply),
		bootstrapReady: make(chan struct{}),
		procReady:      make(chan struct{}),
		done:           make(chan struct{}),
	}
	// Link ids share one namespace per session: the initiator
	// allocates odd ids, the responder even, so the two directions
	// can never collide.
	if initiator {
		s.nextLink = 1
	} else {
		s.nextLink = 2
	}

	if err := s.exchangeHello(initiator); err != nil {
		encrypted.Close()
		return nil, err
	}

	if _, _, err := cfg.Runtime.Spawn("peer/"+s.remoteID, s.run); err != nil {
		encrypted.Close()
		return nil, err
	}
	// The body publishes s.proc before touching the stream; wait so
	// the bootstrap export below has a session process to hang
	// proxies off.
	<-s.procReady

	if cfg.Bootstrap.Valid() {
		if err := s.sendBootstrap(cfg.Bootstrap); err != nil {
			s.Close()
			return nil, err
		}
	}
	if s.lumps != nil {
		s.lumps.AddProvider(s)
	}
	return s, nil
}

// RemoteID returns the peer id the remote side announced.
func (s *Session) RemoteID() string { return s.remoteID }

// Done closes when the session has torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close drops the link. Equivalent to the remote crashing: the
// failure atom of the teardown applies in full.
func (s *Session) Close() {
	s.conn.Close()
}

// RemoteBootstrap waits for the remote side's bootstrap capability.
func (s *Session) RemoteBootstrap(ctx context.Context) (runtime.Capability, error) {
	select {
	case <-s.bootstrapReady:
		return s.remoteBootstrap, nil
	case <-s.done:
		return runtime.Capability{}, fault.New(fault.PeerGone, "peer/bootstrap", "session closed")
	case <-ctx.Done():
		return runtime.Capability{}, fault.Wrap(fault.Cancelled, "peer/bootstrap", ctx.Err())
	}
}

// exchangeHello writes the local Hello and validates the remote one.
func (s *Session) exchangeHello(initiator bool) error {
	hello, err := wire.NewFrame(wire.KindHello, wire.Hello{
		ProtocolMajor: wire.ProtocolMajor,
		ProtocolMinor: wire.ProtocolMinor,
		PeerID:        s.localID,
	})
	if err != nil {
		return err
	}

	// Both directions lead with Hello: the initiator writes first,
	// and the responder reads it before answering with its own.
	if initiator {
		if err := wire.WriteFrame(s.conn, hello); err != nil {
			return fmt.Errorf("sending hello: %w", err)
		}
	}
	frame, err := wire.ReadFrame(s.conn)
	if err != nil {
		return fmt.Errorf("reading hello: %w", err)
	}
	if frame.Kind != wire.KindHello {
		return fault.Newf(fault.ProtocolMismatch, "peer/hello", "first frame is %q", frame.Kind)
	}
	var remote wire.Hello
	if err := wire.DecodeBody(frame, &remote); err != nil {
		return err
	}
	if remote.ProtocolMajor != wire.ProtocolMajor {
		return fault.Newf(fault.ProtocolMismatch, "peer/hello",
			"remote speaks protocol %d, local %d", remote.ProtocolMajor, wire.ProtocolMajor)
	}
	s.remoteID = remote.PeerID

	if !initiator {
		if err := wire.WriteFrame(s.conn, hello); err != nil {
			return fmt.Errorf("sending hello: %w", err)
		}
	}
	return nil
}

// run is the session process body: the frame read loop plus the
// closure watcher, with teardown on the way out.
func (s *Session) run(ctx context.Context, self *runtime.Process) error {
	s.proc = self
	s.watch = self.Root()
	close(s.procReady)

	defer s.teardown()

	// Unblock the read loop when the process is cancelled.
	go func() {
		<-ctx.Done()
		s.conn.Close()
	}()

	go s.watchLoop(ctx)

	for {
		frame, err := wire.ReadFrame(s.conn)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			if fault.Is(err, fault.MalformedFrame) {
				s.logger.Warn("dropping peer on malformed frame", "peer", s.remoteID, "error", err)
				return err
			}
			return nil
		}
		s.dispatch(ctx, frame)
	}
}

// dispatch interprets one frame. Handler failures are logged and the
// frame dropped; only malformed framing kills the session.
func (s *Session) dispatch(ctx context.Context, frame wire.Frame) {
	var err error
	switch frame.Kind {
	case wire.KindSend:
		var body wire.Send
		if err = wire.DecodeBody(frame, &body); err == nil {
			err = s.onSend(ctx, body)
		}
	case wire.KindClose:
		var body wire.Close
		if err = wire.DecodeBody(frame, &body); err == nil {
			s.onClose(body)
		}
	case wire.KindMonitor:
		var body wire.Monitor
		if err = wire.DecodeBody(frame, &body); err == nil {
			s.onMonitor(body)
		}
	case wire.KindLink:
		var body wire.Link
		if err = wire.DecodeBody(frame, &body); err == nil {
			err = s.onLink(body)
		}
	case wire.KindUnlink:
		var body wire.Unlink
		if err = wire.DecodeBody(frame, &body); err == nil {
			s.onUnlink(body)
		}
	case wire.KindLumpRequest:
		var body wire.LumpRequest
		if err = wire.DecodeBody(frame, &body); err == nil {
			err = s.onLumpRequest(body)
		}
	case wire.KindLumpReply:
		var body wire.LumpReply
		if err = wire.DecodeBody(frame, &body); err == nil {
			s.onLumpReply(body)
		}
	case wire.KindHello:
		err = fault.New(fault.ProtocolMismatch, "peer/dispatch", "duplicate hello")
	default:
		// Unknown kinds are skipped for forward compatibility.
		s.logger.Debug("ignoring unknown frame kind", "peer", s.remoteID, "kind", string(frame.Kind))
	}
	if err != nil {
		s.rt.FailOp(s.proc.PID(), "peer/"+string(frame.Kind), err)
	}
}

// onSend forwards an incoming envelope to the exported mailbox.
func (s *Session) onSend(ctx context.Context, body wire.Send) error {
	caps, err := s.materializeCaps(body.Caps)
	if err != nil {
		return err
	}

	if body.Handle == bootstrapHandle {
		if len(caps) == 0 {
			return fault.New(fault.MalformedFrame, "peer/bootstrap", "bootstrap send without capability")
		}
		s.mu.Lock()
		already := s.remoteBootstrap.Valid()
		if !already {
			s.remoteBootstrap = caps[0]
		}
		s.mu.Unlock()
		if !already {
			close(s.bootstrapReady)
		}
		return nil
	}

	s.mu.Lock()
	entry, ok := s.exports[body.Handle]
	s.mu.Unlock()
	if !ok {
		return fault.Newf(fault.MailboxClosed, "peer/send", "unknown export handle %d", body.Handle)
	}

	// entry.cap carries exactly the granted permission set, so the
	// ordinary capability send enforces the cross-peer grant.
	return entry.cap.Send(ctx, runtime.Envelope{Payload: body.Payload, Caps: caps})
}

// onClose mirrors a remote closure onto the local proxy: monitors on
// the proxy fire, pending queue drains to consumers.
func (s *Session) onClose(body wire.Close) {
	s.mu.Lock()
	entry, ok := s.imports[body.Handle]
	if ok {
		delete(s.imports, body.Handle)
		delete(s.proxyToImport, entry.proxy.ID())
	}
	s.mu.Unlock()
	if ok {
		entry.proxy.Close()
	}
}

// onMonitor answers a liveness probe for an export. Exports are
// closure-watched from creation, so the only work left is the
// already-closed case.
func (s *Session) onMonitor(body wire.Monitor) {
	s.mu.Lock()
	entry, ok := s.exports[body.Handle]
	s.mu.Unlock()
	if ok && entry.cap.TargetClosed() {
		s.writeFrame(wire.KindClose, wire.Close{Handle: body.Handle})
	}
}

// onLink establishes the local half of a cross-peer link: remote
// process R declared a link against the owner of this export. If the
// owner dies, the closure watch sends Unlink{broken}; if R dies, the
// remote sends Unlink{broken} and onUnlink terminates the owner.
func (s *Session) onLink(body wire.Link) error {
	s.mu.Lock()
	entry, ok := s.exports[body.Handle]
	s.mu.Unlock()
	if !ok {
		return fault.Newf(fault.MailboxClosed, "peer/link", "unknown export handle %d", body.Handle)
	}
	if !entry.perms.Has(runtime.PermLink) {
		return fault.Newf(fault.PermissionDenied, "peer/link", "export %d lacks link", body.Handle)
	}

	ownerPID := entry.cap.OwnerPID()
	owner, alive := s.rt.Process(ownerPID)
	if !alive {
		s.writeFrame(wire.KindUnlink, wire.Unlink{LinkID: body.LinkID, Broken: true})
		return nil
	}

	rootCap, err := owner.Capability(owner.Root(), runtime.PermMonitor)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.links[body.LinkID] = ownerPID
	s.linksByMailbox[owner.Root().ID()] = append(s.linksByMailbox[owner.Root().ID()], body.LinkID)
	s.mu.Unlock()

	// Registered after the map entries so an already-dead owner
	// resolves through the normal Down path.
	_, err = s.rt.WatchMailbox(s.watch, rootCap)
	return err
}

// onUnlink retracts or breaks a half-link.
func (s *Session) onUnlink(body wire.Unlink) {
	s.mu.Lock()
	pid, ok := s.links[body.LinkID]
	delete(s.links, body.LinkID)
	s.mu.Unlock()
	if ok && body.Broken {
		s.rt.Exit(pid, runtime.Cause{
			Kind:   runtime.CauseLinkedDeath,
			Detail: "linked process on peer " + s.remoteID + " died",
		})
	}
}

// onLumpRequest answers from the local store only — transitive
// fetching through a third peer would loop.
func (s *Session) onLumpRequest(body wire.LumpRequest) error {
	reply := wire.LumpReply{RequestID: body.RequestID, Missing: true}
	if s.lumps != nil {
		if data, ok := s.lumps.GetLocal(body.Digest); ok {
			compressed, tag := lump.CompressForWire(data)
			reply = wire.LumpReply{
				RequestID:   body.RequestID,
				Compression: uint8(tag),
				Size:        uint64(len(data)),
				Data:        compressed,
			}
		}
	}
	return s.writeFrame(wire.KindLumpReply, reply)
}

// onLumpReply resolves the waiting fetch.
func (s *Session) onLumpReply(body wire.LumpReply) {
	s.mu.Lock()
	waiter, ok := s.lumpWaiters[body.RequestID]
	delete(s.lumpWaiters, body.RequestID)
	s.mu.Unlock()
	if ok {
		waiter <- body
	}
}

// FetchLump implements lump.Provider: a LumpRequest/LumpReply
// exchange on this link.
func (s *Session) FetchLump(ctx context.Context, digest lump.Digest) ([]byte, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fault.New(fault.PeerGone, "peer/lump", "session closed")
	}
	s.nextLumpReq++
	id := s.nextLumpReq
	waiter := make(chan wire.LumpReply, 1)
	s.lumpWaiters[id] = waiter
	s.mu.Unlock()

	if err := s.writeFrame(wire.KindLumpRequest, wire.LumpRequest{RequestID: id, Digest: digest}); err != nil {
		s.dropLumpWaiter(id)
		return nil, err
	}

	select {
	case reply := <-waiter:
		if reply.Missing {
			return nil, lump.ErrMissing
		}
		data, err := lump.Decompress(reply.Data, lump.CompressionTag(reply.Compression), int(reply.Size))
		if err != nil {
			return nil, fault.Wrap(fault.CorruptLump, "peer/lump", err)
		}
		return data, nil
	case <-s.done:
		return nil, fault.New(fault.PeerGone, "peer/lump", "session closed")
	case <-ctx.Done():
		s.dropLumpWaiter(id)
		return nil, fault.Wrap(fault.Cancelled, "peer/lump", ctx.Err())
	}
}

func (s *Session) dropLumpWaiter(id uint64) {
	s.mu.Lock()
	delete(s.lumpWaiters, id)
	s.mu.Unlock()
}

// Link declares a cross-peer link between local process p and the
// remote mailbox behind an imported capability. Requires PermLink on
// the import. If either endpoint dies, or the whole session drops,
// the other side is terminated with LinkedDeath.
func (s *Session) Link(p *runtime.Process, imported runtime.Capability) error {
	if !imported.Permissions().Has(runtime.PermLink) {
		return fault.New(fault.PermissionDenied, "peer/link", "capability lacks link")
	}

	s.mu.Lock()
	remoteHandle, ok := s.proxyToImport[imported.MailboxID()]
	if !ok {
		s.mu.Unlock()
		return fault.New(fault.PermissionDenied, "peer/link", "capability is not an import of this session")
	}
	linkID := s.nextLink
	s.nextLink += 2
	s.links[linkID] = p.PID()
	s.linksByMailbox[p.Root().ID()] = append(s.linksByMailbox[p.Root().ID()], linkID)
	s.mu.Unlock()

	rootCap, err := p.Capability(p.Root(), runtime.PermMonitor)
	if err != nil {
		return err
	}
	if _, err := s.rt.WatchMailbox(s.watch, rootCap); err != nil {
		return err
	}
	return s.writeFrame(wire.KindLink, wire.Link{Handle: remoteHandle, LinkID: linkID})
}

// Probe asks the remote side to confirm liveness of the mailbox
// behind an imported capability. If the remote mailbox has already
// closed, the confirmation arrives as a Close frame and the proxy's
// monitors fire.
func (s *Session) Probe(imported runtime.Capability) error {
	s.mu.Lock()
	remoteHandle, ok := s.proxyToImport[imported.MailboxID()]
	s.mu.Unlock()
	if !ok {
		return fault.New(fault.PermissionDenied, "peer/probe", "capability is not an import of this session")
	}
	return s.writeFrame(wire.KindMonitor, wire.Monitor{Handle: remoteHandle})
}

// Export projects a local capability to the remote side as the
// payload-free Send it would ride in. Exposed for hosts that want to
// hand a capability to a peer outside any message flow; ordinary
// transfer happens by embedding capabilities in envelopes.
func (s *Session) Export(c runtime.Capability) error {
	ref, watch, err := s.exportCap(c)
	if err != nil {
		return err
	}
	if err := s.writeFrame(wire.KindSend, wire.Send{Handle: bootstrapHandle, Caps: []wire.CapRef{ref}}); err != nil {
		return err
	}
	s.registerWatches(watch)
	return nil
}

// sendBootstrap offers the local bootstrap capability.
func (s *Session) sendBootstrap(bootstrap runtime.Capability) error {
	ref, watch, err := s.exportCap(bootstrap)
	if err != nil {
		return err
	}
	err = s.writeFrame(wire.KindSend, wire.Send{
		Handle:  bootstrapHandle,
		Payload: []byte("bootstrap"),
		Caps:    []wire.CapRef{ref},
	})
	if err != nil {
		return err
	}
	s.registerWatches(watch)
	return nil
}

// watchReq is a deferred closure-watch registration. Watches are
// registered after the frame that introduces the export is written:
// WatchMailbox on an already-closed mailbox fires immediately, so the
// Close frame can never precede its Send.
type watchReq struct {
	cap runtime.Capability
}

// exportCap translates a local capability into a wire reference.
func (s *Session) exportCap(c runtime.Capability) (wire.CapRef, []watchReq, error) {
	if !c.Valid() {
		return wire.CapRef{}, nil, fault.New(fault.Internal, "peer/export", "zero capability")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// A proxy of this session going back home: reference the
	// remote's own export.
	if remoteHandle, ok := s.proxyToImport[c.MailboxID()]; ok {
		return wire.CapRef{BackRef: &wire.BackRef{
			Handle: remoteHandle,
			Perms:  uint8(c.Permissions()),
		}}, nil, nil
	}

	key := exportKey{mailbox: c.MailboxID(), perms: c.Permissions()}
	if handle, ok := s.exportByKey[key]; ok {
		return wire.CapRef{Export: &wire.ExportRef{
			Handle: handle,
			Perms:  uint8(c.Permissions()),
		}}, nil, nil
	}

	s.nextExport++
	handle := s.nextExport
	s.exports[handle] = &exportEntry{cap: c, perms: c.Permissions()}
	s.exportByKey[key] = handle
	s.watchedExports[c.MailboxID()] = append(s.watchedExports[c.MailboxID()], handle)

	return wire.CapRef{Export: &wire.ExportRef{
		Handle: handle,
		Perms:  uint8(c.Permissions()),
	}}, []watchReq{{cap: c}}, nil
}

// registerWatches installs closure watches for freshly created
// exports and imports.
func (s *Session) registerWatches(watches []watchReq) {
	for _, w := range watches {
		if _, err := s.rt.WatchMailbox(s.watch, w.cap); err != nil {
			s.logger.Warn("closure watch failed", "peer", s.remoteID, "error", err)
		}
	}
}

// materializeCaps converts wire references into local capabilities.
func (s *Session) materializeCaps(refs []wire.CapRef) ([]runtime.Capability, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	caps := make([]runtime.Capability, 0, len(refs))
	for _, ref := range refs {
		switch {
		case ref.Export != nil:
			c, err := s.installImport(ref.Export.Handle, runtime.Permissions(ref.Export.Perms))
			if err != nil {
				return nil, err
			}
			caps = append(caps, c)

		case ref.BackRef != nil:
			s.mu.Lock()
			entry, ok := s.exports[ref.BackRef.Handle]
			s.mu.Unlock()
			if !ok {
				return nil, fault.Newf(fault.MailboxClosed, "peer/caps", "back-reference to unknown export %d", ref.BackRef.Handle)
			}
			// The remote cannot widen what it was granted.
			caps = append(caps, entry.cap.Narrow(runtime.Permissions(ref.BackRef.Perms)))

		default:
			return nil, fault.New(fault.MalformedFrame, "peer/caps", "capability reference with no variant")
		}
	}
	return caps, nil
}

// installImport creates (or reuses) the proxy for a remote export.
func (s *Session) installImport(remoteHandle uint64, perms runtime.Permissions) (runtime.Capability, error) {
	s.mu.Lock()
	if entry, ok := s.imports[remoteHandle]; ok {
		proxy := entry.proxy
		s.mu.Unlock()
		// The remote enforces its own narrowing; this reference
		// carries whatever it granted this time.
		return s.proc.Capability(proxy, perms)
	}
	s.mu.Unlock()

	// Proxies buffer generously and block: backpressure propagates
	// through the stream rather than dropping cross-peer messages.
	proxy, err := s.proc.NewMailbox(runtime.MailboxOptions{Policy: runtime.DeliverBlock})
	if err != nil {
		return runtime.Capability{}, err
	}

	s.mu.Lock()
	s.imports[remoteHandle] = &importEntry{proxy: proxy, remoteHandle: remoteHandle, perms: perms}
	s.proxyToImport[proxy.ID()] = remoteHandle
	s.mu.Unlock()

	go s.pump(proxy, remoteHandle)
	return s.proc.Capability(proxy, perms)
}

// pump forwards envelopes delivered to a proxy onto the wire,
// preserving per-sender FIFO through the proxy queue.
func (s *Session) pump(proxy *runtime.Mailbox, remoteHandle uint64) {
	ctx := s.proc.Context()
	for {
		delivery, err := proxy.Recv(ctx)
		if err != nil {
			return
		}
		if delivery.Envelope == nil {
			continue
		}

		refs := make([]wire.CapRef, 0, len(delivery.Envelope.Caps))
		var watches []watchReq
		exportFailed := false
		for _, c := range delivery.Envelope.Caps {
			ref, w, err := s.exportCap(c)
			if err != nil {
				s.rt.FailOp(s.proc.PID(), "peer/export", err)
				exportFailed = true
				break
			}
			refs = append(refs, ref)
			watches = append(watches, w...)
		}
		if exportFailed {
			continue
		}

		err = s.writeFrame(wire.KindSend, wire.Send{
			Handle:  remoteHandle,
			Payload: delivery.Envelope.Payload,
			Caps:    refs,
		})
		if err != nil {
			return
		}
		s.registerWatches(watches)
	}
}

// watchLoop turns closure Downs on the session's watch mailbox into
// Close and Unlink frames.
func (s *Session) watchLoop(ctx context.Context) {
	for {
		delivery, err := s.watch.Recv(ctx)
		if err != nil {
			return
		}
		if delivery.Signal == nil || delivery.Signal.Kind != runtime.SignalDown {
			continue
		}
		s.onLocalClosure(delivery.Signal.Mailbox)
	}
}

// onLocalClosure reports a closed local mailbox to the remote side:
// Close for each export of it, Unlink{broken} for each half-link
// anchored at it.
func (s *Session) onLocalClosure(mailbox runtime.MailboxID) {
	s.mu.Lock()
	handles := s.watchedExports[mailbox]
	delete(s.watchedExports, mailbox)
	linkIDs := s.linksByMailbox[mailbox]
	delete(s.linksByMailbox, mailbox)
	for _, id := range linkIDs {
		delete(s.links, id)
	}
	s.mu.Unlock()

	for _, handle := range handles {
		s.writeFrame(wire.KindClose, wire.Close{Handle: handle})
	}
	for _, id := range linkIDs {
		s.writeFrame(wire.KindUnlink, wire.Unlink{LinkID: id, Broken: true})
	}
}

// writeFrame serializes frame writes onto the stream.
func (s *Session) writeFrame(kind wire.Kind, body any) error {
	frame, err := wire.NewFrame(kind, body)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := wire.WriteFrame(s.conn, frame); err != nil {
		// A broken pipe surfaces in the read loop too; closing here
		// just accelerates teardown.
		s.conn.Close()
		return fault.Wrap(fault.PeerGone, "peer/write", err)
	}
	return nil
}

// teardown is the single cross-peer failure atom, run once from the
// session body's exit path: every import behaves as if its remote
// mailbox closed (with peer-gone sends), every export is revoked,
// every half-linked local process dies with LinkedDeath, every
// pending lump fetch resolves to peer-gone.
func (s *Session) teardown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	imports := make([]*importEntry, 0, len(s.imports))
	for _, entry := range s.imports {
		imports = append(imports, entry)
	}
	s.imports = map[uint64]*importEntry{}
	s.proxyToImport = map[runtime.MailboxID]uint64{}
	s.exports = map[uint64]*exportEntry{}
	s.exportByKey = map[exportKey]uint64{}
	s.watchedExports = map[runtime.MailboxID][]uint64{}
	linked := make([]runtime.PID, 0, len(s.links))
	for _, pid := range s.links {
		linked = append(linked, pid)
	}
	s.links = map[uint64]runtime.PID{}
	s.linksByMailbox = map[runtime.MailboxID][]uint64{}
	waiters := s.lumpWaiters
	s.lumpWaiters = map[uint64]chan wire.LumpReply{}
	s.mu.Unlock()

	if s.lumps != nil {
		s.lumps.RemoveProvider(s)
	}
	s.conn.Close()

	for _, entry := range imports {
		entry.proxy.CloseWithFault(fault.PeerGone)
	}
	cause := runtime.Cause{Kind: runtime.CauseLinkedDeath, Detail: "peer " + s.remoteID + " gone"}
	for _, pid := range linked {
		s.rt.Exit(pid, cause)
	}
	for _, waiter := range waiters {
		waiter <- wire.LumpReply{Missing: true}
	}

	close(s.done)
	s.logger.Info("peer session closed", "peer", s.remoteID)
}
