// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/hearth-foundation/hearth/lib/codec"
)

// ActionFunc processes a socket request for a specific action. The
// raw parameter is the full CBOR request (including the "action"
// field); the handler decodes action-specific fields from it.
//
// Return a value to include in the success response, or an error for
// a failure response. If the returned value is nil, the response
// contains only {ok: true}; otherwise the value is marshaled as CBOR
// into the response's "data" field.
type ActionFunc func(ctx context.Context, raw []byte) (any, error)

// StreamFunc serves a long-lived action: after the server writes
// {ok: true}, the handler owns the encoder and streams CBOR values
// until it returns or the client disconnects. Used by "subscribe".
type StreamFunc func(ctx context.Context, raw []byte, out *codec.Encoder) error

// Response is the wire-format envelope for all socket protocol
// responses.
type Response struct {
	OK    bool             `cbor:"ok"`
	Error string           `cbor:"error,omitempty"`
	Data  codec.RawMessage `cbor:"data,omitempty"`
}

// SocketServer serves a CBOR request-response protocol on a Unix
// socket. Authentication is by filesystem permissions on the socket
// path: the server chmods the socket to owner-only after binding.
// Each connection handles one request; streaming actions keep the
// connection open for the event feed.
type SocketServer struct {
	socketPath string
	handlers   map[string]ActionFunc
	streams    map[string]StreamFunc
	logger     *slog.Logger

	// activeConnections tracks in-flight handlers for graceful
	// shutdown. Serve waits for all of them before returning.
	activeConnections sync.WaitGroup
}

// NewSocketServer creates a server that will listen on socketPath.
// Register actions with Handle and HandleStream before Serve.
func NewSocketServer(socketPath string, logger *slog.Logger) *SocketServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &SocketServer{
		socketPath: socketPath,
		handlers:   make(map[string]ActionFunc),
		streams:    make(map[string]StreamFunc),
		logger:     logger,
	}
}

// Handle registers a handler for the given action name. Panics on a
// duplicate registration — that is a wiring bug, not a runtime
// condition.
func (s *SocketServer) Handle(action string, handler ActionFunc) {
	if _, exists := s.handlers[action]; exists {
		panic(fmt.Sprintf("ipc.SocketServer: duplicate handler for action %q", action))
	}
	if _, exists := s.streams[action]; exists {
		panic(fmt.Sprintf("ipc.SocketServer: duplicate handler for action %q", action))
	}
	s.handlers[action] = handler
}

// HandleStream registers a streaming handler for the given action.
func (s *SocketServer) HandleStream(action string, handler StreamFunc) {
	if _, exists := s.handlers[action]; exists {
		panic(fmt.Sprintf("ipc.SocketServer: duplicate handler for action %q", action))
	}
	if _, exists := s.streams[action]; exists {
		panic(fmt.Sprintf("ipc.SocketServer: duplicate handler for action %q", action))
	}
	s.streams[action] = handler
}

// Serve accepts connections and dispatches requests to registered
// handlers. Blocks until ctx is cancelled, then stops accepting and
// waits for active handlers to complete.
//
// Any stale socket file at the configured path is removed before
// listening; the socket file is removed on return.
func (s *SocketServer) Serve(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", s.socketPath, err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(s.socketPath)
	}()

	// Owner-only: the filesystem is the authentication layer.
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("restricting socket %s: %w", s.socketPath, err)
	}

	// Unblock Accept when the context is cancelled.
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("ipc socket listening", "path", s.socketPath)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("ipc accept failed", "error", err)
			continue
		}

		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	s.activeConnections.Wait()
	return nil
}

// readTimeout is how long we wait for the client to send its
// request. A well-behaved client sends it immediately on connect.
const readTimeout = 30 * time.Second

// writeTimeout is how long we wait for a response write. Streaming
// actions clear the deadline once the header response is out.
const writeTimeout = 10 * time.Second

// maxRequestSize bounds a single CBOR request. Spawn requests carry
// only a digest and service names, so 1 MB is generous.
const maxRequestSize = 1024 * 1024

// handleConnection processes one request, responding or streaming.
func (s *SocketServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if uid, ok := peerUID(conn); ok {
		s.logger.Debug("ipc connection", "uid", uid)
	}

	conn.SetReadDeadline(time.Now().Add(readTimeout))

	// Decode one CBOR value. CBOR is self-delimiting so no framing
	// is needed; LimitReader prevents memory exhaustion.
	var raw codec.RawMessage
	if err := codec.NewDecoder(io.LimitReader(conn, maxRequestSize)).Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			// Client connected but sent nothing.
			return
		}
		s.writeError(conn, fmt.Sprintf("invalid request: %v", err))
		return
	}

	var header struct {
		Action string `cbor:"action"`
	}
	if err := codec.Unmarshal(raw, &header); err != nil {
		s.writeError(conn, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if header.Action == "" {
		s.writeError(conn, "missing required field: action")
		return
	}

	if stream, exists := s.streams[header.Action]; exists {
		s.writeSuccess(conn, nil)
		conn.SetReadDeadline(time.Time{})
		conn.SetWriteDeadline(time.Time{})

		// End the stream when the client goes away: a read on the
		// (otherwise idle) connection unblocks on close.
		streamCtx, cancel := context.WithCancel(ctx)
		go func() {
			var discard [1]byte
			conn.Read(discard[:])
			cancel()
		}()
		defer cancel()

		if err := stream(streamCtx, []byte(raw), codec.NewEncoder(conn)); err != nil && streamCtx.Err() == nil {
			s.logger.Debug("stream ended with error", "action", header.Action, "error", err)
		}
		return
	}

	handler, exists := s.handlers[header.Action]
	if !exists {
		s.writeError(conn, fmt.Sprintf("unknown action %q", header.Action))
		return
	}

	result, err := handler(ctx, []byte(raw))
	if err != nil {
		s.logger.Debug("action failed",
			"action", header.Action,
			"error", err,
		)
		s.writeError(conn, err.Error())
		return
	}

	s.writeSuccess(conn, result)
}

// writeError sends {ok: false, error: "..."}. Write failures are
// logged at debug level — the connection is closing regardless.
func (s *SocketServer) writeError(conn net.Conn, message string) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := codec.NewEncoder(conn).Encode(Response{
		OK:    false,
		Error: message,
	}); err != nil {
		s.logger.Debug("failed to write error response", "error", err)
	}
}

// writeSuccess sends {ok: true} or {ok: true, data: <cbor>}.
func (s *SocketServer) writeSuccess(conn net.Conn, result any) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))

	response := Response{OK: true}
	if result != nil {
		data, err := codec.Marshal(result)
		if err != nil {
			s.writeError(conn, fmt.Sprintf("internal: marshaling response: %v", err))
			return
		}
		response.Data = data
	}

	if err := codec.NewEncoder(conn).Encode(response); err != nil {
		s.logger.Debug("failed to write success response", "error", err)
	}
}
