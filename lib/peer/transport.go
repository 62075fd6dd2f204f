// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package peer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
)

// Dial connects to a listening peer and runs the initiator side of
// the session setup.
func Dial(ctx context.Context, address string, cfg Config) (*Session, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dialing peer %s: %w", address, err)
	}
	return NewSession(conn, cfg, true)
}

// Listener accepts peer connections and hands each accepted session
// to a callback.
type Listener struct {
	listener net.Listener
	cfg      Config

	mu       sync.Mutex
	sessions []*Session
}

// Listen binds the peer endpoint.
func Listen(address string, cfg Config) (*Listener, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", address, err)
	}
	return &Listener{listener: listener, cfg: cfg}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.listener.Addr() }

// Serve accepts connections until ctx is cancelled. Each accepted
// connection runs the responder side of session setup; established
// sessions are passed to onSession (which may be nil).
func (l *Listener) Serve(ctx context.Context, onSession func(*Session)) error {
	go func() {
		<-ctx.Done()
		l.listener.Close()
	}()

	logger := l.cfg.Logger
	if logger == nil && l.cfg.Runtime != nil {
		logger = l.cfg.Runtime.Logger()
	}

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if logger != nil {
				logger.Error("peer accept failed", "error", err)
			}
			continue
		}

		// Session setup includes a handshake round-trip; run it off
		// the accept loop so one slow dialer cannot block others.
		go func() {
			session, err := NewSession(conn, l.cfg, false)
			if err != nil {
				if logger != nil {
					logger.Warn("peer session setup failed", "error", err)
				}
				return
			}
			l.mu.Lock()
			l.sessions = append(l.sessions, session)
			l.mu.Unlock()
			if onSession != nil {
				onSession(session)
			}
		}()
	}
}

// CloseAll drops every established session.
func (l *Listener) CloseAll() {
	l.mu.Lock()
	sessions := l.sessions
	l.sessions = nil
	l.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}
