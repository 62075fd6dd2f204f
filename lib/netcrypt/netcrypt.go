// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package netcrypt

import (
	"crypto/rand"
	"fmt"
	"io"
	"net"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/curve25519"
)

// SessionKey is the 64-byte secret both ends derive from the
// handshake. Bytes [0:32] are the cipher key; [32:44] and [44:56] are
// the per-direction nonces (initiator-to-responder and
// responder-to-initiator respectively); the final 8 bytes are
// reserved.
type SessionKey [64]byte

// deriveContext is the domain string for session key derivation.
// Both ends must use the same string; it is a protocol constant.
const deriveContext = "hearth.network.session.v1"

// Handshake performs an ephemeral X25519 agreement over conn and
// derives the session key. The initiator writes its public key first;
// the responder reads first. Both ends arrive at the same SessionKey.
//
// The handshake authenticates nothing by itself — peer identity is
// asserted in the Hello frame and authorization is the operator's
// concern (who they point the listener at). What the cipher buys is
// that a passive network observer reads none of the capability
// traffic.
func Handshake(conn io.ReadWriter, initiator bool) (SessionKey, error) {
	var key SessionKey

	var private [32]byte
	if _, err := rand.Read(private[:]); err != nil {
		return key, fmt.Errorf("generating ephemeral key: %w", err)
	}
	public, err := curve25519.X25519(private[:], curve25519.Basepoint)
	if err != nil {
		return key, fmt.Errorf("deriving public key: %w", err)
	}

	var peerPublic [32]byte
	if initiator {
		if _, err := conn.Write(public); err != nil {
			return key, fmt.Errorf("sending public key: %w", err)
		}
		if _, err := io.ReadFull(conn, peerPublic[:]); err != nil {
			return key, fmt.Errorf("reading peer public key: %w", err)
		}
	} else {
		if _, err := io.ReadFull(conn, peerPublic[:]); err != nil {
			return key, fmt.Errorf("reading peer public key: %w", err)
		}
		if _, err := conn.Write(public); err != nil {
			return key, fmt.Errorf("sending public key: %w", err)
		}
	}

	shared, err := curve25519.X25519(private[:], peerPublic[:])
	if err != nil {
		return key, fmt.Errorf("computing shared secret: %w", err)
	}

	blake3.DeriveKey(deriveContext, shared, key[:])
	return key, nil
}

// NewConn wraps conn with ChaCha20 stream encryption keyed from the
// session. Each direction runs its own keystream: the initiator
// encrypts writes with the initiator-to-responder schedule and
// decrypts reads with the other, the responder mirrored.
func NewConn(conn net.Conn, key SessionKey, initiator bool) (net.Conn, error) {
	toResponder, err := chacha20.NewUnauthenticatedCipher(key[0:32], key[32:44])
	if err != nil {
		return nil, fmt.Errorf("initializing cipher: %w", err)
	}
	toInitiator, err := chacha20.NewUnauthenticatedCipher(key[0:32], key[44:56])
	if err != nil {
		return nil, fmt.Errorf("initializing cipher: %w", err)
	}

	c := &conn2{Conn: conn}
	if initiator {
		c.writeCipher = toResponder
		c.readCipher = toInitiator
	} else {
		c.writeCipher = toInitiator
		c.readCipher = toResponder
	}
	return c, nil
}

// conn2 applies a keystream per direction around the underlying
// connection. No additional locking: net.Conn already requires
// callers not to interleave concurrent Reads (or Writes), and each
// direction owns its cipher state.
type conn2 struct {
	net.Conn
	readCipher  *chacha20.Cipher
	writeCipher *chacha20.Cipher
}

func (c *conn2) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.readCipher.XORKeyStream(p[:n], p[:n])
	}
	return n, err
}

func (c *conn2) Write(p []byte) (int, error) {
	// Encrypt into a scratch copy: the keystream position advances
	// with the bytes produced, and callers own p.
	encrypted := make([]byte, len(p))
	c.writeCipher.XORKeyStream(encrypted, p)
	return c.Conn.Write(encrypted)
}
