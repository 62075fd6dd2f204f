// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/hearth-foundation/hearth/lib/codec"
	"github.com/hearth-foundation/hearth/lib/fault"
	"github.com/hearth-foundation/hearth/lib/lump"
)

// Protocol version. Peers with a different major version cannot talk:
// the session closes with a protocol-mismatch fault after Hello.
// Minor versions are forward-compatible (unknown frame fields are
// ignored by the CBOR decoder).
const (
	ProtocolMajor = 1
	ProtocolMinor = 0
)

// MaxFrameSize bounds a single frame on the wire. Lumps larger than
// the budget (minus framing overhead) must be split by the
// application; in practice guest modules and scene blobs sit well
// under it.
const MaxFrameSize = 64 << 20

// Kind discriminates frames.
type Kind string

const (
	// KindHello is the first frame in each direction.
	KindHello Kind = "hello"

	// KindSend forwards an envelope to the receiver's exported
	// mailbox.
	KindSend Kind = "send"

	// KindClose reports that the sender's end of an export closed.
	// The receiver mirrors by closing its proxy, which fires local
	// monitors.
	KindClose Kind = "close"

	// KindMonitor asks the receiver to watch one of its exports for
	// closure. Exports are closure-watched as soon as they are
	// created, so this is a compatibility nudge: a Monitor for an
	// already-closed export answers with an immediate Close.
	KindMonitor Kind = "monitor"

	// KindLink establishes a cross-peer half-link between the
	// sender-side process and the owner of the receiver's export.
	KindLink Kind = "link"

	// KindUnlink retracts a half-link (Broken=false) or reports
	// that its local endpoint died (Broken=true), which the
	// receiver mirrors as a LinkedDeath termination.
	KindUnlink Kind = "unlink"

	// KindLumpRequest asks the receiver for lump bytes by digest.
	KindLumpRequest Kind = "lump-request"

	// KindLumpReply answers a LumpRequest.
	KindLumpReply Kind = "lump-reply"
)

// Frame is the envelope of every peer message: a kind tag and the
// CBOR body for that kind.
type Frame struct {
	Kind Kind             `cbor:"kind"`
	Body codec.RawMessage `cbor:"body,omitempty"`
}

// Hello is the first frame in each direction on a fresh session.
type Hello struct {
	ProtocolMajor uint32 `cbor:"protocol_major"`
	ProtocolMinor uint32 `cbor:"protocol_minor"`

	// PeerID is the announcing peer's stable identifier.
	PeerID string `cbor:"peer_id"`

	// Features lists optional capabilities of this peer, for
	// forward-compatible negotiation. Unknown features are ignored.
	Features []string `cbor:"features,omitempty"`
}

// CapRef is a capability embedded in a Send frame: either a fresh
// export from the sender (the receiver installs an import proxy for
// it) or a back-reference to an entry the receiver itself previously
// exported to the sender.
type CapRef struct {
	// Export describes a fresh export from the sender. The receiver
	// materializes it as a proxy capability.
	Export *ExportRef `cbor:"export,omitempty"`

	// BackRef is the sender-direction handle id of an entry the
	// receiver previously exported. The receiver materializes its
	// own local capability, narrowed to Perms.
	BackRef *BackRef `cbor:"back_ref,omitempty"`
}

// ExportRef is a fresh export: a new handle id in the sender's
// direction plus the permissions granted across the boundary.
type ExportRef struct {
	Handle uint64 `cbor:"handle"`
	Perms  uint8  `cbor:"perms"`
}

// BackRef references one of the receiver's own exports.
type BackRef struct {
	Handle uint64 `cbor:"handle"`
	Perms  uint8  `cbor:"perms"`
}

// Send forwards an envelope to the receiver's export with the given
// handle id.
type Send struct {
	Handle  uint64   `cbor:"handle"`
	Payload []byte   `cbor:"payload,omitempty"`
	Caps    []CapRef `cbor:"caps,omitempty"`
}

// Close reports that the mailbox behind the sender's export closed.
// Handle is in the sender's export direction.
type Close struct {
	Handle uint64 `cbor:"handle"`
}

// Monitor asks the receiver to confirm liveness of its export.
type Monitor struct {
	Handle uint64 `cbor:"handle"`
}

// Link establishes a half-link: the receiver records (LinkID, owner
// of export Handle); when that owner dies it sends Unlink with
// Broken=true.
type Link struct {
	Handle uint64 `cbor:"handle"`
	LinkID uint64 `cbor:"link_id"`
}

// Unlink retracts or breaks a half-link.
type Unlink struct {
	LinkID uint64 `cbor:"link_id"`
	Broken bool   `cbor:"broken,omitempty"`
}

// LumpRequest asks for the bytes of a digest. RequestID pairs the
// reply; ids are per-direction monotone.
type LumpRequest struct {
	RequestID uint64      `cbor:"request_id"`
	Digest    lump.Digest `cbor:"digest"`
}

// LumpReply answers a LumpRequest. Data is compressed per
// Compression; Size is the decompressed length (and the verification
// bound).
type LumpReply struct {
	RequestID   uint64 `cbor:"request_id"`
	Missing     bool   `cbor:"missing,omitempty"`
	Compression uint8  `cbor:"compression,omitempty"`
	Size        uint64 `cbor:"size,omitempty"`
	Data        []byte `cbor:"data,omitempty"`
}

// NewFrame marshals body into a Frame of the given kind.
func NewFrame(kind Kind, body any) (Frame, error) {
	encoded, err := codec.Marshal(body)
	if err != nil {
		return Frame{}, fmt.Errorf("encoding %s body: %w", kind, err)
	}
	return Frame{Kind: kind, Body: encoded}, nil
}

// WriteFrame writes one length-prefixed frame: a 4-byte big-endian
// length followed by the frame's CBOR encoding.
func WriteFrame(w io.Writer, frame Frame) error {
	encoded, err := codec.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	if len(encoded) > MaxFrameSize {
		return fault.Newf(fault.MalformedFrame, "wire/write", "frame of %d bytes exceeds limit", len(encoded))
	}

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(encoded)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("writing frame length: %w", err)
	}
	if _, err := w.Write(encoded); err != nil {
		return fmt.Errorf("writing frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame. A length over
// MaxFrameSize or a body that fails to decode is a malformed-frame
// fault; the caller must drop the session (there is no way to
// resynchronize a corrupt length prefix).
func ReadFrame(r io.Reader) (Frame, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return Frame{}, err
	}
	length := binary.BigEndian.Uint32(prefix[:])
	if length > MaxFrameSize {
		return Frame{}, fault.Newf(fault.MalformedFrame, "wire/read", "frame length %d exceeds limit", length)
	}

	encoded := make([]byte, length)
	if _, err := io.ReadFull(r, encoded); err != nil {
		return Frame{}, fmt.Errorf("reading frame body: %w", err)
	}

	var frame Frame
	if err := codec.Unmarshal(encoded, &frame); err != nil {
		return Frame{}, fault.Wrap(fault.MalformedFrame, "wire/read", err)
	}
	if frame.Kind == "" {
		return Frame{}, fault.New(fault.MalformedFrame, "wire/read", "frame missing kind")
	}
	return frame, nil
}

// DecodeBody decodes a frame body into the kind's struct.
func DecodeBody(frame Frame, into any) error {
	if err := codec.Unmarshal(frame.Body, into); err != nil {
		return fault.Wrap(fault.MalformedFrame, "wire/decode", err)
	}
	return nil
}
