// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package lump

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Digest is the 32-byte BLAKE3 content address of a lump. A digest
// identifies the same bytes for the lifetime of the peer network:
// every peer computes it with the same fixed domain key, so digests
// travel on the wire without renegotiation.
type Digest [32]byte

// DigestSize is the size of a lump digest in bytes.
const DigestSize = 32

// lumpDomainKey is the 32-byte key for BLAKE3 keyed hashing. Domain
// separation ensures lump digests can never collide with hashes
// computed in other contexts. The byte values are the ASCII encoding
// of the domain name, zero-padded to 32 bytes: readable in hex dumps
// without sacrificing any cryptographic property (BLAKE3 keyed mode
// treats the key as an opaque 32-byte value). This is a network-wide
// protocol constant — changing it invalidates every existing digest.
var lumpDomainKey = [32]byte{
	'h', 'e', 'a', 'r', 't', 'h', '.', 'l', 'u', 'm', 'p', 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// DigestBytes computes the lump digest of data.
func DigestBytes(data []byte) Digest {
	// NewKeyed requires exactly 32 bytes, which the fixed key
	// guarantees; the only error it can return is a wrong key length.
	hasher, err := blake3.NewKeyed(lumpDomainKey[:])
	if err != nil {
		panic("lump: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)
	var digest Digest
	copy(digest[:], hasher.Sum(nil))
	return digest
}

// String returns the lowercase hex representation of the digest. This
// is the canonical format used in logs and IPC text interfaces.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// IsZero reports whether the digest is the all-zero value, which no
// real lump can have.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// MarshalText implements encoding.TextMarshaler so digests serialize
// as hex strings in CBOR and JSON.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(text []byte) error {
	parsed, err := ParseDigest(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ParseDigest parses a 64-character lowercase hex string into a
// Digest.
func ParseDigest(hexString string) (Digest, error) {
	var digest Digest
	decoded, err := hex.DecodeString(hexString)
	if err != nil {
		return digest, fmt.Errorf("parsing lump digest: %w", err)
	}
	if len(decoded) != DigestSize {
		return digest, fmt.Errorf("lump digest is %d bytes, want %d", len(decoded), DigestSize)
	}
	copy(digest[:], decoded)
	return digest, nil
}
