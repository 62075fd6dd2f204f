// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package lump

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionTag identifies the compression algorithm applied to lump
// bytes on the wire. Tags travel in LumpReply frames (1 byte each).
// These values are protocol constants — changing them breaks wire
// compatibility between peers.
type CompressionTag uint8

const (
	// CompressionNone indicates uncompressed data. Used for
	// already-compressed content (textures, audio, WASM modules built
	// with compression) where another pass adds CPU cost without
	// reducing size.
	CompressionNone CompressionTag = 0

	// CompressionLZ4 indicates LZ4 block compression. Compress and
	// Decompress support it; CompressForWire never chooses it.
	CompressionLZ4 CompressionTag = 1

	// CompressionZstd indicates zstd compression at the default
	// level. Better ratios for text-like lumps (scene descriptions,
	// scripts, JSON).
	CompressionZstd CompressionTag = 2
)

// String returns the human-readable name of a compression tag.
func (tag CompressionTag) String() string {
	switch tag {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", tag)
	}
}

// errIncompressible is returned internally when compression would not
// shrink the data. Callers fall back to CompressionNone.
var errIncompressible = errors.New("lump: data is incompressible")

// zstdEncoder and zstdDecoder are reused across calls to avoid
// repeated initialization overhead. zstd.Encoder and zstd.Decoder
// are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
	)
	if err != nil {
		panic("lump: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("lump: zstd decoder initialization failed: " + err.Error())
	}
}

// CompressForWire compresses lump bytes for a LumpReply, choosing
// zstd when it actually shrinks the payload and falling back to
// CompressionNone otherwise. Returns the (possibly unchanged) bytes
// and the tag describing them.
func CompressForWire(data []byte) ([]byte, CompressionTag) {
	compressed, err := compressZstd(data)
	if err != nil {
		return data, CompressionNone
	}
	return compressed, CompressionZstd
}

// Compress compresses data using the specified algorithm. For
// CompressionNone, returns the input unchanged (no copy). Returns an
// error when the algorithm cannot shrink the data — callers should
// then send CompressionNone instead.
func Compress(data []byte, tag CompressionTag) ([]byte, error) {
	switch tag {
	case CompressionNone:
		return data, nil
	case CompressionLZ4:
		return compressLZ4(data)
	case CompressionZstd:
		return compressZstd(data)
	default:
		return nil, fmt.Errorf("unsupported compression tag: %d", tag)
	}
}

// Decompress decompresses data that was compressed with the specified
// algorithm. The uncompressedSize must match the original data length
// exactly — this is verified and a mismatch returns an error.
func Decompress(compressed []byte, tag CompressionTag, uncompressedSize int) ([]byte, error) {
	switch tag {
	case CompressionNone:
		if len(compressed) != uncompressedSize {
			return nil, fmt.Errorf("uncompressed lump: size %d does not match expected %d",
				len(compressed), uncompressedSize)
		}
		return compressed, nil
	case CompressionLZ4:
		return decompressLZ4(compressed, uncompressedSize)
	case CompressionZstd:
		return decompressZstd(compressed, uncompressedSize)
	default:
		return nil, fmt.Errorf("unsupported compression tag: %d", tag)
	}
}

// LZ4 compression: block-mode LZ4.

func compressLZ4(data []byte) ([]byte, error) {
	bound := lz4.CompressBlockBound(len(data))
	destination := make([]byte, bound)

	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}

	// CompressBlock returns 0 when it determines the data is
	// incompressible. Also reject output that is not actually
	// smaller than the input.
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}

	return destination[:written], nil
}

func decompressLZ4(compressed []byte, uncompressedSize int) ([]byte, error) {
	destination := make([]byte, uncompressedSize)
	read, err := lz4.UncompressBlock(compressed, destination)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if read != uncompressedSize {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, uncompressedSize)
	}
	return destination, nil
}

func compressZstd(data []byte) ([]byte, error) {
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return nil, errIncompressible
	}
	return compressed, nil
}

func decompressZstd(compressed []byte, uncompressedSize int) ([]byte, error) {
	destination := make([]byte, 0, uncompressedSize)
	decompressed, err := zstdDecoder.DecodeAll(compressed, destination)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if len(decompressed) != uncompressedSize {
		return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d",
			len(decompressed), uncompressedSize)
	}
	return decompressed, nil
}
