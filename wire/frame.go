// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Frame format: a 5-byte header (4-byte big-endian stored length +
// 1-byte compression tag) followed by exactly that many stored bytes.
// For compressed tags the stored bytes begin with a 4-byte big-endian
// uncompressed length so the reader can allocate and verify.
//
// Every error returned by ReadFrame is fatal to the stream: once a
// length prefix or compressed payload cannot be trusted, frame
// boundaries are lost and the transport session must close the stream.
const frameHeaderLength = 5

// maxFramePayload caps both the stored and decoded payload size. 16 MB
// is generous: the largest real frames are compressed Lines responses
// for a full scrollback fetch.
const maxFramePayload = 16 * 1024 * 1024

// CompressionTag identifies the compression applied to a frame
// payload. Tags are protocol constants.
type CompressionTag uint8

const (
	// CompressionNone stores the payload bytes as-is.
	CompressionNone CompressionTag = 0

	// CompressionLZ4 stores an LZ4 block. Fast path for mid-size
	// frames where zstd's CPU cost is not worth the extra ratio.
	CompressionLZ4 CompressionTag = 1

	// CompressionZstd stores a zstd blob. Best ratio for bulk line
	// transfers, which are highly repetitive cell data.
	CompressionZstd CompressionTag = 2
)

// Compression size thresholds. Below lz4Threshold the frame ships
// uncompressed (header overhead dominates); between the thresholds LZ4
// is used; at or above zstdThreshold, zstd.
const (
	lz4Threshold  = 512
	zstdThreshold = 8 * 1024
)

// zstdEncoder and zstdDecoder are shared across all sessions. Both are
// safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("wire: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("wire: zstd decoder initialization failed: " + err.Error())
	}
}

// WriteFrame writes one frame carrying payload to w, selecting
// compression by payload size. Incompressible payloads fall back to
// CompressionNone.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > maxFramePayload {
		return fmt.Errorf("wire: frame payload %d bytes exceeds maximum %d", len(payload), maxFramePayload)
	}

	tag := CompressionNone
	stored := payload
	switch {
	case len(payload) >= zstdThreshold:
		if compressed := compressZstd(payload); compressed != nil {
			tag, stored = CompressionZstd, compressed
		}
	case len(payload) >= lz4Threshold:
		if compressed := compressLZ4(payload); compressed != nil {
			tag, stored = CompressionLZ4, compressed
		}
	}

	var header [frameHeaderLength]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(len(stored)))
	header[4] = byte(tag)
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("wire: write frame header: %w", err)
	}
	if len(stored) > 0 {
		if _, err := w.Write(stored); err != nil {
			return fmt.Errorf("wire: write frame payload: %w", err)
		}
	}
	return nil
}

// ReadFrame reads one frame from r and returns the decoded payload.
// Any error is fatal to the stream (see the package comment on frame
// format); io.EOF at a frame boundary is returned unwrapped so callers
// can distinguish clean close from mid-frame truncation.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [frameHeaderLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("wire: read frame header: %w", err)
	}

	storedLength := binary.BigEndian.Uint32(header[0:4])
	if storedLength > maxFramePayload {
		return nil, fmt.Errorf("wire: frame length %d exceeds maximum %d", storedLength, maxFramePayload)
	}
	tag := CompressionTag(header[4])

	stored := make([]byte, storedLength)
	if storedLength > 0 {
		if _, err := io.ReadFull(r, stored); err != nil {
			return nil, fmt.Errorf("wire: read frame payload: %w", err)
		}
	}

	switch tag {
	case CompressionNone:
		return stored, nil
	case CompressionLZ4:
		return decompressLZ4(stored)
	case CompressionZstd:
		return decompressZstd(stored)
	default:
		return nil, fmt.Errorf("wire: unknown compression tag %d", tag)
	}
}

// compressZstd returns the size-prefixed zstd form of payload, or nil
// when compression does not shrink it.
func compressZstd(payload []byte) []byte {
	stored := make([]byte, 4, 4+len(payload)/2)
	binary.BigEndian.PutUint32(stored, uint32(len(payload)))
	stored = zstdEncoder.EncodeAll(payload, stored)
	if len(stored) >= len(payload) {
		return nil
	}
	return stored
}

// compressLZ4 returns the size-prefixed LZ4 block form of payload, or
// nil when the data is incompressible.
func compressLZ4(payload []byte) []byte {
	destination := make([]byte, 4+lz4.CompressBlockBound(len(payload)))
	binary.BigEndian.PutUint32(destination, uint32(len(payload)))
	written, err := lz4.CompressBlock(payload, destination[4:], nil)
	// CompressBlock returns 0 for incompressible data.
	if err != nil || written == 0 || 4+written >= len(payload) {
		return nil
	}
	return destination[:4+written]
}

func decompressZstd(stored []byte) ([]byte, error) {
	uncompressedLength, body, err := splitSizePrefix(stored)
	if err != nil {
		return nil, err
	}
	payload, err := zstdDecoder.DecodeAll(body, make([]byte, 0, uncompressedLength))
	if err != nil {
		return nil, fmt.Errorf("wire: zstd decompress: %w", err)
	}
	if len(payload) != uncompressedLength {
		return nil, fmt.Errorf("wire: zstd decompress: got %d bytes, expected %d", len(payload), uncompressedLength)
	}
	return payload, nil
}

func decompressLZ4(stored []byte) ([]byte, error) {
	uncompressedLength, body, err := splitSizePrefix(stored)
	if err != nil {
		return nil, err
	}
	payload := make([]byte, uncompressedLength)
	read, err := lz4.UncompressBlock(body, payload)
	if err != nil {
		return nil, fmt.Errorf("wire: lz4 decompress: %w", err)
	}
	if read != uncompressedLength {
		return nil, fmt.Errorf("wire: lz4 decompress: got %d bytes, expected %d", read, uncompressedLength)
	}
	return payload, nil
}

// splitSizePrefix validates and strips the 4-byte uncompressed length
// that precedes compressed frame bodies.
func splitSizePrefix(stored []byte) (int, []byte, error) {
	if len(stored) < 4 {
		return 0, nil, fmt.Errorf("wire: compressed frame shorter than size prefix")
	}
	uncompressedLength := binary.BigEndian.Uint32(stored[0:4])
	if uncompressedLength > maxFramePayload {
		return 0, nil, fmt.Errorf("wire: decoded frame length %d exceeds maximum %d", uncompressedLength, maxFramePayload)
	}
	return int(uncompressedLength), stored[4:], nil
}
