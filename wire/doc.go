// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the Weft multiplexer protocol: the Pdu message
// set, its CBOR envelope, and the length-prefixed frame format carried
// over a byte stream.
//
// The package is organized around the two codec layers:
//
//   - pdu.go: the closed set of message kinds and their payload types
//   - envelope.go: Pdu <-> bytes (serial + kind tag + CBOR body)
//   - frame.go: payload bytes <-> stream frames (length prefix + compression)
//   - errors.go: the recoverable/fatal error split between those layers
//
// A frame-level error (bad length prefix, failed decompression) means
// the stream can no longer be trusted and the transport session must
// close it. An envelope-level error (unrecognized kind) is scoped to
// the single message: it is surfaced to the correlated caller when the
// serial names a pending request, otherwise logged and dropped.
package wire
