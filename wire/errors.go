// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import "fmt"

// ProtocolError reports a structurally-readable frame whose content
// could not be understood: an unrecognized kind or an undecodable body.
// It is recoverable — the stream's framing is intact, so the session
// keeps running. When Serial names a pending request the error is
// delivered to that caller; otherwise it is logged and the frame
// dropped.
//
// Callers extract it with errors.As:
//
//	var protocolErr *wire.ProtocolError
//	if errors.As(err, &protocolErr) { ... }
type ProtocolError struct {
	// Serial is the correlation serial from the envelope, zero for
	// notifications.
	Serial uint64

	// Kind is the raw kind tag from the envelope.
	Kind Kind

	// Message describes what failed to decode.
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("wire: protocol error (serial %d, kind %s): %s", e.Serial, e.Kind, e.Message)
}
