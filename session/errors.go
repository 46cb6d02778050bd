// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"fmt"
)

// ErrDisconnected is the resolution of every request that was in
// flight when the transport failed, and of any Call attempted on a
// failed session. The transport-level cause is available from
// Session.Err.
var ErrDisconnected = errors.New("session: transport disconnected")

// ErrVersionMismatch reports a handshake where the server speaks a
// different protocol version. The session is unusable; there is no
// point reconnecting to the same server without upgrading.
var ErrVersionMismatch = errors.New("session: protocol version mismatch")

// ServerError is an explicit error response from the server for one
// specific request. It is never fatal to the session. Callers extract
// it with errors.As:
//
//	var serverErr *session.ServerError
//	if errors.As(err, &serverErr) {
//	    if serverErr.Code == wire.ErrCodeUnknownPane { ... }
//	}
type ServerError struct {
	// Code is the protocol error code (e.g., "UNKNOWN_PANE").
	Code string

	// Message is the human-readable description from the server.
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("session: server error %s: %s", e.Code, e.Message)
}

// IsServerError checks whether err is a *ServerError with the given
// code.
func IsServerError(err error, code string) bool {
	var serverErr *ServerError
	if errors.As(err, &serverErr) {
		return serverErr.Code == code
	}
	return false
}
