// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"io"
	"net"
)

// Dialer opens the byte stream a mux session runs over. The stream
// must be ordered, reliable, and duplex; authentication and encryption
// are the dialer's responsibility, the session consumes the finished
// stream.
type Dialer interface {
	// DialContext connects to the multiplexer server at the given
	// transport address. The address format is transport-specific
	// ("host:port" for TCP, a filesystem path for Unix sockets).
	DialContext(ctx context.Context, address string) (net.Conn, error)
}

// Bind fixes a dialer to one address, yielding the dial function a
// mux client is configured with.
func Bind(dialer Dialer, address string) func(ctx context.Context) (io.ReadWriteCloser, error) {
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		return dialer.DialContext(ctx, address)
	}
}
