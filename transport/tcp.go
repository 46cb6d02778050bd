// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"net"
	"time"
)

// Compile-time interface checks.
var (
	_ Dialer = (*TCPDialer)(nil)
	_ Dialer = (*UnixDialer)(nil)
)

// TCPDialer connects to a multiplexer server over TCP. This is the
// remote transport; it assumes the connection is protected externally
// (an SSH tunnel or TLS wrapper).
type TCPDialer struct {
	// Timeout is the maximum time to wait for the connection to be
	// established. Zero means no standalone timeout — only the context
	// deadline applies.
	Timeout time.Duration

	// KeepAlive is the TCP keep-alive probe interval. Zero takes the
	// operating system default; negative disables probes.
	KeepAlive time.Duration
}

// DialContext opens a TCP connection to the given address (host:port).
func (d *TCPDialer) DialContext(ctx context.Context, address string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: d.Timeout, KeepAlive: d.KeepAlive}
	return dialer.DialContext(ctx, "tcp", address)
}

// UnixDialer connects to a multiplexer server over a Unix domain
// socket. This is the local transport: same machine, filesystem
// permissions as the access control.
type UnixDialer struct {
	// Timeout is the maximum time to wait for the connection to be
	// established. Zero means no standalone timeout.
	Timeout time.Duration
}

// DialContext opens a connection to the socket at the given path.
func (d *UnixDialer) DialContext(ctx context.Context, path string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: d.Timeout}
	return dialer.DialContext(ctx, "unix", path)
}
