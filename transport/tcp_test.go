// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"
)

func TestTCPDialerRoundTrip(t *testing.T) {
	t.Parallel()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	echoOnce(t, listener)

	dialer := &TCPDialer{Timeout: 5 * time.Second}
	conn, err := dialer.DialContext(context.Background(), listener.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	assertEcho(t, conn)
}

func TestUnixDialerRoundTrip(t *testing.T) {
	t.Parallel()

	socketPath := filepath.Join(t.TempDir(), "weft.sock")
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	echoOnce(t, listener)

	dialer := &UnixDialer{Timeout: 5 * time.Second}
	conn, err := dialer.DialContext(context.Background(), socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	assertEcho(t, conn)
}

func TestBindFixesAddress(t *testing.T) {
	t.Parallel()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	echoOnce(t, listener)

	dial := Bind(&TCPDialer{}, listener.Addr().String())
	stream, err := dial(context.Background())
	if err != nil {
		t.Fatalf("bound dial: %v", err)
	}
	defer stream.Close()

	if _, err := stream.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buffer := make([]byte, 4)
	if _, err := stream.Read(buffer); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buffer) != "ping" {
		t.Fatalf("echo = %q, want %q", buffer, "ping")
	}
}

func TestDialFailureReturnsError(t *testing.T) {
	t.Parallel()

	dialer := &UnixDialer{Timeout: time.Second}
	if _, err := dialer.DialContext(context.Background(), filepath.Join(t.TempDir(), "absent.sock")); err == nil {
		t.Fatal("dial to a missing socket succeeded")
	}
}

// echoOnce accepts one connection and echoes everything back.
func echoOnce(t *testing.T, listener net.Listener) {
	t.Helper()
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buffer := make([]byte, 1024)
		for {
			n, err := conn.Read(buffer)
			if err != nil {
				return
			}
			if _, err := conn.Write(buffer[:n]); err != nil {
				return
			}
		}
	}()
}

func assertEcho(t *testing.T, conn net.Conn) {
	t.Helper()
	if _, err := conn.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buffer := make([]byte, 5)
	if _, err := conn.Read(buffer); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buffer) != "hello" {
		t.Fatalf("echo = %q, want %q", buffer, "hello")
	}
}
