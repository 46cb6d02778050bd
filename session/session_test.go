// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/weftproject/weft/lib/clock"
	"github.com/weftproject/weft/lib/codec"
	"github.com/weftproject/weft/wire"
)

// testServer speaks the wire protocol over the far end of a net.Pipe.
// It answers the handshake automatically and hands every further
// request to handle. A nil handle leaves requests unanswered.
type testServer struct {
	t      *testing.T
	conn   net.Conn
	handle func(serial uint64, request wire.Payload)

	writeMutex sync.Mutex
}

func newTestServer(t *testing.T, handle func(serial uint64, request wire.Payload)) (*testServer, net.Conn) {
	t.Helper()
	clientEnd, serverEnd := net.Pipe()
	server := &testServer{t: t, conn: serverEnd, handle: handle}
	go server.serve()
	t.Cleanup(func() { serverEnd.Close() })
	return server, clientEnd
}

func (s *testServer) serve() {
	for {
		payload, err := wire.ReadFrame(s.conn)
		if err != nil {
			return
		}
		pdu, err := wire.DecodePdu(payload)
		if err != nil {
			continue
		}
		if _, isHandshake := pdu.Payload.(*wire.Handshake); isHandshake {
			s.respond(pdu.Serial, &wire.HandshakeReply{
				Version:       wire.ProtocolVersion,
				ServerVersion: "weft-server-test",
			})
			continue
		}
		if s.handle != nil {
			s.handle(pdu.Serial, pdu.Payload)
		}
	}
}

// respond sends a response Pdu for the given serial.
func (s *testServer) respond(serial uint64, payload wire.Payload) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	encoded, err := wire.EncodePdu(wire.Pdu{Serial: serial, Payload: payload})
	if err != nil {
		s.t.Errorf("server encode: %v", err)
		return
	}
	if err := wire.WriteFrame(s.conn, encoded); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		s.t.Logf("server write: %v", err)
	}
}

// notify sends an unsolicited push.
func (s *testServer) notify(payload wire.Payload) {
	s.respond(wire.NotificationSerial, payload)
}

func newTestSession(t *testing.T, server *testServer, conn net.Conn) *Session {
	t.Helper()
	s, err := New(context.Background(), conn, Config{
		ClientVersion:     "test",
		KeepaliveInterval: -1,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCallCorrelatesOutOfOrderResponses(t *testing.T) {
	t.Parallel()

	// Hold both requests, then answer in reverse arrival order. Each
	// caller must still get exactly its own response.
	var pendingMutex sync.Mutex
	type held struct {
		serial uint64
		pane   wire.PaneID
	}
	var heldRequests []held
	release := make(chan struct{})

	server, conn := newTestServer(t, nil)
	server.handle = func(serial uint64, request wire.Payload) {
		getLines := request.(*wire.GetLines)
		pendingMutex.Lock()
		heldRequests = append(heldRequests, held{serial: serial, pane: getLines.Pane})
		ready := len(heldRequests) == 2
		pendingMutex.Unlock()
		if ready {
			close(release)
		}
	}

	s := newTestSession(t, server, conn)

	go func() {
		<-release
		pendingMutex.Lock()
		defer pendingMutex.Unlock()
		for i := len(heldRequests) - 1; i >= 0; i-- {
			server.respond(heldRequests[i].serial, &wire.Lines{
				Pane:  heldRequests[i].pane,
				Lines: []wire.Line{{Seqno: uint64(heldRequests[i].pane)}},
			})
		}
	}()

	results := make(chan error, 2)
	for _, paneID := range []wire.PaneID{7, 9} {
		go func(paneID wire.PaneID) {
			reply, err := s.Call(context.Background(), &wire.GetLines{
				Pane: paneID,
				Rows: wire.RowRange{Start: 0, End: 24},
			})
			if err != nil {
				results <- err
				return
			}
			lines := reply.(*wire.Lines)
			if lines.Pane != paneID {
				results <- errors.New("response for wrong pane")
				return
			}
			results <- nil
		}(paneID)
	}

	for i := 0; i < 2; i++ {
		if err := <-results; err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
}

func TestCallServerErrorIsScoped(t *testing.T) {
	t.Parallel()

	server, conn := newTestServer(t, nil)
	server.handle = func(serial uint64, request wire.Payload) {
		switch request.(type) {
		case *wire.ClosePane:
			server.respond(serial, &wire.ErrorReply{
				Code:    wire.ErrCodeUnknownPane,
				Message: "pane 99 does not exist",
			})
		default:
			server.respond(serial, &wire.UnitReply{})
		}
	}

	s := newTestSession(t, server, conn)

	_, err := s.Call(context.Background(), &wire.ClosePane{Pane: 99})
	var serverErr *ServerError
	if !errors.As(err, &serverErr) {
		t.Fatalf("error type: got %T (%v), want *ServerError", err, err)
	}
	if serverErr.Code != wire.ErrCodeUnknownPane {
		t.Errorf("code: got %q, want %q", serverErr.Code, wire.ErrCodeUnknownPane)
	}

	// The session survives a per-request server error.
	if _, err := s.Call(context.Background(), &wire.ResizePane{Pane: 1, Rows: 40, Cols: 120}); err != nil {
		t.Fatalf("call after server error: %v", err)
	}
}

func TestTransportFailureResolvesAllPending(t *testing.T) {
	t.Parallel()

	requestArrived := make(chan struct{}, 8)
	server, conn := newTestServer(t, func(uint64, wire.Payload) {
		requestArrived <- struct{}{}
	})

	s := newTestSession(t, server, conn)

	const callers = 5
	results := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			_, err := s.Call(context.Background(), &wire.ListDomains{})
			results <- err
		}()
	}
	for i := 0; i < callers; i++ {
		<-requestArrived
	}

	server.conn.Close()

	for i := 0; i < callers; i++ {
		select {
		case err := <-results:
			if !errors.Is(err, ErrDisconnected) {
				t.Errorf("caller %d: got %v, want ErrDisconnected", i, err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("caller left suspended after transport failure")
		}
	}

	// New calls fail immediately.
	if _, err := s.Call(context.Background(), &wire.ListDomains{}); !errors.Is(err, ErrDisconnected) {
		t.Errorf("call on failed session: got %v, want ErrDisconnected", err)
	}

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Done not closed after transport failure")
	}
}

func TestCallTimeoutForgetsSerialAndSurvivesLateResponse(t *testing.T) {
	t.Parallel()

	var capturedSerial uint64
	captured := make(chan struct{})
	server, conn := newTestServer(t, nil)
	server.handle = func(serial uint64, request wire.Payload) {
		if _, isPing := request.(*wire.Ping); isPing {
			server.respond(serial, &wire.Pong{})
			return
		}
		capturedSerial = serial
		close(captured)
		// Deliberately no response.
	}

	s := newTestSession(t, server, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.Call(ctx, &wire.ListDomains{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want context.DeadlineExceeded", err)
	}

	// A late response for the timed-out serial is discarded, not
	// misdelivered and not fatal.
	<-captured
	server.respond(capturedSerial, &wire.DomainList{})

	if _, err := s.Call(context.Background(), &wire.Ping{}); err != nil {
		t.Fatalf("call after late response: %v", err)
	}
}

func TestNotificationsDispatchInReceiptOrder(t *testing.T) {
	t.Parallel()

	server, conn := newTestServer(t, func(serial uint64, request wire.Payload) {})
	s := newTestSession(t, server, conn)

	var orderMutex sync.Mutex
	var received []uint64
	sawThree := make(chan struct{})
	s.Subscribe(wire.KindLinesChanged, func(payload wire.Payload) {
		changed := payload.(*wire.LinesChanged)
		orderMutex.Lock()
		received = append(received, changed.Seqno)
		if len(received) == 3 {
			close(sawThree)
		}
		orderMutex.Unlock()
	})

	for seqno := uint64(1); seqno <= 3; seqno++ {
		server.notify(&wire.LinesChanged{Pane: 1, Rows: wire.RowRange{Start: 0, End: 1}, Seqno: seqno})
	}

	select {
	case <-sawThree:
	case <-time.After(5 * time.Second):
		t.Fatal("notifications not delivered")
	}

	orderMutex.Lock()
	defer orderMutex.Unlock()
	for i, seqno := range received {
		if seqno != uint64(i+1) {
			t.Fatalf("receipt order violated: got %v", received)
		}
	}
}

func TestNotificationWithoutListenerIsDropped(t *testing.T) {
	t.Parallel()

	server, conn := newTestServer(t, nil)
	server.handle = func(serial uint64, request wire.Payload) {
		server.respond(serial, &wire.Pong{})
	}
	s := newTestSession(t, server, conn)

	server.notify(&wire.TitleChanged{Pane: 1, Title: "unwatched"})

	// The session keeps working after the unhandled push.
	if _, err := s.Call(context.Background(), &wire.Ping{}); err != nil {
		t.Fatalf("call after unhandled notification: %v", err)
	}
}

func TestUnknownKindFailsOnlyTheCorrelatedCall(t *testing.T) {
	t.Parallel()

	server, conn := newTestServer(t, nil)
	server.handle = func(serial uint64, request wire.Payload) {
		switch request.(type) {
		case *wire.ListDomains:
			// Answer with a kind this client does not know.
			raw, err := codec.Marshal(map[string]any{
				"serial": serial,
				"kind":   0x3E,
			})
			if err != nil {
				server.t.Errorf("marshal: %v", err)
				return
			}
			server.writeMutex.Lock()
			wire.WriteFrame(server.conn, raw)
			server.writeMutex.Unlock()
		default:
			server.respond(serial, &wire.Pong{})
		}
	}

	s := newTestSession(t, server, conn)

	_, err := s.Call(context.Background(), &wire.ListDomains{})
	var protocolErr *wire.ProtocolError
	if !errors.As(err, &protocolErr) {
		t.Fatalf("error type: got %T (%v), want *wire.ProtocolError", err, err)
	}

	// Not fatal to the session.
	if _, err := s.Call(context.Background(), &wire.Ping{}); err != nil {
		t.Fatalf("call after protocol error: %v", err)
	}
}

func TestHandshakeVersionMismatch(t *testing.T) {
	t.Parallel()

	clientEnd, serverEnd := net.Pipe()
	t.Cleanup(func() { serverEnd.Close() })
	go func() {
		payload, err := wire.ReadFrame(serverEnd)
		if err != nil {
			return
		}
		pdu, err := wire.DecodePdu(payload)
		if err != nil {
			return
		}
		encoded, _ := wire.EncodePdu(wire.Pdu{Serial: pdu.Serial, Payload: &wire.HandshakeReply{
			Version: wire.ProtocolVersion + 1,
		}})
		wire.WriteFrame(serverEnd, encoded)
	}()

	_, err := New(context.Background(), clientEnd, Config{KeepaliveInterval: -1})
	if !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("got %v, want ErrVersionMismatch", err)
	}
}

func TestKeepalivePingOnIdleAndFailOnSilence(t *testing.T) {
	t.Parallel()

	fakeClock := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	pingArrived := make(chan struct{})
	server, conn := newTestServer(t, nil)
	server.handle = func(serial uint64, request wire.Payload) {
		if _, isPing := request.(*wire.Ping); isPing {
			close(pingArrived)
			// Never answer: the keepalive timeout must fail the
			// transport.
		}
	}

	s, err := New(context.Background(), conn, Config{
		Clock:             fakeClock,
		KeepaliveInterval: 30 * time.Second,
		KeepaliveTimeout:  10 * time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	// The keepalive ticker is the only pending waiter.
	fakeClock.WaitForTimers(1)
	fakeClock.Advance(30 * time.Second)

	select {
	case <-pingArrived:
	case <-time.After(5 * time.Second):
		t.Fatal("no ping after idle interval")
	}

	// Ticker (rescheduled) + keepalive timeout timer.
	fakeClock.WaitForTimers(2)
	fakeClock.Advance(10 * time.Second)

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session not failed after unanswered ping")
	}
}
