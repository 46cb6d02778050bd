// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package mux

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/weftproject/weft/session"
	"github.com/weftproject/weft/wire"
)

// testServer speaks the wire protocol over the far end of a net.Pipe.
// It answers the handshake automatically; everything else goes to
// handle.
type testServer struct {
	t      *testing.T
	conn   net.Conn
	handle func(server *testServer, serial uint64, request wire.Payload)

	writeMutex sync.Mutex
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
		switch pdu.Payload.(type) {
		case *wire.Handshake:
			s.respond(pdu.Serial, &wire.HandshakeReply{
				Version:       wire.ProtocolVersion,
				ServerVersion: "weft-server-test",
			})
		case *wire.Ping:
			s.respond(pdu.Serial, &wire.Pong{})
		default:
			if s.handle != nil {
				s.handle(s, pdu.Serial, pdu.Payload)
			}
		}
	}
}

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

func (s *testServer) notify(payload wire.Payload) {
	s.respond(wire.NotificationSerial, payload)
}

// testDialer fabricates one testServer per successful dial and can be
// told to refuse the next N dials.
type testDialer struct {
	t      *testing.T
	handle func(server *testServer, serial uint64, request wire.Payload)

	mu       sync.Mutex
	refuse   int
	dials    int
	sessions []*testServer
}

func (d *testDialer) dial(_ context.Context) (io.ReadWriteCloser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials++
	if d.refuse > 0 {
		d.refuse--
		return nil, errors.New("connection refused")
	}

	clientEnd, serverEnd := net.Pipe()
	server := &testServer{t: d.t, conn: serverEnd, handle: d.handle}
	d.sessions = append(d.sessions, server)
	go server.serve()
	d.t.Cleanup(func() { serverEnd.Close() })
	return clientEnd, nil
}

func (d *testDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *testDialer) currentServer() *testServer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions[len(d.sessions)-1]
}

func (d *testDialer) refuseNext(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.refuse = n
}

// answerTree is a handle function serving a fixed one-pane tree and
// unit-replying to everything structural.
func answerTree(server *testServer, serial uint64, request wire.Payload) {
	switch request := request.(type) {
	case *wire.ListDomains:
		server.respond(serial, sampleTree())
	case *wire.GetLines:
		lines := make([]wire.Line, request.Rows.Len())
		for index := range lines {
			lines[index] = wire.Line{Seqno: 1}
		}
		server.respond(serial, &wire.Lines{Pane: request.Pane, Start: request.Rows.Start, Lines: lines})
	case *wire.SpawnPane:
		server.respond(serial, &wire.PaneSpawned{Domain: 1, Window: 10, Tab: 100, Pane: 1002, Rows: 24, Cols: 80})
	default:
		server.respond(serial, &wire.UnitReply{})
	}
}

func newTestClient(t *testing.T, dialer *testDialer) *Client {
	t.Helper()
	client, err := New(context.Background(), Config{
		Dial:           dialer.dial,
		ClientVersion:  "test",
		InitialBackoff: time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
		MaxAttempts:    5,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func waitForState(t *testing.T, client *Client, want ConnectionState) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for client.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("state = %v, want %v", client.State(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestClientOperations(t *testing.T) {
	t.Parallel()

	dialer := &testDialer{t: t, handle: answerTree}
	client := newTestClient(t, dialer)

	snapshot := client.Snapshot()
	if len(snapshot) != 1 || len(snapshot[0].Windows[0].Tabs[0].Panes) != 2 {
		t.Fatalf("initial snapshot = %+v", snapshot)
	}

	lines, err := client.GetLines(context.Background(), 1000, wire.RowRange{Start: 0, End: 24})
	if err != nil {
		t.Fatalf("GetLines: %v", err)
	}
	if len(lines) != 24 {
		t.Fatalf("got %d lines, want 24", len(lines))
	}

	pane, err := client.Spawn(context.Background(), 1, []string{"htop"}, 24, 80)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if pane != 1002 {
		t.Fatalf("spawned pane = %d, want the authoritative id 1002", pane)
	}
	if _, known := client.directory.Pane(1002); !known {
		t.Fatal("spawned pane missing from directory")
	}

	if err := client.Resize(context.Background(), 1000, 40, 120); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	record, _ := client.directory.Pane(1000)
	if record.Rows != 40 || record.Cols != 120 {
		t.Fatalf("pane size = %dx%d after resize, want 40x120", record.Rows, record.Cols)
	}

	if err := client.WriteInput(context.Background(), 1000, []byte("ls\n")); err != nil {
		t.Fatalf("WriteInput: %v", err)
	}
	if err := client.SetTitle(context.Background(), 1000, "work"); err != nil {
		t.Fatalf("SetTitle: %v", err)
	}
	if record, _ := client.directory.Pane(1000); record.Title != "work" {
		t.Fatalf("title = %q, want %q", record.Title, "work")
	}
}

func TestReconnectAfterFailuresAndResync(t *testing.T) {
	t.Parallel()

	dialer := &testDialer{t: t, handle: answerTree}
	client := newTestClient(t, dialer)

	// Warm the cache so the resync invalidation is observable.
	if _, err := client.GetLines(context.Background(), 1000, wire.RowRange{Start: 0, End: 4}); err != nil {
		t.Fatalf("GetLines: %v", err)
	}
	var fetches atomic.Int64
	dialer.mu.Lock()
	dialer.handle = func(server *testServer, serial uint64, request wire.Payload) {
		if _, isGet := request.(*wire.GetLines); isGet {
			fetches.Add(1)
		}
		answerTree(server, serial, request)
	}
	dialer.mu.Unlock()

	dialer.refuseNext(2)
	dialer.currentServer().conn.Close()

	// Wait until the supervisor has dialed through both refusals and
	// reconnected: initial dial + 2 refused + 1 success.
	deadline := time.Now().Add(5 * time.Second)
	for dialer.dialCount() < 4 || client.State() != StateConnected {
		if time.Now().After(deadline) {
			t.Fatalf("never reconnected: dials=%d state=%v", dialer.dialCount(), client.State())
		}
		time.Sleep(time.Millisecond)
	}

	// Resync marks every resident pane fully dirty: the read that was
	// a cache hit before the failure refetches once the resync lands.
	for fetches.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("cache kept serving pre-reconnect content; expected a refetch")
		}
		// Calls may still race the resync; tolerate transient errors.
		client.GetLines(context.Background(), 1000, wire.RowRange{Start: 0, End: 4})
		time.Sleep(time.Millisecond)
	}
}

func TestReconnectExhaustedIsTerminalUntilRetry(t *testing.T) {
	t.Parallel()

	var states []ConnectionState
	var statesMutex sync.Mutex
	dialer := &testDialer{t: t, handle: answerTree}
	client, err := New(context.Background(), Config{
		Dial:           dialer.dial,
		ClientVersion:  "test",
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		MaxAttempts:    2,
		OnStateChange: func(state ConnectionState) {
			statesMutex.Lock()
			states = append(states, state)
			statesMutex.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	dialer.refuseNext(1000)
	dialer.currentServer().conn.Close()
	waitForState(t, client, StateFailed)

	// Failed is terminal: no further dials happen on their own.
	dialsAtFailure := dialer.dialCount()
	time.Sleep(20 * time.Millisecond)
	if dialer.dialCount() != dialsAtFailure {
		t.Fatal("client kept dialing in Failed state")
	}

	// Calls fail fast while Failed.
	if _, err := client.ListDomains(context.Background()); !errors.Is(err, session.ErrDisconnected) {
		t.Fatalf("call while failed: got %v, want ErrDisconnected", err)
	}

	dialer.refuseNext(0)
	client.Retry()
	waitForState(t, client, StateConnected)

	statesMutex.Lock()
	defer statesMutex.Unlock()
	sawFailed := false
	for _, state := range states {
		if state == StateFailed {
			sawFailed = true
		}
	}
	if !sawFailed {
		t.Fatalf("state transitions %v never reported Failed", states)
	}
}

func TestPollChangesInvalidatesAndNotifies(t *testing.T) {
	t.Parallel()

	polled := make(chan *wire.GetPaneChanges, 4)
	dialer := &testDialer{t: t}
	dialer.handle = func(server *testServer, serial uint64, request wire.Payload) {
		switch request := request.(type) {
		case *wire.GetPaneChanges:
			polled <- request
			server.respond(serial, &wire.PaneChanges{
				Pane:    request.Pane,
				Seqno:   7,
				Changed: []wire.RowRange{{Start: 2, End: 5}},
			})
		default:
			answerTree(server, serial, request)
		}
	}
	client := newTestClient(t, dialer)

	changed := make(chan struct{}, 4)
	client.SubscribeChanges(1000, func() { changed <- struct{}{} })

	// Warm rows 0..8 so the poll's invalidation is visible as a
	// partial refetch.
	if _, err := client.GetLines(context.Background(), 1000, wire.RowRange{Start: 0, End: 8}); err != nil {
		t.Fatalf("GetLines: %v", err)
	}

	client.PollChanges(1000)

	select {
	case request := <-polled:
		if request.Pane != 1000 || request.Since != 0 {
			t.Fatalf("poll request = %+v", request)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("poll never reached the server")
	}
	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("change subscriber not notified")
	}

	// The next poll's baseline is the reported seqno.
	client.PollChanges(1000)
	select {
	case request := <-polled:
		if request.Since != 7 {
			t.Fatalf("second poll Since = %d, want 7", request.Since)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("second poll never reached the server")
	}
}

func TestDomainConnectivityMergesServerAndLocalState(t *testing.T) {
	t.Parallel()

	dialer := &testDialer{t: t, handle: answerTree}
	client := newTestClient(t, dialer)

	dialer.currentServer().notify(&wire.DomainStateChanged{Domain: 1, State: "degraded"})

	deadline := time.Now().Add(5 * time.Second)
	for {
		snapshot := client.Snapshot()
		if len(snapshot) == 1 && snapshot[0].Connectivity == "degraded" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("snapshot never picked up the server-reported state: %+v", snapshot)
		}
		time.Sleep(time.Millisecond)
	}

	// Once the client's own link is down the local state wins: every
	// domain is unreachable regardless of what the server last reported.
	dialer.refuseNext(1000)
	dialer.currentServer().conn.Close()
	waitForState(t, client, StateFailed)

	if got := client.Snapshot()[0].Connectivity; got != StateFailed.String() {
		t.Fatalf("connectivity while failed = %q, want %q", got, StateFailed.String())
	}
}

func TestServerPushesKeepDirectoryCurrent(t *testing.T) {
	t.Parallel()

	dialer := &testDialer{t: t, handle: answerTree}
	client := newTestClient(t, dialer)
	server := dialer.currentServer()

	server.notify(&wire.PaneAdded{Tab: 100, Pane: wire.PaneSummary{ID: 1003, Title: "new", Rows: 24, Cols: 80}})
	server.notify(&wire.TitleChanged{Window: 10, Title: "renamed"})
	server.notify(&wire.PaneRemoved{Pane: 1001})

	deadline := time.Now().Add(5 * time.Second)
	for {
		snapshot := client.Snapshot()
		panes := snapshot[0].Windows[0].Tabs[0].Panes
		if len(panes) == 2 && panes[1].ID == 1003 && snapshot[0].Windows[0].Title == "renamed" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("directory never converged: %+v", snapshot)
		}
		time.Sleep(time.Millisecond)
	}
}
