// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/weftproject/weft/lib/clock"
	"github.com/weftproject/weft/wire"
)

// Config holds configuration for creating a Session.
type Config struct {
	// Logger is used for structured logging. If nil, slog.Default()
	// is used.
	Logger *slog.Logger

	// Clock is the time source for keepalive. If nil, clock.Real()
	// is used.
	Clock clock.Clock

	// ClientVersion is the build version string sent in the
	// handshake.
	ClientVersion string

	// HandshakeTimeout bounds the version negotiation round-trip.
	// Zero means 10 seconds.
	HandshakeTimeout time.Duration

	// KeepaliveInterval is how long the link may sit idle before the
	// session issues a Ping. Zero means 30 seconds; negative disables
	// keepalive.
	KeepaliveInterval time.Duration

	// KeepaliveTimeout is how long a Ping may go unanswered before
	// the session declares the transport dead. Zero means 10 seconds.
	KeepaliveTimeout time.Duration
}

const (
	defaultHandshakeTimeout  = 10 * time.Second
	defaultKeepaliveInterval = 30 * time.Second
	defaultKeepaliveTimeout  = 10 * time.Second
)

// NotificationHandler receives one unsolicited server push. Handlers
// run on the session's dispatch goroutine in frame receipt order; a
// slow handler delays every later frame, so handlers must not block.
type NotificationHandler func(wire.Payload)

// Session is the request/response correlator for one transport
// session. Any number of goroutines may Call concurrently; each gets
// exactly the response whose serial matches its own request.
type Session struct {
	transport *Transport
	logger    *slog.Logger
	clock     clock.Clock
	config    Config

	// clientID identifies this session in server logs. Generated
	// fresh per session.
	clientID string

	mu          sync.Mutex
	nextSerial  uint64
	pending     map[uint64]chan callResult
	listeners   map[wire.Kind][]NotificationHandler
	lastInbound time.Time

	serverVersion string

	done      chan struct{}
	closeOnce sync.Once
}

// callResult resolves one pending request: a payload, or the error
// that ended it.
type callResult struct {
	payload wire.Payload
	err     error
}

// New builds a Session over an established stream, performs the
// version handshake, and starts keepalive. On any handshake failure
// the stream is closed and an error returned; a server speaking a
// different protocol version yields ErrVersionMismatch.
func New(ctx context.Context, conn io.ReadWriteCloser, config Config) (*Session, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeSource := config.Clock
	if timeSource == nil {
		timeSource = clock.Real()
	}
	if config.HandshakeTimeout == 0 {
		config.HandshakeTimeout = defaultHandshakeTimeout
	}
	if config.KeepaliveInterval == 0 {
		config.KeepaliveInterval = defaultKeepaliveInterval
	}
	if config.KeepaliveTimeout == 0 {
		config.KeepaliveTimeout = defaultKeepaliveTimeout
	}

	s := &Session{
		transport: NewTransport(conn, logger),
		logger:    logger,
		clock:     timeSource,
		config:    config,
		clientID:  uuid.NewString(),
		pending:   make(map[uint64]chan callResult),
		listeners: make(map[wire.Kind][]NotificationHandler),
		done:      make(chan struct{}),
	}
	s.lastInbound = timeSource.Now()
	go s.dispatchLoop()

	if err := s.handshake(ctx); err != nil {
		s.Close()
		return nil, err
	}

	if config.KeepaliveInterval > 0 {
		go s.keepaliveLoop()
	}
	return s, nil
}

// handshake performs the mandatory version negotiation before any
// other traffic.
func (s *Session) handshake(ctx context.Context) error {
	handshakeCtx, cancel := context.WithTimeout(ctx, s.config.HandshakeTimeout)
	defer cancel()

	reply, err := s.Call(handshakeCtx, &wire.Handshake{
		Version:       wire.ProtocolVersion,
		ClientID:      s.clientID,
		ClientVersion: s.config.ClientVersion,
	})
	if err != nil {
		return fmt.Errorf("session: handshake: %w", err)
	}

	confirmed, ok := reply.(*wire.HandshakeReply)
	if !ok {
		return fmt.Errorf("session: handshake: unexpected reply %s", reply.Kind())
	}
	if confirmed.Version != wire.ProtocolVersion {
		return fmt.Errorf("%w: client speaks %d, server speaks %d",
			ErrVersionMismatch, wire.ProtocolVersion, confirmed.Version)
	}

	s.mu.Lock()
	s.serverVersion = confirmed.ServerVersion
	s.mu.Unlock()

	s.logger.Debug("session established",
		"client_id", s.clientID,
		"server_version", confirmed.ServerVersion,
		"protocol_version", confirmed.Version,
	)
	return nil
}

// ServerVersion returns the server build string from the handshake.
func (s *Session) ServerVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverVersion
}

// ClientID returns the UUID this session identified itself with.
func (s *Session) ClientID() string { return s.clientID }

// Call sends a request and blocks until its response arrives, the
// transport fails (ErrDisconnected), or ctx is done. An ErrorReply
// response is converted to *ServerError. After a ctx-driven return the
// serial is forgotten; a late response for it is logged and dropped.
func (s *Session) Call(ctx context.Context, request wire.Payload) (wire.Payload, error) {
	s.mu.Lock()
	select {
	case <-s.transport.Done():
		s.mu.Unlock()
		return nil, ErrDisconnected
	default:
	}
	s.nextSerial++
	serial := s.nextSerial
	resultChannel := make(chan callResult, 1)
	s.pending[serial] = resultChannel
	s.mu.Unlock()

	if err := s.transport.Send(wire.Pdu{Serial: serial, Payload: request}); err != nil {
		s.forget(serial)
		return nil, err
	}

	select {
	case result := <-resultChannel:
		if result.err != nil {
			return nil, result.err
		}
		if errorReply, isError := result.payload.(*wire.ErrorReply); isError {
			return nil, &ServerError{Code: errorReply.Code, Message: errorReply.Message}
		}
		return result.payload, nil

	case <-ctx.Done():
		s.forget(serial)
		return nil, fmt.Errorf("session: %s request: %w", request.Kind(), ctx.Err())
	}
}

// forget drops a pending serial, if still registered.
func (s *Session) forget(serial uint64) {
	s.mu.Lock()
	delete(s.pending, serial)
	s.mu.Unlock()
}

// Subscribe registers a handler for one notification kind. Multiple
// handlers per kind run in registration order. A notification kind
// with no handler is dropped silently.
func (s *Session) Subscribe(kind wire.Kind, handler func(wire.Payload)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners[kind] = append(s.listeners[kind], handler)
}

// Done is closed when the session's transport has failed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the transport failure cause after Done is closed.
func (s *Session) Err() error { return s.transport.Err() }

// Close tears down the session and its stream. Every pending Call
// resolves with ErrDisconnected. Idempotent.
func (s *Session) Close() error {
	return s.transport.Close()
}

// dispatchLoop is the single consumer of the transport's inbound
// channel. It resolves pending requests by serial, dispatches
// notifications in receipt order, and on transport failure resolves
// every remaining pending request with ErrDisconnected exactly once.
func (s *Session) dispatchLoop() {
	for inbound := range s.transport.Inbound() {
		s.mu.Lock()
		s.lastInbound = s.clock.Now()
		s.mu.Unlock()

		if inbound.Err != nil {
			s.dispatchProtocolError(inbound.Err)
			continue
		}

		pdu := inbound.Pdu
		if pdu.Serial == wire.NotificationSerial {
			s.dispatchNotification(pdu.Payload)
			continue
		}
		s.resolve(pdu.Serial, callResult{payload: pdu.Payload})
	}

	// Transport is gone. Fail everything still waiting, then wake
	// Done observers.
	s.mu.Lock()
	abandoned := s.pending
	s.pending = make(map[uint64]chan callResult)
	s.mu.Unlock()

	for _, resultChannel := range abandoned {
		resultChannel <- callResult{err: ErrDisconnected}
	}
	s.closeOnce.Do(func() { close(s.done) })
}

// dispatchProtocolError routes a recoverable decode failure to the
// pending request it names, or logs and drops it.
func (s *Session) dispatchProtocolError(err error) {
	serial := uint64(0)
	if protocolErr, ok := err.(*wire.ProtocolError); ok { //nolint:errorlint // produced directly by DecodePdu
		serial = protocolErr.Serial
	}
	if serial == wire.NotificationSerial {
		s.logger.Warn("dropping malformed notification", "error", err)
		return
	}
	s.resolve(serial, callResult{err: err})
}

// resolve completes one pending request. A serial with no pending
// entry (timed out, or abandoned) is logged and dropped.
func (s *Session) resolve(serial uint64, result callResult) {
	s.mu.Lock()
	resultChannel, waiting := s.pending[serial]
	delete(s.pending, serial)
	s.mu.Unlock()

	if !waiting {
		s.logger.Debug("dropping response for unknown serial", "serial", serial)
		return
	}
	resultChannel <- result
}

// dispatchNotification runs the registered handlers for a push, in
// registration order, on this goroutine — receipt order is the
// ordering guarantee handlers rely on.
func (s *Session) dispatchNotification(payload wire.Payload) {
	s.mu.Lock()
	handlers := append([]NotificationHandler(nil), s.listeners[payload.Kind()]...)
	s.mu.Unlock()

	for _, handler := range handlers {
		handler(payload)
	}
}

// keepaliveLoop pings the server whenever the link has been idle for a
// full interval. A Ping that goes unanswered past the timeout fails
// the transport so the reconnection supervisor notices stalls that
// TCP would let sit forever.
func (s *Session) keepaliveLoop() {
	ticker := s.clock.NewTicker(s.config.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		idle := s.clock.Now().Sub(s.lastInbound)
		s.mu.Unlock()
		if idle < s.config.KeepaliveInterval {
			continue
		}

		pongChannel := make(chan error, 1)
		go func() {
			_, err := s.Call(context.Background(), &wire.Ping{})
			pongChannel <- err
		}()

		select {
		case err := <-pongChannel:
			if err != nil {
				return // transport already failing; supervisor takes over
			}
		case <-s.clock.After(s.config.KeepaliveTimeout):
			s.logger.Warn("keepalive ping unanswered, failing transport",
				"timeout", s.config.KeepaliveTimeout)
			s.transport.Close()
			return
		case <-s.done:
			return
		}
	}
}
