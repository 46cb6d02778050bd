// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/weftproject/weft/wire"
)

// Inbound is one decoded frame from the stream. Err is non-nil for
// recoverable decode failures (*wire.ProtocolError): the frame was
// structurally intact, its content was not. Fatal framing errors do
// not appear here — they terminate the channel instead.
type Inbound struct {
	Pdu wire.Pdu
	Err error
}

// Transport wraps one already-established duplex byte stream and owns
// all framing state on it. Sends from any number of goroutines are
// serialized; a single background reader decodes frames and delivers
// them on Inbound until the stream fails or closes.
type Transport struct {
	conn   io.ReadWriteCloser
	logger *slog.Logger

	// writeMutex serializes frame writes so concurrent Send calls
	// never interleave mid-frame.
	writeMutex sync.Mutex

	inbound chan Inbound
	done    chan struct{}

	failOnce sync.Once
	failure  error
}

// NewTransport starts the background reader on conn and returns the
// transport. The caller hands over ownership of conn: it is closed
// when the transport fails or Close is called.
func NewTransport(conn io.ReadWriteCloser, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	transport := &Transport{
		conn:    conn,
		logger:  logger,
		inbound: make(chan Inbound),
		done:    make(chan struct{}),
	}
	go transport.readLoop()
	return transport
}

// Send encodes and writes one Pdu. It blocks until the frame is fully
// written or the stream fails. A write error fails the transport.
func (t *Transport) Send(pdu wire.Pdu) error {
	payload, err := wire.EncodePdu(pdu)
	if err != nil {
		// Encoding failure is the caller's problem, not the stream's.
		return err
	}

	t.writeMutex.Lock()
	defer t.writeMutex.Unlock()

	select {
	case <-t.done:
		if errors.Is(t.failure, ErrDisconnected) {
			return t.failure
		}
		return fmt.Errorf("%w: %w", ErrDisconnected, t.failure)
	default:
	}

	if err := wire.WriteFrame(t.conn, payload); err != nil {
		t.fail(err)
		return fmt.Errorf("%w: %w", ErrDisconnected, err)
	}
	return nil
}

// Inbound returns the channel of decoded frames. The channel is closed
// when the stream fails or closes; Err then reports why.
func (t *Transport) Inbound() <-chan Inbound { return t.inbound }

// Done is closed when the transport has failed.
func (t *Transport) Done() <-chan struct{} { return t.done }

// Err returns the failure cause after Done is closed. It returns
// io.EOF for a clean peer close and ErrDisconnected for a local Close.
func (t *Transport) Err() error {
	select {
	case <-t.done:
		return t.failure
	default:
		return nil
	}
}

// Close tears down the stream. Idempotent. Pending and subsequent
// operations resolve with ErrDisconnected.
func (t *Transport) Close() error {
	t.fail(ErrDisconnected)
	return nil
}

// fail records the first failure cause, closes the stream, and wakes
// Done. Exactly one cause wins; later calls are no-ops.
func (t *Transport) fail(cause error) {
	t.failOnce.Do(func() {
		t.failure = cause
		close(t.done)
		if err := t.conn.Close(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			t.logger.Debug("transport close", "error", err)
		}
	})
}

// readLoop is the single owner of framing state. It terminates — and
// closes the inbound channel — on the first fatal framing error or
// stream close. Recoverable decode errors are forwarded inline.
func (t *Transport) readLoop() {
	defer close(t.inbound)

	for {
		payload, err := wire.ReadFrame(t.conn)
		if err != nil {
			t.fail(err)
			return
		}

		pdu, err := wire.DecodePdu(payload)
		if err != nil {
			var protocolErr *wire.ProtocolError
			if errors.As(err, &protocolErr) {
				// Content-level failure: surface to the correlator,
				// keep the stream.
				select {
				case t.inbound <- Inbound{Err: err}:
					continue
				case <-t.done:
					return
				}
			}
			// The envelope itself was undecodable. Framing is still
			// trustworthy (the frame had a valid length), so drop the
			// frame and keep reading.
			t.logger.Warn("dropping undecodable frame", "error", err, "bytes", len(payload))
			continue
		}

		select {
		case t.inbound <- Inbound{Pdu: pdu}:
		case <-t.done:
			return
		}
	}
}
