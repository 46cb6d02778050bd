// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package mux

import (
	"context"
	"errors"

	"github.com/weftproject/weft/session"
)

// ErrReconnectExhausted is reported through OnStateChange-observed
// Failed state and returned by calls made while Failed persists; the
// domain stays Failed until an explicit Retry.
var ErrReconnectExhausted = errors.New("mux: reconnect attempts exhausted")

// supervise watches the current session and re-establishes it on
// failure. It runs for the client's whole life.
func (c *Client) supervise(ctx context.Context) {
	for {
		c.mu.Lock()
		currentSession := c.session
		c.mu.Unlock()

		select {
		case <-currentSession.Done():
		case <-c.closed:
			return
		}
		select {
		case <-c.closed:
			return
		default:
		}

		c.logger.Warn("session lost, reconnecting", "cause", currentSession.Err())
		c.setState(StateReconnecting)

		for {
			err := c.reconnect(ctx)
			if err == nil {
				break
			}
			if errors.Is(err, context.Canceled) {
				return
			}
			c.logger.Error("reconnect exhausted, domain failed",
				"attempts", c.config.MaxAttempts)
			c.setState(StateFailed)

			select {
			case <-c.retryChannel:
				c.setState(StateReconnecting)
			case <-c.closed:
				return
			}
		}
	}
}

// reconnect runs one bounded sequence of backoff-spaced attempts. On
// success the new session is installed and the client resynchronized.
func (c *Client) reconnect(ctx context.Context) error {
	backoff := c.config.InitialBackoff

	for attempt := 1; attempt <= c.config.MaxAttempts; attempt++ {
		select {
		case <-c.clock.After(backoff):
		case <-c.closed:
			return context.Canceled
		}

		newSession, err := c.dialSession(ctx)
		if err != nil {
			c.logger.Warn("reconnect attempt failed",
				"attempt", attempt, "backoff", backoff, "error", err)
			if backoff *= 2; backoff > c.config.MaxBackoff {
				backoff = c.config.MaxBackoff
			}
			// A version mismatch will not heal by retrying.
			if errors.Is(err, session.ErrVersionMismatch) {
				return ErrReconnectExhausted
			}
			continue
		}

		c.install(newSession)
		c.resync()
		c.logger.Info("session re-established", "attempt", attempt)
		return nil
	}
	return ErrReconnectExhausted
}

// resync rebuilds local state from server truth after a reconnect: the
// directory is reconciled against a fresh ListDomains, and every
// resident pane surface is marked fully dirty — dimensions and
// identity survive, content must be re-fetched before display.
func (c *Client) resync() {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.MaxBackoff)
	defer cancel()

	if _, err := c.ListDomains(ctx); err != nil {
		// The fresh session died already; the supervisor loop sees its
		// Done and starts over.
		c.logger.Warn("post-reconnect directory refresh failed", "error", err)
		return
	}
	c.cache.MarkAllDirty()
}
