// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit bounds per-pane request frequency. A renderer
// repainting at display rate can ask for updates far faster than a
// high-latency link can answer; the limiter turns that firehose into a
// bounded trickle without dropping the most recent request.
package ratelimit

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/weftproject/weft/lib/clock"
	"github.com/weftproject/weft/wire"
)

// Config holds configuration for creating a Limiter.
type Config struct {
	// Logger is used for structured logging. If nil, slog.Default()
	// is used.
	Logger *slog.Logger

	// Clock is the time source for token replenishment and deferral.
	// If nil, clock.Real() is used.
	Clock clock.Clock

	// RequestsPerSecond is the sustained per-pane rate. Zero means 10.
	RequestsPerSecond float64

	// Burst is the token-bucket capacity: how many requests a pane may
	// issue back to back before deferral kicks in. Zero means 4.
	Burst int
}

const (
	defaultRequestsPerSecond = 10
	defaultBurst             = 4
)

// Limiter rate-limits outgoing requests per pane. Each pane has its
// own token bucket; tokens replenish continuously up to the burst cap
// and each scheduled request consumes one.
//
// A request scheduled with no token available is deferred until the
// next token, not dropped — and at most one request is deferred per
// pane: scheduling again while one is waiting replaces the waiting
// function rather than queueing behind it. Only the newest request
// matters for polling, so the stale ones are discarded by design of
// the callers, not replayed.
type Limiter struct {
	logger  *slog.Logger
	clock   clock.Clock
	rate    rate.Limit
	burst   int
	mu      sync.Mutex
	panes   map[wire.PaneID]*paneBucket
	done    chan struct{}
	closing sync.Once
}

// paneBucket is one pane's token bucket plus its single deferral slot.
type paneBucket struct {
	bucket *rate.Limiter

	// deferred is the function waiting for the next token, nil when
	// nothing waits. armed is true while the wakeup timer goroutine
	// for this pane is live.
	deferred func()
	armed    bool
}

// New creates a Limiter.
func New(config Config) *Limiter {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeSource := config.Clock
	if timeSource == nil {
		timeSource = clock.Real()
	}
	perSecond := config.RequestsPerSecond
	if perSecond == 0 {
		perSecond = defaultRequestsPerSecond
	}
	burst := config.Burst
	if burst == 0 {
		burst = defaultBurst
	}
	return &Limiter{
		logger: logger,
		clock:  timeSource,
		rate:   rate.Limit(perSecond),
		burst:  burst,
		panes:  make(map[wire.PaneID]*paneBucket),
		done:   make(chan struct{}),
	}
}

// Schedule runs fn now if the pane has a token, otherwise defers it
// until the next token. If a deferred function is already waiting for
// this pane, fn replaces it — the superseded function never runs.
// fn runs on the caller's goroutine when immediate, on the limiter's
// wakeup goroutine when deferred.
func (l *Limiter) Schedule(pane wire.PaneID, fn func()) {
	l.mu.Lock()
	entry := l.panes[pane]
	if entry == nil {
		entry = &paneBucket{bucket: rate.NewLimiter(l.rate, l.burst)}
		l.panes[pane] = entry
	}

	now := l.clock.Now()
	if entry.deferred == nil && entry.bucket.AllowN(now, 1) {
		l.mu.Unlock()
		fn()
		return
	}

	replaced := entry.deferred != nil
	entry.deferred = fn
	if entry.armed {
		l.mu.Unlock()
		if replaced {
			l.logger.Debug("replaced deferred request", "pane_id", pane)
		}
		return
	}

	reservation := entry.bucket.ReserveN(now, 1)
	delay := reservation.DelayFrom(now)
	entry.armed = true
	l.mu.Unlock()

	go l.wakeup(pane, delay)
}

// wakeup sleeps until the reserved token is available, then runs
// whatever function is deferred at that moment.
func (l *Limiter) wakeup(pane wire.PaneID, delay time.Duration) {
	select {
	case <-l.clock.After(delay):
		// Close may have raced the timer; it wins.
		select {
		case <-l.done:
			return
		default:
		}
	case <-l.done:
		return
	}

	l.mu.Lock()
	entry := l.panes[pane]
	if entry == nil {
		l.mu.Unlock()
		return
	}
	fn := entry.deferred
	entry.deferred = nil
	entry.armed = false
	l.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// Forget drops a pane's bucket and any deferred request for it. Called
// when the pane is removed.
func (l *Limiter) Forget(pane wire.PaneID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.panes, pane)
}

// Close cancels every pending deferral. Deferred functions that have
// not yet run never will. Idempotent.
func (l *Limiter) Close() {
	l.closing.Do(func() { close(l.done) })
}
