// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

// Package mux is the client core for a multiplexer domain: it owns the
// session to the server, the directory of windows, tabs, and panes,
// the pane surface cache, and the reconnection supervisor, and exposes
// the flat operation surface the renderer calls.
package mux

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/weftproject/weft/lib/clock"
	"github.com/weftproject/weft/ratelimit"
	"github.com/weftproject/weft/session"
	"github.com/weftproject/weft/surface"
	"github.com/weftproject/weft/wire"
)

// DialFunc establishes one ordered, reliable, duplex byte stream to
// the server. Authentication and encryption are the dialer's problem;
// the client consumes the finished stream.
type DialFunc func(ctx context.Context) (io.ReadWriteCloser, error)

// ConnectionState is the client's view of its domain connection.
type ConnectionState int

const (
	// StateConnected means a live session exists.
	StateConnected ConnectionState = iota
	// StateReconnecting means the session failed and the supervisor is
	// attempting to re-establish it. Cached content remains readable.
	StateReconnecting
	// StateFailed means reconnection attempts are exhausted. Terminal
	// until Retry.
	StateFailed
	// StateClosed means Close was called.
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config holds configuration for creating a Client.
type Config struct {
	// Dial establishes the stream to the server. Required.
	Dial DialFunc

	// Logger is used for structured logging. If nil, slog.Default()
	// is used.
	Logger *slog.Logger

	// Clock is the time source for backoff, keepalive, and rate
	// limiting. If nil, clock.Real() is used.
	Clock clock.Clock

	// ClientVersion is the build string sent in the handshake.
	ClientVersion string

	// InitialBackoff is the delay before the first reconnection
	// attempt. Zero means 1 second. It doubles per failed attempt.
	InitialBackoff time.Duration

	// MaxBackoff caps the doubling. Zero means 30 seconds.
	MaxBackoff time.Duration

	// MaxAttempts bounds consecutive failed reconnection attempts
	// before the domain is marked Failed. Zero means 8.
	MaxAttempts int

	// MemoryBudget is the surface cache budget in bytes. Zero takes
	// the cache default.
	MemoryBudget int

	// PollRequestsPerSecond and PollBurst shape the per-pane rate
	// limit on change polling. Zero takes the limiter defaults.
	PollRequestsPerSecond float64
	PollBurst             int

	// OnStateChange, when non-nil, is called after every connection
	// state transition. It must not block and must not call back into
	// the client synchronously.
	OnStateChange func(ConnectionState)
}

const (
	defaultInitialBackoff = time.Second
	defaultMaxBackoff     = 30 * time.Second
	defaultMaxAttempts    = 8
)

// Client is one domain connection: session, directory, cache, limiter,
// and supervisor behind a single operation surface. All methods are
// safe for concurrent use.
type Client struct {
	config Config
	logger *slog.Logger
	clock  clock.Clock

	directory *Directory
	cache     *surface.Cache
	limiter   *ratelimit.Limiter

	mu        sync.Mutex
	session   *session.Session
	state     ConnectionState
	listeners map[wire.Kind][]func(wire.Payload)

	// paneSeqnos tracks the highest change seqno seen per pane, the
	// baseline for GetPaneChanges polls.
	paneSeqnos map[wire.PaneID]uint64
	changeSubs map[wire.PaneID][]func()

	retryChannel chan struct{}
	closed       chan struct{}
	closeOnce    sync.Once
	dialCancel   context.CancelFunc
}

// New dials the server, establishes the first session, loads the
// initial directory tree, and starts the reconnection supervisor. The
// first connection does not retry: its error is the caller's to
// handle.
func New(ctx context.Context, config Config) (*Client, error) {
	if config.Dial == nil {
		return nil, fmt.Errorf("mux: Dial is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeSource := config.Clock
	if timeSource == nil {
		timeSource = clock.Real()
	}
	if config.InitialBackoff == 0 {
		config.InitialBackoff = defaultInitialBackoff
	}
	if config.MaxBackoff == 0 {
		config.MaxBackoff = defaultMaxBackoff
	}
	if config.MaxAttempts == 0 {
		config.MaxAttempts = defaultMaxAttempts
	}

	dialCtx, dialCancel := context.WithCancel(context.Background())
	c := &Client{
		config:       config,
		logger:       logger,
		clock:        timeSource,
		directory:    NewDirectory(timeSource),
		listeners:    make(map[wire.Kind][]func(wire.Payload)),
		paneSeqnos:   make(map[wire.PaneID]uint64),
		changeSubs:   make(map[wire.PaneID][]func()),
		retryChannel: make(chan struct{}, 1),
		closed:       make(chan struct{}),
		dialCancel:   dialCancel,
	}

	cache, err := surface.NewCache(surface.Config{
		Link:         c,
		Logger:       logger,
		Clock:        timeSource,
		MemoryBudget: config.MemoryBudget,
	})
	if err != nil {
		dialCancel()
		return nil, err
	}
	c.cache = cache
	c.limiter = ratelimit.New(ratelimit.Config{
		Logger:            logger,
		Clock:             timeSource,
		RequestsPerSecond: config.PollRequestsPerSecond,
		Burst:             config.PollBurst,
	})
	c.subscribeDirectory()

	firstSession, err := c.dialSession(ctx)
	if err != nil {
		dialCancel()
		c.limiter.Close()
		return nil, err
	}
	c.install(firstSession)

	if _, err := c.ListDomains(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("mux: initial directory load: %w", err)
	}

	go c.supervise(dialCtx)
	return c, nil
}

// subscribeDirectory registers the notification handlers that keep the
// directory, cache bookkeeping, and change subscribers current. The
// registrations live in the client's own registry and are re-bound to
// every new session.
func (c *Client) subscribeDirectory() {
	c.Subscribe(wire.KindLinesChanged, func(payload wire.Payload) {
		changed := payload.(*wire.LinesChanged)
		c.noteSeqno(changed.Pane, changed.Seqno)
		c.notifyChanged(changed.Pane)
	})
	c.Subscribe(wire.KindPaneAdded, func(payload wire.Payload) {
		c.directory.AddPane(payload.(*wire.PaneAdded))
	})
	c.Subscribe(wire.KindPaneRemoved, func(payload wire.Payload) {
		removed := payload.(*wire.PaneRemoved)
		c.directory.RemovePane(removed.Pane)
		c.limiter.Forget(removed.Pane)
		c.forgetPane(removed.Pane)
	})
	c.Subscribe(wire.KindTabAdded, func(payload wire.Payload) {
		c.directory.AddTab(payload.(*wire.TabAdded))
	})
	c.Subscribe(wire.KindTabRemoved, func(payload wire.Payload) {
		c.directory.RemoveTab(payload.(*wire.TabRemoved).Tab)
	})
	c.Subscribe(wire.KindWindowAdded, func(payload wire.Payload) {
		c.directory.AddWindow(payload.(*wire.WindowAdded))
	})
	c.Subscribe(wire.KindWindowRemoved, func(payload wire.Payload) {
		c.directory.RemoveWindow(payload.(*wire.WindowRemoved).Window)
	})
	c.Subscribe(wire.KindTitleChanged, func(payload wire.Payload) {
		c.directory.SetTitle(payload.(*wire.TitleChanged))
	})
	c.Subscribe(wire.KindPaneResized, func(payload wire.Payload) {
		resized := payload.(*wire.PaneResized)
		c.directory.SetPaneSize(resized.Pane, resized.Rows, resized.Cols)
	})
	c.Subscribe(wire.KindDomainStateChanged, func(payload wire.Payload) {
		changed := payload.(*wire.DomainStateChanged)
		c.directory.SetDomainState(changed.Domain, changed.State)
		c.logger.Info("server-side domain state changed",
			"domain_id", changed.Domain, "state", changed.State)
	})
}

// Call issues one correlated request on the current session. While the
// domain is reconnecting or failed there is no session to carry it, so
// the call fails fast with ErrDisconnected.
func (c *Client) Call(ctx context.Context, request wire.Payload) (wire.Payload, error) {
	c.mu.Lock()
	currentSession := c.session
	state := c.state
	c.mu.Unlock()

	if state != StateConnected || currentSession == nil {
		return nil, fmt.Errorf("mux: domain %s: %w", state, session.ErrDisconnected)
	}
	return currentSession.Call(ctx, request)
}

// Subscribe registers a notification handler. The registration
// survives reconnection: it is re-bound to each new session.
func (c *Client) Subscribe(kind wire.Kind, handler func(wire.Payload)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.listeners[kind] = append(c.listeners[kind], handler)
	if c.session != nil && len(c.listeners[kind]) == 1 {
		c.session.Subscribe(kind, c.forwarder(kind))
	}
}

// forwarder returns the per-kind function bound to a session; it
// snapshots the handler list at dispatch time so late registrations
// are seen.
func (c *Client) forwarder(kind wire.Kind) func(wire.Payload) {
	return func(payload wire.Payload) {
		c.mu.Lock()
		handlers := make([]func(wire.Payload), len(c.listeners[kind]))
		copy(handlers, c.listeners[kind])
		c.mu.Unlock()
		for _, handler := range handlers {
			handler(payload)
		}
	}
}

// install makes a session current and binds every registered
// notification kind to it.
func (c *Client) install(newSession *session.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.session = newSession
	for kind := range c.listeners {
		newSession.Subscribe(kind, c.forwarder(kind))
	}
	c.setStateLocked(StateConnected)
}

// dialSession establishes a stream and runs the handshake on it.
func (c *Client) dialSession(ctx context.Context) (*session.Session, error) {
	conn, err := c.config.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("mux: dial: %w", err)
	}
	newSession, err := session.New(ctx, conn, session.Config{
		Logger:        c.logger,
		Clock:         c.clock,
		ClientVersion: c.config.ClientVersion,
	})
	if err != nil {
		return nil, err
	}
	return newSession, nil
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// setStateLocked transitions the state and fires the callback. Caller
// holds c.mu.
func (c *Client) setStateLocked(state ConnectionState) {
	if c.state == state || c.state == StateClosed {
		return
	}
	c.state = state
	if c.config.OnStateChange != nil {
		go c.config.OnStateChange(state)
	}
}

func (c *Client) setState(state ConnectionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setStateLocked(state)
}

// ListDomains fetches the server's session tree, reconciles the
// directory against it, and returns a snapshot.
func (c *Client) ListDomains(ctx context.Context) ([]DomainTree, error) {
	reply, err := c.Call(ctx, &wire.ListDomains{})
	if err != nil {
		return nil, err
	}
	list, ok := reply.(*wire.DomainList)
	if !ok {
		return nil, fmt.Errorf("mux: list domains: unexpected reply %s", reply.Kind())
	}

	removed := c.directory.Reconcile(list)
	for _, pane := range removed {
		c.cache.Remove(pane)
		c.limiter.Forget(pane)
		c.forgetPane(pane)
	}
	for _, domain := range list.Domains {
		for _, window := range domain.Windows {
			for _, tab := range window.Tabs {
				for _, pane := range tab.Panes {
					c.cache.SetDimensions(pane.ID, pane.Rows, pane.Cols)
				}
			}
		}
	}
	return c.directory.Snapshot(), nil
}

// Snapshot returns the current directory tree without a server round
// trip. While the client's own link is down, every domain is
// unreachable regardless of what the server last reported, so the
// local connection state overrides the per-domain connectivity.
func (c *Client) Snapshot() []DomainTree {
	snapshot := c.directory.Snapshot()
	if state := c.State(); state != StateConnected {
		for index := range snapshot {
			snapshot[index].Connectivity = state.String()
		}
	}
	return snapshot
}

// GetLines returns the rendered lines for a row range of a pane,
// served from the surface cache.
func (c *Client) GetLines(ctx context.Context, pane wire.PaneID, rows wire.RowRange) ([]wire.Line, error) {
	return c.cache.GetLines(ctx, pane, rows)
}

// SetActivePane names the pane the renderer is showing; it is exempt
// from cache eviction.
func (c *Client) SetActivePane(pane wire.PaneID) { c.cache.SetActive(pane) }

// Spawn starts a command in a new pane in a fresh window of the
// domain and returns the authoritative pane identifier.
func (c *Client) Spawn(ctx context.Context, domain wire.DomainID, command []string, rows, cols int) (wire.PaneID, error) {
	c.directory.BeginSpawn()
	defer c.directory.EndSpawn()

	reply, err := c.Call(ctx, &wire.SpawnPane{Domain: domain, Command: command, Rows: rows, Cols: cols})
	if err != nil {
		return wire.PanePending, err
	}
	return c.confirmSpawn(reply)
}

// Split divides an existing pane and returns the new pane's
// identifier.
func (c *Client) Split(ctx context.Context, pane wire.PaneID, direction wire.SplitDirection, command []string) (wire.PaneID, error) {
	c.directory.BeginSpawn()
	defer c.directory.EndSpawn()

	reply, err := c.Call(ctx, &wire.SplitPane{Pane: pane, Direction: direction, Command: command})
	if err != nil {
		return wire.PanePending, err
	}
	return c.confirmSpawn(reply)
}

// confirmSpawn applies a PaneSpawned response to the directory and
// cache.
func (c *Client) confirmSpawn(reply wire.Payload) (wire.PaneID, error) {
	spawned, ok := reply.(*wire.PaneSpawned)
	if !ok {
		return wire.PanePending, fmt.Errorf("mux: spawn: unexpected reply %s", reply.Kind())
	}
	c.directory.ConfirmSpawn(spawned)
	c.cache.SetDimensions(spawned.Pane, spawned.Rows, spawned.Cols)
	return spawned.Pane, nil
}

// ClosePane removes a pane. The directory record and cached surface
// are dropped on confirmation; the server's PaneRemoved push is then a
// no-op.
func (c *Client) ClosePane(ctx context.Context, pane wire.PaneID) error {
	if err := c.callUnit(ctx, &wire.ClosePane{Pane: pane}); err != nil {
		return err
	}
	c.directory.RemovePane(pane)
	c.cache.Remove(pane)
	c.limiter.Forget(pane)
	c.forgetPane(pane)
	return nil
}

// Resize requests new pane dimensions. Content invalidation rides the
// server's PaneResized push, which reflects the size actually applied.
func (c *Client) Resize(ctx context.Context, pane wire.PaneID, rows, cols int) error {
	if err := c.callUnit(ctx, &wire.ResizePane{Pane: pane, Rows: rows, Cols: cols}); err != nil {
		return err
	}
	c.directory.SetPaneSize(pane, rows, cols)
	return nil
}

// WriteInput sends input bytes to the process in a pane.
func (c *Client) WriteInput(ctx context.Context, pane wire.PaneID, data []byte) error {
	return c.callUnit(ctx, &wire.WriteToPane{Pane: pane, Data: data})
}

// SetClipboard pushes clipboard content associated with a pane.
func (c *Client) SetClipboard(ctx context.Context, pane wire.PaneID, data []byte) error {
	return c.callUnit(ctx, &wire.SetClipboard{Pane: pane, Data: data})
}

// SetTitle renames a pane.
func (c *Client) SetTitle(ctx context.Context, pane wire.PaneID, title string) error {
	if err := c.callUnit(ctx, &wire.SetPaneTitle{Pane: pane, Title: title}); err != nil {
		return err
	}
	c.directory.SetTitle(&wire.TitleChanged{Pane: pane, Title: title})
	return nil
}

// callUnit issues a request whose success response carries no data.
func (c *Client) callUnit(ctx context.Context, request wire.Payload) error {
	reply, err := c.Call(ctx, request)
	if err != nil {
		return err
	}
	if _, ok := reply.(*wire.UnitReply); !ok {
		return fmt.Errorf("mux: %s: unexpected reply %s", request.Kind(), reply.Kind())
	}
	return nil
}

// SubscribeChanges registers a callback invoked whenever content of
// the pane is reported changed, by push or by poll. The callback runs
// on the session dispatch goroutine and must not block.
func (c *Client) SubscribeChanges(pane wire.PaneID, callback func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changeSubs[pane] = append(c.changeSubs[pane], callback)
}

// PollChanges asks the server whether the pane changed since the last
// known seqno. Polls are rate-limited per pane; polls requested while
// one is already deferred replace it. Results are folded into the
// surface cache as dirty ranges, and change subscribers fire.
//
// Polling complements the push path: a client that missed pushes
// (or a renderer that wants an explicit refresh) converges on the same
// state.
func (c *Client) PollChanges(pane wire.PaneID) {
	c.limiter.Schedule(pane, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		c.mu.Lock()
		since := c.paneSeqnos[pane]
		c.mu.Unlock()

		reply, err := c.Call(ctx, &wire.GetPaneChanges{Pane: pane, Since: since})
		if err != nil {
			c.logger.Debug("poll failed", "pane_id", pane, "error", err)
			return
		}
		changes, ok := reply.(*wire.PaneChanges)
		if !ok {
			c.logger.Warn("poll: unexpected reply", "pane_id", pane, "kind", reply.Kind())
			return
		}
		if len(changes.Changed) == 0 {
			c.noteSeqno(pane, changes.Seqno)
			return
		}
		for _, rows := range changes.Changed {
			c.cache.Invalidate(pane, rows, changes.Seqno)
		}
		c.noteSeqno(pane, changes.Seqno)
		c.notifyChanged(pane)
	})
}

// noteSeqno raises the pane's high-water change seqno.
func (c *Client) noteSeqno(pane wire.PaneID, seqno uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seqno > c.paneSeqnos[pane] {
		c.paneSeqnos[pane] = seqno
	}
}

// notifyChanged fires the pane's change subscribers.
func (c *Client) notifyChanged(pane wire.PaneID) {
	c.mu.Lock()
	callbacks := make([]func(), len(c.changeSubs[pane]))
	copy(callbacks, c.changeSubs[pane])
	c.mu.Unlock()
	for _, callback := range callbacks {
		callback()
	}
}

// forgetPane drops per-pane bookkeeping after removal.
func (c *Client) forgetPane(pane wire.PaneID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.paneSeqnos, pane)
	delete(c.changeSubs, pane)
}

// Retry restarts reconnection after the domain reached Failed. A call
// in any other state is a no-op.
func (c *Client) Retry() {
	if c.State() != StateFailed {
		return
	}
	select {
	case c.retryChannel <- struct{}{}:
	default:
	}
}

// Close tears down the client: the session, the limiter, and the
// supervisor. Idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.setState(StateClosed)
		close(c.closed)
		c.dialCancel()
		c.limiter.Close()

		c.mu.Lock()
		currentSession := c.session
		c.mu.Unlock()
		if currentSession != nil {
			currentSession.Close()
		}
	})
	return nil
}
