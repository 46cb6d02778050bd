// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

// Package surface caches rendered pane content on the client. Each
// pane's entry holds a sparse, versioned copy of the server's rows
// plus a dirty-range tracker; reads are served from memory when clean
// and trigger coalesced GetLines fetches when not. Server
// LinesChanged pushes invalidate ranges; content is pulled lazily on
// the next read, which bounds network use to what is actually
// displayed.
package surface

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/weftproject/weft/lib/clock"
	"github.com/weftproject/weft/wire"
)

// Link is the slice of the session the cache needs: issuing correlated
// requests and receiving server pushes.
type Link interface {
	Call(ctx context.Context, request wire.Payload) (wire.Payload, error)
	Subscribe(kind wire.Kind, handler func(wire.Payload))
}

// Config holds configuration for creating a Cache.
type Config struct {
	// Link issues GetLines requests and delivers invalidations.
	Link Link

	// Logger is used for structured logging. If nil, slog.Default()
	// is used.
	Logger *slog.Logger

	// Clock stamps fetch times. If nil, clock.Real() is used.
	Clock clock.Clock

	// MemoryBudget bounds the approximate bytes of cached line
	// content across all panes. When exceeded, entries for panes
	// other than the active one are evicted least-recently-accessed
	// first. Zero means 64 MiB.
	MemoryBudget int
}

const defaultMemoryBudget = 64 * 1024 * 1024

// maxTrackedPanes sizes the LRU index. It bounds entry count, not
// bytes; the byte budget is enforced separately. 4096 panes is far
// beyond any real session.
const maxTrackedPanes = 4096

// Cache is the client-side store of pane surface content.
type Cache struct {
	link   Link
	logger *slog.Logger
	clock  clock.Clock
	budget int

	// mu guards the maps below and the usage counter. It is never
	// held while waiting on the network, and never acquired while an
	// entry's lock is held.
	mu       sync.Mutex
	entries  *lru.Cache[wire.PaneID, *paneEntry]
	bytes    map[wire.PaneID]int
	usage    int
	active   wire.PaneID
	inflight map[fetchKey]*fetch
}

// paneEntry is the cached surface of one pane.
type paneEntry struct {
	mu sync.Mutex

	id         wire.PaneID
	rows, cols int

	// lines is sparse: only fetched rows are present. Lines are
	// replaced wholesale on merge, never mutated in place.
	lines map[int]wire.Line

	dirty     DirtySet
	lastFetch time.Time
}

// fetchKey identifies one coalescable in-flight GetLines request.
type fetchKey struct {
	pane wire.PaneID
	rows wire.RowRange
}

// fetch is a single in-flight GetLines shared by every caller that
// needs the same range.
type fetch struct {
	done chan struct{}
	err  error
}

// NewCache creates the cache and subscribes it to line invalidation
// and pane lifecycle pushes on the link.
func NewCache(config Config) (*Cache, error) {
	if config.Link == nil {
		return nil, fmt.Errorf("surface: Link is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeSource := config.Clock
	if timeSource == nil {
		timeSource = clock.Real()
	}
	budget := config.MemoryBudget
	if budget == 0 {
		budget = defaultMemoryBudget
	}

	cache := &Cache{
		link:     config.Link,
		logger:   logger,
		clock:    timeSource,
		budget:   budget,
		bytes:    make(map[wire.PaneID]int),
		inflight: make(map[fetchKey]*fetch),
	}
	// The eviction callback keeps the byte accounting consistent for
	// every removal path, including the LRU hitting its entry cap. It
	// runs synchronously under cache.mu.
	entries, err := lru.NewWithEvict[wire.PaneID, *paneEntry](maxTrackedPanes, func(pane wire.PaneID, _ *paneEntry) {
		cache.usage -= cache.bytes[pane]
		delete(cache.bytes, pane)
	})
	if err != nil {
		return nil, fmt.Errorf("surface: lru init: %w", err)
	}
	cache.entries = entries

	config.Link.Subscribe(wire.KindLinesChanged, cache.handleLinesChanged)
	config.Link.Subscribe(wire.KindPaneRemoved, cache.handlePaneRemoved)
	config.Link.Subscribe(wire.KindPaneResized, cache.handlePaneResized)
	return cache, nil
}

// SetActive names the pane the renderer is currently showing. The
// active pane is exempt from eviction.
func (c *Cache) SetActive(pane wire.PaneID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = pane
}

// GetLines returns the rendered lines for the row range of a pane,
// serving clean rows from memory and fetching dirty or absent rows
// from the server. The result has one Line per requested row; rows the
// server has no content for decode as zero-value Lines.
//
// Concurrent calls for the same (pane, range) share one in-flight
// request. The returned rows are never older than the highest
// invalidation seqno observed for them.
func (c *Cache) GetLines(ctx context.Context, pane wire.PaneID, rows wire.RowRange) ([]wire.Line, error) {
	if rows.IsEmpty() {
		return nil, nil
	}
	entry := c.entry(pane)

	for {
		entry.mu.Lock()
		missing := entry.missingLocked(rows)
		if len(missing) == 0 {
			result := entry.copyLocked(rows)
			entry.mu.Unlock()
			return result, nil
		}
		entry.mu.Unlock()

		for _, gap := range missing {
			if err := c.fetch(ctx, entry, gap); err != nil {
				return nil, err
			}
		}
		// Re-check: an invalidation may have landed while fetching.
	}
}

// missingLocked returns the sub-ranges of rows that cannot be served
// from memory: dirty rows plus rows never fetched. Caller holds
// entry.mu.
func (entry *paneEntry) missingLocked(rows wire.RowRange) []wire.RowRange {
	missing := entry.dirty.Overlap(rows)

	// Collect contiguous runs of absent rows.
	runStart := -1
	for row := rows.Start; row <= rows.End; row++ {
		_, present := entry.lines[row]
		if row < rows.End && !present {
			if runStart < 0 {
				runStart = row
			}
			continue
		}
		if runStart >= 0 {
			missing = append(missing, wire.RowRange{Start: runStart, End: row})
			runStart = -1
		}
	}

	// Coalesce: fold the absent runs into the dirty overlaps.
	var folded DirtySet
	for _, gap := range missing {
		folded.Mark(gap, 0)
	}
	return folded.Ranges()
}

// copyLocked assembles the result slice for rows. Caller holds
// entry.mu.
func (entry *paneEntry) copyLocked(rows wire.RowRange) []wire.Line {
	result := make([]wire.Line, rows.Len())
	for row := rows.Start; row < rows.End; row++ {
		result[row-rows.Start] = entry.lines[row]
	}
	return result
}

// fetch issues (or joins) the GetLines request for one gap and merges
// the result. The round trip runs on a context detached from every
// caller: a caller cancelling its read abandons only its own wait, the
// shared request completes and its result lands in the cache for the
// other waiters. Transport failure, not caller cancellation, is what
// unblocks a stuck fetch.
func (c *Cache) fetch(ctx context.Context, entry *paneEntry, gap wire.RowRange) error {
	key := fetchKey{pane: entry.id, rows: gap}

	c.mu.Lock()
	shared, running := c.inflight[key]
	if !running {
		shared = &fetch{done: make(chan struct{})}
		c.inflight[key] = shared
		go func() {
			shared.err = c.fetchAndMerge(context.WithoutCancel(ctx), entry, gap)
			c.mu.Lock()
			delete(c.inflight, key)
			c.mu.Unlock()
			close(shared.done)
		}()
	}
	c.mu.Unlock()

	select {
	case <-shared.done:
		return shared.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fetchAndMerge performs the network round trip for one gap.
func (c *Cache) fetchAndMerge(ctx context.Context, entry *paneEntry, gap wire.RowRange) error {
	// Record each row's invalidation level before the request goes
	// out. Invalidations arriving during the round trip are newer than
	// this and must survive the merge.
	entry.mu.Lock()
	prefetch := make(map[int]uint64, gap.Len())
	for row := gap.Start; row < gap.End; row++ {
		if seqno, dirty := entry.dirty.SeqnoAt(row); dirty {
			prefetch[row] = seqno
		}
	}
	entry.mu.Unlock()

	reply, err := c.link.Call(ctx, &wire.GetLines{Pane: entry.id, Rows: gap})
	if err != nil {
		return fmt.Errorf("surface: fetch pane %d rows %s: %w", entry.id, gap, err)
	}
	lines, ok := reply.(*wire.Lines)
	if !ok {
		return fmt.Errorf("surface: fetch pane %d: unexpected reply %s", entry.id, reply.Kind())
	}
	c.merge(entry, gap, prefetch, lines)
	return nil
}

// merge installs fetched rows and clears the dirty ranges they
// satisfy. A row stays dirty when its invalidation seqno is newer than
// the fetched content — the next read fetches again.
func (c *Cache) merge(entry *paneEntry, gap wire.RowRange, prefetch map[int]uint64, lines *wire.Lines) {
	entry.mu.Lock()

	for index, line := range lines.Lines {
		row := lines.Start + index
		if !gap.Contains(row) {
			continue
		}
		entry.lines[row] = line
		entry.dirty.Clear(wire.RowRange{Start: row, End: row + 1}, line.Seqno)
	}

	// Rows the server returned nothing for are beyond the pane's
	// content. Cache the absence — up to the row's pre-fetch
	// invalidation level — so rows past the scrollback do not refetch
	// forever, while an invalidation that raced the fetch still forces
	// one.
	returned := wire.RowRange{Start: lines.Start, End: lines.Start + len(lines.Lines)}
	for row := gap.Start; row < gap.End; row++ {
		if !returned.Contains(row) {
			entry.lines[row] = wire.Line{}
			entry.dirty.Clear(wire.RowRange{Start: row, End: row + 1}, prefetch[row])
		}
	}

	entry.lastFetch = c.clock.Now()
	total := entry.sizeLocked()
	pane := entry.id
	entry.mu.Unlock()

	c.noteUsage(pane, total)
}

// sizeLocked estimates the entry's memory footprint: row count times
// styled-cell overhead plus text bytes. Caller holds entry.mu.
func (entry *paneEntry) sizeLocked() int {
	total := 0
	for _, line := range entry.lines {
		total += 16
		for _, cell := range line.Cells {
			total += 16 + len(cell.Text)
		}
	}
	return total
}

// noteUsage records an entry's new size and evicts over-budget
// entries, least recently accessed first. The active pane and the
// pane just touched are exempt.
func (c *Cache) noteUsage(pane wire.PaneID, total int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// The pane may have been evicted or removed while its fetch was in
	// flight. Its entry is gone; recording bytes for it would inflate
	// usage with memory the eviction loop can never find again.
	if !c.entries.Contains(pane) {
		return
	}

	c.usage += total - c.bytes[pane]
	c.bytes[pane] = total

	if c.usage <= c.budget {
		return
	}
	for _, candidate := range c.entries.Keys() {
		if c.usage <= c.budget {
			return
		}
		if candidate == c.active || candidate == pane {
			continue
		}
		c.entries.Remove(candidate)
		c.logger.Debug("evicted pane cache entry", "pane_id", candidate, "usage", c.usage, "budget", c.budget)
	}
}

// entry returns the cache entry for a pane, creating it on first
// reference. Lookup refreshes the pane's recency.
func (c *Cache) entry(pane wire.PaneID) *paneEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, cached := c.entries.Get(pane); cached {
		return existing
	}
	created := &paneEntry{
		id:    pane,
		lines: make(map[int]wire.Line),
	}
	c.entries.Add(pane, created)
	return created
}

// handleLinesChanged marks the named range dirty. Content is not
// refetched here: the next GetLines for the range pulls it.
func (c *Cache) handleLinesChanged(payload wire.Payload) {
	changed := payload.(*wire.LinesChanged)
	c.Invalidate(changed.Pane, changed.Rows, changed.Seqno)
}

// Invalidate marks rows of a pane dirty at seqno, exactly as a
// LinesChanged push would. Poll results use it to fold server-reported
// change ranges into the cache.
func (c *Cache) Invalidate(pane wire.PaneID, rows wire.RowRange, seqno uint64) {
	entry := c.entry(pane)
	entry.mu.Lock()
	entry.dirty.Mark(rows, seqno)
	entry.mu.Unlock()
}

// handlePaneRemoved destroys the pane's entry outright.
func (c *Cache) handlePaneRemoved(payload wire.Payload) {
	removed := payload.(*wire.PaneRemoved)
	c.Remove(removed.Pane)
}

// handlePaneResized records new dimensions and invalidates the whole
// surface — reflow changes every row.
func (c *Cache) handlePaneResized(payload wire.Payload) {
	resized := payload.(*wire.PaneResized)
	entry := c.entry(resized.Pane)
	entry.mu.Lock()
	entry.rows, entry.cols = resized.Rows, resized.Cols
	entry.markAllDirtyLocked()
	entry.mu.Unlock()
}

// SetDimensions records the pane's size, used to bound full-surface
// invalidation. Called by the directory when a pane is first seen.
func (c *Cache) SetDimensions(pane wire.PaneID, rows, cols int) {
	entry := c.entry(pane)
	entry.mu.Lock()
	entry.rows, entry.cols = rows, cols
	entry.mu.Unlock()
}

// Remove destroys a pane's cache entry, if present.
func (c *Cache) Remove(pane wire.PaneID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Remove(pane)
}

// MarkAllDirty invalidates every resident entry in place. Used after
// reconnection: dimensions and identity remain useful, content must be
// re-fetched before display.
func (c *Cache) MarkAllDirty() {
	c.mu.Lock()
	resident := c.entries.Values()
	c.mu.Unlock()

	for _, entry := range resident {
		entry.mu.Lock()
		entry.markAllDirtyLocked()
		entry.mu.Unlock()
	}
}

// markAllDirtyLocked invalidates every row the entry knows about: the
// declared dimensions plus anything fetched beyond them (scrollback).
// Seqno zero means "unknown, must fetch" — any fresh fetch satisfies
// it, since the fetch postdates the event that voided the content.
// Caller holds entry.mu.
func (entry *paneEntry) markAllDirtyLocked() {
	extent := entry.rows
	for row := range entry.lines {
		if row+1 > extent {
			extent = row + 1
		}
	}
	if extent > 0 {
		entry.dirty.Mark(wire.RowRange{Start: 0, End: extent}, 0)
	}
}

// Usage returns the current approximate byte usage.
func (c *Cache) Usage() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage
}
