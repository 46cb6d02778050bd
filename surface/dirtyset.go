// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package surface

import (
	"sort"

	"github.com/weftproject/weft/wire"
)

// DirtySet tracks which rows of one pane are known to be outdated. It
// holds disjoint, sorted row intervals, each stamped with the highest
// seqno that invalidated it. A row with no covering interval is up to
// date as of the cache's last server contact; a covered row must be
// re-fetched before it can be shown.
//
// DirtySet is not safe for concurrent use; the owning cache entry
// serializes access.
type DirtySet struct {
	ranges []dirtyRange
}

// dirtyRange is one invalidated interval and the seqno of the
// invalidation. A fetch result can clear the interval only if it
// carries content at least this new.
type dirtyRange struct {
	rows  wire.RowRange
	seqno uint64
}

// Mark invalidates the given rows at the given seqno. Where the new
// range overlaps an existing interval, the overlap takes the higher of
// the two seqnos; rows outside the overlap keep their own. Raising a
// row's requirement beyond what actually invalidated it would demand
// content the server may never stamp that high, so the seqno is exact
// per row, never smeared across neighbors.
func (set *DirtySet) Mark(rows wire.RowRange, seqno uint64) {
	if rows.IsEmpty() {
		return
	}

	all := append(append([]dirtyRange(nil), set.ranges...), dirtyRange{rows: rows, seqno: seqno})

	// Boundary sweep: split the row axis at every interval edge, stamp
	// each elementary segment with the max seqno covering it, then
	// coalesce equal-seqno neighbors.
	points := make([]int, 0, 2*len(all))
	for _, interval := range all {
		points = append(points, interval.rows.Start, interval.rows.End)
	}
	sort.Ints(points)

	var rebuilt []dirtyRange
	for i := 0; i+1 < len(points); i++ {
		start, end := points[i], points[i+1]
		if start == end {
			continue
		}
		covered := false
		highest := uint64(0)
		for _, interval := range all {
			if interval.rows.Start <= start && interval.rows.End >= end {
				covered = true
				if interval.seqno > highest {
					highest = interval.seqno
				}
			}
		}
		if !covered {
			continue
		}
		if n := len(rebuilt); n > 0 && rebuilt[n-1].rows.End == start && rebuilt[n-1].seqno == highest {
			rebuilt[n-1].rows.End = end
			continue
		}
		rebuilt = append(rebuilt, dirtyRange{rows: wire.RowRange{Start: start, End: end}, seqno: highest})
	}
	set.ranges = rebuilt
}

// Clear removes the given rows from the set where the invalidation
// seqno is at most upToSeqno. Intervals invalidated by a newer seqno
// stay dirty: the content being merged predates that invalidation.
// Partially covered intervals split.
func (set *DirtySet) Clear(rows wire.RowRange, upToSeqno uint64) {
	if rows.IsEmpty() {
		return
	}

	var kept []dirtyRange
	for _, existing := range set.ranges {
		if existing.seqno > upToSeqno || existing.rows.End <= rows.Start || existing.rows.Start >= rows.End {
			kept = append(kept, existing)
			continue
		}
		if existing.rows.Start < rows.Start {
			kept = append(kept, dirtyRange{
				rows:  wire.RowRange{Start: existing.rows.Start, End: rows.Start},
				seqno: existing.seqno,
			})
		}
		if existing.rows.End > rows.End {
			kept = append(kept, dirtyRange{
				rows:  wire.RowRange{Start: rows.End, End: existing.rows.End},
				seqno: existing.seqno,
			})
		}
	}
	set.ranges = kept
}

// Overlap returns the sub-ranges of rows that are dirty, in row order.
func (set *DirtySet) Overlap(rows wire.RowRange) []wire.RowRange {
	if rows.IsEmpty() {
		return nil
	}
	var overlapping []wire.RowRange
	for _, existing := range set.ranges {
		start := existing.rows.Start
		if start < rows.Start {
			start = rows.Start
		}
		end := existing.rows.End
		if end > rows.End {
			end = rows.End
		}
		if start < end {
			overlapping = append(overlapping, wire.RowRange{Start: start, End: end})
		}
	}
	return overlapping
}

// SeqnoAt returns the invalidation seqno covering row, and whether the
// row is dirty at all.
func (set *DirtySet) SeqnoAt(row int) (uint64, bool) {
	for _, existing := range set.ranges {
		if existing.rows.Contains(row) {
			return existing.seqno, true
		}
	}
	return 0, false
}

// Empty reports whether no rows are dirty.
func (set *DirtySet) Empty() bool { return len(set.ranges) == 0 }

// Ranges returns the dirty intervals in row order. The slice is shared;
// callers must not modify it.
func (set *DirtySet) Ranges() []wire.RowRange {
	result := make([]wire.RowRange, len(set.ranges))
	for i, existing := range set.ranges {
		result[i] = existing.rows
	}
	return result
}
