// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package surface

import (
	"reflect"
	"testing"

	"github.com/weftproject/weft/wire"
)

func TestMarkKeepsSeqnoExactPerRow(t *testing.T) {
	t.Parallel()

	var set DirtySet
	set.Mark(wire.RowRange{Start: 0, End: 5}, 10)
	set.Mark(wire.RowRange{Start: 20, End: 25}, 11)
	set.Mark(wire.RowRange{Start: 5, End: 8}, 12) // adjacent to the first

	got := set.Ranges()
	want := []wire.RowRange{{Start: 0, End: 5}, {Start: 5, End: 8}, {Start: 20, End: 25}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ranges = %v, want %v", got, want)
	}

	// The adjacent mark must not raise the earlier interval's seqno:
	// row 2 was invalidated at 10, not 12.
	if seqno, dirty := set.SeqnoAt(2); !dirty || seqno != 10 {
		t.Fatalf("SeqnoAt(2) = %d, %v, want 10", seqno, dirty)
	}
	if seqno, dirty := set.SeqnoAt(6); !dirty || seqno != 12 {
		t.Fatalf("SeqnoAt(6) = %d, %v, want 12", seqno, dirty)
	}
}

func TestMarkOverlapTakesHigherSeqnoOnOverlapOnly(t *testing.T) {
	t.Parallel()

	var set DirtySet
	set.Mark(wire.RowRange{Start: 0, End: 10}, 3)
	set.Mark(wire.RowRange{Start: 4, End: 6}, 7)

	for _, check := range []struct {
		row   int
		seqno uint64
	}{{2, 3}, {4, 7}, {5, 7}, {8, 3}} {
		if seqno, dirty := set.SeqnoAt(check.row); !dirty || seqno != check.seqno {
			t.Fatalf("SeqnoAt(%d) = %d, %v, want %d", check.row, seqno, dirty, check.seqno)
		}
	}

	// An older re-mark of the overlap must not lower it either.
	set.Mark(wire.RowRange{Start: 4, End: 6}, 2)
	if seqno, _ := set.SeqnoAt(5); seqno != 7 {
		t.Fatalf("SeqnoAt(5) = %d after older re-mark, want 7", seqno)
	}
}

func TestMarkCoalescesEqualSeqnoNeighbors(t *testing.T) {
	t.Parallel()

	var set DirtySet
	set.Mark(wire.RowRange{Start: 0, End: 5}, 2)
	set.Mark(wire.RowRange{Start: 5, End: 10}, 2)

	got := set.Ranges()
	want := []wire.RowRange{{Start: 0, End: 10}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ranges = %v, want %v", got, want)
	}
}

func TestMarkSpanningMixedIntervals(t *testing.T) {
	t.Parallel()

	var set DirtySet
	set.Mark(wire.RowRange{Start: 0, End: 2}, 1)
	set.Mark(wire.RowRange{Start: 4, End: 6}, 2)
	set.Mark(wire.RowRange{Start: 8, End: 10}, 3)
	set.Mark(wire.RowRange{Start: 1, End: 9}, 4)

	got := set.Ranges()
	want := []wire.RowRange{{Start: 0, End: 1}, {Start: 1, End: 9}, {Start: 9, End: 10}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ranges = %v, want %v", got, want)
	}
	if seqno, _ := set.SeqnoAt(0); seqno != 1 {
		t.Fatalf("SeqnoAt(0) = %d, want 1", seqno)
	}
	if seqno, _ := set.SeqnoAt(5); seqno != 4 {
		t.Fatalf("SeqnoAt(5) = %d, want 4", seqno)
	}
	if seqno, _ := set.SeqnoAt(9); seqno != 3 {
		t.Fatalf("SeqnoAt(9) = %d, want 3", seqno)
	}
}

func TestClearRespectsSeqnoFence(t *testing.T) {
	t.Parallel()

	var set DirtySet
	set.Mark(wire.RowRange{Start: 0, End: 10}, 7)

	// Content at seqno 5 predates the invalidation: nothing clears.
	set.Clear(wire.RowRange{Start: 0, End: 10}, 5)
	if set.Empty() {
		t.Fatal("older content must not clear a newer invalidation")
	}

	// Content at seqno 7 satisfies it.
	set.Clear(wire.RowRange{Start: 0, End: 10}, 7)
	if !set.Empty() {
		t.Fatalf("ranges = %v, want empty", set.Ranges())
	}
}

func TestClearSplitsPartialOverlap(t *testing.T) {
	t.Parallel()

	var set DirtySet
	set.Mark(wire.RowRange{Start: 0, End: 10}, 3)
	set.Clear(wire.RowRange{Start: 4, End: 6}, 3)

	got := set.Ranges()
	want := []wire.RowRange{{Start: 0, End: 4}, {Start: 6, End: 10}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ranges = %v, want %v", got, want)
	}
	if _, dirty := set.SeqnoAt(5); dirty {
		t.Fatal("row 5 should be clean after the split clear")
	}
}

func TestOverlapClipsToQuery(t *testing.T) {
	t.Parallel()

	var set DirtySet
	set.Mark(wire.RowRange{Start: 0, End: 10}, 1)
	set.Mark(wire.RowRange{Start: 30, End: 40}, 2)

	got := set.Overlap(wire.RowRange{Start: 5, End: 35})
	want := []wire.RowRange{{Start: 5, End: 10}, {Start: 30, End: 35}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("overlap = %v, want %v", got, want)
	}

	if got := set.Overlap(wire.RowRange{Start: 15, End: 20}); got != nil {
		t.Fatalf("overlap of clean rows = %v, want nil", got)
	}
}

func TestEmptyRangeOperationsAreNoOps(t *testing.T) {
	t.Parallel()

	var set DirtySet
	set.Mark(wire.RowRange{Start: 5, End: 5}, 1)
	if !set.Empty() {
		t.Fatal("marking an empty range must not create an interval")
	}

	set.Mark(wire.RowRange{Start: 0, End: 3}, 1)
	set.Clear(wire.RowRange{Start: 2, End: 2}, 9)
	want := []wire.RowRange{{Start: 0, End: 3}}
	if got := set.Ranges(); !reflect.DeepEqual(got, want) {
		t.Fatalf("ranges = %v, want %v", got, want)
	}
}
