package markbitmap

import "testing"

// recordingSweeper records every callback verbatim so tests can assert on
// the exact call sequence, matching the teacher's preference for small
// hand-rolled fakes over a mocking framework.
type recordingSweeper struct {
	sizes        map[uintptr]uintptr // cell -> size, used to compute ProcessLiveObject's return
	liveCells    []uintptr
	largeGaps    [][2]uintptr
	deadSpans    [][2]uintptr
}

func (s *recordingSweeper) ProcessLiveObject(cell uintptr) uintptr {
	s.liveCells = append(s.liveCells, cell)
	return cell + s.sizes[cell]
}

func (s *recordingSweeper) ProcessLargeGap(prevEnd, nextStart uintptr) uintptr {
	s.largeGaps = append(s.largeGaps, [2]uintptr{prevEnd, nextStart})
	return nextStart
}

func (s *recordingSweeper) ProcessDeadSpace(start uintptr, bytes uintptr) {
	s.deadSpans = append(s.deadSpans, [2]uintptr{start, bytes})
}

func TestSweepPreciseVisitsOnlyBlackCells(t *testing.T) {
	const base uintptr = 0x4000

	bm := New(base, 256, 1)

	live1 := base
	live2 := base + 64

	bm.MarkGreyIfWhite(bm.BitIndexOf(live1))
	bm.MarkBlack(bm.BitIndexOf(live1))
	bm.MarkGreyIfWhite(bm.BitIndexOf(live2))
	bm.MarkBlack(bm.BitIndexOf(live2))

	sweeper := &recordingSweeper{sizes: map[uintptr]uintptr{live1: 8, live2: 8}}
	bm.Sweep(sweeper, 0)

	if len(sweeper.liveCells) != 2 || sweeper.liveCells[0] != live1 || sweeper.liveCells[1] != live2 {
		t.Fatalf("precise sweep visited %v, want [%#x %#x]", sweeper.liveCells, live1, live2)
	}

	if len(sweeper.largeGaps) != 0 || len(sweeper.deadSpans) != 0 {
		t.Fatal("precise sweep must never call ProcessLargeGap or ProcessDeadSpace")
	}
}

// TestSweepImpreciseScenario is spec.md §8 scenario 5: layout
// [live32][dead96][live32][dead400][live32][dead64-trailing], threshold 256.
// The 96-byte gap is below threshold and must produce no callback at all;
// the 400-byte gap must produce exactly one ProcessLargeGap; the trailing
// 64 bytes after the last live cell must produce exactly one
// ProcessDeadSpace regardless of size.
func TestSweepImpreciseScenario(t *testing.T) {
	const base uintptr = 0x8000

	live1 := base
	live2 := live1 + 32 + 96
	live3 := live2 + 32 + 400

	const liveSize = 32

	total := (live3 + liveSize + 64) - base

	bm := New(base, total, 1)

	for _, cell := range []uintptr{live1, live2, live3} {
		bi := bm.BitIndexOf(cell)
		bm.MarkGreyIfWhite(bi)
		bm.MarkBlack(bi)
	}

	sweeper := &recordingSweeper{sizes: map[uintptr]uintptr{live1: liveSize, live2: liveSize, live3: liveSize}}
	bm.Sweep(sweeper, 256)

	if len(sweeper.liveCells) != 3 {
		t.Fatalf("expected 3 live cells visited, got %d: %v", len(sweeper.liveCells), sweeper.liveCells)
	}

	if len(sweeper.largeGaps) != 1 {
		t.Fatalf("expected exactly one ProcessLargeGap (the 400-byte gap), got %d: %v", len(sweeper.largeGaps), sweeper.largeGaps)
	}

	wantGap := [2]uintptr{live2 + liveSize, live3}
	if sweeper.largeGaps[0] != wantGap {
		t.Fatalf("ProcessLargeGap bounds = %v, want %v", sweeper.largeGaps[0], wantGap)
	}

	if len(sweeper.deadSpans) != 1 {
		t.Fatalf("expected exactly one trailing ProcessDeadSpace, got %d: %v", len(sweeper.deadSpans), sweeper.deadSpans)
	}

	wantTail := [2]uintptr{live3 + liveSize, uintptr(64)}
	if sweeper.deadSpans[0] != wantTail {
		t.Fatalf("trailing ProcessDeadSpace = %v, want %v", sweeper.deadSpans[0], wantTail)
	}
}

func TestSweepImpreciseNothingMarkedProducesNoCallbacks(t *testing.T) {
	bm := New(0x9000, 256, 1)

	sweeper := &recordingSweeper{sizes: map[uintptr]uintptr{}}
	bm.Sweep(sweeper, 128)

	if len(sweeper.liveCells) != 0 || len(sweeper.largeGaps) != 0 || len(sweeper.deadSpans) != 0 {
		t.Fatal("an empty bitmap should produce no sweep callbacks at all")
	}
}
