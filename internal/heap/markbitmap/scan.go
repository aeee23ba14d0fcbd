package markbitmap

import (
	"github.com/orizon-lang/orizon-heap/internal/heap/herrors"
	"github.com/orizon-lang/orizon-heap/internal/heap/markstack"
)

// OverflowStrategy selects how the tracer recovers when the marking stack
// overflows (spec.md §4.H "Marking-stack overflow").
type OverflowStrategy int

const (
	// LinearRescan flushes by leaving each flushed cell grey (or, with
	// DeepFlush, visiting it in place), then re-scans
	// [leftmostFlushed, forwardFinger) with a separate overflow finger.
	LinearRescan OverflowStrategy = iota
	// RescanMapStrategy dirties a per-region bit on flush instead of
	// greying depth-first, and recovers by scanning only dirty regions.
	RescanMapStrategy
)

// TracerConfig selects the behavior of a Tracer beyond the bitmap/oracle it
// is built from.
type TracerConfig struct {
	Strategy       OverflowStrategy
	DeepFlush      bool // linear strategy only: flush also visits refs and marks BLACK
	StackCapacity  int
	RegionSize     uintptr // bytes per region, for the rescan-map strategy
}

// Tracer drives the forward-scan/drain/overflow-recovery state machine of
// spec.md §4.H over a single Bitmap. It is single-threaded: it runs only on
// the VM operation thread between freeze and thaw (spec.md §5).
type Tracer struct {
	bitmap *Bitmap
	oracle LayoutOracle
	cfg    TracerConfig
	stack  *markstack.Stack
	rescan *markstack.RescanMap

	recoveryScanCount int
	overflowFinger    uintptr
	nextScanStart     uintptr
	flushLeftmost     uintptr
	flushPending      bool
}

// NewTracer builds a tracer over bitmap using oracle to discover outgoing
// references, configured per cfg.
func NewTracer(bitmap *Bitmap, oracle LayoutOracle, cfg TracerConfig) *Tracer {
	t := &Tracer{bitmap: bitmap, oracle: oracle, cfg: cfg}

	if cfg.Strategy == RescanMapStrategy {
		numRegions := int((bitmap.CoveredEnd()-bitmap.CoveredStart())/cfg.RegionSize) + 1
		t.rescan = markstack.NewRescanMap(numRegions)
	}

	t.stack = markstack.New(cfg.StackCapacity, t.onOverflow)

	return t
}

// RecoveryScanCount reports how many overflow-recovery passes have run,
// used by tests checking spec.md §8 scenario 3.
func (t *Tracer) RecoveryScanCount() int { return t.recoveryScanCount }

// MarkAll runs phases 1-5 of spec.md §4.H: clear, mark roots, forward scan,
// drain, and rightmost growth, iterating until the rightmost bound is
// stable. It is fatal if any grey mark survives strictly before the
// forward finger once the scan terminates (spec.md §4.H "Failure
// semantics").
func (t *Tracer) MarkAll(roots RootSource) {
	t.bitmap.Clear()

	roots.EnumerateRoots(func(cell uintptr) {
		if cell < t.bitmap.CoveredStart() || cell >= t.bitmap.CoveredEnd() {
			return
		}

		t.bitmap.MarkGreyIfWhite(t.bitmap.BitIndexOf(cell))
	})

	if t.bitmap.Leftmost() == -1 {
		return // nothing reachable
	}

	t.bitmap.finger = t.bitmap.AddressOf(t.bitmap.Leftmost())

	for {
		t.forwardScan()
		t.drain()

		if t.bitmap.Rightmost() <= t.bitmap.BitIndexOf(t.bitmap.finger) {
			break
		}
	}

	t.assertNoGreyBeforeFinger()
}

// forwardScan walks the color map word by word from the finger's bit index
// up to the rightmost marked bound, visiting every grey cell found
// (spec.md §4.H phase 3).
func (t *Tracer) forwardScan() {
	bi := t.bitmap.BitIndexOf(t.bitmap.finger)

	for bi <= t.bitmap.Rightmost() {
		wi := wordIndex(bi)
		w := t.bitmap.words[wi]

		if !hasGreyInWord(w) && !t.crossesWordGrey(wi, bi) {
			bi = (wi + 1) * 64
			continue
		}

		if t.bitmap.IsGrey(bi) {
			jump := t.visitCell(bi)
			if jump <= bi {
				jump = bi + 1
			}

			bi = jump
		} else {
			bi++
		}
	}
}

// crossesWordGrey checks the one pair that can straddle the boundary
// between word wi and word wi+1 (leading bit at position 63), per spec.md
// §3's "after-finger" boundary note and §8's cross-word color scenario.
//
// This must be checked regardless of where bi currently sits within word
// wi: hasGreyInWord(w) only detects pairs fully contained in a single
// word, so a grey pair whose leading bit is word wi's bit 63 is otherwise
// invisible to the word-skip fast path, however far bi has already
// advanced into wi.
func (t *Tracer) crossesWordGrey(wi, bi int) bool {
	if wi+1 >= len(t.bitmap.words) {
		return false
	}

	high := t.bitmap.words[wi]>>63 == 1
	low := t.bitmap.words[wi+1]&1 == 1

	return high && low
}

// visitCell marks the finger to cell, visits every outgoing reference
// (greying whites ahead as forward references, greying-and-pushing whites
// behind as backward references), marks the cell black, and returns the
// bit index to resume scanning from — jumping by the cell's word-aligned
// end rather than bit-by-bit (spec.md §4.H phase 3.4).
func (t *Tracer) visitCell(bi int) int {
	cell := t.bitmap.AddressOf(bi)
	t.bitmap.finger = cell

	layout := t.oracle.Layout(cell)

	layout.ForEachRef(cell, func(ref uintptr) {
		if ref < t.bitmap.CoveredStart() || ref >= t.bitmap.CoveredEnd() {
			return
		}

		refBi := t.bitmap.BitIndexOf(ref)

		if ref > t.bitmap.finger {
			// Forward reference: greying widens rightmost (inside
			// MarkGreyIfWhite) so the scan will reach it naturally.
			t.bitmap.MarkGreyIfWhite(refBi)
		} else if t.bitmap.MarkGreyIfWhite(refBi) {
			// Backward reference: defer the visit via the marking stack.
			t.stack.Push(ref)
		}
	})

	t.bitmap.MarkBlack(bi)

	end := layout.End(cell)
	nextBi := t.bitmap.BitIndexOf(end)
	if nextBi <= bi {
		nextBi = bi + 1
	}

	// Jump the cursor to the start of the word containing end(cell) rather
	// than advancing bit-by-bit, per spec.md §4.H phase 3.4.
	return wordIndex(nextBi) * 64
}

// drain pops and visits every entry the forward scan deferred as a
// backward reference. A cell may have transitioned to black after being
// pushed (visited again via a different forward path); such entries are
// skipped (spec.md §4.H phase 4).
func (t *Tracer) drain() {
	for !t.stack.IsEmpty() {
		cell := t.stack.Pop()
		bi := t.bitmap.BitIndexOf(cell)

		if t.bitmap.IsBlack(bi) {
			continue
		}

		t.visitCellInPlace(bi)
	}
}

// visitCellInPlace is like visitCell but does not move the forward finger
// or jump the scan cursor — it is used for cells popped off the marking
// stack, which lie behind the finger by construction.
func (t *Tracer) visitCellInPlace(bi int) {
	cell := t.bitmap.AddressOf(bi)
	layout := t.oracle.Layout(cell)

	layout.ForEachRef(cell, func(ref uintptr) {
		if ref < t.bitmap.CoveredStart() || ref >= t.bitmap.CoveredEnd() {
			return
		}

		refBi := t.bitmap.BitIndexOf(ref)

		if ref > t.bitmap.finger {
			t.bitmap.MarkGreyIfWhite(refBi)
		} else if t.bitmap.MarkGreyIfWhite(refBi) {
			t.stack.Push(ref)
		}
	})

	t.bitmap.MarkBlack(bi)
}

// onOverflow is the marking stack's configured OverflowHandler, dispatching
// to the selected recovery strategy.
func (t *Tracer) onOverflow(flushed []uintptr) {
	switch t.cfg.Strategy {
	case RescanMapStrategy:
		t.flushToRescanMap(flushed)
	default:
		t.flushLinear(flushed)
	}

	t.recoverFromOverflow()
}

func (t *Tracer) flushToRescanMap(flushed []uintptr) {
	for _, cell := range flushed {
		bi := t.bitmap.BitIndexOf(cell)
		t.bitmap.MarkGreyIfWhite(bi) // flushed cells are only greyed, not visited depth-first
		t.rescan.Set(int((cell - t.bitmap.CoveredStart()) / t.cfg.RegionSize))
	}
}

func (t *Tracer) flushLinear(flushed []uintptr) {
	leftmost := uintptr(0)
	haveLeftmost := false

	for _, cell := range flushed {
		bi := t.bitmap.BitIndexOf(cell)

		if !haveLeftmost || cell < leftmost {
			leftmost = cell
			haveLeftmost = true
		}

		if t.cfg.DeepFlush {
			t.visitCellInPlace(bi)
		} else {
			t.bitmap.MarkGreyIfWhite(bi)
		}
	}

	if !haveLeftmost {
		return
	}

	if !t.flushPending || leftmost < t.flushLeftmost {
		t.flushLeftmost = leftmost
	}

	t.flushPending = true
}

// recoverFromOverflow implements both strategies' recovery contract: after
// it returns, every reference that was on the stack has been visited and
// no cell strictly before the forward finger remains grey.
func (t *Tracer) recoverFromOverflow() {
	t.recoveryScanCount++

	switch t.cfg.Strategy {
	case RescanMapStrategy:
		t.recoverRescanMap()
	default:
		t.recoverLinear()
	}
}

func (t *Tracer) recoverLinear() {
	if !t.flushPending {
		return
	}

	t.overflowFinger = t.flushLeftmost
	t.flushPending = false

	limit := t.bitmap.BitIndexOf(t.bitmap.finger)
	bi := t.bitmap.BitIndexOf(t.overflowFinger)

	for bi < limit {
		if t.bitmap.IsGrey(bi) {
			t.overflowFinger = t.bitmap.AddressOf(bi)
			t.visitCellInPlace(bi)

			// If flushLinear ran again during this visit (nested overflow),
			// restart from its updated leftmost rather than the stale bound.
			if t.flushPending {
				bi = t.bitmap.BitIndexOf(t.flushLeftmost)
				t.flushPending = false

				continue
			}
		}

		bi++
	}
}

func (t *Tracer) recoverRescanMap() {
	limit := t.bitmap.BitIndexOf(t.bitmap.finger)

	for !t.rescan.IsEmpty() {
		r := t.rescan.ClearFirstSet()
		regionStart := t.bitmap.CoveredStart() + uintptr(r)*t.cfg.RegionSize
		regionEnd := regionStart + t.cfg.RegionSize

		bi := t.bitmap.BitIndexOf(regionStart)
		biEnd := t.bitmap.BitIndexOf(regionEnd)
		if biEnd > limit {
			biEnd = limit
		}

		for bi < biEnd {
			if t.bitmap.IsGrey(bi) {
				t.visitCellInPlace(bi)
			}

			bi++
		}
	}
}

// assertNoGreyBeforeFinger enforces the post-scan invariant of spec.md
// §4.H's failure semantics: fatal if any cell strictly before the forward
// finger is still grey once drain has finished.
func (t *Tracer) assertNoGreyBeforeFinger() {
	limit := t.bitmap.BitIndexOf(t.bitmap.finger)

	for bi := 0; bi < limit; bi++ {
		if t.bitmap.IsGrey(bi) {
			herrors.Fatal(herrors.CategoryInvariant, "GREY_BEHIND_FINGER",
				"grey mark survived behind the forward finger after drain",
				map[string]interface{}{"bitIndex": bi, "finger": t.bitmap.finger})
		}
	}
}
