package markbitmap

// Sweep walks the color map after marking completes, handing live/dead
// intervals to sweeper. minReclaimableBytes == 0 selects the precise mode
// (spec.md §4.H "Precise sweep"); a positive value selects imprecise mode,
// where gaps smaller than the threshold are left in place rather than
// reported.
func (b *Bitmap) Sweep(sweeper Sweeper, minReclaimableBytes uintptr) {
	if minReclaimableBytes == 0 {
		b.sweepPrecise(sweeper)
	} else {
		b.sweepImprecise(sweeper, minReclaimableBytes)
	}
}

// sweepPrecise invokes ProcessLiveObject for every black cell; the sweeper
// itself is responsible for recording the dead interval between successive
// live cells.
func (b *Bitmap) sweepPrecise(sweeper Sweeper) {
	limit := b.Rightmost()
	if limit < 0 {
		return
	}

	for bi := b.Leftmost(); bi <= limit; bi++ {
		if b.IsBlack(bi) {
			sweeper.ProcessLiveObject(b.AddressOf(bi))
		}
	}
}

// sweepImprecise invokes ProcessLargeGap only for gaps between adjacent
// live cells that are at least minReclaimableBytes; shorter inter-object
// gaps are left in place (no callback at all — they are already valid,
// dead-filled spans too small to be worth reclaiming). The span before the
// first live cell and after the last (up to CoveredEnd) are always
// reported via ProcessDeadSpace regardless of size, as required by
// spec.md §4.H.
func (b *Bitmap) sweepImprecise(sweeper Sweeper, minReclaimableBytes uintptr) {
	limit := b.Rightmost()
	prevEnd := b.CoveredStart()
	sawLive := false

	if limit >= 0 {
		for bi := b.Leftmost(); bi <= limit; bi++ {
			if !b.IsBlack(bi) {
				continue
			}

			cell := b.AddressOf(bi)

			if !sawLive {
				if cell > b.CoveredStart() {
					sweeper.ProcessDeadSpace(b.CoveredStart(), cell-b.CoveredStart())
				}
			} else if gap := cell - prevEnd; gap >= minReclaimableBytes {
				sweeper.ProcessLargeGap(prevEnd, cell)
			}

			prevEnd = sweeper.ProcessLiveObject(cell)
			sawLive = true
		}
	}

	if sawLive {
		if tail := b.CoveredEnd() - prevEnd; tail > 0 {
			sweeper.ProcessDeadSpace(prevEnd, tail)
		}
	}
}
