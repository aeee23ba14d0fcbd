package safepoint

import (
	"runtime"
	"time"
)

// backoff implements the graduated wait of spec.md §4.J "Freeze": for a
// configured number of iterations it yields the processor
// (runtime.Gosched) rather than busy-spinning, then falls back to sleeps
// that start at 1ms and double up to 16ms.
type backoff struct {
	spinBudget int
	spun       int
	sleep      time.Duration
}

func newBackoff(spinBeforeYield int) *backoff {
	if spinBeforeYield <= 0 {
		spinBeforeYield = 1
	}

	return &backoff{spinBudget: spinBeforeYield}
}

func (b *backoff) wait() {
	if b.spun < b.spinBudget {
		b.spun++
		runtime.Gosched()

		return
	}

	if b.sleep == 0 {
		b.sleep = time.Millisecond
	} else if b.sleep < 10*time.Millisecond {
		b.sleep *= 2
	}

	time.Sleep(b.sleep)
}
