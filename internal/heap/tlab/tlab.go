// Package tlab implements the multi-chunk thread-local allocation buffer
// allocator: a lock-free bump fast path over linalloc.Allocator, with a
// refill-lock-guarded slow path that can install either a fresh contiguous
// chunk or a linked list of heap-free-chunk-formatted spans.
package tlab

import (
	"sync"
	"sync/atomic"

	"github.com/orizon-lang/orizon-heap/internal/heap/freechunk"
	"github.com/orizon-lang/orizon-heap/internal/heap/linalloc"
)

// RefillManager supplies the slow path with either a single contiguous
// chunk (multiChunk=false: the allocator formats base as a one-element free
// chunk with next=0, per the resolved Open Question in spec.md §9) or the
// head of an already-linked chain of heap-free-chunk-formatted spans
// (multiChunk=true: the manager has already called freechunk.Format on
// every link in the chain, including each next pointer, terminating the
// chain in next=0 — spec.md §4.F case (b), the "multi-chunk TLAB"). When
// multiChunk is true the allocator must preserve the manager's next
// pointers rather than overwrite them, and walks the rest of the chain one
// link at a time as each installed range is exhausted, only calling back
// into AllocateTLAB once the chain runs out. A length of 0 signals that no
// span could be found, which the allocator propagates as an AllocateTLAB
// failure (0) for the caller to handle by requesting a collection, per
// spec.md §6's "null return" contract.
type RefillManager interface {
	AllocateTLAB(requestedSize, leftoverStart, leftoverSize uintptr) (base, length uintptr, multiChunk bool)
}

// Allocator is a linalloc.Allocator extended with a refill lock so that
// only the slow path (installing a new chunk or multi-chunk list) is
// serialized; the CAS bump fast path remains lock-free.
type Allocator struct {
	*linalloc.Allocator
	refillMu      sync.Mutex
	refillMgr     RefillManager
	minChunkSize  uintptr
	tagWord       uintptr
	currentLength uintptr // atomic: bytes remaining in the currently installed chunk
	chainNext     uintptr // next link of a manager-supplied multi-chunk TLAB, 0 if none pending
}

// tlabRefillAdapter lets Allocator itself satisfy linalloc.RefillManager,
// so the embedded bump allocator's own refill calls land on the TLAB slow
// path below instead of a bare linear range.
type tlabRefillAdapter struct{ a *Allocator }

func (r tlabRefillAdapter) AllocateRefill(leftoverStart, leftover, size uintptr) (uintptr, uintptr, bool) {
	base, length := r.a.slowRefill(size, leftoverStart, leftover)
	return base, length, length > 0
}

// New creates a TLAB allocator with the given minimum chunk size (spans
// smaller than this are dead-filled rather than linked into a free list,
// per spec.md §4.F) and debug tag word used to format free-chunk headers.
func New(start, size, minChunkSize, tagWord uintptr, mgr RefillManager) *Allocator {
	a := &Allocator{refillMgr: mgr, minChunkSize: minChunkSize, tagWord: tagWord}
	a.Allocator = linalloc.New(start, size, 0, false, tlabRefillAdapter{a})

	return a
}

// AllocateTLAB attempts the fast non-blocking CAS bump path on the current
// chunk first; a request exactly equal to the remaining chunk size still
// takes this path (spec.md §8 boundary behavior). A request that does not
// fit the current chunk takes the refill-lock-guarded slow path.
func (a *Allocator) AllocateTLAB(requestedSize uintptr) uintptr {
	if a.Top()+a.AllocationSize(requestedSize) <= a.End() {
		if ptr := a.Allocator.Allocate(requestedSize); ptr != 0 {
			return ptr
		}
	}

	a.refillMu.Lock()
	defer a.refillMu.Unlock()

	// Under the lock Allocate first re-checks the current chunk (another
	// goroutine may have refilled while we were waiting) and only then
	// refills through slowRefill.
	return a.Allocator.Allocate(requestedSize)
}

// slowRefill runs under refillMu. It drains whatever is left of the
// current chunk — formatting it as a free chunk if it's large enough to
// hold one, or dead-filling it otherwise — then either advances to the
// next link of a pending multi-chunk TLAB or asks the refill manager for a
// new span.
func (a *Allocator) slowRefill(size, leftoverStart, leftover uintptr) (uintptr, uintptr) {
	if leftover > 0 {
		if leftover >= a.minChunkSize {
			freechunk.Format(leftoverStart, leftover, 0, a.tagWord)
		} else {
			freechunk.FillDead(leftoverStart, leftover)
		}
	}

	// A previous refill installed a multi-chunk TLAB (spec.md §4.F case
	// (b)): walk to the next already-formatted link before asking the
	// refill manager again.
	if a.chainNext != 0 {
		base := a.chainNext
		length := freechunk.Size(base)
		a.chainNext = freechunk.Next(base)
		atomic.StoreUintptr(&a.currentLength, length)

		return base, length
	}

	base, length, multiChunk := a.refillMgr.AllocateTLAB(size, leftoverStart, leftover)
	if length == 0 {
		return 0, 0
	}

	if multiChunk {
		// The refill manager has already formatted base as the head of a
		// linked list of heap-free-chunk spans; preserve its next pointer
		// rather than overwrite it.
		a.chainNext = freechunk.Next(base)
	} else {
		// A single fresh contiguous chunk: format it as a one-element free
		// chunk (next = 0), per the resolved Open Question on the CAS fast
		// path in spec.md §9.
		freechunk.Format(base, length, 0, a.tagWord)
		a.chainNext = 0
	}

	atomic.StoreUintptr(&a.currentLength, length)

	return base, length
}

// CurrentLength reports the size of the most recently installed chunk,
// used by tests checking the "request exactly equal to chunk size uses the
// fast path" boundary behavior.
func (a *Allocator) CurrentLength() uintptr {
	return atomic.LoadUintptr(&a.currentLength)
}
