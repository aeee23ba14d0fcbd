// Package linalloc implements the bump allocator that backs every linear
// allocation in the heap manager: the bootstrap allocator used while the
// heap region manager initializes itself, and the base type the multi-chunk
// TLAB allocator (internal/heap/tlab) extends. Request sizes are not
// rounded: top stays word-aligned only while every request size is a
// multiple of the word size.
package linalloc

import (
	"sync/atomic"

	"github.com/orizon-lang/orizon-heap/internal/heap/herrors"
)

// debugTagWord is written immediately before every cell handed out by an
// allocator created with debugTag set, and counted in AllocationSize; it
// lets a heap walk sanity-check that it is looking at a genuine allocation
// boundary.
const debugTagWord uintptr = 0xDEADC0DE

// RefillManager supplies fresh linear ranges when an Allocator's current
// range is exhausted. It must never be nil; an exhausted heap is signaled
// by AllocateRefill returning ok=false, not by a nil RefillManager.
type RefillManager interface {
	// AllocateRefill is asked to satisfy a request of `size` bytes given
	// that `leftover` bytes remain in the current range starting at
	// leftoverStart. It returns the base of a fresh linear range and its
	// length, or ok=false if none is available.
	AllocateRefill(leftoverStart uintptr, leftover uintptr, size uintptr) (base uintptr, length uintptr, ok bool)
}

// Allocator is a record {start, top, end, hardLimit, headroom}. Bump
// allocation advances top via CAS; single-writer per instance on the bump
// path, multi-reader during a GC pause, per spec.md §4.E.
type Allocator struct {
	start     uintptr
	top       uintptr // atomic
	end       uintptr
	hardLimit uintptr
	headroom  uintptr
	debugTag  bool
	refill    RefillManager
}

// New creates an allocator over [start, start+size), reserving headroom
// bytes at the top of the range (end = hardLimit - headroom) and delegating
// refills to mgr.
func New(start, size, headroom uintptr, debugTag bool, mgr RefillManager) *Allocator {
	hardLimit := start + size
	end := hardLimit
	if headroom <= size {
		end = hardLimit - headroom
	}

	return &Allocator{
		start:     start,
		top:       start,
		end:       end,
		hardLimit: hardLimit,
		headroom:  headroom,
		debugTag:  debugTag,
		refill:    mgr,
	}
}

// Start, Top, End, HardLimit report the allocator's current geometry.
// Invariant: start <= top <= end <= hardLimit (spec.md §3).
func (a *Allocator) Start() uintptr     { return a.start }
func (a *Allocator) Top() uintptr       { return atomic.LoadUintptr(&a.top) }
func (a *Allocator) End() uintptr       { return a.end }
func (a *Allocator) HardLimit() uintptr { return a.hardLimit }

// AllocationSize returns the actual number of bytes a request of `size`
// consumes, including any debug tag.
func (a *Allocator) AllocationSize(size uintptr) uintptr {
	if a.debugTag {
		return size + tagSize
	}

	return size
}

const tagSize = 8

// Allocate bumps top by AllocationSize(size), refilling through the
// configured RefillManager when the current range is exhausted, and
// retrying the CAS on contention. Returns 0 if the refill manager cannot
// satisfy the request — allocation failure is recoverable, per spec.md §7,
// not fatal.
func (a *Allocator) Allocate(size uintptr) uintptr {
	need := a.AllocationSize(size)

	for {
		top := atomic.LoadUintptr(&a.top)
		cell := top

		if a.debugTag {
			cell = top + tagSize
		}

		newTop := top + need

		if newTop > a.end {
			base, length, ok := a.refill.AllocateRefill(top, a.end-top, size)
			if !ok {
				return 0
			}

			// Install the fresh range and retry the bump from scratch.
			a.start = base
			atomic.StoreUintptr(&a.top, base)
			a.end = base + length
			a.hardLimit = base + length

			continue
		}

		if atomic.CompareAndSwapUintptr(&a.top, top, newTop) {
			if a.debugTag {
				*(*uintptr)(ptrAt(top)) = debugTagWord
			}

			return cell
		}
	}
}

// Trim compresses the allocator's declared size down to exactly what has
// been handed out, preventing any further allocation from this instance.
func (a *Allocator) Trim() {
	top := atomic.LoadUintptr(&a.top)
	a.end = top
	a.hardLimit = top
}

// AssertBounds panics (a fatal invariant violation) if start<=top<=end<=hardLimit
// does not hold; intended for use in tests and debug builds.
func (a *Allocator) AssertBounds() {
	top := atomic.LoadUintptr(&a.top)
	if !(a.start <= top && top <= a.end && a.end <= a.hardLimit) {
		herrors.Fatal(herrors.CategoryInvariant, "LINALLOC_BOUNDS",
			"linear allocator invariant start<=top<=end<=hardLimit violated",
			map[string]interface{}{"start": a.start, "top": top, "end": a.end, "hardLimit": a.hardLimit})
	}
}
