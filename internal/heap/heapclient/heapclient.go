// Package heapclient is the top-level orchestration layer (spec.md §6): it
// wires the region manager, account, mark bitmap, and safepoint packages
// into a single heap handle, adapts the external root-enumeration and
// sweeper callbacks down to the collector's narrower internal interfaces,
// and exposes the client surface (createHeap/allocateObject/allocateArray/
// allocateTLAB/collect).
package heapclient

import (
	"sync"
	"unsafe"

	"github.com/Masterminds/semver/v3"

	"github.com/orizon-lang/orizon-heap/internal/heap/account"
	"github.com/orizon-lang/orizon-heap/internal/heap/freechunk"
	"github.com/orizon-lang/orizon-heap/internal/heap/heapregion"
	"github.com/orizon-lang/orizon-heap/internal/heap/herrors"
	"github.com/orizon-lang/orizon-heap/internal/heap/markbitmap"
	"github.com/orizon-lang/orizon-heap/internal/heap/region"
	"github.com/orizon-lang/orizon-heap/internal/heap/safepoint"
	"github.com/orizon-lang/orizon-heap/internal/heap/tlab"
	"github.com/orizon-lang/orizon-heap/internal/heap/tuning"
)

// supportedRegionVersion gates region-table header compatibility
// (spec.md §9, SPEC_FULL §4.L): this build understands any 1.x table.
var supportedRegionVersion = mustConstraint(">= 1.0.0, < 2.0.0")

func mustConstraint(s string) *semver.Constraints {
	c, err := semver.NewConstraint(s)
	if err != nil {
		panic(err) // a malformed literal constraint is a build-time bug
	}

	return c
}

func checkRegionVersion() error {
	v, err := semver.NewVersion(region.HeaderVersion)
	if err != nil {
		return herrors.VersionMismatch(region.HeaderVersion, supportedRegionVersion.String())
	}

	if !supportedRegionVersion.Check(v) {
		return herrors.VersionMismatch(region.HeaderVersion, supportedRegionVersion.String())
	}

	return nil
}

// PointerIndexVisitor is invoked once per candidate root slot during root
// enumeration (spec.md §6).
type PointerIndexVisitor interface {
	// Visit reports that word index wordIndex of the given thread-locals
	// block may hold a reference.
	Visit(threadLocals uintptr, wordIndex int)
	// VisitCell reports that cell is itself a root (a boot-image object).
	VisitCell(cell uintptr)
}

// RootEnumerator is the external, registered-once callback that walks
// every mutator's stack/register slots and the boot image.
type RootEnumerator interface {
	EnumerateRoots(v PointerIndexVisitor)
}

// rootAdapter adapts a RootEnumerator down to markbitmap.RootSource by
// resolving each reported (threadLocals, wordIndex) pair to the reference
// it holds.
type rootAdapter struct {
	enum RootEnumerator
	mark func(uintptr)
}

func (r *rootAdapter) EnumerateRoots(mark func(uintptr)) {
	r.mark = mark
	r.enum.EnumerateRoots(r)
}

func (r *rootAdapter) Visit(threadLocals uintptr, wordIndex int) {
	slot := threadLocals + uintptr(wordIndex)*unsafe.Sizeof(uintptr(0))

	addr := *(*uintptr)(unsafe.Pointer(slot))
	if addr != 0 {
		r.mark(addr)
	}
}

func (r *rootAdapter) VisitCell(cell uintptr) {
	r.mark(cell)
}

// Heap is a single heap instance: the region manager, the mark bitmap and
// tracer over it, the safepoint coordinator mutators register with, and
// the free-chunk list a sweep replenishes and TLAB refills draw from.
type Heap struct {
	opt *tuning.Live

	manager *heapregion.Manager
	bootAcc *account.Account
	mainAcc *account.Account

	coord  *safepoint.Coordinator
	bitmap *markbitmap.Bitmap
	tracer *markbitmap.Tracer
	oracle markbitmap.LayoutOracle

	rootEnum RootEnumerator
	refill   *heapRefillManager

	freeListMu   sync.Mutex
	freeListHead uintptr
}

// CreateHeap reserves a virtual range sized by opt's region geometry,
// publishes the region table and mark bitmap over it, and opens the main
// account every mutator-facing allocation draws from. oracle and rootEnum
// are the external collaborators of spec.md §6.
func CreateHeap(opt *tuning.Options, oracle markbitmap.LayoutOracle, rootEnum RootEnumerator) (*Heap, error) {
	if err := checkRegionVersion(); err != nil {
		return nil, err
	}

	manager, bootAcc, err := heapregion.CreateHeap(opt.RegionSizeInBytes, opt.NumRegions)
	if err != nil {
		return nil, err
	}

	mainReserve := opt.NumRegions - bootAcc.Reserve()

	mainAcc, ok := manager.OpenAccount("main", mainReserve)
	if !ok {
		return nil, herrors.OutOfHeap("main", mainReserve)
	}

	coord, err := safepoint.NewCoordinator(opt.UseCASBasedThreadFreezing, opt.SafepointSpinBeforeYield)
	if err != nil {
		return nil, err
	}

	coveredSize := uintptr(opt.NumRegions) * opt.RegionSizeInBytes
	bitmap := markbitmap.New(manager.Table().Base(), coveredSize, opt.WordsCoveredPerBit)

	strategy := markbitmap.LinearRescan
	if opt.UseRescanMap {
		strategy = markbitmap.RescanMapStrategy
	}

	tracer := markbitmap.NewTracer(bitmap, oracle, markbitmap.TracerConfig{
		Strategy:      strategy,
		DeepFlush:     opt.UseDeepMarkStackFlush,
		StackCapacity: opt.MarkStackCapacity,
		RegionSize:    opt.RegionBytesPerRescan,
	})

	h := &Heap{
		opt:      tuning.NewLive(opt),
		manager:  manager,
		bootAcc:  bootAcc,
		mainAcc:  mainAcc,
		coord:    coord,
		bitmap:   bitmap,
		tracer:   tracer,
		oracle:   oracle,
		rootEnum: rootEnum,
	}
	h.refill = &heapRefillManager{h: h}

	return h, nil
}

// Options returns the heap's current (possibly hot-reloaded) tuning
// snapshot.
func (h *Heap) Options() tuning.Options { return h.opt.Snapshot() }

// Tuning exposes the live tuning handle so a caller can wire it to a
// tuning.Watcher for hot reload.
func (h *Heap) Tuning() *tuning.Live { return h.opt }

// Close tears down the heap's reserved virtual range. No mutator or VM
// operation may be in flight when this is called.
func (h *Heap) Close() error {
	return h.manager.Close()
}

// heapRefillManager implements tlab.RefillManager by first trying the
// free-chunk list a sweep populates, then falling back to fresh regions
// from the main account (or, for requests larger than a single region, a
// direct contiguous multi-region run).
type heapRefillManager struct {
	h *Heap
}

func (r *heapRefillManager) AllocateTLAB(requestedSize, leftoverStart, leftoverSize uintptr) (uintptr, uintptr, bool) {
	base, length := r.h.refillTLAB(requestedSize)
	return base, length, false
}

func (h *Heap) refillTLAB(requestedSize uintptr) (uintptr, uintptr) {
	if chunk := h.popFreeChunk(requestedSize); chunk != 0 {
		return chunk, freechunk.Size(chunk)
	}

	regionSize := h.manager.Table().RegionSize()

	if requestedSize <= regionSize {
		id := h.mainAcc.Allocate()
		if id == region.InvalidID {
			return 0, 0
		}

		return h.manager.Table().Address(id), regionSize
	}

	regionsNeeded := int((requestedSize + regionSize - 1) / regionSize)

	id := h.manager.AllocateRegionRun(regionsNeeded)
	if id == region.InvalidID {
		return 0, 0
	}

	return h.manager.Table().Address(id), uintptr(regionsNeeded) * regionSize
}

// popFreeChunk removes and returns the first chunk in the free list at
// least minSize bytes long, or 0 if none qualifies.
func (h *Heap) popFreeChunk(minSize uintptr) uintptr {
	h.freeListMu.Lock()
	defer h.freeListMu.Unlock()

	var prev uintptr

	for cur := h.freeListHead; cur != 0; cur = freechunk.Next(cur) {
		if freechunk.Size(cur) < minSize {
			prev = cur
			continue
		}

		if prev == 0 {
			h.freeListHead = freechunk.Next(cur)
		} else {
			freechunk.SetNext(prev, freechunk.Next(cur))
		}

		return cur
	}

	return 0
}

// pushFreeChunk prepends addr, already formatted as a free chunk, to the
// free list.
func (h *Heap) pushFreeChunk(addr uintptr) {
	h.freeListMu.Lock()
	defer h.freeListMu.Unlock()

	freechunk.SetNext(addr, h.freeListHead)
	h.freeListHead = addr
}

// heapSweeper is the Heap's own markbitmap.Sweeper: it folds every gap a
// sweep discovers back into the free list that TLAB refills drain.
type heapSweeper struct{ h *Heap }

func (s *heapSweeper) ProcessLiveObject(cell uintptr) uintptr {
	return s.h.oracle.Layout(cell).End(cell)
}

func (s *heapSweeper) ProcessLargeGap(prevEnd, nextStart uintptr) uintptr {
	freechunk.Format(prevEnd, nextStart-prevEnd, 0, s.h.opt.Snapshot().TLABDebugTagWord)
	s.h.pushFreeChunk(prevEnd)

	return nextStart
}

func (s *heapSweeper) ProcessDeadSpace(start, bytes uintptr) {
	freechunk.FillDead(start, bytes)
}

// Collect submits a VM operation whose doIt marks every object reachable
// from the roots the heap's RootEnumerator reports and sweeps the result
// back into the free list (spec.md §6 "GC trigger"). cause only names the
// operation.
func (h *Heap) Collect(cause string) error {
	op := &safepoint.Operation{
		Name: "collect:" + cause,
		Mode: safepoint.SafepointMode,
		DoIt: func() error {
			adapter := &rootAdapter{enum: h.rootEnum}
			h.tracer.MarkAll(adapter)
			h.bitmap.Sweep(&heapSweeper{h: h}, h.opt.Snapshot().MinReclaimableBytes)

			return nil
		},
	}

	return h.coord.Submit(op)
}

// Mutator is one heap client thread: a registered safepoint.Thread paired
// with its own TLAB allocator.
type Mutator struct {
	*safepoint.Thread

	h    *Heap
	tlab *tlab.Allocator
}

// NewMutator registers a new mutator thread against the heap's safepoint
// coordinator and gives it an empty TLAB that will refill on first use.
func (h *Heap) NewMutator() *Mutator {
	snap := h.opt.Snapshot()
	t := h.coord.Register()
	alloc := tlab.New(0, 0, snap.TLABMinChunkSize, snap.TLABDebugTagWord, h.refill)

	return &Mutator{Thread: t, h: h, tlab: alloc}
}

// AllocateObject bumps cellSize bytes out of the mutator's TLAB, refilling
// through the heap's free list or region allocator as needed. Returns 0 on
// failure; the caller should then request a collection via Heap.Collect
// and retry (spec.md §6).
func (m *Mutator) AllocateObject(cellSize uintptr) uintptr {
	return m.tlab.AllocateTLAB(cellSize)
}

// AllocateArray is AllocateObject sized for length elements of elementSize
// bytes each (the caller's layout oracle is responsible for accounting for
// any array header ahead of the elements).
func (m *Mutator) AllocateArray(elementSize uintptr, length int) uintptr {
	return m.tlab.AllocateTLAB(elementSize * uintptr(length))
}

// AllocateTLAB installs (or re-fast-paths) a TLAB span of at least size
// bytes and returns its base address, or 0 on failure.
func (m *Mutator) AllocateTLAB(size uintptr) uintptr {
	return m.tlab.AllocateTLAB(size)
}

// Close unregisters the mutator from its heap's safepoint coordinator.
func (m *Mutator) Close() {
	m.h.coord.Unregister(m.Thread)
}
