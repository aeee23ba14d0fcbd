// Package regionalloc implements the fixed-size region allocator: a
// first-fit allocator over a committed/allocated bitmap pair sized to the
// region table's region count.
package regionalloc

import (
	"sync"

	"github.com/orizon-lang/orizon-heap/internal/heap/herrors"
	"github.com/orizon-lang/orizon-heap/internal/heap/osmem"
	"github.com/orizon-lang/orizon-heap/internal/heap/region"
)

// Allocator tracks which regions of a region.Table are allocated and
// committed. All mutations are serialized by mu, matching spec.md §5's
// "region allocator bitmaps are guarded by an internal lock".
type Allocator struct {
	mu        sync.Mutex
	table     *region.Table
	allocated bitset
	committed bitset
	capacity  int
	committedCount int
}

// New creates an allocator covering every region in table; all regions
// start free and uncommitted.
func New(table *region.Table) *Allocator {
	return &Allocator{
		table:     table,
		allocated: newBitset(table.NumRegions()),
		committed: newBitset(table.NumRegions()),
		capacity:  table.NumRegions(),
	}
}

// Capacity returns the total number of regions managed.
func (a *Allocator) Capacity() int { return a.capacity }

// Bounds returns [0, Capacity()).
func (a *Allocator) Bounds() (int, int) { return 0, a.capacity }

// IsValidRegionID reports whether id is within [0, Capacity()).
func (a *Allocator) IsValidRegionID(id region.ID) bool {
	return id >= 0 && int(id) < a.capacity
}

// Contains reports whether addr falls within the managed range.
func (a *Allocator) Contains(addr uintptr) bool {
	return a.table.IDOf(addr) != region.InvalidID
}

// Allocate returns the first region of a contiguous run of n free regions
// using first-fit search over the free bitmap, tie-broken by lowest region
// id, or region.InvalidID if no such run exists.
func (a *Allocator) Allocate(n int) region.ID {
	if n <= 0 {
		return region.InvalidID
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	start, ok := a.allocated.firstFreeRun(n)
	if !ok {
		return region.InvalidID
	}

	for i := start; i < start+n; i++ {
		a.allocated.set(i)
	}

	return region.ID(start)
}

// Free marks [firstID, firstID+n) free. It is fatal to free a region that
// is not currently allocated — that is a double-free, an invariant
// violation per spec.md §7.
func (a *Allocator) Free(firstID region.ID, n int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := int(firstID); i < int(firstID)+n; i++ {
		if !a.allocated.isSet(i) {
			herrors.Fatal(herrors.CategoryInvariant, "DOUBLE_FREE",
				"free of a region that is not allocated", map[string]interface{}{"region": i})
		}

		a.allocated.clear(i)
	}
}

// Commit delegates to the OS to back [firstID, firstID+n) with real pages.
// Committing an already-committed region is fatal.
func (a *Allocator) Commit(firstID region.ID, n int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := int(firstID); i < int(firstID)+n; i++ {
		if a.committed.isSet(i) {
			herrors.Fatal(herrors.CategoryInvariant, "DOUBLE_COMMIT",
				"commit of an already-committed region", map[string]interface{}{"region": i})
		}
	}

	addr := a.table.Address(firstID)
	size := uintptr(n) * a.table.RegionSize()

	if err := osmem.Commit(addr, size); err != nil {
		return err
	}

	for i := int(firstID); i < int(firstID)+n; i++ {
		a.committed.set(i)
	}

	a.committedCount += n

	return nil
}

// Uncommit delegates to the OS to release backing pages for
// [firstID, firstID+n). A region is uncommitted while still allocated,
// before it is freed; uncommitting a free region, or one that was never
// committed, is fatal — spec.md §4.B requires committed state to stay
// consistent with allocated state.
func (a *Allocator) Uncommit(firstID region.ID, n int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := int(firstID); i < int(firstID)+n; i++ {
		if !a.allocated.isSet(i) {
			herrors.Fatal(herrors.CategoryInvariant, "UNCOMMIT_FREE",
				"uncommit of a region that is not allocated", map[string]interface{}{"region": i})
		}

		if !a.committed.isSet(i) {
			herrors.Fatal(herrors.CategoryInvariant, "UNCOMMIT_UNCOMMITTED",
				"uncommit of a region that was never committed", map[string]interface{}{"region": i})
		}
	}

	addr := a.table.Address(firstID)
	size := uintptr(n) * a.table.RegionSize()

	if err := osmem.Uncommit(addr, size); err != nil {
		return err
	}

	for i := int(firstID); i < int(firstID)+n; i++ {
		a.committed.clear(i)
	}

	a.committedCount -= n

	return nil
}

// CommittedCount returns the number of currently committed regions.
func (a *Allocator) CommittedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.committedCount
}

// IsAllocated reports whether region id is currently allocated. Exposed
// mainly for tests and invariant checks (spec.md §8's round-trip property).
func (a *Allocator) IsAllocated(id region.ID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.allocated.isSet(int(id))
}

// Snapshot returns a copy of the free bitmap, used by tests to check the
// "allocate then free n regions returns the bitmap to its prior value"
// round-trip property.
func (a *Allocator) Snapshot() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	cp := make([]uint64, len(a.allocated.words))
	copy(cp, a.allocated.words)

	return cp
}
