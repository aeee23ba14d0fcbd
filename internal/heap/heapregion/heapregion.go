// Package heapregion implements the heap region manager: the component that
// owns a single reserved virtual range, publishes the region table and
// region allocator over it, and hands out heap accounts through which higher
// layers claim regions (spec.md §4.C). AllocateRegionRun also claims
// contiguous runs directly, outside any account's bookkeeping.
package heapregion

import (
	"sync"

	"github.com/orizon-lang/orizon-heap/internal/heap/account"
	"github.com/orizon-lang/orizon-heap/internal/heap/herrors"
	"github.com/orizon-lang/orizon-heap/internal/heap/linalloc"
	"github.com/orizon-lang/orizon-heap/internal/heap/osmem"
	"github.com/orizon-lang/orizon-heap/internal/heap/region"
	"github.com/orizon-lang/orizon-heap/internal/heap/regionalloc"
)

// BootAccountOwner names the account the manager retroactively credits with
// the regions consumed while bootstrapping itself.
const BootAccountOwner = "__boot__"

// Manager owns the reserved range, the region table and allocator over it,
// and the pool of unreserved regions accounts may still claim. It satisfies
// account.Manager, so an Account talks to it only through that narrow
// interface.
type Manager struct {
	mu sync.Mutex

	reservation []byte
	table       *region.Table
	regions     *regionalloc.Allocator

	totalRegions  int
	reservedCount int // sum of every open account's reserve

	bootAlloc   *linalloc.Allocator
	bootAccount *account.Account
}

// noRefill is the RefillManager used by the bootstrap linear allocator: the
// bootstrap footprint is computed up front and never needs a second range.
type noRefill struct{}

func (noRefill) AllocateRefill(uintptr, uintptr, uintptr) (uintptr, uintptr, bool) {
	return 0, 0, false
}

// CreateHeap reserves numRegions*regionSizeInBytes bytes of virtual address
// space, publishes a region table and allocator over it, and opens the boot
// account that owns whatever regions the bootstrap sequence itself
// consumes (spec.md §4.C "Bootstrap sequence"):
//
//  1. compute region geometry (regionSizeInBytes, numRegions)
//  2. reserve the virtual range via the OS memory primitives
//  3. publish the region table and region allocator
//  4. set up a bootstrap linear allocator over the first region, exposed
//     through BootstrapAllocator; CreateHeap itself allocates nothing from
//     it, so the manager's own metadata lives in ordinary Go memory
//  5. open the boot account with a reserve of one, and allocate and commit
//     its region (region 0, the one the bootstrap allocator covers)
func CreateHeap(regionSizeInBytes uintptr, numRegions int) (*Manager, *account.Account, error) {
	if numRegions <= 0 {
		herrors.Fatal(herrors.CategoryInvariant, "BAD_REGION_COUNT",
			"numRegions must be positive", map[string]interface{}{"numRegions": numRegions})
	}

	totalSize := uintptr(numRegions) * regionSizeInBytes

	reservation, err := osmem.ReserveRange(totalSize)
	if err != nil {
		return nil, nil, err
	}

	base := sliceAddr(reservation)

	table := region.NewTable(base, regionSizeInBytes, numRegions)
	regions := regionalloc.New(table)

	m := &Manager{
		reservation:  reservation,
		table:        table,
		regions:      regions,
		totalRegions: numRegions,
	}

	// The bootstrap allocator covers region 0, which the boot account claims
	// below; nothing is allocated from it here, and it never grows beyond
	// region 0, so its refill manager always fails.
	m.bootAlloc = linalloc.New(base, regionSizeInBytes, 0, false, noRefill{})

	m.bootAccount = account.New(BootAccountOwner, m)
	if !m.bootAccount.Open(1) {
		herrors.Fatal(herrors.CategoryInvariant, "BOOT_RESERVE_FAILED",
			"could not reserve the bootstrap region", nil)
	}

	if id := m.bootAccount.Allocate(); id == region.InvalidID {
		herrors.Fatal(herrors.CategoryInvariant, "BOOT_ALLOCATE_FAILED",
			"could not allocate the bootstrap region", nil)
	} else if err := m.regions.Commit(id, 1); err != nil {
		return nil, nil, err
	}

	return m, m.bootAccount, nil
}

// Table returns the region table backing this manager.
func (m *Manager) Table() *region.Table { return m.table }

// Regions returns the region allocator backing this manager.
func (m *Manager) Regions() *regionalloc.Allocator { return m.regions }

// BootstrapAllocator returns the linear allocator used to carve the
// manager's own metadata out of the bootstrap region. It is exhausted once
// its declared size is consumed and cannot be refilled.
func (m *Manager) BootstrapAllocator() *linalloc.Allocator { return m.bootAlloc }

// OpenAccount creates and opens a new heap account reserving `reserve`
// regions against this manager's unreserved pool, or returns ok=false if
// fewer than `reserve` regions remain unreserved.
func (m *Manager) OpenAccount(owner string, reserve int) (*account.Account, bool) {
	acc := account.New(owner, m)
	if !acc.Open(reserve) {
		return nil, false
	}

	return acc, true
}

// TotalRegions reports the fixed total number of regions in the reserved
// range.
func (m *Manager) TotalRegions() int { return m.totalRegions }

// UnreservedRegions reports how many regions no account has yet reserved.
func (m *Manager) UnreservedRegions() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.totalRegions - m.reservedCount
}

// Reserve implements account.Manager: it claims n regions from the shared
// unreserved pool for the caller's exclusive future use, or fails without
// side effects if fewer than n remain.
func (m *Manager) Reserve(n int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.reservedCount+n > m.totalRegions {
		return false
	}

	m.reservedCount += n

	return true
}

// Release implements account.Manager: it returns n previously reserved
// regions to the shared unreserved pool (an account closing or shrinking
// its reserve).
func (m *Manager) Release(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reservedCount -= n
}

// AllocateRegion implements account.Manager: it claims and commits one
// concrete region from the allocator, or returns region.InvalidID if the
// allocator has no free region left.
func (m *Manager) AllocateRegion() region.ID {
	id := m.regions.Allocate(1)
	if id == region.InvalidID {
		return region.InvalidID
	}

	if err := m.regions.Commit(id, 1); err != nil {
		m.regions.Free(id, 1)
		return region.InvalidID
	}

	return id
}

// FreeRegion implements account.Manager: it uncommits and frees a
// previously allocated region. The region's reserve slot stays held by
// whichever account freed it — Release must be called separately to give
// the reserve itself back to the unreserved pool.
func (m *Manager) FreeRegion(id region.ID) {
	if err := m.regions.Uncommit(id, 1); err != nil {
		herrors.Fatal(herrors.CategoryRegion, "UNCOMMIT_FAILED", err.Error(),
			map[string]interface{}{"region": int32(id)})
	}

	m.regions.Free(id, 1)
}

// AllocateRegionRun claims and commits a contiguous run of n regions
// directly from the allocator, bypassing per-account reserve bookkeeping.
// It backs account.AllocateMany's contiguous path (the account checks its
// own reserve first) and heap refills larger than a single region, which
// cannot go through the one-region-at-a-time account path; callers are
// responsible for eventually freeing the run with
// FreeRegionRun. Returns region.InvalidID if no contiguous run of that
// length is free.
func (m *Manager) AllocateRegionRun(n int) region.ID {
	id := m.regions.Allocate(n)
	if id == region.InvalidID {
		return region.InvalidID
	}

	if err := m.regions.Commit(id, n); err != nil {
		m.regions.Free(id, n)
		return region.InvalidID
	}

	return id
}

// FreeRegionRun releases a run previously obtained from AllocateRegionRun.
func (m *Manager) FreeRegionRun(id region.ID, n int) {
	if err := m.regions.Uncommit(id, n); err != nil {
		herrors.Fatal(herrors.CategoryRegion, "UNCOMMIT_FAILED", err.Error(),
			map[string]interface{}{"region": int32(id), "count": n})
	}

	m.regions.Free(id, n)
}

// Close releases the entire reserved virtual range back to the OS. The
// manager must not be used afterward.
func (m *Manager) Close() error {
	return osmem.ReleaseRange(m.reservation)
}
