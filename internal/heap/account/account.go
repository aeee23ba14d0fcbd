// Package account implements the heap account: a named reserve of regions
// belonging to one owner, the sole unit through which higher layers
// request and release regions from the shared region allocator.
package account

import (
	"sync"

	"github.com/orizon-lang/orizon-heap/internal/heap/region"
)

// Manager is the subset of the heap region manager (component C) that an
// Account needs: reserving/releasing from the shared unreserved pool,
// allocating/freeing concrete regions one at a time, and allocating/freeing
// a contiguous run in one call. Kept as an interface so account has no
// import-cycle on heapregion.
type Manager interface {
	Reserve(n int) bool
	Release(n int)
	AllocateRegion() region.ID
	FreeRegion(id region.ID)

	// AllocateRegionRun claims and commits a contiguous run of n regions in
	// one call, or returns region.InvalidID if no such run is free.
	// AllocateMany prefers this over n one-at-a-time AllocateRegion calls,
	// per spec.md §4.D ("should prefer contiguous runs but is allowed to
	// fall back to scattered regions").
	AllocateRegionRun(n int) region.ID
	FreeRegionRun(id region.ID, n int)
}

// Account is a record {owner, reserve, allocatedList}. The invariant
// |allocatedList| <= reserve holds after every operation; Allocate/Free
// mutate only the allocated list, never the manager's bookkeeping directly.
type Account struct {
	mu        sync.Mutex
	owner     string
	manager   Manager
	reserve   int
	allocated []region.ID
}

// New creates an unopened account for owner against manager. Call Open
// before allocating.
func New(owner string, manager Manager) *Account {
	return &Account{owner: owner, manager: manager}
}

// Owner returns the account's owner name.
func (a *Account) Owner() string { return a.owner }

// Reserve returns the account's current reserve size.
func (a *Account) Reserve() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.reserve
}

// Allocated returns a snapshot of the account's allocated region list.
func (a *Account) Allocated() []region.ID {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]region.ID, len(a.allocated))
	copy(out, a.allocated)

	return out
}

// Open atomically reserves `reserve` regions with the manager. It fails
// (returns false) if the manager has fewer than `reserve` unreserved
// regions; the account's reserve is left unchanged on failure.
func (a *Account) Open(reserve int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.manager.Reserve(reserve) {
		return false
	}

	a.reserve = reserve

	return true
}

// Allocate allocates one region from the manager and prepends it to the
// account's allocated list. Returns region.InvalidID if the account is
// already at its reserve — per spec.md §9's resolved Open Question, this
// is the success/failure contract (not the original code's inverted one).
func (a *Account) Allocate() region.ID {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.allocated) >= a.reserve {
		return region.InvalidID
	}

	id := a.manager.AllocateRegion()
	if id == region.InvalidID {
		return region.InvalidID
	}

	a.allocated = append([]region.ID{id}, a.allocated...)

	return id
}

// AllocateMany allocates up to n regions, appending or prepending them to
// list (appendTo selects which). As many as fit within the reserve (and
// that the manager can supply) are kept, and the count actually allocated
// is returned. Per spec.md §4.D the implementation prefers a single
// contiguous run over n one-at-a-time allocations, falling back to the
// scattered path only if no such run is free.
func (a *Account) AllocateMany(n int, appendTo bool) (ids []region.ID, got int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	remaining := a.reserve - len(a.allocated)
	if remaining <= 0 || n <= 0 {
		return nil, 0
	}

	want := n
	if want > remaining {
		want = remaining
	}

	ids = make([]region.ID, 0, want)

	if want > 1 {
		if first := a.manager.AllocateRegionRun(want); first != region.InvalidID {
			for i := 0; i < want; i++ {
				ids = append(ids, first+region.ID(i))
			}

			a.merge(ids, appendTo)

			return ids, len(ids)
		}
	}

	for i := 0; i < want; i++ {
		id := a.manager.AllocateRegion()
		if id == region.InvalidID {
			break
		}

		ids = append(ids, id)
	}

	a.merge(ids, appendTo)

	return ids, len(ids)
}

// merge folds newly allocated ids into the account's allocated list,
// appending or prepending per appendTo. Callers hold a.mu.
func (a *Account) merge(ids []region.ID, appendTo bool) {
	if appendTo {
		a.allocated = append(a.allocated, ids...)
	} else {
		a.allocated = append(append([]region.ID{}, reverse(ids)...), a.allocated...)
	}
}

// AllocateExact behaves like AllocateMany but fails the whole request
// (returning nil) unless all n regions could be allocated, freeing
// whatever partial set it acquired in that case.
func (a *Account) AllocateExact(n int, appendTo bool) []region.ID {
	ids, got := a.AllocateMany(n, appendTo)
	if got != n {
		for _, id := range ids {
			a.Free(id)
		}

		return nil
	}

	return ids
}

// Free returns region id to the manager and removes it from the account's
// allocated list. It is a no-op (not fatal) if id is not currently held by
// this account, since a caller may race a concurrent Free under GC pause
// ownership rules documented in spec.md §5.
func (a *Account) Free(id region.ID) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i, have := range a.allocated {
		if have == id {
			a.allocated = append(a.allocated[:i], a.allocated[i+1:]...)
			a.manager.FreeRegion(id)

			return
		}
	}
}

// Transfer moves ownership of region id from this account to dst, without
// touching the shared manager's free/allocated bitmaps — the region stays
// allocated throughout, it only changes accounting owner.
func (a *Account) Transfer(id region.ID, dst *Account) bool {
	a.mu.Lock()

	found := -1

	for i, have := range a.allocated {
		if have == id {
			found = i
			break
		}
	}

	if found < 0 {
		a.mu.Unlock()
		return false
	}

	a.allocated = append(a.allocated[:found], a.allocated[found+1:]...)
	a.mu.Unlock()

	dst.mu.Lock()
	dst.allocated = append([]region.ID{id}, dst.allocated...)
	dst.mu.Unlock()

	return true
}

func reverse(ids []region.ID) []region.ID {
	out := make([]region.ID, len(ids))
	for i, id := range ids {
		out[len(ids)-1-i] = id
	}

	return out
}
