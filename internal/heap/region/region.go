// Package region maps addresses inside a reserved virtual range to region
// identifiers and the dense table of per-region descriptors that back every
// higher layer of the heap manager (the region allocator, heap accounts,
// the mark bitmap's rescan map).
package region

import (
	"math/bits"

	"github.com/orizon-lang/orizon-heap/internal/heap/herrors"
)

// ID identifies a single fixed-size region by its index in the table.
type ID int32

// InvalidID is the reserved sentinel for "no region".
const InvalidID ID = -1

// HeaderMagic/HeaderVersion identify the region-table header format; see
// CreateHeap's semver gate in heapclient for how Version is interpreted.
const (
	HeaderMagic   uint32 = 0x4F52_4748 // "ORGH"
	HeaderVersion        = "1.0.0"
)

// Info is the mutable per-region record. Ownership of the slice backing the
// table belongs exclusively to Table; callers never allocate an Info on
// their own.
type Info struct {
	Owner    uintptr // opaque owner handle (account identity), 0 if unowned
	Next     ID      // next region in the owner's ownership list, InvalidID if none
	Prev     ID      // previous region in the owner's ownership list
	AccNext  ID      // next region in the owner's accounting list
	AccPrev  ID      // previous region in the owner's accounting list
	Committed bool

	// GC bookkeeping.
	RescanDirty bool // set when the rescan-map overflow strategy dirties this region
}

// Table is the dense array of Info records, index == ID. It is created once
// by NewTable and never resized afterward, matching spec.md §3's
// "Region table" invariant.
type Table struct {
	base          uintptr // first byte of the reserved range
	log2Size      uint    // log2(regionSizeInBytes)
	regionSize    uintptr
	numRegions    int
	infos         []Info
	initialized   bool
}

// NewTable computes region geometry for numRegions regions of
// regionSizeInBytes bytes starting at pool, and allocates the dense
// descriptor array. A regionSizeInBytes that is not a power of two is
// fatal.
func NewTable(pool uintptr, regionSizeInBytes uintptr, numRegions int) *Table {
	if regionSizeInBytes == 0 || regionSizeInBytes&(regionSizeInBytes-1) != 0 {
		herrors.Fatal(herrors.CategoryInvariant, "BAD_REGION_SIZE",
			"regionSizeInBytes must be a power of two", map[string]interface{}{"size": regionSizeInBytes})
	}

	t := &Table{
		base:        pool,
		log2Size:    uint(bits.TrailingZeros64(uint64(regionSizeInBytes))),
		regionSize:  regionSizeInBytes,
		numRegions:  numRegions,
		infos:       make([]Info, numRegions),
		initialized: true,
	}

	for i := range t.infos {
		t.infos[i].Next = InvalidID
		t.infos[i].Prev = InvalidID
		t.infos[i].AccNext = InvalidID
		t.infos[i].AccPrev = InvalidID
	}

	return t
}

// RegionSize returns the fixed, power-of-two region size in bytes.
func (t *Table) RegionSize() uintptr { return t.regionSize }

// NumRegions returns the table's fixed length.
func (t *Table) NumRegions() int { return t.numRegions }

// Base returns the first address of the reserved range this table covers.
func (t *Table) Base() uintptr { return t.base }

// IDOf returns InvalidID if addr is outside the reserved range, else
// (addr-base) >> log2RegionSize.
func (t *Table) IDOf(addr uintptr) ID {
	if addr < t.base {
		return InvalidID
	}

	idx := (addr - t.base) >> t.log2Size
	if idx >= uintptr(t.numRegions) {
		return InvalidID
	}

	return ID(idx)
}

// IsValid reports whether id indexes a live slot in the table.
func (t *Table) IsValid(id ID) bool {
	return id >= 0 && int(id) < t.numRegions
}

// Info returns the descriptor for id, or nil if id is out of range.
func (t *Table) Info(id ID) *Info {
	if !t.IsValid(id) {
		return nil
	}

	return &t.infos[id]
}

// InfoAt returns the descriptor covering addr, or nil if addr lies outside
// the reserved range.
func (t *Table) InfoAt(addr uintptr) *Info {
	return t.Info(t.IDOf(addr))
}

// Address returns the base address of region id.
//
// Invariant (spec.md §3): Address(IDOf(addr)) <= addr < Address(IDOf(addr)) + RegionSize().
func (t *Table) Address(id ID) uintptr {
	return t.base + uintptr(id)<<t.log2Size
}

// Next returns the region immediately after id in table order, or
// InvalidID if id is the last region.
func (t *Table) Next(id ID) ID {
	if !t.IsValid(id) || int(id)+1 >= t.numRegions {
		return InvalidID
	}

	return id + 1
}

// Prev returns the region immediately before id in table order, or
// InvalidID if id is the first region.
func (t *Table) Prev(id ID) ID {
	if !t.IsValid(id) || id == 0 {
		return InvalidID
	}

	return id - 1
}
