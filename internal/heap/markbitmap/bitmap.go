// Package markbitmap implements the tricolor mark bitmap: the core color
// map (grey/black/white encoding), the forward-scan tracer with overflow
// recovery, and precise/imprecise sweep. This is the largest and most
// performance-sensitive component of the heap manager (spec.md §2, ~25%
// of the core).
package markbitmap

import (
	"math/bits"

	"github.com/orizon-lang/orizon-heap/internal/heap/herrors"
)

// Color is the 2-bit state of a mark-bitmap pair.
type Color uint8

const (
	White   Color = 0b00
	Black   Color = 0b01
	Grey    Color = 0b11
	Invalid Color = 0b10
)

// Bitmap covers a contiguous address range with a 2-bit-per-cell color map.
// Each live cell is assigned a leading bit index bitIndexOf(cell); the
// leading bit (at that index) is the color's high-order bit and the
// following bit is the low-order bit, so the convention holds unchanged
// whether or not the pair straddles a 64-bit word boundary (spec.md §3).
type Bitmap struct {
	words              []uint64
	coveredStart       uintptr
	coveredEnd         uintptr
	log2BytesPerBit    uint
	wordsCoveredPerBit uintptr

	finger    uintptr
	leftmost  int // leftmost marked bit index, -1 if none
	rightmost int // rightmost marked bit index, -1 if none
}

// New creates a bitmap covering [coveredStart, coveredStart+coveredSize)
// with the given granularity: each bit represents wordsCoveredPerBit words
// (a power of two), word size fixed at 8 bytes.
func New(coveredStart, coveredSize, wordsCoveredPerBit uintptr) *Bitmap {
	if wordsCoveredPerBit == 0 || wordsCoveredPerBit&(wordsCoveredPerBit-1) != 0 {
		herrors.Fatal(herrors.CategoryInvariant, "BAD_BITMAP_GRANULARITY",
			"wordsCoveredPerBit must be a power of two", map[string]interface{}{"value": wordsCoveredPerBit})
	}

	bytesPerBit := wordsCoveredPerBit * 8
	totalBits := int(coveredSize/bytesPerBit) + 1 // +1 so a pair at the last bit index still fits

	return &Bitmap{
		words:              make([]uint64, (totalBits+1+63)/64), // +1: pairs may need bit totalBits
		coveredStart:       coveredStart,
		coveredEnd:         coveredStart + coveredSize,
		log2BytesPerBit:    uint(bits.TrailingZeros64(uint64(bytesPerBit))),
		wordsCoveredPerBit: wordsCoveredPerBit,
		leftmost:           -1,
		rightmost:          -1,
	}
}

// BitIndexOf returns the leading bit index for a cell at addr.
//
// Invariant (spec.md §3): BitIndexOf(cell)+1 < totalBits.
func (b *Bitmap) BitIndexOf(addr uintptr) int {
	return int((addr - b.coveredStart) >> b.log2BytesPerBit)
}

// AddressOf returns the cell address a bit index corresponds to — the
// inverse of BitIndexOf.
func (b *Bitmap) AddressOf(bitIndex int) uintptr {
	return b.coveredStart + uintptr(bitIndex)<<b.log2BytesPerBit
}

// TotalBits returns the number of addressable bit positions.
func (b *Bitmap) TotalBits() int { return len(b.words) * 64 }

// CoveredStart / CoveredEnd report the address range this bitmap covers.
func (b *Bitmap) CoveredStart() uintptr { return b.coveredStart }
func (b *Bitmap) CoveredEnd() uintptr   { return b.coveredEnd }

func wordIndex(bitIndex int) int { return bitIndex >> 6 }
func bitOffset(bitIndex int) uint { return uint(bitIndex & 63) }

func (b *Bitmap) getBit(bitIndex int) bool {
	return b.words[wordIndex(bitIndex)]&(1<<bitOffset(bitIndex)) != 0
}

func (b *Bitmap) setBit(bitIndex int) {
	b.words[wordIndex(bitIndex)] |= 1 << bitOffset(bitIndex)
}

func (b *Bitmap) clearBit(bitIndex int) {
	b.words[wordIndex(bitIndex)] &^= 1 << bitOffset(bitIndex)
}

// Color returns the color encoded at bitIndex. The leading bit (bitIndex)
// is the high-order bit, bitIndex+1 is the low-order bit — see the struct
// doc comment; this formula is correct whether or not the pair spans a
// 64-bit word boundary since both bits are addressed independently.
func (b *Bitmap) Color(bitIndex int) Color {
	high := b.getBit(bitIndex)
	low := b.getBit(bitIndex + 1)

	var c Color
	if high {
		c |= 0b10
	}

	if low {
		c |= 0b01
	}

	return c
}

func (b *Bitmap) setColor(bitIndex int, c Color) {
	if c&0b10 != 0 {
		b.setBit(bitIndex)
	} else {
		b.clearBit(bitIndex)
	}

	if c&0b01 != 0 {
		b.setBit(bitIndex + 1)
	} else {
		b.clearBit(bitIndex + 1)
	}
}

// IsWhite, IsGrey, IsBlack test a bit index's color directly.
func (b *Bitmap) IsWhite(bitIndex int) bool { return b.Color(bitIndex) == White }
func (b *Bitmap) IsGrey(bitIndex int) bool  { return b.Color(bitIndex) == Grey }
func (b *Bitmap) IsBlack(bitIndex int) bool { return b.Color(bitIndex) == Black }

// MarkGreyIfWhite transitions a white cell to grey and returns true if it
// did; a no-op (returns false) for any other color.
func (b *Bitmap) MarkGreyIfWhite(bitIndex int) bool {
	if !b.IsWhite(bitIndex) {
		return false
	}

	b.setColor(bitIndex, Grey)
	b.touch(bitIndex)

	return true
}

// MarkBlack transitions bitIndex to black unconditionally (used once a
// grey cell's outgoing references have all been visited).
func (b *Bitmap) MarkBlack(bitIndex int) {
	b.setColor(bitIndex, Black)
}

// touch widens the leftmost/rightmost marked-bit bounds to include
// bitIndex, per spec.md §4.H phase 2 ("Mark roots").
func (b *Bitmap) touch(bitIndex int) {
	if b.leftmost == -1 || bitIndex < b.leftmost {
		b.leftmost = bitIndex
	}

	if bitIndex > b.rightmost {
		b.rightmost = bitIndex
	}
}

// Leftmost / Rightmost report the current marked-bit bounds, or -1 if
// nothing has been marked yet.
func (b *Bitmap) Leftmost() int  { return b.leftmost }
func (b *Bitmap) Rightmost() int { return b.rightmost }

// Finger returns the scan position dividing visited (black) cells from
// not-yet-visited (grey-or-white) heap space.
func (b *Bitmap) Finger() uintptr { return b.finger }

// Clear zeroes the entire color map and resets scan state — phase 1 of
// spec.md §4.H.
func (b *Bitmap) Clear() {
	for i := range b.words {
		b.words[i] = 0
	}

	b.finger = 0
	b.leftmost = -1
	b.rightmost = -1
}

// hasGreyInWord reports whether word w contains at least one grey pair,
// using the fast predicate from spec.md §4.H: a pair (p, p+1) is grey iff
// both bits are set, which w & (w>>1) detects in one instruction per word.
func hasGreyInWord(w uint64) bool {
	return w&(w>>1) != 0
}

// firstGreyInWord returns the bit offset (0-63) of the first grey pair
// fully contained in w, assuming hasGreyInWord(w) is true.
func firstGreyInWord(w uint64) int {
	return bits.TrailingZeros64(w & (w >> 1))
}
