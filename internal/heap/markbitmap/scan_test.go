package markbitmap

import (
	"testing"
	"unsafe"
)

// fakeRoots enumerates a fixed set of root addresses, matching the teacher's
// preference for small hand-rolled fakes over a mocking framework.
type fakeRoots struct{ roots []uintptr }

func (r fakeRoots) EnumerateRoots(mark func(uintptr)) {
	for _, c := range r.roots {
		mark(c)
	}
}

// uniformOracle hands out the same ObjectLayout for every cell — enough for
// scans over a homogeneous synthetic heap.
type uniformOracle struct {
	layout  ObjectLayout
	special bool
}

func (o uniformOracle) Layout(uintptr) ObjectLayout       { return o.layout }
func (o uniformOracle) IsSpecialReference(uintptr) bool   { return o.special }

// mapOracle looks up a per-address layout, for heaps with mixed cell sizes.
type mapOracle struct{ byAddr map[uintptr]ObjectLayout }

func (o mapOracle) Layout(cell uintptr) ObjectLayout    { return o.byAddr[cell] }
func (o mapOracle) IsSpecialReference(uintptr) bool     { return false }

// TestMarkAllLinearHeapOnlyRootSurvives is the single-thread linear heap
// scenario from spec.md §8 (#1): objects of sizes {24,80,16,4096,40} laid
// out consecutively, with only the first marked as a root. Since none of
// them carry references, only the root should end up black.
func TestMarkAllLinearHeapOnlyRootSurvives(t *testing.T) {
	sizes := []uintptr{24, 80, 16, 4096, 40}

	const base uintptr = 0x10000

	addrs := make([]uintptr, len(sizes))
	layouts := make(map[uintptr]ObjectLayout, len(sizes))

	addr := base

	for i, sz := range sizes {
		addrs[i] = addr
		layouts[addr] = ObjectLayout{Kind: LayoutPrimitive, Size: sz}
		addr += sz
	}

	total := addr - base

	bm := New(base, total, 1)
	oracle := mapOracle{byAddr: layouts}
	tr := NewTracer(bm, oracle, TracerConfig{Strategy: LinearRescan, StackCapacity: 16})

	tr.MarkAll(fakeRoots{roots: []uintptr{addrs[0]}})

	if !bm.IsBlack(bm.BitIndexOf(addrs[0])) {
		t.Fatal("the root object should end up black")
	}

	for i := 1; i < len(addrs); i++ {
		if !bm.IsWhite(bm.BitIndexOf(addrs[i])) {
			t.Fatalf("object %d is unreachable from the root and should stay white", i)
		}
	}
}

// TestMarkAllCrossesWordBoundary is the cross-word color scenario from
// spec.md §8 (#2): a color pair whose leading bit sits at index 63 (so its
// low-order bit lives in the next word) must still be detected by the
// forward scan via crossesWordGrey, not only the fast hasGreyInWord path.
func TestMarkAllCrossesWordBoundary(t *testing.T) {
	const base uintptr = 0x20000

	bm := New(base, 600, 1) // wordsCoveredPerBit=1 -> 8 bytes/bit, bit 63 lands at +504
	oracle := uniformOracle{layout: ObjectLayout{Kind: LayoutPrimitive, Size: 8}}
	tr := NewTracer(bm, oracle, TracerConfig{Strategy: LinearRescan, StackCapacity: 16})

	root := bm.AddressOf(63)

	tr.MarkAll(fakeRoots{roots: []uintptr{root}})

	if !bm.IsBlack(63) {
		t.Fatal("a root whose pair straddles a word boundary must still be visited and blackened")
	}
}

// TestMarkAllCrossesWordBoundarySameWordAsOtherGrey guards against a
// regression where crossesWordGrey only fired when the scan cursor already
// sat exactly at bit 63 of the word. With two roots sharing word 0 (one at
// bit 2, one at bit 63), visiting the bit-2 root advances the cursor past
// bit 2 one bit at a time before reaching bit 63 — crossesWordGrey must
// still detect the cross-word pair at every bi in between, or the forward
// scan fast-skips straight past bit 63 and MarkAll never terminates.
func TestMarkAllCrossesWordBoundarySameWordAsOtherGrey(t *testing.T) {
	const base uintptr = 0x20000

	bm := New(base, 600, 1) // wordsCoveredPerBit=1 -> 8 bytes/bit, bit 63 lands at +504
	oracle := uniformOracle{layout: ObjectLayout{Kind: LayoutPrimitive, Size: 8}}
	tr := NewTracer(bm, oracle, TracerConfig{Strategy: LinearRescan, StackCapacity: 16})

	midWordRoot := bm.AddressOf(2)
	crossWordRoot := bm.AddressOf(63)

	tr.MarkAll(fakeRoots{roots: []uintptr{midWordRoot, crossWordRoot}})

	if !bm.IsBlack(2) {
		t.Fatal("the mid-word root should end up black")
	}

	if !bm.IsBlack(63) {
		t.Fatal("the cross-word root sharing a word with another grey mark must still be visited and blackened")
	}
}

// reverseChainCell is the tuple layout used by the overflow scenario below:
// an 8-byte pointer field (to the previous cell) followed by 8 bytes of
// padding, laid out 16 bytes per cell so that, at one word per bit, each
// cell owns both bits of its color pair.
const chainCellSize = 16

func newReverseChain(n int) (base uintptr, _ []byte) {
	buf := make([]byte, uintptr(n)*chainCellSize)
	base = uintptr(unsafe.Pointer(&buf[0]))

	for i := 0; i < n; i++ {
		cell := base + uintptr(i)*chainCellSize

		var prev uintptr
		if i > 0 {
			prev = base + uintptr(i-1)*chainCellSize
		}

		*(*uintptr)(unsafe.Pointer(cell)) = prev
	}

	return base, buf
}

// TestMarkAllReverseChainOverflowRecovery is the marking-stack overflow
// scenario from spec.md §8 (#3): a 10,000-cell reverse-linked chain rooted
// at its tail, scanned with a marking-stack capacity far smaller than the
// chain depth using the rescan-map recovery strategy. Every cell must end
// up black and the recovery path must actually have run at least once.
func TestMarkAllReverseChainOverflowRecovery(t *testing.T) {
	const n = 10000

	base, buf := newReverseChain(n)
	_ = buf // keep the backing slice alive for the duration of the test

	bm := New(base, uintptr(n)*chainCellSize, 1) // 1 word (8 bytes) per bit, 2 bits per cell
	oracle := uniformOracle{layout: ObjectLayout{
		Kind:       LayoutTuple,
		Size:       chainCellSize,
		RefOffsets: []uintptr{0},
	}}

	tr := NewTracer(bm, oracle, TracerConfig{
		Strategy:      RescanMapStrategy,
		StackCapacity: 128,
		RegionSize:    1024,
	})

	root := base + uintptr(n-1)*chainCellSize

	tr.MarkAll(fakeRoots{roots: []uintptr{root}})

	if tr.RecoveryScanCount() < 1 {
		t.Fatal("a chain 78x deeper than the stack capacity should have triggered at least one overflow recovery pass")
	}

	for i := 0; i < n; i++ {
		bi := bm.BitIndexOf(base + uintptr(i)*chainCellSize)
		if !bm.IsBlack(bi) {
			t.Fatalf("cell %d of the reverse chain should be black, is %v", i, bm.Color(bi))
		}
	}
}
