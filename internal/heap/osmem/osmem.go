// Package osmem wraps the OS memory primitives the region allocator and
// safepoint protocol treat as external collaborators (spec.md §1(d)):
// reserving a virtual range, committing/uncommitting regions, and arming a
// read-protected "triggered locals" trap page. The unix implementation
// (osmem_unix.go) is backed by golang.org/x/sys/unix, the same dependency
// the teacher project's internal/runtime/asyncio POSIX backends use; other
// platforms get a pure-Go simulation (osmem_fallback.go) that preserves the
// API without a real trap, so the rest of the module stays portable.
package osmem

// Commit backs [addr, addr+size) with real, read-write pages.
func Commit(addr, size uintptr) error {
	return commit(addr, size)
}

// Uncommit releases the backing pages for [addr, addr+size), making the
// range inaccessible again.
func Uncommit(addr, size uintptr) error {
	return uncommit(addr, size)
}

// ReserveRange reserves size bytes of virtual address space without
// committing it, returning a byte slice whose address is the base of the
// reservation. The slice must not be read or written until Commit has been
// called for the corresponding sub-range.
func ReserveRange(size uintptr) ([]byte, error) {
	return reserveRange(size)
}

// ReleaseRange gives back a reservation obtained from ReserveRange.
func ReleaseRange(b []byte) error {
	return releaseRange(b)
}

// TriggeredPage is a single page used as the target of a mutator's
// safepoint latch while a freeze is in progress (spec.md §3 "Mutator
// state" / §4.J "Freeze"). While armed, any read of the page faults;
// Disarm restores normal access so the page can be reused.
type TriggeredPage struct {
	mem   []byte
	armed bool
}

// NewTriggeredPage allocates one page of address space for use as a
// triggered-locals target.
func NewTriggeredPage() (*TriggeredPage, error) {
	return newTriggeredPage()
}

// Arm makes the page fault on access. Idempotent.
func (p *TriggeredPage) Arm() error { return p.arm() }

// Disarm makes the page accessible again. Idempotent.
func (p *TriggeredPage) Disarm() error { return p.disarm() }

// Addr returns the page's base address, used as the sentinel value a
// mutator's safepoint latch is compared against.
func (p *TriggeredPage) Addr() uintptr { return p.addr() }
