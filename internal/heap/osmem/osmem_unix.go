//go:build linux || darwin

package osmem

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

func reserveRange(size uintptr) ([]byte, error) {
	b, err := unix.Mmap(-1, 0, int(size), unix.PROT_NONE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("osmem: reserve %d bytes: %w", size, err)
	}

	return b, nil
}

func releaseRange(b []byte) error {
	if len(b) == 0 {
		return nil
	}

	return unix.Munmap(b)
}

func commit(addr, size uintptr) error {
	b := bytesAt(addr, size)
	if err := unix.Mprotect(b, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("osmem: commit [0x%x,0x%x): %w", addr, addr+size, err)
	}

	return nil
}

func uncommit(addr, size uintptr) error {
	b := bytesAt(addr, size)
	if err := unix.Mprotect(b, unix.PROT_NONE); err != nil {
		return fmt.Errorf("osmem: uncommit [0x%x,0x%x): %w", addr, addr+size, err)
	}

	return nil
}

// bytesAt reinterprets a raw address/size pair as a []byte without owning
// or copying it, so unix.Mprotect can be pointed at address-space the
// region allocator already reserved via reserveRange.
func bytesAt(addr, size uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}

func newTriggeredPage() (*TriggeredPage, error) {
	b, err := unix.Mmap(-1, 0, pageSize(), unix.PROT_NONE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("osmem: allocate triggered page: %w", err)
	}

	return &TriggeredPage{mem: b, armed: true}, nil
}

func (p *TriggeredPage) arm() error {
	if p.armed {
		return nil
	}

	if err := unix.Mprotect(p.mem, unix.PROT_NONE); err != nil {
		return err
	}

	p.armed = true

	return nil
}

func (p *TriggeredPage) disarm() error {
	if !p.armed {
		return nil
	}

	if err := unix.Mprotect(p.mem, unix.PROT_READ); err != nil {
		return err
	}

	p.armed = false

	return nil
}

func (p *TriggeredPage) addr() uintptr {
	return uintptr(unsafe.Pointer(&p.mem[0]))
}

func pageSize() int {
	return unix.Getpagesize()
}
