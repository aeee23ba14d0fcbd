package linalloc

import "unsafe"

// ptrAt reinterprets a bump-allocator address as an unsafe.Pointer so the
// debug tag word can be written in place.
func ptrAt(addr uintptr) unsafe.Pointer {
	return unsafe.Pointer(addr) //nolint:govet // intentional address-to-pointer cast for the bump allocator
}
