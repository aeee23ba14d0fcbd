package heapregion

import "unsafe"

// sliceAddr returns the address of a reservation's backing array. The
// reservation is never read through the Go slice header again once the
// region table is published — every further access goes through raw
// uintptr arithmetic, matching the rest of the heap manager's low-level
// style.
func sliceAddr(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}

	return uintptr(unsafe.Pointer(&b[0]))
}
