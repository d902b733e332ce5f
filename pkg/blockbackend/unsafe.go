package blockbackend

import "unsafe"

// sliceAddr returns the address of a byte slice's first element, used
// only to compute page alignment in AlignedPage.
func sliceAddr(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}
