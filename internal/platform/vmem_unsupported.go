//go:build !unix

package platform

import "unsafe"

// On targets without mmap the region is a heap slice and protection changes
// are accounting only: guard pages cannot fault, so out-of-bounds safety falls
// back to the software bounds checks every accessor performs anyway.

func mmapReserve(length int, _ bool) ([]byte, error) {
	return make([]byte, length), nil
}

func mprotect([]byte, bool) error {
	return nil
}

func munmap([]byte) error {
	return nil
}

// decommit keeps the zero-on-reuse guarantee by wiping in place.
func decommit(b []byte) error {
	for i := range b {
		b[i] = 0
	}
	return nil
}

func sliceAddr(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}
