//go:build unix

package platform

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// mmapReserve maps length bytes of anonymous private memory. When committed is
// false the mapping is PROT_NONE address space only; data pages are committed
// later via mprotect. Large sparse reservations (the static memory style
// reserves gigabytes per memory) rely on this being cheap.
func mmapReserve(length int, committed bool) ([]byte, error) {
	prot := unix.PROT_NONE
	flags := unix.MAP_ANON | unix.MAP_PRIVATE
	if committed {
		prot = unix.PROT_READ | unix.PROT_WRITE
	} else {
		flags |= reserveFlags
	}
	b, err := unix.Mmap(-1, 0, length, prot, flags)
	if err != nil {
		return nil, fmt.Errorf("mmap of %d bytes failed (%v): %w", length, err, ErrResourceExhausted)
	}
	return b, nil
}

func mprotect(b []byte, accessible bool) error {
	prot := unix.PROT_NONE
	if accessible {
		prot = unix.PROT_READ | unix.PROT_WRITE
	}
	if err := unix.Mprotect(b, prot); err != nil {
		return fmt.Errorf("mprotect of %d bytes failed (%v): %w", len(b), err, ErrResourceExhausted)
	}
	return nil
}

func munmap(b []byte) error {
	return unix.Munmap(b)
}

func sliceAddr(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}
