package platform

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const reserveFlags = unix.MAP_NORESERVE

// decommit drops the physical pages behind b and makes the range inaccessible.
// MADV_DONTNEED guarantees anonymous private pages read back zero-fill on the
// next touch, so no explicit wipe is needed before slot reuse.
func decommit(b []byte) error {
	if err := unix.Madvise(b, unix.MADV_DONTNEED); err != nil {
		return fmt.Errorf("madvise of %d bytes failed (%v): %w", len(b), err, ErrResourceExhausted)
	}
	return mprotect(b, false)
}
