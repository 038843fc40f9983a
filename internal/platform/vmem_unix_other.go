// Separated from linux which has MAP_NORESERVE and a zero-fill MADV_DONTNEED.
//go:build unix && !linux

package platform

const reserveFlags = 0

// decommit wipes b and makes the range inaccessible. Without a portable
// madvise contract the pages stay committed, but the zero-on-reuse guarantee
// holds: the range is writable here because callers only decommit pages they
// previously made accessible.
func decommit(b []byte) error {
	for i := range b {
		b[i] = 0
	}
	return mprotect(b, false)
}
