// Package platform wraps the virtual-memory primitives the runtime needs from
// the operating system: address-space reservation, page commitment, protection
// changes and decommit. Everything above this package works in terms of
// Region, never raw mmap results.
package platform

import (
	"errors"
	"os"
)

// ErrResourceExhausted is returned when the OS refuses to reserve or commit
// pages. This is a common condition under vm.overcommit limits or cgroup
// memory pressure, so it is always propagated, never ignored.
var ErrResourceExhausted = errors.New("resource exhausted")

var pageSize = os.Getpagesize()

// PageSize returns the OS page size in bytes.
func PageSize() int {
	return pageSize
}

// PageRound rounds n up to a multiple of the OS page size.
func PageRound(n int) int {
	mask := pageSize - 1
	return (n + mask) &^ mask
}

// PageAligned returns true if n is a multiple of the OS page size.
func PageAligned(n int) bool {
	return n&(pageSize-1) == 0
}
