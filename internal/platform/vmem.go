package platform

import "errors"

// Region is a page-aligned run of virtual address space. A Region is either
// owned (obtained from Reserve or ReserveAndCommit, released with Unmap) or a
// view carved out of an owning Region (see View), used by the pooling
// allocator to hand one slot of a large reservation to an instance.
//
// The length of a Region is always a multiple of the OS page size.
type Region struct {
	buffer []byte
	view   bool
}

// Reserve requests length bytes of address space without committing physical
// pages. The pages are inaccessible until Protect makes them so. length is
// rounded up to the page size.
func Reserve(length int) (*Region, error) {
	if length <= 0 {
		panic(errors.New("BUG: Reserve with non-positive length"))
	}
	b, err := mmapReserve(PageRound(length), false)
	if err != nil {
		return nil, err
	}
	return &Region{buffer: b}, nil
}

// ReserveAndCommit requests length bytes of committed, read-write pages.
// length is rounded up to the page size.
func ReserveAndCommit(length int) (*Region, error) {
	if length <= 0 {
		panic(errors.New("BUG: ReserveAndCommit with non-positive length"))
	}
	b, err := mmapReserve(PageRound(length), true)
	if err != nil {
		return nil, err
	}
	return &Region{buffer: b}, nil
}

// Base returns the address of the first byte of the region.
func (r *Region) Base() uintptr {
	return sliceAddr(r.buffer)
}

// Len returns the region length in bytes.
func (r *Region) Len() int {
	return len(r.buffer)
}

// Slice returns the [offset, offset+length) bytes of the region. The caller
// must only touch bytes it has made accessible via Protect.
func (r *Region) Slice(offset, length int) []byte {
	return r.buffer[offset : offset+length : offset+length]
}

// View returns a non-owning sub-region. Unmap on a view is an error; the
// owner's Unmap releases all views with it.
func (r *Region) View(offset, length int) *Region {
	if !PageAligned(offset) || !PageAligned(length) {
		panic(errors.New("BUG: View with unaligned range"))
	}
	return &Region{buffer: r.buffer[offset : offset+length : offset+length], view: true}
}

// Protect changes the protection of the given page-aligned sub-range:
// accessible pages are read-write, inaccessible pages fault on any access.
func (r *Region) Protect(offset, length int, accessible bool) error {
	if !PageAligned(offset) || !PageAligned(length) {
		panic(errors.New("BUG: Protect with unaligned range"))
	}
	if length == 0 {
		return nil
	}
	return mprotect(r.buffer[offset:offset+length], accessible)
}

// Decommit returns the given page-aligned sub-range to the OS, leaving it
// inaccessible. Pages read back as zero once Protect makes them accessible
// again, which is what lets the pooling allocator reuse slots across tenants.
func (r *Region) Decommit(offset, length int) error {
	if !PageAligned(offset) || !PageAligned(length) {
		panic(errors.New("BUG: Decommit with unaligned range"))
	}
	if length == 0 {
		return nil
	}
	return decommit(r.buffer[offset : offset+length])
}

// Unmap releases the region. The region must not be used afterward.
func (r *Region) Unmap() error {
	if r.view {
		return errors.New("cannot unmap a region view")
	}
	b := r.buffer
	r.buffer = nil
	if b == nil {
		return nil
	}
	return munmap(b)
}
