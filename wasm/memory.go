package wasm

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/mickey951112/wasmtime-sub002/internal/platform"
)

const (
	// MemoryPageSize is the unit of memory length in WebAssembly,
	// and is defined as 2^16 = 65536.
	// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#memory-instances%E2%91%A0
	MemoryPageSize = uint32(65536)
	// MemoryLimitPages is the maximum number of pages (2^16) a memory may
	// reach. Growing to exactly this count succeeds; growing past it fails.
	// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#grow-mem
	MemoryLimitPages = uint32(65536)
	// MemoryPageSizeInBits satisfies the relation: "1 << MemoryPageSizeInBits == MemoryPageSize".
	MemoryPageSizeInBits = 16
)

// MemoryInstance is one linear memory owned by one instance. The accessible
// prefix is Buffer; everything past it up to the end of the reservation is
// protected no-access, so a stray read or write there faults and is converted
// to a HeapOutOfBounds trap by the call engine rather than corrupting adjacent
// mappings.
//
// A memory is single-writer: only the goroutine currently executing its
// instance mutates it, so no locking happens on the access or grow paths.
type MemoryInstance struct {
	// Buffer is the accessible prefix, re-sliced on growth. Direct use is
	// restricted to this package; embedders go through the bounds-validated
	// accessors, and compiled code reads Definition instead.
	Buffer []byte

	// Min is the minimum size of this memory in pages.
	Min uint32

	// Max is the maximum size of this memory in pages, or nil if unbounded.
	Max *uint32

	region     *platform.Region
	style      MemoryStyle
	boundPages uint32 // static only: page capacity of the reservation
	guardBytes uint64
	ownsRegion bool
}

// VMMemoryDefinition is the narrow ABI seam handed to compiled code: the raw
// base pointer and accessible byte length read by code prologues before every
// access. A definition obtained before a dynamic-style growth is invalidated
// by that growth.
type VMMemoryDefinition struct {
	Base   uintptr
	Length uint64
}

// NewMemoryInstance provisions a memory per plan.
//
// Static style reserves plan.StaticBound pages plus the offset guard as
// inaccessible address space and commits only the first plan.Min pages.
// Dynamic style commits plan.Min pages plus the guard up front.
func NewMemoryInstance(plan *MemoryPlan) (*MemoryInstance, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	switch plan.Style {
	case MemoryStyleStatic:
		reserve, err := totalBytes(plan.StaticBound, plan.OffsetGuardBytes)
		if err != nil {
			return nil, err
		}
		region, err := platform.Reserve(reserve)
		if err != nil {
			return nil, err
		}
		return newMemoryInstanceInRegion(region, plan, plan.StaticBound, true)
	case MemoryStyleDynamic:
		reserve, err := totalBytes(plan.Min, plan.OffsetGuardBytes)
		if err != nil {
			return nil, err
		}
		region, err := platform.ReserveAndCommit(reserve)
		if err != nil {
			return nil, err
		}
		minBytes := int(MemoryPagesToBytesNum(plan.Min))
		if err = region.Protect(minBytes, region.Len()-minBytes, false); err != nil {
			_ = region.Unmap()
			return nil, err
		}
		m := &MemoryInstance{
			Buffer:     region.Slice(0, minBytes),
			Min:        plan.Min,
			Max:        plan.Max,
			region:     region,
			style:      plan.Style,
			guardBytes: plan.OffsetGuardBytes,
			ownsRegion: true,
		}
		return m, nil
	}
	return nil, fmt.Errorf("unknown memory style %d", plan.Style)
}

// newMemoryInstanceInRegion builds a static-style memory inside an existing
// inaccessible region, committing the first plan.Min pages. The pooling
// allocator uses this with a non-owned slot view; NewMemoryInstance uses it
// with a fresh owned reservation.
func newMemoryInstanceInRegion(region *platform.Region, plan *MemoryPlan, boundPages uint32, owns bool) (*MemoryInstance, error) {
	minBytes := int(MemoryPagesToBytesNum(plan.Min))
	if err := region.Protect(0, minBytes, true); err != nil {
		if owns {
			_ = region.Unmap()
		}
		return nil, err
	}
	return &MemoryInstance{
		Buffer:     region.Slice(0, minBytes),
		Min:        plan.Min,
		Max:        plan.Max,
		region:     region,
		style:      MemoryStyleStatic,
		boundPages: boundPages,
		guardBytes: plan.OffsetGuardBytes,
		ownsRegion: owns,
	}, nil
}

// totalBytes returns pages of data plus guard as an int byte count, failing
// when the sum does not fit the address space.
func totalBytes(pages uint32, guardBytes uint64) (int, error) {
	total := MemoryPagesToBytesNum(pages) + guardBytes
	if total > uint64(math.MaxInt)/2 {
		return 0, fmt.Errorf("cannot reserve %d data pages with a %d byte guard: %w",
			pages, guardBytes, ErrResourceExhausted)
	}
	if total == 0 {
		// A zero-min, zero-guard memory still needs a mapping to have a base
		// address and to fault on any access.
		return platform.PageSize(), nil
	}
	return int(total), nil
}

// Pages returns the current page count.
func (m *MemoryInstance) Pages() uint32 {
	return memoryBytesNumToPages(uint64(len(m.Buffer)))
}

// Size returns the current accessible length in bytes. It has no side
// effects.
func (m *MemoryInstance) Size() uint32 {
	return uint32(len(m.Buffer))
}

// Definition returns the handle compiled code reads before every access.
func (m *MemoryInstance) Definition() VMMemoryDefinition {
	return VMMemoryDefinition{Base: m.region.Base(), Length: uint64(len(m.Buffer))}
}

// GuardsAddress returns true when addr falls anywhere within this memory's
// reservation, accessible or guarded. The call engine uses this to decide
// whether a hardware fault belongs to this instance; faults elsewhere are
// never claimed.
func (m *MemoryInstance) GuardsAddress(addr uintptr) bool {
	if m.region == nil {
		return false
	}
	base := m.region.Base()
	return addr >= base && addr < base+uintptr(m.region.Len())
}

// Grow extends the accessible prefix by delta pages and returns the previous
// page count.
//
// A failing call returns ErrLimitExceeded (declared maximum, the 65536 page
// ceiling, or a static reservation bound) or ErrResourceExhausted, and never
// mutates the memory. For dynamic style, a successful call that outgrew the
// mapping re-allocates: any base pointer or VMMemoryDefinition obtained
// earlier is invalid afterward, so growth and access on one instance must
// never be concurrent.
func (m *MemoryInstance) Grow(delta uint32) (uint32, error) {
	currentPages := m.Pages()
	newPages := uint64(currentPages) + uint64(delta) // uint64 prevents overflow on add

	if newPages > uint64(MemoryLimitPages) {
		return 0, fmt.Errorf("cannot grow memory from %d by %d pages over the %s limit: %w",
			currentPages, delta, PagesToUnitOfBytes(MemoryLimitPages), ErrLimitExceeded)
	}
	if m.Max != nil && newPages > uint64(*m.Max) {
		return 0, fmt.Errorf("cannot grow memory from %d by %d pages over the declared maximum %d: %w",
			currentPages, delta, *m.Max, ErrLimitExceeded)
	}
	if delta == 0 {
		return currentPages, nil
	}

	switch m.style {
	case MemoryStyleStatic:
		if newPages > uint64(m.boundPages) {
			return 0, fmt.Errorf("cannot grow memory from %d by %d pages over the %d page reservation: %w",
				currentPages, delta, m.boundPages, ErrLimitExceeded)
		}
		// Pure accounting plus a protection change: the base pointer is stable.
		currentBytes := int(MemoryPagesToBytesNum(currentPages))
		deltaBytes := int(MemoryPagesToBytesNum(delta))
		if err := m.region.Protect(currentBytes, deltaBytes, true); err != nil {
			return 0, err
		}
		m.Buffer = m.region.Slice(0, currentBytes+deltaBytes)
		return currentPages, nil
	default: // MemoryStyleDynamic
		reserve, err := totalBytes(uint32(newPages), m.guardBytes)
		if err != nil {
			return 0, err
		}
		region, err := platform.ReserveAndCommit(reserve)
		if err != nil {
			return 0, err
		}
		newBytes := int(MemoryPagesToBytesNum(uint32(newPages)))
		if err = region.Protect(newBytes, region.Len()-newBytes, false); err != nil {
			_ = region.Unmap()
			return 0, err
		}
		copy(region.Slice(0, newBytes), m.Buffer)

		old := m.region
		m.region = region
		m.Buffer = region.Slice(0, newBytes)
		_ = old.Unmap()
		return currentPages, nil
	}
}

// Close releases the backing storage. For a pooled memory the slot is
// reclaimed by the allocator instead, so Close only drops the references.
func (m *MemoryInstance) Close() error {
	region := m.region
	m.region = nil
	m.Buffer = nil
	if region == nil || !m.ownsRegion {
		return nil
	}
	return region.Unmap()
}

// hasSize returns true if Buffer is long enough for sizeInBytes at offset.
func (m *MemoryInstance) hasSize(offset uint32, sizeInBytes uint32) bool {
	return uint64(offset)+uint64(sizeInBytes) <= uint64(len(m.Buffer)) // uint64 prevents overflow on add
}

// ReadByte returns the byte at offset, or false if out of range.
func (m *MemoryInstance) ReadByte(offset uint32) (byte, bool) {
	if offset >= m.Size() {
		return 0, false
	}
	return m.Buffer[offset], true
}

// ReadUint32Le reads a little-endian uint32 at offset, or false if out of range.
func (m *MemoryInstance) ReadUint32Le(offset uint32) (uint32, bool) {
	if !m.hasSize(offset, 4) {
		return 0, false
	}
	return binary.LittleEndian.Uint32(m.Buffer[offset : offset+4]), true
}

// ReadFloat32Le reads a little-endian float32 at offset, or false if out of range.
func (m *MemoryInstance) ReadFloat32Le(offset uint32) (float32, bool) {
	v, ok := m.ReadUint32Le(offset)
	if !ok {
		return 0, false
	}
	return math.Float32frombits(v), true
}

// ReadUint64Le reads a little-endian uint64 at offset, or false if out of range.
func (m *MemoryInstance) ReadUint64Le(offset uint32) (uint64, bool) {
	if !m.hasSize(offset, 8) {
		return 0, false
	}
	return binary.LittleEndian.Uint64(m.Buffer[offset : offset+8]), true
}

// ReadFloat64Le reads a little-endian float64 at offset, or false if out of range.
func (m *MemoryInstance) ReadFloat64Le(offset uint32) (float64, bool) {
	v, ok := m.ReadUint64Le(offset)
	if !ok {
		return 0, false
	}
	return math.Float64frombits(v), true
}

// Read returns the byteCount bytes at offset, or false if out of range. The
// returned slice aliases the memory and is invalidated by dynamic growth.
func (m *MemoryInstance) Read(offset, byteCount uint32) ([]byte, bool) {
	if !m.hasSize(offset, byteCount) {
		return nil, false
	}
	return m.Buffer[offset : offset+byteCount : offset+byteCount], true
}

// WriteByte writes the byte at offset, or returns false if out of range.
func (m *MemoryInstance) WriteByte(offset uint32, v byte) bool {
	if offset >= m.Size() {
		return false
	}
	m.Buffer[offset] = v
	return true
}

// WriteUint32Le writes a little-endian uint32 at offset, or returns false if
// out of range.
func (m *MemoryInstance) WriteUint32Le(offset, v uint32) bool {
	if !m.hasSize(offset, 4) {
		return false
	}
	binary.LittleEndian.PutUint32(m.Buffer[offset:], v)
	return true
}

// WriteFloat32Le writes a little-endian float32 at offset, or returns false
// if out of range.
func (m *MemoryInstance) WriteFloat32Le(offset uint32, v float32) bool {
	return m.WriteUint32Le(offset, math.Float32bits(v))
}

// WriteUint64Le writes a little-endian uint64 at offset, or returns false if
// out of range.
func (m *MemoryInstance) WriteUint64Le(offset uint32, v uint64) bool {
	if !m.hasSize(offset, 8) {
		return false
	}
	binary.LittleEndian.PutUint64(m.Buffer[offset:], v)
	return true
}

// WriteFloat64Le writes a little-endian float64 at offset, or returns false
// if out of range.
func (m *MemoryInstance) WriteFloat64Le(offset uint32, v float64) bool {
	return m.WriteUint64Le(offset, math.Float64bits(v))
}

// Write writes val at offset, or returns false if out of range.
func (m *MemoryInstance) Write(offset uint32, val []byte) bool {
	if !m.hasSize(offset, uint32(len(val))) {
		return false
	}
	copy(m.Buffer[offset:], val)
	return true
}

// MemoryPagesToBytesNum converts the given pages into the number of bytes contained in these pages.
func MemoryPagesToBytesNum(pages uint32) (bytesNum uint64) {
	return uint64(pages) << MemoryPageSizeInBits
}

// memoryBytesNumToPages converts the given number of bytes into the number of pages.
func memoryBytesNumToPages(bytesNum uint64) (pages uint32) {
	return uint32(bytesNum >> MemoryPageSizeInBits)
}

// PagesToUnitOfBytes converts the pages to a human-readable form. Ex. 1 -> "64Ki"
//
// See https://www.w3.org/TR/wasm-core-1/#memory-instances%E2%91%A0
func PagesToUnitOfBytes(pages uint32) string {
	k := pages * 64
	if k < 1024 {
		return fmt.Sprintf("%d Ki", k)
	}
	m := k / 1024
	if m < 1024 {
		return fmt.Sprintf("%d Mi", m)
	}
	g := m / 1024
	if g < 1024 {
		return fmt.Sprintf("%d Gi", g)
	}
	return fmt.Sprintf("%d Ti", g/1024)
}
