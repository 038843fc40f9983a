package wasm

import (
	"fmt"
	"math"
	"unsafe"
)

// Reference is one tagged table slot: an opaque pointer for compiled code
// plus the canonical signature id used by the call_indirect type check. The
// zero Ptr means null, which is a valid slot value distinct from out of
// range.
type Reference struct {
	// Type tags the slot with the element kind it was written as.
	Type RefType

	// Ptr is opaque to the table; for funcref slots it is the code address
	// compiled code jumps to.
	Ptr uintptr

	// TypeID is the callee's canonical signature id, compared in O(1) against
	// the id expected at the call site. SignatureIDInvalid never matches.
	TypeID SignatureID
}

// NullReference returns the null slot value for the given element kind.
func NullReference(t RefType) Reference {
	return Reference{Type: t}
}

// IsNull returns true for a null slot.
func (r Reference) IsNull() bool {
	return r.Ptr == 0
}

// VMTableDefinition is the raw handle compiled code reads before an indirect
// call: base of the slot array and its current length.
type VMTableDefinition struct {
	Base   uintptr
	Length uint32
}

// TableInstance is one table owned by one instance. Unlike linear memory,
// table accesses are explicitly bounds checked; there is no guard trick
// because slots are not addressed by guest pointers.
//
// A table is single-writer: only the goroutine currently executing its
// instance mutates it, so no locking happens on the access path.
type TableInstance struct {
	// References are the tagged slots. Storage may be owned by the pooling
	// allocator; len is the live table length.
	References []Reference

	// Min is the minimum number of elements in this table.
	Min uint32

	// Max is the maximum number of elements in this table, or nil if
	// unbounded.
	Max *uint32

	// Type is the declared element kind of every slot.
	Type RefType
}

// NewTableInstance allocates a table of plan.Min null slots.
func NewTableInstance(plan *TablePlan) (*TableInstance, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return newTableInstanceInStorage(make([]Reference, 0, plan.Min), plan, plan.Max), nil
}

// newTableInstanceInStorage builds a table reusing storage, used by the
// pooling allocator with a slot slab and an effective maximum clamped to the
// slab capacity.
func newTableInstanceInStorage(storage []Reference, plan *TablePlan, max *uint32) *TableInstance {
	refs := storage[:plan.Min]
	for i := range refs {
		refs[i] = NullReference(plan.Type)
	}
	return &TableInstance{References: refs, Min: plan.Min, Max: max, Type: plan.Type}
}

// Size returns the current number of slots.
func (t *TableInstance) Size() uint32 {
	return uint32(len(t.References))
}

// Get returns the slot at i, or false when i is out of range. A null slot
// returns (null, true).
func (t *TableInstance) Get(i uint32) (Reference, bool) {
	if i >= t.Size() {
		return Reference{}, false
	}
	return t.References[i], true
}

// Set writes the slot at i. It fails with ErrIndexOutOfBounds when i is out
// of range and ErrTypeMismatch when ref's kind disagrees with the table's
// element kind; a failing call does not mutate the table.
func (t *TableInstance) Set(i uint32, ref Reference) error {
	if i >= t.Size() {
		return fmt.Errorf("table slot %d out of range of %d: %w", i, t.Size(), ErrIndexOutOfBounds)
	}
	if ref.Type != t.Type {
		return fmt.Errorf("cannot write %s into a table of %s: %w",
			RefTypeName(ref.Type), RefTypeName(t.Type), ErrTypeMismatch)
	}
	t.References[i] = ref
	return nil
}

// Grow extends the table by delta slots holding init, returning the previous
// length. It fails with ErrLimitExceeded past the declared maximum and never
// mutates the table on failure.
func (t *TableInstance) Grow(delta uint32, init Reference) (uint32, error) {
	if init.Type != t.Type {
		return 0, fmt.Errorf("cannot initialize a table of %s with %s: %w",
			RefTypeName(t.Type), RefTypeName(init.Type), ErrTypeMismatch)
	}
	currentLen := t.Size()
	newLen := uint64(currentLen) + uint64(delta) // uint64 prevents overflow on add
	if newLen > math.MaxUint32 {
		return 0, fmt.Errorf("cannot grow table from %d by %d slots: %w", currentLen, delta, ErrLimitExceeded)
	}
	if t.Max != nil && newLen > uint64(*t.Max) {
		return 0, fmt.Errorf("cannot grow table from %d by %d slots over the declared maximum %d: %w",
			currentLen, delta, *t.Max, ErrLimitExceeded)
	}
	if uint64(cap(t.References)) >= newLen {
		// Pooled tables stay within their slab.
		t.References = t.References[:newLen]
		for i := currentLen; uint64(i) < newLen; i++ {
			t.References[i] = init
		}
	} else {
		for i := uint64(currentLen); i < newLen; i++ {
			t.References = append(t.References, init)
		}
	}
	return currentLen, nil
}

// Fill writes ref into the length slots starting at offset. The range is
// validated before any slot is written.
func (t *TableInstance) Fill(offset, length uint32, ref Reference) error {
	if ref.Type != t.Type {
		return fmt.Errorf("cannot fill a table of %s with %s: %w",
			RefTypeName(t.Type), RefTypeName(ref.Type), ErrTypeMismatch)
	}
	if uint64(offset)+uint64(length) > uint64(t.Size()) {
		return fmt.Errorf("table fill [%d, %d+%d) out of range of %d: %w",
			offset, offset, length, t.Size(), ErrIndexOutOfBounds)
	}
	for i := offset; i < offset+length; i++ {
		t.References[i] = ref
	}
	return nil
}

// Copy copies length slots from src starting at srcOffset into t starting at
// dstOffset. Both ranges are validated before either table is touched, so a
// failing call copies nothing. Overlapping self-copies behave like memmove.
func (t *TableInstance) Copy(dstOffset uint32, src *TableInstance, srcOffset, length uint32) error {
	if t.Type != src.Type {
		return fmt.Errorf("cannot copy a table of %s into a table of %s: %w",
			RefTypeName(src.Type), RefTypeName(t.Type), ErrTypeMismatch)
	}
	if uint64(srcOffset)+uint64(length) > uint64(src.Size()) {
		return fmt.Errorf("table copy source [%d, %d+%d) out of range of %d: %w",
			srcOffset, srcOffset, length, src.Size(), ErrIndexOutOfBounds)
	}
	if uint64(dstOffset)+uint64(length) > uint64(t.Size()) {
		return fmt.Errorf("table copy destination [%d, %d+%d) out of range of %d: %w",
			dstOffset, dstOffset, length, t.Size(), ErrIndexOutOfBounds)
	}
	// copy is memmove: the direction is correct even when t == src and the
	// ranges overlap.
	copy(t.References[dstOffset:dstOffset+length], src.References[srcOffset:srcOffset+length])
	return nil
}

// Definition returns the handle compiled code reads before an indirect call.
func (t *TableInstance) Definition() VMTableDefinition {
	var base uintptr
	if len(t.References) > 0 {
		base = refAddr(&t.References[0])
	}
	return VMTableDefinition{Base: base, Length: t.Size()}
}

func refAddr(r *Reference) uintptr {
	return uintptr(unsafe.Pointer(r))
}
