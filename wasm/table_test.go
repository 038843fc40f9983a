package wasm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func funcRef(addr uintptr, id SignatureID) Reference {
	return Reference{Type: RefTypeFuncref, Ptr: addr, TypeID: id}
}

func TestNewTableInstance(t *testing.T) {
	table, err := NewTableInstance(&TablePlan{Min: 3, Max: uint32Ptr(10), Type: RefTypeFuncref})
	require.NoError(t, err)
	require.Equal(t, uint32(3), table.Size())

	// Initial slots are null, and null is a valid in-range value.
	for i := uint32(0); i < 3; i++ {
		ref, ok := table.Get(i)
		require.True(t, ok)
		require.True(t, ref.IsNull())
		require.Equal(t, RefTypeFuncref, ref.Type)
	}

	_, err = NewTableInstance(&TablePlan{Min: 3, Max: uint32Ptr(2), Type: RefTypeFuncref})
	require.Error(t, err)
}

func TestTableInstance_GetSet(t *testing.T) {
	table, err := NewTableInstance(&TablePlan{Min: 2, Type: RefTypeFuncref})
	require.NoError(t, err)

	require.NoError(t, table.Set(1, funcRef(0x1000, 7)))
	ref, ok := table.Get(1)
	require.True(t, ok)
	require.Equal(t, uintptr(0x1000), ref.Ptr)
	require.Equal(t, SignatureID(7), ref.TypeID)

	// Out of range is distinct from null: Get reports false, Set fails.
	_, ok = table.Get(2)
	require.False(t, ok)
	err = table.Set(2, funcRef(0x1000, 7))
	require.ErrorIs(t, err, ErrIndexOutOfBounds)

	// Kind mismatch.
	err = table.Set(0, Reference{Type: RefTypeExternref, Ptr: 0x2000})
	require.ErrorIs(t, err, ErrTypeMismatch)
	ref, _ = table.Get(0)
	require.True(t, ref.IsNull()) // failing Set mutated nothing
}

// TestTableInstance_Grow_DeclaredMax is the min=1,max=1 scenario: a zero
// grow succeeds returning the length, a real grow fails, and the length is
// never mutated by a failing call.
func TestTableInstance_Grow_DeclaredMax(t *testing.T) {
	table, err := NewTableInstance(&TablePlan{Min: 1, Max: uint32Ptr(1), Type: RefTypeFuncref})
	require.NoError(t, err)

	prior, err := table.Grow(0, NullReference(RefTypeFuncref))
	require.NoError(t, err)
	require.Equal(t, uint32(1), prior)

	_, err = table.Grow(1, NullReference(RefTypeFuncref))
	require.ErrorIs(t, err, ErrLimitExceeded)
	require.Equal(t, uint32(1), table.Size())
}

func TestTableInstance_Grow(t *testing.T) {
	table, err := NewTableInstance(&TablePlan{Min: 1, Max: uint32Ptr(10), Type: RefTypeFuncref})
	require.NoError(t, err)

	init := funcRef(0x42, 3)
	prior, err := table.Grow(2, init)
	require.NoError(t, err)
	require.Equal(t, uint32(1), prior)
	require.Equal(t, uint32(3), table.Size())

	for i := uint32(1); i < 3; i++ {
		ref, ok := table.Get(i)
		require.True(t, ok)
		require.Equal(t, init, ref)
	}

	// Wrong-kind init fails before any mutation.
	_, err = table.Grow(1, NullReference(RefTypeExternref))
	require.ErrorIs(t, err, ErrTypeMismatch)
	require.Equal(t, uint32(3), table.Size())
}

func TestTableInstance_Grow_Overflow(t *testing.T) {
	table, err := NewTableInstance(&TablePlan{Min: 1, Type: RefTypeFuncref})
	require.NoError(t, err)

	_, err = table.Grow(0xffffffff, NullReference(RefTypeFuncref))
	require.ErrorIs(t, err, ErrLimitExceeded)
	require.Equal(t, uint32(1), table.Size())
}

func TestTableInstance_Fill(t *testing.T) {
	table, err := NewTableInstance(&TablePlan{Min: 4, Type: RefTypeFuncref})
	require.NoError(t, err)

	ref := funcRef(0x9, 1)
	require.NoError(t, table.Fill(1, 2, ref))
	for i, want := range []bool{true, false, false, true} {
		got, ok := table.Get(uint32(i))
		require.True(t, ok)
		require.Equal(t, want, got.IsNull())
	}

	// Range validated before any write.
	err = table.Fill(3, 2, ref)
	require.ErrorIs(t, err, ErrIndexOutOfBounds)
	got, _ := table.Get(3)
	require.True(t, got.IsNull())
}

func TestTableInstance_Copy(t *testing.T) {
	src, err := NewTableInstance(&TablePlan{Min: 4, Type: RefTypeFuncref})
	require.NoError(t, err)
	dst, err := NewTableInstance(&TablePlan{Min: 4, Type: RefTypeFuncref})
	require.NoError(t, err)

	for i := uint32(0); i < 4; i++ {
		require.NoError(t, src.Set(i, funcRef(uintptr(0x100+i), SignatureID(i))))
	}

	require.NoError(t, dst.Copy(1, src, 0, 3))
	for i := uint32(0); i < 3; i++ {
		got, ok := dst.Get(i + 1)
		require.True(t, ok)
		require.Equal(t, uintptr(0x100+i), got.Ptr)
	}
}

func TestTableInstance_Copy_Overlap(t *testing.T) {
	tests := []struct {
		name     string
		dstOff   uint32
		srcOff   uint32
		expected []uintptr
	}{
		// Forward overlap requires a backward copy direction.
		{name: "dst after src", dstOff: 1, srcOff: 0, expected: []uintptr{0x100, 0x100, 0x101, 0x102}},
		{name: "dst before src", dstOff: 0, srcOff: 1, expected: []uintptr{0x101, 0x102, 0x103, 0x103}},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			table, err := NewTableInstance(&TablePlan{Min: 4, Type: RefTypeFuncref})
			require.NoError(t, err)
			for i := uint32(0); i < 4; i++ {
				require.NoError(t, table.Set(i, funcRef(uintptr(0x100+i), 0)))
			}

			require.NoError(t, table.Copy(tc.dstOff, table, tc.srcOff, 3))
			for i, want := range tc.expected {
				got, ok := table.Get(uint32(i))
				require.True(t, ok)
				require.Equal(t, want, got.Ptr)
			}
		})
	}
}

func TestTableInstance_Copy_ValidatesBeforeMutating(t *testing.T) {
	src, err := NewTableInstance(&TablePlan{Min: 2, Type: RefTypeFuncref})
	require.NoError(t, err)
	dst, err := NewTableInstance(&TablePlan{Min: 4, Type: RefTypeFuncref})
	require.NoError(t, err)

	require.NoError(t, src.Set(0, funcRef(0x1, 0)))
	require.NoError(t, src.Set(1, funcRef(0x2, 0)))

	// Source range too long: nothing is copied even though the destination
	// could hold part of it.
	err = dst.Copy(0, src, 1, 2)
	require.ErrorIs(t, err, ErrIndexOutOfBounds)
	for i := uint32(0); i < 4; i++ {
		got, _ := dst.Get(i)
		require.True(t, got.IsNull())
	}

	// Destination range too long.
	err = dst.Copy(3, src, 0, 2)
	require.ErrorIs(t, err, ErrIndexOutOfBounds)

	// Kind mismatch between tables.
	ext, err := NewTableInstance(&TablePlan{Min: 2, Type: RefTypeExternref})
	require.NoError(t, err)
	err = dst.Copy(0, ext, 0, 1)
	require.ErrorIs(t, err, ErrTypeMismatch)
}
