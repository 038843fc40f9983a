//go:build unix

package wasm

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

// faultSink keeps the guarded read from being optimized away.
var faultSink byte

// TestCallEngine_GuardFault reads one byte past the accessible prefix the way
// compiled code would, through the raw base pointer. The access lands on the
// guard span, faults, and surfaces as a heap out-of-bounds trap with the host
// process intact.
func TestCallEngine_GuardFault(t *testing.T) {
	plan := MemoryPlan{Min: 1, Style: MemoryStyleStatic, StaticBound: 4, OffsetGuardBytes: testGuardBytes}
	m, err := NewMemoryInstance(&plan)
	require.NoError(t, err)
	defer m.Close()

	ce := NewCallEngine(&InstanceResources{Memory: m}, NewTrapRegistry(), testDepthLimit)
	require.Equal(t, m, ce.Memory())

	_, err = ce.Call(func(ce *CallEngine) []uint64 {
		def := ce.Memory().Definition()
		faultSink = *(*byte)(unsafe.Pointer(def.Base + uintptr(def.Length)))
		return nil
	})

	var trap *Trap
	require.ErrorAs(t, err, &trap)
	require.Equal(t, TrapCodeHeapOutOfBounds, trap.Code)

	// The instance stays usable after the fault.
	results, err := ce.Call(func(ce *CallEngine) []uint64 {
		v, ok := ce.Memory().ReadByte(0)
		require.True(t, ok)
		return []uint64{uint64(v)}
	})
	require.NoError(t, err)
	require.Equal(t, []uint64{0}, results)
}

// TestCallEngine_GuardFault_AfterGrow: growth moves the guard span outward,
// so the first guarded byte is always one past the new accessible length.
func TestCallEngine_GuardFault_AfterGrow(t *testing.T) {
	plan := MemoryPlan{Min: 1, Style: MemoryStyleStatic, StaticBound: 2, OffsetGuardBytes: testGuardBytes}
	m, err := NewMemoryInstance(&plan)
	require.NoError(t, err)
	defer m.Close()

	ce := NewCallEngine(&InstanceResources{Memory: m}, NewTrapRegistry(), testDepthLimit)

	// Before growing, page two is guarded.
	_, err = ce.Call(func(ce *CallEngine) []uint64 {
		base := ce.Memory().Definition().Base
		faultSink = *(*byte)(unsafe.Pointer(base + uintptr(MemoryPageSize)))
		return nil
	})
	var trap *Trap
	require.ErrorAs(t, err, &trap)
	require.Equal(t, TrapCodeHeapOutOfBounds, trap.Code)

	_, err = m.Grow(1)
	require.NoError(t, err)

	// The same address is accessible now; past the new length still faults.
	_, err = ce.Call(func(ce *CallEngine) []uint64 {
		def := ce.Memory().Definition()
		faultSink = *(*byte)(unsafe.Pointer(def.Base + uintptr(MemoryPageSize)))
		faultSink = *(*byte)(unsafe.Pointer(def.Base + uintptr(def.Length)))
		return nil
	})
	require.ErrorAs(t, err, &trap)
	require.Equal(t, TrapCodeHeapOutOfBounds, trap.Code)
}

// TestCallEngine_ForeignFaultNotClaimed: a fault outside the instance's
// reservation is never converted to a guest trap.
func TestCallEngine_ForeignFaultNotClaimed(t *testing.T) {
	plan := MemoryPlan{Min: 1, Style: MemoryStyleStatic, StaticBound: 2, OffsetGuardBytes: testGuardBytes}
	m, err := NewMemoryInstance(&plan)
	require.NoError(t, err)
	defer m.Close()

	ce := NewCallEngine(&InstanceResources{Memory: m}, NewTrapRegistry(), testDepthLimit)

	var p *uint64
	require.Panics(t, func() {
		_, _ = ce.Call(func(ce *CallEngine) []uint64 {
			faultSink = byte(*p) // nil dereference, nothing to do with the guest
			return nil
		})
	})
}
