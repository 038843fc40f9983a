package sandbox

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mickey951112/wasmtime-sub002/wasm"
)

func newTestInstance(t *testing.T) (*Engine, *Instance) {
	e, err := NewEngine(testConfig(t))
	require.NoError(t, err)

	memPlan := e.MemoryPlan(1, uint32Ptr(4))
	tablePlan := e.TablePlan(4, nil)
	inst, err := e.NewInstance(&wasm.ModulePlan{Memory: &memPlan, Table: &tablePlan})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = inst.Close()
		_ = e.Close()
	})
	return e, inst
}

func TestInstance_Call(t *testing.T) {
	_, inst := newTestInstance(t)

	// A guest that stores a value and returns the doubled read-back.
	results, err := inst.Call(func(ce *wasm.CallEngine) []uint64 {
		ce.EnterFunction(0x10)
		defer ce.ExitFunction()
		if !ce.Memory().WriteUint32Le(8, 21) {
			ce.TrapWith(wasm.TrapCodeHeapOutOfBounds, 0x10)
		}
		v, _ := ce.Memory().ReadUint32Le(8)
		return []uint64{uint64(v) * 2}
	})
	require.NoError(t, err)
	require.Equal(t, []uint64{42}, results)

	// The write went to the instance's memory.
	v, ok := inst.Memory().ReadUint32Le(8)
	require.True(t, ok)
	require.Equal(t, uint32(21), v)
}

func TestInstance_Call_Trap(t *testing.T) {
	_, inst := newTestInstance(t)

	_, err := inst.Call(func(ce *wasm.CallEngine) []uint64 {
		ce.TrapWith(wasm.TrapCodeUnreachable, 0x83)
		return nil
	})
	require.EqualError(t, err, "wasm trap: unreachable, source location: 0x83")

	// A trap is an error, not a poisoned instance.
	_, err = inst.Call(func(ce *wasm.CallEngine) []uint64 { return nil })
	require.NoError(t, err)
}

// TestInstance_IndirectCall is the whole dispatch flow: signatures registered
// with the engine, references installed in the table with their ids, and the
// call-site check reduced to one id comparison.
func TestInstance_IndirectCall(t *testing.T) {
	e, inst := newTestInstance(t)

	i32i32, err := e.RegisterSignature(
		[]wasm.ValueType{wasm.ValueTypeI32}, []wasm.ValueType{wasm.ValueTypeI32})
	require.NoError(t, err)
	i64v, err := e.RegisterSignature([]wasm.ValueType{wasm.ValueTypeI64}, nil)
	require.NoError(t, err)

	require.NoError(t, inst.Table().Set(0, wasm.Reference{
		Type: wasm.RefTypeFuncref, Ptr: 0x1000, TypeID: i32i32,
	}))
	require.NoError(t, inst.Table().Set(1, wasm.Reference{
		Type: wasm.RefTypeFuncref, Ptr: 0x2000, TypeID: i64v,
	}))

	results, err := inst.Call(func(ce *wasm.CallEngine) []uint64 {
		ref := ce.ResolveIndirectCall(0, i32i32, 0x20)
		return []uint64{uint64(ref.Ptr)}
	})
	require.NoError(t, err)
	require.Equal(t, []uint64{0x1000}, results)

	// Same table, wrong expected signature.
	_, err = inst.Call(func(ce *wasm.CallEngine) []uint64 {
		_ = ce.ResolveIndirectCall(1, i32i32, 0x20)
		return nil
	})
	var trap *wasm.Trap
	require.ErrorAs(t, err, &trap)
	require.Equal(t, wasm.TrapCodeBadSignature, trap.Code)

	// Uninstalled slot.
	_, err = inst.Call(func(ce *wasm.CallEngine) []uint64 {
		_ = ce.ResolveIndirectCall(2, i32i32, 0x20)
		return nil
	})
	require.ErrorAs(t, err, &trap)
	require.Equal(t, wasm.TrapCodeIndirectCallToNull, trap.Code)
}

func TestInstance_Interrupt(t *testing.T) {
	_, inst := newTestInstance(t)

	inst.Interrupt()
	_, err := inst.Call(func(ce *wasm.CallEngine) []uint64 {
		ce.EnterFunction(0x30)
		defer ce.ExitFunction()
		return nil
	})
	var trap *wasm.Trap
	require.ErrorAs(t, err, &trap)
	require.Equal(t, wasm.TrapCodeInterrupt, trap.Code)

	inst.ClearInterrupt()
	_, err = inst.Call(func(ce *wasm.CallEngine) []uint64 {
		ce.EnterFunction(0x30)
		defer ce.ExitFunction()
		return nil
	})
	require.NoError(t, err)
}

func TestInstance_Closed(t *testing.T) {
	_, inst := newTestInstance(t)

	require.NoError(t, inst.Close())
	require.NoError(t, inst.Close()) // idempotent

	_, err := inst.Call(func(ce *wasm.CallEngine) []uint64 { return nil })
	require.ErrorIs(t, err, ErrInstanceClosed)
}

func TestInstance_DepthLimit(t *testing.T) {
	e, err := NewEngine(testConfig(t).WithCallDepthLimit(8))
	require.NoError(t, err)
	defer e.Close()

	inst, err := e.NewInstance(&wasm.ModulePlan{})
	require.NoError(t, err)
	defer inst.Close()

	var recurse func(ce *wasm.CallEngine) []uint64
	recurse = func(ce *wasm.CallEngine) []uint64 {
		ce.EnterFunction(0x40)
		defer ce.ExitFunction()
		return recurse(ce)
	}

	_, err = inst.Call(recurse)
	var trap *wasm.Trap
	require.ErrorAs(t, err, &trap)
	require.Equal(t, wasm.TrapCodeStackOverflow, trap.Code)
}
