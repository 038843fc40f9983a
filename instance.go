package sandbox

import (
	"errors"
	"sync/atomic"

	"github.com/mickey951112/wasmtime-sub002/wasm"
)

// ErrInstanceClosed is returned by calls on a closed Instance.
var ErrInstanceClosed = errors.New("instance closed")

// Instance is one running incarnation of a compiled module, owning its
// memory and table state. Its memory and table are single-writer: only the
// goroutine currently executing the instance may mutate them, and a cached
// memory base pointer is invalid across a dynamic-style Grow.
type Instance struct {
	engine *Engine
	res    *wasm.InstanceResources
	ce     *wasm.CallEngine
	closed uint32 // atomic
}

// Memory returns the instance's linear memory, or nil if its module declared
// none.
func (i *Instance) Memory() *wasm.MemoryInstance {
	return i.res.Memory
}

// Table returns the instance's table, or nil if its module declared none.
func (i *Instance) Table() *wasm.TableInstance {
	return i.res.Table
}

// Call runs one guest entry through the fault bridge: a normal return yields
// the guest's results, a fault yields a *wasm.Trap error, and the instance
// stays usable either way.
func (i *Instance) Call(fn wasm.GuestFunc) ([]uint64, error) {
	if atomic.LoadUint32(&i.closed) == 1 {
		return nil, ErrInstanceClosed
	}
	return i.ce.Call(fn)
}

// Interrupt aborts the in-flight (or next) guest execution with an interrupt
// trap. Safe from any goroutine.
func (i *Instance) Interrupt() {
	i.ce.Interrupt()
}

// ClearInterrupt re-arms the instance after a delivered interrupt.
func (i *Instance) ClearInterrupt() {
	i.ce.ClearInterrupt()
}

// Close returns the instance's resources to the allocator. Idempotent.
func (i *Instance) Close() error {
	if !atomic.CompareAndSwapUint32(&i.closed, 0, 1) {
		return nil
	}
	return i.engine.allocator.Deallocate(i.res)
}
