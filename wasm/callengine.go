package wasm

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync/atomic"
)

// GuestFunc stands in for one compiled guest entry point: it runs with the
// call engine of its instance and either returns results or aborts through
// the trap channel (an explicit trap site, a guard-page fault, the call-depth
// ceiling, or an injected interrupt).
type GuestFunc func(ce *CallEngine) []uint64

type callEngineState byte

const (
	// stateReady means no guest frame is live and no trap is pending.
	stateReady callEngineState = iota
	// stateExecuting means a guest entry is on the stack of the executing
	// goroutine.
	stateExecuting
)

// CallEngine is the per-instance execution state the fault bridge needs: the
// in-guest flag, the recorded trap, and the jump context, which in Go is the
// deferred recovery installed by Call. It is the rendition of thread-local
// state for a runtime where one goroutine executes one instance at a time;
// nothing here is locked because nothing here is shared while executing.
//
// Per guest entry the state machine is
// Ready → Executing → {Ready | Faulted → TrapRecorded → Ready}.
type CallEngine struct {
	memory *MemoryInstance
	table  *TableInstance
	traps  *TrapRegistry

	// depth and depthLimit bound the guest call stack; overflow is detected
	// dynamically, not via a registered site.
	depth      uint32
	depthLimit uint32

	// frames are the source offsets of live guest frames, for the backtrace.
	frames []uint64

	state callEngineState

	// recorded is write-once per entry and consumed (read and cleared)
	// before the entry returns. A second record before consumption is an
	// internal-consistency violation, not a guest error.
	recorded *TrapDescription

	// interrupt is set by any goroutine via Interrupt and observed by the
	// executing goroutine at function entries.
	interrupt uint32
}

// NewCallEngine binds an engine's trap registry to one instance's resources.
func NewCallEngine(res *InstanceResources, traps *TrapRegistry, depthLimit uint32) *CallEngine {
	ce := &CallEngine{traps: traps, depthLimit: depthLimit}
	if res != nil {
		ce.memory = res.Memory
		ce.table = res.Table
	}
	return ce
}

// Memory returns the instance's linear memory, or nil.
func (ce *CallEngine) Memory() *MemoryInstance {
	return ce.memory
}

// Table returns the instance's table, or nil.
func (ce *CallEngine) Table() *TableInstance {
	return ce.table
}

// Interrupt requests that the in-flight (or next) guest execution abort with
// an interrupt trap. It is safe to call from any goroutine; delivery reuses
// the trap recording and non-local exit of a hardware fault.
func (ce *CallEngine) Interrupt() {
	atomic.StoreUint32(&ce.interrupt, 1)
}

// ClearInterrupt re-arms the engine after an interrupt was delivered.
func (ce *CallEngine) ClearInterrupt() {
	atomic.StoreUint32(&ce.interrupt, 0)
}

// Call is the host→guest trampoline. It installs the jump context (the
// deferred recovery below), arms fault panics for the duration of the entry,
// invokes fn, and interprets the outcome: a normal return yields fn's
// results, a trap yields a *Trap error with the host process intact.
//
// Nested calls (guest → host function → guest) run under the outermost
// entry's recovery.
func (ce *CallEngine) Call(fn GuestFunc) (results []uint64, err error) {
	if ce.state == stateExecuting {
		return fn(ce), nil
	}

	ce.state = stateExecuting
	faultPrev := debug.SetPanicOnFault(true)
	defer func() {
		debug.SetPanicOnFault(faultPrev)
		ce.state = stateReady
		ce.depth = 0
		frames := ce.frames
		ce.frames = nil
		if recovered := recover(); recovered != nil {
			err = ce.recoverTrap(recovered, frames)
			results = nil
		}
	}()
	return fn(ce), nil
}

// trapSite aborts execution from a registered trap site; addr is the code
// address the site was registered under.
type trapSite struct {
	addr uintptr
}

// trapAbort aborts execution with a description resolved at the abort point,
// used for conditions with no static registration (depth ceiling, interrupt,
// dynamically detected integer traps).
type trapAbort struct {
	desc TrapDescription
}

// addresser is implemented by the runtime's memory-fault panic value when the
// faulting address is known. See runtime/debug.SetPanicOnFault.
type addresser interface {
	Addr() uintptr
}

// recoverTrap converts a recovered panic into the *Trap error the entry
// returns, per the fault protocol:
//
//  1. an explicit trap site resolves through the registry, synthesizing
//     StackOverflow for addresses with no registration;
//  2. a memory fault is claimed only when its address lies inside this
//     instance's guarded reservation, and re-panics otherwise, forwarding a
//     fault this subsystem did not cause;
//  3. anything else re-panics unchanged.
func (ce *CallEngine) recoverTrap(recovered interface{}, frames []uint64) error {
	switch v := recovered.(type) {
	case *trapSite:
		desc, ok := ce.traps.Lookup(v.addr)
		if !ok {
			// The only fault site with no static registration: stack limits
			// are hit dynamically.
			desc = TrapDescription{Code: TrapCodeStackOverflow}
		}
		ce.record(desc)
	case *trapAbort:
		ce.record(v.desc)
	default:
		re, ok := recovered.(runtime.Error)
		if !ok {
			panic(recovered)
		}
		fa, ok := re.(addresser)
		if !ok || ce.memory == nil || !ce.memory.GuardsAddress(fa.Addr()) {
			panic(recovered)
		}
		ce.record(TrapDescription{Code: TrapCodeHeapOutOfBounds})
	}
	return ce.consumeTrap(frames)
}

// record stores the trap for this entry. At most one trap may be recorded per
// entry; a second is a fatal engine bug, never papered over.
func (ce *CallEngine) record(desc TrapDescription) {
	if ce.recorded != nil {
		panic(fmt.Errorf("BUG: trap %q recorded before %q was consumed", desc.Code, ce.recorded.Code))
	}
	ce.recorded = &desc
}

// consumeTrap reads and clears the recorded trap and renders it as the typed
// error returned across the entry boundary.
func (ce *CallEngine) consumeTrap(frames []uint64) error {
	desc := ce.recorded
	ce.recorded = nil
	return newTrap(*desc, frames)
}

// Trap aborts execution at a registered trap site. Compiled code calls this
// where an explicit trap opcode or implicit check landed; addr must be the
// address the loader registered.
func (ce *CallEngine) Trap(addr uintptr) {
	panic(&trapSite{addr: addr})
}

// TrapWith aborts execution with a description produced at the abort point,
// for trap conditions discovered dynamically rather than at a registered
// address.
func (ce *CallEngine) TrapWith(code TrapCode, sourceOffset uint64) {
	panic(&trapAbort{desc: TrapDescription{Code: code, SourceOffset: sourceOffset}})
}

// EnterFunction is the guest function prologue: it observes a pending
// interrupt, enforces the call-depth ceiling, and pushes the frame for the
// backtrace. sourceOffset locates the callee in the module.
func (ce *CallEngine) EnterFunction(sourceOffset uint64) {
	if atomic.LoadUint32(&ce.interrupt) != 0 {
		panic(&trapAbort{desc: TrapDescription{Code: TrapCodeInterrupt, SourceOffset: sourceOffset}})
	}
	ce.depth++
	if ce.depth > ce.depthLimit {
		panic(&trapAbort{desc: TrapDescription{Code: TrapCodeStackOverflow, SourceOffset: sourceOffset}})
	}
	ce.frames = append(ce.frames, sourceOffset)
}

// ExitFunction is the matching epilogue on a normal return.
func (ce *CallEngine) ExitFunction() {
	ce.depth--
	ce.frames = ce.frames[:len(ce.frames)-1]
}

// ResolveIndirectCall checks table slot idx against the signature id expected
// at the call site and returns the callee reference. On any failure it aborts
// with the matching trap: out-of-range index, null slot, or id mismatch, in
// that order. The id comparison is the whole type check; the registry is not
// consulted.
func (ce *CallEngine) ResolveIndirectCall(idx uint32, expected SignatureID, sourceOffset uint64) Reference {
	ref, ok := ce.table.Get(idx)
	if !ok {
		ce.TrapWith(TrapCodeTableOutOfBounds, sourceOffset)
	}
	if ref.IsNull() {
		ce.TrapWith(TrapCodeIndirectCallToNull, sourceOffset)
	}
	if expected == SignatureIDInvalid || ref.TypeID != expected {
		ce.TrapWith(TrapCodeBadSignature, sourceOffset)
	}
	return ref
}
