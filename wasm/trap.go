package wasm

import (
	"fmt"
	"sync"

	"github.com/mickey951112/wasmtime-sub002/internal/wasmdebug"
)

// TrapCode identifies why guest execution aborted. The low byte is the
// discriminant; user traps carry the embedder's code in the upper bits.
type TrapCode uint32

const (
	// TrapCodeStackOverflow is the one trap with no registered site: stack
	// limits are hit dynamically, so an unresolvable fault address is
	// attributed to it.
	TrapCodeStackOverflow TrapCode = iota
	// TrapCodeHeapOutOfBounds is a linear-memory access past the accessible
	// prefix, usually observed as a fault on the guard span.
	TrapCodeHeapOutOfBounds
	// TrapCodeTableOutOfBounds is a table access past the current length.
	TrapCodeTableOutOfBounds
	// TrapCodeIndirectCallToNull is a call_indirect through a null slot.
	TrapCodeIndirectCallToNull
	// TrapCodeBadSignature is a call_indirect whose callee signature id does
	// not match the id expected at the call site.
	TrapCodeBadSignature
	// TrapCodeIntegerOverflow is an integer operation whose result does not
	// fit, such as truncating an out-of-range float.
	TrapCodeIntegerOverflow
	// TrapCodeIntegerDivisionByZero is an integer div or rem with a zero
	// divisor.
	TrapCodeIntegerDivisionByZero
	// TrapCodeBadConversionToInteger is a float-to-integer conversion of NaN.
	TrapCodeBadConversionToInteger
	// TrapCodeUnreachable is an executed unreachable instruction.
	TrapCodeUnreachable
	// TrapCodeInterrupt is an externally injected abort, delivered through
	// the same channel as a hardware fault.
	TrapCodeInterrupt
	// TrapCodeUser is an embedder-defined trap; see TrapCodeUserWithCode.
	TrapCodeUser

	trapCodeMax
)

const trapCodeMask = 0xff

// TrapCodeUserWithCode folds an embedder code into a user trap.
func TrapCodeUserWithCode(code uint32) TrapCode {
	return TrapCodeUser | TrapCode(code<<8)
}

// UserCode returns the embedder code of a user trap.
func (c TrapCode) UserCode() uint32 {
	return uint32(c >> 8)
}

// String implements fmt.Stringer with the reason the embedding API renders.
func (c TrapCode) String() string {
	switch c & trapCodeMask {
	case TrapCodeStackOverflow:
		return "callstack overflow"
	case TrapCodeHeapOutOfBounds:
		return "out of bounds memory access"
	case TrapCodeTableOutOfBounds:
		return "out of bounds table access"
	case TrapCodeIndirectCallToNull:
		return "indirect call to null"
	case TrapCodeBadSignature:
		return "indirect call type mismatch"
	case TrapCodeIntegerOverflow:
		return "integer overflow"
	case TrapCodeIntegerDivisionByZero:
		return "integer divide by zero"
	case TrapCodeBadConversionToInteger:
		return "invalid conversion to integer"
	case TrapCodeUnreachable:
		return "unreachable"
	case TrapCodeInterrupt:
		return "interrupt"
	case TrapCodeUser:
		return fmt.Sprintf("user trap %d", c.UserCode())
	}
	return fmt.Sprintf("unknown trap %d", uint32(c))
}

// TrapDescription is the metadata registered for one trap site: where in the
// guest module the trapping construct came from, and what it means.
type TrapDescription struct {
	Code TrapCode

	// SourceOffset locates the construct in the module, rendered in the trap
	// message as the source location.
	SourceOffset uint64
}

// Trap is the typed error a guest fault is surfaced as. It is an error value,
// never a host crash; internal bookkeeping is left consistent, so further
// calls on the same instance are fine.
type Trap struct {
	Code         TrapCode
	SourceOffset uint64

	// Frames are the source offsets of the guest call stack at the trap,
	// outermost first, when the guest maintained them.
	Frames []uint64

	message string
}

func newTrap(desc TrapDescription, frames []uint64) *Trap {
	return &Trap{
		Code:         desc.Code,
		SourceOffset: desc.SourceOffset,
		Frames:       frames,
		message:      wasmdebug.TrapMessageWithTrace(desc.Code.String(), desc.SourceOffset, frames),
	}
}

// Error implements error.
func (t *Trap) Error() string {
	return t.message
}

// TrapRegistry maps the addresses of loaded trap sites to their descriptions.
// One registry is owned by each engine; it is consulted by the call engine's
// fault recovery, and mutated only when code is loaded or unloaded, never on
// a call path.
type TrapRegistry struct {
	mux   sync.RWMutex
	sites map[uintptr]TrapDescription
}

// NewTrapRegistry returns an empty registry.
func NewTrapRegistry() *TrapRegistry {
	return &TrapRegistry{sites: map[uintptr]TrapDescription{}}
}

// Register inserts the description for one code address and returns the guard
// that removes it. There is at most one entry per address at a time:
// registering an address twice without unregistering is a bug in the code
// loader and panics.
//
// The guard ties the metadata's lifetime to the code's residency in memory.
// Unregistering when code is unloaded is what prevents a later fault at a
// reused address from resolving to stale metadata.
func (r *TrapRegistry) Register(addr uintptr, desc TrapDescription) *TrapGuard {
	r.mux.Lock()
	defer r.mux.Unlock()
	if _, ok := r.sites[addr]; ok {
		panic(fmt.Errorf("BUG: trap site 0x%x registered twice", addr))
	}
	r.sites[addr] = desc
	return &TrapGuard{registry: r, addr: addr}
}

// Lookup returns the description registered for addr, if any.
func (r *TrapRegistry) Lookup(addr uintptr) (TrapDescription, bool) {
	r.mux.RLock()
	defer r.mux.RUnlock()
	desc, ok := r.sites[addr]
	return desc, ok
}

// TrapGuard removes its registration when the code it describes is unloaded.
type TrapGuard struct {
	registry *TrapRegistry
	addr     uintptr
	once     sync.Once
}

// Unregister removes the entry. Calling it more than once is fine.
func (g *TrapGuard) Unregister() {
	g.once.Do(func() {
		g.registry.mux.Lock()
		defer g.registry.mux.Unlock()
		delete(g.registry.sites, g.addr)
	})
}
