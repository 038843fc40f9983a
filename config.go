// Package sandbox is the sandboxing and resource-safety core of the runtime:
// guard-page-backed linear memories, bounds-checked tables, engine-owned
// signature and trap registries, and the on-demand and pooling instance
// allocators. Compiled code, the syscall layer and tooling are external
// collaborators: they hand this package memory and table plans plus function
// signatures, and consume its handles and typed trap errors.
package sandbox

import (
	"math"

	"go.uber.org/zap"

	"github.com/mickey951112/wasmtime-sub002/wasm"
)

// AllocationStrategy selects how instance backing storage is provisioned.
// Chosen once at engine configuration and immutable thereafter; either choice
// yields identical guest-observable semantics.
type AllocationStrategy byte

const (
	// AllocationStrategyOnDemand maps fresh storage per instantiation.
	AllocationStrategyOnDemand AllocationStrategy = iota
	// AllocationStrategyPooling pre-reserves fixed-size slots and recycles
	// them.
	AllocationStrategyPooling
)

// addrSpace64 reports whether the address space is wide enough for the
// static memory style's multi-gigabyte reservations.
var addrSpace64 = uint64(^uintptr(0)) == math.MaxUint64

const (
	// defaultOffsetGuardBytes covers the largest constant offset compiled
	// code folds into a memory access on 64-bit targets.
	defaultOffsetGuardBytes = uint64(2) << 30

	// defaultCallDepthLimit bounds the guest call stack.
	defaultCallDepthLimit = uint32(2048)
)

// RuntimeConfig controls engine construction. Use NewRuntimeConfig and the
// With methods, which return an updated copy:
//
//	config := sandbox.NewRuntimeConfig().
//		WithAllocationStrategy(sandbox.AllocationStrategyPooling).
//		WithPoolingLimits(wasm.InstanceLimits{MaxInstances: 8},
//			wasm.ModuleLimits{MaxMemoryPages: 16, MaxTableElements: 128})
//
// The guard size and the static bound are performance-tuning knobs, not
// mandated constants: the defaults suit 64-bit targets and fall back to the
// dynamic style elsewhere.
type RuntimeConfig struct {
	allocationStrategy AllocationStrategy
	instanceLimits     wasm.InstanceLimits
	moduleLimits       wasm.ModuleLimits

	memoryStyle       wasm.MemoryStyle
	staticMemoryBound uint32
	offsetGuardBytes  uint64
	callDepthLimit    uint32

	logger *zap.Logger
}

// NewRuntimeConfig returns the default configuration: on-demand allocation,
// and on 64-bit targets static memories reserving the full 65536 page
// addressable range with a 2 GiB offset guard, which is what lets compiled
// code elide explicit bounds checks.
func NewRuntimeConfig() *RuntimeConfig {
	c := &RuntimeConfig{
		allocationStrategy: AllocationStrategyOnDemand,
		callDepthLimit:     defaultCallDepthLimit,
		logger:             zap.NewNop(),
	}
	if addrSpace64 {
		c.memoryStyle = wasm.MemoryStyleStatic
		c.staticMemoryBound = wasm.MemoryLimitPages
		c.offsetGuardBytes = defaultOffsetGuardBytes
	} else {
		c.memoryStyle = wasm.MemoryStyleDynamic
		c.staticMemoryBound = 0
		c.offsetGuardBytes = uint64(wasm.MemoryPageSize)
	}
	return c
}

func (c *RuntimeConfig) clone() *RuntimeConfig {
	ret := *c
	return &ret
}

// WithAllocationStrategy configures how instances are provisioned.
func (c *RuntimeConfig) WithAllocationStrategy(s AllocationStrategy) *RuntimeConfig {
	ret := c.clone()
	ret.allocationStrategy = s
	return ret
}

// WithPoolingLimits sizes the pool used by AllocationStrategyPooling.
func (c *RuntimeConfig) WithPoolingLimits(instance wasm.InstanceLimits, module wasm.ModuleLimits) *RuntimeConfig {
	ret := c.clone()
	ret.instanceLimits = instance
	ret.moduleLimits = module
	return ret
}

// WithMemoryStyle overrides the default provisioning style for memories.
func (c *RuntimeConfig) WithMemoryStyle(style wasm.MemoryStyle) *RuntimeConfig {
	ret := c.clone()
	ret.memoryStyle = style
	return ret
}

// WithStaticMemoryBound sets the page capacity reserved up front by
// static-style memories.
func (c *RuntimeConfig) WithStaticMemoryBound(pages uint32) *RuntimeConfig {
	ret := c.clone()
	ret.staticMemoryBound = pages
	return ret
}

// WithOffsetGuardBytes sets the inaccessible span reserved past each memory.
func (c *RuntimeConfig) WithOffsetGuardBytes(n uint64) *RuntimeConfig {
	ret := c.clone()
	ret.offsetGuardBytes = n
	return ret
}

// WithCallDepthLimit bounds the guest call stack; past it, calls trap with
// callstack overflow.
func (c *RuntimeConfig) WithCallDepthLimit(n uint32) *RuntimeConfig {
	ret := c.clone()
	ret.callDepthLimit = n
	return ret
}

// WithLogger routes engine and allocator logging. The default is a no-op
// logger.
func (c *RuntimeConfig) WithLogger(l *zap.Logger) *RuntimeConfig {
	ret := c.clone()
	if l == nil {
		l = zap.NewNop()
	}
	ret.logger = l
	return ret
}
