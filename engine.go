package sandbox

import (
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/mickey951112/wasmtime-sub002/wasm"
)

// ErrEngineClosed is returned by operations on a closed Engine.
var ErrEngineClosed = errors.New("engine closed")

// Engine owns the process-wide-in-spirit state of the core, scoped to one
// engine value instead of package globals: the signature registry every
// instance canonicalizes against, the trap registry fault recovery resolves
// through, and the instance allocator. Construction and teardown tie their
// lifetimes to the engine's.
//
// An Engine is safe for concurrent use: instances allocated from it execute
// on parallel goroutines with no shared hot-path state.
type Engine struct {
	config *RuntimeConfig

	signatures *wasm.SignatureRegistry
	traps      *wasm.TrapRegistry
	allocator  wasm.InstanceAllocator

	log    *zap.Logger
	closed uint32 // atomic
}

// NewEngine builds an engine per config. With the pooling strategy this is
// where the pool's address space is reserved, so it can fail with
// wasm.ErrResourceExhausted.
func NewEngine(config *RuntimeConfig) (*Engine, error) {
	if config == nil {
		config = NewRuntimeConfig()
	}

	var allocator wasm.InstanceAllocator
	switch config.allocationStrategy {
	case AllocationStrategyOnDemand:
		allocator = wasm.NewOnDemandAllocator()
	case AllocationStrategyPooling:
		var err error
		allocator, err = wasm.NewPoolingAllocator(config.instanceLimits, config.moduleLimits,
			config.offsetGuardBytes, config.logger)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown allocation strategy %d", config.allocationStrategy)
	}

	e := &Engine{
		config:     config,
		signatures: wasm.NewSignatureRegistry(),
		traps:      wasm.NewTrapRegistry(),
		allocator:  allocator,
		log:        config.logger,
	}
	e.log.Info("engine ready",
		zap.Uint8("allocation_strategy", uint8(config.allocationStrategy)),
		zap.String("memory_style", config.memoryStyle.String()),
		zap.Uint64("offset_guard_bytes", config.offsetGuardBytes))
	return e, nil
}

// Signatures returns the engine's signature registry, shared by all
// instances compiled under it.
func (e *Engine) Signatures() *wasm.SignatureRegistry {
	return e.signatures
}

// Traps returns the engine's trap registry. Code loaders register trap sites
// here and unregister them, via the returned guards, when code is unloaded.
func (e *Engine) Traps() *wasm.TrapRegistry {
	return e.traps
}

// RegisterSignature canonicalizes a function signature for O(1) indirect-call
// checks.
func (e *Engine) RegisterSignature(params, results []wasm.ValueType) (wasm.SignatureID, error) {
	if atomic.LoadUint32(&e.closed) == 1 {
		return wasm.SignatureIDInvalid, ErrEngineClosed
	}
	return e.signatures.Register(&wasm.FunctionType{Params: params, Results: results})
}

// MemoryPlan builds a memory plan from module limits plus this engine's
// provisioning defaults. A front-end with its own provisioning decisions can
// hand NewInstance a fully specified plan instead.
func (e *Engine) MemoryPlan(min uint32, max *uint32) wasm.MemoryPlan {
	plan := wasm.MemoryPlan{
		Min:              min,
		Max:              max,
		Style:            e.config.memoryStyle,
		OffsetGuardBytes: e.config.offsetGuardBytes,
	}
	if plan.Style == wasm.MemoryStyleStatic {
		plan.StaticBound = e.config.staticMemoryBound
		if plan.StaticBound < min {
			plan.StaticBound = min
		}
	}
	return plan
}

// TablePlan builds a funcref table plan from module limits.
func (e *Engine) TablePlan(min uint32, max *uint32) wasm.TablePlan {
	return wasm.TablePlan{Min: min, Max: max, Type: wasm.RefTypeFuncref}
}

// NewInstance provisions resources per plan and returns the instance handle
// guest calls run through.
func (e *Engine) NewInstance(plan *wasm.ModulePlan) (*Instance, error) {
	if atomic.LoadUint32(&e.closed) == 1 {
		return nil, ErrEngineClosed
	}
	res, err := e.allocator.Allocate(plan)
	if err != nil {
		return nil, err
	}
	return &Instance{
		engine: e,
		res:    res,
		ce:     wasm.NewCallEngine(res, e.traps, e.config.callDepthLimit),
	}, nil
}

// Close releases engine-owned state, including a pooling allocator's
// reservation. Instances must be closed first.
func (e *Engine) Close() error {
	if !atomic.CompareAndSwapUint32(&e.closed, 0, 1) {
		return nil
	}
	e.log.Info("engine closed")
	return e.allocator.Close()
}
