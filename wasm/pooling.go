package wasm

import (
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/mickey951112/wasmtime-sub002/internal/platform"
)

// InstanceLimits bounds the pooling allocator as a whole.
type InstanceLimits struct {
	// MaxInstances is the number of slots reserved; the MaxInstances+1-th
	// concurrent allocation fails ErrResourceExhausted.
	MaxInstances uint32
}

// ModuleLimits bounds what any one module may ask of a pooled slot.
type ModuleLimits struct {
	// MaxMemoryPages is the page capacity of every memory slot. A pooled
	// memory is static-style with this bound, so growth up to it never moves
	// the base.
	MaxMemoryPages uint32

	// MaxTableElements is the slot capacity of every table slab.
	MaxTableElements uint32
}

// poolingAllocator pre-reserves one contiguous address-space region sized
// MaxInstances × (memory slot + guard) at construction, carves it into
// fixed-size slots, and recycles slots through a free list. Allocation cost
// is a free-list pop plus committing the plan's minimum pages, instead of
// fresh mapping syscalls per instantiation.
type poolingAllocator struct {
	mux  sync.Mutex
	free []uint32

	region     *platform.Region
	slotBytes  uint64
	guardBytes uint64

	limits       InstanceLimits
	moduleLimits ModuleLimits

	// tableSlabs[i] is slot i's reference storage, allocated lazily at full
	// capacity and reused.
	tableSlabs [][]Reference

	log *zap.Logger
}

// NewPoolingAllocator reserves the pool. offsetGuardBytes is the guard placed
// after every memory slot; plans allocated from the pool may not ask for a
// larger one. logger may be nil for no logging.
func NewPoolingAllocator(limits InstanceLimits, moduleLimits ModuleLimits, offsetGuardBytes uint64, logger *zap.Logger) (InstanceAllocator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if limits.MaxInstances == 0 {
		return nil, fmt.Errorf("pooling allocator needs at least one instance slot")
	}
	if moduleLimits.MaxMemoryPages > MemoryLimitPages {
		return nil, fmt.Errorf("pool slot capacity %d pages over the %d page limit",
			moduleLimits.MaxMemoryPages, MemoryLimitPages)
	}

	slotData, err := totalBytes(moduleLimits.MaxMemoryPages, offsetGuardBytes)
	if err != nil {
		return nil, err
	}
	slotBytes := uint64(platform.PageRound(slotData))
	total := slotBytes * uint64(limits.MaxInstances)
	if total > uint64(math.MaxInt)/2 {
		return nil, fmt.Errorf("cannot reserve %d slots of %d bytes: %w",
			limits.MaxInstances, slotBytes, ErrResourceExhausted)
	}

	region, err := platform.Reserve(int(total))
	if err != nil {
		return nil, err
	}

	a := &poolingAllocator{
		free:         make([]uint32, 0, limits.MaxInstances),
		region:       region,
		slotBytes:    slotBytes,
		guardBytes:   offsetGuardBytes,
		limits:       limits,
		moduleLimits: moduleLimits,
		tableSlabs:   make([][]Reference, limits.MaxInstances),
		log:          logger,
	}
	// LIFO free list, lowest slot on top: a freed slot is the next reused.
	for i := limits.MaxInstances; i > 0; i-- {
		a.free = append(a.free, i-1)
	}

	logger.Info("reserved instance pool",
		zap.Uint32("instances", limits.MaxInstances),
		zap.Uint64("slot_bytes", slotBytes),
		zap.Uint64("reserved_bytes", total))
	return a, nil
}

// Allocate implements InstanceAllocator.Allocate.
func (a *poolingAllocator) Allocate(plan *ModulePlan) (*InstanceResources, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	if plan.Memory != nil {
		if plan.Memory.Min > a.moduleLimits.MaxMemoryPages {
			return nil, fmt.Errorf("memory min %d pages over the pool slot capacity %d: %w",
				plan.Memory.Min, a.moduleLimits.MaxMemoryPages, ErrLimitExceeded)
		}
		if plan.Memory.OffsetGuardBytes > a.guardBytes {
			return nil, fmt.Errorf("memory guard %d bytes over the pool guard %d: %w",
				plan.Memory.OffsetGuardBytes, a.guardBytes, ErrLimitExceeded)
		}
	}
	if plan.Table != nil && plan.Table.Min > a.moduleLimits.MaxTableElements {
		return nil, fmt.Errorf("table min %d slots over the pool slab capacity %d: %w",
			plan.Table.Min, a.moduleLimits.MaxTableElements, ErrLimitExceeded)
	}

	slot, ok := a.popSlot()
	if !ok {
		return nil, fmt.Errorf("no free instance slot of %d: %w", a.limits.MaxInstances, ErrResourceExhausted)
	}

	res := &InstanceResources{slot: slot, pooled: true}
	if plan.Memory != nil {
		view := a.region.View(int(uint64(slot)*a.slotBytes), int(a.slotBytes))
		memory, err := newMemoryInstanceInRegion(view, plan.Memory, a.moduleLimits.MaxMemoryPages, false)
		if err != nil {
			a.pushSlot(slot)
			return nil, err
		}
		res.Memory = memory
	}
	if plan.Table != nil {
		slab := a.tableSlab(slot)
		// Growth stays within the slab: clamp the effective maximum to its
		// capacity.
		max := a.moduleLimits.MaxTableElements
		if plan.Table.Max != nil && *plan.Table.Max < max {
			max = *plan.Table.Max
		}
		res.Table = newTableInstanceInStorage(slab, plan.Table, &max)
	}

	a.log.Debug("allocated pooled instance", zap.Uint32("slot", slot))
	return res, nil
}

// Deallocate implements InstanceAllocator.Deallocate: decommit the slot's
// used pages, wipe the table slab, and push the slot back for reuse.
func (a *poolingAllocator) Deallocate(res *InstanceResources) error {
	if !res.pooled {
		return fmt.Errorf("BUG: deallocating non-pooled resources from a pool")
	}
	if res.Memory != nil {
		used := int(MemoryPagesToBytesNum(res.Memory.Pages()))
		view := a.region.View(int(uint64(res.slot)*a.slotBytes), int(a.slotBytes))
		_ = res.Memory.Close() // non-owning: drops references only
		if used > 0 {
			if err := view.Decommit(0, used); err != nil {
				// The slot cannot be proven clean, so it is leaked rather
				// than reused with another tenant's data.
				a.log.Error("leaking instance slot: decommit failed",
					zap.Uint32("slot", res.slot), zap.Error(err))
				return err
			}
		}
	}
	if res.Table != nil {
		refs := res.Table.References
		for i := range refs {
			refs[i] = Reference{}
		}
		res.Table.References = nil
	}

	a.pushSlot(res.slot)
	a.log.Debug("released pooled instance", zap.Uint32("slot", res.slot))
	return nil
}

// Close implements InstanceAllocator.Close, releasing the pool reservation.
func (a *poolingAllocator) Close() error {
	a.mux.Lock()
	defer a.mux.Unlock()
	region := a.region
	a.region = nil
	a.tableSlabs = nil
	a.free = nil
	if region == nil {
		return nil
	}
	return region.Unmap()
}

func (a *poolingAllocator) popSlot() (uint32, bool) {
	a.mux.Lock()
	defer a.mux.Unlock()
	if len(a.free) == 0 {
		return 0, false
	}
	slot := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]
	return slot, true
}

func (a *poolingAllocator) pushSlot(slot uint32) {
	a.mux.Lock()
	defer a.mux.Unlock()
	a.free = append(a.free, slot)
}

func (a *poolingAllocator) tableSlab(slot uint32) []Reference {
	a.mux.Lock()
	defer a.mux.Unlock()
	if a.tableSlabs[slot] == nil {
		a.tableSlabs[slot] = make([]Reference, 0, a.moduleLimits.MaxTableElements)
	}
	return a.tableSlabs[slot]
}
