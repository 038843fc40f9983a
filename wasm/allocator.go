package wasm

// InstanceResources is the backing storage provisioned for one instantiation.
type InstanceResources struct {
	// Memory is nil when the module declares no memory.
	Memory *MemoryInstance

	// Table is nil when the module declares no table.
	Table *TableInstance

	// slot is meaningful only to the pooling allocator.
	slot   uint32
	pooled bool
}

// InstanceAllocator provisions memory and table storage per a module's plans.
// Allocator choice affects provisioning latency and footprint only: a pooled
// and an on-demand instance are indistinguishable to callers in growth,
// bounds and fault behavior.
type InstanceAllocator interface {
	// Allocate provisions resources for one instantiation, failing with
	// ErrResourceExhausted when the OS (or the pool) has nothing left.
	Allocate(plan *ModulePlan) (*InstanceResources, error)

	// Deallocate reclaims the resources. Backing pages are decommitted and
	// read back zero before any reuse, so one tenant's data never leaks into
	// the next.
	Deallocate(res *InstanceResources) error

	// Close releases allocator-owned state, such as the pool reservation.
	Close() error
}

// NewOnDemandAllocator returns the allocator that maps fresh storage per
// instantiation and frees it on deallocation. No state is shared between
// instances; the cost is the OS mapping syscalls paid on every allocate.
func NewOnDemandAllocator() InstanceAllocator {
	return onDemandAllocator{}
}

type onDemandAllocator struct{}

// Allocate implements InstanceAllocator.Allocate.
func (onDemandAllocator) Allocate(plan *ModulePlan) (*InstanceResources, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	res := &InstanceResources{}
	if plan.Memory != nil {
		memory, err := NewMemoryInstance(plan.Memory)
		if err != nil {
			return nil, err
		}
		res.Memory = memory
	}
	if plan.Table != nil {
		table, err := NewTableInstance(plan.Table)
		if err != nil {
			if res.Memory != nil {
				_ = res.Memory.Close()
			}
			return nil, err
		}
		res.Table = table
	}
	return res, nil
}

// Deallocate implements InstanceAllocator.Deallocate. Freed mappings go back
// to the OS, which hands them out zeroed, satisfying the reuse guarantee
// without an explicit wipe.
func (onDemandAllocator) Deallocate(res *InstanceResources) error {
	if res.Memory != nil {
		return res.Memory.Close()
	}
	return nil
}

// Close implements InstanceAllocator.Close.
func (onDemandAllocator) Close() error {
	return nil
}
