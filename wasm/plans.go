package wasm

import "fmt"

// MemoryStyle selects how a linear memory's backing storage is provisioned.
type MemoryStyle byte

const (
	// MemoryStyleDynamic reserves and commits only the minimum pages plus the
	// offset guard. Growth past the mapping re-allocates and copies, which
	// invalidates any previously obtained base pointer.
	MemoryStyleDynamic MemoryStyle = iota

	// MemoryStyleStatic reserves StaticBound pages of address space up front
	// and commits only the accessible prefix. Growth within the bound is a
	// protection change plus accounting: the base pointer never moves, and
	// accesses past the accessible prefix fault on the reserved-but-protected
	// span instead of needing an explicit range check.
	MemoryStyleStatic
)

// String implements fmt.Stringer.
func (s MemoryStyle) String() string {
	switch s {
	case MemoryStyleDynamic:
		return "dynamic"
	case MemoryStyleStatic:
		return "static"
	}
	return "unknown"
}

// MemoryPlan is the per-module memory description handed down by the
// front-end: limits from the module's memory section plus the provisioning
// decisions made at configuration time.
type MemoryPlan struct {
	// Min is the minimum size of this memory in pages.
	Min uint32

	// Max is the maximum size of this memory in pages, or nil if unbounded.
	Max *uint32

	// Style selects static or dynamic provisioning.
	Style MemoryStyle

	// StaticBound is the page capacity reserved up front when Style is
	// MemoryStyleStatic. Growth past it fails even below Max, so
	// configuration sizes it to cover the largest reachable size.
	StaticBound uint32

	// OffsetGuardBytes is the size of the inaccessible span reserved past the
	// memory's page capacity. Sized to cover the largest constant offset
	// compiled code folds into an access, it turns near-out-of-bounds
	// accesses into faults instead of explicit range checks.
	OffsetGuardBytes uint64
}

// Validate returns an error unless the plan satisfies the limits invariants:
// min ≤ max (when declared) ≤ 65536 pages, and a static bound covering min.
func (p *MemoryPlan) Validate() error {
	if p.Min > MemoryLimitPages {
		return fmt.Errorf("memory plan min %d pages over the %d page limit", p.Min, MemoryLimitPages)
	}
	if p.Max != nil {
		if *p.Max > MemoryLimitPages {
			return fmt.Errorf("memory plan max %d pages over the %d page limit", *p.Max, MemoryLimitPages)
		}
		if p.Min > *p.Max {
			return fmt.Errorf("memory plan min %d pages over max %d", p.Min, *p.Max)
		}
	}
	if p.Style == MemoryStyleStatic && p.StaticBound < p.Min {
		return fmt.Errorf("memory plan static bound %d pages under min %d", p.StaticBound, p.Min)
	}
	return nil
}

// TablePlan is the per-module table description handed down by the front-end.
type TablePlan struct {
	// Min is the minimum number of elements in the table.
	Min uint32

	// Max is the maximum number of elements in the table, or nil if unbounded.
	Max *uint32

	// Type is the element kind every slot of the table must carry.
	Type RefType
}

// Validate returns an error unless min ≤ max when a max is declared.
func (p *TablePlan) Validate() error {
	if p.Max != nil && p.Min > *p.Max {
		return fmt.Errorf("table plan min %d over max %d", p.Min, *p.Max)
	}
	return nil
}

// ModulePlan aggregates the resource plans of one module. Either plan may be
// nil when the module declares no memory or no table.
type ModulePlan struct {
	Memory *MemoryPlan
	Table  *TablePlan
}

// Validate validates the contained plans.
func (p *ModulePlan) Validate() error {
	if p.Memory != nil {
		if err := p.Memory.Validate(); err != nil {
			return err
		}
	}
	if p.Table != nil {
		if err := p.Table.Validate(); err != nil {
			return err
		}
	}
	return nil
}
