package wasm

import (
	"fmt"
	"math"
	"sync"
)

// SignatureID is the canonical identity of a function type within one engine.
// Two function types registered under the same engine compare equal exactly
// when their SignatureIDs compare equal, which is what makes the type check on
// call_indirect a single integer comparison.
type SignatureID uint32

// SignatureIDInvalid is a sentinel never issued by a registry. Compiled code
// uses it for table slots whose callee type is not yet known, so any
// comparison against it fails.
const SignatureIDInvalid = SignatureID(math.MaxUint32)

// SignatureRegistry canonicalizes function types to SignatureIDs. One registry
// is owned by each engine and shared by every instance compiled under it; it
// is not a package-level singleton.
//
// The workload is read-heavy: after warmup, indirect-call checks compare ids
// without consulting the registry at all, and Lookup is only needed for
// diagnostics and trampoline generation. Registration of a new shape is the
// only write path.
type SignatureRegistry struct {
	mux sync.RWMutex

	// ids maps FunctionType.key() to its canonical id.
	ids map[string]SignatureID

	// types is the reverse map; the id is the position.
	types []*FunctionType
}

// NewSignatureRegistry returns an empty registry.
func NewSignatureRegistry() *SignatureRegistry {
	return &SignatureRegistry{ids: map[string]SignatureID{}}
}

// Register returns the canonical id of t, allocating the next id on first
// sight of the shape. The check-then-insert runs under one write lock so that
// concurrent registration of structurally equal types from different
// goroutines converges on one id.
func (r *SignatureRegistry) Register(t *FunctionType) (SignatureID, error) {
	key := t.key()

	r.mux.Lock()
	defer r.mux.Unlock()

	if id, ok := r.ids[key]; ok {
		return id, nil
	}
	if uint64(len(r.types)) >= uint64(SignatureIDInvalid) {
		return SignatureIDInvalid, fmt.Errorf("cannot register more than %d function types: %w",
			SignatureIDInvalid, ErrLimitExceeded)
	}
	id := SignatureID(len(r.types))
	r.ids[key] = id
	r.types = append(r.types, t)
	return id, nil
}

// Lookup returns the function type registered under id, or nil if the id was
// never issued.
func (r *SignatureRegistry) Lookup(id SignatureID) *FunctionType {
	r.mux.RLock()
	defer r.mux.RUnlock()
	if int64(id) >= int64(len(r.types)) {
		return nil
	}
	return r.types[id]
}

// Count returns the number of distinct shapes registered.
func (r *SignatureRegistry) Count() int {
	r.mux.RLock()
	defer r.mux.RUnlock()
	return len(r.types)
}
