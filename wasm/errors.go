package wasm

import (
	"errors"

	"github.com/mickey951112/wasmtime-sub002/internal/platform"
)

// These errors distinguish embedder or configuration mistakes from guest
// faults: a guest fault is surfaced as *Trap, everything below is returned by
// the resource-management API without touching instance state.
var (
	// ErrResourceExhausted indicates the OS refused to reserve or commit
	// memory, or the instance pool has no free slot.
	ErrResourceExhausted = platform.ErrResourceExhausted

	// ErrLimitExceeded indicates a grow would pass the declared maximum or an
	// absolute limit such as the 65536 page ceiling on linear memory.
	ErrLimitExceeded = errors.New("limit exceeded")

	// ErrTypeMismatch indicates a table element whose kind disagrees with the
	// table's declared element kind.
	ErrTypeMismatch = errors.New("element type mismatch")

	// ErrIndexOutOfBounds indicates a table access or copy range past the
	// current table length.
	ErrIndexOutOfBounds = errors.New("out of bounds table access")
)
