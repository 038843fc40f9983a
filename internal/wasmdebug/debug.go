// Package wasmdebug renders guest faults for humans: the one-line trap
// message the embedding API returns, and the optional guest-level backtrace
// translated from the offsets recorded while the guest was executing.
package wasmdebug

import (
	"fmt"
	"strings"
)

// TrapMessage renders a trap the way the embedding API surfaces it.
// Ex. "wasm trap: out of bounds memory access, source location: 0x83"
func TrapMessage(reason string, sourceOffset uint64) string {
	return fmt.Sprintf("wasm trap: %s, source location: 0x%x", reason, sourceOffset)
}

// TrapMessageWithTrace is TrapMessage plus a guest backtrace, innermost frame
// first. frames are the module source offsets of the call stack at the trap.
func TrapMessageWithTrace(reason string, sourceOffset uint64, frames []uint64) string {
	if len(frames) == 0 {
		return TrapMessage(reason, sourceOffset)
	}
	var b strings.Builder
	b.WriteString(TrapMessage(reason, sourceOffset))
	b.WriteString("\nwasm backtrace:")
	for i := len(frames) - 1; i >= 0; i-- {
		fmt.Fprintf(&b, "\n\t%d: 0x%x", len(frames)-1-i, frames[i])
	}
	return b.String()
}
