// Package hammer drives a test concurrently, which is how the registry and
// allocator tests check that parallel callers converge on one outcome.
package hammer

import (
	"runtime"
	"sync"
	"testing"
)

// Hammer invokes a test concurrently in P goroutines N times per goroutine.
//
// Here's an example:
//
//	P := 8               // max count of goroutines
//	N := 1000            // work per goroutine
//	if testing.Short() { // Adjust down if `-test.short`
//		P = 4
//		N = 100
//	}
//
//	hammer.NewHammer(t, P, N).Run(func(p, n int) {
//		// Do test work, using p/n if something needs to be unique.
//	}, nil)
//
//	if t.Failed() {
//		return // At least one test failed, so return now.
//	}
type Hammer interface {
	// Run invokes the test in P goroutines, each looping N times. onRunning,
	// if non-nil, runs after all goroutines are running but before the test
	// executes.
	Run(test func(p, n int), onRunning func())
}

// NewHammer returns a Hammer initialized to the indicated count of goroutines
// (P) and iterations per goroutine (N).
func NewHammer(t *testing.T, P, N int) Hammer {
	return &hammer{t: t, P: P, N: N}
}

// hammer implements Hammer
type hammer struct {
	// t is the calling test
	t *testing.T
	// P is the max count of goroutines
	P int
	// N is the work per goroutine
	N int
}

// Run implements Hammer.Run
func (h *hammer) Run(test func(p, n int), onRunning func()) {
	defer runtime.GOMAXPROCS(runtime.GOMAXPROCS(h.P / 2)) // Ensure goroutines have to switch cores.

	running := make(chan int)
	// unblock needs to happen atomically, so we need to use a WaitGroup
	var unblocked sync.WaitGroup
	finished := make(chan int)

	unblocked.Add(h.P) // P goroutines will be unblocked by the current goroutine.
	for p := 0; p < h.P; p++ {
		p := p // pin p, so it is stable inside the goroutine.

		go func() { // Launch goroutine 'p'
			defer func() { // Ensure each require.XX failure is visible on hammer test fail.
				if recovered := recover(); recovered != nil {
					// Has been seen to be string, runtime.errorString, and it
					// may be others. Let printing take care of conversion in
					// a generic way.
					h.t.Error(recovered)
				}
				finished <- 1
			}()
			running <- 1

			unblocked.Wait()
			for n := 0; n < h.N; n++ {
				test(p, n)
			}
		}()
	}

	// Wait for all goroutines to be running.
	for i := 0; i < h.P; i++ {
		<-running
	}

	if onRunning != nil {
		onRunning()
	}

	// Release all goroutines at the same time.
	for i := 0; i < h.P; i++ {
		unblocked.Done()
	}

	// Wait for all goroutines to finish.
	for i := 0; i < h.P; i++ {
		<-finished
	}
}
