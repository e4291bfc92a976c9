package shmem

import "runtime"

// osYield gives other goroutines/processes a chance to release the lock.
// Kept as a separate function so tests can observe spin behavior if needed.
func osYield() {
	runtime.Gosched()
}
