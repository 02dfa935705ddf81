package mesh

import (
	"runtime"

	"golang.org/x/sync/errgroup"
)

// minRowsPerTask is the smallest block handed to one goroutine.
const minRowsPerTask = 64

// parallelRows splits [0,n) into contiguous blocks and runs fn on each block
// concurrently. fn must only write rows inside its own block. The first error
// returned by any block is returned.
func parallelRows(n int, fn func(lo, hi int) error) error {
	if n <= 0 {
		return nil
	}
	workers := runtime.GOMAXPROCS(0)
	block := (n + workers - 1) / workers
	if block < minRowsPerTask {
		block = minRowsPerTask
	}
	if block >= n {
		return fn(0, n)
	}

	var g errgroup.Group
	g.SetLimit(workers)
	for lo := 0; lo < n; lo += block {
		hi := min(lo+block, n)
		g.Go(func() error { return fn(lo, hi) })
	}
	return g.Wait()
}
