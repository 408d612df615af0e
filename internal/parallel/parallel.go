// Package parallel provides fan-out helpers for per-element and per-device work.
package parallel

import (
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Config controls parallel execution behavior.
type Config struct {
	Enabled      bool // Whether parallel execution is enabled.
	NumWorkers   int  // Number of worker goroutines to use.
	MinChunkSize int  // Minimum items per goroutine to avoid overhead.
}

// DefaultConfig returns defaults based on CPU count.
func DefaultConfig() Config {
	n := runtime.NumCPU()
	return Config{
		Enabled:      n > 1,
		NumWorkers:   n,
		MinChunkSize: 4096,
	}
}

// Range executes f(start, end) over disjoint chunks covering [0, n).
// Runs a single chunk inline if parallelism is disabled or n is too small.
func Range(n int, f func(start, end int), cfg Config) {
	if n <= 0 {
		return
	}
	if !cfg.Enabled || cfg.NumWorkers <= 1 || n < 2*cfg.MinChunkSize {
		f(0, n)
		return
	}

	var wg sync.WaitGroup
	chunkSize := max((n+cfg.NumWorkers-1)/cfg.NumWorkers, cfg.MinChunkSize)
	for start := 0; start < n; start += chunkSize {
		end := min(start+chunkSize, n)
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			f(s, e)
		}(start, end)
	}
	wg.Wait()
}

// Do runs f(i) for i in [0, n) concurrently and returns the first error.
// Every call is waited for, even after a failure.
func Do(n int, f func(i int) error) error {
	if n == 1 {
		return f(0)
	}
	var eg errgroup.Group
	for i := 0; i < n; i++ {
		eg.Go(func() error {
			return f(i)
		})
	}
	return eg.Wait()
}
