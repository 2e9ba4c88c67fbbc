// Package parallel splits index ranges across goroutines for the
// reference ONNX kernels.
//
// Work items must write disjoint outputs. Results are then independent of
// scheduling, which keeps repeated runs bit-identical.
package parallel

import (
	"runtime"
	"sync"
)

// Config controls parallel execution behavior.
type Config struct {
	Enabled      bool // Whether to use more than one goroutine.
	NumWorkers   int  // Upper bound on goroutines per call.
	MinChunkSize int  // Minimum items per goroutine.
}

// DefaultConfig uses every CPU. Kernel work items are whole output
// planes, so a chunk of one item is already worth a goroutine.
func DefaultConfig() Config {
	n := runtime.NumCPU()
	return Config{
		Enabled:      n > 1,
		NumWorkers:   n,
		MinChunkSize: 1,
	}
}

// Sequential runs everything on the calling goroutine.
func Sequential() Config {
	return Config{NumWorkers: 1, MinChunkSize: 1}
}

// For executes f(i) for i in [0, n). It returns after every call has
// completed.
func For(n int, f func(i int), cfg Config) {
	workers := cfg.NumWorkers
	chunk := max(cfg.MinChunkSize, 1)
	if !cfg.Enabled || workers < 2 || n <= chunk {
		for i := 0; i < n; i++ {
			f(i)
		}
		return
	}

	chunk = max((n+workers-1)/workers, chunk)

	var wg sync.WaitGroup
	for start := 0; start < n; start += chunk {
		end := min(start+chunk, n)
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			for i := s; i < e; i++ {
				f(i)
			}
		}(start, end)
	}
	wg.Wait()
}

// ForBatch iterates the batch x channels grid of an NCHW tensor.
func ForBatch(batch, channels int, f func(n, c int), cfg Config) {
	For(batch*channels, func(k int) {
		f(k/channels, k%channels)
	}, cfg)
}
