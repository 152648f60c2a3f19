package main

import (
	"runtime"
	"sync"
)

// ===========================================================================
// PARALLEL COMPUTE
// ===========================================================================
//
// Training time is dominated by matrix multiplies: attention projections,
// score matrices, and the FFN layers. This file splits matmul output rows
// across worker goroutines. Small matrices stay single-threaded because
// goroutine spawn and scheduling overhead exceeds the work itself below a
// few dozen rows.
//
// ===========================================================================

// ComputeConfig controls parallel execution of tensor operations.
type ComputeConfig struct {
	// Parallel enables multi-threaded execution.
	Parallel bool

	// NumWorkers is the number of worker goroutines. 0 means
	// runtime.NumCPU().
	NumWorkers int

	// MinSizeForParallel is the minimum matrix dimension before
	// parallelization kicks in.
	MinSizeForParallel int
}

// DefaultComputeConfig returns a sensible default configuration.
func DefaultComputeConfig() ComputeConfig {
	return ComputeConfig{
		Parallel:           true,
		NumWorkers:         0,
		MinSizeForParallel: 64,
	}
}

// SingleThreadedConfig returns a deterministic single-threaded configuration,
// useful for debugging and reproducible tests.
func SingleThreadedConfig() ComputeConfig {
	return ComputeConfig{
		Parallel:           false,
		NumWorkers:         1,
		MinSizeForParallel: 0,
	}
}

func (c ComputeConfig) numWorkers() int {
	if !c.Parallel {
		return 1
	}
	if c.NumWorkers > 0 {
		return c.NumWorkers
	}
	return runtime.NumCPU()
}

func (c ComputeConfig) shouldParallelize(size int) bool {
	return c.Parallel && size >= c.MinSizeForParallel
}

var globalComputeConfig = DefaultComputeConfig()

// SetGlobalComputeConfig sets the global compute configuration.
func SetGlobalComputeConfig(cfg ComputeConfig) {
	globalComputeConfig = cfg
}

// GetGlobalComputeConfig returns the current global compute configuration.
func GetGlobalComputeConfig() ComputeConfig {
	return globalComputeConfig
}

// MatMulWithConfig performs matrix multiplication with an explicit config.
func MatMulWithConfig(a, b *Tensor, cfg ComputeConfig) *Tensor {
	if len(a.shape) != 2 || len(b.shape) != 2 {
		panic("tensor: MatMul requires 2D tensors")
	}

	m, k1 := a.shape[0], a.shape[1]
	k2, n := b.shape[0], b.shape[1]
	if k1 != k2 {
		panic("tensor: incompatible dimensions for matmul")
	}
	k := k1

	out := NewTensor(m, n)

	if !cfg.shouldParallelize(m) || !cfg.shouldParallelize(n) {
		matmulRows(a, b, out, 0, m, n, k)
		return out
	}

	numWorkers := cfg.numWorkers()
	rowsPerWorker := (m + numWorkers - 1) / numWorkers

	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		start := w * rowsPerWorker
		end := start + rowsPerWorker
		if end > m {
			end = m
		}
		if start >= m {
			break
		}

		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			matmulRows(a, b, out, start, end, n, k)
		}(start, end)
	}

	wg.Wait()
	return out
}

// matmulRows computes output rows [startRow, endRow). Workers write to
// disjoint row ranges, so no synchronization is needed on out.
func matmulRows(a, b, out *Tensor, startRow, endRow, n, k int) {
	for i := startRow; i < endRow; i++ {
		arow := a.data[i*k : (i+1)*k]
		orow := out.data[i*n : (i+1)*n]
		for kk := 0; kk < k; kk++ {
			av := arow[kk]
			if av == 0 {
				continue
			}
			brow := b.data[kk*n : (kk+1)*n]
			for j := 0; j < n; j++ {
				orow[j] += av * brow[j]
			}
		}
	}
}
