package main

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomTensor(rng *rand.Rand, rows, cols int) *Tensor {
	t := NewTensor(rows, cols)
	for i := range t.data {
		t.data[i] = rng.NormFloat64()
	}
	return t
}

func TestMatMulParallelMatchesSingleThreaded(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	sizes := []struct{ m, k, n int }{
		{1, 8, 8},
		{17, 33, 9},
		{128, 64, 128},
	}

	for _, size := range sizes {
		a := randomTensor(rng, size.m, size.k)
		b := randomTensor(rng, size.k, size.n)

		serial := MatMulWithConfig(a, b, SingleThreadedConfig())
		parallel := MatMulWithConfig(a, b, ComputeConfig{
			Parallel:           true,
			NumWorkers:         4,
			MinSizeForParallel: 1,
		})

		require.Equal(t, serial.Shape(), parallel.Shape())
		for i := range serial.data {
			assert.InDelta(t, serial.data[i], parallel.data[i], 1e-12)
		}
	}
}

func TestShouldParallelize(t *testing.T) {
	cfg := DefaultComputeConfig()
	assert.False(t, cfg.shouldParallelize(cfg.MinSizeForParallel-1))
	assert.True(t, cfg.shouldParallelize(cfg.MinSizeForParallel))

	assert.False(t, SingleThreadedConfig().shouldParallelize(1<<20))
}

func TestGlobalComputeConfig(t *testing.T) {
	orig := GetGlobalComputeConfig()
	defer SetGlobalComputeConfig(orig)

	SetGlobalComputeConfig(SingleThreadedConfig())
	assert.False(t, GetGlobalComputeConfig().Parallel)
}

func TestDetectComputeConfigUsable(t *testing.T) {
	cfg := DetectComputeConfig()
	assert.True(t, cfg.Parallel)
	assert.GreaterOrEqual(t, cfg.numWorkers(), 1)
	assert.Greater(t, cfg.MinSizeForParallel, 0)
}
