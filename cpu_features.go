package main

import (
	"github.com/klauspost/cpuid/v2"
)

// DetectComputeConfig builds a compute configuration from the host CPU.
//
// Wide vector units finish the inner dot-product loops faster, which moves
// the crossover point where spawning goroutines pays off. Hyperthreaded
// logical cores share FP units, so the worker count follows logical cores
// but is capped by what cpuid actually reports.
func DetectComputeConfig() ComputeConfig {
	cfg := DefaultComputeConfig()

	if cpuid.CPU.Supports(cpuid.AVX2) || cpuid.CPU.Supports(cpuid.ASIMD) {
		cfg.MinSizeForParallel = 32
	}
	if cpuid.CPU.Supports(cpuid.AVX512F) {
		cfg.MinSizeForParallel = 24
	}

	if n := cpuid.CPU.LogicalCores; n > 0 {
		cfg.NumWorkers = n
	}

	return cfg
}

// CPUSummary returns a short human-readable description of the host CPU
// for startup logging.
func CPUSummary() string {
	return cpuid.CPU.BrandName
}
