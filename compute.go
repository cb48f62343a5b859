package main

import (
	"runtime"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Worker settings for the parts of a training step that may run in
// parallel. The forward and backward passes through the block stack are
// strictly sequential; what fans out is
//
//   - the per-example adapter projections in Model.embed
//   - gonum's matrix kernels (their own threading)
//
// The accelerator setting picks the mode: "cpu" runs single-threaded
// (deterministic, easy to debug), "gpu" uses every core since the Go build
// has no device backend.
//
// ===========================================================================

// ComputeConfig controls parallelization behavior.
type ComputeConfig struct {
	// Parallel enables multi-threaded execution.
	Parallel bool

	// NumWorkers specifies the number of worker goroutines to use.
	// If 0, defaults to runtime.NumCPU().
	// Only used when Parallel is true.
	NumWorkers int

	// MinSizeForParallel is the smallest batch worth fanning out.
	MinSizeForParallel int
}

// DefaultComputeConfig returns a configuration using every CPU.
func DefaultComputeConfig() ComputeConfig {
	return ComputeConfig{
		Parallel:           true,
		NumWorkers:         0, // Use all available CPUs
		MinSizeForParallel: 2,
	}
}

// SingleThreadedConfig returns a configuration for single-threaded execution.
func SingleThreadedConfig() ComputeConfig {
	return ComputeConfig{
		Parallel:           false,
		NumWorkers:         1,
		MinSizeForParallel: 0,
	}
}

// numWorkers returns the actual number of workers to use.
func (c ComputeConfig) numWorkers() int {
	if !c.Parallel {
		return 1
	}
	if c.NumWorkers > 0 {
		return c.NumWorkers
	}
	return runtime.NumCPU()
}

// workersFor returns the worker count for n independent items.
func (c ComputeConfig) workersFor(n int) int {
	if !c.Parallel || n < c.MinSizeForParallel {
		return 1
	}
	return min(n, c.numWorkers())
}
