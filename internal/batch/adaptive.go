package batch

import (
	"sync"
	"time"
)

// Sample is one observed (batch size, processing time) pair.
type Sample struct {
	Size    int
	Seconds float64
}

// AdaptiveConfig parameterizes the adaptive strategy.
type AdaptiveConfig struct {
	InitialSize int
	MinSize     int
	MaxSize     int
	// TargetTime is the desired per-batch processing time.
	TargetTime time.Duration
	// AdaptationRate dampens growth when batches run fast. Typical values
	// are 0.1 to 0.5.
	AdaptationRate float64
}

// Adaptive emits fixed batches at the current size and adjusts that size
// from observed processing times: slow batches shrink it, fast batches grow
// it, always within [MinSize, MaxSize].
type Adaptive[T any] struct {
	mu      sync.Mutex
	current int
	min     int
	max     int
	target  float64
	rate    float64
	history []Sample
}

// NewAdaptive returns an adaptive strategy. Zero config fields get working
// defaults: min 1, max 1000, target 30s, rate 0.1.
func NewAdaptive[T any](cfg AdaptiveConfig) *Adaptive[T] {
	if cfg.MinSize < 1 {
		cfg.MinSize = 1
	}
	if cfg.MaxSize < cfg.MinSize {
		cfg.MaxSize = 1000
	}
	if cfg.InitialSize < cfg.MinSize {
		cfg.InitialSize = cfg.MinSize
	}
	if cfg.InitialSize > cfg.MaxSize {
		cfg.InitialSize = cfg.MaxSize
	}
	if cfg.TargetTime <= 0 {
		cfg.TargetTime = 30 * time.Second
	}
	if cfg.AdaptationRate <= 0 {
		cfg.AdaptationRate = 0.1
	}
	return &Adaptive[T]{
		current: cfg.InitialSize,
		min:     cfg.MinSize,
		max:     cfg.MaxSize,
		target:  cfg.TargetTime.Seconds(),
		rate:    cfg.AdaptationRate,
	}
}

func (a *Adaptive[T]) Name() string { return "adaptive" }

// Partition chunks items at the current batch size.
func (a *Adaptive[T]) Partition(items []T) [][]T {
	a.mu.Lock()
	size := a.current
	a.mu.Unlock()

	var batches [][]T
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		batches = append(batches, items[start:end:end])
	}
	return batches
}

// CurrentSize returns the batch size the next Partition will use.
func (a *Adaptive[T]) CurrentSize() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// Adapt records one observed batch time and recomputes the batch size. Runs
// over target shrink the size; runs under 80% of target grow it; in-between
// runs leave it unchanged. The result is clamped to [min, max] and returned.
func (a *Adaptive[T]) Adapt(observed time.Duration) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	seconds := observed.Seconds()
	a.history = append(a.history, Sample{Size: a.current, Seconds: seconds})

	if seconds <= 0 {
		return a.current
	}

	switch {
	case seconds > a.target:
		factor := a.target / seconds
		if factor < 0.5 {
			factor = 0.5
		}
		if factor > 0.9 {
			factor = 0.9
		}
		a.current = int(float64(a.current) * factor)
	case seconds < 0.8*a.target:
		factor := (a.target/seconds)*a.rate + 1
		if factor < 1.1 {
			factor = 1.1
		}
		if factor > 1.5 {
			factor = 1.5
		}
		a.current = int(float64(a.current) * factor)
	}

	if a.current < a.min {
		a.current = a.min
	}
	if a.current > a.max {
		a.current = a.max
	}
	return a.current
}

// History returns a copy of the observed samples, oldest first.
func (a *Adaptive[T]) History() []Sample {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Sample, len(a.history))
	copy(out, a.history)
	return out
}
