// Package batch partitions entity streams into bounded batches. Strategies
// trade off memory (size), rate limits (time), API affinity (entity type),
// payload shape (similarity) and measured throughput (adaptive).
package batch

import (
	"log/slog"
)

// Strategy partitions an ordered entity slice into non-empty batches whose
// concatenation covers the input. Strategies must not mutate the input.
type Strategy[T any] interface {
	Name() string
	Partition(items []T) [][]T
}

// Sizer lets an entity declare its own batching weight. Entities without it
// weigh 1.
type Sizer interface {
	SizeHint() int
}

// Fixed emits batches of exactly Size items; the last batch may be short.
type Fixed[T any] struct {
	Size int
}

// NewFixed returns a fixed-size strategy. Size values below 1 are treated
// as 1.
func NewFixed[T any](size int) *Fixed[T] {
	if size < 1 {
		size = 1
	}
	return &Fixed[T]{Size: size}
}

func (f *Fixed[T]) Name() string { return "fixed" }

func (f *Fixed[T]) Partition(items []T) [][]T {
	var batches [][]T
	for start := 0; start < len(items); start += f.Size {
		end := start + f.Size
		if end > len(items) {
			end = len(items)
		}
		batches = append(batches, items[start:end:end])
	}
	return batches
}

// Size packs items greedily by weight: a new batch starts when adding the
// next item would push the running total past MaxUnits. A single item
// heavier than the limit becomes its own batch. Order is preserved.
type Size[T any] struct {
	MaxUnits int
	SizeOf   func(T) int
}

// NewSize returns a size strategy. A nil sizeOf falls back to the entity's
// SizeHint when implemented, else weight 1.
func NewSize[T any](maxUnits int, sizeOf func(T) int) *Size[T] {
	if maxUnits < 1 {
		maxUnits = 1
	}
	return &Size[T]{MaxUnits: maxUnits, SizeOf: sizeOf}
}

func (s *Size[T]) Name() string { return "size" }

func (s *Size[T]) sizeOf(item T) int {
	if s.SizeOf != nil {
		return s.SizeOf(item)
	}
	if sz, ok := any(item).(Sizer); ok {
		return sz.SizeHint()
	}
	return 1
}

func (s *Size[T]) Partition(items []T) [][]T {
	var batches [][]T
	var current []T
	total := 0

	for _, item := range items {
		size := s.sizeOf(item)
		if size > s.MaxUnits {
			slog.Warn("entity exceeds batch size limit, emitting singleton batch",
				"size", size, "max_units", s.MaxUnits)
			if len(current) > 0 {
				batches = append(batches, current)
				current = nil
				total = 0
			}
			batches = append(batches, []T{item})
			continue
		}
		if len(current) > 0 && total+size > s.MaxUnits {
			batches = append(batches, current)
			current = nil
			total = 0
		}
		current = append(current, item)
		total += size
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}

// Time packs items greedily by estimated processing seconds, analogous to
// Size. An item alone exceeding MaxSeconds becomes a singleton batch.
type Time[T any] struct {
	MaxSeconds float64
	TimeOf     func(T) float64
}

// NewTime returns a time strategy. timeOf estimates per-item processing
// seconds; nil means every item costs one second.
func NewTime[T any](maxSeconds float64, timeOf func(T) float64) *Time[T] {
	if maxSeconds <= 0 {
		maxSeconds = 1
	}
	return &Time[T]{MaxSeconds: maxSeconds, TimeOf: timeOf}
}

func (t *Time[T]) Name() string { return "time" }

func (t *Time[T]) timeOf(item T) float64 {
	if t.TimeOf != nil {
		return t.TimeOf(item)
	}
	return 1
}

func (t *Time[T]) Partition(items []T) [][]T {
	var batches [][]T
	var current []T
	total := 0.0

	for _, item := range items {
		cost := t.timeOf(item)
		if cost > t.MaxSeconds {
			slog.Warn("entity exceeds batch time budget, emitting singleton batch",
				"seconds", cost, "max_seconds", t.MaxSeconds)
			if len(current) > 0 {
				batches = append(batches, current)
				current = nil
				total = 0
			}
			batches = append(batches, []T{item})
			continue
		}
		if len(current) > 0 && total+cost > t.MaxSeconds {
			batches = append(batches, current)
			current = nil
			total = 0
		}
		current = append(current, item)
		total += cost
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}
