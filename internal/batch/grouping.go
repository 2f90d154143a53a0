package batch

import "math"

// ByType groups entities by a type key, then splits each group into chunks
// of MaxBatchSize (0 means one batch per type). Groups are emitted in
// first-occurrence order of their type; every batch holds a single type.
type ByType[T any] struct {
	TypeOf       func(T) string
	MaxBatchSize int
}

// NewByType returns an entity-type strategy.
func NewByType[T any](typeOf func(T) string, maxBatchSize int) *ByType[T] {
	return &ByType[T]{TypeOf: typeOf, MaxBatchSize: maxBatchSize}
}

func (b *ByType[T]) Name() string { return "entity_type" }

func (b *ByType[T]) Partition(items []T) [][]T {
	groups := make(map[string][]T)
	var order []string
	for _, item := range items {
		key := b.TypeOf(item)
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], item)
	}

	var batches [][]T
	for _, key := range order {
		group := groups[key]
		if b.MaxBatchSize <= 0 {
			batches = append(batches, group)
			continue
		}
		for start := 0; start < len(group); start += b.MaxBatchSize {
			end := start + b.MaxBatchSize
			if end > len(group) {
				end = len(group)
			}
			batches = append(batches, group[start:end:end])
		}
	}
	return batches
}

// Similarity clusters entities greedily: the first unassigned entity seeds a
// batch, and every remaining entity whose feature vector is close enough to
// the seed joins it, up to MaxBatchSize. Similarity between vectors a and b
// is 1 - dist(a,b)/sqrt(dim), which maps unit-range features onto [0,1].
type Similarity[T any] struct {
	Features     func(T) []float64
	Threshold    float64
	MaxBatchSize int
}

// NewSimilarity returns a similarity strategy. Threshold is clamped to
// [0,1].
func NewSimilarity[T any](features func(T) []float64, threshold float64, maxBatchSize int) *Similarity[T] {
	if threshold < 0 {
		threshold = 0
	}
	if threshold > 1 {
		threshold = 1
	}
	return &Similarity[T]{Features: features, Threshold: threshold, MaxBatchSize: maxBatchSize}
}

func (s *Similarity[T]) Name() string { return "similarity" }

func (s *Similarity[T]) Partition(items []T) [][]T {
	remaining := make([]T, len(items))
	copy(remaining, items)

	var batches [][]T
	for len(remaining) > 0 {
		seed := remaining[0]
		seedVec := s.Features(seed)
		batch := []T{seed}
		var rest []T

		for _, item := range remaining[1:] {
			if s.MaxBatchSize > 0 && len(batch) >= s.MaxBatchSize {
				rest = append(rest, item)
				continue
			}
			if s.similarity(seedVec, s.Features(item)) >= s.Threshold {
				batch = append(batch, item)
			} else {
				rest = append(rest, item)
			}
		}
		batches = append(batches, batch)
		remaining = rest
	}
	return batches
}

func (s *Similarity[T]) similarity(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	sim := 1 - math.Sqrt(sum)/math.Sqrt(float64(len(a)))
	if sim < 0 {
		return 0
	}
	return sim
}
