package batch

import (
	"sort"
	"sync"
	"time"
)

// TimeEstimator predicts batch processing time from observed samples by
// piecewise-linear interpolation over batch size. With no history it
// assumes a flat per-item cost.
type TimeEstimator struct {
	mu             sync.Mutex
	samples        []Sample
	defaultSeconds float64
}

// NewTimeEstimator returns an estimator that predicts
// defaultSecondsPerItem * size until samples arrive.
func NewTimeEstimator(defaultSecondsPerItem float64) *TimeEstimator {
	if defaultSecondsPerItem <= 0 {
		defaultSecondsPerItem = 0.1
	}
	return &TimeEstimator{defaultSeconds: defaultSecondsPerItem}
}

// Record adds one observed (size, duration) sample.
func (e *TimeEstimator) Record(size int, d time.Duration) {
	if size < 1 {
		return
	}
	e.mu.Lock()
	e.samples = append(e.samples, Sample{Size: size, Seconds: d.Seconds()})
	e.mu.Unlock()
}

// Estimate predicts the processing time for a batch of the given size.
// Between observed sizes it interpolates linearly; beyond the smallest or
// largest observed size it extends the nearest segment's slope. Repeated
// observations of one size are averaged.
func (e *TimeEstimator) Estimate(size int) time.Duration {
	if size < 1 {
		return 0
	}

	e.mu.Lock()
	points := e.aggregate()
	e.mu.Unlock()

	var seconds float64
	switch {
	case len(points) == 0:
		seconds = e.defaultSeconds * float64(size)
	case len(points) == 1:
		seconds = points[0].Seconds / float64(points[0].Size) * float64(size)
	default:
		seconds = interpolate(points, float64(size))
	}

	if seconds < 0 {
		seconds = 0
	}
	return time.Duration(seconds * float64(time.Second))
}

// aggregate collapses samples into one mean point per size, sorted by size.
func (e *TimeEstimator) aggregate() []Sample {
	sums := make(map[int]float64)
	counts := make(map[int]int)
	for _, s := range e.samples {
		sums[s.Size] += s.Seconds
		counts[s.Size]++
	}

	points := make([]Sample, 0, len(sums))
	for size, sum := range sums {
		points = append(points, Sample{Size: size, Seconds: sum / float64(counts[size])})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Size < points[j].Size })
	return points
}

func interpolate(points []Sample, x float64) float64 {
	first, last := points[0], points[len(points)-1]

	// Extrapolate with the slope of the nearest segment.
	if x <= float64(first.Size) {
		return lerp(first, points[1], x)
	}
	if x >= float64(last.Size) {
		return lerp(points[len(points)-2], last, x)
	}

	for i := 1; i < len(points); i++ {
		if x <= float64(points[i].Size) {
			return lerp(points[i-1], points[i], x)
		}
	}
	return last.Seconds
}

func lerp(a, b Sample, x float64) float64 {
	dx := float64(b.Size - a.Size)
	if dx == 0 {
		return a.Seconds
	}
	slope := (b.Seconds - a.Seconds) / dx
	return a.Seconds + slope*(x-float64(a.Size))
}
