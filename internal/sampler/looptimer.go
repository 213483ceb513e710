package sampler

import (
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// LoopTimer measures the sampler's real tick spacing over a sliding window
// so drift and saturation show up in the logs instead of silently skewing
// the batches.
type LoopTimer struct {
	mu       sync.Mutex
	window   int
	deltas   []float64 // seconds, ring buffer
	next     int
	filled   bool
	lastTick time.Time
	hasTick  bool
	count    int64
}

// LoopStats summarises the recent tick spacing.
type LoopStats struct {
	Count    int
	MeanMs   float64
	MedianMs float64
	MinMs    float64
	MaxMs    float64
	StdevMs  float64
	Hz       float64
}

// NewLoopTimer keeps the most recent windowSize intervals.
func NewLoopTimer(windowSize int) *LoopTimer {
	return &LoopTimer{
		window: windowSize,
		deltas: make([]float64, windowSize),
	}
}

// Tick records one loop iteration at the given instant.
func (t *LoopTimer) Tick(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.hasTick {
		t.deltas[t.next] = now.Sub(t.lastTick).Seconds()
		t.next++
		if t.next == t.window {
			t.next = 0
			t.filled = true
		}
	}
	t.lastTick = now
	t.hasTick = true
	t.count++
}

// Count returns the total iterations seen.
func (t *LoopTimer) Count() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Stats computes the window summary; ok is false until at least one
// interval has been recorded.
func (t *LoopTimer) Stats() (LoopStats, bool) {
	t.mu.Lock()
	n := t.next
	if t.filled {
		n = t.window
	}
	if n == 0 {
		t.mu.Unlock()
		return LoopStats{}, false
	}
	samples := make([]float64, n)
	copy(samples, t.deltas[:n])
	t.mu.Unlock()

	sorted := make([]float64, n)
	copy(sorted, samples)
	sort.Float64s(sorted)

	mean := stat.Mean(samples, nil)
	stats := LoopStats{
		Count:    n,
		MeanMs:   mean * 1000,
		MedianMs: stat.Quantile(0.5, stat.Empirical, sorted, nil) * 1000,
		MinMs:    sorted[0] * 1000,
		MaxMs:    sorted[n-1] * 1000,
	}
	if n > 1 {
		stats.StdevMs = stat.StdDev(samples, nil) * 1000
	}
	if mean > 0 {
		stats.Hz = 1.0 / mean
	}
	return stats, true
}
