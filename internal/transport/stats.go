package transport

import (
	"math"
	"slices"
	"sync"
	"time"
)

// DefaultWindow is the number of latency samples retained per intent.
const DefaultWindow = 120

// LatencyPercentiles holds p50 and p95 values for one intent.
type LatencyPercentiles struct {
	P50     time.Duration `json:"p50"`
	P95     time.Duration `json:"p95"`
	Samples int           `json:"samples"`
}

// Stats keeps a rolling window of enqueue-to-apply latencies per intent.
//
// Thread-safe for concurrent use.
type Stats struct {
	mu     sync.Mutex
	window int
	bufs   map[Intent]*latencyBuffer

	applied int64
	stale   int64
	skipped int64
	failed  int64
}

// NewStats creates Stats retaining window samples per intent. A
// non-positive window selects [DefaultWindow].
func NewStats(window int) *Stats {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Stats{window: window, bufs: make(map[Intent]*latencyBuffer)}
}

// Record adds one latency sample for intent.
func (s *Stats) Record(intent Intent, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bufs[intent]
	if !ok {
		b = newLatencyBuffer(s.window)
		s.bufs[intent] = b
	}
	b.add(d)
}

func (s *Stats) count(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch status {
	case statusApplied:
		s.applied++
	case statusStale:
		s.stale++
	case statusSkipped:
		s.skipped++
	case statusFailed:
		s.failed++
	}
}

// Snapshot captures a point-in-time view of transport statistics.
type Snapshot struct {
	Latency map[Intent]LatencyPercentiles `json:"latency"`
	Applied int64                         `json:"applied"`
	Stale   int64                         `json:"stale"`
	Skipped int64                         `json:"skipped"`
	Failed  int64                         `json:"failed"`
}

// Snapshot returns the current percentiles for every intent seen so far.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Latency: make(map[Intent]LatencyPercentiles, len(s.bufs)),
		Applied: s.applied,
		Stale:   s.stale,
		Skipped: s.skipped,
		Failed:  s.failed,
	}
	for intent, b := range s.bufs {
		snap.Latency[intent] = b.percentiles()
	}
	return snap
}

// latencyBuffer is a bounded ring buffer of duration samples.
type latencyBuffer struct {
	data []time.Duration
	pos  int
	full bool
}

func newLatencyBuffer(size int) *latencyBuffer {
	return &latencyBuffer{data: make([]time.Duration, size)}
}

func (lb *latencyBuffer) add(d time.Duration) {
	lb.data[lb.pos] = d
	lb.pos++
	if lb.pos >= len(lb.data) {
		lb.pos = 0
		lb.full = true
	}
}

func (lb *latencyBuffer) percentiles() LatencyPercentiles {
	n := lb.pos
	if lb.full {
		n = len(lb.data)
	}
	if n == 0 {
		return LatencyPercentiles{}
	}
	sorted := slices.Clone(lb.data[:n])
	slices.Sort(sorted)
	return LatencyPercentiles{
		P50:     percentile(sorted, 0.50),
		P95:     percentile(sorted, 0.95),
		Samples: n,
	}
}

// percentile returns the nearest-rank value at p (0.0-1.0) of a sorted slice.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	idx = max(0, min(idx, len(sorted)-1))
	return sorted[idx]
}
