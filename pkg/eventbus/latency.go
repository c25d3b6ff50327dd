package eventbus

import (
	"sort"
	"sync"
	"time"
)

// latencySample is one publish-to-fan-out-complete measurement.
type latencySample struct {
	at time.Time
	d  time.Duration
}

// latencyTracker keeps a rolling window of fan-out latencies so the bus can
// watch its own 95th percentile. This is an observability signal, not a
// correctness gate.
type latencyTracker struct {
	mu      sync.Mutex
	window  time.Duration
	samples []latencySample
}

func newLatencyTracker(window time.Duration) *latencyTracker {
	return &latencyTracker{window: window}
}

func (t *latencyTracker) record(at time.Time, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.samples = append(t.samples, latencySample{at: at, d: d})
	t.pruneLocked(at)
}

// pruneLocked drops samples older than the window. Caller must hold the lock.
func (t *latencyTracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-t.window)
	i := 0
	for i < len(t.samples) && t.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		t.samples = append(t.samples[:0], t.samples[i:]...)
	}
}

// p95 returns the 95th-percentile latency over the current window, or zero
// when there are no samples.
func (t *latencyTracker) p95(now time.Time) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pruneLocked(now)
	if len(t.samples) == 0 {
		return 0
	}

	ds := make([]time.Duration, len(t.samples))
	for i, s := range t.samples {
		ds[i] = s.d
	}
	sort.Slice(ds, func(i, j int) bool { return ds[i] < ds[j] })

	idx := (len(ds)*95 + 99) / 100
	if idx > 0 {
		idx--
	}
	return ds[idx]
}
