package health

import (
	"sync"
	"time"

	"github.com/aixgo-dev/agentcore/pkg/observability"
)

const (
	// degradationWindow is how far back failures count toward entering
	// degradation mode.
	degradationWindow = 30 * time.Second
	// degradationEnterThreshold is the failure count that triggers
	// degradation mode.
	degradationEnterThreshold = 3
	// degradationExitThreshold is the count of currently-failed agents the
	// fleet must stay under to leave degradation mode.
	degradationExitThreshold = 2
	// degradationExitHold is how long the fleet must stay under the exit
	// threshold before degradation mode clears.
	degradationExitHold = 120 * time.Second
)

// degradationTracker decides when the fleet enters and leaves degradation
// mode. Entry is immediate once failure events exceed the threshold inside
// the rolling window; exit looks at how many agents are failed right now,
// not at the event window, and requires that count to stay low for a
// sustained hold period so the fleet does not flap.
type degradationTracker struct {
	mu        sync.Mutex
	failures  []time.Time
	degraded  bool
	calmSince time.Time
}

func newDegradationTracker() *degradationTracker {
	return &degradationTracker{}
}

// recordFailure notes one agent failure at time now.
func (d *degradationTracker) recordFailure(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = append(d.failures, now)
	d.pruneLocked(now)
}

// evaluate updates the degraded flag and reports whether it changed.
// failedNow is how many agents are currently disconnected or failed.
func (d *degradationTracker) evaluate(now time.Time, failedNow int) (degraded, changed bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pruneLocked(now)
	recent := len(d.failures)

	if !d.degraded {
		if recent > degradationEnterThreshold {
			d.degraded = true
			d.calmSince = time.Time{}
			observability.SetDegradationMode(true)
			return true, true
		}
		return false, false
	}

	// Degraded: the window draining is not enough, the fleet itself has to
	// be back under the threshold for a sustained calm period.
	if failedNow >= degradationExitThreshold {
		d.calmSince = time.Time{}
		return true, false
	}
	if d.calmSince.IsZero() {
		d.calmSince = now
	}
	if now.Sub(d.calmSince) >= degradationExitHold {
		d.degraded = false
		d.calmSince = time.Time{}
		observability.SetDegradationMode(false)
		return false, true
	}
	return true, false
}

// isDegraded reports the current mode without re-evaluating.
func (d *degradationTracker) isDegraded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.degraded
}

// recentFailures returns how many failures fall inside the rolling window.
func (d *degradationTracker) recentFailures(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pruneLocked(now)
	return len(d.failures)
}

func (d *degradationTracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-degradationWindow)
	i := 0
	for i < len(d.failures) && d.failures[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		d.failures = append(d.failures[:0], d.failures[i:]...)
	}
}
