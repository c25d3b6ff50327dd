package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDegradationEntersAboveThreshold(t *testing.T) {
	d := newDegradationTracker()
	now := time.Now()

	for i := 0; i < degradationEnterThreshold; i++ {
		d.recordFailure(now)
	}
	degraded, changed := d.evaluate(now, 0)
	assert.False(t, degraded, "threshold itself does not trip the mode")
	assert.False(t, changed)

	d.recordFailure(now)
	degraded, changed = d.evaluate(now, 0)
	assert.True(t, degraded)
	assert.True(t, changed)
	assert.True(t, d.isDegraded())

	// Already degraded: no further change signal.
	_, changed = d.evaluate(now, 0)
	assert.False(t, changed)
}

func TestDegradationIgnoresFailuresOutsideWindow(t *testing.T) {
	d := newDegradationTracker()
	now := time.Now()

	for i := 0; i < 10; i++ {
		d.recordFailure(now.Add(-degradationWindow - time.Minute))
	}
	degraded, changed := d.evaluate(now, 0)
	assert.False(t, degraded)
	assert.False(t, changed)
	assert.Zero(t, d.recentFailures(now))
}

func TestDegradationHoldsWhileAgentsStayFailed(t *testing.T) {
	d := newDegradationTracker()
	start := time.Now()

	for i := 0; i < degradationEnterThreshold+1; i++ {
		d.recordFailure(start)
	}
	degraded, changed := d.evaluate(start, 5)
	assert.True(t, degraded)
	assert.True(t, changed)

	// The failure-event window drains, but five agents are still down:
	// an exhausted window alone must not clear the mode.
	for _, offset := range []time.Duration{
		degradationWindow + time.Second,
		degradationWindow + degradationExitHold,
		degradationWindow + 10*degradationExitHold,
	} {
		degraded, changed = d.evaluate(start.Add(offset), 5)
		assert.True(t, degraded, "still degraded at +%v with 5 agents failed", offset)
		assert.False(t, changed)
	}
}

func TestDegradationExitRequiresSustainedCalm(t *testing.T) {
	d := newDegradationTracker()
	start := time.Now()

	for i := 0; i < degradationEnterThreshold+1; i++ {
		d.recordFailure(start)
	}
	degraded, changed := d.evaluate(start, degradationEnterThreshold+1)
	assert.True(t, degraded)
	assert.True(t, changed)

	// Failed-agent count drops under the exit threshold; calm begins.
	calm := start.Add(time.Minute)
	degraded, changed = d.evaluate(calm, 1)
	assert.True(t, degraded)
	assert.False(t, changed)

	// Still inside the hold.
	degraded, changed = d.evaluate(calm.Add(degradationExitHold-time.Second), 1)
	assert.True(t, degraded)
	assert.False(t, changed)

	// Hold satisfied.
	degraded, changed = d.evaluate(calm.Add(degradationExitHold), 1)
	assert.False(t, degraded)
	assert.True(t, changed)
	assert.False(t, d.isDegraded())
}

func TestDegradationRelapseDuringCalmResetsHold(t *testing.T) {
	d := newDegradationTracker()
	start := time.Now()

	for i := 0; i < degradationEnterThreshold+1; i++ {
		d.recordFailure(start)
	}
	_, _ = d.evaluate(start, 4)

	calm := start.Add(time.Minute)
	_, _ = d.evaluate(calm, 0)

	// Failed-agent count climbs back over the exit threshold mid-hold.
	mid := calm.Add(degradationExitHold / 2)
	degraded, changed := d.evaluate(mid, degradationExitThreshold)
	assert.True(t, degraded)
	assert.False(t, changed)

	// The original hold deadline passes but calm restarted after the spike.
	recalm := calm.Add(degradationExitHold)
	degraded, _ = d.evaluate(recalm, 1)
	assert.True(t, degraded)

	degraded, changed = d.evaluate(recalm.Add(degradationExitHold), 1)
	assert.False(t, degraded)
	assert.True(t, changed)
}
