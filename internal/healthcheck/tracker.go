// Package healthcheck reports liveness and readiness of the watch loop.
package healthcheck

import (
	"sync"
	"time"
)

// Snapshot describes the latest update cycle.
type Snapshot struct {
	LastCycleTime       *time.Time `json:"last_cycle_time"`
	CycleDurationMS     int64      `json:"cycle_duration_ms"`
	LastOutcome         string     `json:"last_outcome,omitempty"`
	ServicesEvaluated   int        `json:"services_evaluated"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
}

// Tracker records cycle results for health endpoints.
type Tracker struct {
	mu                  sync.RWMutex
	lastCycle           time.Time
	cycleDuration       time.Duration
	lastOutcome         string
	servicesEvaluated   int
	consecutiveFailures int
	ready               bool
	now                 func() time.Time
}

// NewTracker constructs a new Tracker.
func NewTracker() *Tracker {
	return &Tracker{now: time.Now}
}

// RecordCycle updates cycle timing and readiness. A cycle counts as failed when
// failed is true; failures still mark the loop as alive.
func (t *Tracker) RecordCycle(duration time.Duration, outcome string, servicesEvaluated int, failed bool) {
	if t == nil {
		return
	}
	now := t.now().UTC()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastCycle = now
	t.cycleDuration = duration
	t.lastOutcome = outcome
	t.servicesEvaluated = servicesEvaluated
	t.ready = true
	if failed {
		t.consecutiveFailures++
	} else {
		t.consecutiveFailures = 0
	}
}

// Snapshot returns the current tracker snapshot.
func (t *Tracker) Snapshot() Snapshot {
	if t == nil {
		return Snapshot{}
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	var last *time.Time
	if !t.lastCycle.IsZero() {
		value := t.lastCycle
		last = &value
	}
	return Snapshot{
		LastCycleTime:       last,
		CycleDurationMS:     int64(t.cycleDuration / time.Millisecond),
		LastOutcome:         t.lastOutcome,
		ServicesEvaluated:   t.servicesEvaluated,
		ConsecutiveFailures: t.consecutiveFailures,
	}
}

// Ready reports whether at least one cycle has completed.
func (t *Tracker) Ready() bool {
	if t == nil {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ready
}

// Healthy reports whether the last cycle completed within 2x the interval.
func (t *Tracker) Healthy(now time.Time, interval time.Duration) bool {
	if t == nil {
		return false
	}
	if interval <= 0 {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.lastCycle.IsZero() {
		return false
	}
	return now.Sub(t.lastCycle) <= 2*interval
}
