package listener

import (
	"sync"
	"time"
)

// idleMonitor tracks how long it's been since the container last
// delivered a record, publishing an Idle event once the gap exceeds a
// configured threshold, and a NonResponsive event if the poll loop itself
// stalls (no poll iteration completes) past a second, longer threshold.
// Check is driven by a time.Ticker running on its own goroutine, started
// in Container.starting independently of the poll loop, so a poll loop
// wedged inside PollFetches still gets checked; RecordDelivered and
// PollCompleted are called synchronously from the poll loop to record
// state, and are safe to interleave with a concurrent Check under mu.
type idleMonitor struct {
	mu               sync.Mutex
	lastRecordAt     time.Time
	lastPollAt       time.Time
	idleThreshold    time.Duration
	nonRespThreshold time.Duration
	idleFired        bool
	nonRespFired     bool
}

func newIdleMonitor(idleThreshold, nonRespThreshold time.Duration) *idleMonitor {
	now := time.Now()
	return &idleMonitor{
		lastRecordAt:     now,
		lastPollAt:       now,
		idleThreshold:    idleThreshold,
		nonRespThreshold: nonRespThreshold,
	}
}

// RecordDelivered resets the idle clock; call this whenever a record is
// handed to the listener. It reports whether the container was
// previously flagged idle, so the caller can publish a NoLongerIdle event.
func (m *idleMonitor) RecordDelivered(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastRecordAt = now
	wasIdle := m.idleFired
	m.idleFired = false
	return wasIdle
}

// PollCompleted resets the non-responsive clock; call this whenever a
// PollFetches call returns, whether or not it returned records.
func (m *idleMonitor) PollCompleted(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastPollAt = now
	m.nonRespFired = false
}

// Check evaluates both thresholds against now and returns the events
// that newly fired. Each event fires at most once per idle/stalled
// period; RecordDelivered/PollCompleted re-arm it.
func (m *idleMonitor) Check(now time.Time) []EventType {
	m.mu.Lock()
	defer m.mu.Unlock()

	var fired []EventType
	if m.idleThreshold > 0 && !m.idleFired && now.Sub(m.lastRecordAt) >= m.idleThreshold {
		m.idleFired = true
		fired = append(fired, EventIdle)
	}
	if m.nonRespThreshold > 0 && !m.nonRespFired && now.Sub(m.lastPollAt) >= m.nonRespThreshold {
		m.nonRespFired = true
		fired = append(fired, EventNonResponsive)
	}
	return fired
}
