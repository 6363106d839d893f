package listener

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIdleMonitor_FiresIdleOnceAfterThreshold(t *testing.T) {
	start := time.Now()
	m := newIdleMonitor(10*time.Millisecond, 0)
	m.lastRecordAt = start
	m.lastPollAt = start

	fired := m.Check(start.Add(5 * time.Millisecond))
	assert.Empty(t, fired)

	fired = m.Check(start.Add(20 * time.Millisecond))
	assert.Equal(t, []EventType{EventIdle}, fired)

	// Doesn't re-fire until RecordDelivered re-arms it.
	fired = m.Check(start.Add(30 * time.Millisecond))
	assert.Empty(t, fired)
}

func TestIdleMonitor_RecordDeliveredReArmsAndReportsNoLongerIdle(t *testing.T) {
	start := time.Now()
	m := newIdleMonitor(10*time.Millisecond, 0)
	m.lastRecordAt = start

	m.Check(start.Add(20 * time.Millisecond))
	wasIdle := m.RecordDelivered(start.Add(21 * time.Millisecond))
	assert.True(t, wasIdle)

	wasIdle = m.RecordDelivered(start.Add(22 * time.Millisecond))
	assert.False(t, wasIdle)
}

func TestIdleMonitor_NonResponsiveIndependentOfIdle(t *testing.T) {
	start := time.Now()
	m := newIdleMonitor(0, 50*time.Millisecond)
	m.lastPollAt = start

	fired := m.Check(start.Add(60 * time.Millisecond))
	assert.Equal(t, []EventType{EventNonResponsive}, fired)

	m.PollCompleted(start.Add(61 * time.Millisecond))
	fired = m.Check(start.Add(62 * time.Millisecond))
	assert.Empty(t, fired)
}

func TestIdleMonitor_ZeroThresholdDisablesCheck(t *testing.T) {
	m := newIdleMonitor(0, 0)
	fired := m.Check(time.Now().Add(time.Hour))
	assert.Empty(t, fired)
}
