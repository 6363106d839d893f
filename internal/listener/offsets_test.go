package listener

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOutOfOrderTracker_InOrderAckAdvancesImmediately(t *testing.T) {
	tr := newOutOfOrderTracker()
	tp := TopicPartition{Topic: "t", Partition: 0}

	tr.Track(tp, 10)
	tr.Track(tp, 11)

	level, advanced := tr.Ack(tp, 10)
	assert.True(t, advanced)
	assert.Equal(t, int64(11), level)
}

// TestOutOfOrderTracker_OutOfOrderAcksDeferUntilGapCloses exercises the
// out-of-order ack scenario: offsets 10..14 acked in the order
// 11,10,13,12,14 must commit in order 12, 14, 15.
func TestOutOfOrderTracker_OutOfOrderAcksDeferUntilGapCloses(t *testing.T) {
	tr := newOutOfOrderTracker()
	tp := TopicPartition{Topic: "t", Partition: 0}

	for _, off := range []int64{10, 11, 12, 13, 14} {
		tr.Track(tp, off)
	}

	var commits []int64
	ackAndRecord := func(off int64) {
		level, advanced := tr.Ack(tp, off)
		if advanced {
			commits = append(commits, level)
		}
	}

	ackAndRecord(11) // 10 still outstanding: no commit
	ackAndRecord(10) // closes the gap: commits up through 11 -> level 12
	ackAndRecord(13) // 12 still outstanding: no commit
	ackAndRecord(12) // closes the gap: commits up through 13 -> level 14
	ackAndRecord(14) // commits through 14 -> level 15

	assert.Equal(t, []int64{12, 14, 15}, commits)
}

func TestOutOfOrderTracker_IsOutOfOrder(t *testing.T) {
	tr := newOutOfOrderTracker()
	tp := TopicPartition{Topic: "t", Partition: 0}

	tr.Track(tp, 10)
	tr.Track(tp, 11)

	assert.True(t, tr.IsOutOfOrder(tp, 11))
	assert.False(t, tr.IsOutOfOrder(tp, 10))
}

func TestOutOfOrderTracker_AckOfUntrackedOffsetIsIgnored(t *testing.T) {
	tr := newOutOfOrderTracker()
	tp := TopicPartition{Topic: "t", Partition: 0}

	level, advanced := tr.Ack(tp, 99)
	assert.False(t, advanced)
	assert.Equal(t, int64(0), level)
}

func TestOutOfOrderTracker_CommitLevelUnsetUntilFirstAck(t *testing.T) {
	tr := newOutOfOrderTracker()
	tp := TopicPartition{Topic: "t", Partition: 0}

	_, ok := tr.CommitLevel(tp)
	assert.False(t, ok)

	tr.Track(tp, 5)
	tr.Ack(tp, 5)

	level, ok := tr.CommitLevel(tp)
	assert.True(t, ok)
	assert.Equal(t, int64(6), level)
}

func TestOutOfOrderTracker_ResetClearsPartition(t *testing.T) {
	tr := newOutOfOrderTracker()
	tp := TopicPartition{Topic: "t", Partition: 0}

	tr.Track(tp, 5)
	tr.Ack(tp, 5)
	tr.Reset(tp)

	_, ok := tr.CommitLevel(tp)
	assert.False(t, ok)
}

func TestOutOfOrderTracker_IdempotentReAckIsNoOp(t *testing.T) {
	tr := newOutOfOrderTracker()
	tp := TopicPartition{Topic: "t", Partition: 0}

	tr.Track(tp, 5)
	level1, advanced1 := tr.Ack(tp, 5)
	assert.True(t, advanced1)

	// The offset was already removed from the index by the first Ack, so
	// a repeat ack of the same offset finds nothing pending and reports
	// no advance: acking twice is a no-op past the first time.
	level2, advanced2 := tr.Ack(tp, 5)
	assert.False(t, advanced2)
	assert.Equal(t, level1, int64(6))
	assert.Equal(t, int64(0), level2)
}
