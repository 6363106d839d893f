package listener

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kfake"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

func newSeekTestClient(t *testing.T, topic string) *kgo.Client {
	t.Helper()
	cluster, err := kfake.NewCluster(kfake.NumBrokers(1), kfake.SeedTopics(2, topic))
	require.NoError(t, err)
	t.Cleanup(cluster.Close)

	client, err := kgo.NewClient(kgo.SeedBrokers(cluster.ListenAddrs()...), kgo.DisableClientMetrics())
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func TestSeekQueue_DropsSeekForUnassignedPartition(t *testing.T) {
	client := newSeekTestClient(t, "seek-topic")
	q := newSeekQueue(nil, "seek-topic", 8)
	tp := TopicPartition{Topic: "seek-topic", Partition: 0}

	q.Enqueue(seekRequest{tp: tp, kind: seekAbsolute, offset: 42})

	var dropped []TopicPartition
	drained, err := q.Drain(context.Background(), client, map[TopicPartition]struct{}{}, nil, func(tp TopicPartition) {
		dropped = append(dropped, tp)
	})
	require.NoError(t, err)
	assert.Empty(t, drained)
	assert.Equal(t, []TopicPartition{tp}, dropped)
}

func TestSeekQueue_AppliesAbsoluteSeekForAssignedPartition(t *testing.T) {
	client := newSeekTestClient(t, "seek-topic-2")
	q := newSeekQueue(nil, "seek-topic-2", 8)
	tp := TopicPartition{Topic: "seek-topic-2", Partition: 0}

	q.Enqueue(seekRequest{tp: tp, kind: seekAbsolute, offset: 42})

	assigned := map[TopicPartition]struct{}{tp: {}}
	drained, err := q.Drain(context.Background(), client, assigned, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []TopicPartition{tp}, drained)
}

func TestSeekQueue_RelativeSeekClampsAtZero(t *testing.T) {
	client := newSeekTestClient(t, "seek-topic-3")
	q := newSeekQueue(nil, "seek-topic-3", 8)
	tp := TopicPartition{Topic: "seek-topic-3", Partition: 0}

	// Current offset is 2; relative -10 would go negative and must clamp.
	current := func(TopicPartition) int64 { return 2 }
	q.Enqueue(seekRequest{tp: tp, kind: seekRelative, offset: -10})

	assigned := map[TopicPartition]struct{}{tp: {}}
	drained, err := q.Drain(context.Background(), client, assigned, current, nil)
	require.NoError(t, err)
	assert.Equal(t, []TopicPartition{tp}, drained)
}

func TestSeekQueue_DrainWithNothingQueuedIsNoOp(t *testing.T) {
	client := newSeekTestClient(t, "seek-topic-4")
	q := newSeekQueue(nil, "seek-topic-4", 8)

	drained, err := q.Drain(context.Background(), client, nil, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, drained)
}

func TestSeekQueue_SeekFuncUsesCurrentOffsetAtDrainTime(t *testing.T) {
	client := newSeekTestClient(t, "seek-topic-5")
	q := newSeekQueue(nil, "seek-topic-5", 8)
	tp := TopicPartition{Topic: "seek-topic-5", Partition: 0}

	var sawCurrent int64
	q.Enqueue(seekRequest{tp: tp, kind: seekFunc, fn: func(_ TopicPartition, cur int64) int64 {
		sawCurrent = cur
		return cur + 100
	}})

	current := func(TopicPartition) int64 { return 7 }
	assigned := map[TopicPartition]struct{}{tp: {}}
	drained, err := q.Drain(context.Background(), client, assigned, current, nil)
	require.NoError(t, err)
	assert.Equal(t, []TopicPartition{tp}, drained)
	assert.Equal(t, int64(7), sawCurrent)
}

// TestSeekQueue_DistinctTimestampsEachResolveIndependently guards against
// collapsing every pending timestamp seek to one ListOffsetsAfterMilli
// call keyed off the earliest requested timestamp: partition 0 asks for
// an earlier timestamp than partition 1, and each must come back with the
// offset for its own timestamp, not the other's.
func TestSeekQueue_DistinctTimestampsEachResolveIndependently(t *testing.T) {
	topic := "seek-topic-ts"
	cluster, err := kfake.NewCluster(kfake.NumBrokers(1), kfake.SeedTopics(2, topic))
	require.NoError(t, err)
	t.Cleanup(cluster.Close)

	client, err := kgo.NewClient(kgo.SeedBrokers(cluster.ListenAddrs()...), kgo.DisableClientMetrics())
	require.NoError(t, err)
	t.Cleanup(client.Close)

	var listOffsetsCalls int32
	cluster.ControlKey(kmsg.ListOffsets, func(kreq kmsg.Request) (kmsg.Response, error, bool) {
		atomic.AddInt32(&listOffsetsCalls, 1)
		req := kreq.(*kmsg.ListOffsetsRequest)
		res := req.ResponseKind().(*kmsg.ListOffsetsResponse)
		res.Default()
		for _, rt := range req.Topics {
			resTopic := kmsg.NewListOffsetsResponseTopic()
			resTopic.Topic = rt.Topic
			for _, rp := range rt.Partitions {
				resPart := kmsg.NewListOffsetsResponseTopicPartition()
				resPart.Partition = rp.Partition
				// All partitions in one request share the
				// requested timestamp, so the timestamp alone
				// identifies which offset to hand back.
				switch rp.Timestamp {
				case 1000:
					resPart.Offset = 111
				case 5000:
					resPart.Offset = 555
				default:
					resPart.Offset = -1
				}
				resTopic.Partitions = append(resTopic.Partitions, resPart)
			}
			res.Topics = append(res.Topics, resTopic)
		}
		return res, nil, true
	})

	kadmClient := kadm.NewClient(client)
	q := newSeekQueue(kadmClient, topic, 8)

	tp0 := TopicPartition{Topic: topic, Partition: 0}
	tp1 := TopicPartition{Topic: topic, Partition: 1}
	q.Enqueue(seekRequest{tp: tp0, kind: seekTimestamp, timestamp: time.UnixMilli(1000)})
	q.Enqueue(seekRequest{tp: tp1, kind: seekTimestamp, timestamp: time.UnixMilli(5000)})

	assigned := map[TopicPartition]struct{}{tp0: {}, tp1: {}}
	drained, err := q.Drain(context.Background(), client, assigned, nil, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []TopicPartition{tp0, tp1}, drained)
	assert.EqualValues(t, 2, atomic.LoadInt32(&listOffsetsCalls),
		"each distinct requested timestamp must get its own ListOffsets call")
}
