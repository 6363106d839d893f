package listener_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"go.uber.org/atomic"

	"github.com/klistener/klistener/internal/listener"
	"github.com/klistener/klistener/pkg/kafka"
	"github.com/klistener/klistener/pkg/kafka/testkafka"
)

func testKafkaConfig(topic, group string, addrs []string) kafka.Config {
	cfg := kafka.Config{
		Topic:         topic,
		ConsumerGroup: group,
		DialTimeout:   5 * time.Second,
		WriteTimeout:  5 * time.Second,
	}
	for i, a := range addrs {
		if i > 0 {
			cfg.Address += ","
		}
		cfg.Address += a
	}
	return cfg
}

func produceOne(t *testing.T, client *kgo.Client, topic string, value []byte) {
	t.Helper()
	res := client.ProduceSync(context.Background(), &kgo.Record{Topic: topic, Value: value})
	require.NoError(t, res.FirstErr())
}

// TestContainer_RecordListenerCommitsInBatchMode exercises a full
// poll-dispatch-commit cycle: one record, consumed by a plain record
// listener, committed once under AckModeBatch.
func TestContainer_RecordListenerCommitsInBatchMode(t *testing.T) {
	const topic = "container-batch-topic"
	const group = "container-batch-group"

	cluster := testkafka.CreateCluster(t, 1, topic)
	producer := cluster.Client()
	produceOne(t, producer, topic, []byte("hello"))

	var commits atomic.Int32
	cluster.ControlKey(int16(kmsg.OffsetCommit), func(kmsg.Request) (kmsg.Response, error, bool) {
		commits.Inc()
		return nil, nil, false
	})

	var mu sync.Mutex
	var received []*listener.Record
	handler := listener.NewRecordListener(func(_ context.Context, rec *listener.Record) error {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, rec)
		return nil
	})

	kafkaCfg := testKafkaConfig(topic, group, cluster.Addrs())
	listenerCfg := listener.Config{
		AckMode:     listener.AckModeBatch,
		PollTimeout: 200 * time.Millisecond,
	}

	c, err := listener.NewContainer(kafkaCfg, listenerCfg, handler, log.NewNopLogger(), prometheus.NewRegistry())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, services.StartAndAwaitRunning(ctx, c))
	t.Cleanup(func() { _ = services.StopAndAwaitTerminated(context.Background(), c) })

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool { return commits.Load() >= 1 }, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []byte("hello"), received[0].Value)
	assert.Equal(t, 1, received[0].DeliveryAttempt)
	mu.Unlock()
}

// TestContainer_AcknowledgingListenerNackReplaysRecord exercises the
// nack-with-sleep scenario (spec.md §8 scenario 3): the handler nacks the
// first delivery of a record and the container redelivers it once the
// sleep elapses.
func TestContainer_AcknowledgingListenerNackReplaysRecord(t *testing.T) {
	const topic = "container-nack-topic"
	const group = "container-nack-group"

	cluster := testkafka.CreateCluster(t, 1, topic)
	producer := cluster.Client()
	produceOne(t, producer, topic, []byte("retry-me"))

	var mu sync.Mutex
	var attempts []int
	handler := listener.NewAcknowledgingListener(func(_ context.Context, rec *listener.Record, ack listener.AckHandle) error {
		mu.Lock()
		attempts = append(attempts, rec.DeliveryAttempt)
		first := len(attempts) == 1
		mu.Unlock()

		if first {
			return ack.Nack(50 * time.Millisecond)
		}
		ack.Acknowledge()
		return nil
	})

	kafkaCfg := testKafkaConfig(topic, group, cluster.Addrs())
	listenerCfg := listener.Config{
		AckMode:     listener.AckModeRecord,
		PollTimeout: 100 * time.Millisecond,
	}

	c, err := listener.NewContainer(kafkaCfg, listenerCfg, handler, log.NewNopLogger(), prometheus.NewRegistry())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, services.StartAndAwaitRunning(ctx, c))
	t.Cleanup(func() { _ = services.StopAndAwaitTerminated(context.Background(), c) })

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(attempts) >= 2
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, len(attempts), 2)
	assert.Equal(t, 1, attempts[0])
	assert.Equal(t, 2, attempts[len(attempts)-1])
}

// TestContainer_PauseStopsDelivery verifies that pausing a partition
// through the public API stops the listener from being invoked for new
// records until Resume is called.
func TestContainer_PauseStopsDelivery(t *testing.T) {
	const topic = "container-pause-topic"
	const group = "container-pause-group"

	cluster := testkafka.CreateCluster(t, 1, topic)
	producer := cluster.Client()

	var mu sync.Mutex
	var count int
	handler := listener.NewRecordListener(func(_ context.Context, _ *listener.Record) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})

	kafkaCfg := testKafkaConfig(topic, group, cluster.Addrs())
	listenerCfg := listener.Config{
		AckMode:     listener.AckModeRecord,
		PollTimeout: 100 * time.Millisecond,
	}

	c, err := listener.NewContainer(kafkaCfg, listenerCfg, handler, log.NewNopLogger(), prometheus.NewRegistry())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, services.StartAndAwaitRunning(ctx, c))
	t.Cleanup(func() { _ = services.StopAndAwaitTerminated(context.Background(), c) })

	require.Eventually(t, func() bool {
		return len(c.AssignedPartitions()) == 1
	}, 5*time.Second, 20*time.Millisecond)

	c.Pause(listener.TopicPartition{})

	produceOne(t, producer, topic, []byte("while-paused"))
	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	assert.Equal(t, 0, count)
	mu.Unlock()

	c.Resume(listener.TopicPartition{})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, 5*time.Second, 20*time.Millisecond)
}

// TestContainer_TransactionalProducerFencedStopsContainer exercises the
// fenced-producer scenario (spec.md §8 scenario 5): the broker rejects
// EndTxn with PRODUCER_FENCED, and with StopContainerWhenFenced set the
// container reports that as its failure cause and stops instead of
// looping on every subsequent transaction.
func TestContainer_TransactionalProducerFencedStopsContainer(t *testing.T) {
	const topic = "container-fenced-topic"
	const group = "container-fenced-group"

	cluster := testkafka.CreateCluster(t, 1, topic)
	producer := cluster.Client()
	produceOne(t, producer, topic, []byte("fence-me"))

	cluster.ControlKey(int16(kmsg.EndTxn), func(kreq kmsg.Request) (kmsg.Response, error, bool) {
		res := kreq.ResponseKind().(*kmsg.EndTxnResponse)
		res.Default()
		res.ErrorCode = kerr.ProducerFenced.Code
		return res, nil, true
	})

	handler := listener.NewRecordListener(func(_ context.Context, _ *listener.Record) error {
		return nil
	})

	var mu sync.Mutex
	var sawFenced bool
	sink := listener.EventSinkFunc(func(ev listener.Event) {
		if ev.Type == listener.EventRetryFailed {
			mu.Lock()
			sawFenced = true
			mu.Unlock()
		}
	})

	kafkaCfg := testKafkaConfig(topic, group, cluster.Addrs())
	kafkaCfg.WriteTimeout = 2 * time.Second
	listenerCfg := listener.Config{
		AckMode:                 listener.AckModeBatch,
		PollTimeout:             200 * time.Millisecond,
		StopContainerWhenFenced: true,
	}

	c, err := listener.NewTransactionalContainer(
		kafkaCfg, listenerCfg, "fenced-test", handler, log.NewNopLogger(), prometheus.NewRegistry(),
		listener.WithEventSink(sink),
	)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, services.StartAndAwaitRunning(ctx, c))
	t.Cleanup(func() { _ = services.StopAndAwaitTerminated(context.Background(), c) })

	require.Eventually(t, func() bool {
		return c.State() == services.Failed
	}, 5*time.Second, 20*time.Millisecond, "container should stop once its producer is fenced")

	mu.Lock()
	assert.True(t, sawFenced, "expected a RetryFailed event for the fenced producer")
	mu.Unlock()
	require.ErrorIs(t, c.FailureCase(), listener.ErrProducerFenced)
}
