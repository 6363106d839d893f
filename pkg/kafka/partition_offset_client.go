package kafka

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/grafana/dskit/backoff"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

// recordVersionHeaderKey is the header key the listener uses to tag the
// wire format version of a record's value, so handlers can evolve the
// payload encoding without breaking older consumers mid-rollout.
const recordVersionHeaderKey = "Version"

// RecordVersionHeader builds the header a producer attaches to every
// record to identify the payload encoding version.
func RecordVersionHeader(version int) kgo.RecordHeader {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(version))
	return kgo.RecordHeader{Key: recordVersionHeaderKey, Value: b[:]}
}

// PartitionOffsetClient answers questions about partition offsets that
// the listener container needs outside the normal poll loop: the most
// recently produced offset per partition, used to decide whether a
// partition has caught up.
type PartitionOffsetClient struct {
	client *kadm.Client
	topic  string

	backoffConfig backoff.Config
}

// NewPartitionOffsetClient wraps an existing kgo.Client with kadm-backed
// offset queries scoped to a single topic.
func NewPartitionOffsetClient(client *kgo.Client, topic string) *PartitionOffsetClient {
	return &PartitionOffsetClient{
		client: kadm.NewClient(client),
		topic:  topic,
		backoffConfig: backoff.Config{
			MinBackoff: 250 * time.Millisecond,
			MaxBackoff: 2 * time.Second,
			MaxRetries: 10,
		},
	}
}

// WithBackoff overrides the retry backoff used while fetching offsets,
// primarily so tests can shorten it.
func (c *PartitionOffsetClient) WithBackoff(cfg backoff.Config) *PartitionOffsetClient {
	c.backoffConfig = cfg
	return c
}

// FetchPartitionsLastProducedOffsets returns, for each requested
// partition, the offset of the next record that would be produced (i.e.
// the high watermark), retrying transient broker errors with a bounded
// backoff.
func (c *PartitionOffsetClient) FetchPartitionsLastProducedOffsets(ctx context.Context, partitionIDs []int32) (kadm.ListedOffsets, error) {
	boff := backoff.New(ctx, c.backoffConfig)

	var lastErr error
	for boff.Ongoing() {
		offsets, err := c.client.ListEndOffsets(ctx, c.topic)
		if err != nil {
			lastErr = err
			boff.Wait()
			continue
		}

		if len(offsets) != 1 {
			return nil, fmt.Errorf("unexpected number of topics in the response: got %d, expected 1", len(offsets))
		}
		topicOffsets, ok := offsets[c.topic]
		if !ok {
			return nil, fmt.Errorf("unexpected topic in the response: expected %s", c.topic)
		}

		var partitionErr error
		for _, p := range partitionIDs {
			if lo, ok := topicOffsets[p]; ok && lo.Err != nil {
				partitionErr = lo.Err
				break
			}
		}
		if partitionErr != nil {
			var kerrv *kerr.Error
			if !errors.As(partitionErr, &kerrv) || !kerrv.Retriable {
				return nil, fmt.Errorf("fetching last produced offsets: %w", partitionErr)
			}
			lastErr = partitionErr
			boff.Wait()
			continue
		}

		result := make(kadm.ListedOffsets, 1)
		filtered := make(map[int32]kadm.ListedOffset, len(partitionIDs))
		for _, p := range partitionIDs {
			if lo, ok := topicOffsets[p]; ok {
				filtered[p] = lo
			}
		}
		result[c.topic] = filtered
		return result, nil
	}

	if err := boff.ErrCause(); err != nil {
		return nil, fmt.Errorf("fetching last produced offsets: %w", err)
	}
	return nil, fmt.Errorf("fetching last produced offsets: %w", lastErr)
}
