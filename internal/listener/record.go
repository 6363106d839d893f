package listener

import (
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// TopicPartition identifies a single partition of a topic.
type TopicPartition struct {
	Topic     string
	Partition int32
}

// String renders the topic-partition the way log lines and event fields
// expect to see it.
func (tp TopicPartition) String() string {
	return tp.Topic + "-" + strconv.Itoa(int(tp.Partition))
}

// OffsetAndMetadata pairs a commit offset with the opaque metadata string
// Kafka stores alongside a committed offset.
type OffsetAndMetadata struct {
	Offset   int64
	Metadata string
}

// Record is the listener-facing view of a single Kafka record. It mirrors
// kgo.Record's fields the handler needs without exposing franz-go types
// directly, so handler code doesn't take a transport dependency.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   []kgo.RecordHeader
	Timestamp time.Time

	// DeliveryAttempt is 1 on first delivery and incremented each time
	// the same offset is redelivered after a nack or error-handler
	// retry. The container tracks it per partition and offset while the
	// partition stays assigned; it is also written into a record header
	// only when Config.DeliveryAttemptHeader is set.
	DeliveryAttempt int

	// raw retains the originating kgo.Record so internal code (acks,
	// seeks, offset commit) can recover transport-level fields without
	// the handler-facing struct growing to match kgo.Record 1:1.
	raw *kgo.Record
}

// TopicPartition returns the topic-partition this record was read from.
func (r *Record) TopicPartition() TopicPartition {
	return TopicPartition{Topic: r.Topic, Partition: r.Partition}
}

// NextOffset returns the offset that should be committed to mark this
// record (and everything before it) as consumed: Kafka's commit offset
// semantics are "next record to fetch", one past the record's own offset.
func (r *Record) NextOffset() int64 {
	return r.Offset + 1
}

func newRecord(kr *kgo.Record, attempt int) *Record {
	return &Record{
		Topic:           kr.Topic,
		Partition:       kr.Partition,
		Offset:          kr.Offset,
		Key:             kr.Key,
		Value:           kr.Value,
		Headers:         kr.Headers,
		Timestamp:       kr.Timestamp,
		DeliveryAttempt: attempt,
		raw:             kr,
	}
}

// Batch is the handler-facing view of a single partition's worth of
// records from one poll, for listeners registered with a batch
// ListenerType.
type Batch struct {
	TopicPartition TopicPartition
	Records        []*Record
}
