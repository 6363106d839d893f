package listener

import (
	"context"

	"github.com/twmb/franz-go/pkg/kgo"
)

// ListenerType tags a registered Listener with its capability set,
// collapsing what would otherwise be a hierarchy of adapter interfaces
// into one enum the container switches on at dispatch time.
type ListenerType int

const (
	// TypeSimple receives just the record.
	TypeSimple ListenerType = iota
	// TypeConsumerAware additionally receives the raw Kafka client, for
	// listeners that need to inspect or act on it directly (e.g. a
	// ConsumerSeekAware implementation driving its own seeks).
	TypeConsumerAware
	// TypeAcknowledging additionally receives an AckHandle. Unless the
	// AckMode is manual, the container still acknowledges each record the
	// handler returns from without error or nack.
	TypeAcknowledging
	// TypeAcknowledgingConsumerAware receives both.
	TypeAcknowledgingConsumerAware
	// TypeBatchSimple receives one partition's worth of records per
	// invocation, never more than one partition at a time.
	TypeBatchSimple
	// TypeBatchConsumerAware is the batch variant of TypeConsumerAware.
	TypeBatchConsumerAware
	// TypeBatchAcknowledging is the batch variant of TypeAcknowledging.
	TypeBatchAcknowledging
	// TypeBatchAcknowledgingConsumerAware combines both batch variants.
	TypeBatchAcknowledgingConsumerAware
	// TypeBatchFullPoll receives every partition's batch from a single
	// poll in one invocation, alongside an ack handle and the consumer.
	TypeBatchFullPoll
)

func (t ListenerType) String() string {
	switch t {
	case TypeSimple:
		return "simple"
	case TypeConsumerAware:
		return "consumer_aware"
	case TypeAcknowledging:
		return "acknowledging"
	case TypeAcknowledgingConsumerAware:
		return "acknowledging_consumer_aware"
	case TypeBatchSimple:
		return "batch_simple"
	case TypeBatchConsumerAware:
		return "batch_consumer_aware"
	case TypeBatchAcknowledging:
		return "batch_acknowledging"
	case TypeBatchAcknowledgingConsumerAware:
		return "batch_acknowledging_consumer_aware"
	case TypeBatchFullPoll:
		return "batch_full_poll"
	default:
		return "unknown"
	}
}

// IsBatch reports whether this capability operates on a Batch rather than
// a single Record.
func (t ListenerType) IsBatch() bool {
	return t >= TypeBatchSimple
}

// RecordHandler is the plain per-record listener function: onMessage(record).
type RecordHandler func(ctx context.Context, record *Record) error

// ConsumerAwareRecordHandler is onMessage(record, consumer).
type ConsumerAwareRecordHandler func(ctx context.Context, record *Record, consumer *kgo.Client) error

// AcknowledgingRecordHandler is onMessage(record, ack).
type AcknowledgingRecordHandler func(ctx context.Context, record *Record, ack AckHandle) error

// AcknowledgingConsumerAwareRecordHandler is onMessage(record, ack, consumer).
type AcknowledgingConsumerAwareRecordHandler func(ctx context.Context, record *Record, ack AckHandle, consumer *kgo.Client) error

// BatchHandler is onMessage(list).
type BatchHandler func(ctx context.Context, batch *Batch) error

// BatchConsumerAwareHandler is onMessage(list, consumer).
type BatchConsumerAwareHandler func(ctx context.Context, batch *Batch, consumer *kgo.Client) error

// BatchAcknowledgingHandler is onMessage(list, ack).
type BatchAcknowledgingHandler func(ctx context.Context, batch *Batch, ack AckHandle) error

// BatchAcknowledgingConsumerAwareHandler is onMessage(list, ack, consumer).
type BatchAcknowledgingConsumerAwareHandler func(ctx context.Context, batch *Batch, ack AckHandle, consumer *kgo.Client) error

// FullPollHandler is onMessage(pollResult, ack, consumer): every
// partition's batch from a single poll, handled in one call.
type FullPollHandler func(ctx context.Context, batches []*Batch, ack AckHandle, consumer *kgo.Client) error

// Listener wraps exactly one of the handler function types above along
// with the ListenerType tag identifying which. Construct one with the
// New*Listener functions rather than populating the struct directly.
type Listener struct {
	typ ListenerType

	record           RecordHandler
	recordConsumer   ConsumerAwareRecordHandler
	recordAck        AcknowledgingRecordHandler
	recordAckConsumer AcknowledgingConsumerAwareRecordHandler

	batch           BatchHandler
	batchConsumer   BatchConsumerAwareHandler
	batchAck        BatchAcknowledgingHandler
	batchAckConsumer BatchAcknowledgingConsumerAwareHandler

	fullPoll FullPollHandler
}

// Type reports the listener's capability tag.
func (l *Listener) Type() ListenerType { return l.typ }

// NewRecordListener registers a plain per-record handler.
func NewRecordListener(fn RecordHandler) *Listener {
	return &Listener{typ: TypeSimple, record: fn}
}

// NewConsumerAwareListener registers a per-record handler that also
// receives the raw Kafka client.
func NewConsumerAwareListener(fn ConsumerAwareRecordHandler) *Listener {
	return &Listener{typ: TypeConsumerAware, recordConsumer: fn}
}

// NewAcknowledgingListener registers a per-record handler that controls
// acknowledgement explicitly via an AckHandle.
func NewAcknowledgingListener(fn AcknowledgingRecordHandler) *Listener {
	return &Listener{typ: TypeAcknowledging, recordAck: fn}
}

// NewAcknowledgingConsumerAwareListener combines AckHandle and raw client
// access for a per-record handler.
func NewAcknowledgingConsumerAwareListener(fn AcknowledgingConsumerAwareRecordHandler) *Listener {
	return &Listener{typ: TypeAcknowledgingConsumerAware, recordAckConsumer: fn}
}

// NewBatchListener registers a handler invoked with one partition's worth
// of records per call, split further by MaxPollRecords when Config's
// SubBatchPerPartition is set. It never receives a whole multi-partition
// poll; NewFullPollListener does.
func NewBatchListener(fn BatchHandler) *Listener {
	return &Listener{typ: TypeBatchSimple, batch: fn}
}

// NewBatchConsumerAwareListener is the batch variant of
// NewConsumerAwareListener.
func NewBatchConsumerAwareListener(fn BatchConsumerAwareHandler) *Listener {
	return &Listener{typ: TypeBatchConsumerAware, batchConsumer: fn}
}

// NewBatchAcknowledgingListener is the batch variant of
// NewAcknowledgingListener.
func NewBatchAcknowledgingListener(fn BatchAcknowledgingHandler) *Listener {
	return &Listener{typ: TypeBatchAcknowledging, batchAck: fn}
}

// NewBatchAcknowledgingConsumerAwareListener combines both batch variants.
func NewBatchAcknowledgingConsumerAwareListener(fn BatchAcknowledgingConsumerAwareHandler) *Listener {
	return &Listener{typ: TypeBatchAcknowledgingConsumerAware, batchAckConsumer: fn}
}

// NewFullPollListener registers a handler invoked once per poll with
// every partition's batch, an ack handle, and the raw client.
func NewFullPollListener(fn FullPollHandler) *Listener {
	return &Listener{typ: TypeBatchFullPoll, fullPoll: fn}
}

// RecordInterceptor runs immediately before a record reaches the
// handler. Returning nil causes the record to be acknowledged and
// skipped without invoking the handler at all ("early record
// interceptor", spec.md §4.2).
type RecordInterceptor func(*Record) *Record

// AfterRecordHook runs after a record has been handled, successfully or
// not; err is nil on success.
type AfterRecordHook func(*Record, error)
