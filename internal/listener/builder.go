package listener

import (
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/klistener/klistener/pkg/kafka"
)

// Option configures an optional collaborator on a Container at
// construction time. Every collaborator has an inert default (no event
// sink, no rebalance hook, and so on), so callers only pass the options
// relevant to their listener. This replaces the annotation-driven bean
// wiring excluded from scope (spec.md §1, Design Notes item 1): a
// listener registers explicitly through NewContainer/NewTransactionalContainer
// instead of being discovered.
type Option func(*Container)

// WithEventSink routes lifecycle events (spec.md §6 Events) to sink
// instead of discarding them.
func WithEventSink(sink EventSink) Option {
	return func(c *Container) { c.eventSink = sink }
}

// WithErrorHandler overrides the default error handler, which skips any
// failed record after its first attempt. See SeekToCurrentErrorHandler and
// CommonErrorHandler for the built-in retrying policies.
func WithErrorHandler(h ErrorHandler) Option {
	return func(c *Container) { c.errorHandler = h }
}

// WithRebalanceListener hooks into partition assignment changes
// (spec.md §4.7).
func WithRebalanceListener(l RebalanceListener) Option {
	return func(c *Container) { c.rebalanceListener = l }
}

// WithRecordInterceptor installs the early record interceptor
// (spec.md §4.2) run before a record reaches the listener. Returning nil
// from it acknowledges and skips the record without invoking the handler.
func WithRecordInterceptor(fn RecordInterceptor) Option {
	return func(c *Container) { c.recordInterceptor = fn }
}

// WithAfterRecordHook installs a hook run after every record has been
// handled, successfully or not.
func WithAfterRecordHook(fn AfterRecordHook) Option {
	return func(c *Container) { c.afterRecord = fn }
}

// WithKadmClient supplies the admin client the seek queue uses to batch
// timestamp-based seeks into a single lookup (spec.md §4.6). Without it,
// seekToTimestamp requests are silently dropped when drained.
func WithKadmClient(client *kadm.Client) Option {
	return func(c *Container) { c.seekQ.kadm = client }
}

// WithSeekQueueBuffer overrides the default seek queue buffer size (256).
func WithSeekQueueBuffer(n int) Option {
	return func(c *Container) { c.seekQ.reqs = make(chan seekRequest, n) }
}

// newBase wires up everything common to a transactional and a
// non-transactional container: defaults, bookkeeping maps, and the
// supporting collaborators, leaving only the Kafka client(s) and the
// services.Service lifecycle hookup to the caller.
func newBase(cfg Config, topic, group string, listener *Listener, logger log.Logger, reg prometheus.Registerer, opts ...Option) (*Container, error) {
	if listener == nil {
		return nil, fmt.Errorf("listener: a Listener is required")
	}
	applyConfigDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("listener: invalid config: %w", err)
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	c := &Container{
		cfg:               cfg,
		topic:             topic,
		group:             group,
		listener:          listener,
		logger:            logger,
		metrics:           newMetrics("klistener", "container", reg),
		eventSink:         noopEventSink{},
		errorHandler:      defaultErrorHandler{},
		rebalanceListener: noopRebalanceListener{},
		tracker:           newOutOfOrderTracker(),
		pauseCtl:          newPauseController(),
		idleMon:           newIdleMonitor(cfg.IdleEventInterval, cfg.NonResponsiveThreshold),
		rebalanceCh:       make(chan rebalanceEvent),
	}
	c.seekQ = newSeekQueue(nil, topic, 256)

	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// applyConfigDefaults fills in zero-valued timing fields with the same
// defaults RegisterFlagsAndApplyDefaults would have set on the command
// line, so a Config built programmatically (as in tests) doesn't have to
// repeat them.
func applyConfigDefaults(cfg *Config) {
	if cfg.AckCount == 0 {
		cfg.AckCount = 100
	}
	if cfg.AckTime == 0 {
		cfg.AckTime = 5 * time.Second
	}
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = time.Second
	}
	if cfg.PollTimeoutWhilePaused == 0 {
		cfg.PollTimeoutWhilePaused = 100 * time.Millisecond
	}
	if cfg.MaxPollInterval == 0 {
		cfg.MaxPollInterval = 5 * time.Minute
	}
	if cfg.CommitRetries == 0 {
		cfg.CommitRetries = 3
	}
}

// NewContainer builds a non-transactional Container, or, when
// cfg.Transactional is set, the same Container NewTransactionalContainer
// builds from cfg.TransactionalIDPrefix. kafkaCfg describes
// the broker and topic; cfg controls ack mode and the other container
// behaviors in §6's Container properties. The underlying kgo.Client is
// created here, joined to kafkaCfg.ConsumerGroup, consuming
// kafkaCfg.Topic, with its rebalance callbacks routed onto the
// container's own consumer thread (spec.md §4.7).
func NewContainer(kafkaCfg kafka.Config, cfg Config, listener *Listener, logger log.Logger, reg prometheus.Registerer, opts ...Option) (*Container, error) {
	if cfg.Transactional {
		return NewTransactionalContainer(kafkaCfg, cfg, cfg.TransactionalIDPrefix, listener, logger, reg, opts...)
	}
	c, err := newBase(cfg, kafkaCfg.Topic, kafkaCfg.ConsumerGroup, listener, logger, reg, opts...)
	if err != nil {
		return nil, err
	}

	clientOpts := []kgo.Opt{
		kgo.ConsumerGroup(kafkaCfg.ConsumerGroup),
		kgo.ConsumeTopics(kafkaCfg.Topic),
		kgo.DisableAutoCommit(),
	}
	if cfg.GroupInstanceID != "" {
		clientOpts = append(clientOpts, kgo.InstanceID(cfg.GroupInstanceID))
	}
	clientOpts = append(clientOpts, rebalanceOpts(c.rebalanceCh)...)

	readerMetrics := kafka.NewReaderClientMetrics("klistener_"+kafkaCfg.ConsumerGroup, reg)
	client, err := kafka.NewReaderClient(kafkaCfg, readerMetrics, logger, clientOpts...)
	if err != nil {
		return nil, err
	}
	c.client = client

	c.Service = services.NewBasicService(c.starting, c.running, c.stopping)
	return c, nil
}

// NewTransactionalContainer builds a Container that wraps every
// dispatch in a read-process-write transaction (spec.md §4.9). The
// transactional.id is built from transactionalIDPrefix; callers must
// ensure it is unique per running instance of this container (e.g. by
// suffixing a static group.instance.id) so two instances never fence
// each other under normal operation.
func NewTransactionalContainer(kafkaCfg kafka.Config, cfg Config, transactionalIDPrefix string, listener *Listener, logger log.Logger, reg prometheus.Registerer, opts ...Option) (*Container, error) {
	cfg.Transactional = true
	cfg.TransactionalIDPrefix = transactionalIDPrefix

	c, err := newBase(cfg, kafkaCfg.Topic, kafkaCfg.ConsumerGroup, listener, logger, reg, opts...)
	if err != nil {
		return nil, err
	}

	transactionalID := transactionalIDPrefix
	if cfg.GroupInstanceID != "" {
		transactionalID = transactionalIDPrefix + "-" + cfg.GroupInstanceID
	}

	sessionOpts := rebalanceOpts(c.rebalanceCh)
	if cfg.GroupInstanceID != "" {
		sessionOpts = append(sessionOpts, kgo.InstanceID(cfg.GroupInstanceID))
	}

	producerMetrics := kafka.NewProducerClientMetrics("klistener_"+kafkaCfg.ConsumerGroup, reg)
	session, err := kafka.NewTransactionalGroupSession(kafkaCfg, transactionalID, producerMetrics, logger, sessionOpts...)
	if err != nil {
		return nil, err
	}
	c.txCoord = newTransactionCoordinator(session)

	c.Service = services.NewBasicService(c.starting, c.running, c.stopping)
	return c, nil
}

// Pause requests that tp (or, if tp is the zero value with an empty
// Topic, every currently assigned partition) stop being fetched. The
// request is reconciled on the container's consumer thread at the start
// of the next poll loop iteration (spec.md §4.5).
func (c *Container) Pause(tp TopicPartition) {
	if tp.Topic == "" {
		c.stateMu.Lock()
		tps := make([]TopicPartition, 0, len(c.assigned))
		for a := range c.assigned {
			tps = append(tps, a)
		}
		c.stateMu.Unlock()
		for _, a := range tps {
			c.pauseCtl.Pause(a, pauseSourceUser)
		}
		return
	}
	c.pauseCtl.Pause(tp, pauseSourceUser)
}

// Resume reverses a prior Pause for tp, or for every assigned partition
// if tp is the zero value.
func (c *Container) Resume(tp TopicPartition) {
	if tp.Topic == "" {
		c.stateMu.Lock()
		tps := make([]TopicPartition, 0, len(c.assigned))
		for a := range c.assigned {
			tps = append(tps, a)
		}
		c.stateMu.Unlock()
		for _, a := range tps {
			c.pauseCtl.Resume(a, pauseSourceUser)
		}
		return
	}
	c.pauseCtl.Resume(tp, pauseSourceUser)
}

// Seek enqueues a seek intent for tp, applied on the consumer thread
// before the next poll (spec.md §4.6). It is the ConsumerSeekAware
// callback surface's entry point: safe to call from any goroutine.
func (c *Container) Seek(tp TopicPartition, offset int64) {
	c.seekQ.Enqueue(seekRequest{tp: tp, kind: seekAbsolute, offset: offset})
}

// SeekRelative enqueues a seek of offset positions relative to tp's
// last-delivered position as tracked by the container, clamped so the
// target is never below zero.
func (c *Container) SeekRelative(tp TopicPartition, offset int64) {
	c.seekQ.Enqueue(seekRequest{tp: tp, kind: seekRelative, offset: offset})
}

// SeekToBeginning enqueues a seek to the earliest available offset on tp.
func (c *Container) SeekToBeginning(tp TopicPartition) {
	c.seekQ.Enqueue(seekRequest{tp: tp, kind: seekBeginning})
}

// SeekToEnd enqueues a seek to the latest available offset on tp.
func (c *Container) SeekToEnd(tp TopicPartition) {
	c.seekQ.Enqueue(seekRequest{tp: tp, kind: seekEnd})
}

// SeekToTimestamp enqueues a seek to the first offset on tp whose
// timestamp is at or after ts. Pending timestamp seeks for the exact same
// ts are resolved in a single batched lookup when drained; seeks at
// different timestamps each resolve with their own lookup, so one
// partition's seek is never misresolved against another's timestamp.
func (c *Container) SeekToTimestamp(tp TopicPartition, ts time.Time) {
	c.seekQ.Enqueue(seekRequest{tp: tp, kind: seekTimestamp, timestamp: ts})
}

// SeekFunc enqueues a seek computed from tp's current offset at drain
// time, for callers that need to reposition relative to state only known
// once the consumer thread evaluates it.
func (c *Container) SeekFunc(tp TopicPartition, fn func(tp TopicPartition, currentOffset int64) int64) {
	c.seekQ.Enqueue(seekRequest{tp: tp, kind: seekFunc, fn: fn})
}

// AssignedPartitions returns a snapshot of the partitions currently
// assigned to this container.
func (c *Container) AssignedPartitions() []TopicPartition {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	out := make([]TopicPartition, 0, len(c.assigned))
	for tp := range c.assigned {
		out = append(out, tp)
	}
	return out
}
