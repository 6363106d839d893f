package listener

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/services"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"go.uber.org/atomic"

	"github.com/klistener/klistener/pkg/kafka"
)

const deliveryAttemptHeaderKey = "klistener-delivery-attempt"

// Container is the single-consumer message listener runtime: it owns a
// Kafka client, drives PollFetches in a loop, and dispatches every record
// or batch it reads to a single registered Listener, committing offsets
// according to the configured AckMode. It implements services.Service so
// it can be started and stopped like any other dskit-managed component.
type Container struct {
	services.Service

	cfg   Config
	topic string
	group string

	client   *kgo.Client
	listener *Listener
	logger   log.Logger
	metrics  *metrics

	eventSink         EventSink
	errorHandler      ErrorHandler
	rebalanceListener RebalanceListener
	recordInterceptor RecordInterceptor
	afterRecord       AfterRecordHook

	txCoord *transactionCoordinator

	tracker  *outOfOrderTracker
	pauseCtl *pauseController
	seekQ    *seekQueue
	idleMon  *idleMonitor

	rebalanceCh chan rebalanceEvent

	stateMu            sync.Mutex
	assigned           map[TopicPartition]struct{}
	lastOffset         map[TopicPartition]int64
	attempts           map[TopicPartition]map[int64]int
	nackResumes        []nackResume
	pendingCommit      map[TopicPartition]OffsetAndMetadata
	recordsSinceCommit int
	lastCommitAt       time.Time

	inDispatch    atomic.Bool
	stopRequested atomic.Bool
}

// nackResume records a partition paused by a Nack, due to be resumed and
// seeked back to the nacked offset once its sleep elapses.
type nackResume struct {
	tp         TopicPartition
	resumeAt   time.Time
	seekOffset int64
}

func (c *Container) starting(ctx context.Context) error {
	level.Info(c.logger).Log("msg", "listener container starting", "topic", c.topic, "group", c.group)

	boff := backoff.New(ctx, backoff.Config{
		MinBackoff: 100 * time.Millisecond,
		MaxBackoff: 10 * time.Second,
		MaxRetries: 10,
	})
	for boff.Ongoing() {
		if err := c.kgoClient().Ping(ctx); err == nil {
			break
		} else {
			level.Warn(c.logger).Log("msg", "ping kafka; will retry", "err", err)
		}
		boff.Wait()
	}
	if err := boff.ErrCause(); err != nil {
		return fmt.Errorf("listener: failed to ping kafka: %w", err)
	}

	c.assigned = make(map[TopicPartition]struct{})
	c.lastOffset = make(map[TopicPartition]int64)
	c.attempts = make(map[TopicPartition]map[int64]int)
	c.pendingCommit = make(map[TopicPartition]OffsetAndMetadata)
	c.lastCommitAt = time.Now()

	go c.runIdleMonitor(ctx)

	c.eventSink.OnEvent(Event{Type: EventContainerStarted, Time: time.Now()})
	return nil
}

// runIdleMonitor evaluates the idle/liveness monitor on its own ticker,
// external to the poll loop (spec.md §2 component 6, §5), so a poll loop
// truly stuck inside PollFetches still gets its idle/non-responsive checks
// run. ctx is the same context dskit passes to starting and running, so
// this goroutine winds down on its own once the service begins stopping.
func (c *Container) runIdleMonitor(ctx context.Context) {
	interval := c.cfg.MonitorInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.checkIdle(now)
		}
	}
}

func (c *Container) running(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if c.stopRequested.Load() {
			level.Info(c.logger).Log("msg", "stopping: error handler requested container shutdown")
			return nil
		}
		if err := c.runOnce(ctx); err != nil {
			return err
		}
	}
}

func (c *Container) stopping(_ error) error {
	level.Info(c.logger).Log("msg", "listener container stopping")
	c.eventSink.OnEvent(Event{Type: EventStopping, Time: time.Now()})

	ctx := context.Background()
	if c.cfg.ShutdownGrace > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.ShutdownGrace)
		defer cancel()
	}

	c.flushCommit(ctx)

	if c.cfg.GroupInstanceID != "" {
		if err := kafka.LeaveConsumerGroupByInstanceID(ctx, c.kgoClient(), c.group, c.cfg.GroupInstanceID, c.logger); err != nil {
			level.Warn(c.logger).Log("msg", "leave consumer group failed", "err", err)
		}
	}

	if c.txCoord != nil {
		c.txCoord.session.Close()
	} else {
		c.client.Close()
	}

	c.eventSink.OnEvent(Event{Type: EventContainerStopped, Time: time.Now()})
	return nil
}

// kgoClient returns the underlying franz-go client regardless of whether
// the container is running a plain consumer or a transactional group
// session, since pause/resume/seek/commit all operate on *kgo.Client.
func (c *Container) kgoClient() *kgo.Client {
	if c.txCoord != nil {
		return c.txCoord.session.Client()
	}
	return c.client
}

// runOnce drives a single iteration of the poll loop: it reconciles
// rebalance, pause, nack-resume, and seek state, polls for records,
// dispatches whatever comes back, and commits or ends a transaction
// according to the configured ack mode.
func (c *Container) runOnce(ctx context.Context) error {
	c.processRebalanceEvents(ctx)
	c.reconcileNackResumes()
	c.reconcilePause()
	c.drainSeeks(ctx)

	timeout := c.cfg.PollTimeout
	if c.allAssignedPaused() {
		timeout = c.cfg.PollTimeoutWhilePaused
	}
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	var fetches kgo.Fetches
	if c.txCoord != nil {
		fetches = c.txCoord.session.PollFetches(pollCtx)
	} else {
		fetches = c.client.PollFetches(pollCtx)
	}
	cancel()

	now := time.Now()
	c.idleMon.PollCompleted(now)
	c.handleFetchErrors(fetches)

	if fetches.Empty() {
		if c.cfg.IdleBetweenPolls > 0 {
			select {
			case <-time.After(c.cfg.IdleBetweenPolls):
			case <-ctx.Done():
			}
		}
		return nil
	}

	if c.txCoord != nil {
		if err := c.txCoord.Begin(); err != nil {
			return fmt.Errorf("listener: begin transaction: %w", err)
		}
	}

	success := c.dispatch(ctx, fetches)

	if c.txCoord != nil {
		committed, err := c.txCoord.End(ctx, success)
		if err != nil {
			if errors.Is(err, ErrProducerFenced) {
				c.eventSink.OnEvent(Event{Type: EventRetryFailed, Time: time.Now(), Err: err})
				if c.cfg.StopContainerWhenFenced {
					return err
				}
				return nil
			}
			return fmt.Errorf("listener: end transaction: %w", err)
		}
		if !committed {
			level.Warn(c.logger).Log("msg", "transaction aborted")
		}
	} else {
		c.commitIfDue(ctx, now)
		c.fixOffsetsIfNeeded(ctx)
	}

	return nil
}

// dispatch delivers one poll's records to the listener according to its
// capability type, and reports whether every record/batch in the poll was
// handled without an outcome other than retry-exhausted-as-skip (used to
// decide whether a transaction commits or aborts).
func (c *Container) dispatch(ctx context.Context, fetches kgo.Fetches) bool {
	if c.listener.Type() == TypeBatchFullPoll {
		return c.dispatchFullPoll(ctx, fetches)
	}

	success := true
	fetches.EachPartition(func(p kgo.FetchTopicPartition) {
		if c.stopRequested.Load() {
			return
		}
		tp := TopicPartition{Topic: p.Topic, Partition: p.Partition}
		if c.pauseCtl.IsPaused(tp) || len(p.Records) == 0 {
			return
		}

		var ok bool
		if c.listener.Type().IsBatch() {
			ok = c.dispatchBatch(ctx, tp, p.Records)
		} else {
			ok = c.dispatchRecords(ctx, tp, p.Records)
		}
		if !ok {
			success = false
		}
	})
	return success
}

func (c *Container) dispatchRecords(ctx context.Context, tp TopicPartition, krs []*kgo.Record) bool {
	ok := true
	for _, kr := range krs {
		if c.stopRequested.Load() {
			return ok
		}
		if c.cfg.PauseImmediate && c.pauseCtl.IsPauseRequested(tp) {
			c.seekQ.Enqueue(seekRequest{tp: tp, kind: seekAbsolute, offset: kr.Offset})
			return ok
		}

		attempt := c.attemptFor(tp, kr.Offset)
		if c.cfg.DeliveryAttemptHeader {
			kr.Headers = append(kr.Headers, deliveryAttemptHeader(attempt))
		}
		rec := newRecord(kr, attempt)

		if c.recordInterceptor != nil {
			rec = c.recordInterceptor(rec)
			if rec == nil {
				c.tracker.Track(tp, kr.Offset)
				c.ackOffset(tp, kr.Offset)
				continue
			}
		}

		c.tracker.Track(tp, kr.Offset)
		c.setLastOffset(tp, kr.NextOffset())

		ackH := newAckHandle(c, tp, []int64{kr.Offset})
		start := time.Now()
		var handlerErr error

		c.inDispatch.Store(true)
		switch c.listener.Type() {
		case TypeSimple:
			handlerErr = c.listener.record(ctx, rec)
		case TypeConsumerAware:
			handlerErr = c.listener.recordConsumer(ctx, rec, c.kgoClient())
		case TypeAcknowledging:
			handlerErr = c.listener.recordAck(ctx, rec, ackH)
		case TypeAcknowledgingConsumerAware:
			handlerErr = c.listener.recordAckConsumer(ctx, rec, ackH, c.kgoClient())
		}
		c.inDispatch.Store(false)

		partLabel := strconv.Itoa(int(tp.Partition))
		c.metrics.handlerDuration.WithLabelValues(tp.Topic, partLabel).Observe(time.Since(start).Seconds())
		if c.afterRecord != nil {
			c.afterRecord(rec, handlerErr)
		}

		if handlerErr != nil {
			c.metrics.recordsFailedTotal.WithLabelValues(tp.Topic, partLabel).Inc()
			outcome := c.handleFailure(ctx, tp, Failure{
				Class:   classifyFailure(handlerErr),
				Err:     handlerErr,
				Record:  rec,
				Attempt: attempt,
			})
			switch outcome {
			case OutcomeRetry:
				c.scheduleRetry(tp, kr.Offset, 0)
				ok = false
				if c.cfg.StopImmediate {
					return ok
				}
				continue
			case OutcomeSeekAndStop:
				c.scheduleRetry(tp, kr.Offset, 0)
				c.requestStop()
				return false
			case OutcomeSkip:
				c.ackOffset(tp, kr.Offset)
			}
			continue
		}

		c.metrics.recordsConsumedTotal.WithLabelValues(tp.Topic, partLabel).Inc()
		c.noteDelivered(tp)

		if ackH.nackRequested {
			// A nack means this record must NOT be treated as handled:
			// skip the automatic ack entirely so the commit offset never
			// advances past it, then pause and schedule the redelivery.
			c.onNack(tp, kr.Offset, ackH.nackSleep)
			return ok
		}
		if !c.cfg.AckMode.isManual() {
			c.ackOffset(tp, kr.Offset)
		}
	}
	return ok
}

func (c *Container) dispatchBatch(ctx context.Context, tp TopicPartition, krs []*kgo.Record) bool {
	chunks := [][]*kgo.Record{krs}
	if c.cfg.SubBatchPerPartition && c.cfg.MaxPollRecords > 0 {
		chunks = chunkRecords(krs, c.cfg.MaxPollRecords)
	}

	ok := true
	for _, chunk := range chunks {
		if c.stopRequested.Load() {
			return ok
		}
		if c.cfg.PauseImmediate && c.pauseCtl.IsPauseRequested(tp) {
			c.seekQ.Enqueue(seekRequest{tp: tp, kind: seekAbsolute, offset: chunk[0].Offset})
			return ok
		}
		if !c.dispatchOneBatch(ctx, tp, chunk) {
			ok = false
			if c.cfg.StopImmediate {
				return ok
			}
		}
	}
	return ok
}

func chunkRecords(krs []*kgo.Record, size int) [][]*kgo.Record {
	var chunks [][]*kgo.Record
	for len(krs) > 0 {
		n := size
		if n > len(krs) {
			n = len(krs)
		}
		chunks = append(chunks, krs[:n])
		krs = krs[n:]
	}
	return chunks
}

func (c *Container) dispatchOneBatch(ctx context.Context, tp TopicPartition, krs []*kgo.Record) bool {
	if len(krs) == 0 {
		return true
	}

	records := make([]*Record, len(krs))
	offsets := make([]int64, len(krs))
	for i, kr := range krs {
		attempt := c.attemptFor(tp, kr.Offset)
		if c.cfg.DeliveryAttemptHeader {
			kr.Headers = append(kr.Headers, deliveryAttemptHeader(attempt))
		}
		records[i] = newRecord(kr, attempt)
		offsets[i] = kr.Offset
		c.tracker.Track(tp, kr.Offset)
	}
	c.setLastOffset(tp, krs[len(krs)-1].NextOffset())

	batch := &Batch{TopicPartition: tp, Records: records}
	ackH := newAckHandle(c, tp, offsets)
	partLabel := strconv.Itoa(int(tp.Partition))

	start := time.Now()
	var handlerErr error
	c.inDispatch.Store(true)
	switch c.listener.Type() {
	case TypeBatchSimple:
		handlerErr = c.listener.batch(ctx, batch)
	case TypeBatchConsumerAware:
		handlerErr = c.listener.batchConsumer(ctx, batch, c.kgoClient())
	case TypeBatchAcknowledging:
		handlerErr = c.listener.batchAck(ctx, batch, ackH)
	case TypeBatchAcknowledgingConsumerAware:
		handlerErr = c.listener.batchAckConsumer(ctx, batch, ackH, c.kgoClient())
	}
	c.inDispatch.Store(false)
	c.metrics.handlerDuration.WithLabelValues(tp.Topic, partLabel).Observe(time.Since(start).Seconds())

	if handlerErr != nil {
		c.metrics.recordsFailedTotal.WithLabelValues(tp.Topic, partLabel).Add(float64(len(records)))
		outcome := c.handleFailure(ctx, tp, Failure{
			Class:   classifyFailure(handlerErr),
			Err:     handlerErr,
			Batch:   batch,
			Attempt: records[0].DeliveryAttempt,
		})
		switch outcome {
		case OutcomeRetry:
			c.scheduleRetry(tp, offsets[0], 0)
		case OutcomeSeekAndStop:
			c.scheduleRetry(tp, offsets[0], 0)
			c.requestStop()
		case OutcomeSkip:
			for _, off := range offsets {
				c.ackOffset(tp, off)
			}
			return true
		}
		return false
	}

	c.metrics.recordsConsumedTotal.WithLabelValues(tp.Topic, partLabel).Add(float64(len(records)))
	c.noteDelivered(tp)

	if ackH.nackRequested {
		// Only the prefix before the nacked record was actually handled;
		// auto-ack that much and leave the rest for redelivery.
		if !c.cfg.AckMode.isManual() {
			for _, off := range offsets[:ackH.nackFromIndex] {
				c.ackOffset(tp, off)
			}
		}
		c.onNack(tp, offsets[ackH.nackFromIndex], ackH.nackSleep)
		return false
	}
	if !c.cfg.AckMode.isManual() {
		for _, off := range offsets {
			c.ackOffset(tp, off)
		}
	}
	return true
}

func (c *Container) dispatchFullPoll(ctx context.Context, fetches kgo.Fetches) bool {
	var (
		batches []*Batch
		offsets []int64
		tps     []TopicPartition
	)
	fetches.EachPartition(func(p kgo.FetchTopicPartition) {
		tp := TopicPartition{Topic: p.Topic, Partition: p.Partition}
		if c.pauseCtl.IsPaused(tp) || len(p.Records) == 0 {
			return
		}
		records := make([]*Record, len(p.Records))
		for i, kr := range p.Records {
			attempt := c.attemptFor(tp, kr.Offset)
			if c.cfg.DeliveryAttemptHeader {
				kr.Headers = append(kr.Headers, deliveryAttemptHeader(attempt))
			}
			records[i] = newRecord(kr, attempt)
			offsets = append(offsets, kr.Offset)
			tps = append(tps, tp)
			c.tracker.Track(tp, kr.Offset)
		}
		c.setLastOffset(tp, p.Records[len(p.Records)-1].NextOffset())
		batches = append(batches, &Batch{TopicPartition: tp, Records: records})
	})
	if len(batches) == 0 {
		return true
	}

	ackH := newFullPollAckHandle(c, tps, offsets)

	start := time.Now()
	c.inDispatch.Store(true)
	err := c.listener.fullPoll(ctx, batches, ackH, c.kgoClient())
	c.inDispatch.Store(false)
	c.metrics.handlerDuration.WithLabelValues("*", "*").Observe(time.Since(start).Seconds())

	if err != nil {
		outcome := c.handleFailure(ctx, tps[0], Failure{
			Class:   classifyFailure(err),
			Err:     err,
			Batch:   batches[0],
			Attempt: 1,
		})
		switch outcome {
		case OutcomeRetry:
			for i, tp := range tps {
				c.scheduleRetry(tp, offsets[i], 0)
			}
		case OutcomeSeekAndStop:
			for i, tp := range tps {
				c.scheduleRetry(tp, offsets[i], 0)
			}
			c.requestStop()
		case OutcomeSkip:
			ackH.Acknowledge()
			return true
		}
		return false
	}

	for _, tp := range tps {
		c.noteDelivered(tp)
	}

	if ackH.nackRequested {
		i := ackH.nackFromIndex
		if !c.cfg.AckMode.isManual() {
			for j := 0; j < i; j++ {
				c.ackOffset(tps[j], offsets[j])
			}
		}
		c.onNack(tps[i], offsets[i], ackH.nackSleep)
		return false
	}
	if !c.cfg.AckMode.isManual() {
		ackH.Acknowledge()
	}
	return true
}

// classifyFailure lets an error self-classify by implementing
// FailureClass() FailureClass; anything else defaults to transient so the
// default error handler's retry policy applies.
type failureClassifier interface {
	FailureClass() FailureClass
}

func classifyFailure(err error) FailureClass {
	var fc failureClassifier
	if errors.As(err, &fc) {
		return fc.FailureClass()
	}
	return FailureTransient
}

func (c *Container) handleFailure(ctx context.Context, tp TopicPartition, failure Failure) HandlerOutcome {
	outcome := c.errorHandler.HandleError(ctx, failure)
	if outcome != OutcomeRetry {
		c.metrics.retriesExhaustedTotal.WithLabelValues(tp.Topic, strconv.Itoa(int(tp.Partition))).Inc()
		c.eventSink.OnEvent(Event{Type: EventRetryFailed, Time: time.Now(), TopicPartitions: []TopicPartition{tp}, Err: failure.Err})
	}
	return outcome
}

// ackOffset acknowledges offset on tp the way the container's own
// auto-ack behavior does, sharing the exact commit bookkeeping an
// AckHandle uses so manual and automatic acknowledgement can never
// diverge.
func (c *Container) ackOffset(tp TopicPartition, offset int64) {
	commitLevel, advanced := c.tracker.Ack(tp, offset)
	c.handleAck(tp, commitLevel, advanced)
}

// handleAck is called by every ackHandle variant after successfully
// advancing a partition's commit level, and decides whether the new
// level should be committed immediately based on the configured AckMode.
func (c *Container) handleAck(tp TopicPartition, commitLevel int64, advanced bool) {
	if !advanced {
		return
	}
	c.clearAttemptsUpTo(tp, commitLevel)

	c.stateMu.Lock()
	c.pendingCommit[tp] = OffsetAndMetadata{Offset: commitLevel}
	c.recordsSinceCommit++
	n := c.recordsSinceCommit
	c.stateMu.Unlock()

	switch c.cfg.AckMode {
	case AckModeRecord, AckModeManualImmediate:
		c.flushCommit(context.Background())
	case AckModeCount, AckModeCountTime:
		if n >= c.cfg.AckCount {
			c.flushCommit(context.Background())
		}
	}
}

func (c *Container) onConsumerThread() bool {
	return c.inDispatch.Load()
}

// scheduleRetry arranges for offset to be redelivered: immediately (via a
// seek enqueued for the next loop iteration) when sleep is zero, or after
// pausing the partition for sleep when it isn't.
func (c *Container) scheduleRetry(tp TopicPartition, offset int64, sleep time.Duration) {
	c.bumpAttempt(tp, offset)
	if sleep <= 0 {
		c.seekQ.Enqueue(seekRequest{tp: tp, kind: seekAbsolute, offset: offset})
		return
	}
	c.pauseForNack(tp, offset, sleep)
}

// onNack is the AckHandle.Nack/NackIndex continuation: it pauses the
// partition and schedules a seek-back once the sleep elapses.
func (c *Container) onNack(tp TopicPartition, offset int64, sleep time.Duration) {
	c.bumpAttempt(tp, offset)
	c.pauseForNack(tp, offset, sleep)
}

func (c *Container) pauseForNack(tp TopicPartition, offset int64, sleep time.Duration) {
	c.pauseCtl.Pause(tp, pauseSourceNackSleep)
	c.stateMu.Lock()
	c.nackResumes = append(c.nackResumes, nackResume{tp: tp, resumeAt: time.Now().Add(sleep), seekOffset: offset})
	c.stateMu.Unlock()
}

func (c *Container) reconcileNackResumes() {
	now := time.Now()

	c.stateMu.Lock()
	var remaining, due []nackResume
	for _, nr := range c.nackResumes {
		if now.Before(nr.resumeAt) {
			remaining = append(remaining, nr)
			continue
		}
		due = append(due, nr)
	}
	c.nackResumes = remaining
	c.stateMu.Unlock()

	for _, nr := range due {
		c.pauseCtl.Resume(nr.tp, pauseSourceNackSleep)
		c.seekQ.Enqueue(seekRequest{tp: nr.tp, kind: seekAbsolute, offset: nr.seekOffset})
	}
}

func (c *Container) reconcilePause() {
	newlyPaused, newlyResumed := c.pauseCtl.Reconcile(c.kgoClient(), c.topic)
	if len(newlyPaused) > 0 {
		c.eventSink.OnEvent(Event{Type: EventPartitionPaused, Time: time.Now(), TopicPartitions: newlyPaused})
	}
	if len(newlyResumed) > 0 {
		c.eventSink.OnEvent(Event{Type: EventPartitionResumed, Time: time.Now(), TopicPartitions: newlyResumed})
	}
	c.metrics.pausedPartitions.Set(float64(c.pauseCtl.Count()))
}

func (c *Container) drainSeeks(ctx context.Context) {
	c.stateMu.Lock()
	assigned := make(map[TopicPartition]struct{}, len(c.assigned))
	for tp := range c.assigned {
		assigned[tp] = struct{}{}
	}
	c.stateMu.Unlock()

	drained, err := c.seekQ.Drain(ctx, c.kgoClient(), assigned, c.currentOffset, c.dropSeek)
	if err != nil {
		level.Warn(c.logger).Log("msg", "seek drain failed", "err", err)
		return
	}
	for _, tp := range drained {
		c.tracker.Reset(tp)
	}
}

func (c *Container) currentOffset(tp TopicPartition) int64 {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.lastOffset[tp]
}

func (c *Container) dropSeek(tp TopicPartition) {
	level.Warn(c.logger).Log("msg", "dropping seek for unassigned partition", "partition", tp.String())
}

func (c *Container) handleFetchErrors(fetches kgo.Fetches) {
	fetches.EachError(func(topic string, partition int32, err error) {
		retriable := kafka.HandleKafkaError(err, nil)
		level.Warn(c.logger).Log("msg", "fetch error", "topic", topic, "partition", partition, "err", err, "retriable", retriable)
		if !retriable {
			c.errorHandler.HandleError(context.Background(), Failure{Class: FailureFatal, Err: err})
		}
	})
}

func (c *Container) allAssignedPaused() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if len(c.assigned) == 0 {
		return false
	}
	for tp := range c.assigned {
		if !c.pauseCtl.IsPaused(tp) {
			return false
		}
	}
	return true
}

func (c *Container) checkIdle(now time.Time) {
	for _, ev := range c.idleMon.Check(now) {
		c.eventSink.OnEvent(Event{Type: ev, Time: now})
	}
}

func (c *Container) noteDelivered(tp TopicPartition) {
	if c.idleMon.RecordDelivered(time.Now()) {
		c.eventSink.OnEvent(Event{Type: EventNoLongerIdle, Time: time.Now(), TopicPartitions: []TopicPartition{tp}})
	}
}

func (c *Container) setLastOffset(tp TopicPartition, next int64) {
	c.stateMu.Lock()
	c.lastOffset[tp] = next
	c.stateMu.Unlock()
}

func (c *Container) requestStop() {
	c.stopRequested.Store(true)
}

func (c *Container) attemptFor(tp TopicPartition, offset int64) int {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if m := c.attempts[tp]; m != nil {
		if a, ok := m[offset]; ok {
			return a
		}
	}
	return 1
}

func (c *Container) bumpAttempt(tp TopicPartition, offset int64) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.attempts[tp] == nil {
		c.attempts[tp] = make(map[int64]int)
	}
	next := c.attempts[tp][offset] + 1
	if next < 2 {
		next = 2
	}
	c.attempts[tp][offset] = next
}

func (c *Container) clearAttemptsUpTo(tp TopicPartition, upTo int64) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	for off := range c.attempts[tp] {
		if off < upTo {
			delete(c.attempts[tp], off)
		}
	}
}

func deliveryAttemptHeader(attempt int) kgo.RecordHeader {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(attempt))
	return kgo.RecordHeader{Key: deliveryAttemptHeaderKey, Value: buf}
}

// commitIfDue commits the currently staged offsets when the configured
// AckMode calls for it: every poll for AckModeBatch and AckModeManual
// (whose offsets are staged only by the listener's own acks), or once the
// configured interval has elapsed for the time-based modes. AckModeRecord
// and AckModeManualImmediate commit synchronously from handleAck and have
// nothing left to do here.
func (c *Container) commitIfDue(ctx context.Context, now time.Time) {
	switch c.cfg.AckMode {
	case AckModeBatch, AckModeManual:
		c.flushCommit(ctx)
	case AckModeTime, AckModeCountTime:
		c.stateMu.Lock()
		due := now.Sub(c.lastCommitAt) >= c.cfg.AckTime
		c.stateMu.Unlock()
		if due {
			c.flushCommit(ctx)
		}
	}
}

// fixOffsetsIfNeeded, when FixTxOffsets is set, stages the out-of-order
// tracker's commit level for every assigned partition that has one and
// whose staged offset is missing or lower, then flushes. A partition whose
// level was already committed is therefore committed again. It is only
// called for non-transactional containers, where
// GroupTransactSession.End does not commit offsets on its own.
func (c *Container) fixOffsetsIfNeeded(ctx context.Context) {
	if !c.cfg.FixTxOffsets {
		return
	}

	c.stateMu.Lock()
	assigned := make([]TopicPartition, 0, len(c.assigned))
	for tp := range c.assigned {
		assigned = append(assigned, tp)
	}
	c.stateMu.Unlock()

	for _, tp := range assigned {
		level, ok := c.tracker.CommitLevel(tp)
		if !ok {
			continue
		}
		c.stateMu.Lock()
		current, staged := c.pendingCommit[tp]
		if !staged || current.Offset < level {
			c.pendingCommit[tp] = OffsetAndMetadata{Offset: level}
		}
		c.stateMu.Unlock()
	}
	c.flushCommit(ctx)
}

func (c *Container) flushCommit(ctx context.Context) {
	c.stateMu.Lock()
	if len(c.pendingCommit) == 0 {
		c.stateMu.Unlock()
		return
	}
	commits := c.pendingCommit
	c.pendingCommit = make(map[TopicPartition]OffsetAndMetadata)
	c.recordsSinceCommit = 0
	c.lastCommitAt = time.Now()
	c.stateMu.Unlock()

	var err error
	for attempt := 0; attempt <= c.cfg.CommitRetries; attempt++ {
		err = c.commitOffsets(ctx, commits)
		if err == nil {
			break
		}
		level.Warn(c.logger).Log("msg", "commit failed, retrying", "attempt", attempt, "err", err)
	}

	for tp := range commits {
		partLabel := strconv.Itoa(int(tp.Partition))
		c.metrics.commitsTotal.WithLabelValues(tp.Topic, partLabel).Inc()
		if err != nil {
			c.metrics.commitFailuresTotal.WithLabelValues(tp.Topic, partLabel).Inc()
		}
	}
	if err != nil {
		c.errorHandler.HandleError(ctx, Failure{Class: FailureCommit, Err: err})
	}
}

// commitOffsets sends a raw OffsetCommitRequest rather than using kgo's
// CommitOffsets convenience method, since the container stores its commit
// timestamp in each partition's commit metadata (marshalCommitMeta), and
// EpochOffset has no room for it.
func (c *Container) commitOffsets(ctx context.Context, commits map[TopicPartition]OffsetAndMetadata) error {
	if len(commits) == 0 {
		return nil
	}

	meta := marshalCommitMeta(time.Now().UnixMilli())
	byTopic := make(map[string][]kmsg.OffsetCommitRequestTopicPartition)
	for tp, om := range commits {
		part := kmsg.NewOffsetCommitRequestTopicPartition()
		part.Partition = tp.Partition
		part.Offset = om.Offset
		part.LeaderEpoch = -1
		m := meta
		part.Metadata = &m
		byTopic[tp.Topic] = append(byTopic[tp.Topic], part)
	}

	req := kmsg.NewOffsetCommitRequest()
	req.Group = c.group
	for topic, parts := range byTopic {
		t := kmsg.NewOffsetCommitRequestTopic()
		t.Topic = topic
		t.Partitions = parts
		req.Topics = append(req.Topics, t)
	}

	resp, err := req.RequestWith(ctx, c.kgoClient())
	if err != nil {
		return fmt.Errorf("listener: commit offsets request: %w", err)
	}
	for _, topic := range resp.Topics {
		for _, part := range topic.Partitions {
			if err := kerr.ErrorForCode(part.ErrorCode); err != nil {
				return fmt.Errorf("listener: commit offsets response for %s-%d: %w", topic.Topic, part.Partition, err)
			}
		}
	}
	return nil
}

func (c *Container) processRebalanceEvents(ctx context.Context) {
	for {
		select {
		case ev := <-c.rebalanceCh:
			c.handleRebalanceEvent(ctx, ev)
		default:
			return
		}
	}
}

func (c *Container) handleRebalanceEvent(ctx context.Context, ev rebalanceEvent) {
	defer close(ev.done)

	switch ev.kind {
	case rebalanceAssigned:
		c.stateMu.Lock()
		for topic, parts := range ev.assign {
			for _, p := range parts {
				c.assigned[TopicPartition{Topic: topic, Partition: p}] = struct{}{}
			}
		}
		c.stateMu.Unlock()
		c.rebalanceListener.AfterAssigned(ctx, ev.assign)
		c.publishRebalance(EventPartitionsAssigned, "assigned", ev.assign)

	case rebalanceRevoked:
		c.commitBeforeRevoke(ctx, ev.assign)
		c.rebalanceListener.BeforeRevoked(ctx, ev.assign)
		c.forgetPartitions(ev.assign)
		c.publishRebalance(EventPartitionsRevoked, "revoked", ev.assign)

	case rebalanceLost:
		c.rebalanceListener.OnLost(ctx, ev.assign)
		c.forgetPartitions(ev.assign)
		c.publishRebalance(EventPartitionsLost, "lost", ev.assign)
	}
}

func (c *Container) publishRebalance(evType EventType, kindLabel string, assign map[string][]int32) {
	c.eventSink.OnEvent(Event{Type: evType, Time: time.Now(), TopicPartitions: tpsFromAssign(assign)})
	c.metrics.rebalancesTotal.WithLabelValues(kindLabel).Inc()
	c.stateMu.Lock()
	n := len(c.assigned)
	c.stateMu.Unlock()
	c.metrics.assignedPartitions.Set(float64(n))
}

// commitBeforeRevoke flushes any offsets staged for the partitions about
// to be revoked, so a rebalance never acknowledges a revoke before the
// container's own commit of records it already handled. No-op for
// transactional containers: GroupTransactSession aborts in-flight
// transactions across a revoke on its own.
func (c *Container) commitBeforeRevoke(ctx context.Context, assign map[string][]int32) {
	if c.txCoord != nil {
		return
	}
	commits := make(map[TopicPartition]OffsetAndMetadata)
	c.stateMu.Lock()
	for topic, parts := range assign {
		for _, p := range parts {
			tp := TopicPartition{Topic: topic, Partition: p}
			if om, ok := c.pendingCommit[tp]; ok {
				commits[tp] = om
				delete(c.pendingCommit, tp)
			}
		}
	}
	c.stateMu.Unlock()
	if err := c.commitOffsets(ctx, commits); err != nil {
		level.Warn(c.logger).Log("msg", "commit before revoke failed", "err", err)
	}
}

func (c *Container) forgetPartitions(assign map[string][]int32) {
	c.stateMu.Lock()
	for topic, parts := range assign {
		for _, p := range parts {
			tp := TopicPartition{Topic: topic, Partition: p}
			delete(c.assigned, tp)
			delete(c.lastOffset, tp)
			delete(c.attempts, tp)
			delete(c.pendingCommit, tp)
		}
	}
	c.stateMu.Unlock()

	for topic, parts := range assign {
		for _, p := range parts {
			tp := TopicPartition{Topic: topic, Partition: p}
			c.tracker.Reset(tp)
			c.pauseCtl.ResumeAll(tp)
		}
	}
}

func tpsFromAssign(assign map[string][]int32) []TopicPartition {
	var tps []TopicPartition
	for topic, parts := range assign {
		for _, p := range parts {
			tps = append(tps, TopicPartition{Topic: topic, Partition: p})
		}
	}
	return tps
}
