package listener

import (
	"context"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

// seekKind distinguishes the ways a partition's next-fetch position can
// be changed.
type seekKind int

const (
	seekAbsolute seekKind = iota
	seekRelative
	seekBeginning
	seekEnd
	seekTimestamp
	seekFunc
)

// seekRequest describes one pending seek, queued from anywhere (handler
// code, error handler, external caller) and drained by the consumer
// thread once per loop iteration.
type seekRequest struct {
	tp        TopicPartition
	kind      seekKind
	offset    int64
	timestamp time.Time
	fn        func(tp TopicPartition, currentOffset int64) int64
}

// seekQueue buffers seek requests so callers never block on the consumer
// thread, and batches timestamp-based seeks sharing the exact same
// timestamp into one admin lookup rather than one round trip per
// partition; seeks at different timestamps each resolve with their own
// lookup.
type seekQueue struct {
	reqs   chan seekRequest
	kadm   *kadm.Client
	topic  string
}

func newSeekQueue(kadmClient *kadm.Client, topic string, bufSize int) *seekQueue {
	return &seekQueue{
		reqs:  make(chan seekRequest, bufSize),
		kadm:  kadmClient,
		topic: topic,
	}
}

// Enqueue queues a seek request. It never blocks once the queue's buffer
// has room; if the buffer is full the caller's enqueue blocks, matching
// the pending-offsets/backpressure behavior of every other queue in the
// container.
func (q *seekQueue) Enqueue(req seekRequest) {
	q.reqs <- req
}

// Drain applies every currently queued seek request to client, issuing
// one ListOffsetsAfterMilli call per distinct timestamp among the drained
// set's timestamp-based seeks (partitions requesting the same timestamp
// share a call; partitions requesting different timestamps do not).
// Seeks for a partition not in assigned are logged (via dropped) and
// skipped.
// currentOffset resolves the last-delivered offset for a partition, used
// to clamp relative seeks at zero and to evaluate seekFunc. It returns
// the set of partitions a seek was actually applied to, so the caller can
// reset any per-partition bookkeeping (the out-of-order tracker) that a
// seek invalidates.
func (q *seekQueue) Drain(ctx context.Context, client *kgo.Client, assigned map[TopicPartition]struct{}, currentOffset func(TopicPartition) int64, dropped func(TopicPartition)) ([]TopicPartition, error) {
	var pending []seekRequest
	for {
		select {
		case req := <-q.reqs:
			pending = append(pending, req)
		default:
			goto drained
		}
	}
drained:
	if len(pending) == 0 {
		return nil, nil
	}

	kept := pending[:0]
	for _, req := range pending {
		if _, ok := assigned[req.tp]; !ok {
			if dropped != nil {
				dropped(req.tp)
			}
			continue
		}
		kept = append(kept, req)
	}
	pending = kept
	if len(pending) == 0 {
		return nil, nil
	}

	// Group by the exact millisecond timestamp requested: partitions that
	// asked for the same instant share one ListOffsetsAfterMilli call, but
	// each distinct timestamp gets its own call so a partition is never
	// resolved against another partition's requested timestamp.
	byTimestamp := make(map[int64][]int32)
	for _, req := range pending {
		if req.kind == seekTimestamp {
			ms := req.timestamp.UnixMilli()
			byTimestamp[ms] = append(byTimestamp[ms], req.tp.Partition)
		}
	}

	resolved := make(map[int32]int64, len(pending))
	if len(byTimestamp) > 0 && q.kadm != nil {
		for ms, partitions := range byTimestamp {
			listed, err := q.kadm.ListOffsetsAfterMilli(ctx, ms, q.topic)
			if err != nil {
				return nil, err
			}
			wanted := make(map[int32]struct{}, len(partitions))
			for _, p := range partitions {
				wanted[p] = struct{}{}
			}
			listed.Each(func(lo kadm.ListedOffset) {
				if _, ok := wanted[lo.Partition]; ok {
					resolved[lo.Partition] = lo.Offset
				}
			})
		}
	}

	offsets := make(map[string]map[int32]kgo.Offset)
	set := func(tp TopicPartition, o kgo.Offset) {
		if offsets[tp.Topic] == nil {
			offsets[tp.Topic] = make(map[int32]kgo.Offset)
		}
		offsets[tp.Topic][tp.Partition] = o
	}

	var drained []TopicPartition
	for _, req := range pending {
		switch req.kind {
		case seekAbsolute:
			set(req.tp, kgo.NewOffset().At(req.offset))
		case seekRelative:
			target := req.offset
			if currentOffset != nil {
				if cur := currentOffset(req.tp) + req.offset; cur < 0 {
					target = -currentOffset(req.tp)
				}
			}
			set(req.tp, kgo.NewOffset().Relative(target))
		case seekBeginning:
			set(req.tp, kgo.NewOffset().AtStart())
		case seekEnd:
			set(req.tp, kgo.NewOffset().AtEnd())
		case seekTimestamp:
			if off, ok := resolved[req.tp.Partition]; ok {
				set(req.tp, kgo.NewOffset().At(off))
			} else {
				continue
			}
		case seekFunc:
			// seekFunc requests need the current position; currentOffset
			// resolves it fresh rather than trusting a value cached at
			// enqueue time, which may be stale by the time Drain runs.
			if req.fn == nil {
				continue
			}
			cur := req.offset
			if currentOffset != nil {
				cur = currentOffset(req.tp)
			}
			set(req.tp, kgo.NewOffset().At(req.fn(req.tp, cur)))
		}
		drained = append(drained, req.tp)
	}

	client.SetOffsets(offsets)
	return drained, nil
}
