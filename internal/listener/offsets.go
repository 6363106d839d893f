package listener

import (
	"container/list"
	"sync"
)

// outOfOrderTracker tracks, per partition, which offsets handed to a
// listener have been acknowledged, and computes the highest contiguous
// offset that is safe to commit. This is the spec's "pending offsets" /
// "in-flight out-of-order" bookkeeping: handlers may acknowledge offsets
// out of delivery order (e.g. a concurrent or batch listener), but a
// commit can only ever advance past a gap once every offset before it has
// been acknowledged.
//
// Modeled on the GiG kafka-client ackManager: an ordered list of
// outstanding offsets per partition, with a "commit level" that only
// moves forward while the head of the list is acked.
type outOfOrderTracker struct {
	mu         sync.Mutex
	partitions map[TopicPartition]*partitionTracker
}

type partitionTracker struct {
	// pending is an ordered list of *pendingOffset, oldest first.
	pending *list.List
	// index maps an offset to its list element for O(1) ack lookup.
	index map[int64]*list.Element
	// committed is the last offset known to be safe to commit (the
	// "commit level": one past the last acked contiguous offset).
	committed int64
	// hasCommitted distinguishes "nothing committed yet" from offset 0.
	hasCommitted bool
}

type pendingOffset struct {
	offset int64
	acked  bool
}

func newOutOfOrderTracker() *outOfOrderTracker {
	return &outOfOrderTracker{partitions: make(map[TopicPartition]*partitionTracker)}
}

// Track registers offset as outstanding for tp. Offsets must be tracked
// in increasing order per partition; the container does this as records
// are delivered to the listener.
func (t *outOfOrderTracker) Track(tp TopicPartition, offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pt := t.partitionFor(tp)
	po := &pendingOffset{offset: offset}
	pt.index[offset] = pt.pending.PushBack(po)
}

// Ack marks offset as handled for tp and reports whether the partition's
// commit level advanced as a result.
func (t *outOfOrderTracker) Ack(tp TopicPartition, offset int64) (newCommitLevel int64, advanced bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pt, ok := t.partitions[tp]
	if !ok {
		return 0, false
	}
	el, ok := pt.index[offset]
	if !ok {
		return 0, false
	}
	el.Value.(*pendingOffset).acked = true
	delete(pt.index, offset)

	advanced = false
	for {
		front := pt.pending.Front()
		if front == nil {
			break
		}
		po := front.Value.(*pendingOffset)
		if !po.acked {
			break
		}
		pt.pending.Remove(front)
		pt.committed = po.offset + 1
		pt.hasCommitted = true
		advanced = true
	}
	return pt.committed, advanced
}

// IsOutOfOrder reports whether offset was acked ahead of an earlier,
// still-outstanding offset on the same partition (i.e. the ack did not
// advance the commit level because something older is still pending).
func (t *outOfOrderTracker) IsOutOfOrder(tp TopicPartition, offset int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	pt, ok := t.partitions[tp]
	if !ok {
		return false
	}
	front := pt.pending.Front()
	if front == nil {
		return false
	}
	return front.Value.(*pendingOffset).offset != offset
}

// CommitLevel returns the highest offset safe to commit for tp, and
// whether anything has ever been committed.
func (t *outOfOrderTracker) CommitLevel(tp TopicPartition) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pt, ok := t.partitions[tp]
	if !ok {
		return 0, false
	}
	return pt.committed, pt.hasCommitted
}

// Reset clears all bookkeeping for tp, called when a partition is
// revoked or lost so stale state from a previous assignment never leaks
// into a future one.
func (t *outOfOrderTracker) Reset(tp TopicPartition) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.partitions, tp)
}

func (t *outOfOrderTracker) partitionFor(tp TopicPartition) *partitionTracker {
	pt, ok := t.partitions[tp]
	if !ok {
		pt = &partitionTracker{
			pending: list.New(),
			index:   make(map[int64]*list.Element),
		}
		t.partitions[tp] = pt
	}
	return pt
}
