package listener

import (
	"errors"
	"time"
)

// ErrNackOffConsumerThread is returned by Nack/NackIndex when called from
// a goroutine other than the one driving the poll loop. Seeking a
// partition is only safe from the consumer thread, so this restriction is
// preserved even when a listener has deferred acknowledgement to a worker
// goroutine.
var ErrNackOffConsumerThread = errors.New("listener: nack called off the consumer thread")

// AckHandle is handed to listeners registered as ACKNOWLEDGING or
// ACKNOWLEDGING_CONSUMER_AWARE. It lets the listener acknowledge or nack
// explicitly. In the manual ack modes only the listener's calls
// acknowledge; in the other modes the container also acknowledges what
// the handler returns from without error or nack.
type AckHandle interface {
	// Acknowledge marks the current record (or, for a batch listener,
	// the whole batch) as handled.
	Acknowledge()

	// AcknowledgeIndex marks the record at position i within the
	// current batch as handled, for batch listeners that process
	// records out of order or concurrently.
	AcknowledgeIndex(i int)

	// Nack requests that the current record (and everything after it in
	// the batch) be redelivered after sleeping for d. Must be called
	// from the consumer thread; see ErrNackOffConsumerThread.
	Nack(d time.Duration) error

	// NackIndex requests redelivery of the batch starting at index i
	// after sleeping for d. Must be called from the consumer thread.
	NackIndex(i int, d time.Duration) error

	// IsOutOfOrderCommit reports whether the most recent Acknowledge
	// call was unable to advance the commit offset immediately because
	// an earlier record in the same partition is still outstanding.
	IsOutOfOrderCommit() bool
}

// ackHandle is the concrete AckHandle implementation bound to a single
// in-flight record or batch. It is only ever safe to call Nack/NackIndex
// from the consumer thread; Acknowledge/AcknowledgeIndex may be called
// from any goroutine the listener hands the record to, since the
// underlying offset tracker is its own synchronization point.
type ackHandle struct {
	container     *Container
	tp            TopicPartition
	offsets       []int64
	outOfOrder    bool
	nackRequested bool
	nackFromIndex int
	nackSleep     time.Duration
}

func newAckHandle(c *Container, tp TopicPartition, offsets []int64) *ackHandle {
	return &ackHandle{container: c, tp: tp, offsets: offsets}
}

func (h *ackHandle) Acknowledge() {
	for _, off := range h.offsets {
		h.ack(off)
	}
}

func (h *ackHandle) AcknowledgeIndex(i int) {
	if i < 0 || i >= len(h.offsets) {
		return
	}
	h.ack(h.offsets[i])
}

func (h *ackHandle) ack(offset int64) {
	commitLevel, advanced := h.container.tracker.Ack(h.tp, offset)
	h.outOfOrder = !advanced
	h.container.handleAck(h.tp, commitLevel, advanced)
}

func (h *ackHandle) Nack(d time.Duration) error {
	return h.NackIndex(0, d)
}

// NackIndex records the nack on the handle and returns; the dispatch loop
// that owns this handle checks nackRequested after the handler returns
// and stops delivering the remainder of the batch, per spec.md's
// emergency-stop-style nack contract.
func (h *ackHandle) NackIndex(i int, d time.Duration) error {
	if !h.container.onConsumerThread() {
		return ErrNackOffConsumerThread
	}
	if i < 0 || i >= len(h.offsets) {
		return nil
	}
	h.nackRequested = true
	h.nackFromIndex = i
	h.nackSleep = d
	return nil
}

func (h *ackHandle) IsOutOfOrderCommit() bool {
	return h.outOfOrder
}

// fullPollAckHandle is the AckHandle bound to a FullPollHandler invocation,
// whose records span every partition delivered by one poll rather than a
// single topic-partition. Each index delegates to the offset tracker for
// that record's own partition.
type fullPollAckHandle struct {
	container     *Container
	tps           []TopicPartition
	offsets       []int64
	outOfOrder    bool
	nackRequested bool
	nackFromIndex int
	nackSleep     time.Duration
}

func newFullPollAckHandle(c *Container, tps []TopicPartition, offsets []int64) *fullPollAckHandle {
	return &fullPollAckHandle{container: c, tps: tps, offsets: offsets}
}

func (h *fullPollAckHandle) Acknowledge() {
	for i := range h.offsets {
		h.ackAt(i)
	}
}

func (h *fullPollAckHandle) AcknowledgeIndex(i int) {
	if i < 0 || i >= len(h.offsets) {
		return
	}
	h.ackAt(i)
}

func (h *fullPollAckHandle) ackAt(i int) {
	commitLevel, advanced := h.container.tracker.Ack(h.tps[i], h.offsets[i])
	h.outOfOrder = !advanced
	h.container.handleAck(h.tps[i], commitLevel, advanced)
}

func (h *fullPollAckHandle) Nack(d time.Duration) error {
	return h.NackIndex(0, d)
}

func (h *fullPollAckHandle) NackIndex(i int, d time.Duration) error {
	if !h.container.onConsumerThread() {
		return ErrNackOffConsumerThread
	}
	if i < 0 || i >= len(h.offsets) {
		return nil
	}
	h.nackRequested = true
	h.nackFromIndex = i
	h.nackSleep = d
	return nil
}

func (h *fullPollAckHandle) IsOutOfOrderCommit() bool {
	return h.outOfOrder
}
