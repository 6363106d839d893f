package listener

import (
	"context"

	"github.com/twmb/franz-go/pkg/kgo"
)

// RebalanceListener lets a caller hook into consumer group assignment
// changes. AfterAssigned/BeforeRevoked run synchronously on the consumer
// thread: the container waits for BeforeRevoked to return (so it can
// commit final offsets) before acknowledging the revoke to the group.
type RebalanceListener interface {
	AfterAssigned(ctx context.Context, assigned map[string][]int32)
	BeforeRevoked(ctx context.Context, revoked map[string][]int32)
	OnLost(ctx context.Context, lost map[string][]int32)
}

// noopRebalanceListener is the default RebalanceListener; it does nothing.
type noopRebalanceListener struct{}

func (noopRebalanceListener) AfterAssigned(context.Context, map[string][]int32) {}
func (noopRebalanceListener) BeforeRevoked(context.Context, map[string][]int32) {}
func (noopRebalanceListener) OnLost(context.Context, map[string][]int32)        {}

// rebalanceEvent carries a single rebalance callback invocation from
// kgo's internal goroutine back onto the container's consumer thread, so
// revoke handling (committing offsets, resetting the out-of-order
// tracker) happens serialized with ordinary record processing rather
// than racing it.
type rebalanceEvent struct {
	kind   rebalanceKind
	assign map[string][]int32
	done   chan struct{}
}

type rebalanceKind int

const (
	rebalanceAssigned rebalanceKind = iota
	rebalanceRevoked
	rebalanceLost
)

// rebalanceOpts builds the kgo.Opt values that route group rebalance
// callbacks into evCh, blocking the franz-go internal goroutine until the
// container's consumer thread has processed the event. This gives the
// container's BeforeRevoked handling (commit-before-ack) the same
// guarantee a synchronous callback would, without running arbitrary
// caller code directly on franz-go's internal goroutine.
func rebalanceOpts(evCh chan rebalanceEvent) []kgo.Opt {
	dispatch := func(kind rebalanceKind) func(context.Context, *kgo.Client, map[string][]int32) {
		return func(ctx context.Context, _ *kgo.Client, assign map[string][]int32) {
			done := make(chan struct{})
			select {
			case evCh <- rebalanceEvent{kind: kind, assign: assign, done: done}:
			case <-ctx.Done():
				return
			}
			select {
			case <-done:
			case <-ctx.Done():
			}
		}
	}

	return []kgo.Opt{
		kgo.OnPartitionsAssigned(dispatch(rebalanceAssigned)),
		kgo.OnPartitionsRevoked(dispatch(rebalanceRevoked)),
		kgo.OnPartitionsLost(dispatch(rebalanceLost)),
	}
}
