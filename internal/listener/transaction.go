package listener

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/twmb/franz-go/pkg/kgo"
)

// commitMetaVersion is prefixed onto every commit-offset metadata string
// this package writes, so a future format change can be detected and
// rejected instead of silently misparsed.
const commitMetaVersion = "1"

// marshalCommitMeta encodes the wall-clock time (in unix millis) a commit
// happened at into the opaque metadata string stored alongside a
// committed offset. Only non-transactional commits carry it; offsets
// committed by a transaction are sent without this metadata.
func marshalCommitMeta(commitTimestampMillis int64) string {
	return fmt.Sprintf("%s,%d", commitMetaVersion, commitTimestampMillis)
}

// unmarshalCommitMeta decodes a metadata string written by
// marshalCommitMeta, rejecting any version it doesn't recognize.
func unmarshalCommitMeta(meta string) (int64, error) {
	if meta == "" {
		return 0, nil
	}
	parts := strings.SplitN(meta, ",", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("commit metadata: malformed value %q", meta)
	}
	if parts[0] != commitMetaVersion {
		return 0, fmt.Errorf("commit metadata: unsupported version %q", parts[0])
	}
	ts, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("commit metadata: invalid timestamp %q: %w", parts[1], err)
	}
	return ts, nil
}

// ErrProducerFenced is returned by transactionCoordinator.End when the
// underlying transactional producer has been fenced by a newer instance
// with the same transactional.id. The container publishes an
// EventRetryFailed event for it and stops when StopContainerWhenFenced is
// set; otherwise it goes on polling.
var ErrProducerFenced = fmt.Errorf("listener: transactional producer fenced")

// transactionCoordinator drives read-process-write transactions around
// record handling using kgo.GroupTransactSession, franz-go's purpose-built
// wrapper for consume-transform-produce exactly-once semantics: it begins
// a transaction before invoking the listener, produces within it, and on
// End atomically commits the consumed offsets alongside the produced
// records (aborting instead if the group has rebalanced since Begin, per
// GroupTransactSession's own revoked/lost tracking). The session's
// transactional.id fences zombie instances of this container, so a
// network-partitioned former owner can never commit after a newer
// instance has taken over the partition.
type transactionCoordinator struct {
	session *kgo.GroupTransactSession
}

func newTransactionCoordinator(session *kgo.GroupTransactSession) *transactionCoordinator {
	return &transactionCoordinator{session: session}
}

// Begin starts a new transaction on the session.
func (t *transactionCoordinator) Begin() error {
	return t.session.Begin()
}

// End ends the current transaction: commit=true attempts a commit (which
// the session degrades to an abort on its own if a rebalance has revoked
// partitions since Begin), commit=false always aborts. It reports whether
// the transaction actually committed.
func (t *transactionCoordinator) End(ctx context.Context, commit bool) (committed bool, err error) {
	try := kgo.TryAbort
	if commit {
		try = kgo.TryCommit
	}
	committed, err = t.session.End(ctx, try)
	if err != nil && isProducerFenced(err) {
		return committed, ErrProducerFenced
	}
	return committed, err
}

// Produce enqueues rec as part of the current transaction and waits for
// the broker to acknowledge it.
func (t *transactionCoordinator) Produce(ctx context.Context, rec *kgo.Record) error {
	result := t.session.ProduceSync(ctx, rec)
	if err := result.FirstErr(); err != nil {
		if isProducerFenced(err) {
			return ErrProducerFenced
		}
		return err
	}
	return nil
}

func isProducerFenced(err error) bool {
	return err != nil && strings.Contains(err.Error(), "fenc")
}
