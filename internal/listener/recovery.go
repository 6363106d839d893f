package listener

import (
	"context"

	"github.com/grafana/dskit/backoff"
)

// SeekToCurrentErrorHandler retries a failed record in place by telling
// the container to seek back to the failed offset and redeliver, for at
// most maxAttempts deliveries in all (the first one included). When the
// delivery numbered maxAttempts fails it skips the record.
// This mirrors the "seek-and-retry" error handler named in the handler
// taxonomy: redelivery happens by rewinding the partition rather than by
// holding the record in memory.
type SeekToCurrentErrorHandler struct {
	MaxAttempts int
}

// NewSeekToCurrentErrorHandler returns a handler that delivers a failing
// record at most maxAttempts times before giving up and skipping it.
func NewSeekToCurrentErrorHandler(maxAttempts int) *SeekToCurrentErrorHandler {
	return &SeekToCurrentErrorHandler{MaxAttempts: maxAttempts}
}

func (h *SeekToCurrentErrorHandler) HandleError(_ context.Context, failure Failure) HandlerOutcome {
	if failure.Class == FailureFatal || failure.Class == FailureDeserialization {
		return OutcomeSkip
	}
	if failure.Attempt >= h.MaxAttempts {
		return OutcomeSkip
	}
	return OutcomeRetry
}

// CommonErrorHandler retries transient failures with a bounded backoff
// before giving up, and invokes an optional Recoverer once retries are
// exhausted so callers can route the record elsewhere (e.g. a dead-letter
// producer) instead of silently skipping it.
type CommonErrorHandler struct {
	BackoffConfig backoff.Config
	Recoverer     func(ctx context.Context, failure Failure)
}

// NewCommonErrorHandler returns a handler using cfg for its retry
// backoff. recoverer may be nil, in which case exhausted records are
// simply skipped.
func NewCommonErrorHandler(cfg backoff.Config, recoverer func(ctx context.Context, failure Failure)) *CommonErrorHandler {
	return &CommonErrorHandler{BackoffConfig: cfg, Recoverer: recoverer}
}

func (h *CommonErrorHandler) HandleError(ctx context.Context, failure Failure) HandlerOutcome {
	if failure.Class == FailureFatal || failure.Class == FailureDeserialization {
		if h.Recoverer != nil {
			h.Recoverer(ctx, failure)
		}
		return OutcomeSkip
	}

	if failure.Attempt >= h.BackoffConfig.MaxRetries {
		if h.Recoverer != nil {
			h.Recoverer(ctx, failure)
		}
		return OutcomeSkip
	}

	boff := backoff.New(ctx, h.BackoffConfig)
	for i := 0; i < failure.Attempt; i++ {
		boff.Wait()
	}
	boff.Wait()
	if err := boff.ErrCause(); err != nil {
		if h.Recoverer != nil {
			h.Recoverer(ctx, failure)
		}
		return OutcomeSkip
	}
	return OutcomeRetry
}
