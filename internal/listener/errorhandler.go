package listener

import "context"

// FailureClass categorizes why a listener invocation failed, so an
// ErrorHandler can decide whether to retry, skip, or escalate without
// inspecting the error's concrete type.
type FailureClass int

const (
	// FailureTransient covers errors the listener itself signals as
	// retriable (e.g. a downstream dependency timeout).
	FailureTransient FailureClass = iota
	// FailureFatal covers errors that must not be retried: redelivering
	// the record would only fail the same way.
	FailureFatal
	// FailureDeserialization covers malformed records that can never be
	// handled successfully, whatever the error handler's retry policy.
	FailureDeserialization
	// FailureTransactional covers errors raised while committing a
	// transaction (producer fencing, coordinator errors).
	FailureTransactional
	// FailureCommit covers an error committing offsets to Kafka itself,
	// as opposed to an error from the listener's own handling code.
	FailureCommit
)

// HandlerOutcome is the error handler's decision about what the
// container should do next with the failed record(s).
type HandlerOutcome int

const (
	// OutcomeRetry redelivers the same record(s) immediately.
	OutcomeRetry HandlerOutcome = iota
	// OutcomeSkip commits past the failed record(s) and continues.
	OutcomeSkip
	// OutcomeSeekAndStop seeks the partition back to the failed offset
	// and stops the container, for cases too severe to keep running.
	OutcomeSeekAndStop
)

// ErrorHandler is invoked when a listener invocation returns an error.
// It decides what should happen to the record(s) that failed.
type ErrorHandler interface {
	HandleError(ctx context.Context, failure Failure) HandlerOutcome
}

// Failure describes one failed listener invocation, passed to an
// ErrorHandler.
type Failure struct {
	Class      FailureClass
	Err        error
	Record     *Record  // set for single-record listeners
	Batch      *Batch   // set for batch listeners
	Attempt    int
}

// ErrorHandlerFunc adapts a plain function to ErrorHandler.
type ErrorHandlerFunc func(ctx context.Context, failure Failure) HandlerOutcome

func (f ErrorHandlerFunc) HandleError(ctx context.Context, failure Failure) HandlerOutcome {
	return f(ctx, failure)
}

// defaultErrorHandler stops retrying after a single attempt and skips the
// record, logging being the caller's responsibility via an EventSink.
type defaultErrorHandler struct{}

func (defaultErrorHandler) HandleError(context.Context, Failure) HandlerOutcome {
	return OutcomeSkip
}
