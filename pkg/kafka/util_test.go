package kafka

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kerr"
)

func TestHandleKafkaError(t *testing.T) {
	t.Run("nil error is not retriable and does not refresh metadata", func(t *testing.T) {
		assert.False(t, HandleKafkaError(nil, func() { t.Fatal("refresh should not be called") }))
	})

	t.Run("non-kafka error is not retriable and does not refresh metadata", func(t *testing.T) {
		assert.False(t, HandleKafkaError(errors.New("some error"), func() { t.Fatal("refresh should not be called") }))
	})

	t.Run("unknown broker error string is retriable without refreshing metadata", func(t *testing.T) {
		assert.True(t, HandleKafkaError(errors.New("unknown broker"), func() { t.Fatal("refresh should not be called") }))
	})

	t.Run("nil refresh function is tolerated when metadata would otherwise refresh", func(t *testing.T) {
		assert.True(t, HandleKafkaError(kerr.NotLeaderForPartition, nil))
	})

	t.Run("errors that indicate stale metadata refresh it and are retriable", func(t *testing.T) {
		staleMetadataErrors := []error{
			kerr.NotLeaderForPartition,
			kerr.ReplicaNotAvailable,
			kerr.UnknownLeaderEpoch,
			kerr.LeaderNotAvailable,
			kerr.BrokerNotAvailable,
			kerr.UnknownTopicOrPartition,
			kerr.NetworkException,
			kerr.NotCoordinator,
		}
		for _, kafkaErr := range staleMetadataErrors {
			kafkaErr := kafkaErr
			t.Run(kafkaErr.(*kerr.Error).Message, func(t *testing.T) {
				var refreshed bool
				retriable := HandleKafkaError(kafkaErr, func() { refreshed = true })
				assert.True(t, refreshed)
				assert.True(t, retriable)
			})
		}
	})

	t.Run("a non-retriable error unrelated to metadata does not refresh it", func(t *testing.T) {
		var refreshed bool
		retriable := HandleKafkaError(kerr.IllegalSaslState, func() { refreshed = true })
		assert.False(t, refreshed)
		assert.False(t, retriable)
	})

	t.Run("a wrapped kafka error is still recognized via errors.As", func(t *testing.T) {
		wrapped := errWrap{err: kerr.NotLeaderForPartition}
		var refreshed bool
		retriable := HandleKafkaError(wrapped, func() { refreshed = true })
		require.True(t, refreshed)
		assert.True(t, retriable)
	})
}

// errWrap wraps an error without itself being a *kerr.Error, exercising
// HandleKafkaError's use of errors.As rather than a direct type assertion.
type errWrap struct{ err error }

func (e errWrap) Error() string { return "wrapped: " + e.err.Error() }
func (e errWrap) Unwrap() error { return e.err }
