package kafka

import (
	"errors"
	"strings"

	"github.com/twmb/franz-go/pkg/kerr"
)

// HandleKafkaError classifies an error returned from a Kafka request and
// invokes refreshMetadata when the error indicates the client's view of
// partition leadership is stale. It reports whether the error is
// retriable.
func HandleKafkaError(err error, refreshMetadata func()) bool {
	if err == nil {
		return false
	}

	var kafkaErr *kerr.Error
	if !errors.As(err, &kafkaErr) {
		// Connection-level errors surfaced before a broker could be
		// reached don't come back as *kerr.Error, but are still worth
		// retrying against the next seed broker.
		return strings.Contains(err.Error(), "unknown broker")
	}

	switch kafkaErr {
	case kerr.NotLeaderForPartition,
		kerr.ReplicaNotAvailable,
		kerr.UnknownLeaderEpoch,
		kerr.LeaderNotAvailable,
		kerr.BrokerNotAvailable,
		kerr.UnknownTopicOrPartition,
		kerr.NetworkException,
		kerr.NotCoordinator:
		if refreshMetadata != nil {
			refreshMetadata()
		}
		return true
	}

	return kafkaErr.Retriable
}
