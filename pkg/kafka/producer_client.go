package kafka

import (
	"fmt"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kprom"
)

// NewTransactionalGroupSession builds a franz-go group transaction session:
// a single client that both consumes cfg.Topic as a member of
// cfg.ConsumerGroup and produces under transactionalID, so the container's
// transaction coordinator can commit consumed offsets and produced records
// atomically via GroupTransactSession.End.
func NewTransactionalGroupSession(cfg Config, transactionalID string, metrics *kprom.Metrics, logger log.Logger, extra ...kgo.Opt) (*kgo.GroupTransactSession, error) {
	if transactionalID == "" {
		return nil, fmt.Errorf("transactional id must not be empty")
	}
	opts := commonKafkaClientOptions(cfg, metrics, logger)
	opts = append(opts,
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.TransactionalID(transactionalID),
		kgo.TransactionTimeout(cfg.WriteTimeout),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.RecordDeliveryTimeout(cfg.WriteTimeout),
	)
	opts = append(opts, extra...)
	session, err := kgo.NewGroupTransactSession(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating transactional group session: %w", err)
	}
	return session, nil
}

// NewProducerClientMetrics builds the kprom collector set for a
// producing client and registers it with reg.
func NewProducerClientMetrics(component string, reg prometheus.Registerer) *kprom.Metrics {
	return kprom.NewMetrics(component, kprom.Registerer(reg))
}
