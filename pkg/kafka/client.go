package kafka

import (
	"fmt"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kprom"
)

// commonKafkaClientOptions returns the kgo.Opt set shared by the reading
// and producing clients this package builds.
func commonKafkaClientOptions(cfg Config, metrics *kprom.Metrics, logger log.Logger) []kgo.Opt {
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Address),
		kgo.ClientID(clientID(cfg)),
		kgo.WithLogger(newKgoLogger(logger)),
		kgo.FetchMinBytes(1),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.DialTimeout(cfg.DialTimeout),
	}
	if metrics != nil {
		opts = append(opts, kgo.WithHooks(metrics))
	}
	return opts
}

func clientID(cfg Config) string {
	if cfg.ClientID != "" {
		return cfg.ClientID
	}
	return fmt.Sprintf("klistener-%s", cfg.ConsumerGroup)
}

// NewReaderClientMetrics builds the kprom collector set for a consuming
// client and registers it with reg.
func NewReaderClientMetrics(component string, reg prometheus.Registerer) *kprom.Metrics {
	return kprom.NewMetrics(component,
		kprom.Registerer(reg),
		kprom.FetchAndProduceDetail(kprom.Batches, kprom.Records, kprom.CompressedBytes, kprom.UncompressedBytes),
	)
}

// NewReaderClient creates the underlying franz-go client used by the
// listener container. It does not join a consumer group on its own;
// callers configure group membership or manual partition assignment via
// additional kgo.Opt values.
func NewReaderClient(cfg Config, metrics *kprom.Metrics, logger log.Logger, extra ...kgo.Opt) (*kgo.Client, error) {
	opts := commonKafkaClientOptions(cfg, metrics, logger)
	opts = append(opts, extra...)
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating kafka reader client: %w", err)
	}
	return client, nil
}

// NewProducerClient creates a franz-go client configured for producing.
// The transaction coordinator does not use it; it produces through the
// session built by NewTransactionalGroupSession.
func NewProducerClient(cfg Config, metrics *kprom.Metrics, logger log.Logger, extra ...kgo.Opt) (*kgo.Client, error) {
	opts := commonKafkaClientOptions(cfg, metrics, logger)
	opts = append(opts,
		kgo.ProducerBatchMaxBytes(16<<20),
		kgo.RecordDeliveryTimeout(cfg.WriteTimeout),
	)
	opts = append(opts, extra...)
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating kafka producer client: %w", err)
	}
	return client, nil
}

// kgoLogger adapts a go-kit logger to kgo.Logger so franz-go's internal
// diagnostics flow through the same structured log pipeline as the rest
// of the listener.
type kgoLogger struct {
	logger log.Logger
}

func newKgoLogger(logger log.Logger) *kgoLogger {
	return &kgoLogger{logger: logger}
}

func (k *kgoLogger) Level() kgo.LogLevel {
	return kgo.LogLevelInfo
}

func (k *kgoLogger) Log(level kgo.LogLevel, msg string, keyvals ...any) {
	args := append([]any{"msg", msg, "component", "franz-go"}, keyvals...)
	switch level {
	case kgo.LogLevelError:
		k.logger.Log(append(args, "level", "error")...)
	case kgo.LogLevelWarn:
		k.logger.Log(append(args, "level", "warn")...)
	case kgo.LogLevelDebug:
		k.logger.Log(append(args, "level", "debug")...)
	default:
		k.logger.Log(append(args, "level", "info")...)
	}
}
