// Package kafka provides the Kafka transport layer shared by the listener
// container: client construction, configuration, and administrative
// helpers. It has no listener semantics of its own.
package kafka

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Config holds everything needed to build a Kafka client for either the
// consuming or the producing side of the listener container.
type Config struct {
	Address       string        `yaml:"address"`
	Topic         string        `yaml:"topic"`
	ConsumerGroup string        `yaml:"consumer_group"`
	ClientID      string        `yaml:"client_id"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`

	AutoCreateTopicEnabled           bool `yaml:"auto_create_topic_enabled"`
	AutoCreateTopicDefaultPartitions int  `yaml:"auto_create_topic_default_partitions"`

	LastProducedOffsetRetryTimeout time.Duration `yaml:"last_produced_offset_retry_timeout"`

	// concurrentFetchersFetchBackoffConfig is unexported and not read by
	// any client in this package; PartitionOffsetClient takes its retry
	// timing from WithBackoff instead.
	concurrentFetchersFetchBackoffConfig struct {
		MinBackoff time.Duration
		MaxBackoff time.Duration
		MaxRetries int
	}
}

// RegisterFlagsAndApplyDefaults registers the config's flags under prefix
// and fills in defaults for anything not set on the command line.
func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Address, prefix+".address", "localhost:9092", "Comma-separated list of Kafka broker addresses.")
	f.StringVar(&cfg.Topic, prefix+".topic", "", "Kafka topic the listener consumes from.")
	f.StringVar(&cfg.ConsumerGroup, prefix+".consumer-group", "", "Kafka consumer group used by the listener.")
	f.StringVar(&cfg.ClientID, prefix+".client-id", "", "Kafka client ID. Defaults to a generated value when empty.")
	f.DurationVar(&cfg.DialTimeout, prefix+".dial-timeout", 10*time.Second, "Timeout for establishing a broker connection.")
	f.DurationVar(&cfg.WriteTimeout, prefix+".write-timeout", 10*time.Second, "Timeout for produce requests.")
	f.BoolVar(&cfg.AutoCreateTopicEnabled, prefix+".auto-create-topic-enabled", true, "Auto-create the configured topic if it doesn't exist.")
	f.IntVar(&cfg.AutoCreateTopicDefaultPartitions, prefix+".auto-create-topic-default-partitions", 1000, "Number of partitions for auto-created topics.")
	f.DurationVar(&cfg.LastProducedOffsetRetryTimeout, prefix+".last-produced-offset-retry-timeout", 10*time.Second, "How long to retry fetching the last produced offset before giving up.")

	cfg.concurrentFetchersFetchBackoffConfig.MinBackoff = 250 * time.Millisecond
	cfg.concurrentFetchersFetchBackoffConfig.MaxBackoff = 2 * time.Second
	cfg.concurrentFetchersFetchBackoffConfig.MaxRetries = 10
}

// Validate returns an error if the config is not usable.
func (cfg *Config) Validate() error {
	if cfg.Topic == "" {
		return errors.New("topic is required")
	}
	if cfg.ConsumerGroup == "" {
		return errors.New("consumer_group is required")
	}
	return nil
}

// EnsureTopicPartitions creates the configured topic if it doesn't exist,
// or increases its partition count if it exists with fewer partitions than
// desired. It never decreases partition count, since Kafka doesn't support
// that operation.
func (cfg *Config) EnsureTopicPartitions(logger log.Logger) error {
	if !cfg.AutoCreateTopicEnabled {
		return nil
	}

	client, err := kgo.NewClient(kgo.SeedBrokers(cfg.Address))
	if err != nil {
		return errors.Wrap(err, "creating admin client")
	}
	defer client.Close()

	adm := kadm.NewClient(client)
	defer adm.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	topics, err := adm.ListTopics(ctx, cfg.Topic)
	if err != nil {
		return errors.Wrap(err, "listing topics")
	}

	desired := cfg.AutoCreateTopicDefaultPartitions
	if detail, ok := topics[cfg.Topic]; ok && !detail.Err {
		existing := len(detail.Partitions.Numbers())
		if existing >= desired {
			return nil
		}
		level.Info(logger).Log("msg", "increasing topic partitions", "topic", cfg.Topic, "from", existing, "to", desired)
		_, err := adm.UpdatePartitions(ctx, desired, cfg.Topic)
		if err != nil {
			return errors.Wrapf(err, "updating partitions for topic %s", cfg.Topic)
		}
		return nil
	}

	level.Info(logger).Log("msg", "creating topic", "topic", cfg.Topic, "partitions", desired)
	const defaultReplicationFactor = 1
	resp, err := adm.CreateTopic(ctx, int32(desired), defaultReplicationFactor, nil, cfg.Topic)
	if err != nil {
		return errors.Wrapf(err, "creating topic %s", cfg.Topic)
	}
	if resp.Err != nil {
		return fmt.Errorf("creating topic %s: %w", cfg.Topic, resp.Err)
	}
	return nil
}
