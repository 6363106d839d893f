package listener

import (
	"flag"
	"time"
)

// AckMode selects when and how often the container commits consumed
// offsets back to Kafka.
type AckMode int

const (
	// AckModeRecord commits after every record is handled.
	AckModeRecord AckMode = iota
	// AckModeBatch commits once per poll, after the whole batch returned
	// by PollFetches has been handled.
	AckModeBatch
	// AckModeTime commits on a fixed wall-clock interval, regardless of
	// how many records have been handled since the last commit.
	AckModeTime
	// AckModeCount commits after a fixed number of records have been
	// handled since the last commit.
	AckModeCount
	// AckModeCountTime commits when either the count or time threshold
	// is reached, whichever comes first.
	AckModeCountTime
	// AckModeManual defers committing entirely to the listener calling
	// AckHandle.Acknowledge; the container only forwards the resulting
	// offset to Kafka, batching manual acks the same way AckModeBatch
	// batches automatic ones.
	AckModeManual
	// AckModeManualImmediate is like AckModeManual but commits
	// synchronously as soon as AckHandle.Acknowledge is called, rather
	// than waiting for the end of the current poll.
	AckModeManualImmediate
)

func (m AckMode) String() string {
	switch m {
	case AckModeRecord:
		return "record"
	case AckModeBatch:
		return "batch"
	case AckModeTime:
		return "time"
	case AckModeCount:
		return "count"
	case AckModeCountTime:
		return "count_time"
	case AckModeManual:
		return "manual"
	case AckModeManualImmediate:
		return "manual_immediate"
	default:
		return "unknown"
	}
}

// isManual reports whether offset commits for this mode are driven by the
// listener calling AckHandle.Acknowledge rather than by the container
// automatically after a successful invocation.
func (m AckMode) isManual() bool {
	return m == AckModeManual || m == AckModeManualImmediate
}

// Config controls the container's acknowledgement, concurrency, and
// retry behavior. Construct it with RegisterFlagsAndApplyDefaults, or
// zero-value it and let NewContainer fill in the zero-valued timing and
// count fields with the same defaults. NewContainer calls Validate itself
// and rejects an invalid config.
type Config struct {
	// GroupInstanceID, when set, enables static group membership so a
	// restart doesn't trigger an immediate rebalance.
	GroupInstanceID string `yaml:"group_instance_id"`

	AckMode       AckMode       `yaml:"ack_mode"`
	AckCount      int           `yaml:"ack_count"`
	AckTime       time.Duration `yaml:"ack_time"`
	PollTimeout   time.Duration `yaml:"poll_timeout"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`

	// PollTimeoutWhilePaused bounds each PollFetches call while every
	// assigned partition is paused, so the loop keeps checking pause/seek/
	// stop state instead of blocking for the full PollTimeout.
	PollTimeoutWhilePaused time.Duration `yaml:"poll_timeout_while_paused"`

	// IdleBetweenPolls, when set, sleeps the loop for this long after a
	// poll that returned no records. The sleep is not capped by
	// MaxPollInterval and does not depend on whether any partitions are
	// assigned; a poll that returned records is followed by no sleep.
	IdleBetweenPolls time.Duration `yaml:"idle_between_polls"`
	MaxPollInterval  time.Duration `yaml:"max_poll_interval"`

	// IdleEventInterval and NonResponsiveThreshold drive the idle/
	// liveness monitor (spec.md §4 component 6). Zero disables the
	// respective check.
	IdleEventInterval     time.Duration `yaml:"idle_event_interval"`
	NonResponsiveThreshold time.Duration `yaml:"non_responsive_threshold"`

	// MonitorInterval is how often the idle/liveness monitor's scheduled
	// goroutine (started independently of the poll loop, so a stalled
	// poll can still be observed) evaluates IdleEventInterval and
	// NonResponsiveThreshold.
	MonitorInterval time.Duration `yaml:"monitor_interval"`

	// CommitRetries bounds how many times a commit that failed because a
	// rebalance was in progress is retried before being surfaced to the
	// error handler as FailureCommit.
	CommitRetries int `yaml:"commit_retries"`

	// SubBatchPerPartition lets MaxPollRecords split one partition's slice
	// of a poll into several batch-listener invocations. Batch listeners
	// receive one partition per invocation whether or not it is set; only
	// a listener built with NewFullPollListener receives a whole poll.
	SubBatchPerPartition bool `yaml:"sub_batch_per_partition"`

	// DeliveryAttemptHeader writes a 4-byte big-endian delivery-attempt
	// counter into each record's headers before handing it to the
	// listener.
	DeliveryAttemptHeader bool `yaml:"delivery_attempt_header"`

	// PauseImmediate stops record/batch dispatch for a partition as soon
	// as a pause is requested for it, instead of finishing the records
	// already in hand and only taking effect on the next loop iteration's
	// Reconcile call. The unconsumed tail is seeked back so it is
	// redelivered once the partition resumes (spec.md §4.2).
	PauseImmediate bool `yaml:"pause_immediate"`

	// StopImmediate ends dispatch of a partition's remaining records (or
	// sub-batches) as soon as the error handler returns OutcomeRetry for
	// one of them, instead of going on with the rest. A stop requested by
	// the error handler (OutcomeSeekAndStop) ends dispatch before the next
	// record whether or not it is set.
	StopImmediate bool `yaml:"stop_immediate"`

	// Transactional enables read-process-write semantics via the
	// transaction coordinator. The producer's transactional.id is
	// TransactionalIDPrefix, suffixed with "-" and GroupInstanceID when
	// GroupInstanceID is set.
	Transactional         bool   `yaml:"transactional"`
	TransactionalIDPrefix string `yaml:"transactional_id_prefix"`

	// FixTxOffsets, on a non-transactional container, re-commits the
	// out-of-order tracker's commit level for every assigned partition
	// after each poll that returned records. It does not read the
	// consumer's fetch position or look for intervening seeks, and it has
	// no effect on a transactional container (spec.md §4.1 step 3).
	FixTxOffsets bool `yaml:"fix_tx_offsets"`

	// StopContainerWhenFenced stops the container when the transactional
	// producer is fenced by a newer instance, rather than continuing
	// (and failing every subsequent transaction).
	StopContainerWhenFenced bool `yaml:"stop_container_when_fenced"`

	// MaxPollRecords caps how many records dispatchBatch hands to a
	// batch listener at once when SubBatchPerPartition is set; zero, or
	// SubBatchPerPartition unset, means no cap beyond one partition's
	// share of a PollFetches call.
	MaxPollRecords int `yaml:"max_poll_records"`
}

// RegisterFlagsAndApplyDefaults registers the config's flags under
// prefix and fills in defaults for anything not set on the command line.
func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.GroupInstanceID, prefix+".group-instance-id", "", "Static group membership instance ID. Empty disables static membership.")
	f.IntVar(&cfg.AckCount, prefix+".ack-count", 100, "Number of records between automatic commits in count-based ack modes.")
	f.DurationVar(&cfg.AckTime, prefix+".ack-time", 5*time.Second, "Interval between automatic commits in time-based ack modes.")
	f.DurationVar(&cfg.PollTimeout, prefix+".poll-timeout", time.Second, "Maximum time to block on a single PollFetches call.")
	f.DurationVar(&cfg.PollTimeoutWhilePaused, prefix+".poll-timeout-while-paused", 100*time.Millisecond, "Maximum time to block on PollFetches while every assigned partition is paused.")
	f.DurationVar(&cfg.IdleBetweenPolls, prefix+".idle-between-polls", 0, "Fixed sleep after a poll that returned no records. Not capped by max-poll-interval. 0 disables.")
	f.DurationVar(&cfg.MaxPollInterval, prefix+".max-poll-interval", 5*time.Minute, "Upper bound on the time between polls the broker will tolerate before evicting this consumer from the group.")
	f.DurationVar(&cfg.IdleEventInterval, prefix+".idle-event-interval", 0, "Gap since the last delivered record after which an Idle event is published. 0 disables.")
	f.DurationVar(&cfg.NonResponsiveThreshold, prefix+".non-responsive-threshold", 0, "Gap since the last completed poll after which a NonResponsive event is published. 0 disables.")
	f.DurationVar(&cfg.MonitorInterval, prefix+".monitor-interval", time.Second, "How often the idle/liveness monitor goroutine evaluates idle-event-interval and non-responsive-threshold.")
	f.IntVar(&cfg.CommitRetries, prefix+".commit-retries", 3, "Number of times to retry a commit that failed because a rebalance was in progress.")
	f.BoolVar(&cfg.SubBatchPerPartition, prefix+".sub-batch-per-partition", false, "Let max-poll-records split one partition's records into several batch-listener invocations.")
	f.BoolVar(&cfg.DeliveryAttemptHeader, prefix+".delivery-attempt-header", false, "Write a delivery-attempt counter into each record's headers.")
	f.BoolVar(&cfg.PauseImmediate, prefix+".pause-immediate", false, "Break out of record/batch dispatch mid-batch as soon as a pause is requested instead of finishing records already in hand.")
	f.BoolVar(&cfg.StopImmediate, prefix+".stop-immediate", false, "Stop dispatching a partition's remaining records once the error handler schedules a retry for one of them.")
	f.IntVar(&cfg.MaxPollRecords, prefix+".max-poll-records", 0, "Maximum records per batch-listener invocation when sub-batch-per-partition is set. 0 means unlimited.")
	f.BoolVar(&cfg.Transactional, prefix+".transactional", false, "Enable read-process-write transactions around record handling.")
	f.StringVar(&cfg.TransactionalIDPrefix, prefix+".transactional-id-prefix", "", "Producer transactional.id, suffixed with -<group-instance-id> when a group instance ID is set.")
	f.BoolVar(&cfg.FixTxOffsets, prefix+".fix-tx-offsets", false, "Re-commit each assigned partition's tracked commit level after every non-empty poll (non-transactional containers only).")
	f.BoolVar(&cfg.StopContainerWhenFenced, prefix+".stop-container-when-fenced", true, "Stop the container when the transactional producer is fenced by a newer instance.")
	cfg.AckMode = AckModeBatch
}

// Validate returns an error if the config is not internally consistent.
func (cfg *Config) Validate() error {
	if cfg.AckMode == AckModeCount || cfg.AckMode == AckModeCountTime {
		if cfg.AckCount <= 0 {
			return errConfigInvalid("ack_count must be > 0 for ack mode " + cfg.AckMode.String())
		}
	}
	if cfg.AckMode == AckModeTime || cfg.AckMode == AckModeCountTime {
		if cfg.AckTime <= 0 {
			return errConfigInvalid("ack_time must be > 0 for ack mode " + cfg.AckMode.String())
		}
	}
	if cfg.Transactional && cfg.TransactionalIDPrefix == "" {
		return errConfigInvalid("transactional_id_prefix is required when transactional is enabled")
	}
	return nil
}

type errConfigInvalid string

func (e errConfigInvalid) Error() string { return string(e) }
