// Command klistener-demo wires a single listener container against a
// real Kafka cluster, standing in for the annotation-driven bean wiring
// excluded from this package's scope (spec.md §1): instead of being
// discovered from an annotated method, the listener is registered
// explicitly with listener.NewContainer.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/klistener/klistener/internal/listener"
	"github.com/klistener/klistener/pkg/kafka"
)

func main() {
	var (
		kafkaCfg    kafka.Config
		listenerCfg listener.Config
		httpAddr    string
	)

	fs := flag.NewFlagSet("klistener-demo", flag.ExitOnError)
	kafkaCfg.RegisterFlagsAndApplyDefaults("kafka", fs)
	listenerCfg.RegisterFlagsAndApplyDefaults("listener", fs)
	fs.StringVar(&httpAddr, "http-listen-address", ":8080", "Address to serve /metrics on.")
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	if err := kafkaCfg.Validate(); err != nil {
		level.Error(logger).Log("msg", "invalid kafka config", "err", err)
		os.Exit(1)
	}
	if err := kafkaCfg.EnsureTopicPartitions(logger); err != nil {
		level.Error(logger).Log("msg", "failed to ensure topic partitions", "err", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(httpAddr, nil); err != nil {
			level.Error(logger).Log("msg", "metrics server exited", "err", err)
		}
	}()

	handler := listener.NewAcknowledgingListener(func(ctx context.Context, rec *listener.Record, ack listener.AckHandle) error {
		level.Info(logger).Log(
			"msg", "handling record",
			"topic", rec.Topic,
			"partition", rec.Partition,
			"offset", rec.Offset,
			"attempt", rec.DeliveryAttempt,
		)
		ack.Acknowledge()
		return nil
	})

	errorHandler := listener.NewSeekToCurrentErrorHandler(3)

	sink := listener.EventSinkFunc(func(ev listener.Event) {
		level.Info(logger).Log("msg", "listener event", "type", ev.Type, "err", ev.Err)
	})

	container, err := listener.NewContainer(
		kafkaCfg, listenerCfg, handler, logger, reg,
		listener.WithErrorHandler(errorHandler),
		listener.WithEventSink(sink),
	)
	if err != nil {
		level.Error(logger).Log("msg", "failed to build container", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := services.StartAndAwaitRunning(ctx, container); err != nil {
		level.Error(logger).Log("msg", "container failed to start", "err", err)
		os.Exit(1)
	}

	<-ctx.Done()
	level.Info(logger).Log("msg", "shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := services.StopAndAwaitTerminated(stopCtx, container); err != nil {
		level.Error(logger).Log("msg", "container failed to stop cleanly", "err", err)
		os.Exit(1)
	}

	fmt.Fprintln(os.Stderr, "klistener-demo: stopped")
}
