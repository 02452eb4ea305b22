// Command consumer runs the ingestion pipeline: it relays row-level change
// events from the broker queue into the document store.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/relayforge/maxrelay/internal/broker"
	"github.com/relayforge/maxrelay/internal/config"
	"github.com/relayforge/maxrelay/internal/logging"
	"github.com/relayforge/maxrelay/internal/metrics"
	"github.com/relayforge/maxrelay/internal/pipeline"
	"github.com/relayforge/maxrelay/internal/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	conf := config.Load()
	logger := logging.NewSlogServiceLogger(slog.New(slog.NewTextHandler(os.Stdout, nil)))

	if err := conf.Validate(); err != nil {
		logger.Error("invalid configuration", err, nil)
		return 1
	}
	logger.Info("starting consumer", logging.LogFields{"config": conf})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	relayMetrics := metrics.New(prometheus.NewRegistry())
	if err := relayMetrics.Register(); err != nil {
		logger.Error("registering metrics", err, nil)
		return 1
	}
	if conf.MetricsPort > 0 {
		addr := fmt.Sprintf(":%d", conf.MetricsPort)
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", relayMetrics.Handler())
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Error("metrics server stopped", err, logging.LogFields{"address": addr})
			}
		}()
	}

	brokerClient := broker.New(conf, logger)
	if err := brokerClient.Connect(ctx); err != nil {
		logger.Error("broker connection aborted", err, nil)
		return 1
	}
	relayMetrics.SetConnected("broker", true)

	storeClient := store.New(conf, logger)
	if err := storeClient.Connect(ctx); err != nil {
		logger.Error("store connection aborted", err, nil)
		return 1
	}
	relayMetrics.SetConnected("store", true)

	if err := storeClient.EnsureIndexes(ctx); err != nil {
		logger.Error("ensuring store indexes", err, nil)
		return 1
	}

	subscriber, err := brokerClient.Subscriber()
	if err != nil {
		logger.Error("creating subscriber", err, nil)
		return 1
	}

	var deadLetterPublisher message.Publisher
	if conf.DeadLetterQueue != "" {
		deadLetterPublisher, err = brokerClient.DeadLetterPublisher(conf.DeadLetterQueue)
		if err != nil {
			logger.Error("creating dead letter publisher", err, nil)
			return 1
		}
	}

	p, err := pipeline.New(conf, logger, pipeline.Dependencies{
		Store:               storeClient,
		Subscriber:          subscriber,
		DeadLetterPublisher: deadLetterPublisher,
		Metrics:             relayMetrics,
	})
	if err != nil {
		logger.Error("building pipeline", err, nil)
		return 1
	}

	go watchReadiness(ctx, conf.ReconnectInterval, brokerClient, storeClient, relayMetrics)

	code := 0
	if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("pipeline stopped", err, nil)
		code = 1
	}

	// Graceful shutdown: in-flight deliveries stay unacknowledged on the
	// broker and are redelivered to the next consumer.
	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := brokerClient.Close(); err != nil {
		logger.Error("closing broker connection", err, nil)
		code = 1
	}
	if err := storeClient.Close(closeCtx); err != nil {
		logger.Error("closing store connection", err, nil)
		code = 1
	}

	logger.Info("consumer stopped", logging.LogFields{"exit_code": code})
	return code
}

// watchReadiness mirrors client connectivity into the metrics gauges while
// the process runs.
func watchReadiness(ctx context.Context, interval time.Duration, b *broker.Client, s *store.Client, m *metrics.RelayMetrics) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SetConnected("broker", b.Ready())
			m.SetConnected("store", s.Ready())
		}
	}
}
