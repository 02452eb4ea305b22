// Command loadgen publishes synthetic change events to the broker exchange,
// standing in for the binlog capture tool during testing.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relayforge/maxrelay/internal/broker"
	"github.com/relayforge/maxrelay/internal/config"
	"github.com/relayforge/maxrelay/internal/loadgen"
	"github.com/relayforge/maxrelay/internal/logging"
)

func main() {
	os.Exit(run())
}

func run() int {
	count := flag.Int("count", 100, "number of events to publish")
	interval := flag.Duration("interval", 100*time.Millisecond, "delay between events")
	seed := flag.Int64("seed", time.Now().UnixNano(), "random seed for reproducible runs")
	flag.Parse()

	conf := config.Load()
	logger := logging.NewSlogServiceLogger(slog.New(slog.NewTextHandler(os.Stdout, nil)))

	if err := conf.Validate(); err != nil {
		logger.Error("invalid configuration", err, nil)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	brokerClient := broker.New(conf, logger)
	if err := brokerClient.Connect(ctx); err != nil {
		logger.Error("broker connection aborted", err, nil)
		return 1
	}
	defer func() {
		if err := brokerClient.Close(); err != nil {
			logger.Error("closing broker connection", err, nil)
		}
	}()

	publisher, err := brokerClient.Publisher()
	if err != nil {
		logger.Error("creating publisher", err, nil)
		return 1
	}

	runner := loadgen.NewRunner(publisher, conf.BrokerQueue, logger, *seed)
	if err := runner.Run(ctx, *count, *interval); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("traffic generation failed", err, nil)
		return 1
	}
	return 0
}
