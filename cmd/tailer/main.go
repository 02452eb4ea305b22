// Command tailer renders freshly ingested change events from the store
// collection, polling at a fixed interval.
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

	"github.com/relayforge/maxrelay/internal/config"
	"github.com/relayforge/maxrelay/internal/logging"
	"github.com/relayforge/maxrelay/internal/store"
	"github.com/relayforge/maxrelay/internal/tailer"
)

func main() {
	os.Exit(run())
}

func run() int {
	replay := flag.Bool("replay", false, "render the whole collection instead of only new events")
	flag.Parse()

	conf := config.Load()
	logger := logging.NewSlogServiceLogger(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	if err := conf.Validate(); err != nil {
		logger.Error("invalid configuration", err, nil)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	storeClient := store.New(conf, logger)
	if err := storeClient.Connect(ctx); err != nil {
		logger.Error("store connection aborted", err, nil)
		return 1
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := storeClient.Close(closeCtx); err != nil {
			logger.Error("closing store connection", err, nil)
		}
	}()

	since := time.Now().Unix()
	if *replay {
		since = 0
	}

	t := tailer.New(storeClient, logger, os.Stdout, conf.TailInterval, since)
	if err := t.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("tailer stopped", err, nil)
		return 1
	}
	return 0
}
