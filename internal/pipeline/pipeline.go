// Package pipeline orchestrates the relay: it pulls deliveries from the
// broker subscription, persists parsed events to the store, and resolves each
// delivery through ack or nack. Persistence is the single commit point; a
// delivery is never acked before the store durably accepted its document, and
// never nacked after.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/plugin"

	"github.com/relayforge/maxrelay/internal/config"
	"github.com/relayforge/maxrelay/internal/event"
	"github.com/relayforge/maxrelay/internal/logging"
	"github.com/relayforge/maxrelay/internal/metrics"
)

// handlerName identifies the single persist handler on the router.
const handlerName = "persist-change-events"

// metadataKeyReceivedAt echoes the first-parse ingestion time into the
// message metadata so in-process retries of the same delivery keep it.
const metadataKeyReceivedAt = "relay_received_at"

var (
	ErrStoreRequired      = errors.New("maxrelay: store is required")
	ErrSubscriberRequired = errors.New("maxrelay: subscriber is required")
)

var routerRun = func(router *message.Router, ctx context.Context) error {
	return router.Run(ctx)
}

// Store is the persistence contract the pipeline commits against.
type Store interface {
	Insert(ctx context.Context, evt *event.ChangeEvent) error
}

// Dependencies holds the collaborators of a Pipeline.
type Dependencies struct {
	Store      Store
	Subscriber message.Subscriber

	// DeadLetterPublisher receives deliveries that can never be processed.
	// Required only when Config.DeadLetterQueue is set.
	DeadLetterPublisher message.Publisher

	Metrics *metrics.RelayMetrics

	// Now overrides the ingestion clock in tests.
	Now func() time.Time
}

// Pipeline wires the router, middleware chain, and persist handler.
type Pipeline struct {
	conf    *config.Config
	logger  logging.ServiceLogger
	metrics *metrics.RelayMetrics

	store  Store
	router *message.Router
	now    func() time.Time
}

// New builds a pipeline consuming the configured queue through the supplied
// subscriber.
func New(conf *config.Config, logger logging.ServiceLogger, deps Dependencies) (*Pipeline, error) {
	if deps.Store == nil {
		return nil, ErrStoreRequired
	}
	if deps.Subscriber == nil {
		return nil, ErrSubscriberRequired
	}

	m := deps.Metrics
	if m == nil {
		m = metrics.New(nil)
	}

	now := deps.Now
	if now == nil {
		now = time.Now
	}

	wmLogger := logging.NewWatermillAdapter(logger)
	router, err := message.NewRouter(message.RouterConfig{}, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("create router: %w", err)
	}
	router.AddPlugin(plugin.SignalsHandler)

	p := &Pipeline{
		conf:    conf,
		logger:  logger,
		metrics: m,
		store:   deps.Store,
		router:  router,
		now:     now,
	}

	if err := p.registerMiddlewares(deps); err != nil {
		return nil, err
	}

	router.AddNoPublisherHandler(
		handlerName,
		conf.BrokerQueue,
		deps.Subscriber,
		p.handle,
	)

	return p, nil
}

// Run consumes deliveries until ctx is cancelled or a termination signal
// arrives. In-flight deliveries that never reached ack or nack remain
// unacknowledged on the broker and are redelivered later.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("pipeline starting", logging.LogFields{
		"queue":             p.conf.BrokerQueue,
		"dead_letter_queue": p.conf.DeadLetterQueue,
		"persist_timeout":   p.conf.PersistTimeout.String(),
	})
	return routerRun(p.router, ctx)
}

// Close shuts the router down. Broker and store connections are closed by
// their owners.
func (p *Pipeline) Close() error {
	return p.router.Close()
}

// handle drives one delivery through its terminal state: returning nil acks
// the message, returning an error nacks it with requeue (or forwards it to
// the dead letter queue when the error is a poison classification and a
// queue is configured).
func (p *Pipeline) handle(msg *message.Message) error {
	evt, err := event.Parse(msg.Payload)
	if err != nil {
		p.metrics.ParseFailure()
		p.logger.Warn("unparseable change event, rejecting delivery", logging.LogFields{
			"message_uuid": msg.UUID,
			"error":        err.Error(),
		})
		return &UnprocessableEventError{Payload: string(msg.Payload), Err: err}
	}

	evt.Stamp(p.receivedAt(msg))

	ctx := msg.Context()
	if p.conf.PersistTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.conf.PersistTimeout)
		defer cancel()
	}

	start := p.now()
	if err := p.store.Insert(ctx, evt); err != nil {
		p.metrics.PersistFailure(evt.Database, evt.Table)
		p.logger.Warn("persist failed, requeueing delivery", logging.LogFields{
			"message_uuid": msg.UUID,
			"source":       evt.Source(),
			"error":        err.Error(),
		})
		return fmt.Errorf("persist delivery %s: %w", msg.UUID, err)
	}

	p.metrics.EventPersisted(evt.Database, evt.Table, p.now().Sub(start))
	p.logger.Debug("change event persisted", logging.LogFields{
		"message_uuid": msg.UUID,
		"source":       evt.Source(),
		"kind":         string(evt.Kind()),
	})
	return nil
}

// receivedAt returns the ingestion time for a delivery, assigning it exactly
// once: redeliveries carried through the metadata echo keep the first value.
func (p *Pipeline) receivedAt(msg *message.Message) time.Time {
	if raw := msg.Metadata.Get(metadataKeyReceivedAt); raw != "" {
		if sec, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return time.Unix(sec, 0)
		}
	}
	now := p.now()
	msg.Metadata.Set(metadataKeyReceivedAt, strconv.FormatInt(now.Unix(), 10))
	return now
}
