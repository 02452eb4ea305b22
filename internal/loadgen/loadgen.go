// Package loadgen produces synthetic change events for exercising the relay.
// Generation is a pure function from a random source so test traffic is
// reproducible from a seed.
package loadgen

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/relayforge/maxrelay/internal/event"
	"github.com/relayforge/maxrelay/internal/ids"
	"github.com/relayforge/maxrelay/internal/jsoncodec"
	"github.com/relayforge/maxrelay/internal/logging"
)

const syntheticDatabase = "sample_db"

var (
	tables     = []string{"users", "orders", "payments"}
	firstNames = []string{"John", "Jane", "Ada", "Linus", "Grace", "Alan"}
	lastNames  = []string{"Doe", "Smith", "Lovelace", "Hopper", "Turing"}
)

// Generate derives one synthetic change event from the random source.
// Inserts dominate, the way real binlog traffic skews; updates carry the
// prior column values.
func Generate(r *rand.Rand, now time.Time) event.ChangeEvent {
	table := tables[r.Intn(len(tables))]
	id := r.Intn(10000) + 1
	name := firstNames[r.Intn(len(firstNames))] + " " + lastNames[r.Intn(len(lastNames))]

	evt := event.ChangeEvent{
		Database: syntheticDatabase,
		Table:    table,
		Data: map[string]any{
			"id":   id,
			"name": name,
		},
		TS: now.UnixMilli(),
	}

	switch roll := r.Intn(10); {
	case roll < 6:
		evt.Type = string(event.KindInsert)
	case roll < 9:
		evt.Type = string(event.KindUpdate)
		evt.Old = map[string]any{
			"id":   id,
			"name": firstNames[r.Intn(len(firstNames))] + " " + lastNames[r.Intn(len(lastNames))],
		}
	default:
		evt.Type = string(event.KindDelete)
	}

	return evt
}

// Runner publishes generated events through a message publisher.
type Runner struct {
	publisher message.Publisher
	topic     string
	logger    logging.ServiceLogger
	rand      *rand.Rand
	now       func() time.Time
}

// NewRunner builds a runner publishing to the given topic. The seed makes a
// run reproducible.
func NewRunner(publisher message.Publisher, topic string, logger logging.ServiceLogger, seed int64) *Runner {
	return &Runner{
		publisher: publisher,
		topic:     topic,
		logger:    logger,
		rand:      rand.New(rand.NewSource(seed)),
		now:       time.Now,
	}
}

// Run publishes count events, sleeping interval between them, until done or
// ctx is cancelled.
func (g *Runner) Run(ctx context.Context, count int, interval time.Duration) error {
	for i := 0; i < count; i++ {
		if err := g.publishOne(); err != nil {
			return fmt.Errorf("publish synthetic event %d: %w", i+1, err)
		}
		if i == count-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
	g.logger.Info("traffic generation finished", logging.LogFields{"count": count})
	return nil
}

func (g *Runner) publishOne() error {
	evt := Generate(g.rand, g.now())
	payload, err := jsoncodec.Marshal(evt)
	if err != nil {
		return err
	}

	msg := message.NewMessage(ids.NewMessageID(), payload)
	if err := g.publisher.Publish(g.topic, msg); err != nil {
		return err
	}

	g.logger.Debug("published synthetic event", logging.LogFields{
		"kind":   evt.Type,
		"source": evt.Source(),
	})
	return nil
}
