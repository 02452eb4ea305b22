package pipeline

import (
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/relayforge/maxrelay/internal/ids"
	"github.com/relayforge/maxrelay/internal/logging"
)

// registerMiddlewares attaches the middleware chain. Order matters: the
// poison queue wraps retry so a delivery only dead-letters after its
// in-process retries are exhausted, and the recoverer runs innermost so a
// panicking handler surfaces as a nack, not a crash.
func (p *Pipeline) registerMiddlewares(deps Dependencies) error {
	p.router.AddMiddleware(correlationIDMiddleware())
	p.router.AddMiddleware(logMessagesMiddleware(p.logger))
	p.router.AddMiddleware(tracerMiddleware())

	if p.conf.DeadLetterQueue != "" {
		if deps.DeadLetterPublisher == nil {
			return errors.New("maxrelay: dead letter queue configured without a publisher")
		}
		poison, err := middleware.PoisonQueueWithFilter(
			deps.DeadLetterPublisher,
			p.conf.DeadLetterQueue,
			p.shouldDeadLetter,
		)
		if err != nil {
			return fmt.Errorf("create poison queue middleware: %w", err)
		}
		p.router.AddMiddleware(poison)
	}

	if p.conf.RetryMaxRetries > 0 {
		p.router.AddMiddleware(middleware.Retry{
			MaxRetries:      p.conf.RetryMaxRetries,
			InitialInterval: p.conf.RetryInitialInterval,
			MaxInterval:     p.conf.RetryMaxInterval,
			ShouldRetry: func(params middleware.RetryParams) bool {
				// Retrying a parse failure in-process cannot succeed.
				var unprocessable *UnprocessableEventError
				return !errors.As(params.Err, &unprocessable)
			},
		}.Middleware)
	}

	p.router.AddMiddleware(middleware.Recoverer)
	return nil
}

// shouldDeadLetter routes only poison classifications to the dead letter
// queue; transient persist failures stay on the nack/requeue path.
func (p *Pipeline) shouldDeadLetter(err error) bool {
	var unprocessable *UnprocessableEventError
	if !errors.As(err, &unprocessable) {
		return false
	}
	p.metrics.DeadLettered(p.conf.DeadLetterQueue)
	p.logger.Error("forwarding poison delivery to dead letter queue", err, logging.LogFields{
		"queue": p.conf.DeadLetterQueue,
	})
	return true
}

// correlationIDMiddleware injects a correlation ID into the message metadata when missing.
func correlationIDMiddleware() message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			if _, ok := msg.Metadata["correlation_id"]; !ok {
				msg.Metadata["correlation_id"] = ids.NewMessageID()
			}
			return h(msg)
		}
	}
}

// logMessagesMiddleware logs every handled delivery with its metadata.
func logMessagesMiddleware(logger logging.ServiceLogger) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			logger.Debug("processing delivery", logging.LogFields{
				"message_uuid": msg.UUID,
				"metadata":     msg.Metadata,
			})
			return h(msg)
		}
	}
}

// tracerMiddleware wraps delivery handling in an OpenTelemetry span.
func tracerMiddleware() message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			tracer := otel.Tracer("maxrelay-pipeline")
			ctx, span := tracer.Start(msg.Context(), "PersistChangeEvent")
			defer span.End()
			msg.SetContext(ctx)

			span.SetAttributes(
				attribute.String("message.uuid", msg.UUID),
				attribute.String("message.correlation_id", msg.Metadata["correlation_id"]),
			)
			return h(msg)
		}
	}
}
