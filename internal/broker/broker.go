// Package broker owns the connection to the message broker. It wraps the
// watermill AMQP transport with the topology the binlog capture tool
// publishes to, and with a connect loop that never gives up.
package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/cenkalti/backoff/v4"

	"github.com/relayforge/maxrelay/internal/config"
	"github.com/relayforge/maxrelay/internal/logging"
)

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

// Topology builds the AMQP configuration: a durable fanout exchange bound to
// a durable queue with an empty routing key, manual acknowledgement, and a
// prefetch of one so a second message is never delivered before the first
// reaches ack or nack.
func Topology(conf *config.Config) amqp.Config {
	cfg := amqp.NewDurablePubSubConfig(
		conf.AMQPURL(),
		amqp.GenerateQueueNameConstant(conf.BrokerQueue),
	)

	cfg.Exchange.GenerateName = func(string) string { return conf.BrokerExchange }
	cfg.Exchange.Type = "fanout"
	cfg.Exchange.Durable = true
	cfg.QueueBind.GenerateRoutingKey = func(string) string { return "" }
	cfg.Publish.GenerateRoutingKey = func(string) string { return "" }
	cfg.Consume.Qos.PrefetchCount = 1
	cfg.Connection.Reconnect = amqp.DefaultReconnectConfig()

	return cfg
}

// DeadLetterTopology builds the AMQP configuration for the dead letter path.
// Messages route through the default exchange straight into a durable queue
// named after the topic, so poison traffic never touches the consume exchange
// and cannot re-enter the consume queue.
func DeadLetterTopology(conf *config.Config) amqp.Config {
	cfg := amqp.NewDurableQueueConfig(conf.AMQPURL())
	cfg.Connection.Reconnect = amqp.DefaultReconnectConfig()
	return cfg
}

// Client owns one broker connection. It is not safe for concurrent use; each
// pipeline instance holds its own Client.
type Client struct {
	conf     *config.Config
	logger   logging.ServiceLogger
	wmLogger watermill.LoggerAdapter

	amqpConfig amqp.Config
	conn       *amqp.ConnectionWrapper
}

// New prepares a broker client for the supplied configuration. No network
// activity happens until Connect.
func New(conf *config.Config, logger logging.ServiceLogger) *Client {
	return &Client{
		conf:       conf,
		logger:     logger,
		wmLogger:   logging.NewWatermillAdapter(logger),
		amqpConfig: Topology(conf),
	}
}

// Connect establishes the broker connection, retrying at the configured fixed
// interval on any failure. It returns only once connected or when ctx is
// cancelled; once established, the underlying wrapper reconnects on drops by
// itself.
func (c *Client) Connect(ctx context.Context) error {
	operation := func() error {
		conn, err := ConnectionFactory(c.amqpConfig.Connection, c.wmLogger)
		if err != nil {
			return err
		}
		c.conn = conn
		return nil
	}

	notify := func(err error, next time.Duration) {
		c.logger.Warn("broker connection failed, retrying", logging.LogFields{
			"host":     c.conf.BrokerHost,
			"port":     c.conf.BrokerPort,
			"retry_in": next.String(),
			"error":    err.Error(),
		})
	}

	bo := backoff.WithContext(backoff.NewConstantBackOff(c.conf.ReconnectInterval), ctx)
	if err := backoff.RetryNotify(operation, bo, notify); err != nil {
		return err
	}

	c.logger.Info("broker connection established", logging.LogFields{
		"host":     c.conf.BrokerHost,
		"port":     c.conf.BrokerPort,
		"exchange": c.conf.BrokerExchange,
		"queue":    c.conf.BrokerQueue,
	})
	return nil
}

// Ready reports whether the underlying connection is currently usable. The
// orchestrator polls this for its readiness gauge.
func (c *Client) Ready() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// Subscriber returns a subscriber that consumes the bound queue, declaring
// the exchange, queue, and binding on first use.
func (c *Client) Subscriber() (message.Subscriber, error) {
	return SubscriberFactory(c.amqpConfig, c.wmLogger, c.conn)
}

// Publisher returns a publisher targeting the exchange. Used by the traffic
// generator.
func (c *Client) Publisher() (message.Publisher, error) {
	return PublisherFactory(c.amqpConfig, c.wmLogger, c.conn)
}

// DeadLetterPublisher returns a publisher that delivers straight to the named
// durable queue, declaring it first so poison messages are retained even
// before anything consumes them.
func (c *Client) DeadLetterPublisher(queue string) (message.Publisher, error) {
	cfg := DeadLetterTopology(c.conf)

	sub, err := SubscriberFactory(cfg, c.wmLogger, c.conn)
	if err != nil {
		return nil, err
	}
	if initializer, ok := sub.(message.SubscribeInitializer); ok {
		if err := initializer.SubscribeInitialize(queue); err != nil {
			return nil, fmt.Errorf("declare dead letter queue %s: %w", queue, err)
		}
	}
	if err := sub.Close(); err != nil {
		return nil, err
	}

	return PublisherFactory(cfg, c.wmLogger, c.conn)
}

// Close tears the connection down. Messages that never reached ack or nack
// stay on the broker and are redelivered to the next consumer.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
