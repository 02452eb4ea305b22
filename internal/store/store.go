// Package store owns the connection to the document store. Writes are single
// atomic document inserts; connecting retries forever because the relay has
// no degraded mode without its store.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/relayforge/maxrelay/internal/config"
	"github.com/relayforge/maxrelay/internal/event"
	"github.com/relayforge/maxrelay/internal/logging"
)

// ConnectFactory allows overriding the driver connection for testing.
var ConnectFactory = func(ctx context.Context, uri string) (*mongo.Client, error) {
	return mongo.Connect(ctx, options.Client().ApplyURI(uri))
}

// PingFactory allows overriding the connection validation for testing.
var PingFactory = func(ctx context.Context, client *mongo.Client) error {
	return client.Ping(ctx, nil)
}

type inserter interface {
	InsertOne(ctx context.Context, document interface{}, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
}

type finder interface {
	Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (*mongo.Cursor, error)
}

// Client owns one store connection and the target collection handle.
type Client struct {
	conf   *config.Config
	logger logging.ServiceLogger

	client *mongo.Client
	coll   *mongo.Collection
}

// New prepares a store client. No network activity happens until Connect.
func New(conf *config.Config, logger logging.ServiceLogger) *Client {
	return &Client{conf: conf, logger: logger}
}

// Connect establishes and validates the store connection, retrying at the
// configured fixed interval until it succeeds or ctx is cancelled. A client
// that fails validation is discarded, never reused.
func (c *Client) Connect(ctx context.Context) error {
	operation := func() error {
		client, err := ConnectFactory(ctx, c.conf.MongoURI)
		if err != nil {
			return err
		}
		if err := PingFactory(ctx, client); err != nil {
			_ = client.Disconnect(ctx)
			return err
		}
		c.client = client
		c.coll = client.Database(c.conf.MongoDatabase).Collection(c.conf.MongoCollection)
		return nil
	}

	notify := func(err error, next time.Duration) {
		c.logger.Warn("store connection failed, retrying", logging.LogFields{
			"database": c.conf.MongoDatabase,
			"retry_in": next.String(),
			"error":    err.Error(),
		})
	}

	bo := backoff.WithContext(backoff.NewConstantBackOff(c.conf.ReconnectInterval), ctx)
	if err := backoff.RetryNotify(operation, bo, notify); err != nil {
		return err
	}

	c.logger.Info("store connection established", logging.LogFields{
		"database":   c.conf.MongoDatabase,
		"collection": c.conf.MongoCollection,
	})
	return nil
}

// Ready reports whether the collection handle is usable.
func (c *Client) Ready() bool {
	return c.coll != nil
}

// indexModels returns the index set the relay maintains on the collection:
// a compound index on the event source, the changed row's identifier, and
// the producer-assigned event time.
func indexModels() []mongo.IndexModel {
	return []mongo.IndexModel{
		{Keys: bson.D{{Key: "database", Value: 1}, {Key: "table", Value: 1}}},
		{Keys: bson.D{{Key: "data.id", Value: 1}}},
		{Keys: bson.D{{Key: "ts", Value: 1}}},
	}
}

// EnsureIndexes creates the collection indexes. Creating an index that
// already exists is a no-op on the server side, so this is idempotent.
func (c *Client) EnsureIndexes(ctx context.Context) error {
	if c.coll == nil {
		return errNotConnected
	}
	if _, err := c.coll.Indexes().CreateMany(ctx, indexModels()); err != nil {
		return fmt.Errorf("ensure indexes: %w", err)
	}
	return nil
}

// Insert persists one change event as a single atomic document write.
func (c *Client) Insert(ctx context.Context, evt *event.ChangeEvent) error {
	if c.coll == nil {
		return errNotConnected
	}
	return insertEvent(ctx, c.coll, evt)
}

func insertEvent(ctx context.Context, coll inserter, evt *event.ChangeEvent) error {
	if _, err := coll.InsertOne(ctx, evt); err != nil {
		return fmt.Errorf("persist change event %s: %w", evt.Source(), err)
	}
	return nil
}

// TailSince returns the persisted events ingested at or after the given
// receivedAt cursor, oldest first. The cursor second is included so events
// that land within the same second as a previous poll are not lost; the
// caller deduplicates. Ties sort by insertion order so repeated polls see a
// stable sequence. Used by the tailing viewer.
func (c *Client) TailSince(ctx context.Context, since int64) ([]event.ChangeEvent, error) {
	if c.coll == nil {
		return nil, errNotConnected
	}
	return tailSince(ctx, c.coll, since)
}

func tailSince(ctx context.Context, coll finder, since int64) ([]event.ChangeEvent, error) {
	cursor, err := coll.Find(ctx,
		bson.M{"receivedAt": bson.M{"$gte": since}},
		options.Find().SetSort(bson.D{{Key: "receivedAt", Value: 1}, {Key: "_id", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("tail changes: %w", err)
	}

	var events []event.ChangeEvent
	if err := cursor.All(ctx, &events); err != nil {
		return nil, fmt.Errorf("decode changes: %w", err)
	}
	return events, nil
}

// Close disconnects from the store.
func (c *Client) Close(ctx context.Context) error {
	if c.client == nil {
		return nil
	}
	return c.client.Disconnect(ctx)
}
