package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/relayforge/maxrelay/internal/config"
	"github.com/relayforge/maxrelay/internal/event"
	"github.com/relayforge/maxrelay/internal/logging"
)

// testConfig is built literally so ambient environment variables cannot
// change the connection target assertions.
func testConfig() *config.Config {
	return &config.Config{
		BrokerHost:        "localhost",
		BrokerPort:        5672,
		BrokerExchange:    "maxwell",
		BrokerQueue:       "maxwell_consumer",
		MongoURI:          "mongodb://localhost:27017",
		MongoDatabase:     "binlog_replica",
		MongoCollection:   "changes",
		ReconnectInterval: time.Millisecond,
	}
}

func testLogger() logging.ServiceLogger {
	return logging.NewSlogServiceLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

type fakeInserter struct {
	docs []any
	err  error
}

func (f *fakeInserter) InsertOne(_ context.Context, document interface{}, _ ...*options.InsertOneOptions) (*mongo.InsertOneResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.docs = append(f.docs, document)
	return &mongo.InsertOneResult{}, nil
}

type fakeFinder struct {
	gotFilter any
	gotSort   any
	docs      []interface{}
	err       error
}

func (f *fakeFinder) Find(_ context.Context, filter interface{}, opts ...*options.FindOptions) (*mongo.Cursor, error) {
	f.gotFilter = filter
	if len(opts) > 0 && opts[0] != nil {
		f.gotSort = opts[0].Sort
	}
	if f.err != nil {
		return nil, f.err
	}
	return mongo.NewCursorFromDocuments(f.docs, nil, nil)
}

func TestIndexModels(t *testing.T) {
	models := indexModels()
	if len(models) != 3 {
		t.Fatalf("expected 3 indexes, got %d", len(models))
	}

	compound, ok := models[0].Keys.(bson.D)
	if !ok || len(compound) != 2 || compound[0].Key != "database" || compound[1].Key != "table" {
		t.Fatalf("unexpected compound index keys: %#v", models[0].Keys)
	}

	rowID, _ := models[1].Keys.(bson.D)
	if len(rowID) != 1 || rowID[0].Key != "data.id" {
		t.Fatalf("unexpected row id index keys: %#v", models[1].Keys)
	}

	ts, _ := models[2].Keys.(bson.D)
	if len(ts) != 1 || ts[0].Key != "ts" {
		t.Fatalf("unexpected ts index keys: %#v", models[2].Keys)
	}
}

func TestInsertEvent(t *testing.T) {
	fake := &fakeInserter{}
	evt := &event.ChangeEvent{Database: "sample_db", Table: "users", Type: "insert"}

	if err := insertEvent(context.Background(), fake, evt); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if len(fake.docs) != 1 || fake.docs[0] != evt {
		t.Fatalf("expected exactly the event to be written, got %#v", fake.docs)
	}
}

func TestInsertEventWrapsDriverError(t *testing.T) {
	fake := &fakeInserter{err: errors.New("server selection timeout")}
	evt := &event.ChangeEvent{Database: "sample_db", Table: "users"}

	err := insertEvent(context.Background(), fake, evt)
	if err == nil {
		t.Fatal("expected error from failing driver")
	}
	if !errors.Is(err, fake.err) {
		t.Fatalf("expected wrapped driver error, got %v", err)
	}
}

func TestTailSinceFiltersAndDecodes(t *testing.T) {
	fake := &fakeFinder{docs: []interface{}{
		event.ChangeEvent{Database: "sample_db", Table: "users", Type: "insert", ReceivedAt: 11},
		event.ChangeEvent{Database: "sample_db", Table: "users", Type: "delete", ReceivedAt: 12},
	}}

	events, err := tailSince(context.Background(), fake, 10)
	if err != nil {
		t.Fatalf("tail failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[1].Kind() != event.KindDelete {
		t.Fatalf("unexpected second event: %#v", events[1])
	}

	filter, ok := fake.gotFilter.(bson.M)
	if !ok {
		t.Fatalf("unexpected filter type %T", fake.gotFilter)
	}
	// The cursor second is included so same-second events are never lost.
	cursor, ok := filter["receivedAt"].(bson.M)
	if !ok || cursor["$gte"] != int64(10) {
		t.Fatalf("expected receivedAt >= 10 filter, got %#v", filter)
	}

	// Ties must sort stably so repeated polls see the same order.
	sort, ok := fake.gotSort.(bson.D)
	if !ok || len(sort) != 2 || sort[0].Key != "receivedAt" || sort[1].Key != "_id" {
		t.Fatalf("expected stable receivedAt,_id sort, got %#v", fake.gotSort)
	}
}

func TestTailSinceWrapsError(t *testing.T) {
	fake := &fakeFinder{err: errors.New("no reachable servers")}
	if _, err := tailSince(context.Background(), fake, 0); err == nil {
		t.Fatal("expected error from failing finder")
	}
}

func TestOperationsRequireConnect(t *testing.T) {
	client := New(testConfig(), testLogger())

	if err := client.EnsureIndexes(context.Background()); !IsNotConnected(err) {
		t.Fatalf("expected not-connected error, got %v", err)
	}
	if err := client.Insert(context.Background(), &event.ChangeEvent{}); !IsNotConnected(err) {
		t.Fatalf("expected not-connected error, got %v", err)
	}
	if _, err := client.TailSince(context.Background(), 0); !IsNotConnected(err) {
		t.Fatalf("expected not-connected error, got %v", err)
	}
	if client.Ready() {
		t.Fatal("expected client to be not ready before Connect")
	}
	if err := client.Close(context.Background()); err != nil {
		t.Fatalf("expected nil close on unconnected client, got %v", err)
	}
}

func TestConnectRetriesUntilSuccess(t *testing.T) {
	origConnect := ConnectFactory
	origPing := PingFactory
	t.Cleanup(func() {
		ConnectFactory = origConnect
		PingFactory = origPing
	})

	attempts := 0
	ConnectFactory = func(ctx context.Context, uri string) (*mongo.Client, error) {
		attempts++
		if attempts < 2 {
			return nil, errors.New("connection refused")
		}
		// Connect does not dial eagerly, so no server is needed here.
		return mongo.Connect(ctx, options.Client().ApplyURI(uri))
	}
	PingFactory = func(context.Context, *mongo.Client) error { return nil }

	client := New(testConfig(), testLogger())
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("expected connect to eventually succeed, got %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
	if !client.Ready() {
		t.Fatal("expected client to be ready after Connect")
	}
}

func TestConnectStopsOnContextCancel(t *testing.T) {
	origConnect := ConnectFactory
	t.Cleanup(func() { ConnectFactory = origConnect })

	ConnectFactory = func(context.Context, string) (*mongo.Client, error) {
		return nil, errors.New("connection refused")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	client := New(testConfig(), testLogger())
	if err := client.Connect(ctx); err == nil {
		t.Fatal("expected connect to give up when context is cancelled")
	}
}
