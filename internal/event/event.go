// Package event defines the row-level change event relayed from the binlog
// capture tool into the document store.
package event

import (
	"fmt"
	"time"

	"github.com/relayforge/maxrelay/internal/jsoncodec"
)

// UnknownSource is substituted when the producer omits the database or table.
const UnknownSource = "unknown"

// Kind classifies a change event.
type Kind string

const (
	KindInsert Kind = "insert"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
	KindOther  Kind = "other"
)

// KindOf maps a producer-supplied type string onto a Kind. Anything outside
// the known set maps to KindOther rather than erroring.
func KindOf(s string) Kind {
	switch Kind(s) {
	case KindInsert, KindUpdate, KindDelete:
		return Kind(s)
	default:
		return KindOther
	}
}

// ChangeEvent is one row-level change as published by the capture tool,
// immutable once parsed. The persisted document is exactly this value: the
// producer's fields plus the relay-stamped ReceivedAt.
type ChangeEvent struct {
	Database string         `json:"database" bson:"database"`
	Table    string         `json:"table" bson:"table"`
	Type     string         `json:"type" bson:"type"`
	Data     map[string]any `json:"data,omitempty" bson:"data,omitempty"`
	Old      map[string]any `json:"old,omitempty" bson:"old,omitempty"`

	// TS is the producer-assigned event time in milliseconds since epoch.
	TS int64 `json:"ts" bson:"ts"`

	// ReceivedAt is the relay-assigned ingestion time in seconds since
	// epoch. It is stamped exactly once, at first successful parse, and
	// never overwritten on retry.
	ReceivedAt int64 `json:"receivedAt,omitempty" bson:"receivedAt,omitempty"`
}

// Parse decodes a raw message body into a ChangeEvent. Absent database or
// table identifiers become UnknownSource; a body that is not valid JSON is a
// parse error and never reaches the store.
func Parse(payload []byte) (*ChangeEvent, error) {
	var evt ChangeEvent
	if err := jsoncodec.Unmarshal(payload, &evt); err != nil {
		return nil, fmt.Errorf("parse change event: %w", err)
	}
	if evt.Database == "" {
		evt.Database = UnknownSource
	}
	if evt.Table == "" {
		evt.Table = UnknownSource
	}
	return &evt, nil
}

// Kind returns the classified change kind.
func (e *ChangeEvent) Kind() Kind {
	return KindOf(e.Type)
}

// Stamp records the ingestion time. It is a no-op when ReceivedAt is already
// set so redelivered events keep their first-parse timestamp.
func (e *ChangeEvent) Stamp(now time.Time) {
	if e.ReceivedAt != 0 {
		return
	}
	e.ReceivedAt = now.Unix()
}

// RowID returns the identifier column of the changed row, or nil when the
// producer supplied none.
func (e *ChangeEvent) RowID() any {
	if e.Data == nil {
		return nil
	}
	return e.Data["id"]
}

// Source renders the database.table pair the event originates from.
func (e *ChangeEvent) Source() string {
	return e.Database + "." + e.Table
}
