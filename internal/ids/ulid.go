// Package ids generates the message and correlation identifiers the relay
// attaches to deliveries.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// The monotonic entropy source is not safe for concurrent use.
var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.Reader, 0)
)

// NewMessageID returns a ULID for a published message or its correlation
// metadata. IDs are 26 characters and sort by creation time, so log lines
// keyed by ID line up chronologically.
func NewMessageID() string {
	mu.Lock()
	defer mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
