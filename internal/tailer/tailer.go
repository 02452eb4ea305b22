// Package tailer implements the tailing viewer: a best-effort display client
// that polls the store collection for freshly ingested change events.
package tailer

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/relayforge/maxrelay/internal/event"
	"github.com/relayforge/maxrelay/internal/jsoncodec"
	"github.com/relayforge/maxrelay/internal/logging"
)

// Finder is the slice of the store client the tailer reads through.
type Finder interface {
	TailSince(ctx context.Context, since int64) ([]event.ChangeEvent, error)
}

// Tailer polls for documents at or past its receivedAt cursor and renders
// them, sleeping a fixed interval between polls. receivedAt has second
// resolution, so the query includes the cursor second and the tailer counts
// the events it already rendered there to skip them on the next poll.
type Tailer struct {
	finder   Finder
	logger   logging.ServiceLogger
	out      io.Writer
	interval time.Duration

	cursor   int64
	rendered int // events already rendered at the cursor second
}

// New builds a tailer starting at the given receivedAt cursor. Pass the
// current time in seconds to tail only new events, or zero to replay the
// whole collection.
func New(finder Finder, logger logging.ServiceLogger, out io.Writer, interval time.Duration, since int64) *Tailer {
	return &Tailer{
		finder:   finder,
		logger:   logger,
		out:      out,
		interval: interval,
		cursor:   since,
	}
}

// Run polls until ctx is cancelled. Query failures are logged and retried on
// the next tick; the viewer never gives up.
func (t *Tailer) Run(ctx context.Context) error {
	for {
		t.poll(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(t.interval):
		}
	}
}

func (t *Tailer) poll(ctx context.Context) {
	events, err := t.finder.TailSince(ctx, t.cursor)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		t.logger.Warn("tail poll failed", logging.LogFields{"error": err.Error()})
		return
	}

	// Results are sorted by receivedAt ascending with a stable tie order, so
	// the first events at the cursor second are the ones already rendered.
	fresh := make([]event.ChangeEvent, 0, len(events))
	skipped := 0
	for _, evt := range events {
		if evt.ReceivedAt == t.cursor && skipped < t.rendered {
			skipped++
			continue
		}
		fresh = append(fresh, evt)
	}
	if len(fresh) == 0 {
		return
	}

	Render(t.out, fresh)

	last := fresh[len(fresh)-1].ReceivedAt
	count := 0
	for i := len(fresh) - 1; i >= 0 && fresh[i].ReceivedAt == last; i-- {
		count++
	}
	if last == t.cursor {
		t.rendered += count
	} else {
		t.cursor = last
		t.rendered = count
	}
}

// Cursor exposes the current receivedAt watermark.
func (t *Tailer) Cursor() int64 {
	return t.cursor
}

// Render writes one table for a batch of events, marking each change kind
// distinctly.
func Render(w io.Writer, events []event.ChangeEvent) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Kind", "Source", "Row", "Change"})
	table.SetAutoWrapText(false)
	for i := range events {
		table.Append(renderRow(&events[i]))
	}
	table.Render()
}

func renderRow(evt *event.ChangeEvent) []string {
	return []string{
		string(evt.Kind()),
		evt.Source(),
		fmt.Sprintf("%v", evt.RowID()),
		renderChange(evt),
	}
}

func renderChange(evt *event.ChangeEvent) string {
	switch evt.Kind() {
	case event.KindInsert:
		return "+ " + compactJSON(evt.Data)
	case event.KindUpdate:
		return compactJSON(evt.Old) + " -> " + compactJSON(evt.Data)
	case event.KindDelete:
		return "- " + compactJSON(evt.Data)
	default:
		return compactJSON(evt.Data)
	}
}

func compactJSON(v map[string]any) string {
	if len(v) == 0 {
		return "{}"
	}
	data, err := jsoncodec.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
