// Package notify tells staff about venue events over chat and webhooks.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tabhouse/tabhouse/internal/closing"
	"github.com/tabhouse/tabhouse/pkg/protocol"
)

// Event kinds.
const (
	KindStateChanged    = "state_changed"
	KindClosingFinished = "closing_finished"
)

// Event is one notification. Text is a short Markdown summary; sinks that
// cannot render Markdown strip it.
type Event struct {
	Kind string    `json:"kind"`
	Time time.Time `json:"time"`
	Text string    `json:"text"`
	Data any       `json:"data,omitempty"`
}

// Sink delivers events to one destination.
type Sink interface {
	Name() string
	Send(ctx context.Context, e Event) error
}

// StateEvent describes an operating state change.
func StateEvent(st protocol.OperatingState) Event {
	text := "Venue is now **CLOSED**"
	if st.IsOpen {
		text = "Venue is now **OPEN**"
	}
	switch {
	case st.ForcedOpen:
		text += " (opened manually)"
	case st.ForcedClosedDate != "":
		text += " (closed manually for " + st.ForcedClosedDate + ")"
	}
	return Event{Kind: KindStateChanged, Time: st.EvaluatedAt, Text: text, Data: st}
}

// ClosingEvent summarizes a finished closing sequence.
func ClosingEvent(run closing.Run) Event {
	var b strings.Builder
	if run.Err != "" {
		fmt.Fprintf(&b, "**Closing failed**: %s", run.Err)
	} else {
		fmt.Fprintf(&b, "**Closing finished**: %d tickets archived", run.Archived)
		if run.Drained > 0 {
			fmt.Fprintf(&b, ", %d closed automatically", run.Drained)
		}
	}
	switch {
	case run.TimedOut:
		b.WriteString(" after the drain wait ran out")
	case run.Interrupted:
		b.WriteString(" during shutdown")
	}
	return Event{Kind: KindClosingFinished, Time: run.FinishedAt, Text: b.String(), Data: run}
}

// Dispatcher queues events and sends them to every sink from a single
// worker. Publish never blocks, so it is safe to call from the operating
// machine's timeline.
type Dispatcher struct {
	sinks   []Sink
	logger  *slog.Logger
	timeout time.Duration

	mu     sync.Mutex
	queue  chan Event
	closed bool
	done   chan struct{}
}

// NewDispatcher creates a dispatcher. Call Run to start delivery.
func NewDispatcher(sinks []Sink, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		sinks:   sinks,
		logger:  logger.With("component", "notify"),
		timeout: 10 * time.Second,
		queue:   make(chan Event, 64),
		done:    make(chan struct{}),
	}
}

// Publish queues e. When the queue is full or the dispatcher is closed the
// event is dropped.
func (d *Dispatcher) Publish(e Event) {
	if len(d.sinks) == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- e:
	default:
		d.logger.Warn("notification dropped, queue full", "kind", e.Kind)
	}
}

// Run delivers queued events until Close has been called and the queue is
// empty, or ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer close(d.done)
	for {
		select {
		case e, ok := <-d.queue:
			if !ok {
				return nil
			}
			d.deliver(ctx, e)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops accepting events and waits for the queue to drain or ctx to
// end. Run must have been started.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) deliver(ctx context.Context, e Event) {
	for _, s := range d.sinks {
		sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
		err := s.Send(sendCtx, e)
		cancel()
		if err != nil {
			d.logger.Warn("notification failed", "sink", s.Name(), "kind", e.Kind, "error", err)
			continue
		}
		d.logger.Debug("notification sent", "sink", s.Name(), "kind", e.Kind)
	}
}
