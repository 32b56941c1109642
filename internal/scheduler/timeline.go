package scheduler

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tabhouse/tabhouse/internal/clock"
)

// ErrStopped is returned when work is submitted to a stopped timeline.
var ErrStopped = errors.New("scheduler: timeline stopped")

// Timeline runs submitted tasks one at a time, in submission order, on a
// single worker goroutine. Delayed tasks are armed on a Clock and join the
// same queue when they fire, so they never run concurrently with other
// tasks on the timeline.
type Timeline struct {
	name   string
	clock  clock.Clock
	logger *slog.Logger

	mu      sync.Mutex
	queue   []func()
	stopped bool
	wake    chan struct{}
	done    chan struct{}
}

// NewTimeline starts a timeline worker. Call Stop to shut it down.
func NewTimeline(name string, clk clock.Clock, logger *slog.Logger) *Timeline {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.Real()
	}
	t := &Timeline{
		name:   name,
		clock:  clk,
		logger: logger.With("timeline", name),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go t.run()
	return t
}

// Submit queues fn. It never blocks.
func (t *Timeline) Submit(fn func()) error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return ErrStopped
	}
	t.queue = append(t.queue, fn)
	select {
	case t.wake <- struct{}{}:
	default:
	}
	t.mu.Unlock()
	return nil
}

// Do queues fn and waits for it to finish. It must not be called from a
// task running on the same timeline.
func (t *Timeline) Do(fn func()) error {
	finished := make(chan struct{})
	if err := t.Submit(func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}
	<-finished
	return nil
}

// Sync waits until every task submitted before the call has run.
func (t *Timeline) Sync() error {
	return t.Do(func() {})
}

// Schedule queues fn once d has elapsed on the timeline's clock. The
// returned timer cancels it if it has not fired yet.
func (t *Timeline) Schedule(d time.Duration, fn func()) *clock.Timer {
	return t.clock.AfterFunc(d, func() {
		if err := t.Submit(fn); err != nil {
			t.logger.Debug("delayed task dropped", "error", err)
		}
	})
}

// Stop refuses new work, runs what is already queued, and waits for the
// worker to exit. Calling Stop more than once is safe.
func (t *Timeline) Stop() {
	t.mu.Lock()
	if !t.stopped {
		t.stopped = true
		close(t.wake)
	}
	t.mu.Unlock()
	<-t.done
}

func (t *Timeline) run() {
	defer close(t.done)
	for {
		_, open := <-t.wake
		for {
			t.mu.Lock()
			batch := t.queue
			t.queue = nil
			t.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, fn := range batch {
				t.exec(fn)
			}
		}
		if !open {
			return
		}
	}
}

func (t *Timeline) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("task panicked", "panic", fmt.Sprintf("%v", r))
		}
	}()
	fn()
}
