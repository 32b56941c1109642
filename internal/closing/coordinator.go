// Package closing runs the end-of-day closing sequence: wait for open
// tickets to settle, sweep the rest into CLOSED, archive the day and reset
// the ticket store.
package closing

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/tabhouse/tabhouse/internal/clock"
	"github.com/tabhouse/tabhouse/internal/metrics"
	"github.com/tabhouse/tabhouse/internal/scheduler"
	"github.com/tabhouse/tabhouse/internal/ticket"
)

const (
	DefaultPollInterval = 30 * time.Second
	DefaultMaxWait      = 60 * time.Minute
)

// Tickets is the part of the lifecycle service the sequence drives.
type Tickets interface {
	AreAllTicketsClosed() bool
	MoveAllToClosed() (int, error)
	SerializeClosedTickets() (*ticket.ArchiveResult, error)
	ArchiveExists() bool
	ClearAllTickets() error
	ClearRecoveryFile() error
	Counts() (active, completed, closed int)
}

// Override reports a "closed for the rest of today" override. When one
// is present the sequence stops waiting and drains at once.
type Override interface {
	ForcedClosedToday() bool
}

// Recorder indexes archive writes.
type Recorder interface {
	Record(result *ticket.ArchiveResult) error
}

// Options configures a Coordinator.
type Options struct {
	PollInterval time.Duration
	MaxWait      time.Duration
	Clock        clock.Clock
	Logger       *slog.Logger
	// Index, when set, receives every successful archive write.
	Index Recorder
	// OnFinish, when set, is called with every finished run.
	OnFinish func(Run)
}

// Run describes one closing sequence.
type Run struct {
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Drained     int       `json:"drained"`
	Archived    int       `json:"archived"`
	ArchivePath string    `json:"archive_path,omitempty"`
	TimedOut    bool      `json:"timed_out"`
	Interrupted bool      `json:"interrupted"`
	Err         string    `json:"error,omitempty"`
}

// Coordinator runs closing sequences on its own timeline so a long drain
// wait never holds up the operating state machine.
type Coordinator struct {
	tickets  Tickets
	index    Recorder
	onFinish func(Run)
	poll     time.Duration
	maxWait  time.Duration
	clock    clock.Clock
	logger   *slog.Logger
	timeline *scheduler.Timeline

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	idle     *sync.Cond
	override Override
	queued   bool
	inflight int
	last     *Run
}

// New creates a coordinator. Its timeline runs until Stop.
func New(tickets Tickets, opts Options) *Coordinator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = DefaultMaxWait
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("component", "closing")
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		tickets:  tickets,
		index:    opts.Index,
		onFinish: opts.OnFinish,
		poll:     opts.PollInterval,
		maxWait:  opts.MaxWait,
		clock:    opts.Clock,
		logger:   logger,
		timeline: scheduler.NewTimeline("closing", opts.Clock, logger),
		ctx:      ctx,
		cancel:   cancel,
	}
	c.idle = sync.NewCond(&c.mu)
	return c
}

// SetOverride installs the forced-close predicate. The operating machine
// is built after the coordinator, so it is wired in afterwards.
func (c *Coordinator) SetOverride(o Override) {
	c.mu.Lock()
	c.override = o
	c.mu.Unlock()
}

// Start queues a closing sequence and returns at once. While one is
// queued or still waiting for tickets to settle, further calls join it.
func (c *Coordinator) Start() {
	c.mu.Lock()
	if c.queued {
		c.mu.Unlock()
		c.logger.Debug("closing sequence already pending")
		return
	}
	c.queued = true
	c.inflight++
	c.mu.Unlock()

	if err := c.timeline.Submit(c.run); err != nil {
		c.logger.Warn("closing sequence not started", "error", err)
		c.finish()
		c.mu.Lock()
		c.queued = false
		c.mu.Unlock()
	}
}

// Wait blocks until no sequence is queued or running.
func (c *Coordinator) Wait() {
	c.mu.Lock()
	for c.inflight > 0 {
		c.idle.Wait()
	}
	c.mu.Unlock()
}

// Stop interrupts any drain wait, so a running sequence drains
// immediately, then waits for it to finish or for ctx to end.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.cancel()
	done := make(chan struct{})
	go func() {
		c.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.timeline.Stop()
	return nil
}

// LastRun returns the most recent finished sequence.
func (c *Coordinator) LastRun() (Run, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return Run{}, false
	}
	return *c.last, true
}

func (c *Coordinator) finish() {
	c.mu.Lock()
	c.inflight--
	if c.inflight == 0 {
		c.idle.Broadcast()
	}
	c.mu.Unlock()
}

func (c *Coordinator) forcedClosed() bool {
	c.mu.Lock()
	o := c.override
	c.mu.Unlock()
	return o != nil && o.ForcedClosedToday()
}

func (c *Coordinator) run() {
	defer c.finish()

	run := &Run{StartedAt: c.clock.Now()}
	c.logger.Info("closing sequence started")

	c.wait(run)

	// Later closing edges get a run of their own from here on.
	c.mu.Lock()
	c.queued = false
	c.mu.Unlock()

	result := "ok"
	if err := c.drain(run); err != nil {
		run.Err = err.Error()
		result = "error"
		c.logger.Error("closing sequence failed", "error", err)
	} else if run.TimedOut {
		result = "timeout"
	} else if run.Interrupted {
		result = "interrupted"
	}
	run.FinishedAt = c.clock.Now()

	metrics.RecordClosingRun(result, run.FinishedAt.Sub(run.StartedAt), run.Archived)
	c.logger.Info("closing sequence finished",
		"result", result,
		"drained", run.Drained,
		"archived", run.Archived,
		"duration", run.FinishedAt.Sub(run.StartedAt).String())

	c.mu.Lock()
	c.last = run
	c.mu.Unlock()

	if c.onFinish != nil {
		c.onFinish(*run)
	}
}

// wait polls until every ticket is closed, a forced close shows up, the
// ceiling passes, or the coordinator is stopped.
func (c *Coordinator) wait(run *Run) {
	deadline := run.StartedAt.Add(c.maxWait)
	for {
		if c.tickets.AreAllTicketsClosed() {
			return
		}
		if c.forcedClosed() {
			c.logger.Info("forced close, draining now")
			return
		}
		now := c.clock.Now()
		if !now.Before(deadline) {
			active, completed, _ := c.tickets.Counts()
			c.logger.Warn("drain wait exceeded, forcing close",
				"started", humanize.RelTime(run.StartedAt, now, "ago", "from now"),
				"active", active,
				"completed", completed)
			run.TimedOut = true
			return
		}

		d := c.poll
		if remaining := deadline.Sub(now); remaining < d {
			d = remaining
		}
		select {
		case <-c.ctx.Done():
			c.logger.Info("shutdown during drain wait, draining now")
			run.Interrupted = true
			return
		case <-c.clock.After(d):
		}
	}
}

// drain sweeps, archives and resets. An archive failure stops before the
// reset so the closed tickets stay in memory.
func (c *Coordinator) drain(run *Run) error {
	n, err := c.tickets.MoveAllToClosed()
	if err != nil {
		return err
	}
	run.Drained = n

	_, _, closed := c.tickets.Counts()
	if closed == 0 && c.tickets.ArchiveExists() {
		c.logger.Info("nothing to archive, keeping existing archive")
	} else {
		res, err := c.tickets.SerializeClosedTickets()
		if err != nil {
			return err
		}
		run.Archived = res.Summary.TicketCount
		run.ArchivePath = res.Path
		c.logger.Info("archive written",
			"date", res.Date,
			"path", res.Path,
			"tickets", res.Summary.TicketCount,
			"size", humanize.Bytes(uint64(res.Bytes)))
		if c.index != nil {
			if err := c.index.Record(res); err != nil {
				c.logger.Warn("archive index update failed", "date", res.Date, "error", err)
			}
		}
	}

	if err := c.tickets.ClearAllTickets(); err != nil {
		return err
	}
	return c.tickets.ClearRecoveryFile()
}
