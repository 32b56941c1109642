// Package operating decides whether the venue is open for new business.
//
// A Machine re-evaluates its state against the weekly hours and the clock
// whenever asked and whenever one of its own timers fires. All evaluation
// runs on one scheduler.Timeline, so transitions never overlap. Each
// evaluation arms exactly one follow-up timer and cancels the previous
// one.
package operating

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tabhouse/tabhouse/internal/clock"
	"github.com/tabhouse/tabhouse/internal/metrics"
	"github.com/tabhouse/tabhouse/internal/scheduler"
	"github.com/tabhouse/tabhouse/pkg/protocol"
)

// HoursSource supplies the raw open and close strings for a weekday. ok is
// false when the venue does not open that day.
type HoursSource interface {
	OpenTime(day time.Weekday) (string, bool)
	CloseTime(day time.Weekday) (string, bool)
}

// Closer starts the closing sequence. Start must not block.
type Closer interface {
	Start()
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock sets the time source. Defaults to the wall clock.
func WithClock(c clock.Clock) Option { return func(m *Machine) { m.clock = c } }

// WithLocation sets the venue's time zone. Defaults to time.Local.
func WithLocation(loc *time.Location) Option { return func(m *Machine) { m.loc = loc } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(m *Machine) { m.logger = l } }

// WithLeftovers reports whether tickets are still open. When the machine
// starts after hours with tickets left over, it runs the closing sequence
// for them.
func WithLeftovers(fn func() bool) Option { return func(m *Machine) { m.leftovers = fn } }

// Machine is the operating state machine.
type Machine struct {
	hours     HoursSource
	closer    Closer
	leftovers func() bool
	clock     clock.Clock
	loc       *time.Location
	logger    *slog.Logger
	timeline  *scheduler.Timeline

	open atomic.Bool

	// Owned by the timeline worker.
	forcedOpen       bool
	forcedOpenDate   string
	forcedClosedDate string
	timer            *clock.Timer
	gen              uint64
	nextCheck        time.Time

	mu    sync.RWMutex
	state protocol.OperatingState
	subs  []func(protocol.OperatingState)
}

// New builds a machine in the CLOSED state. Call Start to run the first
// evaluation.
func New(hours HoursSource, closer Closer, opts ...Option) *Machine {
	m := &Machine{
		hours:     hours,
		closer:    closer,
		leftovers: func() bool { return false },
		clock:     clock.Real(),
		loc:       time.Local,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "operating")
	m.timeline = scheduler.NewTimeline("operating", m.clock, m.logger)
	return m
}

// Start runs the first evaluation and stops the machine when ctx is done.
func (m *Machine) Start(ctx context.Context) error {
	if err := m.CheckAndScheduleState(); err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		m.Stop()
	}()
	return nil
}

// Stop cancels the pending timer and shuts the timeline down. Safe to
// call more than once.
func (m *Machine) Stop() {
	_ = m.timeline.Do(func() {
		m.timer.Stop()
		m.timer = nil
		m.gen++
	})
	m.timeline.Stop()
}

// IsOpen reports whether the venue is open for new business.
func (m *Machine) IsOpen() bool {
	return m.open.Load()
}

// State returns the last published state.
func (m *Machine) State() protocol.OperatingState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// ForcedClosedToday reports whether a "closed for the rest of today"
// override is in effect right now.
func (m *Machine) ForcedClosedToday() bool {
	date := m.State().ForcedClosedDate
	return date != "" && date == m.today()
}

// Subscribe registers fn to receive every published state change. fn runs
// on the machine's timeline and must not call back into the machine.
func (m *Machine) Subscribe(fn func(protocol.OperatingState)) {
	m.mu.Lock()
	m.subs = append(m.subs, fn)
	m.mu.Unlock()
}

// CheckAndScheduleState re-evaluates the state now. It is idempotent.
func (m *Machine) CheckAndScheduleState() error {
	return m.timeline.Do(m.evaluate)
}

// HoursChanged drops any forced-open override and re-evaluates against
// the new hours.
func (m *Machine) HoursChanged() error {
	return m.timeline.Do(func() {
		if m.forcedOpen {
			m.logger.Info("hours changed, forced open cleared")
		}
		m.forcedOpen = false
		m.evaluate()
	})
}

// ForceOpen opens the venue now and keeps it open past closing time until
// the hours change or the date rolls over.
func (m *Machine) ForceOpen() error {
	return m.timeline.Do(func() {
		now := m.now()
		m.forcedOpen = true
		m.forcedOpenDate = clock.DateOf(now)
		m.forcedClosedDate = ""
		m.logger.Info("forced open", "date", m.forcedOpenDate)
		m.setOpen(true, "force_open")
		m.evaluate()
	})
}

// ForceClose closes the venue for the rest of today and runs the closing
// sequence. Repeating it on the same day changes nothing.
func (m *Machine) ForceClose() error {
	return m.timeline.Do(func() {
		today := m.today()
		if m.forcedClosedDate == today && !m.open.Load() {
			m.scheduleAt(clock.NextMidnight(m.now()), m.evaluate)
			m.publish()
			return
		}
		m.forcedOpen = false
		m.forcedClosedDate = today
		m.logger.Info("forced closed", "date", today)
		m.closingTransition("force_close")
	})
}

// Sync waits for every evaluation queued before the call, including ones
// queued by timers that have already fired.
func (m *Machine) Sync() error {
	return m.timeline.Sync()
}

func (m *Machine) now() time.Time {
	return m.clock.Now().In(m.loc)
}

func (m *Machine) today() string {
	return clock.DateOf(m.now())
}

// evaluate applies the scheduling rules in order. Runs on the timeline.
func (m *Machine) evaluate() {
	now := m.now()
	today := clock.DateOf(now)
	midnight := clock.NextMidnight(now)
	defer m.publish()

	if m.forcedOpen && m.forcedOpenDate != today {
		m.logger.Info("forced open expired", "forced_on", m.forcedOpenDate)
		m.forcedOpen = false
	}

	if m.forcedClosedDate != "" {
		if m.forcedClosedDate == today {
			m.setOpen(false, "forced_closed")
			m.scheduleAt(midnight, m.evaluate)
			return
		}
		m.logger.Info("forced close expired", "forced_on", m.forcedClosedDate)
		m.forcedClosedDate = ""
	}

	openStr, okOpen := m.hours.OpenTime(now.Weekday())
	closeStr, okClose := m.hours.CloseTime(now.Weekday())
	if !okOpen || !okClose {
		m.setOpen(m.forcedOpen, "closed_day")
		m.scheduleAt(midnight, m.evaluate)
		return
	}

	openAt, closeAt, err := window(openStr, closeStr, now)
	if err != nil {
		m.logger.Warn("unusable hours, treating day as closed",
			"day", now.Weekday().String(),
			"open", openStr,
			"close", closeStr,
			"error", err)
		// A forced open is a manual decision for today and outranks
		// hours that cannot be read.
		m.setOpen(m.forcedOpen, "invalid_hours")
		m.scheduleAt(midnight, m.evaluate)
		return
	}

	switch {
	case now.Before(openAt):
		m.setOpen(m.forcedOpen, "before_hours")
		m.scheduleAt(openAt, m.evaluate)

	case now.Before(closeAt):
		if m.forcedOpen {
			m.logger.Info("forced open consumed by regular hours")
		}
		m.forcedOpen = false
		m.setOpen(true, "schedule")
		m.scheduleAt(closeAt, func() { m.closingTransition("schedule") })

	case m.forcedOpen:
		m.setOpen(true, "forced_open")
		m.scheduleAt(midnight, m.evaluate)

	case m.open.Load():
		m.closingTransition("schedule")

	default:
		m.setOpen(false, "after_hours")
		m.scheduleAt(midnight, m.evaluate)
		if m.leftovers() {
			m.logger.Info("tickets left over after hours, starting closing sequence")
			m.closer.Start()
		}
	}
}

// closingTransition flips to CLOSED, hands off to the closing sequence
// and waits for midnight. Runs on the timeline.
func (m *Machine) closingTransition(cause string) {
	if m.open.Swap(false) {
		m.recordChange(false, cause)
	}
	m.logger.Info("closing transition", "cause", cause)
	m.scheduleAt(clock.NextMidnight(m.now()), m.evaluate)
	// Publish first so the sequence sees a forced close when it starts.
	m.publish()
	m.closer.Start()
}

// setOpen updates the flag. Dropping from OPEN to CLOSED here, outside the
// scheduled close, still counts as a closing edge and runs the sequence.
func (m *Machine) setOpen(open bool, cause string) {
	was := m.open.Swap(open)
	if was == open {
		return
	}
	m.recordChange(open, cause)
	if was && !open {
		m.logger.Info("closing transition", "cause", cause)
		m.closer.Start()
	}
}

func (m *Machine) recordChange(open bool, cause string) {
	metrics.RecordStateChange(open, cause)
	m.logger.Info("operating state changed", "open", open, "cause", cause)
}

// scheduleAt replaces the pending timer with one that runs fn at t.
func (m *Machine) scheduleAt(t time.Time, fn func()) {
	m.timer.Stop()
	m.gen++
	gen := m.gen
	m.nextCheck = t
	m.timer = m.timeline.Schedule(t.Sub(m.clock.Now()), func() {
		if gen != m.gen {
			return
		}
		fn()
	})
	m.logger.Debug("next check scheduled", "at", t.Format(time.RFC3339))
}

// publish refreshes the state snapshot and notifies subscribers when
// anything other than timestamps changed.
func (m *Machine) publish() {
	next := protocol.OperatingState{
		IsOpen:           m.open.Load(),
		ForcedOpen:       m.forcedOpen,
		ForcedClosedDate: m.forcedClosedDate,
		EvaluatedAt:      m.clock.Now(),
		NextCheck:        m.nextCheck,
	}

	m.mu.Lock()
	prev := m.state
	m.state = next
	subs := m.subs
	m.mu.Unlock()

	if prev.IsOpen == next.IsOpen &&
		prev.ForcedOpen == next.ForcedOpen &&
		prev.ForcedClosedDate == next.ForcedClosedDate {
		return
	}
	for _, fn := range subs {
		fn(next)
	}
}
