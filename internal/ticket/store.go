// Package ticket holds the venue's tickets in memory, split into the
// active, completed and closed collections, and makes them durable: the
// active and completed collections through a recovery snapshot rewritten
// on every change, the closed collection through one archive file per day.
package ticket

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/tabhouse/tabhouse/internal/clock"
	"github.com/tabhouse/tabhouse/pkg/protocol"
)

var (
	// ErrRecoveryCorrupt means the recovery snapshot exists but cannot be
	// decoded. The store refuses to start rather than drop tickets.
	ErrRecoveryCorrupt = errors.New("recovery file corrupt")
	// ErrRecoveryWrite means the snapshot could not be rewritten. The
	// mutation that triggered it has been rolled back.
	ErrRecoveryWrite = errors.New("recovery file write failed")
	// ErrArchiveWrite means the day's archive could not be written.
	ErrArchiveWrite = errors.New("archive write failed")
)

const (
	dirPerms  = 0o750
	filePerms = 0o600
)

// Options configures a Store.
type Options struct {
	// RecoveryPath is the snapshot file for active and completed tickets.
	RecoveryPath string
	// TicketsDir receives one archive file per calendar day.
	TicketsDir string
	Clock      clock.Clock
	// Location decides which calendar day an archive belongs to.
	Location *time.Location
	Logger   *slog.Logger
}

// Store is the in-memory ticket store. It is safe for concurrent use; every
// mutation of the active or completed collection rewrites the recovery
// snapshot before the lock is released.
type Store struct {
	mu        sync.Mutex
	active    map[int64]*protocol.Ticket
	completed map[int64]*protocol.Ticket
	closed    map[int64]*protocol.Ticket
	nextID    int64

	recoveryPath string
	ticketsDir   string
	clock        clock.Clock
	loc          *time.Location
	logger       *slog.Logger
}

// New opens a store, repopulating active and completed tickets from the
// recovery snapshot when one exists. A missing snapshot starts empty; an
// unreadable one fails with ErrRecoveryCorrupt.
func New(opts Options) (*Store, error) {
	if opts.RecoveryPath == "" {
		return nil, fmt.Errorf("ticket store: recovery path is required")
	}
	if opts.TicketsDir == "" {
		return nil, fmt.Errorf("ticket store: tickets dir is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	for _, dir := range []string{opts.TicketsDir, filepath.Dir(opts.RecoveryPath)} {
		if err := os.MkdirAll(dir, dirPerms); err != nil {
			return nil, fmt.Errorf("ticket store: create %s: %w", dir, err)
		}
	}

	s := &Store{
		active:       make(map[int64]*protocol.Ticket),
		completed:    make(map[int64]*protocol.Ticket),
		closed:       make(map[int64]*protocol.Ticket),
		nextID:       1,
		recoveryPath: opts.RecoveryPath,
		ticketsDir:   opts.TicketsDir,
		clock:        opts.Clock,
		loc:          opts.Location,
		logger:       opts.Logger,
	}

	snap, found, err := readSnapshot(opts.RecoveryPath)
	if err != nil {
		return nil, err
	}
	if found {
		if err := s.restore(snap); err != nil {
			return nil, err
		}
		s.logger.Info("recovered tickets",
			"path", opts.RecoveryPath,
			"active", len(s.active),
			"completed", len(s.completed),
			"next_id", s.nextID)
	}
	return s, nil
}

func (s *Store) restore(snap *snapshot) error {
	load := func(into map[int64]*protocol.Ticket, tickets []*protocol.Ticket, stage protocol.Stage) error {
		for _, t := range tickets {
			if t == nil || t.ID <= 0 {
				return fmt.Errorf("ticket store: %w: invalid ticket id", ErrRecoveryCorrupt)
			}
			if _, dup := s.active[t.ID]; dup {
				return fmt.Errorf("ticket store: %w: duplicate ticket %d", ErrRecoveryCorrupt, t.ID)
			}
			if _, dup := s.completed[t.ID]; dup {
				return fmt.Errorf("ticket store: %w: duplicate ticket %d", ErrRecoveryCorrupt, t.ID)
			}
			t.Stage = stage
			into[t.ID] = t
			if t.ID >= s.nextID {
				s.nextID = t.ID + 1
			}
		}
		return nil
	}
	if err := load(s.active, snap.Active, protocol.StageActive); err != nil {
		return err
	}
	if err := load(s.completed, snap.Completed, protocol.StageCompleted); err != nil {
		return err
	}
	if snap.NextID > s.nextID {
		s.nextID = snap.NextID
	}
	return nil
}

// Create adds a new ACTIVE ticket for table with the next id.
func (s *Store) Create(table string) (*protocol.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &protocol.Ticket{
		ID:        s.nextID,
		Table:     table,
		Orders:    []protocol.Order{},
		CreatedAt: s.clock.Now(),
		Stage:     protocol.StageActive,
	}
	s.active[t.ID] = t
	s.nextID++

	if err := s.persistLocked(); err != nil {
		delete(s.active, t.ID)
		s.nextID--
		return nil, err
	}
	return t.Clone(), nil
}

// Update applies fn to a copy of the ticket with the given id and stores
// the result, all under the store lock so the ticket cannot change stage
// in between. fn sees the current Stage and may veto by returning an
// error, which Update returns unchanged. found is false when no ticket has
// that id.
func (s *Store) Update(id int64, fn func(t *protocol.Ticket) error) (found bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	coll, stage := s.findLocked(id)
	if coll == nil {
		return false, nil
	}
	prev := coll[id]
	next := prev.Clone()
	if err := fn(next); err != nil {
		return true, err
	}
	next.ID = id
	next.Stage = stage
	coll[id] = next

	if stage == protocol.StageClosed {
		return true, nil
	}
	if err := s.persistLocked(); err != nil {
		coll[id] = prev
		return true, err
	}
	return true, nil
}

// FindByID looks in active, then completed, then closed.
func (s *Store) FindByID(id int64) (*protocol.Ticket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	coll, _ := s.findLocked(id)
	if coll == nil {
		return nil, false
	}
	return coll[id].Clone(), true
}

func (s *Store) findLocked(id int64) (map[int64]*protocol.Ticket, protocol.Stage) {
	if _, ok := s.active[id]; ok {
		return s.active, protocol.StageActive
	}
	if _, ok := s.completed[id]; ok {
		return s.completed, protocol.StageCompleted
	}
	if _, ok := s.closed[id]; ok {
		return s.closed, protocol.StageClosed
	}
	return nil, ""
}

// ListActive returns copies of the active tickets ordered by id.
func (s *Store) ListActive() []*protocol.Ticket { return s.list(protocol.StageActive) }

// ListCompleted returns copies of the completed tickets ordered by id.
func (s *Store) ListCompleted() []*protocol.Ticket { return s.list(protocol.StageCompleted) }

// ListClosed returns copies of the closed tickets ordered by id.
func (s *Store) ListClosed() []*protocol.Ticket { return s.list(protocol.StageClosed) }

func (s *Store) list(stage protocol.Stage) []*protocol.Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedCopy(s.collection(stage))
}

func (s *Store) collection(stage protocol.Stage) map[int64]*protocol.Ticket {
	switch stage {
	case protocol.StageActive:
		return s.active
	case protocol.StageCompleted:
		return s.completed
	default:
		return s.closed
	}
}

func sortedCopy(m map[int64]*protocol.Ticket) []*protocol.Ticket {
	out := make([]*protocol.Ticket, 0, len(m))
	for _, t := range m {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Counts reports the size of each collection.
func (s *Store) Counts() (active, completed, closed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active), len(s.completed), len(s.closed)
}

// DeleteByID removes a ticket from whichever collection holds it.
func (s *Store) DeleteByID(id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	coll, stage := s.findLocked(id)
	if coll == nil {
		return false, nil
	}
	prev := coll[id]
	delete(coll, id)
	if stage == protocol.StageClosed {
		return true, nil
	}
	if err := s.persistLocked(); err != nil {
		coll[id] = prev
		return false, err
	}
	return true, nil
}

// DeleteAll empties every collection and resets the id counter.
func (s *Store) DeleteAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	active, completed, closed, nextID := s.active, s.completed, s.closed, s.nextID
	s.active = make(map[int64]*protocol.Ticket)
	s.completed = make(map[int64]*protocol.Ticket)
	s.closed = make(map[int64]*protocol.Ticket)
	s.nextID = 1

	if err := s.persistLocked(); err != nil {
		s.active, s.completed, s.closed, s.nextID = active, completed, closed, nextID
		return err
	}
	return nil
}

// MoveToCompleted moves an ACTIVE ticket to COMPLETED. It reports false,
// changing nothing, when id is not active.
func (s *Store) MoveToCompleted(id int64) (bool, error) {
	return s.move(id, protocol.StageCompleted, nil, protocol.StageActive)
}

// MoveToActive moves a COMPLETED ticket back to ACTIVE. It reports false,
// changing nothing, when id is not completed.
func (s *Store) MoveToActive(id int64) (bool, error) {
	return s.move(id, protocol.StageActive, nil, protocol.StageCompleted)
}

// MoveToClosed moves a COMPLETED ticket to CLOSED, stamping closedAt when
// it is non-nil. It reports false, changing nothing, when id is not
// completed.
func (s *Store) MoveToClosed(id int64, closedAt *time.Time) (bool, error) {
	return s.move(id, protocol.StageClosed, closedAt, protocol.StageCompleted)
}

// MoveOpenToClosed moves an ACTIVE or COMPLETED ticket to CLOSED in one
// step with one snapshot rewrite, stamping closedAt when it is non-nil.
// It reports false, changing nothing, when id is neither.
func (s *Store) MoveOpenToClosed(id int64, closedAt *time.Time) (bool, error) {
	return s.move(id, protocol.StageClosed, closedAt, protocol.StageActive, protocol.StageCompleted)
}

// move transfers id into to from the first of the from stages holding it.
func (s *Store) move(id int64, to protocol.Stage, closedAt *time.Time, from ...protocol.Stage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var src map[int64]*protocol.Ticket
	var t *protocol.Ticket
	var prevStage protocol.Stage
	for _, stage := range from {
		if found, ok := s.collection(stage)[id]; ok {
			src, t, prevStage = s.collection(stage), found, stage
			break
		}
	}
	if t == nil {
		return false, nil
	}
	dst := s.collection(to)
	prevClosedAt := t.ClosedAt

	delete(src, id)
	t.Stage = to
	if closedAt != nil {
		stamp := *closedAt
		t.ClosedAt = &stamp
	}
	dst[id] = t

	if err := s.persistLocked(); err != nil {
		delete(dst, id)
		t.Stage = prevStage
		t.ClosedAt = prevClosedAt
		src[id] = t
		return false, err
	}
	return true, nil
}

// MoveAllToClosed sweeps every ACTIVE ticket through COMPLETED into CLOSED
// and every COMPLETED ticket into CLOSED, as one step with one snapshot
// rewrite. ClosedAt is left untouched. It returns how many tickets moved.
func (s *Store) MoveAllToClosed() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.active) == 0 && len(s.completed) == 0 {
		return 0, nil
	}

	active, completed := s.active, s.completed
	var moved []int64
	for _, coll := range []map[int64]*protocol.Ticket{active, completed} {
		for id, t := range coll {
			t.Stage = protocol.StageClosed
			s.closed[id] = t
			moved = append(moved, id)
		}
	}
	s.active = make(map[int64]*protocol.Ticket)
	s.completed = make(map[int64]*protocol.Ticket)

	if err := s.persistLocked(); err != nil {
		for _, id := range moved {
			delete(s.closed, id)
		}
		for _, t := range active {
			t.Stage = protocol.StageActive
		}
		for _, t := range completed {
			t.Stage = protocol.StageCompleted
		}
		s.active, s.completed = active, completed
		return 0, err
	}
	return len(moved), nil
}

// RecoveryPath returns the snapshot location.
func (s *Store) RecoveryPath() string { return s.recoveryPath }

// ClearRecoveryFile deletes the snapshot. A missing file is not an error.
func (s *Store) ClearRecoveryFile() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.recoveryPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ticket store: remove recovery file: %w", err)
	}
	return nil
}

// persistLocked rewrites the recovery snapshot from the active and
// completed collections. Must be called with s.mu held.
func (s *Store) persistLocked() error {
	snap := &snapshot{
		Version:   snapshotVersion,
		SavedAt:   s.clock.Now(),
		NextID:    s.nextID,
		Active:    sortedCopy(s.active),
		Completed: sortedCopy(s.completed),
	}
	if err := writeSnapshot(s.recoveryPath, snap); err != nil {
		s.logger.Error("recovery snapshot write failed", "path", s.recoveryPath, "error", err)
		return fmt.Errorf("ticket store: %w: %w", ErrRecoveryWrite, err)
	}
	return nil
}
