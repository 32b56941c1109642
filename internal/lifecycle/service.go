// Package lifecycle is the ticket-facing API used by request handlers and
// the closing sequence. It layers stage rules and order handling over the
// ticket store.
package lifecycle

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tabhouse/tabhouse/internal/clock"
	"github.com/tabhouse/tabhouse/internal/metrics"
	"github.com/tabhouse/tabhouse/internal/ticket"
	"github.com/tabhouse/tabhouse/pkg/protocol"
)

// TaxSource supplies the tax rate snapshotted onto each new order.
type TaxSource interface {
	TaxRate() decimal.Decimal
}

// Service implements ticket lifecycle operations.
type Service struct {
	store  *ticket.Store
	tax    TaxSource
	clock  clock.Clock
	logger *slog.Logger
	newID  func() string
}

// NewService wires a service over store. tax may be nil, meaning zero tax.
func NewService(store *ticket.Store, tax TaxSource, clk clock.Clock, logger *slog.Logger) *Service {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		tax:    tax,
		clock:  clk,
		logger: logger.With("component", "lifecycle"),
		newID:  uuid.NewString,
	}
}

func (s *Service) taxRate() decimal.Decimal {
	if s.tax == nil {
		return decimal.Zero
	}
	return s.tax.TaxRate()
}

func (s *Service) publishCounts() {
	metrics.SetTicketCounts(s.store.Counts())
}

// CreateTicket opens a new ACTIVE ticket for table.
func (s *Service) CreateTicket(table string) (*protocol.Ticket, error) {
	t, err := s.store.Create(table)
	if err != nil {
		return nil, err
	}
	s.logger.Info("ticket created", "ticket_id", t.ID, "table", table)
	metrics.RecordTicketAction("create")
	s.publishCounts()
	return t, nil
}

// GetTicket returns the ticket with id from any stage.
func (s *Service) GetTicket(id int64) (*protocol.Ticket, error) {
	t, ok := s.store.FindByID(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrTicketNotFound, id)
	}
	return t, nil
}

func (s *Service) ListActive() []*protocol.Ticket    { return s.store.ListActive() }
func (s *Service) ListCompleted() []*protocol.Ticket { return s.store.ListCompleted() }
func (s *Service) ListClosed() []*protocol.Ticket    { return s.store.ListClosed() }

// List returns the tickets in stage.
func (s *Service) List(stage protocol.Stage) ([]*protocol.Ticket, error) {
	switch stage {
	case protocol.StageActive:
		return s.ListActive(), nil
	case protocol.StageCompleted:
		return s.ListCompleted(), nil
	case protocol.StageClosed:
		return s.ListClosed(), nil
	}
	return nil, fmt.Errorf("unknown stage %q", stage)
}

// mutate runs fn against an open ticket, rejecting closed ones.
func (s *Service) mutate(id int64, fn func(t *protocol.Ticket) error) (*protocol.Ticket, error) {
	var out *protocol.Ticket
	found, err := s.store.Update(id, func(t *protocol.Ticket) error {
		if t.Stage == protocol.StageClosed {
			return fmt.Errorf("%w: %d", ErrTicketClosed, id)
		}
		if err := fn(t); err != nil {
			return err
		}
		out = t.Clone()
		return nil
	})
	if !found {
		return nil, fmt.Errorf("%w: %d", ErrTicketNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AddOrder appends an order of items to ticket id, snapshotting the
// current tax rate onto it.
func (s *Service) AddOrder(id int64, items []protocol.OrderItem) (*protocol.Order, error) {
	if len(items) == 0 {
		return nil, ErrEmptyOrder
	}
	order := protocol.Order{
		ID:        s.newID(),
		Items:     append([]protocol.OrderItem(nil), items...),
		TaxRate:   s.taxRate(),
		CreatedAt: s.clock.Now(),
	}
	_, err := s.mutate(id, func(t *protocol.Ticket) error {
		t.Orders = append(t.Orders, order)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("order added", "ticket_id", id, "order_id", order.ID, "items", len(items))
	metrics.RecordTicketAction("add_order")
	return &order, nil
}

// UpdateOrder replaces the items of an existing order. The tax rate
// snapshot is kept.
func (s *Service) UpdateOrder(id int64, orderID string, items []protocol.OrderItem) (*protocol.Order, error) {
	if len(items) == 0 {
		return nil, ErrEmptyOrder
	}
	var updated protocol.Order
	_, err := s.mutate(id, func(t *protocol.Ticket) error {
		i := t.FindOrder(orderID)
		if i < 0 {
			return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
		}
		t.Orders[i].Items = append([]protocol.OrderItem(nil), items...)
		updated = t.Orders[i].Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.RecordTicketAction("update_order")
	return &updated, nil
}

// RemoveOrder drops an order from ticket id.
func (s *Service) RemoveOrder(id int64, orderID string) error {
	_, err := s.mutate(id, func(t *protocol.Ticket) error {
		i := t.FindOrder(orderID)
		if i < 0 {
			return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
		}
		t.Orders = append(t.Orders[:i], t.Orders[i+1:]...)
		return nil
	})
	if err != nil {
		return err
	}
	metrics.RecordTicketAction("remove_order")
	return nil
}

// checkTransition resolves id's current stage and validates action
// against it. noop is true when the ticket is already where action would
// put it.
func (s *Service) checkTransition(id int64, action string, target protocol.Stage) (noop bool, err error) {
	t, ok := s.store.FindByID(id)
	if !ok {
		return false, fmt.Errorf("%w: %d", ErrTicketNotFound, id)
	}
	if t.Stage == target {
		return true, nil
	}
	if t.Stage == protocol.StageClosed {
		return false, fmt.Errorf("%w: %d", ErrTicketClosed, id)
	}
	if !ValidTransition(action, t.Stage) {
		return false, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, action, t.Stage)
	}
	return false, nil
}

// moved converts a store move result into an error. A false result means
// the ticket changed stage between the check and the move.
func moved(id int64, ok bool, err error) error {
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: ticket %d changed stage concurrently", ErrInvalidTransition, id)
	}
	return nil
}

// CompleteTicket moves an ACTIVE ticket to COMPLETED. Completing a ticket
// that is already COMPLETED does nothing.
func (s *Service) CompleteTicket(id int64) (*protocol.Ticket, error) {
	noop, err := s.checkTransition(id, actionComplete, protocol.StageCompleted)
	if err != nil {
		return nil, err
	}
	if !noop {
		ok, err := s.store.MoveToCompleted(id)
		if err := moved(id, ok, err); err != nil {
			return nil, err
		}
		s.logger.Info("ticket completed", "ticket_id", id)
		metrics.RecordTicketAction(actionComplete)
		s.publishCounts()
	}
	return s.GetTicket(id)
}

// ReopenTicket moves a COMPLETED ticket back to ACTIVE. Reopening an
// ACTIVE ticket does nothing.
func (s *Service) ReopenTicket(id int64) (*protocol.Ticket, error) {
	noop, err := s.checkTransition(id, actionReopen, protocol.StageActive)
	if err != nil {
		return nil, err
	}
	if !noop {
		ok, err := s.store.MoveToActive(id)
		if err := moved(id, ok, err); err != nil {
			return nil, err
		}
		s.logger.Info("ticket reopened", "ticket_id", id)
		metrics.RecordTicketAction(actionReopen)
		s.publishCounts()
	}
	return s.GetTicket(id)
}

// CloseTicket closes a ticket by hand from ACTIVE or COMPLETED and stamps
// ClosedAt. Closing an already closed ticket is ErrTicketClosed.
func (s *Service) CloseTicket(id int64) (*protocol.Ticket, error) {
	t, ok := s.store.FindByID(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrTicketNotFound, id)
	}
	if t.Stage == protocol.StageClosed {
		return nil, fmt.Errorf("%w: %d", ErrTicketClosed, id)
	}
	now := s.clock.Now()
	ok, err := s.store.MoveOpenToClosed(id, &now)
	if err := moved(id, ok, err); err != nil {
		return nil, err
	}
	s.logger.Info("ticket closed", "ticket_id", id, "table", t.Table)
	metrics.RecordTicketAction(actionClose)
	s.publishCounts()
	return s.GetTicket(id)
}

// DeleteTicket removes a ticket from any stage.
func (s *Service) DeleteTicket(id int64) error {
	ok, err := s.store.DeleteByID(id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %d", ErrTicketNotFound, id)
	}
	s.logger.Info("ticket deleted", "ticket_id", id)
	metrics.RecordTicketAction("delete")
	s.publishCounts()
	return nil
}

// AreAllTicketsClosed reports whether nothing is left ACTIVE or COMPLETED.
func (s *Service) AreAllTicketsClosed() bool {
	active, completed, _ := s.store.Counts()
	return active == 0 && completed == 0
}

// HasActiveTickets reports whether any ticket is still ACTIVE or
// COMPLETED, that is, not yet closed.
func (s *Service) HasActiveTickets() bool {
	return !s.AreAllTicketsClosed()
}

// MoveAllToClosed sweeps every open ticket into CLOSED without stamping
// ClosedAt.
func (s *Service) MoveAllToClosed() (int, error) {
	n, err := s.store.MoveAllToClosed()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("bulk closed tickets", "count", n)
		s.publishCounts()
	}
	return n, nil
}

// SerializeClosedTickets writes the CLOSED collection to today's archive.
func (s *Service) SerializeClosedTickets() (*ticket.ArchiveResult, error) {
	return s.store.PersistClosedToArchive()
}

// ArchiveExists reports whether today's archive is already written.
func (s *Service) ArchiveExists() bool {
	return s.store.ArchiveExists()
}

// ClearAllTickets empties every collection and resets ticket ids.
func (s *Service) ClearAllTickets() error {
	if err := s.store.DeleteAll(); err != nil {
		return err
	}
	s.publishCounts()
	return nil
}

// ClearRecoveryFile removes the recovery snapshot.
func (s *Service) ClearRecoveryFile() error {
	return s.store.ClearRecoveryFile()
}

// Counts reports the size of each collection.
func (s *Service) Counts() (active, completed, closed int) {
	return s.store.Counts()
}
