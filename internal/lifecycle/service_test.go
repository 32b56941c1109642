package lifecycle

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabhouse/tabhouse/internal/clock"
	"github.com/tabhouse/tabhouse/internal/ticket"
	"github.com/tabhouse/tabhouse/pkg/protocol"
)

type fixedTax decimal.Decimal

func (f fixedTax) TaxRate() decimal.Decimal { return decimal.Decimal(f) }

var start = time.Date(2026, 3, 16, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, rate string) (*Service, *clock.FakeClock) {
	t.Helper()
	dir := t.TempDir()
	clk := clock.Fake(start)
	store, err := ticket.New(ticket.Options{
		RecoveryPath: filepath.Join(dir, "recovery.json"),
		TicketsDir:   filepath.Join(dir, "tickets"),
		Clock:        clk,
		Location:     time.UTC,
	})
	require.NoError(t, err)
	return NewService(store, fixedTax(decimal.RequireFromString(rate)), clk, nil), clk
}

func items(names ...string) []protocol.OrderItem {
	out := make([]protocol.OrderItem, len(names))
	for i, n := range names {
		out[i] = protocol.OrderItem{Name: n, Price: decimal.NewFromInt(10)}
	}
	return out
}

func TestValidTransition(t *testing.T) {
	assert.True(t, ValidTransition(actionComplete, protocol.StageActive))
	assert.False(t, ValidTransition(actionComplete, protocol.StageClosed))
	assert.True(t, ValidTransition(actionReopen, protocol.StageCompleted))
	assert.False(t, ValidTransition(actionReopen, protocol.StageActive))
	assert.True(t, ValidTransition(actionClose, protocol.StageActive))
	assert.True(t, ValidTransition(actionClose, protocol.StageCompleted))
	assert.False(t, ValidTransition(actionClose, protocol.StageClosed))
	assert.False(t, ValidTransition("refund", protocol.StageActive))
}

func TestAddOrderSnapshotsTaxRate(t *testing.T) {
	svc, _ := newTestService(t, "0.10")
	tk, err := svc.CreateTicket("T1")
	require.NoError(t, err)

	order, err := svc.AddOrder(tk.ID, items("Burger"))
	require.NoError(t, err)
	assert.NotEmpty(t, order.ID)
	assert.True(t, order.TaxRate.Equal(decimal.RequireFromString("0.10")))
	assert.True(t, order.CreatedAt.Equal(start))

	got, err := svc.GetTicket(tk.ID)
	require.NoError(t, err)
	require.Len(t, got.Orders, 1)
	assert.Equal(t, "11", got.Total().String())
}

func TestAddOrderErrors(t *testing.T) {
	svc, _ := newTestService(t, "0")
	tk, _ := svc.CreateTicket("T1")

	_, err := svc.AddOrder(tk.ID, nil)
	assert.ErrorIs(t, err, ErrEmptyOrder)

	_, err = svc.AddOrder(999, items("Burger"))
	assert.ErrorIs(t, err, ErrTicketNotFound)

	_, err = svc.CloseTicket(tk.ID)
	require.NoError(t, err)
	_, err = svc.AddOrder(tk.ID, items("Burger"))
	assert.ErrorIs(t, err, ErrTicketClosed)
}

func TestUpdateAndRemoveOrder(t *testing.T) {
	svc, _ := newTestService(t, "0.05")
	tk, _ := svc.CreateTicket("T1")
	order, _ := svc.AddOrder(tk.ID, items("Burger"))

	updated, err := svc.UpdateOrder(tk.ID, order.ID, items("Salad", "Soup"))
	require.NoError(t, err)
	assert.Len(t, updated.Items, 2)
	assert.True(t, updated.TaxRate.Equal(order.TaxRate), "tax snapshot must survive edits")

	_, err = svc.UpdateOrder(tk.ID, "missing", items("Soup"))
	assert.ErrorIs(t, err, ErrOrderNotFound)

	require.NoError(t, svc.RemoveOrder(tk.ID, order.ID))
	got, _ := svc.GetTicket(tk.ID)
	assert.Empty(t, got.Orders)

	assert.ErrorIs(t, svc.RemoveOrder(tk.ID, order.ID), ErrOrderNotFound)
}

func TestCompleteAndReopenAreIdempotent(t *testing.T) {
	svc, _ := newTestService(t, "0")
	tk, _ := svc.CreateTicket("T1")

	got, err := svc.ReopenTicket(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, protocol.StageActive, got.Stage)

	got, err = svc.CompleteTicket(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, protocol.StageCompleted, got.Stage)

	got, err = svc.CompleteTicket(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, protocol.StageCompleted, got.Stage)

	got, err = svc.ReopenTicket(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, protocol.StageActive, got.Stage)
}

func TestManualCloseStampsClosedAt(t *testing.T) {
	svc, clk := newTestService(t, "0")
	a, _ := svc.CreateTicket("T1")
	b, _ := svc.CreateTicket("T2")
	svc.CompleteTicket(b.ID)
	clk.Advance(time.Minute)

	for _, id := range []int64{a.ID, b.ID} {
		got, err := svc.CloseTicket(id)
		require.NoError(t, err)
		assert.Equal(t, protocol.StageClosed, got.Stage)
		require.NotNil(t, got.ClosedAt)
		assert.True(t, got.ClosedAt.Equal(start.Add(time.Minute)))
	}

	_, err := svc.CloseTicket(a.ID)
	assert.ErrorIs(t, err, ErrTicketClosed)
	_, err = svc.CompleteTicket(a.ID)
	assert.ErrorIs(t, err, ErrTicketClosed)
	_, err = svc.ReopenTicket(a.ID)
	assert.ErrorIs(t, err, ErrTicketClosed)
}

func TestManualCloseIsAllOrNothing(t *testing.T) {
	svc, _ := newTestService(t, "0")
	tk, _ := svc.CreateTicket("T1")

	// A non-empty directory at the snapshot path makes every rewrite fail.
	path := svc.store.RecoveryPath()
	require.NoError(t, os.Remove(path))
	require.NoError(t, os.MkdirAll(filepath.Join(path, "blocker"), 0o750))

	_, err := svc.CloseTicket(tk.ID)
	require.ErrorIs(t, err, ticket.ErrRecoveryWrite)

	got, err := svc.GetTicket(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, protocol.StageActive, got.Stage, "failed close must not leave the ticket completed")
	assert.Nil(t, got.ClosedAt)
}

func TestNotFoundIsDistinctFromClosed(t *testing.T) {
	svc, _ := newTestService(t, "0")

	_, err := svc.CompleteTicket(7)
	assert.ErrorIs(t, err, ErrTicketNotFound)
	assert.NotErrorIs(t, err, ErrTicketClosed)

	assert.ErrorIs(t, svc.DeleteTicket(7), ErrTicketNotFound)
}

func TestDrainPredicates(t *testing.T) {
	svc, _ := newTestService(t, "0")
	assert.True(t, svc.AreAllTicketsClosed())
	assert.False(t, svc.HasActiveTickets())

	n, err := svc.MoveAllToClosed()
	require.NoError(t, err)
	assert.Zero(t, n, "bulk close on an empty store is a no-op")

	tk, _ := svc.CreateTicket("T1")
	svc.CompleteTicket(tk.ID)
	assert.False(t, svc.AreAllTicketsClosed())
	assert.True(t, svc.HasActiveTickets(), "completed tickets are still open tabs")

	n, err = svc.MoveAllToClosed()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, svc.AreAllTicketsClosed())

	got, _ := svc.GetTicket(tk.ID)
	assert.Nil(t, got.ClosedAt)
}

func TestSerializeAndClear(t *testing.T) {
	svc, _ := newTestService(t, "0")
	tk, _ := svc.CreateTicket("T1")
	svc.AddOrder(tk.ID, items("Burger", "Burger"))
	svc.MoveAllToClosed()

	assert.False(t, svc.ArchiveExists())
	res, err := svc.SerializeClosedTickets()
	require.NoError(t, err)
	assert.Equal(t, 1, res.Summary.TicketCount)
	assert.Equal(t, 2, res.Summary.Items["Burger"])
	assert.True(t, svc.ArchiveExists())

	require.NoError(t, svc.ClearAllTickets())
	active, completed, closed := svc.Counts()
	assert.Equal(t, 0, active+completed+closed)

	next, _ := svc.CreateTicket("T2")
	assert.Equal(t, int64(1), next.ID)
}

func TestListByStage(t *testing.T) {
	svc, _ := newTestService(t, "0")
	svc.CreateTicket("A")
	b, _ := svc.CreateTicket("B")
	svc.CompleteTicket(b.ID)

	active, err := svc.List(protocol.StageActive)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	completed, _ := svc.List(protocol.StageCompleted)
	assert.Len(t, completed, 1)

	_, err = svc.List("pending")
	assert.Error(t, err)
}
