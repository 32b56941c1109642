package protocol

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Stage is the life-stage of a ticket. A ticket is held in exactly one
// stage collection at a time.
type Stage string

const (
	StageActive    Stage = "active"
	StageCompleted Stage = "completed"
	StageClosed    Stage = "closed"
)

// Valid reports whether s names a known stage.
func (s Stage) Valid() bool {
	switch s {
	case StageActive, StageCompleted, StageClosed:
		return true
	}
	return false
}

// OrderItem is one line of an order. It is an immutable value; two items
// are equal when every field is equal.
type OrderItem struct {
	Name      string          `json:"name"`
	Side      string          `json:"side,omitempty"`
	Price     decimal.Decimal `json:"price"`
	SidePrice decimal.Decimal `json:"side_price"`
}

// Equal compares items field by field. Prices compare by value, so
// "1.5" equals "1.50".
func (i OrderItem) Equal(other OrderItem) bool {
	return i.Name == other.Name &&
		i.Side == other.Side &&
		i.Price.Equal(other.Price) &&
		i.SidePrice.Equal(other.SidePrice)
}

// LineTotal is the main price plus the side price.
func (i OrderItem) LineTotal() decimal.Decimal {
	return i.Price.Add(i.SidePrice)
}

// Order is one round of items placed together on a ticket. TaxRate is the
// rate in effect when the order was created and never changes afterwards.
type Order struct {
	ID        string          `json:"id"`
	Items     []OrderItem     `json:"items"`
	TaxRate   decimal.Decimal `json:"tax_rate"`
	CreatedAt time.Time       `json:"created_at"`
}

// Subtotal is the sum of item line totals before tax.
func (o Order) Subtotal() decimal.Decimal {
	sum := decimal.Zero
	for _, item := range o.Items {
		sum = sum.Add(item.LineTotal())
	}
	return sum
}

// Tax is the subtotal times the snapshotted rate, rounded to cents.
func (o Order) Tax() decimal.Decimal {
	return o.Subtotal().Mul(o.TaxRate).Round(2)
}

// Total is subtotal plus tax.
func (o Order) Total() decimal.Decimal {
	return o.Subtotal().Add(o.Tax())
}

// Clone returns a deep copy.
func (o Order) Clone() Order {
	c := o
	c.Items = append([]OrderItem(nil), o.Items...)
	return c
}

// Ticket is a table's running tab.
//
// ClosedAt is set only when a ticket is closed by hand. Tickets swept into
// CLOSED by the end-of-day drain keep a nil ClosedAt; reporting relies on
// that difference.
type Ticket struct {
	ID        int64      `json:"id"`
	Table     string     `json:"table"`
	Orders    []Order    `json:"orders"`
	CreatedAt time.Time  `json:"created_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
	Stage     Stage      `json:"stage"`
}

// Subtotal sums order subtotals.
func (t Ticket) Subtotal() decimal.Decimal {
	sum := decimal.Zero
	for _, o := range t.Orders {
		sum = sum.Add(o.Subtotal())
	}
	return sum
}

// Tax sums order taxes.
func (t Ticket) Tax() decimal.Decimal {
	sum := decimal.Zero
	for _, o := range t.Orders {
		sum = sum.Add(o.Tax())
	}
	return sum
}

// Total sums order totals.
func (t Ticket) Total() decimal.Decimal {
	sum := decimal.Zero
	for _, o := range t.Orders {
		sum = sum.Add(o.Total())
	}
	return sum
}

// FindOrder returns the index of the order with the given id, or -1.
func (t Ticket) FindOrder(orderID string) int {
	for i, o := range t.Orders {
		if o.ID == orderID {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy safe to hand out of the store.
func (t *Ticket) Clone() *Ticket {
	if t == nil {
		return nil
	}
	c := *t
	if t.Orders != nil {
		c.Orders = make([]Order, len(t.Orders))
		for i, o := range t.Orders {
			c.Orders[i] = o.Clone()
		}
	}
	if t.ClosedAt != nil {
		closed := *t.ClosedAt
		c.ClosedAt = &closed
	}
	return &c
}

// ticketJSON mirrors Ticket without its methods so MarshalJSON can add the
// derived amounts without recursing.
type ticketJSON Ticket

// MarshalJSON adds the derived subtotal and total. They are output only;
// UnmarshalJSON ignores them.
func (t Ticket) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ticketJSON
		Subtotal decimal.Decimal `json:"subtotal"`
		Total    decimal.Decimal `json:"total"`
	}{
		ticketJSON: ticketJSON(t),
		Subtotal:   t.Subtotal(),
		Total:      t.Total(),
	})
}

// UnmarshalJSON decodes the stored fields only.
func (t *Ticket) UnmarshalJSON(data []byte) error {
	var raw ticketJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*t = Ticket(raw)
	return nil
}
