package protocol

import (
	"time"

	"github.com/shopspring/decimal"
)

// ArchiveDateLayout names archive files and keys the archive index.
const ArchiveDateLayout = "2006-01-02"

// Archive is the once-per-day record of closed tickets.
type Archive struct {
	Date        string    `json:"date"`
	GeneratedAt time.Time `json:"generated_at"`
	Summary     Summary   `json:"summary"`
	Tickets     []*Ticket `json:"tickets"`
}

// Summary aggregates a day's closed tickets for the reporting side.
type Summary struct {
	TicketCount         int             `json:"ticket_count"`
	OrderCount          int             `json:"order_count"`
	ItemCount           int             `json:"item_count"`
	ManuallyClosedCount int             `json:"manually_closed_count"`
	Subtotal            decimal.Decimal `json:"subtotal"`
	Tax                 decimal.Decimal `json:"tax"`
	Total               decimal.Decimal `json:"total"`
	Items               map[string]int  `json:"items"`
	Sides               map[string]int  `json:"sides"`
}

// Summarize builds the summary envelope for a set of tickets.
func Summarize(tickets []*Ticket) Summary {
	s := Summary{
		Subtotal: decimal.Zero,
		Tax:      decimal.Zero,
		Total:    decimal.Zero,
		Items:    make(map[string]int),
		Sides:    make(map[string]int),
	}
	for _, t := range tickets {
		s.TicketCount++
		if t.ClosedAt != nil {
			s.ManuallyClosedCount++
		}
		s.OrderCount += len(t.Orders)
		for _, o := range t.Orders {
			for _, item := range o.Items {
				s.ItemCount++
				s.Items[item.Name]++
				if item.Side != "" {
					s.Sides[item.Side]++
				}
			}
		}
		s.Subtotal = s.Subtotal.Add(t.Subtotal())
		s.Tax = s.Tax.Add(t.Tax())
		s.Total = s.Total.Add(t.Total())
	}
	return s
}

// ArchiveRecord is one row of the archive index.
type ArchiveRecord struct {
	Date        string          `json:"date"`
	Path        string          `json:"path"`
	TicketCount int             `json:"ticket_count"`
	Total       decimal.Decimal `json:"total"`
	WrittenAt   time.Time       `json:"written_at"`
}
