package ticket

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tabhouse/tabhouse/pkg/protocol"
)

func newTestIndex(t *testing.T) *ArchiveIndex {
	t.Helper()
	idx, err := OpenArchiveIndex(filepath.Join(t.TempDir(), "archives.db"))
	if err != nil {
		t.Fatalf("failed to open index: %v", err)
	}
	idx.now = func() time.Time { return testStart }
	t.Cleanup(func() { idx.Close() })
	return idx
}

func result(date string, count int, total string) *ArchiveResult {
	return &ArchiveResult{
		Date: date,
		Path: "/var/tickets/" + date + ".json",
		Summary: protocol.Summary{
			TicketCount: count,
			Total:       decimal.RequireFromString(total),
		},
	}
}

func TestIndexRecordAndGet(t *testing.T) {
	idx := newTestIndex(t)

	if err := idx.Record(result("2026-03-14", 4, "120.40")); err != nil {
		t.Fatalf("record: %v", err)
	}

	got, err := idx.Get("2026-03-14")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.TicketCount != 4 {
		t.Errorf("expected 4 tickets, got %d", got.TicketCount)
	}
	if !got.Total.Equal(decimal.RequireFromString("120.4")) {
		t.Errorf("expected total 120.40, got %s", got.Total)
	}
	if !got.WrittenAt.Equal(testStart) {
		t.Errorf("expected written_at %v, got %v", testStart, got.WrittenAt)
	}
}

func TestIndexRecordUpserts(t *testing.T) {
	idx := newTestIndex(t)
	idx.Record(result("2026-03-14", 1, "10"))
	idx.Record(result("2026-03-14", 3, "30"))

	got, _ := idx.Get("2026-03-14")
	if got.TicketCount != 3 {
		t.Errorf("expected rewritten count 3, got %d", got.TicketCount)
	}
	recs, _ := idx.List(0)
	if len(recs) != 1 {
		t.Errorf("expected one row per date, got %d", len(recs))
	}
}

func TestIndexGetNotFound(t *testing.T) {
	idx := newTestIndex(t)
	_, err := idx.Get("2020-01-01")
	if !errors.Is(err, ErrArchiveNotFound) {
		t.Fatalf("expected ErrArchiveNotFound, got %v", err)
	}
}

func TestIndexListNewestFirst(t *testing.T) {
	idx := newTestIndex(t)
	for _, d := range []string{"2026-03-12", "2026-03-14", "2026-03-13"} {
		idx.Record(result(d, 1, "1"))
	}

	recs, err := idx.List(0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 3 || recs[0].Date != "2026-03-14" || recs[2].Date != "2026-03-12" {
		t.Errorf("unexpected order: %v", recs)
	}

	limited, _ := idx.List(2)
	if len(limited) != 2 {
		t.Errorf("expected 2 with limit, got %d", len(limited))
	}
}
