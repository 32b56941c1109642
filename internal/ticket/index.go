package ticket

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/tabhouse/tabhouse/pkg/protocol"
)

// ArchiveIndex keeps one row per archived day so reporting can list days
// without opening every archive file.
type ArchiveIndex struct {
	db  *sql.DB
	now func() time.Time
}

// OpenArchiveIndex opens (or creates) a SQLite database and runs migrations.
func OpenArchiveIndex(path string) (*ArchiveIndex, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("archive index: open: %w", err)
	}

	// Enable WAL mode for better concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive index: wal: %w", err)
	}

	idx := &ArchiveIndex{db: db, now: time.Now}
	if err := idx.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (x *ArchiveIndex) migrate() error {
	_, err := x.db.Exec(`
		CREATE TABLE IF NOT EXISTS archives (
			date         TEXT PRIMARY KEY,
			path         TEXT NOT NULL,
			ticket_count INTEGER NOT NULL DEFAULT 0,
			total        TEXT NOT NULL DEFAULT '0',
			written_at   TEXT NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("archive index: migrate: %w", err)
	}
	return nil
}

// Record upserts the row for result's date. WrittenAt is stamped now.
func (x *ArchiveIndex) Record(result *ArchiveResult) error {
	rec := result.Record()
	_, err := x.db.Exec(`
		INSERT INTO archives (date, path, ticket_count, total, written_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(date) DO UPDATE SET
			path=excluded.path, ticket_count=excluded.ticket_count,
			total=excluded.total, written_at=excluded.written_at
	`, rec.Date, rec.Path, rec.TicketCount, rec.Total.String(), x.now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("archive index: record: %w", err)
	}
	return nil
}

// Get returns the row for date.
func (x *ArchiveIndex) Get(date string) (*protocol.ArchiveRecord, error) {
	row := x.db.QueryRow(`SELECT date, path, ticket_count, total, written_at FROM archives WHERE date = ?`, date)
	rec, err := scanRecord(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: %s", ErrArchiveNotFound, date)
		}
		return nil, fmt.Errorf("archive index: get: %w", err)
	}
	return rec, nil
}

// List returns rows newest first. limit <= 0 means no limit.
func (x *ArchiveIndex) List(limit int) ([]*protocol.ArchiveRecord, error) {
	query := "SELECT date, path, ticket_count, total, written_at FROM archives ORDER BY date DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := x.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("archive index: list: %w", err)
	}
	defer rows.Close()

	var recs []*protocol.ArchiveRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("archive index: list scan: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Close releases the database.
func (x *ArchiveIndex) Close() error {
	return x.db.Close()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRecord(s scannable) (*protocol.ArchiveRecord, error) {
	var rec protocol.ArchiveRecord
	var total, writtenAt string
	if err := s.Scan(&rec.Date, &rec.Path, &rec.TicketCount, &total, &writtenAt); err != nil {
		return nil, err
	}
	rec.Total, _ = decimal.NewFromString(total)
	rec.WrittenAt, _ = time.Parse(time.RFC3339, writtenAt)
	return &rec, nil
}
