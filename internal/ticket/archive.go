package ticket

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/tabhouse/tabhouse/internal/clock"
	"github.com/tabhouse/tabhouse/pkg/protocol"
)

// ArchiveResult describes one archive write.
type ArchiveResult struct {
	Date    string
	Path    string
	Bytes   int
	Summary protocol.Summary
}

// Record converts the result into an archive index row.
func (r *ArchiveResult) Record() protocol.ArchiveRecord {
	return protocol.ArchiveRecord{
		Date:        r.Date,
		Path:        r.Path,
		TicketCount: r.Summary.TicketCount,
		Total:       r.Summary.Total,
	}
}

// ArchivePath returns the archive file for an ISO date.
func ArchivePath(dir, date string) string {
	return filepath.Join(dir, date+".json")
}

// Today returns the store's current calendar date.
func (s *Store) Today() string {
	return clock.DateOf(s.clock.Now().In(s.loc))
}

// ArchiveExists reports whether today's archive file is already on disk.
func (s *Store) ArchiveExists() bool {
	_, err := os.Stat(ArchivePath(s.ticketsDir, s.Today()))
	return err == nil
}

// PersistClosedToArchive writes every CLOSED ticket to today's archive,
// replacing any earlier file for the same date. Closed tickets stay in the
// store; clearing them is the caller's decision.
func (s *Store) PersistClosedToArchive() (*ArchiveResult, error) {
	s.mu.Lock()
	tickets := sortedCopy(s.closed)
	now := s.clock.Now()
	s.mu.Unlock()

	date := clock.DateOf(now.In(s.loc))
	archive := protocol.Archive{
		Date:        date,
		GeneratedAt: now,
		Summary:     protocol.Summarize(tickets),
		Tickets:     tickets,
	}
	data, err := json.MarshalIndent(archive, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("ticket store: %w: %w", ErrArchiveWrite, err)
	}

	path := ArchivePath(s.ticketsDir, date)
	if err := os.MkdirAll(s.ticketsDir, dirPerms); err != nil {
		return nil, fmt.Errorf("ticket store: %w: %w", ErrArchiveWrite, err)
	}
	if err := writeFileAtomic(path, data); err != nil {
		return nil, fmt.Errorf("ticket store: %w: %w", ErrArchiveWrite, err)
	}

	s.logger.Info("archived closed tickets",
		"date", date,
		"path", path,
		"tickets", archive.Summary.TicketCount,
		"total", archive.Summary.Total.StringFixed(2))

	return &ArchiveResult{
		Date:    date,
		Path:    path,
		Bytes:   len(data),
		Summary: archive.Summary,
	}, nil
}

// ErrArchiveNotFound is returned by ReadArchive for a date with no file.
var ErrArchiveNotFound = errors.New("archive not found")

// ReadArchive loads the archive for date from dir.
func ReadArchive(dir, date string) (*protocol.Archive, error) {
	data, err := os.ReadFile(ArchivePath(dir, date))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrArchiveNotFound, date)
	}
	if err != nil {
		return nil, fmt.Errorf("read archive %s: %w", date, err)
	}
	var a protocol.Archive
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decode archive %s: %w", date, err)
	}
	return &a, nil
}
