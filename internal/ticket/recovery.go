package ticket

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/natefinch/atomic"

	"github.com/tabhouse/tabhouse/pkg/protocol"
)

const snapshotVersion = 1

// snapshot is the on-disk recovery document. Closed tickets never appear
// in it; they are durable through the daily archive instead.
type snapshot struct {
	Version int       `json:"version"`
	SavedAt time.Time `json:"saved_at"`
	// NextID is the id the next Create hands out. Ids of deleted or
	// closed tickets are not in the snapshot, so it is stored explicitly.
	NextID    int64              `json:"next_id,omitempty"`
	Active    []*protocol.Ticket `json:"active"`
	Completed []*protocol.Ticket `json:"completed"`
}

// readSnapshot loads the snapshot at path. found is false when the file
// does not exist.
func readSnapshot(path string) (snap *snapshot, found bool, err error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("ticket store: read recovery file: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, false, nil
	}

	snap = &snapshot{}
	if err := json.Unmarshal(data, snap); err != nil {
		return nil, false, fmt.Errorf("ticket store: %w: %w", ErrRecoveryCorrupt, err)
	}
	if snap.Version != snapshotVersion {
		return nil, false, fmt.Errorf("ticket store: %w: unsupported version %d", ErrRecoveryCorrupt, snap.Version)
	}
	return snap, true, nil
}

// writeSnapshot replaces the file at path so readers see either the old
// or the new snapshot, never a torn one.
func writeSnapshot(path string, snap *snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return writeFileAtomic(path, data)
}

func writeFileAtomic(path string, data []byte) error {
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return err
	}
	// atomic.WriteFile doesn't set permissions for new files
	return os.Chmod(path, filePerms)
}
