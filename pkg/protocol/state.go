package protocol

import "time"

// OperatingState is a point-in-time view of the venue's "open for new
// business" flag and the manual overrides that shaped it.
type OperatingState struct {
	IsOpen     bool `json:"is_open"`
	ForcedOpen bool `json:"forced_open"`
	// ForcedClosedDate is the local date (YYYY-MM-DD) of a "closed for the
	// rest of today" override, or empty when none is set.
	ForcedClosedDate string    `json:"forced_closed_date,omitempty"`
	EvaluatedAt      time.Time `json:"evaluated_at"`
	// NextCheck is when the state machine will next re-evaluate itself.
	NextCheck time.Time `json:"next_check,omitempty"`
}

// Hours maps a day key ("mon", "tue", ...) to "HH:MM - HH:MM" or "closed".
// Absent days are closed.
type Hours map[string]string
