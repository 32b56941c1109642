package operating

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidHours is returned for wall-clock strings that match no
// accepted layout, and for close times not after the open time.
var ErrInvalidHours = errors.New("invalid hours")

var clockLayouts = []string{
	"15:04",
	"3:04PM",
	"3:04 PM",
	"3PM",
	"3 PM",
}

// ParseClock parses a wall-clock time such as "17:30", "5:30 pm" or "5PM"
// and places it on day's calendar date in day's location.
func ParseClock(s string, day time.Time) (time.Time, error) {
	norm := strings.ToUpper(strings.TrimSpace(s))
	for _, layout := range clockLayouts {
		t, err := time.Parse(layout, norm)
		if err != nil {
			continue
		}
		y, m, d := day.Date()
		return time.Date(y, m, d, t.Hour(), t.Minute(), 0, 0, day.Location()), nil
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidHours, s)
}

// window resolves today's open and close instants.
func window(openStr, closeStr string, day time.Time) (openAt, closeAt time.Time, err error) {
	openAt, err = ParseClock(openStr, day)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("open time: %w", err)
	}
	closeAt, err = ParseClock(closeStr, day)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("close time: %w", err)
	}
	if !closeAt.After(openAt) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: close %q is not after open %q", ErrInvalidHours, closeStr, openStr)
	}
	return openAt, closeAt, nil
}

// CheckHours reports whether an open/close pair would give a usable
// window on any day.
func CheckHours(openStr, closeStr string) error {
	_, _, err := window(openStr, closeStr, time.Date(2000, 1, 3, 0, 0, 0, 0, time.UTC))
	return err
}
