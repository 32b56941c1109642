package settings

import (
	"fmt"
	"strings"
	"time"
)

var dayKeys = [...]string{"sun", "mon", "tue", "wed", "thu", "fri", "sat"}

// DayKey returns the short key hours are stored under.
func DayKey(d time.Weekday) string {
	return dayKeys[d]
}

// ParseDay accepts short or full English day names in any case.
func ParseDay(s string) (time.Weekday, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	for i, short := range dayKeys {
		if key == short || key == strings.ToLower(time.Weekday(i).String()) {
			return time.Weekday(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownDay, s)
}
