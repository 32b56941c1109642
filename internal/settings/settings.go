// Package settings holds the venue's editable settings: weekly opening
// hours and the sales tax rate. The file is JSONC so operators can keep
// comments next to their hours; writes go back out as plain JSON.
package settings

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/natefinch/atomic"
	"github.com/shopspring/decimal"
	"github.com/tailscale/hujson"

	"github.com/tabhouse/tabhouse/pkg/protocol"
)

// Closed is the hours value marking a day the venue does not open.
const Closed = "closed"

var (
	ErrUnknownDay     = errors.New("unknown day")
	ErrInvalidTaxRate = errors.New("tax rate must be between 0 and 1")
)

type file struct {
	Hours   protocol.Hours  `json:"hours"`
	TaxRate decimal.Decimal `json:"tax_rate"`
}

// Settings is safe for concurrent use.
type Settings struct {
	mu      sync.RWMutex
	path    string
	hours   protocol.Hours
	taxRate decimal.Decimal
	subs    []func()
	logger  *slog.Logger
}

// Load reads settings from path. A missing file yields empty hours (closed
// every day) and a zero tax rate.
func Load(path string, logger *slog.Logger) (*Settings, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Settings{
		path:    path,
		hours:   protocol.Hours{},
		taxRate: decimal.Zero,
		logger:  logger.With("component", "settings"),
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("settings file not found, venue closed every day", "path", path)
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("settings: read %s: %w", path, err)
	}

	f, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("settings: %s: %w", path, err)
	}
	hours, err := normalizeHours(f.Hours)
	if err != nil {
		return nil, fmt.Errorf("settings: %s: %w", path, err)
	}
	if err := validateTaxRate(f.TaxRate); err != nil {
		return nil, fmt.Errorf("settings: %s: %w", path, err)
	}
	s.hours = hours
	s.taxRate = f.TaxRate
	return s, nil
}

func parse(data []byte) (file, error) {
	var f file
	if len(bytes.TrimSpace(data)) == 0 {
		return f, nil
	}
	// Standardize JSONC to JSON
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return f, fmt.Errorf("invalid JSONC: %w", err)
	}
	if err := json.Unmarshal(standardized, &f); err != nil {
		return f, fmt.Errorf("invalid JSON: %w", err)
	}
	return f, nil
}

func validateTaxRate(rate decimal.Decimal) error {
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: %s", ErrInvalidTaxRate, rate)
	}
	return nil
}

// normalizeHours rewrites every key to its short lowercase form.
func normalizeHours(in protocol.Hours) (protocol.Hours, error) {
	out := make(protocol.Hours, len(in))
	for k, v := range in {
		day, err := ParseDay(k)
		if err != nil {
			return nil, err
		}
		out[DayKey(day)] = strings.TrimSpace(v)
	}
	return out, nil
}

// Path returns the settings file location.
func (s *Settings) Path() string { return s.path }

// Hours returns a copy of the weekly hours.
func (s *Settings) Hours() protocol.Hours {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(protocol.Hours, len(s.hours))
	for k, v := range s.hours {
		out[k] = v
	}
	return out
}

// OpenTime returns the raw opening time string for day. ok is false when
// the day is absent or marked closed.
func (s *Settings) OpenTime(day time.Weekday) (string, bool) {
	open, _, ok := s.day(day)
	return open, ok
}

// CloseTime returns the raw closing time string for day. ok is false when
// the day is absent or marked closed.
func (s *Settings) CloseTime(day time.Weekday) (string, bool) {
	_, closeAt, ok := s.day(day)
	return closeAt, ok
}

func (s *Settings) day(day time.Weekday) (open, closeAt string, ok bool) {
	s.mu.RLock()
	v, found := s.hours[DayKey(day)]
	s.mu.RUnlock()
	if !found || v == "" || strings.EqualFold(v, Closed) {
		return "", "", false
	}
	open, closeAt = SplitHours(v)
	return open, closeAt, true
}

// SplitHours splits "<open> - <close>". A value without a separator comes
// back as the open part with an empty close, which fails to parse later.
func SplitHours(v string) (open, closeAt string) {
	i := strings.LastIndex(v, "-")
	if i < 0 {
		return strings.TrimSpace(v), ""
	}
	return strings.TrimSpace(v[:i]), strings.TrimSpace(v[i+1:])
}

// TaxRate returns the current rate.
func (s *Settings) TaxRate() decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.taxRate
}

// OnChange registers fn to run after every hours update.
func (s *Settings) OnChange(fn func()) {
	s.mu.Lock()
	s.subs = append(s.subs, fn)
	s.mu.Unlock()
}

// SetHours replaces the whole week, persists it, and notifies subscribers.
func (s *Settings) SetHours(hours protocol.Hours) error {
	normalized, err := normalizeHours(hours)
	if err != nil {
		return err
	}
	return s.update(func() { s.hours = normalized }, true)
}

// SetDay sets a single day's hours. An empty value removes the day, which
// means closed.
func (s *Settings) SetDay(day, value string) error {
	wd, err := ParseDay(day)
	if err != nil {
		return err
	}
	value = strings.TrimSpace(value)
	return s.update(func() {
		next := make(protocol.Hours, len(s.hours)+1)
		for k, v := range s.hours {
			next[k] = v
		}
		if value == "" {
			delete(next, DayKey(wd))
		} else {
			next[DayKey(wd)] = value
		}
		s.hours = next
	}, true)
}

// SetTaxRate changes the rate used for new orders. Existing orders keep
// their snapshot.
func (s *Settings) SetTaxRate(rate decimal.Decimal) error {
	if err := validateTaxRate(rate); err != nil {
		return err
	}
	return s.update(func() { s.taxRate = rate }, false)
}

func (s *Settings) update(apply func(), hoursChanged bool) error {
	s.mu.Lock()
	prevHours, prevRate := s.hours, s.taxRate
	apply()
	if err := s.writeLocked(); err != nil {
		s.hours, s.taxRate = prevHours, prevRate
		s.mu.Unlock()
		return err
	}
	subs := append([]func(){}, s.subs...)
	s.mu.Unlock()

	if hoursChanged {
		s.logger.Info("hours updated", "path", s.path)
		for _, fn := range subs {
			fn()
		}
	}
	return nil
}

func (s *Settings) writeLocked() error {
	data, err := json.MarshalIndent(file{Hours: s.hours, TaxRate: s.taxRate}, "", "  ")
	if err != nil {
		return fmt.Errorf("settings: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("settings: create dir: %w", err)
	}
	if err := atomic.WriteFile(s.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("settings: write %s: %w", s.path, err)
	}
	return nil
}
