package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // venue.timezone must resolve on hosts without zoneinfo

	"github.com/robfig/cron/v3"
	"github.com/tailscale/hujson"
)

// Config is the top-level tabhouse configuration.
type Config struct {
	Venue    VenueConfig    `json:"venue"`
	Closing  ClosingConfig  `json:"closing"`
	Schedule ScheduleConfig `json:"schedule"`
	API      APIConfig      `json:"api"`
	Notify   NotifyConfig   `json:"notify"`
}

// VenueConfig holds file locations and the venue's time zone.
type VenueConfig struct {
	TicketsDir   string `json:"tickets_dir"`
	RecoveryFile string `json:"recovery_file,omitempty"` // default <tickets_dir>/recovery.json
	SettingsFile string `json:"settings_file,omitempty"` // default <tickets_dir>/settings.json
	IndexFile    string `json:"index_file,omitempty"`    // default <tickets_dir>/archives.db
	Timezone     string `json:"timezone,omitempty"`      // IANA name, default local
}

// ClosingConfig tunes the closing sequence's drain wait.
type ClosingConfig struct {
	PollInterval Duration `json:"poll_interval,omitempty"` // default 30s
	MaxWait      Duration `json:"max_wait,omitempty"`      // default 60m
}

// ScheduleConfig holds the periodic resync schedule.
type ScheduleConfig struct {
	Resync string `json:"resync,omitempty"` // cron spec, default "@every 5m"
}

// APIConfig holds REST API server settings.
type APIConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	Key  string `json:"api_key"`
}

// NotifyConfig lists where venue events are sent. All parts are optional.
type NotifyConfig struct {
	Webhooks []WebhookConfig `json:"webhooks,omitempty"`
	Slack    *SlackConfig    `json:"slack,omitempty"`
	Telegram *TelegramConfig `json:"telegram,omitempty"`
}

// WebhookConfig is one outbound webhook.
type WebhookConfig struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	Secret      string `json:"secret,omitempty"` // HMAC-SHA256 signing key
	BearerToken string `json:"bearer_token,omitempty"`
}

// SlackConfig holds a Slack incoming webhook.
type SlackConfig struct {
	WebhookURL string `json:"webhook_url"`
}

// TelegramConfig holds bot credentials and the chat to post to.
type TelegramConfig struct {
	Token  string `json:"token"`
	ChatID int64  `json:"chat_id"`
}

// Duration is a time.Duration that reads and writes as "30s", "1h".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

const (
	defaultPollInterval = 30 * time.Second
	defaultMaxWait      = 60 * time.Minute
	defaultResync       = "@every 5m"
)

// Load reads configuration from a JSON or JSONC file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	// Standardize JSONC to JSON
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromEnv builds a config from environment variables with TABHOUSE_ prefix.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		Venue: VenueConfig{
			TicketsDir:   getenv("TABHOUSE_TICKETS_DIR", "/data/tickets"),
			RecoveryFile: os.Getenv("TABHOUSE_RECOVERY_FILE"),
			SettingsFile: os.Getenv("TABHOUSE_SETTINGS_FILE"),
			IndexFile:    os.Getenv("TABHOUSE_INDEX_FILE"),
			Timezone:     os.Getenv("TABHOUSE_TIMEZONE"),
		},
		Closing: ClosingConfig{
			PollInterval: Duration(getenvDuration("TABHOUSE_CLOSING_POLL_INTERVAL", defaultPollInterval)),
			MaxWait:      Duration(getenvDuration("TABHOUSE_CLOSING_MAX_WAIT", defaultMaxWait)),
		},
		Schedule: ScheduleConfig{
			Resync: getenv("TABHOUSE_RESYNC", defaultResync),
		},
		API: APIConfig{
			Host: getenv("TABHOUSE_API_HOST", "0.0.0.0"),
			Port: getenvInt("TABHOUSE_API_PORT", 8080),
			Key:  os.Getenv("TABHOUSE_API_KEY"),
		},
	}
	if u := os.Getenv("TABHOUSE_SLACK_WEBHOOK_URL"); u != "" {
		cfg.Notify.Slack = &SlackConfig{WebhookURL: u}
	}
	if tok := os.Getenv("TABHOUSE_TELEGRAM_TOKEN"); tok != "" {
		cfg.Notify.Telegram = &TelegramConfig{
			Token:  tok,
			ChatID: int64(getenvInt("TABHOUSE_TELEGRAM_CHAT_ID", 0)),
		}
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if dir := c.Venue.TicketsDir; dir != "" {
		if c.Venue.RecoveryFile == "" {
			c.Venue.RecoveryFile = filepath.Join(dir, "recovery.json")
		}
		if c.Venue.SettingsFile == "" {
			c.Venue.SettingsFile = filepath.Join(dir, "settings.json")
		}
		if c.Venue.IndexFile == "" {
			c.Venue.IndexFile = filepath.Join(dir, "archives.db")
		}
	}
	if c.Closing.PollInterval == 0 {
		c.Closing.PollInterval = Duration(defaultPollInterval)
	}
	if c.Closing.MaxWait == 0 {
		c.Closing.MaxWait = Duration(defaultMaxWait)
	}
	if c.Schedule.Resync == "" {
		c.Schedule.Resync = defaultResync
	}
}

// Location resolves the venue time zone.
func (c *Config) Location() (*time.Location, error) {
	if c.Venue.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Venue.Timezone)
}

// Validate checks for required fields.
func (c *Config) Validate() error {
	var errs []string

	if c.Venue.TicketsDir == "" {
		errs = append(errs, "venue.tickets_dir is required")
	}
	if c.Venue.RecoveryFile == "" {
		errs = append(errs, "venue.recovery_file is required")
	}
	if c.Venue.Timezone != "" {
		if _, err := time.LoadLocation(c.Venue.Timezone); err != nil {
			errs = append(errs, fmt.Sprintf("venue.timezone %q: %v", c.Venue.Timezone, err))
		}
	}

	if c.Closing.PollInterval <= 0 {
		errs = append(errs, "closing.poll_interval must be positive")
	}
	if c.Closing.MaxWait < c.Closing.PollInterval {
		errs = append(errs, "closing.max_wait must be at least closing.poll_interval")
	}

	if _, err := cron.ParseStandard(c.Schedule.Resync); err != nil {
		errs = append(errs, fmt.Sprintf("schedule.resync %q: %v", c.Schedule.Resync, err))
	}

	if c.API.Port < 0 || c.API.Port > 65535 {
		errs = append(errs, fmt.Sprintf("api.port %d out of range", c.API.Port))
	}

	seen := make(map[string]bool)
	for i, wh := range c.Notify.Webhooks {
		if wh.Name == "" {
			errs = append(errs, fmt.Sprintf("notify.webhooks[%d].name is required", i))
		} else if seen[wh.Name] {
			errs = append(errs, fmt.Sprintf("notify.webhooks[%d]: duplicate name %q", i, wh.Name))
		}
		seen[wh.Name] = true
		if wh.URL == "" {
			errs = append(errs, fmt.Sprintf("notify.webhooks[%d].url is required", i))
		}
	}
	if c.Notify.Slack != nil && c.Notify.Slack.WebhookURL == "" {
		errs = append(errs, "notify.slack.webhook_url is required")
	}
	if tg := c.Notify.Telegram; tg != nil {
		if tg.Token == "" {
			errs = append(errs, "notify.telegram.token is required")
		}
		if tg.ChatID == 0 {
			errs = append(errs, "notify.telegram.chat_id is required")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
