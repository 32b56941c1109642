package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validJSONC = `{
  // where the day's paperwork goes
  "venue": {
    "tickets_dir": "/tmp/tabhouse-test",
    "timezone": "America/Chicago",
  },
  "closing": {
    "poll_interval": "10s",
    "max_wait": "45m"
  },
  "schedule": {
    "resync": "*/2 * * * *"
  },
  "api": {
    "host": "0.0.0.0",
    "port": 8080,
    "api_key": "dashboard-key"
  },
  "notify": {
    "webhooks": [
      {"name": "ops", "url": "https://ops.example.com/hooks/tabhouse", "secret": "whsec"},
    ],
    "slack": {"webhook_url": "https://hooks.slack.com/services/T000/B000/XXXX"}
  }
}`

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.jsonc")
	os.WriteFile(path, []byte(validJSONC), 0o644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Venue.TicketsDir != "/tmp/tabhouse-test" {
		t.Errorf("venue.tickets_dir = %q", cfg.Venue.TicketsDir)
	}
	if cfg.Venue.RecoveryFile != "/tmp/tabhouse-test/recovery.json" {
		t.Errorf("venue.recovery_file default = %q", cfg.Venue.RecoveryFile)
	}
	if cfg.Venue.SettingsFile != "/tmp/tabhouse-test/settings.json" {
		t.Errorf("venue.settings_file default = %q", cfg.Venue.SettingsFile)
	}
	if cfg.Venue.IndexFile != "/tmp/tabhouse-test/archives.db" {
		t.Errorf("venue.index_file default = %q", cfg.Venue.IndexFile)
	}
	if cfg.Closing.PollInterval.Std() != 10*time.Second {
		t.Errorf("closing.poll_interval = %v", cfg.Closing.PollInterval.Std())
	}
	if cfg.Closing.MaxWait.Std() != 45*time.Minute {
		t.Errorf("closing.max_wait = %v", cfg.Closing.MaxWait.Std())
	}
	if cfg.Schedule.Resync != "*/2 * * * *" {
		t.Errorf("schedule.resync = %q", cfg.Schedule.Resync)
	}
	if cfg.API.Key != "dashboard-key" {
		t.Errorf("api.api_key = %q", cfg.API.Key)
	}

	if len(cfg.Notify.Webhooks) != 1 || cfg.Notify.Webhooks[0].Secret != "whsec" {
		t.Errorf("notify.webhooks = %+v", cfg.Notify.Webhooks)
	}
	if cfg.Notify.Slack == nil || !strings.HasPrefix(cfg.Notify.Slack.WebhookURL, "https://hooks.slack.com/") {
		t.Errorf("notify.slack = %+v", cfg.Notify.Slack)
	}
	if cfg.Notify.Telegram != nil {
		t.Errorf("notify.telegram should be unset, got %+v", cfg.Notify.Telegram)
	}

	loc, err := cfg.Location()
	if err != nil || loc.String() != "America/Chicago" {
		t.Errorf("location = %v, %v", loc, err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	os.WriteFile(path, []byte(`{"venue": {"tickets_dir": "/srv/tickets", "recovery_file": "/var/lib/tabhouse/recovery.json"}}`), 0o644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Venue.RecoveryFile != "/var/lib/tabhouse/recovery.json" {
		t.Errorf("explicit recovery_file overridden: %q", cfg.Venue.RecoveryFile)
	}
	if cfg.Closing.PollInterval.Std() != 30*time.Second {
		t.Errorf("default poll interval = %v", cfg.Closing.PollInterval.Std())
	}
	if cfg.Closing.MaxWait.Std() != time.Hour {
		t.Errorf("default max wait = %v", cfg.Closing.MaxWait.Std())
	}
	if cfg.Schedule.Resync != "@every 5m" {
		t.Errorf("default resync = %q", cfg.Schedule.Resync)
	}
	if loc, _ := cfg.Location(); loc != time.Local {
		t.Errorf("expected local time zone, got %v", loc)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.json")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	os.WriteFile(path, []byte("not json"), 0o644)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	os.WriteFile(path, []byte(`{"venue": {"tickets_dir": "/t"}, "closing": {"max_wait": "forever"}}`), 0o644)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for bad duration")
	}
}

func validConfig() *Config {
	cfg := &Config{Venue: VenueConfig{TicketsDir: "/data/tickets"}}
	cfg.applyDefaults()
	return cfg
}

func TestValidate_MissingTicketsDir(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "venue.tickets_dir") {
		t.Errorf("expected tickets_dir error, got %v", err)
	}
	if !strings.Contains(err.Error(), "venue.recovery_file") {
		t.Errorf("expected recovery_file error too, got %v", err)
	}
}

func TestValidate_BadTimezone(t *testing.T) {
	cfg := validConfig()
	cfg.Venue.Timezone = "Mars/Olympus_Mons"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "venue.timezone") {
		t.Errorf("expected timezone error, got %v", err)
	}
}

func TestValidate_MaxWaitBelowPoll(t *testing.T) {
	cfg := validConfig()
	cfg.Closing.PollInterval = Duration(time.Minute)
	cfg.Closing.MaxWait = Duration(time.Second)
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "closing.max_wait") {
		t.Errorf("expected max_wait error, got %v", err)
	}
}

func TestValidate_BadCron(t *testing.T) {
	cfg := validConfig()
	cfg.Schedule.Resync = "every now and then"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "schedule.resync") {
		t.Errorf("expected resync error, got %v", err)
	}
}

func TestValidate_Notify(t *testing.T) {
	cfg := validConfig()
	cfg.Notify = NotifyConfig{
		Webhooks: []WebhookConfig{{Name: "ops", URL: "http://a"}, {Name: "ops"}},
		Slack:    &SlackConfig{},
		Telegram: &TelegramConfig{Token: "t"},
	}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected notify errors")
	}
	for _, want := range []string{
		`duplicate name "ops"`,
		"notify.webhooks[1].url",
		"notify.slack.webhook_url",
		"notify.telegram.chat_id",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %q in %v", want, err)
		}
	}
}

func TestValidate_Valid(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Errorf("expected valid, got %v", err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("TABHOUSE_TICKETS_DIR", "/env/tickets")
	t.Setenv("TABHOUSE_RECOVERY_FILE", "/env/state/recovery.json")
	t.Setenv("TABHOUSE_CLOSING_MAX_WAIT", "90m")
	t.Setenv("TABHOUSE_API_PORT", "9090")
	t.Setenv("TABHOUSE_API_KEY", "secret")
	t.Setenv("TABHOUSE_TELEGRAM_TOKEN", "123:abc")
	t.Setenv("TABHOUSE_TELEGRAM_CHAT_ID", "-100200")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}

	if cfg.Venue.TicketsDir != "/env/tickets" {
		t.Errorf("tickets_dir = %q", cfg.Venue.TicketsDir)
	}
	if cfg.Venue.RecoveryFile != "/env/state/recovery.json" {
		t.Errorf("recovery_file = %q", cfg.Venue.RecoveryFile)
	}
	if cfg.Venue.SettingsFile != "/env/tickets/settings.json" {
		t.Errorf("settings_file = %q", cfg.Venue.SettingsFile)
	}
	if cfg.Closing.MaxWait.Std() != 90*time.Minute {
		t.Errorf("max_wait = %v", cfg.Closing.MaxWait.Std())
	}
	if cfg.Closing.PollInterval.Std() != 30*time.Second {
		t.Errorf("poll_interval = %v", cfg.Closing.PollInterval.Std())
	}
	if cfg.API.Port != 9090 {
		t.Errorf("api.port = %d", cfg.API.Port)
	}
	if cfg.API.Key != "secret" {
		t.Errorf("api.key = %q", cfg.API.Key)
	}
	if tg := cfg.Notify.Telegram; tg == nil || tg.Token != "123:abc" || tg.ChatID != -100200 {
		t.Errorf("notify.telegram = %+v", tg)
	}
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.Venue.TicketsDir != "/data/tickets" {
		t.Errorf("tickets_dir = %q", cfg.Venue.TicketsDir)
	}
	if cfg.API.Host != "0.0.0.0" || cfg.API.Port != 8080 {
		t.Errorf("api = %s:%d", cfg.API.Host, cfg.API.Port)
	}
}
