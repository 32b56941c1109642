package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	flag "github.com/spf13/pflag"

	apiPkg "github.com/tabhouse/tabhouse/internal/api"
	"github.com/tabhouse/tabhouse/internal/closing"
	"github.com/tabhouse/tabhouse/internal/config"
	"github.com/tabhouse/tabhouse/internal/lifecycle"
	"github.com/tabhouse/tabhouse/internal/logbuf"
	"github.com/tabhouse/tabhouse/internal/notify"
	"github.com/tabhouse/tabhouse/internal/operating"
	"github.com/tabhouse/tabhouse/internal/scheduler"
	"github.com/tabhouse/tabhouse/internal/settings"
	"github.com/tabhouse/tabhouse/internal/ticket"
	"github.com/tabhouse/tabhouse/pkg/protocol"
)

func main() {
	configPath := flag.String("config", "", "Path to config JSON file")
	verbose := flag.BoolP("verbose", "v", false, "Verbose logging")
	flag.Parse()

	// Set up logging
	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logBuf := logbuf.New(2000)
	jsonHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(logbuf.NewHandler(jsonHandler, logBuf))
	slog.SetDefault(logger)

	// Load config (file or env)
	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg, err = config.LoadFromEnv()
	}
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	loc, err := cfg.Location()
	if err != nil {
		logger.Error("failed to resolve timezone", "timezone", cfg.Venue.Timezone, "error", err)
		os.Exit(1)
	}

	logger.Info("tabhoused starting", "tickets_dir", cfg.Venue.TicketsDir, "timezone", loc.String())

	// 1. Settings: weekly hours and tax rate
	venueSettings, err := settings.Load(cfg.Venue.SettingsFile, logger)
	if err != nil {
		logger.Error("failed to load settings", "path", cfg.Venue.SettingsFile, "error", err)
		os.Exit(1)
	}

	// 2. Ticket store, recovered from the last snapshot
	store, err := ticket.New(ticket.Options{
		RecoveryPath: cfg.Venue.RecoveryFile,
		TicketsDir:   cfg.Venue.TicketsDir,
		Location:     loc,
		Logger:       logger,
	})
	if err != nil {
		logger.Error("failed to open ticket store", "recovery_file", cfg.Venue.RecoveryFile, "error", err)
		os.Exit(1)
	}
	active, completed, _ := store.Counts()
	logger.Info("ticket store ready", "active", active, "completed", completed)

	index, err := ticket.OpenArchiveIndex(cfg.Venue.IndexFile)
	if err != nil {
		logger.Error("failed to open archive index", "path", cfg.Venue.IndexFile, "error", err)
		os.Exit(1)
	}
	defer index.Close()
	if recent, err := index.List(1); err == nil && len(recent) > 0 {
		logger.Info("last archive",
			"date", recent[0].Date,
			"tickets", recent[0].TicketCount,
			"written", humanize.Time(recent[0].WrittenAt))
	}

	svc := lifecycle.NewService(store, venueSettings, nil, logger)

	// 3. Staff notifications
	sinks, err := buildSinks(cfg.Notify, logger)
	if err != nil {
		logger.Error("failed to set up notifications", "error", err)
		os.Exit(1)
	}
	notifier := notify.NewDispatcher(sinks, logger)
	notifyCtx, notifyCancel := context.WithCancel(context.Background())
	defer notifyCancel()
	go safeGo(logger, "notify", func() { notifier.Run(notifyCtx) })

	// 4. Closing sequence and operating state machine
	coord := closing.New(svc, closing.Options{
		PollInterval: cfg.Closing.PollInterval.Std(),
		MaxWait:      cfg.Closing.MaxWait.Std(),
		Logger:       logger,
		Index:        index,
		OnFinish:     func(run closing.Run) { notifier.Publish(notify.ClosingEvent(run)) },
	})
	machine := operating.New(venueSettings, coord,
		operating.WithLocation(loc),
		operating.WithLogger(logger),
		operating.WithLeftovers(svc.HasActiveTickets),
	)
	coord.SetOverride(machine)
	machine.Subscribe(func(st protocol.OperatingState) { notifier.Publish(notify.StateEvent(st)) })
	venueSettings.OnChange(func() {
		if err := machine.HoursChanged(); err != nil {
			logger.Warn("hours change not applied", "error", err)
		}
	})

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := machine.Start(ctx); err != nil {
		logger.Error("failed to start operating state", "error", err)
		os.Exit(1)
	}
	st := machine.State()
	logger.Info("operating state", "open", st.IsOpen, "next_check", st.NextCheck.Format(time.RFC3339))

	// 5. Periodic resync guards against a lost timer or a clock jump
	sched := scheduler.New(loc, logger.With("component", "scheduler"))
	if err := sched.AddJob(apiPkg.ResyncJob, cfg.Schedule.Resync, func() {
		if err := machine.CheckAndScheduleState(); err != nil {
			logger.Warn("resync failed", "error", err)
		}
	}); err != nil {
		logger.Error("failed to register resync job", "error", err)
		os.Exit(1)
	}
	go safeGo(logger, "scheduler", func() { sched.Start(ctx) })

	// 6. API
	apiSrv := apiPkg.NewServer(apiPkg.Deps{
		State:      machine,
		Tickets:    svc,
		Hours:      venueSettings,
		Archives:   index,
		Closing:    coord,
		Resync:     sched,
		ArchiveDir: cfg.Venue.TicketsDir,
	}, apiPkg.Config{
		Host: cfg.API.Host,
		Port: cfg.API.Port,
		Key:  cfg.API.Key,
	}, logger, logBuf)

	go safeGo(logger, "api-server", func() {
		if err := apiSrv.Start(ctx); err != nil {
			logger.Error("api server stopped", "error", err)
		}
	})
	logger.Info("api server started", "port", cfg.API.Port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig)
	cancel()

	// Any sequence still waiting for tickets drains now.
	machine.Stop()
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()
	if err := coord.Stop(shutCtx); err != nil {
		logger.Error("closing sequence did not finish", "error", err)
	}
	if err := notifier.Close(shutCtx); err != nil {
		logger.Warn("pending notifications dropped", "error", err)
	}
	logger.Info("tabhoused stopped")
}

func safeGo(logger *slog.Logger, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("goroutine panicked", "name", name, "panic", fmt.Sprintf("%v", r))
		}
	}()
	fn()
}

func buildSinks(cfg config.NotifyConfig, logger *slog.Logger) ([]notify.Sink, error) {
	var sinks []notify.Sink
	for _, wh := range cfg.Webhooks {
		sinks = append(sinks, notify.NewWebhook(notify.WebhookConfig{
			Name:        wh.Name,
			URL:         wh.URL,
			Secret:      wh.Secret,
			BearerToken: wh.BearerToken,
		}, nil))
	}
	if cfg.Slack != nil {
		sinks = append(sinks, notify.NewSlack(notify.SlackConfig{WebhookURL: cfg.Slack.WebhookURL}))
	}
	if cfg.Telegram != nil {
		tg, err := notify.NewTelegram(notify.TelegramConfig{
			Token:  cfg.Telegram.Token,
			ChatID: cfg.Telegram.ChatID,
		}, logger.With("component", "notify"))
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, tg)
	}
	for _, s := range sinks {
		logger.Info("notification sink enabled", "sink", s.Name())
	}
	return sinks, nil
}
