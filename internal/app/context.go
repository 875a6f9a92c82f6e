// Package app assembles a workspace: database, config, identity directory,
// notification channels and the engine built on them.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"taskflow/internal/config"
	"taskflow/internal/db"
	"taskflow/internal/engine"
	"taskflow/internal/events"
	"taskflow/internal/identity"
	"taskflow/internal/migrate"
	"taskflow/internal/notify"
	"taskflow/internal/repo"
	"taskflow/internal/scheduler"
	"taskflow/internal/telemetry"
)

type Options struct {
	Workspace string
	// Config overrides the workspace config file when set.
	Config *config.Config
	Logger *slog.Logger
	// Offline skips outbound channels, for read-only commands.
	Offline bool
}

type App struct {
	Workspace   string
	Config      *config.Config
	Credentials config.Credentials
	DB          *sql.DB
	Repo        repo.Repo
	Engine      engine.Engine
	Directory   *identity.Directory
	Metrics     *telemetry.Metrics
	Webhooks    *notify.WebhookDispatcher
	Logger      *slog.Logger

	closers []func()
}

// Open migrates the workspace database and wires the engine.
func Open(ctx context.Context, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	cfg := opts.Config
	if cfg == nil {
		var err error
		if cfg, err = config.LoadOptional(opts.Workspace); err != nil {
			return nil, err
		}
	}
	creds, err := config.LoadCredentials(config.ResolvePath(opts.Workspace, cfg.CredentialsFile))
	if err != nil {
		return nil, err
	}
	creds = creds.WithEnv()

	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	a := &App{
		Workspace:   opts.Workspace,
		Config:      cfg,
		Credentials: creds,
		DB:          conn,
		Logger:      logger,
		Metrics:     telemetry.New(),
	}
	a.closers = append(a.closers, func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	loc := cfg.Location()
	a.Repo = repo.Repo{DB: conn, Loc: loc, Events: events.Writer{}}

	a.Directory, err = identity.LoadDirectory(config.ResolvePath(opts.Workspace, cfg.Identity.DirectoryFile), logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	eng := engine.New(a.Repo, cfg)
	if cfg.Identity.DirectoryFile != "" {
		eng.Directory = a.Directory
	}
	eng.Logger = logger
	eng.Telemetry = a.Metrics
	if !opts.Offline {
		notifier, audit, err := a.channels()
		if err != nil {
			a.Close()
			return nil, err
		}
		eng.Notifier = notifier
		if audit != nil {
			eng.Audit = audit
		}
		if hooks := a.webhookConfigs(); len(hooks) > 0 {
			a.Webhooks = notify.NewWebhookDispatcher(a.Repo, hooks, logger)
		}
	}
	a.Engine = eng
	return a, nil
}

func (a *App) channels() (notify.Notifier, engine.AuditPublisher, error) {
	cfg := a.Config.Notify
	var fan notify.Fanout
	if cfg.Log {
		fan = append(fan, notify.Log{Logger: a.Logger})
	}
	if cfg.Slack.Enabled {
		if a.Credentials.Slack.BotToken == "" {
			return nil, nil, errors.New("notify.slack is enabled but no slack bot_token is configured")
		}
		fan = append(fan, notify.NewSlack(notify.SlackConfig{
			BotToken:        a.Credentials.Slack.BotToken,
			APIRoot:         cfg.Slack.APIURL,
			FallbackChannel: cfg.Slack.ChannelFallback,
			Timeout:         cfg.Slack.Timeout,
		}))
	}
	var audit engine.AuditPublisher
	if cfg.NATS.Enabled {
		n, err := notify.DialNATS(notify.NATSConfig{
			URL:           cfg.NATS.URL,
			Name:          "taskflow",
			Token:         a.Credentials.NATS.Token,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
		})
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, n.Close)
		fan = append(fan, n)
		audit = n
	}
	return fan, audit, nil
}

func (a *App) webhookConfigs() []notify.WebhookConfig {
	var hooks []notify.WebhookConfig
	for _, h := range a.Config.Notify.Webhooks {
		hooks = append(hooks, notify.WebhookConfig{
			URL:     h.URL,
			Events:  h.Events,
			Secret:  a.Credentials.Webhooks[h.URL],
			Timeout: h.Timeout,
			Enabled: h.Enabled,
		})
	}
	return hooks
}

// Scheduler returns the periodic jobs of tf serve: reminders (which also
// refresh summaries) and approval escalations.
func (a *App) Scheduler() (*scheduler.Scheduler, error) {
	s := scheduler.New(a.Logger)
	interval := a.Config.Reminders.Interval
	jobs := []scheduler.Job{
		{Name: engine.PassReminders, Interval: interval, Timeout: interval, RunOnStart: true, Run: func(ctx context.Context) error {
			_, err := a.Engine.RunReminderPass(ctx, time.Time{})
			return err
		}},
		{Name: engine.PassEscalations, Interval: interval, Timeout: interval, RunOnStart: true, Run: func(ctx context.Context) error {
			_, err := a.Engine.RunApprovalEscalationPass(ctx, time.Time{})
			return err
		}},
	}
	for _, j := range jobs {
		if err := s.Add(j); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Close releases channels and the database in reverse order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
