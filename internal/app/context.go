package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"opsline/internal/automation"
	"opsline/internal/config"
	"opsline/internal/db"
	"opsline/internal/engine"
	"opsline/internal/feed"
	"opsline/internal/migrate"
	"opsline/internal/notify"
	"opsline/internal/offline"
	"opsline/internal/repo"
)

// OpenEngine opens the workspace store, applies migrations and seeds the automation settings
// that are not stored yet. Stored values are never overwritten.
func OpenEngine(ctx context.Context, workspace string, cfg *config.Config) (engine.Engine, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return engine.Engine{}, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return engine.Engine{}, fmt.Errorf("migrate: %w", err)
	}
	if _, err := SeedSettings(ctx, repo.Repo{DB: conn}); err != nil {
		conn.Close()
		return engine.Engine{}, fmt.Errorf("seed settings: %w", err)
	}
	return engine.New(conn, cfg, feed.NewBroker()), nil
}

// SeedSettings stores the default of every automation key that has no value yet and returns how many were added.
func SeedSettings(ctx context.Context, r repo.Repo) (int, error) {
	existing, err := r.ListSettings(ctx)
	if err != nil {
		return 0, err
	}
	have := make(map[string]bool, len(existing))
	for _, s := range existing {
		have[s.Key] = true
	}
	added := 0
	for _, s := range config.DefaultSettings() {
		if have[s.Key] {
			continue
		}
		if err := r.UpsertSetting(ctx, s.Key, s.Value); err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}

// EnsureAutomationActor grants the automation actor the first privileged role unless it already holds one.
func EnsureAutomationActor(ctx context.Context, e engine.Engine) error {
	actorID := e.Config.Automation.ActorID
	if actorID == "" || len(e.Config.Roles.Privileged) == 0 {
		return nil
	}
	ok, err := e.IsPrivileged(ctx, actorID)
	if err != nil || ok {
		return err
	}
	return e.GrantRole(ctx, actorID, e.Config.Roles.Privileged[0], "system")
}

// NewLoop wires the trigger and the loop for e. Notifications go to n.
func NewLoop(e engine.Engine, n notify.Notifier, logger *slog.Logger) *automation.Loop {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "automation")
	actorID := e.Config.Automation.ActorID
	store := automation.EngineStore{Engine: e}
	return &automation.Loop{
		Trigger: automation.Trigger{
			Store:    store,
			Audit:    e.Events,
			Notifier: n,
			Cache:    e.Cache,
			Logger:   logger,
			ActorID:  actorID,
		},
		Notes:    store,
		Feed:     e.Feed,
		Cache:    e.Cache,
		Notifier: n,
		Privileged: func(ctx context.Context) (bool, error) {
			return e.IsPrivileged(ctx, actorID)
		},
		Interval: e.Config.PollOverride(),
		Logger:   logger,
	}
}

// OpenOutbox opens the device-local outbox of a workspace.
func OpenOutbox(workspace string) (offline.Outbox, *sql.DB, error) {
	conn, err := db.Open(db.Config{Workspace: workspace, Local: true})
	if err != nil {
		return offline.Outbox{}, nil, err
	}
	if err := migrate.MigrateLocal(conn); err != nil {
		conn.Close()
		return offline.Outbox{}, nil, fmt.Errorf("migrate outbox: %w", err)
	}
	return offline.Outbox{DB: conn, Now: time.Now}, conn, nil
}
