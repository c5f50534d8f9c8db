package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"opsline/internal/cache"
	"opsline/internal/engine/auth"
	"opsline/internal/config"
	"opsline/internal/domain"
	"opsline/internal/events"
	"opsline/internal/feed"
	"opsline/internal/repo"
)

var (
	// ErrInvalid marks rejected input.
	ErrInvalid = errors.New("invalid input")
	// ErrInvalidTransition marks a work-unit status change the state machine does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Auth   auth.Service
	Feed   *feed.Broker
	Cache  *cache.Cache
	Config *config.Config
	Logger *slog.Logger
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config, broker *feed.Broker) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if broker == nil {
		broker = feed.NewBroker()
	}
	logger := slog.Default().With("component", "engine")
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db, Logger: logger},
		Auth:   auth.Service{Repo: repo.Repo{DB: db}},
		Feed:   broker,
		Cache:  cache.New(),
		Config: cfg,
		Logger: logger,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowString() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// publish announces committed changes and drops the cached read models they affect.
func (e Engine) publish(changes ...feed.Change) {
	kinds := make([]string, 0, len(changes))
	for _, c := range changes {
		kinds = append(kinds, c.Kind)
	}
	e.Cache.Invalidate(kinds...)
	for _, c := range changes {
		e.Feed.Publish(c)
	}
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

func newID(prefix, explicit string) string {
	if strings.TrimSpace(explicit) != "" {
		return explicit
	}
	return prefix + "-" + uuid.New().String()
}

// --- work fronts ---

func (e Engine) CreateFront(ctx context.Context, f domain.WorkFront, actorID string) (domain.WorkFront, error) {
	if strings.TrimSpace(f.Name) == "" {
		return f, invalidf("name is required")
	}
	f.ID = newID("front", f.ID)
	f.CreatedAt = e.nowString()
	if err := e.Repo.InsertFront(ctx, f); err != nil {
		return f, fmt.Errorf("insert front: %w", err)
	}
	e.Events.Log(ctx, events.Entry{Action: "front.created", EntityKind: domain.KindFront, EntityID: f.ID, ActorID: actorID,
		Payload: events.EventPayload{"name": f.Name, "category": f.Category}})
	e.publish(feed.Change{Type: feed.Create, Kind: domain.KindFront, ID: f.ID, Record: f})
	return f, nil
}

func (e Engine) ListFronts(ctx context.Context) ([]domain.WorkFront, error) {
	return cache.Load(ctx, e.Cache, domain.KindFront, "all", e.Repo.ListFronts)
}

// --- notes ---

// NoteCreateOptions are parameters for registering an upstream note.
type NoteCreateOptions struct {
	ID                     string
	Number                 string
	Type                   string
	Status                 string
	Priority               string
	DestinationWorkFrontID string
	ActorID                string
}

func (e Engine) CreateNote(ctx context.Context, opts NoteCreateOptions) (domain.Note, error) {
	if strings.TrimSpace(opts.Number) == "" {
		return domain.Note{}, invalidf("number is required")
	}
	if strings.TrimSpace(opts.Status) == "" {
		return domain.Note{}, invalidf("status is required")
	}
	if opts.Priority == "" {
		opts.Priority = domain.PriorityMedium
	}
	if !validPriority(opts.Priority) {
		return domain.Note{}, invalidf("unknown priority %s", opts.Priority)
	}
	if opts.DestinationWorkFrontID != "" {
		if _, err := e.Repo.GetFront(ctx, opts.DestinationWorkFrontID); err != nil {
			return domain.Note{}, fmt.Errorf("destination front %s: %w", opts.DestinationWorkFrontID, err)
		}
	}
	now := e.nowString()
	n := domain.Note{
		ID:                     newID("note", opts.ID),
		Number:                 opts.Number,
		Type:                   opts.Type,
		Status:                 opts.Status,
		Priority:               opts.Priority,
		DestinationWorkFrontID: opts.DestinationWorkFrontID,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return n, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertNote(ctx, tx, n); err != nil {
		return n, fmt.Errorf("insert note: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "note.created", domain.KindNote, n.ID, opts.ActorID, events.EventPayload{
		"number": n.Number, "status": n.Status,
	}); err != nil {
		return n, err
	}
	if err := tx.Commit(); err != nil {
		return n, err
	}
	e.publish(feed.Change{Type: feed.Create, Kind: domain.KindNote, ID: n.ID, Record: n})
	return n, nil
}

// SetNoteStatus moves a note to a new status. Notes are owned upstream, so any status is accepted.
func (e Engine) SetNoteStatus(ctx context.Context, id, status, actorID string) (domain.Note, error) {
	if strings.TrimSpace(status) == "" {
		return domain.Note{}, invalidf("status is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Note{}, err
	}
	defer tx.Rollback()
	n, err := e.Repo.GetNoteTx(ctx, tx, id)
	if err != nil {
		return n, err
	}
	from := n.Status
	n.Status = status
	n.UpdatedAt = e.nowString()
	if err := e.Repo.UpdateNoteStatus(ctx, tx, n.ID, n.Status, n.UpdatedAt); err != nil {
		return n, err
	}
	if err := e.Events.Append(ctx, tx, "note.status", domain.KindNote, n.ID, actorID, events.EventPayload{
		"from_status": from, "to_status": n.Status,
	}); err != nil {
		return n, err
	}
	if err := tx.Commit(); err != nil {
		return n, err
	}
	e.publish(feed.Change{Type: feed.Update, Kind: domain.KindNote, ID: n.ID, Record: n})
	return n, nil
}

func (e Engine) GetNote(ctx context.Context, id string) (domain.Note, error) {
	return e.Repo.GetNote(ctx, id)
}

func (e Engine) ListNotes(ctx context.Context, statuses ...string) ([]domain.Note, error) {
	key := "status:" + strings.Join(statuses, ",")
	return cache.Load(ctx, e.Cache, domain.KindNote, key, func(ctx context.Context) ([]domain.Note, error) {
		return e.Repo.ListNotes(ctx, repo.NoteFilters{Statuses: statuses})
	})
}

// --- settings ---

func (e Engine) ListSettings(ctx context.Context) ([]domain.Setting, error) {
	return e.Repo.ListSettings(ctx)
}

// SetSetting stores one setting. Automation keys are validated before they are written.
func (e Engine) SetSetting(ctx context.Context, key, value, actorID string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return invalidf("key is required")
	}
	if _, known := config.DefaultSetting(key); known {
		if _, err := config.ResolveAutomation([]domain.Setting{{Key: key, Value: value}}); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}
	if err := e.Repo.UpsertSetting(ctx, key, value); err != nil {
		return err
	}
	e.Events.Log(ctx, events.Entry{Action: "setting.updated", EntityKind: domain.KindSetting, EntityID: key, ActorID: actorID,
		Payload: events.EventPayload{"value": value}})
	e.publish(feed.Change{Type: feed.Update, Kind: domain.KindSetting, ID: key, Record: domain.Setting{Key: key, Value: value}})
	return nil
}

// AutomationConfig resolves the typed automation settings from the settings table.
func (e Engine) AutomationConfig(ctx context.Context) (config.Automation, error) {
	settings, err := e.Repo.ListSettings(ctx)
	if err != nil {
		return config.AutomationDefaults(), fmt.Errorf("list settings: %w", err)
	}
	cfg, err := config.ResolveAutomation(settings)
	if err != nil {
		e.logger().WarnContext(ctx, "automation settings fell back to defaults", "error", err)
	}
	return cfg, nil
}

// --- actors ---

// IsPrivileged reports whether the actor holds one of the configured privileged roles.
func (e Engine) IsPrivileged(ctx context.Context, actorID string) (bool, error) {
	return e.Auth.HasAnyRole(ctx, actorID, e.Config.Roles.Privileged)
}

// RequirePrivileged returns auth.ForbiddenError unless the actor is privileged.
func (e Engine) RequirePrivileged(ctx context.Context, actorID string) error {
	return e.Auth.Require(ctx, actorID, e.Config.Roles.Privileged)
}

func (e Engine) GrantRole(ctx context.Context, actorID, role, grantedBy string) error {
	if err := e.Auth.GrantRole(ctx, actorID, role); err != nil {
		return err
	}
	e.Events.Log(ctx, events.Entry{Action: "actor.role.granted", EntityKind: "actors", EntityID: actorID, ActorID: grantedBy,
		Payload: events.EventPayload{"role": role}})
	return nil
}

func (e Engine) RevokeRole(ctx context.Context, actorID, role, revokedBy string) error {
	if err := e.Auth.RevokeRole(ctx, actorID, role); err != nil {
		return err
	}
	e.Events.Log(ctx, events.Entry{Action: "actor.role.revoked", EntityKind: "actors", EntityID: actorID, ActorID: revokedBy,
		Payload: events.EventPayload{"role": role}})
	return nil
}

// --- audit ---

func (e Engine) LatestEvents(ctx context.Context, limit int, cursor int64, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return e.Repo.LatestEventsFrom(ctx, limit, cursor, evtType, entityKind, entityID)
}

func validPriority(p string) bool {
	switch p {
	case domain.PriorityLow, domain.PriorityMedium, domain.PriorityHigh, domain.PriorityUrgent:
		return true
	}
	return false
}
