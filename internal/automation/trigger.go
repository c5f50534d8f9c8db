package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"opsline/internal/allocation"
	"opsline/internal/config"
	"opsline/internal/domain"
	"opsline/internal/engine"
	"opsline/internal/events"
	"opsline/internal/notify"
	"opsline/internal/repo"
)

// Store is what the trigger reads and writes.
type Store interface {
	GetFront(ctx context.Context, id string) (domain.WorkFront, error)
	TasksBySourceEvent(ctx context.Context, noteID string) ([]domain.WorkUnit, error)
	ListWorkers(ctx context.Context, f repo.WorkerFilters) ([]domain.Worker, error)
	FirstActiveChecklist(ctx context.Context, taskType string) (domain.ChecklistTemplate, error)
	CreateTask(ctx context.Context, opts engine.TaskCreateOptions) (domain.WorkUnit, error)
	AdvanceNote(ctx context.Context, noteID, status, actorID string) error
}

// Auditor receives fire-and-forget audit entries.
type Auditor interface {
	Log(ctx context.Context, e events.Entry)
}

// Invalidator drops cached read models.
type Invalidator interface {
	Invalidate(kinds ...string)
}

// Trigger creates at most one work unit per note.
type Trigger struct {
	Store    Store
	Audit    Auditor
	Notifier notify.Notifier
	Cache    Invalidator
	Logger   *slog.Logger
	ActorID  string
}

// Process handles one note. It returns the created work unit, or nil when the note was skipped or
// anything failed. Failures are logged and never returned.
func (t Trigger) Process(ctx context.Context, note domain.Note, cfg config.Automation) (created *domain.WorkUnit) {
	logger := t.logger().With("note_id", note.ID)
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorContext(ctx, "automation trigger panicked", "panic", r)
			created = nil
		}
	}()
	unit, err := t.process(ctx, note, cfg, logger)
	if err != nil {
		logger.ErrorContext(ctx, "automation trigger failed", "error", err)
		return nil
	}
	return unit
}

func (t Trigger) process(ctx context.Context, note domain.Note, cfg config.Automation, logger *slog.Logger) (*domain.WorkUnit, error) {
	front, err := t.Store.GetFront(ctx, note.DestinationWorkFrontID)
	if errors.Is(err, repo.ErrNotFound) {
		logger.InfoContext(ctx, "destination front missing, skipping", "work_front_id", note.DestinationWorkFrontID)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load front: %w", err)
	}
	existing, err := t.Store.TasksBySourceEvent(ctx, note.ID)
	if err != nil {
		return nil, fmt.Errorf("check existing work units: %w", err)
	}
	if len(existing) > 0 {
		logger.DebugContext(ctx, "note already has a work unit", "task_id", existing[0].ID)
		return nil, nil
	}

	active, err := t.Store.ListWorkers(ctx, repo.WorkerFilters{FrontID: front.ID, ActiveOnly: true})
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	pool := make([]domain.Worker, 0, len(active))
	for _, w := range active {
		if w.Status == domain.WorkerAvailable {
			pool = append(pool, w)
		}
	}
	hadAvailable := len(pool) > 0
	if !hadAvailable && cfg.AllowDegraded {
		pool = active
	}

	taskType := ResolveType(note, cfg)
	required := ResolveRequiredCount(note, cfg)
	checklistID := ""
	checklist, err := t.Store.FirstActiveChecklist(ctx, taskType)
	switch {
	case err == nil:
		checklistID = checklist.ID
	case !errors.Is(err, repo.ErrNotFound):
		return nil, fmt.Errorf("find checklist: %w", err)
	}

	minScore := allocation.MinScore(hadAvailable, cfg.AllowDegraded)
	if minScore == allocation.MinScoreNormal {
		minScore = cfg.MinScore
	}
	draft := domain.WorkUnit{Type: taskType, WorkFrontID: front.ID, RequiredCount: required}
	selected := allocation.Select(pool, draft, front, required, minScore)

	assign := make([]domain.Worker, 0, len(selected))
	names := make([]string, 0, len(selected))
	for _, c := range selected {
		assign = append(assign, c.Worker)
		names = append(names, c.Worker.Name)
	}
	mean := allocation.MeanScore(selected)
	unit, err := t.Store.CreateTask(ctx, engine.TaskCreateOptions{
		Type:          taskType,
		Title:         taskTitle(note, taskType),
		Priority:      ResolvePriority(note, cfg),
		WorkFrontID:   front.ID,
		Status:        cfg.InitialStatus,
		RequiredCount: required,
		SourceEventID: note.ID,
		ChecklistID:   checklistID,
		Assign:        assign,
		ActorID:       t.ActorID,
		Payload:       events.EventPayload{"source": "automation", "min_score": minScore},
	})
	if err != nil {
		return nil, fmt.Errorf("create work unit: %w", err)
	}

	if front.Category == domain.CategoryProduction && cfg.ProductionStatus != "" {
		if err := t.Store.AdvanceNote(ctx, note.ID, cfg.ProductionStatus, t.ActorID); err != nil {
			return nil, fmt.Errorf("advance note: %w", err)
		}
	}

	if t.Audit != nil {
		t.Audit.Log(ctx, events.Entry{
			Action:      "automation.task_created",
			EntityKind:  domain.KindTask,
			EntityID:    unit.ID,
			ActorID:     t.ActorID,
			Description: describeAssignment(note, names, mean),
			Payload: events.EventPayload{
				"note_id":        note.ID,
				"assigned_names": names,
				"mean_score":     mean,
				"required_count": required,
				"degraded":       !hadAvailable && cfg.AllowDegraded,
			},
		})
	}

	if t.Notifier != nil {
		if len(assign) > 0 {
			t.Notifier.Success(ctx, fmt.Sprintf("Work unit created for note %s", note.Number),
				notify.WithDescription("Assigned to "+strings.Join(names, ", ")),
				notify.WithEntity(domain.KindTask, unit.ID),
				notify.WithData("mean_score", mean))
		} else {
			t.Notifier.Warning(ctx, fmt.Sprintf("Work unit created for note %s without staff", note.Number),
				notify.WithDescription("No worker reached the minimum score"),
				notify.WithEntity(domain.KindTask, unit.ID))
		}
	}

	if t.Cache != nil {
		t.Cache.Invalidate(domain.KindTask, domain.KindNote, domain.KindWorker)
	}
	logger.InfoContext(ctx, "work unit created", "task_id", unit.ID, "assigned", len(assign), "mean_score", mean)
	return &unit, nil
}

func describeAssignment(note domain.Note, names []string, mean float64) string {
	if len(names) == 0 {
		return fmt.Sprintf("Note %s: work unit created without assignment", note.Number)
	}
	return fmt.Sprintf("Note %s: assigned %s (mean score %.1f)", note.Number, strings.Join(names, ", "), mean)
}

func (t Trigger) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default().With("component", "automation")
}

// EngineStore adapts an engine to Store. Reads go straight to the repository so automation never
// works from a cached snapshot.
type EngineStore struct {
	Engine engine.Engine
}

func (s EngineStore) GetFront(ctx context.Context, id string) (domain.WorkFront, error) {
	return s.Engine.Repo.GetFront(ctx, id)
}

func (s EngineStore) TasksBySourceEvent(ctx context.Context, noteID string) ([]domain.WorkUnit, error) {
	return s.Engine.Repo.TasksBySourceEvent(ctx, noteID)
}

func (s EngineStore) ListWorkers(ctx context.Context, f repo.WorkerFilters) ([]domain.Worker, error) {
	return s.Engine.Repo.ListWorkers(ctx, f)
}

func (s EngineStore) FirstActiveChecklist(ctx context.Context, taskType string) (domain.ChecklistTemplate, error) {
	return s.Engine.Repo.FirstActiveChecklist(ctx, taskType)
}

func (s EngineStore) CreateTask(ctx context.Context, opts engine.TaskCreateOptions) (domain.WorkUnit, error) {
	return s.Engine.CreateTask(ctx, opts)
}

func (s EngineStore) AdvanceNote(ctx context.Context, noteID, status, actorID string) error {
	return s.Engine.AdvanceNote(ctx, noteID, status, actorID)
}

func (s EngineStore) GetNote(ctx context.Context, id string) (domain.Note, error) {
	return s.Engine.Repo.GetNote(ctx, id)
}

func (s EngineStore) ListNotes(ctx context.Context, statuses []string) ([]domain.Note, error) {
	return s.Engine.Repo.ListNotes(ctx, repo.NoteFilters{Statuses: statuses})
}

func (s EngineStore) ListSettings(ctx context.Context) ([]domain.Setting, error) {
	return s.Engine.Repo.ListSettings(ctx)
}
