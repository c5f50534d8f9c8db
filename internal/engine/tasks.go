package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"opsline/internal/cache"
	"opsline/internal/domain"
	"opsline/internal/events"
	"opsline/internal/feed"
	"opsline/internal/repo"
)

// EnsureTransition validates a work-unit status change.
// Force skips the graph but never leaves a terminal state.
func EnsureTransition(oldStatus, newStatus string, force bool) error {
	if oldStatus == domain.TaskCompleted || oldStatus == domain.TaskCancelled {
		return fmt.Errorf("%w %s -> %s", ErrInvalidTransition, oldStatus, newStatus)
	}
	if force {
		return nil
	}
	if newStatus == domain.TaskCancelled {
		return nil
	}
	switch oldStatus {
	case domain.TaskCreated:
		if newStatus == domain.TaskAwaitingAllocation {
			return nil
		}
	case domain.TaskAwaitingAllocation:
		if newStatus == domain.TaskInProgress {
			return nil
		}
	case domain.TaskInProgress:
		if newStatus == domain.TaskPaused || newStatus == domain.TaskCompleted {
			return nil
		}
	case domain.TaskPaused:
		if newStatus == domain.TaskInProgress {
			return nil
		}
	}
	return fmt.Errorf("%w %s -> %s", ErrInvalidTransition, oldStatus, newStatus)
}

// TaskCreateOptions are parameters for creating a work unit.
type TaskCreateOptions struct {
	ID            string
	Type          string
	Title         string
	Priority      string
	WorkFrontID   string
	Status        string
	RequiredCount int
	SourceEventID string
	ChecklistID   string
	// Assign lists the workers to allocate, in assignment order.
	Assign  []domain.Worker
	ActorID string
	Payload events.EventPayload
}

// CreateTask inserts a work unit and allocates its workers in one transaction.
func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.WorkUnit, error) {
	if strings.TrimSpace(opts.Type) == "" {
		return domain.WorkUnit{}, invalidf("type is required")
	}
	if strings.TrimSpace(opts.WorkFrontID) == "" {
		return domain.WorkUnit{}, invalidf("work_front_id is required")
	}
	if opts.Priority == "" {
		opts.Priority = domain.PriorityMedium
	}
	if !validPriority(opts.Priority) {
		return domain.WorkUnit{}, invalidf("unknown priority %s", opts.Priority)
	}
	if opts.Status == "" {
		opts.Status = domain.TaskAwaitingAllocation
	}
	if opts.Status != domain.TaskCreated && opts.Status != domain.TaskAwaitingAllocation {
		return domain.WorkUnit{}, invalidf("initial status must be created or awaiting_allocation")
	}
	if opts.RequiredCount <= 0 {
		opts.RequiredCount = 1
	}
	now := e.nowString()
	t := domain.WorkUnit{
		ID:              newID("task", opts.ID),
		Type:            opts.Type,
		Title:           opts.Title,
		Priority:        opts.Priority,
		WorkFrontID:     opts.WorkFrontID,
		AssignedWorkers: []string{},
		AssignedNames:   []string{},
		RequiredCount:   opts.RequiredCount,
		Status:          opts.Status,
		SourceEventID:   optionalString(opts.SourceEventID),
		ChecklistID:     optionalString(opts.ChecklistID),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	for _, w := range opts.Assign {
		t.AssignedWorkers = append(t.AssignedWorkers, w.ID)
		t.AssignedNames = append(t.AssignedNames, w.Name)
	}
	if t.Title == "" {
		t.Title = t.Type
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return t, fmt.Errorf("insert task: %w", err)
	}
	workers, err := e.applyToWorkers(ctx, tx, t.AssignedWorkers, func(w domain.Worker) domain.Worker {
		return allocateWorker(w, now)
	})
	if err != nil {
		return t, err
	}
	payload := events.EventPayload{"status": t.Status, "assigned_workers": t.AssignedWorkers}
	for k, v := range opts.Payload {
		payload[k] = v
	}
	if err := e.Events.Append(ctx, tx, "task.created", domain.KindTask, t.ID, opts.ActorID, payload); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	changes := append([]feed.Change{{Type: feed.Create, Kind: domain.KindTask, ID: t.ID, Record: t}}, workerChanges(workers)...)
	e.publish(changes...)
	return t, nil
}

// TaskKey is the cache key GetTask stores a work unit under.
func TaskKey(id string) string {
	return "id:" + id
}

func (e Engine) GetTask(ctx context.Context, id string) (domain.WorkUnit, error) {
	return cache.Load(ctx, e.Cache, domain.KindTask, TaskKey(id), func(ctx context.Context) (domain.WorkUnit, error) {
		return e.Repo.GetTask(ctx, id)
	})
}

func (e Engine) ListTasks(ctx context.Context, f repo.TaskFilters) ([]domain.WorkUnit, error) {
	key := fmt.Sprintf("status=%s|front=%s|source=%s|worker=%s|limit=%d", f.Status, f.FrontID, f.SourceEventID, f.WorkerID, f.Limit)
	return cache.Load(ctx, e.Cache, domain.KindTask, key, func(ctx context.Context) ([]domain.WorkUnit, error) {
		return e.Repo.ListTasks(ctx, f)
	})
}

// AssignWorkers replaces the assignment of a work unit that has not started yet.
func (e Engine) AssignWorkers(ctx context.Context, taskID string, workerIDs []string, actorID string) (domain.WorkUnit, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkUnit{}, err
	}
	defer tx.Rollback()
	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return t, err
	}
	if t.Status != domain.TaskCreated && t.Status != domain.TaskAwaitingAllocation {
		return t, fmt.Errorf("%w: task %s is %s", ErrInvalidTransition, t.ID, t.Status)
	}
	workerIDs = dedupe(workerIDs)
	now := e.nowString()
	released, err := e.applyToWorkers(ctx, tx, t.AssignedWorkers, func(w domain.Worker) domain.Worker {
		return releaseWorker(w, false, now)
	})
	if err != nil {
		return t, err
	}
	allocated, err := e.applyToWorkers(ctx, tx, workerIDs, func(w domain.Worker) domain.Worker {
		return allocateWorker(w, now)
	})
	if err != nil {
		return t, err
	}
	if len(allocated) != len(workerIDs) {
		return t, fmt.Errorf("%w: unknown worker in %v", repo.ErrNotFound, workerIDs)
	}
	t.AssignedWorkers = make([]string, 0, len(allocated))
	t.AssignedNames = make([]string, 0, len(allocated))
	for _, w := range allocated {
		t.AssignedWorkers = append(t.AssignedWorkers, w.ID)
		t.AssignedNames = append(t.AssignedNames, w.Name)
	}
	t.UpdatedAt = now
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "task.assigned", domain.KindTask, t.ID, actorID, events.EventPayload{
		"assigned_workers": t.AssignedWorkers,
	}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	changes := []feed.Change{{Type: feed.Update, Kind: domain.KindTask, ID: t.ID, Record: t}}
	changes = append(changes, workerChanges(released)...)
	changes = append(changes, workerChanges(allocated)...)
	e.publish(changes...)
	return t, nil
}

// TaskStatusOptions are parameters for a status change.
type TaskStatusOptions struct {
	ID      string
	Status  string
	ActorID string
	Force   bool
}

// SetTaskStatus moves a work unit through its state machine. Completing or cancelling releases the
// assigned workers in the same transaction; completing also credits their completed count.
// Completing an already completed work unit is a no-op.
func (e Engine) SetTaskStatus(ctx context.Context, opts TaskStatusOptions) (domain.WorkUnit, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkUnit{}, err
	}
	defer tx.Rollback()
	t, err := e.Repo.GetTaskTx(ctx, tx, opts.ID)
	if err != nil {
		return t, err
	}
	if t.Status == opts.Status && opts.Status == domain.TaskCompleted {
		return t, nil
	}
	if err := EnsureTransition(t.Status, opts.Status, opts.Force); err != nil {
		return t, err
	}
	from := t.Status
	now := e.nowString()
	t.Status = opts.Status
	t.UpdatedAt = now
	var workers []domain.Worker
	switch opts.Status {
	case domain.TaskInProgress:
		if t.StartedAt == nil {
			t.StartedAt = optionalString(now)
		}
	case domain.TaskCompleted, domain.TaskCancelled:
		completed := opts.Status == domain.TaskCompleted
		if completed {
			t.CompletedAt = optionalString(now)
		}
		workers, err = e.applyToWorkers(ctx, tx, t.AssignedWorkers, func(w domain.Worker) domain.Worker {
			return releaseWorker(w, completed, now)
		})
		if err != nil {
			return t, err
		}
	}
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "task.status", domain.KindTask, t.ID, opts.ActorID, events.EventPayload{
		"from_status": from, "to_status": t.Status, "forced": opts.Force,
	}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	changes := append([]feed.Change{{Type: feed.Update, Kind: domain.KindTask, ID: t.ID, Record: t}}, workerChanges(workers)...)
	e.publish(changes...)
	return t, nil
}

func (e Engine) StartTask(ctx context.Context, id, actorID string) (domain.WorkUnit, error) {
	return e.SetTaskStatus(ctx, TaskStatusOptions{ID: id, Status: domain.TaskInProgress, ActorID: actorID})
}

func (e Engine) PauseTask(ctx context.Context, id, actorID string) (domain.WorkUnit, error) {
	return e.SetTaskStatus(ctx, TaskStatusOptions{ID: id, Status: domain.TaskPaused, ActorID: actorID})
}

func (e Engine) ResumeTask(ctx context.Context, id, actorID string) (domain.WorkUnit, error) {
	return e.SetTaskStatus(ctx, TaskStatusOptions{ID: id, Status: domain.TaskInProgress, ActorID: actorID})
}

// CompleteTask completes a work unit. Force allows completion from any non-terminal state, which is
// what field devices need when a checklist was finished before the unit was started.
func (e Engine) CompleteTask(ctx context.Context, id, actorID string, force bool) (domain.WorkUnit, error) {
	return e.SetTaskStatus(ctx, TaskStatusOptions{ID: id, Status: domain.TaskCompleted, ActorID: actorID, Force: force})
}

func (e Engine) CancelTask(ctx context.Context, id, actorID string) (domain.WorkUnit, error) {
	return e.SetTaskStatus(ctx, TaskStatusOptions{ID: id, Status: domain.TaskCancelled, ActorID: actorID})
}

// AdvanceNote moves an upstream note to status inside its own transaction.
// It is a no-op when the note already has that status.
func (e Engine) AdvanceNote(ctx context.Context, noteID, status, actorID string) error {
	n, err := e.Repo.GetNote(ctx, noteID)
	if err != nil {
		return err
	}
	if n.Status == status {
		return nil
	}
	_, err = e.SetNoteStatus(ctx, noteID, status, actorID)
	return err
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func isNotFound(err error) bool {
	return errors.Is(err, repo.ErrNotFound) || errors.Is(err, sql.ErrNoRows)
}
