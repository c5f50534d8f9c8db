package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"opsline/internal/cache"
	"opsline/internal/domain"
	"opsline/internal/events"
	"opsline/internal/feed"
	"opsline/internal/repo"
)

// WorkerCreateOptions are parameters for registering a worker.
type WorkerCreateOptions struct {
	ID         string
	Name       string
	Capacity   int
	WorkFronts []string
	Status     string
	ActorID    string
}

func (e Engine) CreateWorker(ctx context.Context, opts WorkerCreateOptions) (domain.Worker, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return domain.Worker{}, invalidf("name is required")
	}
	if opts.Capacity < 0 {
		return domain.Worker{}, invalidf("capacity must not be negative")
	}
	if opts.Capacity == 0 {
		opts.Capacity = 1
	}
	if opts.Status == "" {
		opts.Status = domain.WorkerAvailable
	}
	if !validWorkerStatus(opts.Status) {
		return domain.Worker{}, invalidf("unknown worker status %s", opts.Status)
	}
	for _, f := range opts.WorkFronts {
		if _, err := e.Repo.GetFront(ctx, f); err != nil {
			return domain.Worker{}, fmt.Errorf("front %s: %w", f, err)
		}
	}
	now := e.nowString()
	w := domain.Worker{
		ID:         newID("worker", opts.ID),
		Name:       opts.Name,
		Status:     opts.Status,
		Capacity:   opts.Capacity,
		WorkFronts: opts.WorkFronts,
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if w.WorkFronts == nil {
		w.WorkFronts = []string{}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return w, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertWorker(ctx, tx, w); err != nil {
		return w, fmt.Errorf("insert worker: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "worker.created", domain.KindWorker, w.ID, opts.ActorID, events.EventPayload{
		"name": w.Name, "capacity": w.Capacity, "work_fronts": w.WorkFronts,
	}); err != nil {
		return w, err
	}
	if err := tx.Commit(); err != nil {
		return w, err
	}
	e.publish(feed.Change{Type: feed.Create, Kind: domain.KindWorker, ID: w.ID, Record: w})
	return w, nil
}

// WorkerUpdateOptions carries optional manual edits.
type WorkerUpdateOptions struct {
	ID         string
	Status     *string
	Capacity   *int
	Active     *bool
	WorkFronts *[]string
	ActorID    string
}

// UpdateWorker applies a manual edit. Counters are owned by allocation and completion and are not editable.
func (e Engine) UpdateWorker(ctx context.Context, opts WorkerUpdateOptions) (domain.Worker, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Worker{}, err
	}
	defer tx.Rollback()
	w, err := e.Repo.GetWorkerTx(ctx, tx, opts.ID)
	if err != nil {
		return w, err
	}
	original := w
	if opts.Status != nil {
		if !validWorkerStatus(*opts.Status) {
			return w, invalidf("unknown worker status %s", *opts.Status)
		}
		w.Status = *opts.Status
	}
	if opts.Capacity != nil {
		if *opts.Capacity < 1 {
			return w, invalidf("capacity must be at least 1")
		}
		w.Capacity = *opts.Capacity
	}
	if opts.Active != nil {
		w.Active = *opts.Active
	}
	if opts.WorkFronts != nil {
		if err := e.Repo.SetWorkerFronts(ctx, tx, w.ID, *opts.WorkFronts); err != nil {
			return w, fmt.Errorf("set fronts: %w", err)
		}
		w.WorkFronts = append([]string{}, *opts.WorkFronts...)
	}
	w.UpdatedAt = e.nowString()
	if err := e.Repo.UpdateWorker(ctx, tx, w); err != nil {
		return w, err
	}
	if err := e.Events.Append(ctx, tx, "worker.updated", domain.KindWorker, w.ID, opts.ActorID, events.EventPayload{
		"from_status": original.Status, "to_status": w.Status, "capacity": w.Capacity, "active": w.Active,
	}); err != nil {
		return w, err
	}
	if err := tx.Commit(); err != nil {
		return w, err
	}
	e.publish(feed.Change{Type: feed.Update, Kind: domain.KindWorker, ID: w.ID, Record: w})
	return w, nil
}

func (e Engine) GetWorker(ctx context.Context, id string) (domain.Worker, error) {
	return e.Repo.GetWorker(ctx, id)
}

func (e Engine) ListWorkers(ctx context.Context, f repo.WorkerFilters) ([]domain.Worker, error) {
	key := fmt.Sprintf("front=%s|status=%s|active=%t", f.FrontID, f.Status, f.ActiveOnly)
	return cache.Load(ctx, e.Cache, domain.KindWorker, key, func(ctx context.Context) ([]domain.Worker, error) {
		return e.Repo.ListWorkers(ctx, f)
	})
}

// allocateWorker records one more active work unit for w. Workers marked away keep their status.
func allocateWorker(w domain.Worker, now string) domain.Worker {
	w.ActiveCount++
	if w.Status == domain.WorkerAvailable {
		w.Status = domain.WorkerBusy
	}
	w.UpdatedAt = now
	return w
}

// releaseWorker records the end of one active work unit for w and credits a completion when completed is set.
// A busy worker with nothing left becomes available again.
func releaseWorker(w domain.Worker, completed bool, now string) domain.Worker {
	if w.ActiveCount > 0 {
		w.ActiveCount--
	}
	if completed {
		w.CompletedCount++
	}
	if w.ActiveCount == 0 && w.Status == domain.WorkerBusy {
		w.Status = domain.WorkerAvailable
	}
	w.UpdatedAt = now
	return w
}

// applyToWorkers loads each worker inside tx, applies fn and persists the result.
// Unknown worker ids are skipped so a deleted worker cannot block a work unit.
func (e Engine) applyToWorkers(ctx context.Context, tx *sql.Tx, ids []string, fn func(domain.Worker) domain.Worker) ([]domain.Worker, error) {
	var updated []domain.Worker
	for _, id := range ids {
		w, err := e.Repo.GetWorkerTx(ctx, tx, id)
		if isNotFound(err) {
			e.logger().WarnContext(ctx, "assigned worker missing", "worker_id", id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load worker %s: %w", id, err)
		}
		w = fn(w)
		if err := e.Repo.UpdateWorker(ctx, tx, w); err != nil {
			return nil, fmt.Errorf("update worker %s: %w", id, err)
		}
		updated = append(updated, w)
	}
	return updated, nil
}

func workerChanges(workers []domain.Worker) []feed.Change {
	changes := make([]feed.Change, 0, len(workers))
	for _, w := range workers {
		changes = append(changes, feed.Change{Type: feed.Update, Kind: domain.KindWorker, ID: w.ID, Record: w})
	}
	return changes
}

func validWorkerStatus(s string) bool {
	switch s {
	case domain.WorkerAvailable, domain.WorkerBusy, domain.WorkerUnavailable, domain.WorkerOnLeave, domain.WorkerOnVacation:
		return true
	}
	return false
}
