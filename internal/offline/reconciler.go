package offline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"opsline/internal/cache"
	"opsline/internal/domain"
	"opsline/internal/engine"
)

// ErrNotReady is returned by Remote.Ready when there is no session or no connectivity.
var ErrNotReady = errors.New("remote not ready")

// Remote is the server side of a flush.
type Remote interface {
	Ready(ctx context.Context) error
	// UploadPhoto stores photo bytes under id and returns the remote reference.
	UploadPhoto(ctx context.Context, id, taskID, contentType string, data []byte) (string, error)
	// CreateExecution stores the execution record. Repeating an id is not an error.
	CreateExecution(ctx context.Context, exec domain.ChecklistExecution) (bool, error)
	CompleteWorkUnit(ctx context.Context, taskID string) (domain.WorkUnit, error)
}

// FlushReport summarizes one Flush call.
type FlushReport struct {
	Skipped  bool              `json:"skipped,omitempty"`
	Requeued int               `json:"requeued"`
	Synced   int               `json:"synced"`
	Failed   int               `json:"failed"`
	Errors   map[string]string `json:"errors,omitempty"`
}

// Reconciler delivers pending outbox entries to a Remote.
type Reconciler struct {
	Outbox Outbox
	Remote Remote
	// Cache, when set, holds the device's view of work units and receives optimistic completions.
	Cache  *cache.Cache
	Logger *slog.Logger

	mu sync.Mutex
}

func (r *Reconciler) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default().With("component", "offline")
}

// Flush delivers every pending entry. A failing entry, including one whose stored responses cannot be
// read, is returned to pending with its error and does not stop the others. Only the oldest entry of
// a work unit is delivered per flush. Flush returns an error only when the remote is not ready or the outbox cannot
// be read. A call made while another flush runs returns with Skipped set.
func (r *Reconciler) Flush(ctx context.Context) (FlushReport, error) {
	if !r.mu.TryLock() {
		return FlushReport{Skipped: true}, nil
	}
	defer r.mu.Unlock()

	if err := r.Remote.Ready(ctx); err != nil {
		return FlushReport{}, fmt.Errorf("%w: %v", ErrNotReady, err)
	}
	var rep FlushReport
	var err error
	if rep.Requeued, err = r.Outbox.RequeueStale(ctx); err != nil {
		return rep, fmt.Errorf("requeue stale entries: %w", err)
	}
	if rep.Requeued > 0 {
		r.logger().WarnContext(ctx, "requeued interrupted entries", "count", rep.Requeued)
	}
	pending, err := r.Outbox.Pending(ctx)
	if err != nil {
		return rep, fmt.Errorf("list pending: %w", err)
	}
	var confirmed []domain.WorkUnit
	seen := make(map[string]bool, len(pending))
	for _, e := range pending {
		unit, err := r.deliverOnce(ctx, e, seen)
		if err != nil {
			rep.Failed++
			if rep.Errors == nil {
				rep.Errors = map[string]string{}
			}
			rep.Errors[e.ID] = err.Error()
			r.logger().WarnContext(ctx, "outbox entry not delivered", "entry_id", e.ID, "task_id", e.TaskID, "error", err)
			if rqErr := r.Outbox.Requeue(ctx, e.ID, err); rqErr != nil && !errors.Is(rqErr, ErrState) {
				r.logger().ErrorContext(ctx, "requeue failed", "entry_id", e.ID, "error", rqErr)
			}
			continue
		}
		rep.Synced++
		confirmed = append(confirmed, unit)
	}
	if _, err := r.Outbox.PurgeDone(ctx); err != nil {
		r.logger().WarnContext(ctx, "purge delivered entries failed", "error", err)
	}
	if rep.Synced > 0 && r.Cache != nil {
		r.Cache.Invalidate(domain.KindTask, domain.KindWorker, domain.KindExecution)
		for _, unit := range confirmed {
			if unit.ID == "" {
				continue
			}
			r.Cache.Put(domain.KindTask, engine.TaskKey(unit.ID), unit)
		}
	}
	if rep.Synced > 0 || rep.Failed > 0 {
		r.logger().InfoContext(ctx, "outbox flushed", "synced", rep.Synced, "failed", rep.Failed)
	}
	return rep, nil
}

// deliverOnce delivers e unless another entry of the same work unit was already taken this flush.
func (r *Reconciler) deliverOnce(ctx context.Context, e Entry, seen map[string]bool) (domain.WorkUnit, error) {
	if seen[e.TaskID] {
		if err := r.Outbox.MarkInFlight(ctx, e.ID); err != nil {
			return domain.WorkUnit{}, fmt.Errorf("claim entry: %w", err)
		}
		return domain.WorkUnit{}, fmt.Errorf("%w: work unit %s already has an entry in this flush", ErrState, e.TaskID)
	}
	seen[e.TaskID] = true
	return r.deliver(ctx, e)
}

func (r *Reconciler) deliver(ctx context.Context, e Entry) (domain.WorkUnit, error) {
	if err := r.Outbox.MarkInFlight(ctx, e.ID); err != nil {
		return domain.WorkUnit{}, fmt.Errorf("claim entry: %w", err)
	}
	if e.Err != nil {
		return domain.WorkUnit{}, e.Err
	}
	responses, err := r.uploadPhotos(ctx, e)
	if err != nil {
		return domain.WorkUnit{}, err
	}
	if _, err := r.Remote.CreateExecution(ctx, domain.ChecklistExecution{
		ID:         e.ID,
		TaskID:     e.TaskID,
		Responses:  responses,
		ExecutedBy: e.ExecutedBy,
		ExecutedAt: e.UpdatedAt,
	}); err != nil {
		return domain.WorkUnit{}, fmt.Errorf("create execution: %w", err)
	}
	unit, err := r.complete(ctx, e.TaskID)
	if err != nil {
		return unit, err
	}
	if err := r.Outbox.MarkDone(ctx, e.ID); err != nil {
		return unit, fmt.Errorf("mark done: %w", err)
	}
	return unit, nil
}

// uploadPhotos replaces local photo references with remote ones and persists the result so a retry
// does not upload again. Blobs are dropped once the remote references are saved.
func (r *Reconciler) uploadPhotos(ctx context.Context, e Entry) ([]domain.ChecklistResponse, error) {
	responses := append([]domain.ChecklistResponse(nil), e.Responses...)
	var blobs []string
	changed := false
	for i, resp := range responses {
		if !IsLocalPhoto(resp.PhotoRef) {
			continue
		}
		ct, data, err := r.Outbox.ReadPhoto(ctx, resp.PhotoRef)
		if err != nil {
			return nil, err
		}
		ref, err := r.Remote.UploadPhoto(ctx, photoID(e.ID, resp.ItemID, i), e.TaskID, ct, data)
		if err != nil {
			return nil, fmt.Errorf("upload photo for %s: %w", resp.ItemID, err)
		}
		if strings.HasPrefix(resp.PhotoRef, BlobPrefix) {
			blobs = append(blobs, resp.PhotoRef)
		}
		responses[i].PhotoRef = ref
		changed = true
	}
	if !changed {
		return responses, nil
	}
	if err := r.Outbox.UpdateResponses(ctx, e.ID, responses); err != nil {
		return nil, fmt.Errorf("save uploaded refs: %w", err)
	}
	for _, ref := range blobs {
		if err := r.Outbox.DeleteBlob(ctx, ref); err != nil {
			r.logger().WarnContext(ctx, "delete uploaded blob failed", "ref", ref, "error", err)
		}
	}
	return responses, nil
}

// complete marks the work unit completed in the cached view before the remote confirms it. The
// confirmed record replaces the view, and a failure restores the previous one.
func (r *Reconciler) complete(ctx context.Context, taskID string) (domain.WorkUnit, error) {
	var opt *cache.Optimistic[domain.WorkUnit]
	if cached, ok := r.Cache.Get(domain.KindTask, engine.TaskKey(taskID)); ok {
		if unit, ok := cached.(domain.WorkUnit); ok {
			unit.Status = domain.TaskCompleted
			opt = cache.Apply(r.Cache, domain.KindTask, engine.TaskKey(taskID), unit, nil)
		}
	}
	unit, err := r.Remote.CompleteWorkUnit(ctx, taskID)
	if opt != nil {
		outcome := opt.Reconcile(unit, err)
		r.logger().DebugContext(ctx, "optimistic completion settled", "task_id", taskID, "outcome", outcome.String())
	}
	if err != nil {
		return unit, fmt.Errorf("complete work unit: %w", err)
	}
	return unit, nil
}

func photoID(entryID, itemID string, idx int) string {
	if itemID == "" {
		return fmt.Sprintf("%s-%d", entryID, idx)
	}
	return entryID + "-" + itemID
}

// EngineRemote delivers to an engine in the same process.
type EngineRemote struct {
	Engine  engine.Engine
	ActorID string
}

func (r EngineRemote) Ready(ctx context.Context) error {
	return r.Engine.DB.PingContext(ctx)
}

func (r EngineRemote) UploadPhoto(ctx context.Context, id, taskID, contentType string, data []byte) (string, error) {
	return r.Engine.UploadPhoto(ctx, id, taskID, contentType, data)
}

func (r EngineRemote) CreateExecution(ctx context.Context, exec domain.ChecklistExecution) (bool, error) {
	_, created, err := r.Engine.CreateExecution(ctx, exec, r.ActorID)
	return created, err
}

func (r EngineRemote) CompleteWorkUnit(ctx context.Context, taskID string) (domain.WorkUnit, error) {
	return r.Engine.CompleteTask(ctx, taskID, r.ActorID, true)
}
