package offline_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsline/internal/cache"
	"opsline/internal/db"
	"opsline/internal/domain"
	"opsline/internal/engine"
	"opsline/internal/migrate"
	"opsline/internal/offline"
)

type syncEnv struct {
	Engine engine.Engine
	Outbox offline.Outbox
	Ctx    context.Context
	TaskID string
}

func newSyncEnv(t *testing.T) syncEnv {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	eng := engine.New(conn, nil, nil)

	_, err = eng.CreateFront(ctx, domain.WorkFront{ID: "front-x", Name: "Press"}, "admin")
	require.NoError(t, err)
	w, err := eng.CreateWorker(ctx, engine.WorkerCreateOptions{ID: "a", Name: "Ana", WorkFronts: []string{"front-x"}})
	require.NoError(t, err)
	unit, err := eng.CreateTask(ctx, engine.TaskCreateOptions{ID: "task-1", Type: "production", WorkFrontID: "front-x", Assign: []domain.Worker{w}})
	require.NoError(t, err)
	_, err = eng.StartTask(ctx, unit.ID, "ana")
	require.NoError(t, err)

	return syncEnv{Engine: eng, Outbox: newOutbox(t), Ctx: ctx, TaskID: unit.ID}
}

func (env syncEnv) finished(t *testing.T, responses ...domain.ChecklistResponse) offline.Entry {
	t.Helper()
	_, err := env.Outbox.SaveDraft(env.Ctx, env.TaskID, "ana", responses)
	require.NoError(t, err)
	e, err := env.Outbox.Finish(env.Ctx, env.TaskID)
	require.NoError(t, err)
	return e
}

// flakyRemote fails CompleteWorkUnit a fixed number of times before delegating.
type flakyRemote struct {
	offline.EngineRemote
	failures atomic.Int32
	notReady error
}

func (f *flakyRemote) Ready(ctx context.Context) error {
	if f.notReady != nil {
		return f.notReady
	}
	return f.EngineRemote.Ready(ctx)
}

func (f *flakyRemote) CompleteWorkUnit(ctx context.Context, taskID string) (domain.WorkUnit, error) {
	if f.failures.Add(-1) >= 0 {
		return domain.WorkUnit{}, errors.New("connection reset")
	}
	return f.EngineRemote.CompleteWorkUnit(ctx, taskID)
}

func TestFlushDeliversEntryAndCreditsWorkers(t *testing.T) {
	env := newSyncEnv(t)
	blob, err := env.Outbox.PutBlob(env.Ctx, "image/jpeg", []byte("jpeg-bytes"))
	require.NoError(t, err)
	entry := env.finished(t,
		domain.ChecklistResponse{ItemID: "item-1", Value: "ok"},
		domain.ChecklistResponse{ItemID: "item-2", Value: "ok", PhotoRef: blob},
	)

	r := &offline.Reconciler{Outbox: env.Outbox, Remote: offline.EngineRemote{Engine: env.Engine, ActorID: "device"}}
	rep, err := r.Flush(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Synced)
	assert.Equal(t, 0, rep.Failed)

	unit, err := env.Engine.Repo.GetTask(env.Ctx, env.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, unit.Status)

	w, err := env.Engine.Repo.GetWorker(env.Ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 0, w.ActiveCount)
	assert.Equal(t, 1, w.CompletedCount)
	assert.Equal(t, domain.WorkerAvailable, w.Status)

	execs, err := env.Engine.ListExecutions(env.Ctx, env.TaskID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, entry.ID, execs[0].ID)
	require.Len(t, execs[0].Responses, 2)
	photoRef := execs[0].Responses[1].PhotoRef
	assert.Equal(t, engine.PhotoRef(entry.ID+"-item-2"), photoRef)
	ct, data, err := env.Engine.GetPhoto(env.Ctx, photoRef)
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", ct)
	assert.Equal(t, []byte("jpeg-bytes"), data)

	left, err := env.Outbox.List(env.Ctx)
	require.NoError(t, err)
	assert.Empty(t, left)
	_, _, err = env.Outbox.ReadPhoto(env.Ctx, blob)
	assert.ErrorIs(t, err, offline.ErrNotFound)

	rep, err = r.Flush(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Synced)
}

func TestFlushRetriesWithoutDoubleCounting(t *testing.T) {
	env := newSyncEnv(t)
	blob, err := env.Outbox.PutBlob(env.Ctx, "image/jpeg", []byte("jpeg-bytes"))
	require.NoError(t, err)
	entry := env.finished(t, domain.ChecklistResponse{ItemID: "item-1", Value: "ok", PhotoRef: blob})

	remote := &flakyRemote{EngineRemote: offline.EngineRemote{Engine: env.Engine, ActorID: "device"}}
	remote.failures.Store(1)
	r := &offline.Reconciler{Outbox: env.Outbox, Remote: remote}

	rep, err := r.Flush(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)
	assert.Contains(t, rep.Errors[entry.ID], "connection reset")

	got, err := env.Outbox.GetEntry(env.Ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, offline.StatePending, got.State)
	assert.Equal(t, 1, got.Attempts)
	assert.Contains(t, got.LastError, "connection reset")
	assert.False(t, offline.IsLocalPhoto(got.Responses[0].PhotoRef), "uploaded refs survive the failure")

	rep, err = r.Flush(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Synced)

	execs, err := env.Engine.ListExecutions(env.Ctx, env.TaskID)
	require.NoError(t, err)
	assert.Len(t, execs, 1)
	w, err := env.Engine.Repo.GetWorker(env.Ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, w.CompletedCount)
}

func TestFlushWaitsForRemote(t *testing.T) {
	env := newSyncEnv(t)
	entry := env.finished(t, domain.ChecklistResponse{ItemID: "item-1", Value: "ok"})
	remote := &flakyRemote{EngineRemote: offline.EngineRemote{Engine: env.Engine}, notReady: errors.New("no session")}
	r := &offline.Reconciler{Outbox: env.Outbox, Remote: remote}

	_, err := r.Flush(env.Ctx)
	assert.ErrorIs(t, err, offline.ErrNotReady)
	got, err := env.Outbox.GetEntry(env.Ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, offline.StatePending, got.State)
	assert.Equal(t, 0, got.Attempts)
}

func TestFlushRequeuesInterruptedEntries(t *testing.T) {
	env := newSyncEnv(t)
	entry := env.finished(t, domain.ChecklistResponse{ItemID: "item-1", Value: "ok"})
	require.NoError(t, env.Outbox.MarkInFlight(env.Ctx, entry.ID))

	r := &offline.Reconciler{Outbox: env.Outbox, Remote: offline.EngineRemote{Engine: env.Engine}}
	rep, err := r.Flush(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Requeued)
	assert.Equal(t, 1, rep.Synced)
}

func TestFlushKeepsEntryForCancelledWorkUnit(t *testing.T) {
	env := newSyncEnv(t)
	entry := env.finished(t, domain.ChecklistResponse{ItemID: "item-1", Value: "ok"})
	_, err := env.Engine.CancelTask(env.Ctx, env.TaskID, "manager")
	require.NoError(t, err)

	r := &offline.Reconciler{Outbox: env.Outbox, Remote: offline.EngineRemote{Engine: env.Engine}}
	rep, err := r.Flush(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)

	got, err := env.Outbox.GetEntry(env.Ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, offline.StatePending, got.State)
	assert.Contains(t, got.LastError, engine.ErrInvalidTransition.Error())
}

func TestFlushSettlesOptimisticCompletion(t *testing.T) {
	env := newSyncEnv(t)
	env.finished(t, domain.ChecklistResponse{ItemID: "item-1", Value: "ok"})
	view := cache.New()
	started, err := env.Engine.Repo.GetTask(env.Ctx, env.TaskID)
	require.NoError(t, err)
	view.Put(domain.KindTask, engine.TaskKey(env.TaskID), started)

	remote := &flakyRemote{EngineRemote: offline.EngineRemote{Engine: env.Engine}}
	remote.failures.Store(1)
	r := &offline.Reconciler{Outbox: env.Outbox, Remote: remote, Cache: view}

	_, err = r.Flush(env.Ctx)
	require.NoError(t, err)
	cached, ok := view.Get(domain.KindTask, engine.TaskKey(env.TaskID))
	require.True(t, ok)
	assert.Equal(t, domain.TaskInProgress, cached.(domain.WorkUnit).Status, "failed completion rolls back")

	_, err = r.Flush(env.Ctx)
	require.NoError(t, err)
	cached, ok = view.Get(domain.KindTask, engine.TaskKey(env.TaskID))
	require.True(t, ok)
	unit := cached.(domain.WorkUnit)
	assert.Equal(t, domain.TaskCompleted, unit.Status)
	assert.NotNil(t, unit.CompletedAt)
}

func TestFlushSkipsUnreadableEntry(t *testing.T) {
	env := newSyncEnv(t)
	good := env.finished(t, domain.ChecklistResponse{ItemID: "item-1", Value: "ok"})
	_, err := env.Outbox.DB.ExecContext(env.Ctx, `INSERT INTO outbox(id,task_id,state,responses_json,created_at,updated_at) VALUES ('0-bad','task-2','pending','{not json','2024-01-01T09:00:00Z','2024-01-01T09:00:00Z')`)
	require.NoError(t, err)

	r := &offline.Reconciler{Outbox: env.Outbox, Remote: offline.EngineRemote{Engine: env.Engine, ActorID: "device"}}
	rep, err := r.Flush(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Synced)
	assert.Equal(t, 1, rep.Failed)
	assert.Contains(t, rep.Errors["0-bad"], offline.ErrCorrupt.Error())

	execs, err := env.Engine.ListExecutions(env.Ctx, env.TaskID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, good.ID, execs[0].ID)

	left, err := env.Outbox.List(env.Ctx)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "0-bad", left[0].ID)
	assert.Equal(t, offline.StatePending, left[0].State)
	assert.Equal(t, 1, left[0].Attempts)
	assert.Contains(t, left[0].LastError, offline.ErrCorrupt.Error())
}

func TestFlushDeliversRefinishedWorkUnitOnce(t *testing.T) {
	env := newSyncEnv(t)
	env.finished(t, domain.ChecklistResponse{ItemID: "item-1", Value: "nok"})
	latest := env.finished(t, domain.ChecklistResponse{ItemID: "item-1", Value: "ok"})

	r := &offline.Reconciler{Outbox: env.Outbox, Remote: offline.EngineRemote{Engine: env.Engine, ActorID: "device"}}
	rep, err := r.Flush(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Synced)
	assert.Equal(t, 0, rep.Failed)

	execs, err := env.Engine.ListExecutions(env.Ctx, env.TaskID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, latest.ID, execs[0].ID)
	assert.Equal(t, "ok", execs[0].Responses[0].Value)

	w, err := env.Engine.Repo.GetWorker(env.Ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, w.CompletedCount)
}

func TestFlushDropsCachedTaskLists(t *testing.T) {
	env := newSyncEnv(t)
	env.finished(t, domain.ChecklistResponse{ItemID: "item-1", Value: "ok"})
	view := cache.New()
	started, err := env.Engine.Repo.GetTask(env.Ctx, env.TaskID)
	require.NoError(t, err)
	view.Put(domain.KindTask, "list:front-x", []domain.WorkUnit{started})
	view.Put(domain.KindWorker, "a", domain.Worker{ID: "a"})

	r := &offline.Reconciler{Outbox: env.Outbox, Remote: offline.EngineRemote{Engine: env.Engine}, Cache: view}
	rep, err := r.Flush(env.Ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Synced)

	_, ok := view.Get(domain.KindTask, "list:front-x")
	assert.False(t, ok, "list showing the work unit in progress is dropped")
	_, ok = view.Get(domain.KindWorker, "a")
	assert.False(t, ok)
	cached, ok := view.Get(domain.KindTask, engine.TaskKey(env.TaskID))
	require.True(t, ok, "confirmed work unit is cached")
	assert.Equal(t, domain.TaskCompleted, cached.(domain.WorkUnit).Status)
}
