package automation_test

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsline/internal/automation"
	"opsline/internal/config"
	"opsline/internal/domain"
	"opsline/internal/engine"
	"opsline/internal/repo"
)

func TestProcessBatchScansTriggerStatuses(t *testing.T) {
	env := newTestEnv(t)
	env.front(t, "front-x", "assembly")
	env.worker(t, engine.WorkerCreateOptions{ID: "a", Name: "Ana", Capacity: 5, WorkFronts: []string{"front-x"}}, 0, 0)
	env.note(t, "n1", "released_for_production", "front-x", "")
	env.note(t, "n2", "released", "front-x", "")
	env.note(t, "n3", "draft", "front-x", "")
	_, err := env.Engine.CreateNote(env.Ctx, engine.NoteCreateOptions{ID: "n4", Number: "4", Status: "released_for_production"})
	require.NoError(t, err)

	res, err := env.Loop.ProcessBatch(env.Ctx)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, 3, res.Considered)
	assert.Equal(t, 2, res.Triggered)
	assert.Equal(t, 2, res.Created)

	res, err = env.Loop.RunScan(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Triggered)
	assert.Equal(t, 0, res.Created)
}

func TestProcessBatchHonorsSettings(t *testing.T) {
	env := newTestEnv(t)
	env.front(t, "front-x", "assembly")
	require.NoError(t, env.Engine.SetSetting(env.Ctx, config.KeyTriggerStatus, "approved", "admin"))
	require.NoError(t, env.Engine.SetSetting(env.Ctx, config.KeyTaskPriority, domain.PriorityHigh, "admin"))
	env.note(t, "n1", "approved", "front-x", "")
	env.note(t, "n2", "released_for_production", "front-x", "")

	res, err := env.Loop.ProcessBatch(env.Ctx, "n1", "n2", "missing")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Considered)
	assert.Equal(t, 1, res.Created)

	units, err := env.Engine.Repo.TasksBySourceEvent(env.Ctx, "n1")
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, domain.PriorityHigh, units[0].Priority)
	assert.Equal(t, "production for note NF-n1", units[0].Title)
}

func TestProcessBatchRequiresPrivilege(t *testing.T) {
	env := newTestEnv(t)
	env.front(t, "front-x", "assembly")
	env.note(t, "n1", "released_for_production", "front-x", "")
	env.Loop.Privileged = func(context.Context) (bool, error) { return false, nil }

	res, err := env.Loop.ProcessBatch(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Considered)
	assert.Equal(t, 0, res.Triggered)

	env.Loop.Privileged = func(context.Context) (bool, error) { return false, errors.New("roles unavailable") }
	_, err = env.Loop.ProcessBatch(env.Ctx)
	assert.Error(t, err)
}

// blockingStore parks the first GetFront call until release is closed.
type blockingStore struct {
	automation.Store
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (s *blockingStore) GetFront(ctx context.Context, id string) (domain.WorkFront, error) {
	if s.calls.Add(1) == 1 {
		close(s.entered)
		<-s.release
	}
	return domain.WorkFront{}, repo.ErrNotFound
}

type staticNotes struct {
	notes []domain.Note
}

func (s staticNotes) GetNote(_ context.Context, id string) (domain.Note, error) {
	for _, n := range s.notes {
		if n.ID == id {
			return n, nil
		}
	}
	return domain.Note{}, repo.ErrNotFound
}

func (s staticNotes) ListNotes(context.Context, []string) ([]domain.Note, error) {
	return s.notes, nil
}

func (s staticNotes) ListSettings(context.Context) ([]domain.Setting, error) {
	return nil, nil
}

func TestProcessBatchSkipsWhileAnotherRuns(t *testing.T) {
	store := &blockingStore{entered: make(chan struct{}), release: make(chan struct{})}
	loop := &automation.Loop{
		Trigger: automation.Trigger{Store: store},
		Notes:   staticNotes{notes: []domain.Note{{ID: "n1", Number: "1", Status: "released_for_production", DestinationWorkFrontID: "f"}}},
	}

	done := make(chan automation.BatchResult, 1)
	go func() {
		res, _ := loop.ProcessBatch(context.Background())
		done <- res
	}()
	<-store.entered

	res, err := loop.ProcessBatch(context.Background(), "n1")
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	close(store.release)
	first := <-done
	assert.False(t, first.Skipped)
	assert.Equal(t, 1, first.Triggered)
	assert.Equal(t, 0, first.Created)

	res, err = loop.ProcessBatch(context.Background(), "n1")
	require.NoError(t, err)
	assert.False(t, res.Skipped)
}

func TestProcessBatchIgnoresCallerCancellation(t *testing.T) {
	env := newTestEnv(t)
	env.front(t, "front-x", "assembly")
	env.note(t, "n1", "released_for_production", "front-x", "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := env.Loop.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
}

// countingNotes records scans so tests can tell when the initial scan has run.
type countingNotes struct {
	automation.EngineStore
	scans atomic.Int32
}

func (c *countingNotes) ListNotes(ctx context.Context, statuses []string) ([]domain.Note, error) {
	c.scans.Add(1)
	return c.EngineStore.ListNotes(ctx, statuses)
}

func TestLoopReactsToNoteChanges(t *testing.T) {
	env := newTestEnv(t)
	env.front(t, "front-x", "assembly")
	notes := &countingNotes{EngineStore: automation.EngineStore{Engine: env.Engine}}
	env.Loop.Notes = notes
	env.Loop.Interval = time.Hour

	require.NoError(t, env.Loop.Start(env.Ctx))
	t.Cleanup(env.Loop.Stop)
	assert.True(t, env.Loop.Running())

	// wait for the initial scan to release the guard
	require.Eventually(t, func() bool {
		if notes.scans.Load() == 0 {
			return false
		}
		res, err := env.Loop.ProcessBatch(env.Ctx, "none")
		return err == nil && !res.Skipped
	}, 5*time.Second, 10*time.Millisecond)

	env.note(t, "n1", "released_for_production", "front-x", "")
	require.Eventually(t, func() bool {
		units, err := env.Engine.Repo.TasksBySourceEvent(env.Ctx, "n1")
		return err == nil && len(units) == 1
	}, 5*time.Second, 10*time.Millisecond)

	env.Loop.Stop()
	assert.False(t, env.Loop.Running())
	env.note(t, "n2", "released_for_production", "front-x", "")
	units, err := env.Engine.Repo.TasksBySourceEvent(env.Ctx, "n2")
	require.NoError(t, err)
	assert.Empty(t, units)
}

func TestLoopInitialScanPicksUpBacklog(t *testing.T) {
	env := newTestEnv(t)
	env.front(t, "front-x", "assembly")
	env.note(t, "n1", "released", "front-x", "")
	env.Loop.Interval = time.Hour

	require.NoError(t, env.Loop.Start(env.Ctx))
	defer env.Loop.Stop()
	require.Eventually(t, func() bool {
		units, err := env.Engine.Repo.TasksBySourceEvent(env.Ctx, "n1")
		return err == nil && len(units) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestLoopNotifiesCompletedWorkUnits(t *testing.T) {
	env := newTestEnv(t)
	env.front(t, "front-x", "assembly")
	env.Loop.Interval = time.Hour
	require.NoError(t, env.Loop.Start(env.Ctx))
	defer env.Loop.Stop()

	unit, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Type: "production", Title: "press line", WorkFrontID: "front-x"})
	require.NoError(t, err)
	_, err = env.Engine.CompleteTask(env.Ctx, unit.ID, "field", true)
	require.NoError(t, err)

	env.Notes.mu.Lock()
	defer env.Notes.mu.Unlock()
	found := false
	for _, m := range env.Notes.messages {
		if m.EntityID == unit.ID && strings.Contains(m.Text, "completed") {
			found = true
		}
	}
	assert.True(t, found)
}

func TestProcessContainsStoreFailures(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()
	mock.ExpectQuery("SELECT id,name,category,created_at FROM work_fronts").
		WithArgs("front-x").
		WillReturnError(errors.New("disk I/O error"))

	eng := engine.New(conn, nil, nil)
	trigger := automation.Trigger{Store: automation.EngineStore{Engine: eng}, Audit: eng.Events, ActorID: "automation"}
	n := domain.Note{ID: "n1", Number: "1", Status: "released_for_production", DestinationWorkFrontID: "front-x"}

	assert.Nil(t, trigger.Process(context.Background(), n, config.AutomationDefaults()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

type panickingStore struct {
	automation.Store
}

func (panickingStore) GetFront(context.Context, string) (domain.WorkFront, error) {
	panic("boom")
}

func TestProcessRecoversFromPanics(t *testing.T) {
	trigger := automation.Trigger{Store: panickingStore{}}
	n := domain.Note{ID: "n1", DestinationWorkFrontID: "f"}
	assert.NotPanics(t, func() {
		assert.Nil(t, trigger.Process(context.Background(), n, config.AutomationDefaults()))
	})
}
