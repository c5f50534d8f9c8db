package offline_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsline/internal/db"
	"opsline/internal/domain"
	"opsline/internal/migrate"
	"opsline/internal/offline"
)

func newOutbox(t *testing.T) offline.Outbox {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir(), Local: true})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.MigrateLocal(conn))
	return offline.Outbox{DB: conn, Now: func() time.Time { return time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC) }}
}

func TestOutboxKeyValue(t *testing.T) {
	ctx := context.Background()
	o := newOutbox(t)

	_, ok, err := o.Get(ctx, "session")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, o.Set(ctx, "session", "a"))
	require.NoError(t, o.Set(ctx, "session", "b"))
	v, ok, err := o.Get(ctx, "session")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "b", v)

	require.NoError(t, o.Remove(ctx, "session"))
	_, ok, err = o.Get(ctx, "session")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOutboxDraftLifecycle(t *testing.T) {
	ctx := context.Background()
	o := newOutbox(t)

	_, err := o.Finish(ctx, "task-1")
	assert.ErrorIs(t, err, offline.ErrNoDraft)

	first, err := o.SaveDraft(ctx, "task-1", "ana", []domain.ChecklistResponse{{ItemID: "item-1", Value: "ok"}})
	require.NoError(t, err)
	second, err := o.SaveDraft(ctx, "task-1", "ana", []domain.ChecklistResponse{{ItemID: "item-1", Value: "nok"}, {ItemID: "item-2", Value: "ok"}})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "a work unit keeps one draft")

	draft, err := o.Draft(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, offline.StateDraft, draft.State)
	require.Len(t, draft.Responses, 2)
	assert.Equal(t, "nok", draft.Responses[0].Value)

	pending, err := o.Finish(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, offline.StatePending, pending.State)
	assert.Equal(t, first.ID, pending.ID)

	_, err = o.Draft(ctx, "task-1")
	assert.ErrorIs(t, err, offline.ErrNoDraft)

	// a new draft may start while the finished one waits
	next, err := o.SaveDraft(ctx, "task-1", "ana", nil)
	require.NoError(t, err)
	assert.NotEqual(t, pending.ID, next.ID)

	entries, err := o.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, pending.ID, entries[0].ID)
}

func TestOutboxStateTransitions(t *testing.T) {
	ctx := context.Background()
	o := newOutbox(t)
	draft, err := o.SaveDraft(ctx, "task-1", "ana", []domain.ChecklistResponse{{ItemID: "item-1", Value: "ok"}})
	require.NoError(t, err)

	assert.ErrorIs(t, o.MarkInFlight(ctx, draft.ID), offline.ErrState)

	_, err = o.Finish(ctx, "task-1")
	require.NoError(t, err)
	_, err = o.SaveDraft(ctx, "task-1", "ana", nil)
	require.NoError(t, err)

	require.NoError(t, o.MarkInFlight(ctx, draft.ID))
	assert.ErrorIs(t, o.MarkInFlight(ctx, draft.ID), offline.ErrState)

	n, err := o.RequeueStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, o.MarkInFlight(ctx, draft.ID))
	got, err := o.GetEntry(ctx, draft.ID)
	require.NoError(t, err)
	assert.Equal(t, offline.StateInFlight, got.State)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, "interrupted", got.LastError)

	require.NoError(t, o.MarkDone(ctx, draft.ID))
	_, err = o.Draft(ctx, "task-1")
	assert.ErrorIs(t, err, offline.ErrNoDraft, "delivery drops the work unit's draft")

	done, err := o.List(ctx, offline.StateDone)
	require.NoError(t, err)
	assert.Len(t, done, 1)
	purged, err := o.PurgeDone(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	all, err := o.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestOutboxFinishReplacesQueuedEntry(t *testing.T) {
	ctx := context.Background()
	o := newOutbox(t)
	kept, err := o.PutBlob(ctx, "image/jpeg", []byte("kept"))
	require.NoError(t, err)
	dropped, err := o.PutBlob(ctx, "image/jpeg", []byte("dropped"))
	require.NoError(t, err)

	_, err = o.SaveDraft(ctx, "task-1", "ana", []domain.ChecklistResponse{
		{ItemID: "item-1", Value: "ok", PhotoRef: kept},
		{ItemID: "item-2", Value: "ok", PhotoRef: dropped},
	})
	require.NoError(t, err)
	first, err := o.Finish(ctx, "task-1")
	require.NoError(t, err)

	_, err = o.SaveDraft(ctx, "task-1", "ana", []domain.ChecklistResponse{
		{ItemID: "item-1", Value: "nok", PhotoRef: kept},
		{ItemID: "item-2", Value: "ok"},
	})
	require.NoError(t, err)
	second, err := o.Finish(ctx, "task-1")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	pending, err := o.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, second.ID, pending[0].ID)
	assert.Equal(t, "nok", pending[0].Responses[0].Value)
	_, err = o.GetEntry(ctx, first.ID)
	assert.ErrorIs(t, err, offline.ErrNotFound)

	_, _, err = o.ReadPhoto(ctx, kept)
	assert.NoError(t, err, "photo still referenced")
	_, _, err = o.ReadPhoto(ctx, dropped)
	assert.ErrorIs(t, err, offline.ErrNotFound)

	// no second queued entry while one is being delivered
	require.NoError(t, o.MarkInFlight(ctx, second.ID))
	_, err = o.SaveDraft(ctx, "task-1", "ana", nil)
	require.NoError(t, err)
	_, err = o.Finish(ctx, "task-1")
	assert.ErrorIs(t, err, offline.ErrState)
	_, err = o.Draft(ctx, "task-1")
	assert.NoError(t, err, "draft survives the refused finish")
}

func TestOutboxListKeepsUnreadableEntries(t *testing.T) {
	ctx := context.Background()
	o := newOutbox(t)
	_, err := o.DB.ExecContext(ctx, `INSERT INTO outbox(id,task_id,state,responses_json,created_at,updated_at) VALUES ('bad','task-9','pending','{not json','2024-01-01T09:00:00Z','2024-01-01T09:00:00Z')`)
	require.NoError(t, err)

	entries, err := o.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "bad", entries[0].ID)
	assert.ErrorIs(t, entries[0].Err, offline.ErrCorrupt)
	assert.Empty(t, entries[0].Responses)

	_, err = o.GetEntry(ctx, "bad")
	assert.ErrorIs(t, err, offline.ErrCorrupt)

	// a corrupt draft can be overwritten
	_, err = o.DB.ExecContext(ctx, `INSERT INTO outbox(id,task_id,state,responses_json,created_at,updated_at) VALUES ('bad-draft','task-8','draft','[','2024-01-01T09:00:00Z','2024-01-01T09:00:00Z')`)
	require.NoError(t, err)
	draft, err := o.SaveDraft(ctx, "task-8", "ana", []domain.ChecklistResponse{{ItemID: "item-1", Value: "ok"}})
	require.NoError(t, err)
	assert.Equal(t, "bad-draft", draft.ID)
	got, err := o.Draft(ctx, "task-8")
	require.NoError(t, err)
	require.Len(t, got.Responses, 1)
}

func TestOutboxPhotos(t *testing.T) {
	ctx := context.Background()
	o := newOutbox(t)

	ref, err := o.PutBlob(ctx, "", []byte("\x89PNG\r\n\x1a\nrest"))
	require.NoError(t, err)
	assert.True(t, offline.IsLocalPhoto(ref))
	ct, data, err := o.ReadPhoto(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "image/png", ct)
	assert.Equal(t, []byte("\x89PNG\r\n\x1a\nrest"), data)

	path := filepath.Join(t.TempDir(), "shot.txt")
	require.NoError(t, os.WriteFile(path, []byte("plain text"), 0o644))
	_, data, err = o.ReadPhoto(ctx, offline.FilePrefix+path)
	require.NoError(t, err)
	assert.Equal(t, "plain text", string(data))

	require.NoError(t, o.DeleteBlob(ctx, ref))
	_, _, err = o.ReadPhoto(ctx, ref)
	assert.ErrorIs(t, err, offline.ErrNotFound)

	_, _, err = o.ReadPhoto(ctx, "photo:remote")
	assert.Error(t, err)
	_, err = o.PutBlob(ctx, "image/jpeg", nil)
	assert.Error(t, err)
}
