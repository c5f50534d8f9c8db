package opslinesdk_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsline/internal/db"
	"opsline/internal/domain"
	"opsline/internal/engine"
	"opsline/internal/migrate"
	"opsline/internal/offline"
	"opsline/internal/server"
	opslinesdk "opsline/sdk/go"
)

var _ offline.Remote = (*opslinesdk.Client)(nil)

type apiEnv struct {
	Engine engine.Engine
	Client *opslinesdk.Client
	Ctx    context.Context
}

func newAPIEnv(t *testing.T) apiEnv {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	eng := engine.New(conn, nil, nil)

	handler, err := server.New(server.Config{Engine: eng, BasePath: "/v0"})
	require.NoError(t, err)
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	_, secret, err := eng.CreateAPIKey(ctx, "device", "tablet", "admin")
	require.NoError(t, err)
	client := opslinesdk.New(ts.URL + "/v0")
	client.APIKey = secret
	return apiEnv{Engine: eng, Client: client, Ctx: ctx}
}

func TestReadyNeedsCredentials(t *testing.T) {
	env := newAPIEnv(t)
	require.NoError(t, env.Client.Ready(env.Ctx))

	anonymous := opslinesdk.New(env.Client.BaseURL)
	assert.ErrorIs(t, anonymous.Ready(env.Ctx), opslinesdk.ErrNoCredentials)
}

func TestReconcilerSyncsOverHTTP(t *testing.T) {
	env := newAPIEnv(t)
	_, err := env.Engine.CreateFront(env.Ctx, domain.WorkFront{ID: "front-1", Name: "Press"}, "admin")
	require.NoError(t, err)
	w, err := env.Engine.CreateWorker(env.Ctx, engine.WorkerCreateOptions{ID: "w1", Name: "Ana", WorkFronts: []string{"front-1"}})
	require.NoError(t, err)
	unit, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ID: "t1", Type: "production", WorkFrontID: "front-1", Assign: []domain.Worker{w}})
	require.NoError(t, err)

	local, err := db.Open(db.Config{Workspace: t.TempDir(), Local: true})
	require.NoError(t, err)
	t.Cleanup(func() { local.Close() })
	require.NoError(t, migrate.MigrateLocal(local))
	outbox := offline.Outbox{DB: local, Now: time.Now}

	blob, err := outbox.PutBlob(env.Ctx, "image/png", []byte("\x89PNG\r\n\x1a\nimg"))
	require.NoError(t, err)
	_, err = outbox.SaveDraft(env.Ctx, unit.ID, "ana", []domain.ChecklistResponse{{ItemID: "item-1", Value: "ok", PhotoRef: blob}})
	require.NoError(t, err)
	entry, err := outbox.Finish(env.Ctx, unit.ID)
	require.NoError(t, err)

	r := &offline.Reconciler{Outbox: outbox, Remote: env.Client}
	rep, err := r.Flush(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Synced, "errors: %v", rep.Errors)

	got, err := env.Engine.Repo.GetTask(env.Ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, got.Status)
	execs, err := env.Engine.ListExecutions(env.Ctx, unit.ID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, entry.ID, execs[0].ID)
	ct, data, err := env.Engine.GetPhoto(env.Ctx, execs[0].Responses[0].PhotoRef)
	require.NoError(t, err)
	assert.Equal(t, "image/png", ct)
	assert.Equal(t, []byte("\x89PNG\r\n\x1a\nimg"), data)

	created, err := env.Client.CreateExecution(env.Ctx, execs[0])
	require.NoError(t, err)
	assert.False(t, created)
	again, err := env.Client.CompleteWorkUnit(env.Ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, again.Status)
}

func TestAPIErrorCarriesCode(t *testing.T) {
	env := newAPIEnv(t)
	_, err := env.Client.GetTask(env.Ctx, "missing")
	var apiErr *opslinesdk.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "not_found", apiErr.Code)

	_, err = env.Client.RunAutomation(env.Ctx)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
}
