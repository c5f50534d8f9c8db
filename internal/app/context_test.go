package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsline/internal/config"
	"opsline/internal/domain"
	"opsline/internal/engine"
	"opsline/internal/notify"
)

func TestOpenEngineSeedsMissingSettings(t *testing.T) {
	ctx := context.Background()
	workspace := t.TempDir()

	e, err := OpenEngine(ctx, workspace, nil)
	require.NoError(t, err)
	settings, err := e.ListSettings(ctx)
	require.NoError(t, err)
	assert.Len(t, settings, len(config.DefaultSettings()))
	require.NoError(t, e.SetSetting(ctx, config.KeyMinScore, "45", "admin"))
	require.NoError(t, e.DB.Close())

	e, err = OpenEngine(ctx, workspace, nil)
	require.NoError(t, err)
	t.Cleanup(func() { e.DB.Close() })
	added, err := SeedSettings(ctx, e.Repo)
	require.NoError(t, err)
	assert.Zero(t, added)
	cfg, err := e.AutomationConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, 45, cfg.MinScore, "stored values survive reseeding")
}

func TestEnsureAutomationActor(t *testing.T) {
	ctx := context.Background()
	e, err := OpenEngine(ctx, t.TempDir(), config.Default())
	require.NoError(t, err)
	t.Cleanup(func() { e.DB.Close() })

	ok, err := e.IsPrivileged(ctx, "automation")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, EnsureAutomationActor(ctx, e))
	require.NoError(t, EnsureAutomationActor(ctx, e))
	roles, err := e.Auth.ActorRoles(ctx, "automation")
	require.NoError(t, err)
	assert.Equal(t, []string{"admin"}, roles)
}

func TestNewLoopUsesActorPrivilege(t *testing.T) {
	ctx := context.Background()
	e, err := OpenEngine(ctx, t.TempDir(), config.Default())
	require.NoError(t, err)
	t.Cleanup(func() { e.DB.Close() })
	_, err = e.CreateFront(ctx, domain.WorkFront{ID: "front-1", Name: "Dock"}, "admin")
	require.NoError(t, err)
	_, err = e.CreateWorker(ctx, engine.WorkerCreateOptions{ID: "w1", Name: "Ana", WorkFronts: []string{"front-1"}})
	require.NoError(t, err)
	_, err = e.CreateNote(ctx, engine.NoteCreateOptions{ID: "n1", Number: "NF-1", Status: "released_for_production", DestinationWorkFrontID: "front-1"})
	require.NoError(t, err)

	loop := NewLoop(e, notify.Func(func(context.Context, notify.Message) {}), nil)
	res, err := loop.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Triggered, "unprivileged automation actor")

	require.NoError(t, EnsureAutomationActor(ctx, e))
	res, err = loop.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
}
