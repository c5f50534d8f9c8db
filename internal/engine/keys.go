package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"opsline/internal/domain"
	"opsline/internal/events"
	"opsline/internal/repo"
)

// CreateAPIKey issues a key for actorID. The plaintext key is only returned here; the store keeps its hash.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name, createdBy string) (domain.APIKey, string, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return domain.APIKey{}, "", invalidf("actor_id is required")
	}
	secret := "ops_" + strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
	key := domain.APIKey{
		ID:        newID("key", ""),
		ActorID:   actorID,
		Name:      strings.TrimSpace(name),
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: e.nowString(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return key, "", err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureActor(ctx, tx, actorID, key.CreatedAt); err != nil {
		return key, "", err
	}
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return key, "", fmt.Errorf("insert api key: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "actor.key.created", "actors", actorID, createdBy, events.EventPayload{
		"key_id": key.ID, "name": key.Name,
	}); err != nil {
		return key, "", err
	}
	if err := tx.Commit(); err != nil {
		return key, "", err
	}
	return key, secret, nil
}

func (e Engine) ListAPIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	return e.Repo.ListAPIKeys(ctx, actorID)
}

// RevokeAPIKey deletes a key. The event is recorded against the actor that owned it.
func (e Engine) RevokeAPIKey(ctx context.Context, id, revokedBy string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	key, err := e.Repo.RevokeAPIKey(ctx, tx, strings.TrimSpace(id))
	if err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "actor.key.revoked", "actors", key.ActorID, revokedBy, events.EventPayload{
		"key_id": key.ID, "name": key.Name,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// ActorForKey resolves the actor owning a plaintext API key.
func (e Engine) ActorForKey(ctx context.Context, secret string) (string, error) {
	key, err := e.Repo.GetAPIKeyByHash(ctx, repo.HashAPIKey(secret))
	if err != nil {
		return "", err
	}
	return key.ActorID, nil
}
