package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"opsline/internal/repo"
)

// ForbiddenError indicates the actor lacks every role that would allow the action.
type ForbiddenError struct {
	Roles []string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("one of roles %v required", e.Roles)
}

// Service provides role helpers backed by SQL.
type Service struct {
	Repo repo.Repo
}

// GrantRole creates the actor if needed and grants role.
func (s Service) GrantRole(ctx context.Context, actorID, role string) error {
	if actorID == "" {
		return errors.New("actor_id required")
	}
	if role == "" {
		return errors.New("role required")
	}
	tx, err := s.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.Repo.EnsureActor(ctx, tx, actorID, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	if err := s.Repo.AssignRole(ctx, tx, actorID, role); err != nil {
		return err
	}
	return tx.Commit()
}

func (s Service) RevokeRole(ctx context.Context, actorID, role string) error {
	tx, err := s.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.Repo.RevokeRole(ctx, tx, actorID, role); err != nil {
		return err
	}
	return tx.Commit()
}

func (s Service) ActorRoles(ctx context.Context, actorID string) ([]string, error) {
	return s.Repo.ActorRoles(ctx, actorID)
}

// HasAnyRole reports whether the actor holds at least one of roles.
func (s Service) HasAnyRole(ctx context.Context, actorID string, roles []string) (bool, error) {
	if actorID == "" || len(roles) == 0 {
		return false, nil
	}
	held, err := s.ActorRoles(ctx, actorID)
	if err != nil {
		return false, err
	}
	for _, h := range held {
		if slices.Contains(roles, h) {
			return true, nil
		}
	}
	return false, nil
}

// Require returns ForbiddenError unless the actor holds one of roles.
func (s Service) Require(ctx context.Context, actorID string, roles []string) error {
	ok, err := s.HasAnyRole(ctx, actorID, roles)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{Roles: roles}
	}
	return nil
}
