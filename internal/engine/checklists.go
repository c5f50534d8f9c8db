package engine

import (
	"context"
	"fmt"
	"strings"

	"opsline/internal/cache"
	"opsline/internal/domain"
	"opsline/internal/events"
	"opsline/internal/feed"
)

func (e Engine) CreateChecklist(ctx context.Context, c domain.ChecklistTemplate, actorID string) (domain.ChecklistTemplate, error) {
	if strings.TrimSpace(c.Name) == "" {
		return c, invalidf("name is required")
	}
	if strings.TrimSpace(c.TaskType) == "" {
		return c, invalidf("task_type is required")
	}
	seen := map[string]bool{}
	for i, item := range c.Items {
		if item.ID == "" {
			item.ID = fmt.Sprintf("item-%d", i+1)
			c.Items[i] = item
		}
		if seen[item.ID] {
			return c, invalidf("duplicate checklist item %s", item.ID)
		}
		seen[item.ID] = true
	}
	c.ID = newID("checklist", c.ID)
	c.CreatedAt = e.nowString()
	if err := e.Repo.InsertChecklist(ctx, c); err != nil {
		return c, fmt.Errorf("insert checklist: %w", err)
	}
	e.Events.Log(ctx, events.Entry{Action: "checklist.created", EntityKind: domain.KindChecklist, EntityID: c.ID, ActorID: actorID,
		Payload: events.EventPayload{"task_type": c.TaskType, "items": len(c.Items)}})
	e.publish(feed.Change{Type: feed.Create, Kind: domain.KindChecklist, ID: c.ID, Record: c})
	return c, nil
}

func (e Engine) ListChecklists(ctx context.Context, taskType string) ([]domain.ChecklistTemplate, error) {
	return cache.Load(ctx, e.Cache, domain.KindChecklist, "type:"+taskType, func(ctx context.Context) ([]domain.ChecklistTemplate, error) {
		return e.Repo.ListChecklists(ctx, taskType)
	})
}

// CreateExecution stores the immutable record of a finished checklist. The id is the caller's
// idempotency key: repeating a call with the same id returns created=false and changes nothing.
func (e Engine) CreateExecution(ctx context.Context, exec domain.ChecklistExecution, actorID string) (domain.ChecklistExecution, bool, error) {
	if strings.TrimSpace(exec.ID) == "" {
		return exec, false, invalidf("id is required")
	}
	if strings.TrimSpace(exec.TaskID) == "" {
		return exec, false, invalidf("task_id is required")
	}
	for _, r := range exec.Responses {
		if strings.HasPrefix(r.PhotoRef, "blob:") || strings.HasPrefix(r.PhotoRef, "file:") {
			return exec, false, invalidf("response %s references a local photo %s", r.ItemID, r.PhotoRef)
		}
	}
	now := e.nowString()
	if exec.ExecutedAt == "" {
		exec.ExecutedAt = now
	}
	if exec.ExecutedBy == "" {
		exec.ExecutedBy = actorID
	}
	exec.CreatedAt = now
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return exec, false, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetTaskTx(ctx, tx, exec.TaskID); err != nil {
		return exec, false, fmt.Errorf("task %s: %w", exec.TaskID, err)
	}
	created, err := e.Repo.InsertExecution(ctx, tx, exec)
	if err != nil {
		return exec, false, fmt.Errorf("insert execution: %w", err)
	}
	if !created {
		return exec, false, nil
	}
	if err := e.Events.Append(ctx, tx, "execution.created", domain.KindExecution, exec.ID, actorID, events.EventPayload{
		"task_id": exec.TaskID, "responses": len(exec.Responses), "executed_by": exec.ExecutedBy,
	}); err != nil {
		return exec, false, err
	}
	if err := tx.Commit(); err != nil {
		return exec, false, err
	}
	e.publish(feed.Change{Type: feed.Create, Kind: domain.KindExecution, ID: exec.ID, Record: exec})
	return exec, true, nil
}

func (e Engine) ListExecutions(ctx context.Context, taskID string) ([]domain.ChecklistExecution, error) {
	return e.Repo.ListExecutions(ctx, taskID)
}

// UploadPhoto stores photo bytes and returns the remote reference to put in a response.
// Uploading the same id twice keeps the first upload.
func (e Engine) UploadPhoto(ctx context.Context, id, taskID, contentType string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", invalidf("photo is empty")
	}
	id = newID("photo", id)
	if err := e.Repo.InsertPhoto(ctx, id, taskID, contentType, data); err != nil {
		return "", fmt.Errorf("insert photo: %w", err)
	}
	return PhotoRef(id), nil
}

func (e Engine) GetPhoto(ctx context.Context, id string) (string, []byte, error) {
	return e.Repo.GetPhoto(ctx, strings.TrimPrefix(id, photoRefPrefix))
}

const photoRefPrefix = "photo:"

// PhotoRef is the reference stored in a response for an uploaded photo.
func PhotoRef(id string) string {
	return photoRefPrefix + id
}
