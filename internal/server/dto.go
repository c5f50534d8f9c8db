package server

import (
	"opsline/internal/domain"
)

// Request payloads

type CreateFrontRequest struct {
	ID       *string `json:"id,omitempty"`
	Name     string  `json:"name"`
	Category string  `json:"category,omitempty"`
}

type CreateWorkerRequest struct {
	ID         *string  `json:"id,omitempty"`
	Name       string   `json:"name"`
	Capacity   int      `json:"capacity,omitempty" minimum:"0"`
	Status     string   `json:"status,omitempty" enum:"available,busy,unavailable,on_leave,on_vacation"`
	WorkFronts []string `json:"work_fronts,omitempty"`
}

type UpdateWorkerRequest struct {
	Status     *string   `json:"status,omitempty" enum:"available,busy,unavailable,on_leave,on_vacation"`
	Capacity   *int      `json:"capacity,omitempty" minimum:"1"`
	Active     *bool     `json:"active,omitempty"`
	WorkFronts *[]string `json:"work_fronts,omitempty"`
}

type CreateNoteRequest struct {
	ID                     *string `json:"id,omitempty"`
	Number                 string  `json:"number"`
	Type                   string  `json:"type,omitempty"`
	Status                 string  `json:"status"`
	Priority               string  `json:"priority,omitempty" enum:"low,medium,high,urgent"`
	DestinationWorkFrontID string  `json:"destination_work_front_id,omitempty"`
}

type NoteStatusRequest struct {
	Status string `json:"status"`
}

type CreateTaskRequest struct {
	ID            *string  `json:"id,omitempty"`
	Type          string   `json:"type"`
	Title         string   `json:"title,omitempty"`
	Priority      string   `json:"priority,omitempty" enum:"low,medium,high,urgent"`
	WorkFrontID   string   `json:"work_front_id"`
	RequiredCount int      `json:"required_count,omitempty" minimum:"0"`
	ChecklistID   string   `json:"checklist_id,omitempty"`
	WorkerIDs     []string `json:"worker_ids,omitempty"`
}

type AssignWorkersRequest struct {
	WorkerIDs []string `json:"worker_ids"`
}

type TaskTransitionRequest struct {
	Force bool `json:"force,omitempty"`
}

type CreateChecklistRequest struct {
	ID       *string                `json:"id,omitempty"`
	Name     string                 `json:"name"`
	TaskType string                 `json:"task_type"`
	Active   *bool                  `json:"active,omitempty"`
	Items    []domain.ChecklistItem `json:"items"`
}

type CreateExecutionRequest struct {
	ID         string                     `json:"id"`
	TaskID     string                     `json:"task_id"`
	Responses  []domain.ChecklistResponse `json:"responses"`
	ExecutedBy string                     `json:"executed_by,omitempty"`
	ExecutedAt string                     `json:"executed_at,omitempty" format:"date-time"`
}

type SettingRequest struct {
	Value string `json:"value"`
}

type RunAutomationRequest struct {
	NoteIDs []string `json:"note_ids,omitempty"`
}

type RoleChangeRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

// Response payloads

type ExecutionResponse struct {
	Execution domain.ChecklistExecution `json:"execution"`
	Created   bool                      `json:"created"`
}

type PhotoResponse struct {
	Ref string `json:"ref" example:"photo:0b6e1f2c-item-1"`
}

type CreateAPIKeyResponse struct {
	Key    domain.APIKey `json:"key"`
	Secret string        `json:"secret"`
}

type WhoAmIResponse struct {
	ActorID    string   `json:"actor_id"`
	Roles      []string `json:"roles"`
	Privileged bool     `json:"privileged"`
	Source     string   `json:"source"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}
