package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"opsline/internal/domain"
	"opsline/internal/engine"
	"opsline/internal/repo"
)

func registerNotes(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-note",
		Method:        http.MethodPost,
		Path:          "/notes",
		Summary:       "Register upstream note",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreateNoteRequest `json:"body"`
	}) (*struct {
		Body domain.Note `json:"body"`
	}, error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		n, err := e.CreateNote(ctx, engine.NoteCreateOptions{
			ID:                     stringOrEmpty(input.Body.ID),
			Number:                 input.Body.Number,
			Type:                   input.Body.Type,
			Status:                 input.Body.Status,
			Priority:               input.Body.Priority,
			DestinationWorkFrontID: input.Body.DestinationWorkFrontID,
			ActorID:                actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Note `json:"body"`
		}{Body: n}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-notes",
		Method:      http.MethodGet,
		Path:        "/notes",
		Summary:     "List notes",
	}, func(ctx context.Context, input *struct {
		Status []string `query:"status"`
	}) (*struct {
		Body []domain.Note `json:"body"`
	}, error) {
		items, err := e.ListNotes(ctx, input.Status...)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Note `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-note",
		Method:      http.MethodGet,
		Path:        "/notes/{note_id}",
		Summary:     "Get note",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		NoteID string `path:"note_id"`
	}) (*struct {
		Body domain.Note `json:"body"`
	}, error) {
		n, err := e.GetNote(ctx, input.NoteID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Note `json:"body"`
		}{Body: n}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-note-status",
		Method:      http.MethodPost,
		Path:        "/notes/{note_id}/status",
		Summary:     "Change note status",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		NoteID string            `path:"note_id"`
		Body   NoteStatusRequest `json:"body"`
	}) (*struct {
		Body domain.Note `json:"body"`
	}, error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		n, err := e.SetNoteStatus(ctx, input.NoteID, input.Body.Status, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Note `json:"body"`
		}{Body: n}, nil
	})
}

// taskActions maps the transition endpoints onto target statuses.
var taskActions = []struct {
	action string
	status string
}{
	{"start", domain.TaskInProgress},
	{"pause", domain.TaskPaused},
	{"resume", domain.TaskInProgress},
	{"complete", domain.TaskCompleted},
	{"cancel", domain.TaskCancelled},
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create work unit",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body domain.WorkUnit `json:"body"`
	}, error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		if err := requirePrivileged(ctx, e); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var assign []domain.Worker
		for _, id := range input.Body.WorkerIDs {
			w, err := e.GetWorker(ctx, id)
			if err != nil {
				return nil, handleError(err)
			}
			assign = append(assign, w)
		}
		t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
			ID:            stringOrEmpty(input.Body.ID),
			Type:          input.Body.Type,
			Title:         input.Body.Title,
			Priority:      input.Body.Priority,
			WorkFrontID:   input.Body.WorkFrontID,
			RequiredCount: input.Body.RequiredCount,
			ChecklistID:   input.Body.ChecklistID,
			Assign:        assign,
			ActorID:       actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkUnit `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List work units",
	}, func(ctx context.Context, input *struct {
		Status        string `query:"status" enum:"created,awaiting_allocation,in_progress,paused,completed,cancelled"`
		FrontID       string `query:"front_id"`
		WorkerID      string `query:"worker_id"`
		SourceEventID string `query:"source_event_id"`
		Limit         int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.WorkUnit `json:"body"`
	}, error) {
		items, err := e.ListTasks(ctx, repo.TaskFilters{
			Status:        input.Status,
			FrontID:       input.FrontID,
			WorkerID:      input.WorkerID,
			SourceEventID: input.SourceEventID,
			Limit:         normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.WorkUnit `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get work unit",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body domain.WorkUnit `json:"body"`
	}, error) {
		t, err := e.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkUnit `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/assign",
		Summary:     "Replace assigned workers",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TaskID string               `path:"task_id"`
		Body   AssignWorkersRequest `json:"body"`
	}) (*struct {
		Body domain.WorkUnit `json:"body"`
	}, error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		if err := requirePrivileged(ctx, e); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.AssignWorkers(ctx, input.TaskID, input.Body.WorkerIDs, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkUnit `json:"body"`
		}{Body: t}, nil
	})

	for _, a := range taskActions {
		status := a.status
		huma.Register(api, huma.Operation{
			OperationID: a.action + "-task",
			Method:      http.MethodPost,
			Path:        "/tasks/{task_id}/" + a.action,
			Summary:     "Move work unit to " + status,
			Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
		}, func(ctx context.Context, input *struct {
			TaskID string                `path:"task_id"`
			Body   TaskTransitionRequest `json:"body,omitempty" required:"false"`
		}) (*struct {
			Body domain.WorkUnit `json:"body"`
		}, error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			t, err := e.SetTaskStatus(ctx, engine.TaskStatusOptions{
				ID:      input.TaskID,
				Status:  status,
				ActorID: actorID,
				Force:   input.Body.Force,
			})
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body domain.WorkUnit `json:"body"`
			}{Body: t}, nil
		})
	}
}
