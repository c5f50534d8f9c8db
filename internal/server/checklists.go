package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"opsline/internal/domain"
	"opsline/internal/engine"
)

func registerChecklists(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-checklist",
		Method:        http.MethodPost,
		Path:          "/checklists",
		Summary:       "Create checklist template",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateChecklistRequest `json:"body"`
	}) (*struct {
		Body domain.ChecklistTemplate `json:"body"`
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
		active := true
		if input.Body.Active != nil {
			active = *input.Body.Active
		}
		c, err := e.CreateChecklist(ctx, domain.ChecklistTemplate{
			ID:       stringOrEmpty(input.Body.ID),
			Name:     input.Body.Name,
			TaskType: input.Body.TaskType,
			Active:   active,
			Items:    input.Body.Items,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ChecklistTemplate `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-checklists",
		Method:      http.MethodGet,
		Path:        "/checklists",
		Summary:     "List checklist templates",
	}, func(ctx context.Context, input *struct {
		TaskType string `query:"task_type"`
	}) (*struct {
		Body []domain.ChecklistTemplate `json:"body"`
	}, error) {
		items, err := e.ListChecklists(ctx, input.TaskType)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ChecklistTemplate `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "create-execution",
		Method:      http.MethodPost,
		Path:        "/executions",
		Summary:     "Record a finished checklist",
		Description: "The id is an idempotency key. Repeating a call with a known id returns created=false.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreateExecutionRequest `json:"body"`
	}) (*struct {
		Body ExecutionResponse `json:"body"`
	}, error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		exec, created, err := e.CreateExecution(ctx, domain.ChecklistExecution{
			ID:         input.Body.ID,
			TaskID:     input.Body.TaskID,
			Responses:  input.Body.Responses,
			ExecutedBy: input.Body.ExecutedBy,
			ExecutedAt: input.Body.ExecutedAt,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExecutionResponse `json:"body"`
		}{Body: ExecutionResponse{Execution: exec, Created: created}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-executions",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/executions",
		Summary:     "List checklist executions of a work unit",
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body []domain.ChecklistExecution `json:"body"`
	}, error) {
		items, err := e.ListExecutions(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ChecklistExecution `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})
}

func registerPhotos(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "upload-photo",
		Method:      http.MethodPut,
		Path:        "/photos/{photo_id}",
		Summary:     "Upload checklist photo",
		Description: "Uploading a known id keeps the first upload and returns its reference.",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		PhotoID     string `path:"photo_id"`
		TaskID      string `query:"task_id"`
		ContentType string `header:"Content-Type"`
		RawBody     []byte `contentType:"application/octet-stream"`
	}) (*struct {
		Body PhotoResponse `json:"body"`
	}, error) {
		ref, err := e.UploadPhoto(ctx, input.PhotoID, input.TaskID, input.ContentType, input.RawBody)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PhotoResponse `json:"body"`
		}{Body: PhotoResponse{Ref: ref}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-photo",
		Method:      http.MethodGet,
		Path:        "/photos/{photo_id}",
		Summary:     "Download checklist photo",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PhotoID string `path:"photo_id"`
	}) (*struct {
		ContentType string `header:"Content-Type"`
		Body        []byte
	}, error) {
		ct, data, err := e.GetPhoto(ctx, input.PhotoID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			ContentType string `header:"Content-Type"`
			Body        []byte
		}{ContentType: ct, Body: data}, nil
	})
}
