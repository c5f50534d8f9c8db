package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"opsline/internal/domain"
	"opsline/internal/engine"
	"opsline/internal/repo"
)

func registerFronts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-front",
		Method:        http.MethodPost,
		Path:          "/fronts",
		Summary:       "Create work front",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateFrontRequest `json:"body"`
	}) (*struct {
		Body domain.WorkFront `json:"body"`
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
		f, err := e.CreateFront(ctx, domain.WorkFront{
			ID:       stringOrEmpty(input.Body.ID),
			Name:     input.Body.Name,
			Category: input.Body.Category,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkFront `json:"body"`
		}{Body: f}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-fronts",
		Method:      http.MethodGet,
		Path:        "/fronts",
		Summary:     "List work fronts",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.WorkFront `json:"body"`
	}, error) {
		items, err := e.ListFronts(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.WorkFront `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})
}

func registerWorkers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-worker",
		Method:        http.MethodPost,
		Path:          "/workers",
		Summary:       "Register worker",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreateWorkerRequest `json:"body"`
	}) (*struct {
		Body domain.Worker `json:"body"`
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
		w, err := e.CreateWorker(ctx, engine.WorkerCreateOptions{
			ID:         stringOrEmpty(input.Body.ID),
			Name:       input.Body.Name,
			Capacity:   input.Body.Capacity,
			WorkFronts: input.Body.WorkFronts,
			Status:     input.Body.Status,
			ActorID:    actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Worker `json:"body"`
		}{Body: w}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-workers",
		Method:      http.MethodGet,
		Path:        "/workers",
		Summary:     "List workers",
	}, func(ctx context.Context, input *struct {
		FrontID    string `query:"front_id"`
		Status     string `query:"status" enum:"available,busy,unavailable,on_leave,on_vacation"`
		ActiveOnly bool   `query:"active_only"`
	}) (*struct {
		Body []domain.Worker `json:"body"`
	}, error) {
		items, err := e.ListWorkers(ctx, repo.WorkerFilters{
			FrontID:    input.FrontID,
			Status:     input.Status,
			ActiveOnly: input.ActiveOnly,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Worker `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-worker",
		Method:      http.MethodGet,
		Path:        "/workers/{worker_id}",
		Summary:     "Get worker",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkerID string `path:"worker_id"`
	}) (*struct {
		Body domain.Worker `json:"body"`
	}, error) {
		w, err := e.GetWorker(ctx, input.WorkerID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Worker `json:"body"`
		}{Body: w}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-worker",
		Method:      http.MethodPatch,
		Path:        "/workers/{worker_id}",
		Summary:     "Update worker",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkerID string              `path:"worker_id"`
		Body     UpdateWorkerRequest `json:"body"`
	}) (*struct {
		Body domain.Worker `json:"body"`
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
		w, err := e.UpdateWorker(ctx, engine.WorkerUpdateOptions{
			ID:         input.WorkerID,
			Status:     input.Body.Status,
			Capacity:   input.Body.Capacity,
			Active:     input.Body.Active,
			WorkFronts: input.Body.WorkFronts,
			ActorID:    actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Worker `json:"body"`
		}{Body: w}, nil
	})
}
