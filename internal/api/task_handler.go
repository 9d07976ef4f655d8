package api

import (
	"context"
	"net/http"

	"github.com/blingmoon/simple-checker/tasks"
	"github.com/go-chi/chi/v5"
)

type completeTaskBody struct {
	Failed bool `json:"failed"`
}

type resolveTaskBody struct {
	BusinessStatus map[string]string `json:"business_status"`
}

func (h *Handler) createTask(w http.ResponseWriter, r *http.Request) {
	h.withPrincipal(w, r, "Task.create", func(ctx context.Context, principal *tasks.Principal) *tasks.Result {
		req := &tasks.CreateTaskReq{}
		if err := decodeBody(r, req); err != nil {
			return failedResult("Task.create", err)
		}
		return h.services.TaskService.Create(ctx, principal, req)
	})
}

func (h *Handler) updateTask(w http.ResponseWriter, r *http.Request) {
	h.withPrincipal(w, r, "Task.update", func(ctx context.Context, principal *tasks.Principal) *tasks.Result {
		req := &tasks.UpdateTaskReq{}
		if err := decodeBody(r, req); err != nil {
			return failedResult("Task.update", err)
		}
		req.ID = chi.URLParam(r, "id")
		return h.services.TaskService.Update(ctx, principal, req)
	})
}

func (h *Handler) deleteTask(w http.ResponseWriter, r *http.Request) {
	h.withPrincipal(w, r, "Task.delete", func(ctx context.Context, principal *tasks.Principal) *tasks.Result {
		return h.services.TaskService.Delete(ctx, principal, &tasks.DeleteTaskReq{ID: chi.URLParam(r, "id")})
	})
}

func (h *Handler) getTask(w http.ResponseWriter, r *http.Request) {
	h.withPrincipal(w, r, "Task.get", func(ctx context.Context, principal *tasks.Principal) *tasks.Result {
		return h.services.TaskService.Get(ctx, principal, chi.URLParam(r, "id"))
	})
}

func (h *Handler) queryTask(w http.ResponseWriter, r *http.Request) {
	h.withPrincipal(w, r, "Task.query", func(ctx context.Context, principal *tasks.Principal) *tasks.Result {
		pager, err := parsePager(r)
		if err != nil {
			return failedResult("Task.query", err)
		}
		params := &tasks.QueryTaskParams{
			EntityType:    optionalQuery(r, "entity_type"),
			EntityID:      optionalQuery(r, "entity_id"),
			TaskGroupID:   optionalQuery(r, "task_group_id"),
			Source:        optionalQuery(r, "source"),
			BusinessEvent: optionalQuery(r, "business_event"),
			StatusIn:      r.URL.Query()["status"],
			Page:          pager,
		}
		return h.services.TaskService.Query(ctx, principal, params)
	})
}

func (h *Handler) executeTask(w http.ResponseWriter, r *http.Request) {
	h.withPrincipal(w, r, "Task.execute", func(ctx context.Context, principal *tasks.Principal) *tasks.Result {
		return h.services.TaskService.ExecuteTask(ctx, principal, &tasks.ExecuteTaskReq{ID: chi.URLParam(r, "id")})
	})
}

func (h *Handler) completeTask(w http.ResponseWriter, r *http.Request) {
	h.withPrincipal(w, r, "Task.complete", func(ctx context.Context, principal *tasks.Principal) *tasks.Result {
		body := &completeTaskBody{}
		if r.ContentLength != 0 {
			if err := decodeBody(r, body); err != nil {
				return failedResult("Task.complete", err)
			}
		}
		return h.services.TaskService.CompleteTask(ctx, principal, &tasks.CompleteTaskReq{ID: chi.URLParam(r, "id"), Failed: body.Failed})
	})
}

func (h *Handler) resolveTask(w http.ResponseWriter, r *http.Request) {
	h.withPrincipal(w, r, "Task.resolve", func(ctx context.Context, principal *tasks.Principal) *tasks.Result {
		body := &resolveTaskBody{}
		if err := decodeBody(r, body); err != nil {
			return failedResult("Task.resolve", err)
		}
		return h.services.TaskService.ResolveTask(ctx, principal, &tasks.ResolveTaskReq{ID: chi.URLParam(r, "id"), BusinessStatus: body.BusinessStatus})
	})
}
