package api

import (
	"context"
	"net/http"

	"github.com/blingmoon/simple-checker/tasks"
	"github.com/go-chi/chi/v5"
)

func (h *Handler) createTaskGroup(w http.ResponseWriter, r *http.Request) {
	h.withPrincipal(w, r, "TaskGroup.create", func(ctx context.Context, principal *tasks.Principal) *tasks.Result {
		req := &tasks.CreateTaskGroupReq{}
		if err := decodeBody(r, req); err != nil {
			return failedResult("TaskGroup.create", err)
		}
		return h.services.TaskGroupService.Create(ctx, principal, req)
	})
}

func (h *Handler) updateTaskGroup(w http.ResponseWriter, r *http.Request) {
	h.withPrincipal(w, r, "TaskGroup.update", func(ctx context.Context, principal *tasks.Principal) *tasks.Result {
		req := &tasks.UpdateTaskGroupReq{}
		if err := decodeBody(r, req); err != nil {
			return failedResult("TaskGroup.update", err)
		}
		req.ID = chi.URLParam(r, "id")
		return h.services.TaskGroupService.Update(ctx, principal, req)
	})
}

func (h *Handler) deleteTaskGroup(w http.ResponseWriter, r *http.Request) {
	h.withPrincipal(w, r, "TaskGroup.delete", func(ctx context.Context, principal *tasks.Principal) *tasks.Result {
		return h.services.TaskGroupService.Delete(ctx, principal, &tasks.DeleteTaskGroupReq{ID: chi.URLParam(r, "id")})
	})
}

func (h *Handler) getTaskGroup(w http.ResponseWriter, r *http.Request) {
	h.withPrincipal(w, r, "TaskGroup.get", func(ctx context.Context, principal *tasks.Principal) *tasks.Result {
		return h.services.TaskGroupService.Get(ctx, principal, chi.URLParam(r, "id"))
	})
}

func (h *Handler) queryTaskGroup(w http.ResponseWriter, r *http.Request) {
	h.withPrincipal(w, r, "TaskGroup.query", func(ctx context.Context, principal *tasks.Principal) *tasks.Result {
		pager, err := parsePager(r)
		if err != nil {
			return failedResult("TaskGroup.query", err)
		}
		return h.services.TaskGroupService.Query(ctx, principal, &tasks.QueryTaskGroupParams{
			Code: optionalQuery(r, "code"),
			Page: pager,
		})
	})
}
