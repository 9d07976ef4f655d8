package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/blingmoon/simple-checker/tasks"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
)

// HeaderUserID 调用方用户id
const HeaderUserID = "X-User-ID"

type Handler struct {
	services *tasks.Services
	users    tasks.UserResolver
}

// NewRouter 把http请求转成任务服务调用, 返回体都是tasks.Result
func NewRouter(services *tasks.Services, users tasks.UserResolver) http.Handler {
	h := &Handler{services: services, users: users}
	r := chi.NewRouter()

	r.Route("/task-groups", func(r chi.Router) {
		r.Post("/", h.createTaskGroup)
		r.Get("/", h.queryTaskGroup)
		r.Get("/{id}", h.getTaskGroup)
		r.Put("/{id}", h.updateTaskGroup)
		r.Delete("/{id}", h.deleteTaskGroup)
	})
	r.Route("/tasks", func(r chi.Router) {
		r.Post("/", h.createTask)
		r.Get("/", h.queryTask)
		r.Get("/{id}", h.getTask)
		r.Put("/{id}", h.updateTask)
		r.Delete("/{id}", h.deleteTask)
		r.Post("/{id}/execute", h.executeTask)
		r.Post("/{id}/complete", h.completeTask)
		r.Post("/{id}/resolve", h.resolveTask)
	})
	return r
}

func (h *Handler) principal(r *http.Request) *tasks.Principal {
	userID := strings.TrimSpace(r.Header.Get(HeaderUserID))
	if userID == "" {
		return nil
	}
	if h.users != nil {
		if user, err := h.users.GetUser(r.Context(), userID); err == nil {
			return user
		}
	}
	return &tasks.Principal{ID: userID}
}

// withPrincipal 没有用户id时直接返回AuthenticationError
func (h *Handler) withPrincipal(w http.ResponseWriter, r *http.Request, method string, f func(ctx context.Context, principal *tasks.Principal) *tasks.Result) {
	principal := h.principal(r)
	if principal == nil {
		writeResult(w, failedResult(method, errors.WithMessagef(tasks.ErrAuthentication, "missing %s header", HeaderUserID)))
		return
	}
	writeResult(w, f(r.Context(), principal))
}

func failedResult(method string, err error) *tasks.Result {
	return &tasks.Result{
		Success: false,
		Message: fmt.Sprintf("%s: %s", method, tasks.ErrorKind(err)),
		Detail:  err.Error(),
		Err:     err,
	}
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Wrapf(tasks.ErrValidation, "invalid body, err: %v", err)
	}
	return nil
}

// StatusCode 错误分类对应的http状态码
func StatusCode(res *tasks.Result) int {
	if res == nil {
		return http.StatusInternalServerError
	}
	if res.Success {
		return http.StatusOK
	}
	switch tasks.ErrorKind(res.Error()) {
	case "AuthenticationError":
		return http.StatusUnauthorized
	case "ValidationError":
		return http.StatusBadRequest
	case "EntityNotFoundError":
		return http.StatusNotFound
	case "ConflictError":
		return http.StatusConflict
	case "InvalidStateError":
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func writeResult(w http.ResponseWriter, res *tasks.Result) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(StatusCode(res))
	if err := json.NewEncoder(w).Encode(res); err != nil {
		slog.Error(fmt.Sprintf("[api.writeResult] encode result failed, err: %v", err))
	}
}

func parsePager(r *http.Request) (*tasks.Pager, error) {
	query := r.URL.Query()
	if query.Get("page") == "" && query.Get("size") == "" {
		return nil, nil
	}
	pager := &tasks.Pager{}
	var err error
	if s := query.Get("page"); s != "" {
		if pager.Page, err = strconv.ParseInt(s, 10, 64); err != nil {
			return nil, errors.Wrapf(tasks.ErrValidation, "invalid page: %s", s)
		}
	}
	if s := query.Get("size"); s != "" {
		if pager.Size, err = strconv.ParseInt(s, 10, 64); err != nil {
			return nil, errors.Wrapf(tasks.ErrValidation, "invalid size: %s", s)
		}
	}
	return pager, nil
}

func optionalQuery(r *http.Request, key string) *string {
	if !r.URL.Query().Has(key) {
		return nil
	}
	v := r.URL.Query().Get(key)
	return &v
}
