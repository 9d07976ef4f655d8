package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/pkg/errors"
)

// Result 服务边界的统一返回, 错误不会越过服务边界
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Detail  string `json:"detail,omitempty"`
	Data    any    `json:"data,omitempty"`
	Err     error  `json:"-"`
}

// TaskEventPayload complete_task/resolve_task/execute_task 的返回数据
type TaskEventPayload struct {
	Task *Task    `json:"task"`
	User UserInfo `json:"user"`
}

type UserInfo struct {
	ID string `json:"id"`
}

func outputResultSuccess(data any) *Result {
	return &Result{Success: true, Data: data}
}

// outputException 记录日志并转化成失败的Result
func outputException(ctx context.Context, modelName string, method string, err error) *Result {
	kind := ErrorKind(err)
	if kind == "PersistenceError" {
		slog.ErrorContext(ctx, fmt.Sprintf("[%s.%s] failed, err: %+v", modelName, method, err))
	} else {
		slog.WarnContext(ctx, fmt.Sprintf("[%s.%s] failed, kind: %s, err: %v", modelName, method, kind, err))
	}
	return &Result{
		Success: false,
		Message: fmt.Sprintf("%s.%s: %s", modelName, method, kind),
		Detail:  err.Error(),
		Err:     err,
	}
}

// recoverResult 把panic转成失败的Result
func recoverResult(ctx context.Context, modelName string, method string, res **Result) {
	if r := recover(); r != nil {
		slog.ErrorContext(ctx, fmt.Sprintf("[%s.%s] panic: %v, stack: %s", modelName, method, r, string(debug.Stack())))
		*res = outputException(ctx, modelName, method, errors.Wrapf(ErrPersistence, "panic: %v", r))
	}
}

// IsErrorKind Result是否是某类错误
func (r *Result) IsErrorKind(target error) bool {
	if r == nil || r.Success || r.Err == nil {
		return false
	}
	return errors.Is(r.Err, target)
}

func (r *Result) Error() error {
	if r == nil {
		return errors.New("nil result")
	}
	if r.Success {
		return nil
	}
	if r.Err != nil {
		return r.Err
	}
	return errors.New(r.Detail)
}
