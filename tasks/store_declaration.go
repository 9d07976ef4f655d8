package tasks

import (
	"context"
)

type TaskRepo interface {
	CreateTaskGroup(ctx context.Context, taskGroup *TaskGroupPo) (*TaskGroupPo, error)
	QueryTaskGroup(ctx context.Context, param *QueryTaskGroupParams) ([]*TaskGroupPo, error)
	CountTaskGroup(ctx context.Context, param *QueryTaskGroupParams) (int64, error)
	UpdateTaskGroup(ctx context.Context, param *UpdateTaskGroupParams) error
	CreateTaskExecutors(ctx context.Context, executors []*TaskExecutorPo) error
	QueryTaskExecutor(ctx context.Context, param *QueryTaskExecutorParams) ([]*TaskExecutorPo, error)
	DeleteTaskExecutors(ctx context.Context, param *DeleteTaskExecutorParams) error
	CreateTask(ctx context.Context, task *TaskPo) (*TaskPo, error)
	QueryTask(ctx context.Context, param *QueryTaskParams) ([]*TaskPo, error)
	CountTask(ctx context.Context, param *QueryTaskParams) (int64, error)
	UpdateTask(ctx context.Context, param *UpdateTaskParams) error
	// Transaction 嵌套调用会加入外层事务
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
}
