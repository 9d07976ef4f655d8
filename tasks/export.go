package tasks

import (
	"context"

	"github.com/pkg/errors"
)

type TaskGroupService interface {
	/**
	 * @description: 创建任务组, 同一个事务里为每个user id创建执行人
	 *				 code不能为空, 在有效的任务组里唯一, 否则返回ValidationError
	 * @param ctx context.Context
	 * @param principal *Principal 调用方
	 * @param req *CreateTaskGroupReq
	 * @return *Result Data为*TaskGroup
	 */
	Create(ctx context.Context, principal *Principal, req *CreateTaskGroupReq) *Result
	/**
	 * @description: 更新任务组, UserIDs和当前执行人集合不同时, 删除全部执行人并重新创建
	 *				 UserIDs为nil时不修改执行人
	 * @param ctx context.Context
	 * @param principal *Principal
	 * @param req *UpdateTaskGroupReq
	 * @return *Result Data为*TaskGroup
	 */
	Update(ctx context.Context, principal *Principal, req *UpdateTaskGroupReq) *Result
	/**
	 * @description: 软删除任务组和它的全部执行人
	 * @param ctx context.Context
	 * @param principal *Principal
	 * @param req *DeleteTaskGroupReq
	 * @return *Result
	 */
	Delete(ctx context.Context, principal *Principal, req *DeleteTaskGroupReq) *Result
	Get(ctx context.Context, principal *Principal, taskGroupID string) *Result
	// Query Data为*PageResult[*TaskGroup]
	Query(ctx context.Context, principal *Principal, params *QueryTaskGroupParams) *Result
}

type TaskService interface {
	/**
	 * @description: 创建任务, 默认状态RECEIVED
	 *				 带entity时检查实体存在(EntityNotFoundError), 同一个实体只能有一个打开的任务(ConflictError)
	 * @param ctx context.Context
	 * @param principal *Principal
	 * @param req *CreateTaskReq
	 * @return *Result Data为*Task
	 */
	Create(ctx context.Context, principal *Principal, req *CreateTaskReq) *Result
	/**
	 * @description: 更新任务, 已经结束(COMPLETED/FAILED)的任务返回InvalidStateError
	 *				 business_status只能通过ResolveTask合并
	 * @param ctx context.Context
	 * @param principal *Principal
	 * @param req *UpdateTaskReq
	 * @return *Result Data为*Task
	 */
	Update(ctx context.Context, principal *Principal, req *UpdateTaskReq) *Result
	Delete(ctx context.Context, principal *Principal, req *DeleteTaskReq) *Result
	/**
	 * @description: RECEIVED -> ACCEPTED, 任务被执行人领取
	 * @return *Result Data为*TaskEventPayload
	 */
	ExecuteTask(ctx context.Context, principal *Principal, req *ExecuteTaskReq) *Result
	/**
	 * @description: 结束任务, Failed为true时状态为FAILED, 否则COMPLETED
	 *				 任务变成不可修改的唯一入口, 已经结束的任务返回InvalidStateError
	 * @return *Result Data为*TaskEventPayload
	 */
	CompleteTask(ctx context.Context, principal *Principal, req *CompleteTaskReq) *Result
	/**
	 * @description: 合并投票到business_status, 相同key新值覆盖
	 *				 本身不判断任务是否完成, 由绑定在resolve_task事件上的ResolutionEngine判断
	 *				 合并, 判断, 结束任务在同一个任务锁里执行
	 * @return *Result Data为*TaskEventPayload
	 */
	ResolveTask(ctx context.Context, principal *Principal, req *ResolveTaskReq) *Result
	Get(ctx context.Context, principal *Principal, taskID string) *Result
	// Query Data为*PageResult[*Task]
	Query(ctx context.Context, principal *Principal, params *QueryTaskParams) *Result
}

// CheckerLogic 业务服务使用, 把业务操作变成待审批的任务
type CheckerLogic interface {
	CreateCreateTask(ctx context.Context, principal *Principal, payload map[string]any) *Result
	CreateUpdateTask(ctx context.Context, principal *Principal, payload map[string]any) *Result
	CreateDeleteTask(ctx context.Context, principal *Principal, payload map[string]any) *Result
}

type CreateTaskGroupReq struct {
	Code               string   `json:"code" validate:"required"`
	CompletionPolicy   string   `json:"completion_policy" validate:"required,oneof=ALL ANY N"`
	TaskAllowedSources []string `json:"task_allowed_sources" validate:"dive,required"`
	UserIDs            []string `json:"user_ids" validate:"dive,required"`
}

type UpdateTaskGroupReq struct {
	ID string `json:"id" validate:"required"`
	// Version 不为空时做乐观锁检查
	Version            *int64    `json:"version"`
	Code               *string   `json:"code" validate:"omitempty,min=1"`
	CompletionPolicy   *string   `json:"completion_policy" validate:"omitempty,oneof=ALL ANY N"`
	TaskAllowedSources *[]string `json:"task_allowed_sources"`
	UserIDs            []string  `json:"user_ids" validate:"omitempty,dive,required"`
}

type DeleteTaskGroupReq struct {
	ID string `json:"id" validate:"required"`
}

type CreateTaskReq struct {
	Source              string            `json:"source"`
	EntityType          string            `json:"entity_type" validate:"required_with=EntityID"`
	EntityID            string            `json:"entity_id" validate:"required_with=EntityType"`
	Status              string            `json:"status" validate:"omitempty,oneof=RECEIVED ACCEPTED"`
	ExecutorActionEvent string            `json:"executor_action_event"`
	BusinessEvent       string            `json:"business_event"`
	BusinessStatus      map[string]string `json:"business_status"`
	Data                map[string]any    `json:"data"`
	JSONExt             map[string]any    `json:"json_ext"`
	TaskGroupID         string            `json:"task_group_id"`
}

type UpdateTaskReq struct {
	ID                  string         `json:"id" validate:"required"`
	Version             *int64         `json:"version"`
	Source              *string        `json:"source"`
	Status              *string        `json:"status" validate:"omitempty,oneof=RECEIVED ACCEPTED"`
	ExecutorActionEvent *string        `json:"executor_action_event"`
	BusinessEvent       *string        `json:"business_event"`
	Data                map[string]any `json:"data"`
	JSONExt             map[string]any `json:"json_ext"`
	TaskGroupID         *string        `json:"task_group_id"`
}

type DeleteTaskReq struct {
	ID string `json:"id" validate:"required"`
}

type ExecuteTaskReq struct {
	ID string `json:"id" validate:"required"`
}

type CompleteTaskReq struct {
	ID     string `json:"id" validate:"required"`
	Failed bool   `json:"failed"`
}

type ResolveTaskReq struct {
	ID             string            `json:"id" validate:"required"`
	BusinessStatus map[string]string `json:"business_status" validate:"required,min=1"`
}

type PageResult[T any] struct {
	Total int64 `json:"total"`
	Items []T   `json:"items"`
}

// ServiceDeps 服务依赖的外部协作者
type ServiceDeps struct {
	Repo       TaskRepo       `validate:"required"`
	Lock       TaskLock       `validate:"required"`
	Config     *Config        `validate:"required"`
	Authorizer Authorizer     `validate:"required"`
	Bus        *EventBus      `validate:"required"`
	Users      UserResolver   // 为nil时不检查执行人id
	Entities   EntityResolver // 为nil时不检查任务实体是否存在
}

// Services 组装好的服务, ResolutionEngine已经绑定到resolve_task事件
type Services struct {
	TaskService      TaskService
	TaskGroupService TaskGroupService
	Engine           *ResolutionEngine
	Bus              *EventBus
	Config           *Config
	Users            UserResolver
	Entities         EntityResolver
}

func NewServices(deps *ServiceDeps) (*Services, error) {
	if deps == nil {
		return nil, errors.WithMessage(ErrValidation, "nil ServiceDeps")
	}
	if err := validatorUtil.Struct(deps); err != nil {
		return nil, errors.Wrapf(ErrValidation, "invalid ServiceDeps, err: %v", err)
	}
	taskService := NewTaskService(deps)
	engine := NewResolutionEngine(deps.Repo, taskService, deps.Config)
	engine.Bind(deps.Bus)
	return &Services{
		TaskService:      taskService,
		TaskGroupService: NewTaskGroupService(deps),
		Engine:           engine,
		Bus:              deps.Bus,
		Config:           deps.Config,
		Users:            deps.Users,
		Entities:         deps.Entities,
	}, nil
}
