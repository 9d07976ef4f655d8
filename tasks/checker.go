package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pkg/errors"
)

// 业务操作
const (
	OperationCreate = "create"
	OperationUpdate = "update"
	OperationDelete = "delete"
)

// CheckedService 需要审批的业务服务, 需要外部实现
type CheckedService interface {
	/**
	 * @description: 服务名, 任务的source和business_event前缀
	 */
	ServiceName() string
	/**
	 * @description: 业务实体类型, update/delete任务的entity_type
	 */
	EntityType() string
	/**
	 * @description: 业务字段校验, 创建任务之前执行, 返回错误时不会创建任务
	 * @param operation string create/update/delete
	 */
	Validate(ctx context.Context, operation string, payload map[string]any) error
}

// Creator 审批通过后执行的创建
type Creator interface {
	Create(ctx context.Context, user *Principal, payload map[string]any) error
}

type Updater interface {
	Update(ctx context.Context, user *Principal, payload map[string]any) error
}

type Deleter interface {
	Delete(ctx context.Context, user *Principal, payload map[string]any) error
}

// OperationLister 显式声明支持的操作, 没有实现时按Creator/Updater/Deleter判断
type OperationLister interface {
	Operations() []string
}

// TaskGroupRouter 可选, 返回任务要分配的任务组id
type TaskGroupRouter interface {
	RouteTaskGroup(ctx context.Context, operation string, payload map[string]any) (string, error)
}

// JSONExtBuilder 可选, 任务的json_ext, 默认是空对象
type JSONExtBuilder interface {
	BuildJSONExt(ctx context.Context, operation string, payload map[string]any) map[string]any
}

type checkerLogicImpl struct {
	service     CheckedService
	taskService TaskService
	entities    EntityResolver
	cfg         *Config
}

func NewCheckerLogic(service CheckedService, taskService TaskService, entities EntityResolver, cfg *Config) CheckerLogic {
	return &checkerLogicImpl{
		service:     service,
		taskService: taskService,
		entities:    entities,
		cfg:         cfg,
	}
}

func (c *checkerLogicImpl) CreateCreateTask(ctx context.Context, principal *Principal, payload map[string]any) (res *Result) {
	defer recoverResult(ctx, c.service.ServiceName(), "create_create_task", &res)
	req, err := c.buildTaskReq(ctx, OperationCreate, payload, false)
	if err != nil {
		return outputException(ctx, c.service.ServiceName(), "create_create_task", err)
	}
	return c.taskService.Create(ctx, principal, req)
}

func (c *checkerLogicImpl) CreateUpdateTask(ctx context.Context, principal *Principal, payload map[string]any) (res *Result) {
	defer recoverResult(ctx, c.service.ServiceName(), "create_update_task", &res)
	req, err := c.buildTaskReq(ctx, OperationUpdate, payload, true)
	if err != nil {
		return outputException(ctx, c.service.ServiceName(), "create_update_task", err)
	}
	return c.taskService.Create(ctx, principal, req)
}

func (c *checkerLogicImpl) CreateDeleteTask(ctx context.Context, principal *Principal, payload map[string]any) (res *Result) {
	defer recoverResult(ctx, c.service.ServiceName(), "create_delete_task", &res)
	req, err := c.buildTaskReq(ctx, OperationDelete, payload, true)
	if err != nil {
		return outputException(ctx, c.service.ServiceName(), "create_delete_task", err)
	}
	return c.taskService.Create(ctx, principal, req)
}

// buildTaskReq 校验业务字段, 生成incoming_data/current_data快照
func (c *checkerLogicImpl) buildTaskReq(ctx context.Context, operation string, payload map[string]any, withEntity bool) (*CreateTaskReq, error) {
	if payload == nil {
		return nil, errors.WithMessage(ErrValidation, "nil payload")
	}
	if err := c.service.Validate(ctx, operation, payload); err != nil {
		return nil, errors.Wrapf(ErrValidation, "%s.%s validate failed, err: %v", c.service.ServiceName(), operation, err)
	}
	incoming := StringifyPayload(payload)
	req := &CreateTaskReq{
		Source:              c.service.ServiceName(),
		ExecutorActionEvent: c.cfg.DefaultExecutorActionEvent,
		BusinessEvent:       fmt.Sprintf("%s.%s", c.service.ServiceName(), operation),
		JSONExt:             map[string]any{},
	}
	var current map[string]any
	if withEntity {
		rawID, ok := payload["id"]
		if !ok || rawID == nil {
			return nil, errors.WithMessagef(ErrValidation, "%s.%s payload has no id", c.service.ServiceName(), operation)
		}
		entityID := fmt.Sprint(incoming["id"])
		if c.entities == nil {
			return nil, errors.WithMessage(ErrEntityNotFound, "no entity resolver")
		}
		entity, err := c.entities.Resolve(ctx, c.service.EntityType(), entityID)
		if err != nil {
			return nil, err
		}
		current = PickFields(entity, payload)
		req.EntityType = c.service.EntityType()
		req.EntityID = entityID
	}
	req.Data = NewSnapshotContext(incoming, current).ToMap()
	if router, ok := c.service.(TaskGroupRouter); ok {
		taskGroupID, err := router.RouteTaskGroup(ctx, operation, payload)
		if err != nil {
			return nil, errors.WithMessagef(err, "%s.%s route task group failed", c.service.ServiceName(), operation)
		}
		req.TaskGroupID = taskGroupID
	}
	if builder, ok := c.service.(JSONExtBuilder); ok {
		if ext := builder.BuildJSONExt(ctx, operation, payload); ext != nil {
			req.JSONExt = ext
		}
	}
	return req, nil
}

type OperationFunc func(ctx context.Context, user *Principal, payload map[string]any) error

// availableOperations 服务支持的操作
func availableOperations(service CheckedService) map[string]OperationFunc {
	ops := make(map[string]OperationFunc)
	if creator, ok := service.(Creator); ok {
		ops[OperationCreate] = creator.Create
	}
	if updater, ok := service.(Updater); ok {
		ops[OperationUpdate] = updater.Update
	}
	if deleter, ok := service.(Deleter); ok {
		ops[OperationDelete] = deleter.Delete
	}
	if lister, ok := service.(OperationLister); ok {
		declared := make(map[string]OperationFunc)
		for _, op := range lister.Operations() {
			if f, ok := ops[op]; ok {
				declared[op] = f
			}
		}
		return declared
	}
	return ops
}

/**
 * @description: complete_task的after事件处理, 任务COMPLETED并且business_event是"{ServiceName}.{op}"时
 *				 用完成任务的用户重新执行被延迟的业务操作, 参数是incoming_data
 *				 FAILED或者前缀不匹配时什么都不做
 * @param service CheckedService
 * @param users UserResolver 为nil时直接使用用户id
 * @return EventHandler
 */
func OnTaskCompleteHandler(service CheckedService, users UserResolver) EventHandler {
	ops := availableOperations(service)
	prefix := service.ServiceName() + "."
	return func(ctx context.Context, event *ServiceEvent) []string {
		if event == nil || event.Result == nil || !event.Result.Success {
			return nil
		}
		payload, ok := event.Result.Data.(*TaskEventPayload)
		if !ok || payload.Task == nil {
			return nil
		}
		task := payload.Task
		if task.Status != TaskStatusCompleted || !strings.HasPrefix(task.BusinessEvent, prefix) {
			return nil
		}
		operation := strings.TrimPrefix(task.BusinessEvent, prefix)
		f, ok := ops[operation]
		if !ok {
			return nil
		}
		user := &Principal{ID: payload.User.ID}
		if users != nil {
			var err error
			user, err = users.GetUser(ctx, payload.User.ID)
			if err != nil {
				slog.ErrorContext(ctx, fmt.Sprintf("[OnTaskCompleteHandler] %s resolve user %s failed, err: %v", service.ServiceName(), payload.User.ID, err))
				return []string{err.Error()}
			}
		}
		incoming := task.DataContext().IncomingData()
		if incoming == nil {
			incoming = map[string]any{}
		}
		if err := f(ctx, user, incoming); err != nil {
			slog.ErrorContext(ctx, fmt.Sprintf("[OnTaskCompleteHandler] %s.%s of task %s failed, err: %+v", service.ServiceName(), operation, task.ID, err))
			return []string{err.Error()}
		}
		slog.InfoContext(ctx, fmt.Sprintf("[OnTaskCompleteHandler] %s.%s of task %s executed", service.ServiceName(), operation, task.ID))
		return nil
	}
}

type ValidateFunc func(ctx context.Context, operation string, payload map[string]any) error

// NormalCheckedService 用函数组装CheckedService, 函数为nil的操作不支持
type NormalCheckedService struct {
	name         string
	entityType   string
	validateFunc ValidateFunc
	createFunc   OperationFunc
	updateFunc   OperationFunc
	deleteFunc   OperationFunc
	taskGroupID  string
}

func NewNormalCheckedService(name string, entityType string, validateFunc ValidateFunc, createFunc, updateFunc, deleteFunc OperationFunc) *NormalCheckedService {
	return &NormalCheckedService{
		name:         name,
		entityType:   entityType,
		validateFunc: validateFunc,
		createFunc:   createFunc,
		updateFunc:   updateFunc,
		deleteFunc:   deleteFunc,
	}
}

func (s *NormalCheckedService) ServiceName() string { return s.name }

func (s *NormalCheckedService) EntityType() string { return s.entityType }

func (s *NormalCheckedService) Validate(ctx context.Context, operation string, payload map[string]any) error {
	if s.validateFunc == nil {
		return nil
	}
	return s.validateFunc(ctx, operation, payload)
}

func (s *NormalCheckedService) Create(ctx context.Context, user *Principal, payload map[string]any) error {
	if s.createFunc == nil {
		return errors.New("Not implemented")
	}
	return s.createFunc(ctx, user, payload)
}

func (s *NormalCheckedService) Update(ctx context.Context, user *Principal, payload map[string]any) error {
	if s.updateFunc == nil {
		return errors.New("Not implemented")
	}
	return s.updateFunc(ctx, user, payload)
}

func (s *NormalCheckedService) Delete(ctx context.Context, user *Principal, payload map[string]any) error {
	if s.deleteFunc == nil {
		return errors.New("Not implemented")
	}
	return s.deleteFunc(ctx, user, payload)
}

func (s *NormalCheckedService) Operations() []string {
	ops := make([]string, 0, 3)
	if s.createFunc != nil {
		ops = append(ops, OperationCreate)
	}
	if s.updateFunc != nil {
		ops = append(ops, OperationUpdate)
	}
	if s.deleteFunc != nil {
		ops = append(ops, OperationDelete)
	}
	return ops
}

// WithTaskGroup 任务分配到固定的任务组
func (s *NormalCheckedService) WithTaskGroup(taskGroupID string) *NormalCheckedService {
	s.taskGroupID = taskGroupID
	return s
}

func (s *NormalCheckedService) RouteTaskGroup(ctx context.Context, operation string, payload map[string]any) (string, error) {
	return s.taskGroupID, nil
}
