package tasks

import (
	"context"
	"fmt"
	"slices"

	"github.com/pkg/errors"
)

const taskModelName = "Task"

type taskServiceImpl struct {
	repo       TaskRepo
	lock       TaskLock
	cfg        *Config
	authorizer Authorizer
	entities   EntityResolver
	bus        *EventBus
}

func NewTaskService(deps *ServiceDeps) TaskService {
	return &taskServiceImpl{
		repo:       deps.Repo,
		lock:       deps.Lock,
		cfg:        deps.Config,
		authorizer: deps.Authorizer,
		entities:   deps.Entities,
		bus:        deps.Bus,
	}
}

func taskOpLockKey(taskID string) string {
	return fmt.Sprintf("task_op_%s", taskID)
}

func taskEntityLockKey(entityType string, entityID string) string {
	return fmt.Sprintf("task_entity_%s_%s", entityType, entityID)
}

// run 权限检查, 发出before/after事件, 错误和panic转换成Result
func (s *taskServiceImpl) run(ctx context.Context, principal *Principal, method string, eventName string, perms []string, payload any, f func(ctx context.Context) (any, error)) (res *Result) {
	defer recoverResult(ctx, taskModelName, method, &res)
	if err := checkAuthentication(ctx, s.authorizer, principal, perms); err != nil {
		return outputException(ctx, taskModelName, method, err)
	}
	if err := validatorUtil.Struct(payload); err != nil {
		return outputException(ctx, taskModelName, method, errors.Wrapf(ErrValidation, "invalid request, err: %v", err))
	}
	s.bus.Emit(ctx, BindBefore, &ServiceEvent{Name: eventName, Principal: principal, Payload: payload})
	data, err := f(ctx)
	if err != nil {
		res = outputException(ctx, taskModelName, method, err)
	} else {
		res = outputResultSuccess(data)
	}
	s.bus.Emit(ctx, BindAfter, &ServiceEvent{Name: eventName, Principal: principal, Payload: payload, Result: res})
	return res
}

func (s *taskServiceImpl) Create(ctx context.Context, principal *Principal, req *CreateTaskReq) *Result {
	if req == nil {
		return outputException(ctx, taskModelName, "create", errors.WithMessage(ErrValidation, "nil CreateTaskReq"))
	}
	return s.run(ctx, principal, "create", EventTaskCreate, s.cfg.TaskCreatePerms, req, func(ctx context.Context) (any, error) {
		if req.EntityType == "" {
			return s.create(ctx, principal, req)
		}
		var task *Task
		// 同一个实体的创建串行, 拿不到锁说明有并发的创建, 直接冲突
		err := s.lock.NonBlockingSynchronized(ctx, taskEntityLockKey(req.EntityType, req.EntityID), s.cfg.LockMaxDuration, func(ctx context.Context) error {
			var err error
			task, err = s.create(ctx, principal, req)
			return err
		})
		if errors.Is(err, LockFailedError) {
			return nil, errors.WithMessagef(ErrConflict, "entity %s %s is being processed by another task, err: %v", req.EntityType, req.EntityID, err)
		}
		if err != nil {
			return nil, err
		}
		return task, nil
	})
}

func (s *taskServiceImpl) create(ctx context.Context, principal *Principal, req *CreateTaskReq) (*Task, error) {
	if req.EntityType != "" && s.entities != nil {
		// 事务外查询实体, 实体可能和任务不在一个库
		if _, err := s.entities.Resolve(ctx, req.EntityType, req.EntityID); err != nil {
			return nil, err
		}
	}
	data, err := NewJSONContextFromMap(req.Data).ToJSONMap()
	if err != nil {
		return nil, errors.Wrapf(ErrValidation, "invalid task data, err: %v", err)
	}
	jsonExt, err := NewJSONContextFromMap(req.JSONExt).ToJSONMap()
	if err != nil {
		return nil, errors.Wrapf(ErrValidation, "invalid task json_ext, err: %v", err)
	}
	status := req.Status
	if status == "" {
		status = TaskStatusReceived
	}
	po := &TaskPo{
		Source:              req.Source,
		EntityType:          req.EntityType,
		EntityID:            req.EntityID,
		Status:              status,
		ExecutorActionEvent: req.ExecutorActionEvent,
		BusinessEvent:       req.BusinessEvent,
		BusinessStatus:      businessStatusToJSONMap(req.BusinessStatus),
		Data:                data,
		JSONExt:             jsonExt,
		TaskGroupID:         req.TaskGroupID,
	}
	po.stampCreate(principal.LoginNameOrID())
	err = s.repo.Transaction(ctx, func(ctx context.Context) error {
		if req.EntityType != "" {
			if err := s.checkNoOpenTask(ctx, req.EntityType, req.EntityID); err != nil {
				return err
			}
		}
		if req.TaskGroupID != "" {
			if err := s.checkTaskGroupSource(ctx, req.TaskGroupID, req.Source); err != nil {
				return err
			}
		}
		_, err := s.repo.CreateTask(ctx, po)
		return err
	})
	if err != nil {
		return nil, err
	}
	return newTaskFromPo(po), nil
}

// checkNoOpenTask 一个实体同时只能有一个RECEIVED/ACCEPTED的任务
func (s *taskServiceImpl) checkNoOpenTask(ctx context.Context, entityType string, entityID string) error {
	count, err := s.repo.CountTask(ctx, &QueryTaskParams{
		EntityType: &entityType,
		EntityID:   &entityID,
		StatusIn:   []string{TaskStatusReceived, TaskStatusAccepted},
	})
	if err != nil {
		return err
	}
	if count > 0 {
		return errors.WithMessagef(ErrConflict, "entity %s %s already has an open task", entityType, entityID)
	}
	return nil
}

// checkTaskGroupSource 任务组配置了task_allowed_sources时, 任务的source必须在列表里
func (s *taskServiceImpl) checkTaskGroupSource(ctx context.Context, taskGroupID string, source string) error {
	group, err := getTaskGroupPo(ctx, s.repo, taskGroupID)
	if err != nil {
		return err
	}
	allowed := allowedSourcesFromJSON(group.TaskAllowedSources)
	if len(allowed) != 0 && !slices.Contains(allowed, source) {
		return errors.WithMessagef(ErrValidation, "source %q is not allowed by task group %s", source, group.Code)
	}
	return nil
}

func (s *taskServiceImpl) Update(ctx context.Context, principal *Principal, req *UpdateTaskReq) *Result {
	if req == nil {
		return outputException(ctx, taskModelName, "update", errors.WithMessage(ErrValidation, "nil UpdateTaskReq"))
	}
	return s.run(ctx, principal, "update", EventTaskUpdate, s.cfg.TaskUpdatePerms, req, func(ctx context.Context) (any, error) {
		fields := &UpdateTaskField{
			Source:              req.Source,
			Status:              req.Status,
			ExecutorActionEvent: req.ExecutorActionEvent,
			BusinessEvent:       req.BusinessEvent,
			TaskGroupID:         req.TaskGroupID,
		}
		if req.Data != nil {
			data, err := NewJSONContextFromMap(req.Data).ToJSONMap()
			if err != nil {
				return nil, errors.Wrapf(ErrValidation, "invalid task data, err: %v", err)
			}
			fields.Data = data
		}
		if req.JSONExt != nil {
			jsonExt, err := NewJSONContextFromMap(req.JSONExt).ToJSONMap()
			if err != nil {
				return nil, errors.Wrapf(ErrValidation, "invalid task json_ext, err: %v", err)
			}
			fields.JSONExt = jsonExt
		}
		return s.updateOpenTask(ctx, principal, req.ID, req.Version, func(ctx context.Context, current *TaskPo) (*UpdateTaskField, error) {
			groupID := current.TaskGroupID
			if req.TaskGroupID != nil {
				groupID = *req.TaskGroupID
			}
			source := current.Source
			if req.Source != nil {
				source = *req.Source
			}
			if groupID != "" && (req.TaskGroupID != nil || req.Source != nil) {
				if err := s.checkTaskGroupSource(ctx, groupID, source); err != nil {
					return nil, err
				}
			}
			return fields, nil
		})
	})
}

// updateOpenTask 在任务锁里更新未结束的任务, 结束的任务返回ErrInvalidState
func (s *taskServiceImpl) updateOpenTask(ctx context.Context, principal *Principal, taskID string, version *int64, buildFields func(ctx context.Context, current *TaskPo) (*UpdateTaskField, error)) (*Task, error) {
	var ret *Task
	err := s.lock.Synchronized(ctx, taskOpLockKey(taskID), s.cfg.LockMaxDuration, s.cfg.LockWaitTimeout, func(ctx context.Context) error {
		return s.repo.Transaction(ctx, func(ctx context.Context) error {
			current, err := getTaskPo(ctx, s.repo, taskID)
			if err != nil {
				return err
			}
			if IsOverTaskStatus(current.Status) {
				return errors.WithMessagef(ErrInvalidState, "task %s is %s", taskID, current.Status)
			}
			fields, err := buildFields(ctx, current)
			if err != nil {
				return err
			}
			where := &UpdateWhere{
				ID:       current.ID,
				Version:  &current.Version,
				StatusIn: []string{TaskStatusReceived, TaskStatusAccepted},
			}
			if version != nil {
				where.Version = version
			}
			err = s.repo.UpdateTask(ctx, &UpdateTaskParams{
				Where:       where,
				Fields:      fields,
				UserUpdated: principal.LoginNameOrID(),
			})
			if err != nil {
				return err
			}
			updated, err := getTaskPo(ctx, s.repo, taskID)
			if err != nil {
				return err
			}
			ret = newTaskFromPo(updated)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return ret, nil
}

func (s *taskServiceImpl) Delete(ctx context.Context, principal *Principal, req *DeleteTaskReq) *Result {
	if req == nil {
		return outputException(ctx, taskModelName, "delete", errors.WithMessage(ErrValidation, "nil DeleteTaskReq"))
	}
	return s.run(ctx, principal, "delete", EventTaskDelete, s.cfg.TaskDeletePerms, req, func(ctx context.Context) (any, error) {
		err := s.lock.Synchronized(ctx, taskOpLockKey(req.ID), s.cfg.LockMaxDuration, s.cfg.LockWaitTimeout, func(ctx context.Context) error {
			current, err := getTaskPo(ctx, s.repo, req.ID)
			if err != nil {
				return err
			}
			isDeleted := true
			return s.repo.UpdateTask(ctx, &UpdateTaskParams{
				Where:       &UpdateWhere{ID: current.ID, Version: &current.Version},
				Fields:      &UpdateTaskField{IsDeleted: &isDeleted},
				UserUpdated: principal.LoginNameOrID(),
			})
		})
		if err != nil {
			return nil, err
		}
		return map[string]string{"id": req.ID}, nil
	})
}

func (s *taskServiceImpl) ExecuteTask(ctx context.Context, principal *Principal, req *ExecuteTaskReq) *Result {
	if req == nil {
		return outputException(ctx, taskModelName, "execute", errors.WithMessage(ErrValidation, "nil ExecuteTaskReq"))
	}
	return s.withTaskLock(ctx, req.ID, func(ctx context.Context) *Result {
		return s.run(ctx, principal, "execute", EventTaskExecute, s.cfg.TaskUpdatePerms, req, func(ctx context.Context) (any, error) {
			task, err := s.transition(ctx, principal, req.ID, []string{TaskStatusReceived}, TaskStatusAccepted)
			if err != nil {
				return nil, err
			}
			return &TaskEventPayload{Task: task, User: UserInfo{ID: principal.ID}}, nil
		})
	})
}

func (s *taskServiceImpl) CompleteTask(ctx context.Context, principal *Principal, req *CompleteTaskReq) *Result {
	if req == nil {
		return outputException(ctx, taskModelName, "complete", errors.WithMessage(ErrValidation, "nil CompleteTaskReq"))
	}
	return s.withTaskLock(ctx, req.ID, func(ctx context.Context) *Result {
		return s.run(ctx, principal, "complete", EventTaskComplete, s.cfg.TaskUpdatePerms, req, func(ctx context.Context) (any, error) {
			target := TaskStatusCompleted
			if req.Failed {
				target = TaskStatusFailed
			}
			task, err := s.transition(ctx, principal, req.ID, []string{TaskStatusReceived, TaskStatusAccepted}, target)
			if err != nil {
				return nil, err
			}
			return &TaskEventPayload{Task: task, User: UserInfo{ID: principal.ID}}, nil
		})
	})
}

func (s *taskServiceImpl) ResolveTask(ctx context.Context, principal *Principal, req *ResolveTaskReq) *Result {
	if req == nil {
		return outputException(ctx, taskModelName, "resolve", errors.WithMessage(ErrValidation, "nil ResolveTaskReq"))
	}
	// 合并投票, after事件里的规则判断和结束任务都在同一个任务锁里
	return s.withTaskLock(ctx, req.ID, func(ctx context.Context) *Result {
		return s.run(ctx, principal, "resolve", EventTaskResolve, s.cfg.TaskUpdatePerms, req, func(ctx context.Context) (any, error) {
			task, err := s.updateOpenTask(ctx, principal, req.ID, nil, func(ctx context.Context, current *TaskPo) (*UpdateTaskField, error) {
				if s.cfg.ValidateVoterMembership {
					if err := s.checkVoters(ctx, current, req.BusinessStatus); err != nil {
						return nil, err
					}
				}
				merged := mergeBusinessStatus(businessStatusFromJSONMap(current.BusinessStatus), req.BusinessStatus)
				return &UpdateTaskField{BusinessStatus: businessStatusToJSONMap(merged)}, nil
			})
			if err != nil {
				return nil, err
			}
			return &TaskEventPayload{Task: task, User: UserInfo{ID: principal.ID}}, nil
		})
	})
}

// checkVoters 投票的key必须是任务组的有效执行人
func (s *taskServiceImpl) checkVoters(ctx context.Context, task *TaskPo, votes map[string]string) error {
	if task.TaskGroupID == "" {
		return errors.WithMessagef(ErrValidation, "task %s has no task group, cannot check voters", task.ID)
	}
	executors, err := s.repo.QueryTaskExecutor(ctx, &QueryTaskExecutorParams{TaskGroupIDIn: []string{task.TaskGroupID}})
	if err != nil {
		return err
	}
	members := make(map[string]struct{}, len(executors))
	for _, executor := range executors {
		members[executor.UserID] = struct{}{}
	}
	for voter := range votes {
		if _, ok := members[voter]; !ok {
			return errors.WithMessagef(ErrValidation, "voter %s is not an executor of task group %s", voter, task.TaskGroupID)
		}
	}
	return nil
}

// withTaskLock 整个操作(包括after事件)在任务锁内执行
func (s *taskServiceImpl) withTaskLock(ctx context.Context, taskID string, f func(ctx context.Context) *Result) *Result {
	var res *Result
	err := s.lock.Synchronized(ctx, taskOpLockKey(taskID), s.cfg.LockMaxDuration, s.cfg.LockWaitTimeout, func(ctx context.Context) error {
		res = f(ctx)
		return nil
	})
	if err != nil {
		return outputException(ctx, taskModelName, "lock", err)
	}
	return res
}

// transition 状态从fromStatus之一迁移到toStatus
func (s *taskServiceImpl) transition(ctx context.Context, principal *Principal, taskID string, fromStatus []string, toStatus TaskStatus) (*Task, error) {
	var ret *Task
	err := s.repo.Transaction(ctx, func(ctx context.Context) error {
		current, err := getTaskPo(ctx, s.repo, taskID)
		if err != nil {
			return err
		}
		if !slices.Contains(fromStatus, current.Status) {
			return errors.WithMessagef(ErrInvalidState, "task %s is %s, expect %v", taskID, current.Status, fromStatus)
		}
		err = s.repo.UpdateTask(ctx, &UpdateTaskParams{
			Where:       &UpdateWhere{ID: current.ID, Version: &current.Version, StatusIn: fromStatus},
			Fields:      &UpdateTaskField{Status: &toStatus},
			UserUpdated: principal.LoginNameOrID(),
		})
		if err != nil {
			return err
		}
		updated, err := getTaskPo(ctx, s.repo, taskID)
		if err != nil {
			return err
		}
		ret = newTaskFromPo(updated)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ret, nil
}

func (s *taskServiceImpl) Get(ctx context.Context, principal *Principal, taskID string) (res *Result) {
	defer recoverResult(ctx, taskModelName, "get", &res)
	if err := checkAuthentication(ctx, s.authorizer, principal, s.cfg.TaskSearchPerms); err != nil {
		return outputException(ctx, taskModelName, "get", err)
	}
	po, err := getTaskPo(ctx, s.repo, taskID)
	if err != nil {
		return outputException(ctx, taskModelName, "get", err)
	}
	return outputResultSuccess(newTaskFromPo(po))
}

func (s *taskServiceImpl) Query(ctx context.Context, principal *Principal, params *QueryTaskParams) (res *Result) {
	defer recoverResult(ctx, taskModelName, "query", &res)
	if err := checkAuthentication(ctx, s.authorizer, principal, s.cfg.TaskSearchPerms); err != nil {
		return outputException(ctx, taskModelName, "query", err)
	}
	if params == nil {
		params = &QueryTaskParams{}
	}
	total, err := s.repo.CountTask(ctx, params)
	if err != nil {
		return outputException(ctx, taskModelName, "query", err)
	}
	pos, err := s.repo.QueryTask(ctx, params)
	if err != nil {
		return outputException(ctx, taskModelName, "query", err)
	}
	items := make([]*Task, 0, len(pos))
	for _, po := range pos {
		items = append(items, newTaskFromPo(po))
	}
	return outputResultSuccess(&PageResult[*Task]{Total: total, Items: items})
}

func getTaskPo(ctx context.Context, repo TaskRepo, taskID string) (*TaskPo, error) {
	if taskID == "" {
		return nil, errors.WithMessage(ErrValidation, "empty task id")
	}
	pos, err := repo.QueryTask(ctx, &QueryTaskParams{TaskID: &taskID})
	if err != nil {
		return nil, err
	}
	if len(pos) == 0 {
		return nil, errors.WithMessagef(ErrTaskNotFound, "task id: %s", taskID)
	}
	return pos[0], nil
}
