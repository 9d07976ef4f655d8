package tasks

import (
	"context"
	"fmt"
	"sort"

	"github.com/pkg/errors"
)

const taskGroupModelName = "TaskGroup"

type taskGroupServiceImpl struct {
	repo       TaskRepo
	lock       TaskLock
	cfg        *Config
	authorizer Authorizer
	users      UserResolver
	bus        *EventBus
}

func NewTaskGroupService(deps *ServiceDeps) TaskGroupService {
	return &taskGroupServiceImpl{
		repo:       deps.Repo,
		lock:       deps.Lock,
		cfg:        deps.Config,
		authorizer: deps.Authorizer,
		users:      deps.Users,
		bus:        deps.Bus,
	}
}

func (s *taskGroupServiceImpl) Create(ctx context.Context, principal *Principal, req *CreateTaskGroupReq) (res *Result) {
	defer recoverResult(ctx, taskGroupModelName, "create", &res)
	if err := checkAuthentication(ctx, s.authorizer, principal, s.cfg.TaskGroupCreatePerms); err != nil {
		return outputException(ctx, taskGroupModelName, "create", err)
	}
	if req == nil {
		return outputException(ctx, taskGroupModelName, "create", errors.WithMessage(ErrValidation, "nil CreateTaskGroupReq"))
	}
	s.bus.Emit(ctx, BindBefore, &ServiceEvent{Name: EventTaskGroupCreate, Principal: principal, Payload: req})
	group, err := s.create(ctx, principal, req)
	if err != nil {
		res = outputException(ctx, taskGroupModelName, "create", err)
	} else {
		res = outputResultSuccess(group)
	}
	s.bus.Emit(ctx, BindAfter, &ServiceEvent{Name: EventTaskGroupCreate, Principal: principal, Payload: req, Result: res})
	return res
}

func taskGroupCodeLockKey(code string) string {
	return fmt.Sprintf("task_group_code_%s", code)
}

func (s *taskGroupServiceImpl) create(ctx context.Context, principal *Principal, req *CreateTaskGroupReq) (*TaskGroup, error) {
	if err := validatorUtil.Struct(req); err != nil {
		return nil, errors.Wrapf(ErrValidation, "invalid CreateTaskGroupReq, err: %v", err)
	}
	if err := s.checkUsers(ctx, req.UserIDs); err != nil {
		return nil, err
	}
	var ret *TaskGroup
	err := s.lock.Synchronized(ctx, taskGroupCodeLockKey(req.Code), s.cfg.LockMaxDuration, s.cfg.LockWaitTimeout, func(ctx context.Context) error {
		return s.repo.Transaction(ctx, func(ctx context.Context) error {
			if err := s.checkCodeUnique(ctx, req.Code, ""); err != nil {
				return err
			}
			po := &TaskGroupPo{
				Code:               req.Code,
				CompletionPolicy:   req.CompletionPolicy,
				TaskAllowedSources: allowedSourcesToJSON(req.TaskAllowedSources),
			}
			po.stampCreate(principal.LoginNameOrID())
			if _, err := s.repo.CreateTaskGroup(ctx, po); err != nil {
				return err
			}
			executors, err := s.createExecutors(ctx, principal, po.ID, req.UserIDs)
			if err != nil {
				return err
			}
			ret = newTaskGroupFromPo(po, executors)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return ret, nil
}

func (s *taskGroupServiceImpl) Update(ctx context.Context, principal *Principal, req *UpdateTaskGroupReq) (res *Result) {
	defer recoverResult(ctx, taskGroupModelName, "update", &res)
	if err := checkAuthentication(ctx, s.authorizer, principal, s.cfg.TaskGroupUpdatePerms); err != nil {
		return outputException(ctx, taskGroupModelName, "update", err)
	}
	if req == nil {
		return outputException(ctx, taskGroupModelName, "update", errors.WithMessage(ErrValidation, "nil UpdateTaskGroupReq"))
	}
	s.bus.Emit(ctx, BindBefore, &ServiceEvent{Name: EventTaskGroupUpdate, Principal: principal, Payload: req})
	group, err := s.update(ctx, principal, req)
	if err != nil {
		res = outputException(ctx, taskGroupModelName, "update", err)
	} else {
		res = outputResultSuccess(group)
	}
	s.bus.Emit(ctx, BindAfter, &ServiceEvent{Name: EventTaskGroupUpdate, Principal: principal, Payload: req, Result: res})
	return res
}

func (s *taskGroupServiceImpl) update(ctx context.Context, principal *Principal, req *UpdateTaskGroupReq) (*TaskGroup, error) {
	if err := validatorUtil.Struct(req); err != nil {
		return nil, errors.Wrapf(ErrValidation, "invalid UpdateTaskGroupReq, err: %v", err)
	}
	if req.TaskAllowedSources != nil {
		for _, source := range *req.TaskAllowedSources {
			if source == "" {
				return nil, errors.WithMessage(ErrValidation, "task_allowed_sources contains empty source")
			}
		}
	}
	if err := s.checkUsers(ctx, req.UserIDs); err != nil {
		return nil, err
	}
	user := principal.LoginNameOrID()
	err := s.withCodeLock(ctx, req.Code, func(ctx context.Context) error {
		return s.lock.Synchronized(ctx, fmt.Sprintf("task_group_%s", req.ID), s.cfg.LockMaxDuration, s.cfg.LockWaitTimeout, func(ctx context.Context) error {
			return s.updateInTx(ctx, principal, user, req)
		})
	})
	if err != nil {
		return nil, err
	}
	return s.get(ctx, req.ID)
}

// withCodeLock 修改code时和create使用同一把code锁, 先拿code锁再拿任务组锁
func (s *taskGroupServiceImpl) withCodeLock(ctx context.Context, code *string, f func(ctx context.Context) error) error {
	if code == nil {
		return f(ctx)
	}
	return s.lock.Synchronized(ctx, taskGroupCodeLockKey(*code), s.cfg.LockMaxDuration, s.cfg.LockWaitTimeout, f)
}

func (s *taskGroupServiceImpl) updateInTx(ctx context.Context, principal *Principal, user string, req *UpdateTaskGroupReq) error {
	return s.repo.Transaction(ctx, func(ctx context.Context) error {
		current, err := s.getPo(ctx, req.ID)
		if err != nil {
			return err
		}
		if req.Code != nil && *req.Code != current.Code {
			if err := s.checkCodeUnique(ctx, *req.Code, current.ID); err != nil {
				return err
			}
		}
		if req.UserIDs != nil {
			if err := s.replaceExecutorsIfChanged(ctx, principal, current.ID, req.UserIDs); err != nil {
				return err
			}
		}
		// code总是写入, 只改执行人时也会增加version
		code := current.Code
		if req.Code != nil {
			code = *req.Code
		}
		fields := &UpdateTaskGroupField{
			Code:             &code,
			CompletionPolicy: req.CompletionPolicy,
		}
		if req.TaskAllowedSources != nil {
			fields.TaskAllowedSources = allowedSourcesToJSON(*req.TaskAllowedSources)
		}
		version := current.Version
		if req.Version != nil {
			version = *req.Version
		}
		return s.repo.UpdateTaskGroup(ctx, &UpdateTaskGroupParams{
			Where:       &UpdateWhere{ID: current.ID, Version: &version},
			Fields:      fields,
			UserUpdated: user,
		})
	})
}

func (s *taskGroupServiceImpl) Delete(ctx context.Context, principal *Principal, req *DeleteTaskGroupReq) (res *Result) {
	defer recoverResult(ctx, taskGroupModelName, "delete", &res)
	if err := checkAuthentication(ctx, s.authorizer, principal, s.cfg.TaskGroupDeletePerms); err != nil {
		return outputException(ctx, taskGroupModelName, "delete", err)
	}
	if req == nil {
		return outputException(ctx, taskGroupModelName, "delete", errors.WithMessage(ErrValidation, "nil DeleteTaskGroupReq"))
	}
	s.bus.Emit(ctx, BindBefore, &ServiceEvent{Name: EventTaskGroupDelete, Principal: principal, Payload: req})
	if err := s.delete(ctx, principal, req); err != nil {
		res = outputException(ctx, taskGroupModelName, "delete", err)
	} else {
		res = outputResultSuccess(map[string]string{"id": req.ID})
	}
	s.bus.Emit(ctx, BindAfter, &ServiceEvent{Name: EventTaskGroupDelete, Principal: principal, Payload: req, Result: res})
	return res
}

func (s *taskGroupServiceImpl) delete(ctx context.Context, principal *Principal, req *DeleteTaskGroupReq) error {
	if err := validatorUtil.Struct(req); err != nil {
		return errors.Wrapf(ErrValidation, "invalid DeleteTaskGroupReq, err: %v", err)
	}
	user := principal.LoginNameOrID()
	return s.lock.Synchronized(ctx, fmt.Sprintf("task_group_%s", req.ID), s.cfg.LockMaxDuration, s.cfg.LockWaitTimeout, func(ctx context.Context) error {
		return s.repo.Transaction(ctx, func(ctx context.Context) error {
			current, err := s.getPo(ctx, req.ID)
			if err != nil {
				return err
			}
			// 先删执行人, 再删任务组
			if err := s.repo.DeleteTaskExecutors(ctx, &DeleteTaskExecutorParams{TaskGroupID: current.ID, UserUpdated: user}); err != nil {
				return err
			}
			isDeleted := true
			return s.repo.UpdateTaskGroup(ctx, &UpdateTaskGroupParams{
				Where:       &UpdateWhere{ID: current.ID, Version: &current.Version},
				Fields:      &UpdateTaskGroupField{IsDeleted: &isDeleted},
				UserUpdated: user,
			})
		})
	})
}

func (s *taskGroupServiceImpl) Get(ctx context.Context, principal *Principal, taskGroupID string) (res *Result) {
	defer recoverResult(ctx, taskGroupModelName, "get", &res)
	if err := checkAuthentication(ctx, s.authorizer, principal, s.cfg.TaskGroupSearchPerms); err != nil {
		return outputException(ctx, taskGroupModelName, "get", err)
	}
	group, err := s.get(ctx, taskGroupID)
	if err != nil {
		return outputException(ctx, taskGroupModelName, "get", err)
	}
	return outputResultSuccess(group)
}

func (s *taskGroupServiceImpl) Query(ctx context.Context, principal *Principal, params *QueryTaskGroupParams) (res *Result) {
	defer recoverResult(ctx, taskGroupModelName, "query", &res)
	if err := checkAuthentication(ctx, s.authorizer, principal, s.cfg.TaskGroupSearchPerms); err != nil {
		return outputException(ctx, taskGroupModelName, "query", err)
	}
	if params == nil {
		params = &QueryTaskGroupParams{}
	}
	total, err := s.repo.CountTaskGroup(ctx, params)
	if err != nil {
		return outputException(ctx, taskGroupModelName, "query", err)
	}
	pos, err := s.repo.QueryTaskGroup(ctx, params)
	if err != nil {
		return outputException(ctx, taskGroupModelName, "query", err)
	}
	groups, err := s.withExecutors(ctx, pos)
	if err != nil {
		return outputException(ctx, taskGroupModelName, "query", err)
	}
	return outputResultSuccess(&PageResult[*TaskGroup]{Total: total, Items: groups})
}

func (s *taskGroupServiceImpl) get(ctx context.Context, taskGroupID string) (*TaskGroup, error) {
	po, err := s.getPo(ctx, taskGroupID)
	if err != nil {
		return nil, err
	}
	groups, err := s.withExecutors(ctx, []*TaskGroupPo{po})
	if err != nil {
		return nil, err
	}
	return groups[0], nil
}

func (s *taskGroupServiceImpl) getPo(ctx context.Context, taskGroupID string) (*TaskGroupPo, error) {
	return getTaskGroupPo(ctx, s.repo, taskGroupID)
}

func getTaskGroupPo(ctx context.Context, repo TaskRepo, taskGroupID string) (*TaskGroupPo, error) {
	if taskGroupID == "" {
		return nil, errors.WithMessage(ErrValidation, "empty task group id")
	}
	pos, err := repo.QueryTaskGroup(ctx, &QueryTaskGroupParams{TaskGroupID: &taskGroupID})
	if err != nil {
		return nil, err
	}
	if len(pos) == 0 {
		return nil, errors.WithMessagef(ErrTaskGroupNotFound, "task group id: %s", taskGroupID)
	}
	return pos[0], nil
}

func (s *taskGroupServiceImpl) withExecutors(ctx context.Context, pos []*TaskGroupPo) ([]*TaskGroup, error) {
	ret := make([]*TaskGroup, 0, len(pos))
	if len(pos) == 0 {
		return ret, nil
	}
	ids := make([]string, 0, len(pos))
	for _, po := range pos {
		ids = append(ids, po.ID)
	}
	executors, err := s.repo.QueryTaskExecutor(ctx, &QueryTaskExecutorParams{TaskGroupIDIn: ids})
	if err != nil {
		return nil, err
	}
	groupExecutors := make(map[string][]*TaskExecutorPo)
	for _, executor := range executors {
		groupExecutors[executor.TaskGroupID] = append(groupExecutors[executor.TaskGroupID], executor)
	}
	for _, po := range pos {
		ret = append(ret, newTaskGroupFromPo(po, groupExecutors[po.ID]))
	}
	return ret, nil
}

// checkCodeUnique code在有效的任务组里唯一, excludeID为更新时的自身id
func (s *taskGroupServiceImpl) checkCodeUnique(ctx context.Context, code string, excludeID string) error {
	pos, err := s.repo.QueryTaskGroup(ctx, &QueryTaskGroupParams{Code: &code})
	if err != nil {
		return err
	}
	for _, po := range pos {
		if po.ID != excludeID {
			return errors.WithMessagef(ErrValidation, "task group code %s already exists", code)
		}
	}
	return nil
}

func (s *taskGroupServiceImpl) checkUsers(ctx context.Context, userIDs []string) error {
	if s.users == nil {
		return nil
	}
	for _, userID := range userIDs {
		if _, err := s.users.GetUser(ctx, userID); err != nil {
			return errors.WithMessagef(err, "check executor user %s failed", userID)
		}
	}
	return nil
}

// replaceExecutorsIfChanged 执行人集合变化时整体替换, 不做部分更新
func (s *taskGroupServiceImpl) replaceExecutorsIfChanged(ctx context.Context, principal *Principal, taskGroupID string, userIDs []string) error {
	current, err := s.repo.QueryTaskExecutor(ctx, &QueryTaskExecutorParams{TaskGroupIDIn: []string{taskGroupID}})
	if err != nil {
		return err
	}
	currentUserIDs := make([]string, 0, len(current))
	for _, executor := range current {
		currentUserIDs = append(currentUserIDs, executor.UserID)
	}
	if sameUserSet(currentUserIDs, userIDs) {
		return nil
	}
	err = s.repo.DeleteTaskExecutors(ctx, &DeleteTaskExecutorParams{
		TaskGroupID: taskGroupID,
		UserUpdated: principal.LoginNameOrID(),
	})
	if err != nil {
		return err
	}
	_, err = s.createExecutors(ctx, principal, taskGroupID, userIDs)
	return err
}

func (s *taskGroupServiceImpl) createExecutors(ctx context.Context, principal *Principal, taskGroupID string, userIDs []string) ([]*TaskExecutorPo, error) {
	executors := make([]*TaskExecutorPo, 0, len(userIDs))
	for _, userID := range uniqueStr(userIDs) {
		executor := &TaskExecutorPo{TaskGroupID: taskGroupID, UserID: userID}
		executor.stampCreate(principal.LoginNameOrID())
		executors = append(executors, executor)
	}
	if err := s.repo.CreateTaskExecutors(ctx, executors); err != nil {
		return nil, err
	}
	return executors, nil
}

func sameUserSet(a []string, b []string) bool {
	a, b = uniqueStr(a), uniqueStr(b)
	if len(a) != len(b) {
		return false
	}
	sort.Strings(a)
	sort.Strings(b)
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func uniqueStr(arr []string) []string {
	ret := make([]string, 0, len(arr))
	seen := make(map[string]struct{}, len(arr))
	for _, v := range arr {
		if _, ok := seen[v]; !ok {
			ret = append(ret, v)
			seen[v] = struct{}{}
		}
	}
	return ret
}
