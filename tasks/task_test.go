package tasks

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskCreate(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	env.entities.Put("order", "O1", map[string]any{"id": "O1", "amount": 10})

	t.Run("默认RECEIVED", func(t *testing.T) {
		task := env.createTask(t, &CreateTaskReq{
			Source:         "",
			BusinessEvent:  "direct",
			BusinessStatus: map[string]string{},
			Data:           map[string]any{"k": "v"},
		})
		assert.Equal(t, TaskStatusReceived, task.Status)
		assert.Equal(t, map[string]any{"k": "v"}, task.Data)
		assert.Equal(t, int64(1), task.Version)
		assert.Equal(t, "admin", task.UserCreated)
	})

	t.Run("实体不存在", func(t *testing.T) {
		res := env.services.TaskService.Create(ctx, adminPrincipal, &CreateTaskReq{EntityType: "order", EntityID: "missing"})
		assert.False(t, res.Success)
		assert.True(t, res.IsErrorKind(ErrEntityNotFound))
		assert.Equal(t, "Task.create: EntityNotFoundError", res.Message)
	})

	t.Run("entity_type和entity_id要同时给", func(t *testing.T) {
		res := env.services.TaskService.Create(ctx, adminPrincipal, &CreateTaskReq{EntityType: "order"})
		assert.True(t, res.IsErrorKind(ErrValidation))
	})

	t.Run("同一实体只能有一个打开的任务", func(t *testing.T) {
		first := env.createTask(t, &CreateTaskReq{EntityType: "order", EntityID: "O1"})

		res := env.services.TaskService.Create(ctx, adminPrincipal, &CreateTaskReq{EntityType: "order", EntityID: "O1"})
		assert.True(t, res.IsErrorKind(ErrConflict))
		assert.Equal(t, "Task.create: ConflictError", res.Message)

		// ACCEPTED也算打开
		res = env.services.TaskService.ExecuteTask(ctx, adminPrincipal, &ExecuteTaskReq{ID: first.ID})
		require.True(t, res.Success)
		res = env.services.TaskService.Create(ctx, adminPrincipal, &CreateTaskReq{EntityType: "order", EntityID: "O1"})
		assert.True(t, res.IsErrorKind(ErrConflict))

		res = env.services.TaskService.CompleteTask(ctx, adminPrincipal, &CompleteTaskReq{ID: first.ID})
		require.True(t, res.Success)
		second := env.createTask(t, &CreateTaskReq{EntityType: "order", EntityID: "O1"})
		assert.NotEqual(t, first.ID, second.ID)
	})

	t.Run("任务组限制source", func(t *testing.T) {
		res := env.services.TaskGroupService.Create(ctx, adminPrincipal, &CreateTaskGroupReq{
			Code:               "limited",
			CompletionPolicy:   CompletionPolicyAny,
			TaskAllowedSources: []string{"OrderService"},
			UserIDs:            []string{"A"},
		})
		require.True(t, res.Success)
		group := res.Data.(*TaskGroup)
		assert.Equal(t, []string{"OrderService"}, group.TaskAllowedSources)

		res = env.services.TaskService.Create(ctx, adminPrincipal, &CreateTaskReq{Source: "Other", TaskGroupID: group.ID})
		assert.True(t, res.IsErrorKind(ErrValidation))

		task := env.createTask(t, &CreateTaskReq{Source: "OrderService", TaskGroupID: group.ID})
		assert.Equal(t, group.ID, task.TaskGroupID)

		res = env.services.TaskService.Create(ctx, adminPrincipal, &CreateTaskReq{Source: "OrderService", TaskGroupID: "missing"})
		assert.True(t, res.IsErrorKind(ErrTaskGroupNotFound))
	})

	t.Run("没有权限", func(t *testing.T) {
		res := env.services.TaskService.Create(ctx, voterA, &CreateTaskReq{})
		assert.True(t, res.IsErrorKind(ErrAuthentication))
		res = env.services.TaskService.Create(ctx, &Principal{}, &CreateTaskReq{})
		assert.True(t, res.IsErrorKind(ErrAuthentication))
	})
}

func TestTaskUpdate(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	t.Run("更新打开的任务", func(t *testing.T) {
		task := env.createTask(t, &CreateTaskReq{Source: "s1"})
		source := "s2"
		res := env.services.TaskService.Update(ctx, adminPrincipal, &UpdateTaskReq{
			ID:      task.ID,
			Source:  &source,
			JSONExt: map[string]any{"note": "n"},
		})
		require.True(t, res.Success, res.Detail)
		updated := res.Data.(*Task)
		assert.Equal(t, "s2", updated.Source)
		assert.Equal(t, map[string]any{"note": "n"}, updated.JSONExt)
		assert.Equal(t, task.Version+1, updated.Version)
	})

	t.Run("结束的任务不能修改", func(t *testing.T) {
		for _, failed := range []bool{false, true} {
			task := env.createTask(t, &CreateTaskReq{Source: "s1"})
			res := env.services.TaskService.CompleteTask(ctx, adminPrincipal, &CompleteTaskReq{ID: task.ID, Failed: failed})
			require.True(t, res.Success)

			source := "s2"
			status := TaskStatusAccepted
			for _, req := range []*UpdateTaskReq{
				{ID: task.ID, Source: &source},
				{ID: task.ID, Status: &status},
				{ID: task.ID, Data: map[string]any{"a": 1}},
			} {
				res = env.services.TaskService.Update(ctx, adminPrincipal, req)
				assert.False(t, res.Success)
				assert.True(t, res.IsErrorKind(ErrInvalidState))
				assert.Equal(t, "Task.update: InvalidStateError", res.Message)
			}
			res = env.services.TaskService.ResolveTask(ctx, adminPrincipal, &ResolveTaskReq{ID: task.ID, BusinessStatus: map[string]string{"A": BusinessStatusApproved}})
			assert.True(t, res.IsErrorKind(ErrInvalidState))
		}
	})

	t.Run("不能通过update结束任务", func(t *testing.T) {
		task := env.createTask(t, &CreateTaskReq{Source: "s1"})
		status := TaskStatusCompleted
		res := env.services.TaskService.Update(ctx, adminPrincipal, &UpdateTaskReq{ID: task.ID, Status: &status})
		assert.True(t, res.IsErrorKind(ErrValidation))
	})

	t.Run("版本冲突", func(t *testing.T) {
		task := env.createTask(t, &CreateTaskReq{Source: "s1"})
		stale := task.Version + 5
		source := "s3"
		res := env.services.TaskService.Update(ctx, adminPrincipal, &UpdateTaskReq{ID: task.ID, Version: &stale, Source: &source})
		assert.True(t, res.IsErrorKind(ErrConflict))
	})
}

func TestTaskDelete(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	env.entities.Put("order", "O1", map[string]any{"id": "O1"})
	task := env.createTask(t, &CreateTaskReq{EntityType: "order", EntityID: "O1"})

	res := env.services.TaskService.Delete(ctx, adminPrincipal, &DeleteTaskReq{ID: task.ID})
	require.True(t, res.Success, res.Detail)

	res = env.services.TaskService.Get(ctx, adminPrincipal, task.ID)
	assert.True(t, res.IsErrorKind(ErrTaskNotFound))

	// 软删除后的任务不再占用实体
	env.createTask(t, &CreateTaskReq{EntityType: "order", EntityID: "O1"})

	res = env.services.TaskService.Delete(ctx, voterA, &DeleteTaskReq{ID: task.ID})
	assert.True(t, res.IsErrorKind(ErrAuthentication))
}

func TestTaskExecuteAndComplete(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	t.Run("领取任务", func(t *testing.T) {
		task := env.createTask(t, &CreateTaskReq{Source: "s"})
		res := env.services.TaskService.ExecuteTask(ctx, voterA, &ExecuteTaskReq{ID: task.ID})
		require.True(t, res.Success)
		payload := res.Data.(*TaskEventPayload)
		assert.Equal(t, TaskStatusAccepted, payload.Task.Status)
		assert.Equal(t, "A", payload.User.ID)
		assert.Equal(t, "alice", payload.Task.UserUpdated)

		res = env.services.TaskService.ExecuteTask(ctx, voterA, &ExecuteTaskReq{ID: task.ID})
		assert.True(t, res.IsErrorKind(ErrInvalidState))
	})

	t.Run("默认完成", func(t *testing.T) {
		task := env.createTask(t, &CreateTaskReq{Source: "s"})
		res := env.services.TaskService.CompleteTask(ctx, adminPrincipal, &CompleteTaskReq{ID: task.ID})
		require.True(t, res.Success)
		payload := res.Data.(*TaskEventPayload)
		assert.Equal(t, TaskStatusCompleted, payload.Task.Status)
		assert.Equal(t, "admin", payload.User.ID)

		// 第二次调用是无效状态, 不会重复迁移
		res = env.services.TaskService.CompleteTask(ctx, adminPrincipal, &CompleteTaskReq{ID: task.ID, Failed: true})
		assert.True(t, res.IsErrorKind(ErrInvalidState))
		assert.Equal(t, TaskStatusCompleted, env.getTask(t, task.ID).Status)
	})

	t.Run("失败", func(t *testing.T) {
		task := env.createTask(t, &CreateTaskReq{Source: "s"})
		res := env.services.TaskService.CompleteTask(ctx, adminPrincipal, &CompleteTaskReq{ID: task.ID, Failed: true})
		require.True(t, res.Success)
		assert.Equal(t, TaskStatusFailed, res.Data.(*TaskEventPayload).Task.Status)

		res = env.services.TaskService.CompleteTask(ctx, adminPrincipal, &CompleteTaskReq{ID: task.ID})
		assert.True(t, res.IsErrorKind(ErrInvalidState))
	})

	t.Run("任务不存在", func(t *testing.T) {
		res := env.services.TaskService.CompleteTask(ctx, adminPrincipal, &CompleteTaskReq{ID: "missing"})
		assert.True(t, res.IsErrorKind(ErrTaskNotFound))
	})
}

func TestTaskResolveMerge(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	// 没有任务组, 只合并不判断
	task := env.createTask(t, &CreateTaskReq{Source: "s", BusinessStatus: map[string]string{"A": "PENDING"}})
	res := env.services.TaskService.ResolveTask(ctx, voterB, &ResolveTaskReq{ID: task.ID, BusinessStatus: map[string]string{"B": "CHECKED"}})
	require.True(t, res.Success, res.Detail)
	res = env.services.TaskService.ResolveTask(ctx, voterA, &ResolveTaskReq{ID: task.ID, BusinessStatus: map[string]string{"A": "CHECKED"}})
	require.True(t, res.Success, res.Detail)

	current := env.getTask(t, task.ID)
	assert.Equal(t, map[string]string{"A": "CHECKED", "B": "CHECKED"}, current.BusinessStatus)
	assert.Equal(t, TaskStatusReceived, current.Status)

	res = env.services.TaskService.ResolveTask(ctx, voterA, &ResolveTaskReq{ID: task.ID})
	assert.True(t, res.IsErrorKind(ErrValidation))
}

func TestTaskResolveVoterMembership(t *testing.T) {
	env := setupTestEnv(t, func(cfg *Config) {
		cfg.ValidateVoterMembership = true
	})
	group := env.createGroup(t, "members", CompletionPolicyAll, "A", "B")
	task := env.acceptedTask(t, group)

	res := env.vote(voterC, task.ID, BusinessStatusApproved)
	assert.True(t, res.IsErrorKind(ErrValidation))
	assert.Empty(t, env.getTask(t, task.ID).BusinessStatus)

	res = env.vote(voterA, task.ID, BusinessStatusApproved)
	assert.True(t, res.Success, res.Detail)
	assert.Equal(t, map[string]string{"A": BusinessStatusApproved}, env.getTask(t, task.ID).BusinessStatus)
}

func TestTaskQuery(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		env.createTask(t, &CreateTaskReq{Source: "q", BusinessEvent: "Q.create"})
	}
	done := env.createTask(t, &CreateTaskReq{Source: "q", BusinessEvent: "Q.create"})
	require.True(t, env.services.TaskService.CompleteTask(ctx, adminPrincipal, &CompleteTaskReq{ID: done.ID}).Success)

	res := env.services.TaskService.Query(ctx, adminPrincipal, &QueryTaskParams{StatusIn: []string{TaskStatusReceived}})
	require.True(t, res.Success)
	page := res.Data.(*PageResult[*Task])
	assert.Equal(t, int64(3), page.Total)
	assert.Len(t, page.Items, 3)

	source := "q"
	res = env.services.TaskService.Query(ctx, voterA, &QueryTaskParams{Source: &source, Page: &Pager{Page: 2, Size: 3}})
	require.True(t, res.Success)
	page = res.Data.(*PageResult[*Task])
	assert.Equal(t, int64(4), page.Total)
	assert.Len(t, page.Items, 1)
}
