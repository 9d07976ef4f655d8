package tasks

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type executedOperation struct {
	operation string
	user      *Principal
	payload   map[string]any
}

// productService 只支持create和update
type productService struct {
	mu          sync.Mutex
	entities    *MemoryEntityResolver
	taskGroupID string
	executed    []*executedOperation
}

func (s *productService) ServiceName() string { return "ProductService" }

func (s *productService) EntityType() string { return "product" }

func (s *productService) Validate(ctx context.Context, operation string, payload map[string]any) error {
	if name, ok := payload["name"]; ok && name == "" {
		return errors.New("name cannot be empty")
	}
	return nil
}

func (s *productService) RouteTaskGroup(ctx context.Context, operation string, payload map[string]any) (string, error) {
	return s.taskGroupID, nil
}

func (s *productService) record(operation string, user *Principal, payload map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executed = append(s.executed, &executedOperation{operation: operation, user: user, payload: payload})
}

func (s *productService) Create(ctx context.Context, user *Principal, payload map[string]any) error {
	s.record(OperationCreate, user, payload)
	return nil
}

func (s *productService) Update(ctx context.Context, user *Principal, payload map[string]any) error {
	s.record(OperationUpdate, user, payload)
	s.entities.Put("product", payload["id"].(string), payload)
	return nil
}

func (s *productService) executedOperations() []*executedOperation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*executedOperation(nil), s.executed...)
}

func setupChecker(t *testing.T, policy string) (*testEnv, *productService, CheckerLogic) {
	env := setupTestEnv(t)
	group := env.createGroup(t, "product_approvers", policy, "A", "B")
	service := &productService{entities: env.entities, taskGroupID: group.ID}
	checker := NewCheckerLogic(service, env.services.TaskService, env.entities, env.cfg)
	env.bus.Bind(EventTaskComplete, BindAfter, "ProductService.OnTaskComplete", OnTaskCompleteHandler(service, env.users))
	return env, service, checker
}

func TestCheckerCreateUpdateTask(t *testing.T) {
	env, _, checker := setupChecker(t, CompletionPolicyAny)
	env.entities.Put("product", "E1", map[string]any{"id": "E1", "field": "y", "other": 1})

	res := checker.CreateUpdateTask(context.Background(), adminPrincipal, map[string]any{"id": "E1", "field": "x"})
	require.True(t, res.Success, res.Detail)
	task := res.Data.(*Task)

	assert.Equal(t, TaskStatusReceived, task.Status)
	assert.Equal(t, "ProductService", task.Source)
	assert.Equal(t, "ProductService.update", task.BusinessEvent)
	assert.Equal(t, env.cfg.DefaultExecutorActionEvent, task.ExecutorActionEvent)
	assert.Equal(t, "product", task.EntityType)
	assert.Equal(t, "E1", task.EntityID)
	assert.Equal(t, map[string]any{}, task.JSONExt)
	assert.Equal(t, map[string]any{
		"incoming_data": map[string]any{"id": "E1", "field": "x"},
		"current_data":  map[string]any{"id": "E1", "field": "y"},
	}, task.Data)

	// 读回来也一样
	assert.Equal(t, task.Data, env.getTask(t, task.ID).Data)

	// 同一个实体已经有打开的任务
	res = checker.CreateUpdateTask(context.Background(), adminPrincipal, map[string]any{"id": "E1", "field": "z"})
	assert.True(t, res.IsErrorKind(ErrConflict))
}

func TestCheckerCreateCreateTask(t *testing.T) {
	env, _, checker := setupChecker(t, CompletionPolicyAny)
	id := uuid.New()
	createdAt := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	res := checker.CreateCreateTask(context.Background(), adminPrincipal, map[string]any{
		"id":         id,
		"name":       "book",
		"created_at": createdAt,
		"price":      12.5,
	})
	require.True(t, res.Success, res.Detail)
	task := res.Data.(*Task)
	assert.Equal(t, "ProductService.create", task.BusinessEvent)
	assert.Empty(t, task.EntityType)
	incoming := task.DataContext().IncomingData()
	assert.Equal(t, id.String(), incoming["id"])
	assert.Equal(t, "2024-01-02T03:04:05Z", incoming["created_at"])
	assert.Equal(t, 12.5, incoming["price"])
	_, hasCurrent := task.DataContext().Get(TaskDataKeyCurrentData)
	assert.False(t, hasCurrent)

	count, err := env.repo.CountTask(context.Background(), &QueryTaskParams{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestCheckerValidationAndMissingEntity(t *testing.T) {
	env, _, checker := setupChecker(t, CompletionPolicyAny)
	ctx := context.Background()

	res := checker.CreateCreateTask(ctx, adminPrincipal, map[string]any{"name": ""})
	assert.True(t, res.IsErrorKind(ErrValidation))
	assert.Equal(t, "ProductService.create_create_task: ValidationError", res.Message)

	res = checker.CreateUpdateTask(ctx, adminPrincipal, map[string]any{"field": "x"})
	assert.True(t, res.IsErrorKind(ErrValidation))

	res = checker.CreateDeleteTask(ctx, adminPrincipal, map[string]any{"id": "nope"})
	assert.True(t, res.IsErrorKind(ErrEntityNotFound))

	res = checker.CreateCreateTask(ctx, voterA, map[string]any{"name": "x"})
	assert.True(t, res.IsErrorKind(ErrAuthentication))

	// 校验失败时没有任务
	count, err := env.repo.CountTask(ctx, &QueryTaskParams{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestCheckerCreateDeleteTask(t *testing.T) {
	env, _, checker := setupChecker(t, CompletionPolicyAny)
	env.entities.Put("product", "E2", map[string]any{"id": "E2", "name": "pen"})

	res := checker.CreateDeleteTask(context.Background(), adminPrincipal, map[string]any{"id": "E2"})
	require.True(t, res.Success, res.Detail)
	task := res.Data.(*Task)
	assert.Equal(t, "ProductService.delete", task.BusinessEvent)
	assert.Equal(t, map[string]any{"id": "E2"}, task.DataContext().CurrentData())
}

func TestOnTaskCompleteHandler(t *testing.T) {
	t.Run("审批通过后执行业务操作", func(t *testing.T) {
		env, service, checker := setupChecker(t, CompletionPolicyAll)
		env.entities.Put("product", "E1", map[string]any{"id": "E1", "field": "y"})

		res := checker.CreateUpdateTask(context.Background(), adminPrincipal, map[string]any{"id": "E1", "field": "x"})
		require.True(t, res.Success, res.Detail)
		task := res.Data.(*Task)
		require.True(t, env.services.TaskService.ExecuteTask(context.Background(), adminPrincipal, &ExecuteTaskReq{ID: task.ID}).Success)

		require.True(t, env.vote(voterA, task.ID, BusinessStatusApproved).Success)
		assert.Empty(t, service.executedOperations())

		require.True(t, env.vote(voterB, task.ID, BusinessStatusApproved).Success)
		executed := service.executedOperations()
		require.Len(t, executed, 1)
		assert.Equal(t, OperationUpdate, executed[0].operation)
		assert.Equal(t, "B", executed[0].user.ID)
		assert.Equal(t, "bob", executed[0].user.LoginName)
		assert.Equal(t, map[string]any{"id": "E1", "field": "x"}, executed[0].payload)

		entity, err := env.entities.Resolve(context.Background(), "product", "E1")
		require.NoError(t, err)
		assert.Equal(t, "x", entity["field"])
	})

	t.Run("回放时数字类型不变", func(t *testing.T) {
		env, service, checker := setupChecker(t, CompletionPolicyAny)
		ctx := context.Background()

		res := checker.CreateCreateTask(ctx, adminPrincipal, map[string]any{
			"name":  "book",
			"days":  3,
			"ratio": 0.5,
			"tags":  []any{1, "x"},
			"spec":  map[string]any{"pages": 120},
		})
		require.True(t, res.Success, res.Detail)
		task := res.Data.(*Task)
		want := map[string]any{
			"name":  "book",
			"days":  int64(3),
			"ratio": 0.5,
			"tags":  []any{int64(1), "x"},
			"spec":  map[string]any{"pages": int64(120)},
		}
		assert.Equal(t, want, task.DataContext().IncomingData())
		// 从库里读出来的和创建时返回的一致
		assert.Equal(t, task.Data, env.getTask(t, task.ID).Data)

		require.True(t, env.services.TaskService.ExecuteTask(ctx, adminPrincipal, &ExecuteTaskReq{ID: task.ID}).Success)
		require.True(t, env.vote(voterA, task.ID, BusinessStatusApproved).Success)

		executed := service.executedOperations()
		require.Len(t, executed, 1)
		assert.Equal(t, OperationCreate, executed[0].operation)
		assert.Equal(t, want, executed[0].payload)
	})

	t.Run("失败不执行", func(t *testing.T) {
		env, service, checker := setupChecker(t, CompletionPolicyAny)
		env.entities.Put("product", "E1", map[string]any{"id": "E1", "field": "y"})
		res := checker.CreateUpdateTask(context.Background(), adminPrincipal, map[string]any{"id": "E1", "field": "x"})
		require.True(t, res.Success)
		task := res.Data.(*Task)
		require.True(t, env.services.TaskService.ExecuteTask(context.Background(), adminPrincipal, &ExecuteTaskReq{ID: task.ID}).Success)

		require.True(t, env.vote(voterA, task.ID, BusinessStatusFailed).Success)
		assert.Equal(t, TaskStatusFailed, env.getTask(t, task.ID).Status)
		assert.Empty(t, service.executedOperations())
	})

	t.Run("前缀不匹配和不支持的操作", func(t *testing.T) {
		service := &productService{entities: NewMemoryEntityResolver()}
		handler := OnTaskCompleteHandler(service, nil)
		for _, businessEvent := range []string{"OtherService.update", "ProductServiceX.update", "ProductService.delete", "ProductService"} {
			errs := handler(context.Background(), &ServiceEvent{
				Name: EventTaskComplete,
				Result: outputResultSuccess(&TaskEventPayload{
					Task: &Task{Status: TaskStatusCompleted, BusinessEvent: businessEvent, Data: map[string]any{}},
					User: UserInfo{ID: "A"},
				}),
			})
			assert.Empty(t, errs)
		}
		assert.Empty(t, service.executedOperations())
	})

	t.Run("用户不存在返回错误", func(t *testing.T) {
		service := &productService{entities: NewMemoryEntityResolver()}
		handler := OnTaskCompleteHandler(service, NewStaticUserResolver())
		errs := handler(context.Background(), &ServiceEvent{
			Name: EventTaskComplete,
			Result: outputResultSuccess(&TaskEventPayload{
				Task: &Task{Status: TaskStatusCompleted, BusinessEvent: "ProductService.create", Data: map[string]any{}},
				User: UserInfo{ID: "ghost"},
			}),
		})
		assert.Len(t, errs, 1)
		assert.Empty(t, service.executedOperations())
	})
}

func TestNormalCheckedService(t *testing.T) {
	var called []string
	service := NewNormalCheckedService("Invoice", "invoice", nil,
		nil,
		func(ctx context.Context, user *Principal, payload map[string]any) error {
			called = append(called, "update")
			return nil
		},
		nil,
	).WithTaskGroup("g1")

	assert.Equal(t, []string{OperationUpdate}, service.Operations())
	ops := availableOperations(service)
	assert.Len(t, ops, 1)
	assert.NoError(t, service.Validate(context.Background(), OperationUpdate, nil))
	assert.Error(t, service.Create(context.Background(), nil, nil))

	groupID, err := service.RouteTaskGroup(context.Background(), OperationUpdate, nil)
	require.NoError(t, err)
	assert.Equal(t, "g1", groupID)

	handler := OnTaskCompleteHandler(service, nil)
	errs := handler(context.Background(), &ServiceEvent{
		Result: outputResultSuccess(&TaskEventPayload{
			Task: &Task{Status: TaskStatusCompleted, BusinessEvent: "Invoice.update", Data: map[string]any{
				TaskDataKeyIncomingData: map[string]any{"id": "I1"},
			}},
			User: UserInfo{ID: "A"},
		}),
	})
	assert.Empty(t, errs)
	assert.Equal(t, []string{"update"}, called)
}
