package tasks

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	adminPrincipal = &Principal{ID: "admin", LoginName: "admin"}
	voterA         = &Principal{ID: "A", LoginName: "alice"}
	voterB         = &Principal{ID: "B", LoginName: "bob"}
	voterC         = &Principal{ID: "C", LoginName: "carol"}
)

type testEnv struct {
	db         *gorm.DB
	repo       TaskRepo
	cfg        *Config
	authorizer *StaticAuthorizer
	users      *StaticUserResolver
	entities   *MemoryEntityResolver
	bus        *EventBus
	lock       TaskLock
	services   *Services
}

func allPerms(cfg *Config) []string {
	ret := make([]string, 0)
	for _, perms := range [][]string{
		cfg.TaskGroupSearchPerms, cfg.TaskGroupCreatePerms, cfg.TaskGroupUpdatePerms, cfg.TaskGroupDeletePerms,
		cfg.TaskSearchPerms, cfg.TaskCreatePerms, cfg.TaskUpdatePerms, cfg.TaskDeletePerms,
	} {
		ret = append(ret, perms...)
	}
	return ret
}

// openTestDB 每个测试一个独立的内存库, 单连接避免sqlite并发写锁
func openTestDB(t *testing.T) *gorm.DB {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, AutoMigrate(db))
	return db
}

func setupTestEnv(t *testing.T, opts ...func(cfg *Config)) *testEnv {
	db := openTestDB(t)
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	env := &testEnv{
		db:         db,
		repo:       NewTaskRepo(db),
		cfg:        cfg,
		authorizer: NewStaticAuthorizer(map[string][]string{adminPrincipal.ID: allPerms(cfg)}),
		users:      NewStaticUserResolver(adminPrincipal, voterA, voterB, voterC),
		entities:   NewMemoryEntityResolver(),
		bus:        NewEventBus(),
		lock:       NewLocalTaskLock(),
	}
	for _, voter := range []*Principal{voterA, voterB, voterC} {
		env.authorizer.Grant(voter.ID, cfg.TaskUpdatePerms...)
		env.authorizer.Grant(voter.ID, cfg.TaskSearchPerms...)
	}
	services, err := NewServices(&ServiceDeps{
		Repo:       env.repo,
		Lock:       env.lock,
		Config:     cfg,
		Authorizer: env.authorizer,
		Bus:        env.bus,
		Users:      env.users,
		Entities:   env.entities,
	})
	require.NoError(t, err)
	env.services = services
	return env
}

func (e *testEnv) createGroup(t *testing.T, code string, policy string, userIDs ...string) *TaskGroup {
	res := e.services.TaskGroupService.Create(context.Background(), adminPrincipal, &CreateTaskGroupReq{
		Code:             code,
		CompletionPolicy: policy,
		UserIDs:          userIDs,
	})
	require.True(t, res.Success, "create group: %s %s", res.Message, res.Detail)
	return res.Data.(*TaskGroup)
}

func (e *testEnv) createTask(t *testing.T, req *CreateTaskReq) *Task {
	res := e.services.TaskService.Create(context.Background(), adminPrincipal, req)
	require.True(t, res.Success, "create task: %s %s", res.Message, res.Detail)
	return res.Data.(*Task)
}

// acceptedTask 创建任务组下的任务并领取
func (e *testEnv) acceptedTask(t *testing.T, group *TaskGroup) *Task {
	task := e.createTask(t, &CreateTaskReq{
		Source:              "test",
		ExecutorActionEvent: e.cfg.DefaultExecutorActionEvent,
		BusinessEvent:       "TestService.update",
		TaskGroupID:         group.ID,
	})
	res := e.services.TaskService.ExecuteTask(context.Background(), adminPrincipal, &ExecuteTaskReq{ID: task.ID})
	require.True(t, res.Success, "execute task: %s %s", res.Message, res.Detail)
	return res.Data.(*TaskEventPayload).Task
}

func (e *testEnv) getTask(t *testing.T, taskID string) *Task {
	res := e.services.TaskService.Get(context.Background(), adminPrincipal, taskID)
	require.True(t, res.Success, "get task: %s %s", res.Message, res.Detail)
	return res.Data.(*Task)
}

func (e *testEnv) vote(principal *Principal, taskID string, value string) *Result {
	return e.services.TaskService.ResolveTask(context.Background(), principal, &ResolveTaskReq{
		ID:             taskID,
		BusinessStatus: map[string]string{principal.ID: value},
	})
}
