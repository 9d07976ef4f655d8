// Package checker 提供 maker-checker 审批功能。
//
// 业务方提交的增删改不会直接生效, 而是先生成一个审批任务 (task),
// 由任务组 (task group) 里的执行人投票, 按任务组的 completion_policy 判断结果,
// 通过后再回放业务操作。
//
// 主要特性：
//   - 任务组：执行人 + 完成策略 (ALL / ANY / N) + 允许的任务来源
//   - 任务状态：RECEIVED -> ACCEPTED -> COMPLETED / FAILED
//   - 数据快照：任务 data 里保存 incoming_data 和 current_data
//   - 并发安全：同一实体同时只有一个打开的任务, 同一任务只会完成一次, 支持本地锁和 Redis 锁
//   - 事件总线：每个操作都有 before / after 事件, 可以挂自己的处理函数
//   - 数据持久化：GORM, 可使用 MySQL、PostgreSQL、SQLite 等数据库
//
// 基础使用示例:
//
//	package main
//
//	import (
//	    "context"
//
//	    "github.com/blingmoon/simple-checker/internal/commonregister"
//	    "github.com/blingmoon/simple-checker/tasks"
//	    "gorm.io/driver/sqlite"
//	    "gorm.io/gorm"
//	)
//
//	func main() {
//	    // 1. 初始化数据库
//	    db, _ := gorm.Open(sqlite.Open("checker.db"), &gorm.Config{})
//	    tasks.AutoMigrate(db)
//
//	    // 2. 组装服务
//	    cfg := tasks.DefaultConfig()
//	    services, _ := tasks.NewServices(&tasks.ServiceDeps{
//	        Repo:       tasks.NewTaskRepo(db),
//	        Lock:       tasks.NewLocalTaskLock(),
//	        Config:     cfg,
//	        Authorizer: myAuthorizer,
//	        Bus:        tasks.NewEventBus(),
//	        Users:      myUsers,
//	        Entities:   tasks.NewGormEntityResolver(db, map[string]string{"product": "products"}),
//	    })
//
//	    // 3. 创建任务组
//	    res := services.TaskGroupService.Create(ctx, admin, &tasks.CreateTaskGroupReq{
//	        Code:             "product_checker",
//	        CompletionPolicy: tasks.CompletionPolicyAll,
//	        UserIDs:          []string{"alice", "bob"},
//	    })
//	    group := res.Data.(*tasks.TaskGroup)
//
//	    // 4. 注册业务服务, 审批通过后执行update
//	    checker, _ := commonregister.RegisterCheckedService(services,
//	        tasks.NewNormalCheckedService("ProductService", "product", nil, nil, updateProduct, nil).
//	            WithTaskGroup(group.ID))
//
//	    // 5. 提交修改, 等待审批
//	    checker.CreateUpdateTask(ctx, maker, map[string]any{"id": "P-001", "price": "299"})
//	}
//
// 投票和完成：
//
//	// 执行人领取任务
//	services.TaskService.ExecuteTask(ctx, alice, &tasks.ExecuteTaskReq{ID: taskID})
//
//	// 投票, key是执行人id, value是APPROVED或者FAILED
//	services.TaskService.ResolveTask(ctx, alice, &tasks.ResolveTaskReq{
//	    ID:             taskID,
//	    BusinessStatus: map[string]string{"alice": tasks.BusinessStatusApproved},
//	})
//
// 任务的 executor_action_event 等于配置里的 default_executor_event 时,
// 每次投票后会按任务组策略判断:
//   - ALL: 任一 FAILED 则失败, 全部执行人 APPROVED 则完成
//   - ANY: 任一 FAILED 则失败, 任一 APPROVED 则完成
//   - N: 目前和 ANY 一致
//
// 任务完成后, business_event 为 "{ServiceName}.{create|update|delete}" 的任务
// 会用 incoming_data 调用业务服务对应的操作。
//
// HTTP 服务见 cmd/taskd, 例子见 examples/。
package checker
