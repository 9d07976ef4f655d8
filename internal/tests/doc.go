// Package tests 是 simple-checker 的内部集成测试模块。
//
// 此包位于 internal/ 目录下，外部项目无法导入。
//
// 测试内容：
//   - 审批任务完整流程 (创建 -> 领取 -> 投票 -> 完成 -> 回放业务操作)
//   - ALL / ANY 策略和驳回
//   - 同一实体并发创建任务的冲突
//   - JSONContext 快照
//
// 运行测试：
//
//	go test ./internal/tests/...
package tests
