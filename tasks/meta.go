package tasks

import "github.com/pkg/errors"

var (
	// 错误分类, 服务边界上会转化成 Result{Success:false}
	ErrAuthentication = errors.New("authentication required") // 匿名用户或没有权限
	ErrValidation     = errors.New("validation failed")       // 参数错误, code重复, 用户不存在
	ErrEntityNotFound = errors.New("entity not found")        // 任务引用的业务实体不存在
	ErrConflict       = errors.New("conflict")                // 同一个实体已有打开的任务, 或者版本冲突
	ErrInvalidState   = errors.New("invalid state")           // 修改已经结束的任务
	ErrPersistence    = errors.New("persistence error")       // 存储层错误

	ErrTaskNotFound      = errors.New("task not found")
	ErrTaskGroupNotFound = errors.New("task group not found")
)

type TaskStatus = string

const (
	TaskStatusReceived TaskStatus = "RECEIVED"
	TaskStatusAccepted TaskStatus = "ACCEPTED"
	// 完成, 终止状态, 任务不可再修改
	TaskStatusCompleted TaskStatus = "COMPLETED"
	// 失败, 终止状态, 任务不可再修改
	TaskStatusFailed TaskStatus = "FAILED"
)

// IsOverTaskStatus 任务是否已经结束
func IsOverTaskStatus(status TaskStatus) bool {
	return status == TaskStatusCompleted || status == TaskStatusFailed
}

// IsOpenTaskStatus 任务是否还在等待处理
func IsOpenTaskStatus(status TaskStatus) bool {
	return status == TaskStatusReceived || status == TaskStatusAccepted
}

func GetTaskStatusText(status TaskStatus) string {
	switch status {
	case TaskStatusReceived:
		return "已接收"
	case TaskStatusAccepted:
		return "处理中"
	case TaskStatusCompleted:
		return "完成"
	case TaskStatusFailed:
		return "失败"
	}
	return "未知"
}

type CompletionPolicy = string

const (
	CompletionPolicyAll CompletionPolicy = "ALL"
	CompletionPolicyAny CompletionPolicy = "ANY"
	// N of M, 目前和ANY行为一致, 阈值还没有定义
	CompletionPolicyN CompletionPolicy = "N"
)

// 投票值
const (
	BusinessStatusApproved = "APPROVED"
	BusinessStatusFailed   = "FAILED"
)

// 服务事件名称
const (
	EventTaskCreate      = "task_service.create"
	EventTaskUpdate      = "task_service.update"
	EventTaskDelete      = "task_service.delete"
	EventTaskExecute     = "task_service.execute_task"
	EventTaskComplete    = "task_service.complete_task"
	EventTaskResolve     = "task_service.resolve_task"
	EventTaskGroupCreate = "task_group_service.create"
	EventTaskGroupUpdate = "task_group_service.update"
	EventTaskGroupDelete = "task_group_service.delete"
)

// 任务数据里面的快照key
const (
	TaskDataKeyIncomingData = "incoming_data"
	TaskDataKeyCurrentData  = "current_data"
)

// ErrorKind 返回错误分类的名称, 用于Result.Message
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	causeErr := errors.Cause(err)
	switch {
	case errors.Is(causeErr, ErrAuthentication):
		return "AuthenticationError"
	case errors.Is(causeErr, ErrValidation):
		return "ValidationError"
	case errors.Is(causeErr, ErrEntityNotFound), errors.Is(causeErr, ErrTaskNotFound), errors.Is(causeErr, ErrTaskGroupNotFound):
		return "EntityNotFoundError"
	case errors.Is(causeErr, ErrConflict), errors.Is(causeErr, LockFailedError), errors.Is(causeErr, LockFailedTimeOutError):
		return "ConflictError"
	case errors.Is(causeErr, ErrInvalidState):
		return "InvalidStateError"
	}
	return "PersistenceError"
}
