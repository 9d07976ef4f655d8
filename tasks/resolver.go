package tasks

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pkg/errors"
)

// Decision 规则判断的结果
type Decision struct {
	Complete bool
	Failed   bool
	// NoExecutors ALL规则下任务组没有有效执行人, 任务永远不会完成
	NoExecutors bool
}

func containsVote(votes map[string]string, vote string) bool {
	for _, v := range votes {
		if v == vote {
			return true
		}
	}
	return false
}

// resolveAll 有FAILED直接失败, 否则APPROVED数量等于执行人数量才完成
func resolveAll(votes map[string]string, executorCount int) Decision {
	if containsVote(votes, BusinessStatusFailed) {
		return Decision{Complete: true, Failed: true}
	}
	if executorCount == 0 {
		return Decision{NoExecutors: true}
	}
	approved := 0
	for _, v := range votes {
		if v == BusinessStatusApproved {
			approved++
		}
	}
	if approved == executorCount {
		return Decision{Complete: true}
	}
	return Decision{}
}

// resolveAny 有FAILED失败, 否则有一个APPROVED就完成
func resolveAny(votes map[string]string, _ int) Decision {
	if containsVote(votes, BusinessStatusFailed) {
		return Decision{Complete: true, Failed: true}
	}
	if containsVote(votes, BusinessStatusApproved) {
		return Decision{Complete: true}
	}
	return Decision{}
}

// resolveN TODO: N的阈值还没有定义(任务组上没有N字段), 定义之前和ANY一致
func resolveN(votes map[string]string, executorCount int) Decision {
	return resolveAny(votes, executorCount)
}

// EvaluatePolicy 根据completion_policy判断任务是否结束, 只依赖当前的投票和执行人数量
func EvaluatePolicy(policy CompletionPolicy, votes map[string]string, executorCount int) (Decision, error) {
	switch policy {
	case CompletionPolicyAll:
		return resolveAll(votes, executorCount), nil
	case CompletionPolicyAny:
		return resolveAny(votes, executorCount), nil
	case CompletionPolicyN:
		return resolveN(votes, executorCount), nil
	}
	return Decision{}, errors.Errorf("unknown completion_policy: %s", policy)
}

// ResolutionEngine 监听resolve_task事件, 满足任务组规则时结束任务
type ResolutionEngine struct {
	repo        TaskRepo
	taskService TaskService
	cfg         *Config
}

func NewResolutionEngine(repo TaskRepo, taskService TaskService, cfg *Config) *ResolutionEngine {
	return &ResolutionEngine{repo: repo, taskService: taskService, cfg: cfg}
}

func (e *ResolutionEngine) Bind(bus *EventBus) {
	bus.Bind(EventTaskResolve, BindAfter, "ResolutionEngine.OnTaskResolve", e.OnTaskResolve)
}

// OnTaskResolve 只处理ACCEPTED并且executor_action_event是默认值的任务
// 错误只记录日志并返回, 不影响已经保存的投票
func (e *ResolutionEngine) OnTaskResolve(ctx context.Context, event *ServiceEvent) []string {
	if event == nil || event.Result == nil || !event.Result.Success {
		return nil
	}
	payload, ok := event.Result.Data.(*TaskEventPayload)
	if !ok || payload.Task == nil {
		return nil
	}
	if payload.Task.Status != TaskStatusAccepted || payload.Task.ExecutorActionEvent != e.cfg.DefaultExecutorActionEvent {
		return nil
	}
	// 重新读取, 规则只看数据库里累计的投票
	task, err := getTaskPo(ctx, e.repo, payload.Task.ID)
	if err != nil {
		slog.ErrorContext(ctx, fmt.Sprintf("[ResolutionEngine.OnTaskResolve] load task %s failed, err: %v", payload.Task.ID, err))
		return []string{err.Error()}
	}
	if task.TaskGroupID == "" {
		slog.ErrorContext(ctx, fmt.Sprintf("[ResolutionEngine.OnTaskResolve] resolving task not assigned to task group: %s", task.ID))
		return []string{"Task not assigned to TaskGroup"}
	}
	groups, err := e.repo.QueryTaskGroup(ctx, &QueryTaskGroupParams{TaskGroupID: &task.TaskGroupID, IncludeDeleted: true})
	if err != nil {
		slog.ErrorContext(ctx, fmt.Sprintf("[ResolutionEngine.OnTaskResolve] load task group %s failed, err: %v", task.TaskGroupID, err))
		return []string{err.Error()}
	}
	if len(groups) == 0 {
		slog.ErrorContext(ctx, fmt.Sprintf("[ResolutionEngine.OnTaskResolve] task group %s of task %s not found", task.TaskGroupID, task.ID))
		return []string{"Task not assigned to TaskGroup"}
	}
	group := groups[0]
	executorCount := 0
	if !group.IsDeleted {
		executors, err := e.repo.QueryTaskExecutor(ctx, &QueryTaskExecutorParams{TaskGroupIDIn: []string{group.ID}})
		if err != nil {
			slog.ErrorContext(ctx, fmt.Sprintf("[ResolutionEngine.OnTaskResolve] load executors of %s failed, err: %v", group.ID, err))
			return []string{err.Error()}
		}
		executorCount = len(executors)
	}

	decision, err := EvaluatePolicy(group.CompletionPolicy, businessStatusFromJSONMap(task.BusinessStatus), executorCount)
	if err != nil {
		slog.ErrorContext(ctx, fmt.Sprintf("[ResolutionEngine.OnTaskResolve] resolving task %s failed, err: %v", task.ID, err))
		return []string{fmt.Sprintf("Unknown completion_policy: %s", group.CompletionPolicy)}
	}
	if decision.NoExecutors {
		slog.WarnContext(ctx, fmt.Sprintf("[ResolutionEngine.OnTaskResolve] no valid executors of task with policy ALL: %s", task.ID))
		return nil
	}
	if !decision.Complete {
		return nil
	}
	res := e.taskService.CompleteTask(ctx, event.Principal, &CompleteTaskReq{ID: task.ID, Failed: decision.Failed})
	if !res.Success {
		return []string{fmt.Sprintf("%s: %s", res.Message, res.Detail)}
	}
	return nil
}
