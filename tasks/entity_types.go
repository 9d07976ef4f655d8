package tasks

import (
	"encoding/json"
	"fmt"

	"gorm.io/datatypes"
)

// TaskGroup 任务组entity
type TaskGroup struct {
	ID                 string          `json:"id"`
	Code               string          `json:"code"`
	CompletionPolicy   string          `json:"completion_policy"`
	TaskAllowedSources []string        `json:"task_allowed_sources"`
	Executors          []*TaskExecutor `json:"executors"`
	IsDeleted          bool            `json:"is_deleted"`
	Version            int64           `json:"version"`
	DateCreated        int64           `json:"date_created"`
	DateUpdated        int64           `json:"date_updated"`
	UserCreated        string          `json:"user_created"`
	UserUpdated        string          `json:"user_updated"`
}

// TaskExecutor 任务组成员, 可以对任务组的任务投票
type TaskExecutor struct {
	ID          string `json:"id"`
	TaskGroupID string `json:"task_group_id"`
	UserID      string `json:"user_id"`
}

// Task 审批任务entity
type Task struct {
	ID                  string            `json:"id"`
	Source              string            `json:"source"`
	EntityType          string            `json:"entity_type"`
	EntityID            string            `json:"entity_id"`
	Status              TaskStatus        `json:"status"`
	ExecutorActionEvent string            `json:"executor_action_event"`
	BusinessEvent       string            `json:"business_event"`
	BusinessStatus      map[string]string `json:"business_status"`
	Data                map[string]any    `json:"data"`
	JSONExt             map[string]any    `json:"json_ext"`
	TaskGroupID         string            `json:"task_group_id"`
	IsDeleted           bool              `json:"is_deleted"`
	Version             int64             `json:"version"`
	DateCreated         int64             `json:"date_created"`
	DateUpdated         int64             `json:"date_updated"`
	UserCreated         string            `json:"user_created"`
	UserUpdated         string            `json:"user_updated"`
}

func (t *Task) DataContext() *JSONContext {
	return NewJSONContextFromMap(t.Data)
}

func newTaskFromPo(po *TaskPo) *Task {
	return &Task{
		ID:                  po.ID,
		Source:              po.Source,
		EntityType:          po.EntityType,
		EntityID:            po.EntityID,
		Status:              po.Status,
		ExecutorActionEvent: po.ExecutorActionEvent,
		BusinessEvent:       po.BusinessEvent,
		BusinessStatus:      businessStatusFromJSONMap(po.BusinessStatus),
		Data:                copyJSONMap(po.Data),
		JSONExt:             copyJSONMap(po.JSONExt),
		TaskGroupID:         po.TaskGroupID,
		IsDeleted:           po.IsDeleted,
		Version:             po.Version,
		DateCreated:         po.DateCreated,
		DateUpdated:         po.DateUpdated,
		UserCreated:         po.UserCreated,
		UserUpdated:         po.UserUpdated,
	}
}

func newTaskGroupFromPo(po *TaskGroupPo, executors []*TaskExecutorPo) *TaskGroup {
	ret := &TaskGroup{
		ID:                 po.ID,
		Code:               po.Code,
		CompletionPolicy:   po.CompletionPolicy,
		TaskAllowedSources: allowedSourcesFromJSON(po.TaskAllowedSources),
		Executors:          make([]*TaskExecutor, 0, len(executors)),
		IsDeleted:          po.IsDeleted,
		Version:            po.Version,
		DateCreated:        po.DateCreated,
		DateUpdated:        po.DateUpdated,
		UserCreated:        po.UserCreated,
		UserUpdated:        po.UserUpdated,
	}
	for _, executor := range executors {
		ret.Executors = append(ret.Executors, &TaskExecutor{
			ID:          executor.ID,
			TaskGroupID: executor.TaskGroupID,
			UserID:      executor.UserID,
		})
	}
	return ret
}

func businessStatusFromJSONMap(m datatypes.JSONMap) map[string]string {
	ret := make(map[string]string, len(m))
	for k, v := range m {
		if s, ok := v.(string); ok {
			ret[k] = s
			continue
		}
		ret[k] = fmt.Sprint(v)
	}
	return ret
}

func businessStatusToJSONMap(m map[string]string) datatypes.JSONMap {
	ret := make(datatypes.JSONMap, len(m))
	for k, v := range m {
		ret[k] = v
	}
	return ret
}

// copyJSONMap 从库里读出来的数字是json.Number, 转成和写入时一样的类型
func copyJSONMap(m datatypes.JSONMap) map[string]any {
	ret := NormalizeJSONMap(map[string]any(m))
	if ret == nil {
		ret = make(map[string]any)
	}
	return ret
}

func allowedSourcesFromJSON(b datatypes.JSON) []string {
	ret := make([]string, 0)
	if len(b) == 0 {
		return ret
	}
	if err := json.Unmarshal(b, &ret); err != nil {
		return make([]string, 0)
	}
	return ret
}

func allowedSourcesToJSON(sources []string) datatypes.JSON {
	if sources == nil {
		sources = make([]string, 0)
	}
	b, _ := json.Marshal(sources)
	return datatypes.JSON(b)
}

// mergeBusinessStatus 合并投票, 新的key覆盖旧的
func mergeBusinessStatus(current map[string]string, delta map[string]string) map[string]string {
	ret := make(map[string]string, len(current)+len(delta))
	for k, v := range current {
		ret[k] = v
	}
	for k, v := range delta {
		ret[k] = v
	}
	return ret
}
