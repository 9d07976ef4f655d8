package tasks

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// HistoryPo 所有表共有的字段: 软删除, 乐观锁版本, 审计
type HistoryPo struct {
	ID          string `gorm:"column:id;primaryKey;size:36" json:"id"`
	IsDeleted   bool   `gorm:"column:is_deleted;index" json:"is_deleted"`
	Version     int64  `gorm:"column:version" json:"version"`
	DateCreated int64  `gorm:"column:date_created" json:"date_created"`
	DateUpdated int64  `gorm:"column:date_updated" json:"date_updated"`
	UserCreated string `gorm:"column:user_created;size:64" json:"user_created"`
	UserUpdated string `gorm:"column:user_updated;size:64" json:"user_updated"`
}

func (p *HistoryPo) stampCreate(user string) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().Unix()
	p.IsDeleted = false
	p.Version = 1
	p.DateCreated = now
	p.DateUpdated = now
	p.UserCreated = user
	p.UserUpdated = user
}

type TaskGroupPo struct {
	HistoryPo
	Code               string         `gorm:"column:code;size:255;index" json:"code"`
	CompletionPolicy   string         `gorm:"column:completion_policy;size:255" json:"completion_policy"`
	TaskAllowedSources datatypes.JSON `gorm:"column:task_allowed_sources" json:"task_allowed_sources"`
}

func (TaskGroupPo) TableName() string {
	return "task_group"
}

type TaskExecutorPo struct {
	HistoryPo
	TaskGroupID string `gorm:"column:task_group_id;size:36;index" json:"task_group_id"`
	UserID      string `gorm:"column:user_id;size:64" json:"user_id"`
}

func (TaskExecutorPo) TableName() string {
	return "task_executor"
}

type TaskPo struct {
	HistoryPo
	Source              string            `gorm:"column:source;size:255" json:"source"`
	EntityType          string            `gorm:"column:entity_type;size:255;index:idx_task_entity" json:"entity_type"`
	EntityID            string            `gorm:"column:entity_id;size:255;index:idx_task_entity" json:"entity_id"`
	Status              TaskStatus        `gorm:"column:status;size:255" json:"status"`
	ExecutorActionEvent string            `gorm:"column:executor_action_event;size:255" json:"executor_action_event"`
	BusinessEvent       string            `gorm:"column:business_event;size:255" json:"business_event"`
	BusinessStatus      datatypes.JSONMap `gorm:"column:business_status" json:"business_status"`
	Data                datatypes.JSONMap `gorm:"column:data" json:"data"`
	JSONExt             datatypes.JSONMap `gorm:"column:json_ext" json:"json_ext"`
	TaskGroupID         string            `gorm:"column:task_group_id;size:36;index" json:"task_group_id"`
}

func (TaskPo) TableName() string {
	return "task"
}

// AutoMigrate 创建任务管理需要的表
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&TaskGroupPo{}, &TaskExecutorPo{}, &TaskPo{})
}

type Pager struct {
	IsNoLimit *bool `json:"is_no_limit"`
	Page      int64 `json:"page"`
	Size      int64 `json:"size"`
}

type QueryTaskGroupParams struct {
	TaskGroupID    *string  `json:"task_group_id"`
	IDIn           []string `json:"id_in"`
	Code           *string  `json:"code"`
	IncludeDeleted bool     `json:"include_deleted"`
	Page           *Pager   `json:"page"`
}

type QueryTaskExecutorParams struct {
	TaskGroupIDIn  []string `json:"task_group_id_in"`
	UserID         *string  `json:"user_id"`
	IncludeDeleted bool     `json:"include_deleted"`
}

type DeleteTaskExecutorParams struct {
	TaskGroupID string `json:"task_group_id" validate:"required"`
	UserUpdated string `json:"user_updated"`
}

type QueryTaskParams struct {
	TaskID         *string  `json:"task_id"`
	EntityType     *string  `json:"entity_type"`
	EntityID       *string  `json:"entity_id"`
	StatusIn       []string `json:"status_in"`
	TaskGroupID    *string  `json:"task_group_id"`
	Source         *string  `json:"source"`
	BusinessEvent  *string  `json:"business_event"`
	IncludeDeleted bool     `json:"include_deleted"`
	OrderbyAsc     *bool    `json:"orderby_asc"`
	Page           *Pager   `json:"page"`
}

type UpdateWhere struct {
	ID string `json:"id" validate:"required"`
	// Version 不为空时做CAS, 版本不一致返回ErrConflict
	Version *int64 `json:"version"`
	// StatusIn 只有task使用
	StatusIn []string `json:"status_in"`
}

type UpdateTaskGroupParams struct {
	Where       *UpdateWhere          `json:"where" validate:"required"`
	Fields      *UpdateTaskGroupField `json:"field" validate:"required"`
	UserUpdated string                `json:"user_updated"`
}

type UpdateTaskGroupField struct {
	Code               *string        `json:"code"`
	CompletionPolicy   *string        `json:"completion_policy"`
	TaskAllowedSources datatypes.JSON `json:"task_allowed_sources"`
	IsDeleted          *bool          `json:"is_deleted"`
}

type UpdateTaskParams struct {
	Where       *UpdateWhere     `json:"where" validate:"required"`
	Fields      *UpdateTaskField `json:"field" validate:"required"`
	UserUpdated string           `json:"user_updated"`
}

type UpdateTaskField struct {
	Source              *string           `json:"source"`
	Status              *string           `json:"status"`
	ExecutorActionEvent *string           `json:"executor_action_event"`
	BusinessEvent       *string           `json:"business_event"`
	BusinessStatus      datatypes.JSONMap `json:"business_status"`
	Data                datatypes.JSONMap `json:"data"`
	JSONExt             datatypes.JSONMap `json:"json_ext"`
	TaskGroupID         *string           `json:"task_group_id"`
	IsDeleted           *bool             `json:"is_deleted"`
}

type taskRepo struct {
	db *gorm.DB
}

func NewTaskRepo(db *gorm.DB) TaskRepo {
	return &taskRepo{
		db: db,
	}
}

func (r *taskRepo) CreateTaskGroup(ctx context.Context, taskGroup *TaskGroupPo) (*TaskGroupPo, error) {
	if taskGroup == nil {
		return nil, errors.New("nil TaskGroupPo")
	}
	if err := r.GetDBWithContext(ctx).Create(taskGroup).Error; err != nil {
		return nil, errors.Wrapf(ErrPersistence, "CreateTaskGroup failed, err: %v", err)
	}
	return taskGroup, nil
}

func buildQueryTaskGroupParams(db *gorm.DB, isCount bool, param *QueryTaskGroupParams) (*gorm.DB, error) {
	if param == nil {
		return nil, errors.New("nil QueryTaskGroupParams")
	}
	if param.TaskGroupID != nil {
		db = db.Where("id = ?", *param.TaskGroupID)
	}
	if len(param.IDIn) != 0 {
		db = db.Where("id IN ?", param.IDIn)
	}
	if param.Code != nil {
		db = db.Where("code = ?", *param.Code)
	}
	if !param.IncludeDeleted {
		db = db.Where("is_deleted = ?", false)
	}
	if !isCount {
		db = db.Order("date_created asc").Order("id asc")
		db = applyPager(db, param.Page)
	}
	return db, nil
}

func applyPager(db *gorm.DB, page *Pager) *gorm.DB {
	if page == nil || (page.IsNoLimit != nil && *page.IsNoLimit) {
		return db
	}
	if page.Page <= 0 {
		page.Page = 1
	}
	if page.Size <= 0 {
		page.Size = 10
	}
	return db.Offset(int(page.Page-1) * int(page.Size)).Limit(int(page.Size))
}

func (r *taskRepo) QueryTaskGroup(ctx context.Context, param *QueryTaskGroupParams) ([]*TaskGroupPo, error) {
	db, err := buildQueryTaskGroupParams(r.GetDBWithContext(ctx).Model(&TaskGroupPo{}), false, param)
	if err != nil {
		return nil, errors.WithMessage(err, "buildQueryTaskGroupParams failed")
	}
	pos := make([]*TaskGroupPo, 0)
	if err := db.Find(&pos).Error; err != nil {
		return nil, errors.Wrapf(ErrPersistence, "QueryTaskGroup failed, err: %v", err)
	}
	return pos, nil
}

func (r *taskRepo) CountTaskGroup(ctx context.Context, param *QueryTaskGroupParams) (int64, error) {
	db, err := buildQueryTaskGroupParams(r.GetDBWithContext(ctx).Model(&TaskGroupPo{}), true, param)
	if err != nil {
		return 0, errors.WithMessage(err, "buildQueryTaskGroupParams failed")
	}
	var count int64
	if err := db.Count(&count).Error; err != nil {
		return 0, errors.Wrapf(ErrPersistence, "CountTaskGroup failed, err: %v", err)
	}
	return count, nil
}

func buildUpdateTaskGroupFields(fields *UpdateTaskGroupField) map[string]any {
	updateFields := make(map[string]any)
	if fields.Code != nil {
		updateFields["code"] = *fields.Code
	}
	if fields.CompletionPolicy != nil {
		updateFields["completion_policy"] = *fields.CompletionPolicy
	}
	if fields.TaskAllowedSources != nil {
		updateFields["task_allowed_sources"] = fields.TaskAllowedSources
	}
	if fields.IsDeleted != nil {
		updateFields["is_deleted"] = *fields.IsDeleted
	}
	return updateFields
}

func (r *taskRepo) UpdateTaskGroup(ctx context.Context, param *UpdateTaskGroupParams) error {
	if err := validatorUtil.Struct(param); err != nil {
		return errors.Wrapf(ErrValidation, "UpdateTaskGroup failed, err: %v", err)
	}
	updateFields := buildUpdateTaskGroupFields(param.Fields)
	return r.updateWithVersion(ctx, &TaskGroupPo{}, param.Where, updateFields, param.UserUpdated)
}

// updateWithVersion 更新一行并把version+1, where带version时不匹配返回ErrConflict
func (r *taskRepo) updateWithVersion(ctx context.Context, model any, where *UpdateWhere, updateFields map[string]any, user string) error {
	if len(updateFields) == 0 {
		return errors.Wrap(ErrValidation, "no fields to update")
	}
	db := r.GetDBWithContext(ctx).Model(model).Where("id = ?", where.ID).Where("is_deleted = ?", false)
	if where.Version != nil {
		db = db.Where("version = ?", *where.Version)
	}
	if len(where.StatusIn) != 0 {
		db = db.Where("status IN ?", where.StatusIn)
	}
	updateFields["version"] = gorm.Expr("version + ?", 1)
	updateFields["date_updated"] = time.Now().Unix()
	updateFields["user_updated"] = user
	result := db.Updates(updateFields)
	if result.Error != nil {
		return errors.Wrapf(ErrPersistence, "update failed, id: %s, err: %v", where.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return errors.WithMessagef(ErrConflict, "row %s changed or removed concurrently", where.ID)
	}
	return nil
}

func (r *taskRepo) CreateTaskExecutors(ctx context.Context, executors []*TaskExecutorPo) error {
	if len(executors) == 0 {
		return nil
	}
	if err := r.GetDBWithContext(ctx).Create(&executors).Error; err != nil {
		return errors.Wrapf(ErrPersistence, "CreateTaskExecutors failed, err: %v", err)
	}
	return nil
}

func (r *taskRepo) QueryTaskExecutor(ctx context.Context, param *QueryTaskExecutorParams) ([]*TaskExecutorPo, error) {
	if param == nil {
		return nil, errors.New("nil QueryTaskExecutorParams")
	}
	db := r.GetDBWithContext(ctx).Model(&TaskExecutorPo{})
	if len(param.TaskGroupIDIn) != 0 {
		db = db.Where("task_group_id IN ?", param.TaskGroupIDIn)
	}
	if param.UserID != nil {
		db = db.Where("user_id = ?", *param.UserID)
	}
	if !param.IncludeDeleted {
		db = db.Where("is_deleted = ?", false)
	}
	pos := make([]*TaskExecutorPo, 0)
	if err := db.Order("date_created asc").Order("id asc").Find(&pos).Error; err != nil {
		return nil, errors.Wrapf(ErrPersistence, "QueryTaskExecutor failed, err: %v", err)
	}
	return pos, nil
}

// DeleteTaskExecutors 软删除任务组下所有执行人
func (r *taskRepo) DeleteTaskExecutors(ctx context.Context, param *DeleteTaskExecutorParams) error {
	if err := validatorUtil.Struct(param); err != nil {
		return errors.Wrapf(ErrValidation, "DeleteTaskExecutors failed, err: %v", err)
	}
	err := r.GetDBWithContext(ctx).Model(&TaskExecutorPo{}).
		Where("task_group_id = ?", param.TaskGroupID).
		Where("is_deleted = ?", false).
		Updates(map[string]any{
			"is_deleted":   true,
			"version":      gorm.Expr("version + ?", 1),
			"date_updated": time.Now().Unix(),
			"user_updated": param.UserUpdated,
		}).Error
	if err != nil {
		return errors.Wrapf(ErrPersistence, "DeleteTaskExecutors failed, taskGroupID: %s, err: %v", param.TaskGroupID, err)
	}
	return nil
}

func (r *taskRepo) CreateTask(ctx context.Context, task *TaskPo) (*TaskPo, error) {
	if task == nil {
		return nil, errors.New("nil TaskPo")
	}
	if err := r.GetDBWithContext(ctx).Create(task).Error; err != nil {
		return nil, errors.Wrapf(ErrPersistence, "CreateTask failed, err: %v", err)
	}
	return task, nil
}

func buildQueryTaskParams(db *gorm.DB, isCount bool, param *QueryTaskParams) (*gorm.DB, error) {
	if param == nil {
		return nil, errors.New("nil QueryTaskParams")
	}
	if param.TaskID != nil {
		db = db.Where("id = ?", *param.TaskID)
	}
	if param.EntityType != nil {
		db = db.Where("entity_type = ?", *param.EntityType)
	}
	if param.EntityID != nil {
		db = db.Where("entity_id = ?", *param.EntityID)
	}
	if len(param.StatusIn) != 0 {
		db = db.Where("status IN ?", param.StatusIn)
	}
	if param.TaskGroupID != nil {
		db = db.Where("task_group_id = ?", *param.TaskGroupID)
	}
	if param.Source != nil {
		db = db.Where("source = ?", *param.Source)
	}
	if param.BusinessEvent != nil {
		db = db.Where("business_event = ?", *param.BusinessEvent)
	}
	if !param.IncludeDeleted {
		db = db.Where("is_deleted = ?", false)
	}
	if !isCount {
		if param.OrderbyAsc != nil && !*param.OrderbyAsc {
			db = db.Order("date_created desc").Order("id desc")
		} else {
			db = db.Order("date_created asc").Order("id asc")
		}
		db = applyPager(db, param.Page)
	}
	return db, nil
}

func (r *taskRepo) QueryTask(ctx context.Context, param *QueryTaskParams) ([]*TaskPo, error) {
	db, err := buildQueryTaskParams(r.GetDBWithContext(ctx).Model(&TaskPo{}), false, param)
	if err != nil {
		return nil, errors.WithMessage(err, "buildQueryTaskParams failed")
	}
	pos := make([]*TaskPo, 0)
	if err := db.Find(&pos).Error; err != nil {
		return nil, errors.Wrapf(ErrPersistence, "QueryTask failed, err: %v", err)
	}
	return pos, nil
}

func (r *taskRepo) CountTask(ctx context.Context, param *QueryTaskParams) (int64, error) {
	db, err := buildQueryTaskParams(r.GetDBWithContext(ctx).Model(&TaskPo{}), true, param)
	if err != nil {
		return 0, errors.WithMessage(err, "buildQueryTaskParams failed")
	}
	var count int64
	if err := db.Count(&count).Error; err != nil {
		return 0, errors.Wrapf(ErrPersistence, "CountTask failed, err: %v", err)
	}
	return count, nil
}

func buildUpdateTaskFields(fields *UpdateTaskField) map[string]any {
	updateFields := make(map[string]any)
	if fields.Source != nil {
		updateFields["source"] = *fields.Source
	}
	if fields.Status != nil {
		updateFields["status"] = *fields.Status
	}
	if fields.ExecutorActionEvent != nil {
		updateFields["executor_action_event"] = *fields.ExecutorActionEvent
	}
	if fields.BusinessEvent != nil {
		updateFields["business_event"] = *fields.BusinessEvent
	}
	if fields.BusinessStatus != nil {
		updateFields["business_status"] = fields.BusinessStatus
	}
	if fields.Data != nil {
		updateFields["data"] = fields.Data
	}
	if fields.JSONExt != nil {
		updateFields["json_ext"] = fields.JSONExt
	}
	if fields.TaskGroupID != nil {
		updateFields["task_group_id"] = *fields.TaskGroupID
	}
	if fields.IsDeleted != nil {
		updateFields["is_deleted"] = *fields.IsDeleted
	}
	return updateFields
}

func (r *taskRepo) UpdateTask(ctx context.Context, param *UpdateTaskParams) error {
	if err := validatorUtil.Struct(param); err != nil {
		return errors.Wrapf(ErrValidation, "UpdateTask failed, err: %v", err)
	}
	return r.updateWithVersion(ctx, &TaskPo{}, param.Where, buildUpdateTaskFields(param.Fields), param.UserUpdated)
}

type contextKey string

const (
	transactionContextKey contextKey = "transaction"
)

func (r *taskRepo) GetDBWithContext(ctx context.Context) *gorm.DB {
	tx, ok := ctx.Value(transactionContextKey).(*gorm.DB)
	if !ok {
		// 没有事务，直接返回db即可
		return r.db.WithContext(ctx)
	}
	return tx
}

func (r *taskRepo) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(transactionContextKey).(*gorm.DB); ok {
		return fn(ctx)
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, transactionContextKey, tx))
	})
}
