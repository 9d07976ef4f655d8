package tasks

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// EntityResolver 根据类型+id查询任意业务实体
type EntityResolver interface {
	// Resolve 返回实体当前的字段值, 不存在返回ErrEntityNotFound
	Resolve(ctx context.Context, entityType string, entityID string) (map[string]any, error)
}

// GormEntityResolver 从数据库表里查询实体, entityType -> 表名
type GormEntityResolver struct {
	db     *gorm.DB
	tables map[string]string
}

func NewGormEntityResolver(db *gorm.DB, tables map[string]string) *GormEntityResolver {
	return &GormEntityResolver{db: db, tables: tables}
}

func (r *GormEntityResolver) Resolve(ctx context.Context, entityType string, entityID string) (map[string]any, error) {
	table, ok := r.tables[entityType]
	if !ok {
		return nil, errors.WithMessagef(ErrEntityNotFound, "unknown entity type: %s", entityType)
	}
	rows := make([]map[string]any, 0)
	if err := r.db.WithContext(ctx).Table(table).Where("id = ?", entityID).Limit(1).Find(&rows).Error; err != nil {
		return nil, errors.Wrapf(ErrPersistence, "resolve entity failed, type: %s, id: %s, err: %v", entityType, entityID, err)
	}
	if len(rows) == 0 {
		return nil, errors.WithMessagef(ErrEntityNotFound, "entity %s %s not found", entityType, entityID)
	}
	return rows[0], nil
}

// MemoryEntityResolver 内存实现, 测试和示例使用
type MemoryEntityResolver struct {
	mu       sync.RWMutex
	entities map[string]map[string]any
}

func NewMemoryEntityResolver() *MemoryEntityResolver {
	return &MemoryEntityResolver{entities: make(map[string]map[string]any)}
}

func (r *MemoryEntityResolver) Put(entityType string, entityID string, fields map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entities[memoryEntityKey(entityType, entityID)] = fields
}

func (r *MemoryEntityResolver) Remove(entityType string, entityID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entities, memoryEntityKey(entityType, entityID))
}

func (r *MemoryEntityResolver) Resolve(ctx context.Context, entityType string, entityID string) (map[string]any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fields, ok := r.entities[memoryEntityKey(entityType, entityID)]
	if !ok {
		return nil, errors.WithMessagef(ErrEntityNotFound, "entity %s %s not found", entityType, entityID)
	}
	ret := make(map[string]any, len(fields))
	for k, v := range fields {
		ret[k] = v
	}
	return ret, nil
}

func memoryEntityKey(entityType string, entityID string) string {
	return fmt.Sprintf("%s:%s", entityType, entityID)
}
