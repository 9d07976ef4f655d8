package tasks

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Principal 调用方身份
type Principal struct {
	ID        string `json:"id"`
	LoginName string `json:"login_name"`
}

// Authorizer 外部的权限判断
type Authorizer interface {
	HasPermission(ctx context.Context, principal *Principal, permissionKeys []string) bool
}

// checkAuthentication 匿名用户或者没有权限都返回ErrAuthentication
func checkAuthentication(ctx context.Context, authorizer Authorizer, principal *Principal, permissionKeys []string) error {
	if principal == nil || principal.ID == "" {
		return errors.WithMessage(ErrAuthentication, "anonymous principal")
	}
	if authorizer == nil || !authorizer.HasPermission(ctx, principal, permissionKeys) {
		return errors.WithMessagef(ErrAuthentication, "principal %s has no permission %v", principal.ID, permissionKeys)
	}
	return nil
}

// StaticAuthorizer 用户id -> 权限列表, 需要拥有全部permissionKeys
type StaticAuthorizer struct {
	mu    sync.RWMutex
	perms map[string]map[string]struct{}
}

func NewStaticAuthorizer(perms map[string][]string) *StaticAuthorizer {
	a := &StaticAuthorizer{perms: make(map[string]map[string]struct{})}
	for userID, keys := range perms {
		a.Grant(userID, keys...)
	}
	return a
}

func (a *StaticAuthorizer) Grant(userID string, permissionKeys ...string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.perms[userID]; !ok {
		a.perms[userID] = make(map[string]struct{})
	}
	for _, key := range permissionKeys {
		a.perms[userID][key] = struct{}{}
	}
}

func (a *StaticAuthorizer) HasPermission(ctx context.Context, principal *Principal, permissionKeys []string) bool {
	if principal == nil {
		return false
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	granted, ok := a.perms[principal.ID]
	if !ok {
		return false
	}
	for _, key := range permissionKeys {
		if _, ok := granted[key]; !ok {
			return false
		}
	}
	return true
}

// UserResolver 外部用户查询, 校验执行人和完成任务后找回操作人
type UserResolver interface {
	GetUser(ctx context.Context, userID string) (*Principal, error)
}

type StaticUserResolver struct {
	mu    sync.RWMutex
	users map[string]*Principal
}

func NewStaticUserResolver(users ...*Principal) *StaticUserResolver {
	r := &StaticUserResolver{users: make(map[string]*Principal)}
	for _, u := range users {
		r.Add(u)
	}
	return r
}

func (r *StaticUserResolver) Add(user *Principal) {
	if user == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[user.ID] = user
}

func (r *StaticUserResolver) GetUser(ctx context.Context, userID string) (*Principal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	user, ok := r.users[userID]
	if !ok {
		return nil, errors.WithMessagef(ErrValidation, "user %s not found", userID)
	}
	return user, nil
}

// LoginNameOrID 审计字段使用的用户名
func (p *Principal) LoginNameOrID() string {
	if p == nil {
		return ""
	}
	if p.LoginName != "" {
		return p.LoginName
	}
	return p.ID
}
