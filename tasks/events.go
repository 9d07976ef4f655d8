package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

type BindType int

const (
	BindBefore BindType = iota
	BindAfter
)

// ServiceEvent 服务操作前后发出的事件
type ServiceEvent struct {
	Name      string
	Principal *Principal
	// Payload 操作的请求参数
	Payload any
	// Result BEFORE事件为nil
	Result *Result
}

// EventHandler 返回错误描述, 不会影响触发事件的操作
type EventHandler func(ctx context.Context, event *ServiceEvent) []string

type eventBinding struct {
	name    string
	handler EventHandler
}

// EventBus 进程内同步事件分发, 按注册顺序执行
type EventBus struct {
	mu       sync.RWMutex
	handlers map[BindType]map[string][]*eventBinding
	// claimed 已经接入的业务服务名
	claimed map[string]struct{}
}

func NewEventBus() *EventBus {
	return &EventBus{
		handlers: map[BindType]map[string][]*eventBinding{
			BindBefore: {},
			BindAfter:  {},
		},
	}
}

// Bind 注册事件处理, handlerName只用来打日志
func (b *EventBus) Bind(eventName string, bindType BindType, handlerName string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	// 零值EventBus也可以直接使用
	if b.handlers == nil {
		b.handlers = make(map[BindType]map[string][]*eventBinding)
	}
	if b.handlers[bindType] == nil {
		b.handlers[bindType] = make(map[string][]*eventBinding)
	}
	b.handlers[bindType][eventName] = append(b.handlers[bindType][eventName], &eventBinding{
		name:    handlerName,
		handler: handler,
	})
}

// Claim 占用一个名字, 已经被占用返回false
func (b *EventBus) Claim(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.claimed == nil {
		b.claimed = make(map[string]struct{})
	}
	if _, ok := b.claimed[name]; ok {
		return false
	}
	b.claimed[name] = struct{}{}
	return true
}

// Emit 执行全部handler, 返回所有handler的错误描述
func (b *EventBus) Emit(ctx context.Context, bindType BindType, event *ServiceEvent) []string {
	if b == nil {
		return nil
	}
	b.mu.RLock()
	bindings := append([]*eventBinding(nil), b.handlers[bindType][event.Name]...)
	b.mu.RUnlock()

	errs := make([]string, 0)
	for _, binding := range bindings {
		errs = append(errs, b.callHandler(ctx, binding, event)...)
	}
	if len(errs) != 0 {
		slog.ErrorContext(ctx, fmt.Sprintf("[EventBus.Emit] event: %s, errors: %v", event.Name, errs))
	}
	return errs
}

func (b *EventBus) callHandler(ctx context.Context, binding *eventBinding, event *ServiceEvent) (errs []string) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, fmt.Sprintf("[EventBus.callHandler] handler %s panic: %v, stack: %s", binding.name, r, string(debug.Stack())))
			errs = []string{fmt.Sprintf("%s: panic: %v", binding.name, r)}
		}
	}()
	return binding.handler(ctx, event)
}
