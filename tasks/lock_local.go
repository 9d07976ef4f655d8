package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
)

func NewLocalTaskLock() TaskLock {
	return &localTaskLock{
		locks: &sync.Map{},
	}
}

type localTaskLock struct {
	locks     *sync.Map // key -> *localLockInfo
	releaseMu sync.Mutex
}

type localLockInfo struct {
	mu       sync.Mutex
	value    string      // 锁的值，用于验证是否是同一个持有者
	expireAt time.Time   // 过期时间
	timer    *time.Timer // 超时定时器
}

// NonBlockingSynchronized 非阻塞同步执行
func (l *localTaskLock) NonBlockingSynchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, f func(context.Context) error) error {
	if _, ok := ctx.Value(lockKey(key)).(string); ok {
		// 已经持有锁，可重入，直接执行
		return f(ctx)
	}

	value := l.getRandomValue()
	lockInfo, _ := l.locks.LoadOrStore(key, &localLockInfo{})
	info := lockInfo.(*localLockInfo)

	if !info.mu.TryLock() {
		return errors.WithMessagef(LockFailedError, "[localTaskLock.NonBlockingSynchronized] key: %s has been locked", key)
	}
	if current, ok := l.locks.Load(key); !ok || current != lockInfo {
		// 拿到的是已经释放并移除的旧锁
		info.mu.Unlock()
		return errors.WithMessagef(LockFailedError, "[localTaskLock.NonBlockingSynchronized] key: %s has been released by another holder", key)
	}

	l.releaseMu.Lock()
	info.value = value
	info.expireAt = time.Now().Add(maxLockTimeDuration)
	// 超时自动释放, 防止f一直不返回
	info.timer = time.AfterFunc(maxLockTimeDuration, func() {
		l.releaseKey(key, value)
	})
	l.releaseMu.Unlock()

	withKeyCtx := context.WithValue(ctx, lockKey(key), value)
	defer l.releaseKey(key, value)
	return f(withKeyCtx)
}

func (l *localTaskLock) Synchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, waitTimeout time.Duration, f func(context.Context) error) error {
	return waitSynchronized(ctx, l, key, maxLockTimeDuration, waitTimeout, f)
}

func (l *localTaskLock) getRandomValue() string {
	return fmt.Sprintf("%d_%d", rand.Int(), time.Now().UnixNano())
}

// releaseKey 释放锁
func (l *localTaskLock) releaseKey(key string, value string) {
	// 超时定时器和defer可能同时释放
	l.releaseMu.Lock()
	defer l.releaseMu.Unlock()
	lockInfo, ok := l.locks.Load(key)
	if !ok {
		return
	}
	info := lockInfo.(*localLockInfo)
	if info.value != value {
		// 超时已经释放过了, 锁可能被别人拿走
		slog.Debug(fmt.Sprintf("[localTaskLock.releaseKey] value mismatch, expected: %s, got: %s", info.value, value))
		return
	}
	info.value = ""
	if info.timer != nil {
		info.timer.Stop()
	}
	l.locks.Delete(key)
	info.mu.Unlock()
}
