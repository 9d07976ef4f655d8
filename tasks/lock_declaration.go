package tasks

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

var (
	LockFailedError        = errors.New("lock failed")
	LockFailedTimeOutError = errors.New("wait time out")
)

// lockPollInterval Synchronized 等锁时的重试间隔
const lockPollInterval = 5 * time.Millisecond

type TaskLock interface {
	// NonBlockingSynchronized
	//  @Description:  1.非阻塞同步块,如果没有拿到锁，立刻返回错误
	//                 2.可以重入锁
	//  @param ctx 原来的ctx
	//  @param key 锁的key
	//  @param maxLockTimeDuration 锁最大的时间
	//  @param f 具体执行函数的闭包
	//  @return error
	NonBlockingSynchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, f func(context.Context) error) error
	// Synchronized
	//  @Description:  1.阻塞同步块,拿不到锁会一直重试直到waitTimeout, 超时返回LockFailedTimeOutError
	//                 2.可以重入锁
	//                 3.ctx被取消会立刻返回
	Synchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, waitTimeout time.Duration, f func(context.Context) error) error
}

// waitSynchronized 用非阻塞锁轮询实现阻塞锁
func waitSynchronized(ctx context.Context, lock TaskLock, key string, maxLockTimeDuration time.Duration, waitTimeout time.Duration, f func(context.Context) error) error {
	deadline := time.Now().Add(waitTimeout)
	for {
		entered := false
		err := lock.NonBlockingSynchronized(ctx, key, maxLockTimeDuration, func(ctx context.Context) error {
			entered = true
			return f(ctx)
		})
		// f内部返回的锁错误不重试
		if err == nil || entered || !errors.Is(err, LockFailedError) {
			return err
		}
		if time.Now().After(deadline) {
			return errors.WithMessagef(LockFailedTimeOutError, "[waitSynchronized] key: %s, wait: %s", key, waitTimeout)
		}
		select {
		case <-ctx.Done():
			return errors.WithMessagef(ctx.Err(), "[waitSynchronized] key: %s", key)
		case <-time.After(lockPollInterval):
		}
	}
}
