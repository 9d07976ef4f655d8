package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

type lockKey string

const (
	delCommand = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`
)

func NewRedisTaskLock(redisClient redis.Cmdable) TaskLock {
	return &redisTaskLock{redisClient: redisClient}
}

type redisTaskLock struct {
	redisClient redis.Cmdable
}

func (d *redisTaskLock) NonBlockingSynchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, f func(ctx2 context.Context) error) error {
	if _, ok := ctx.Value(lockKey(key)).(string); ok {
		// 之前成功上锁了,继续执行即可
		return f(ctx)
	}
	value := d.getRandomValue()
	isLock, err := d.redisClient.SetNX(ctx, key, value, maxLockTimeDuration).Result()
	if err != nil {
		return errors.WithMessagef(LockFailedError, "[redisTaskLock.NonBlockingSynchronized] key: %s, err: %v", key, err)
	}
	if !isLock {
		return errors.WithMessagef(LockFailedError, "[redisTaskLock.NonBlockingSynchronized] key: %s has been locked", key)
	}
	withKeyCtx := context.WithValue(ctx, lockKey(key), value)
	defer d.releaseKey(key, value)
	return f(withKeyCtx)
}

func (d *redisTaskLock) Synchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, waitTimeout time.Duration, f func(context.Context) error) error {
	return waitSynchronized(ctx, d, key, maxLockTimeDuration, waitTimeout, f)
}

func (d *redisTaskLock) getRandomValue() string {
	return fmt.Sprintf("%d_%d", rand.Int(), time.Now().UnixNano())
}

func (d *redisTaskLock) releaseKey(key string, value string) {
	// 释放锁, 因为context 可能会被cancel，确保释放锁需要新开一个context,不能用原来的
	replyInterface, err := d.redisClient.Eval(context.Background(), delCommand, []string{key}, value).Result()
	if err != nil {
		slog.Error(fmt.Sprintf("[redisTaskLock.releaseKey] release key failed, key: %s, err: %v", key, err))
		return
	}
	reply, ok := replyInterface.(int64)
	if !ok {
		slog.Error(fmt.Sprintf("[redisTaskLock.releaseKey] reply is not int64, reply: %v", replyInterface))
		return
	}
	if reply != 1 {
		// 锁已经过期了, 被别人拿走或者已经删除
		slog.Warn(fmt.Sprintf("[redisTaskLock.releaseKey] reply is not 1, key: %s, reply: %v", key, reply))
	}
}
