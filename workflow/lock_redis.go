package workflow

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	delCommand = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`
	defaultRedisLockPrefix = "approval:lock:"
)

type RedisLockOption func(*redisWorkflowLock)

// WithRedisKeyPrefix 多个系统共用一个 redis 的时候区分key
func WithRedisKeyPrefix(prefix string) RedisLockOption {
	return func(l *redisWorkflowLock) {
		l.prefix = prefix
	}
}

// NewRedisWorkflowLock 分布式锁，多进程部署使用
func NewRedisWorkflowLock(redisClient redis.Cmdable, opts ...RedisLockOption) WorkflowLock {
	l := &redisWorkflowLock{redisClient: redisClient, prefix: defaultRedisLockPrefix}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

type redisWorkflowLock struct {
	redisClient redis.Cmdable
	prefix      string
}

func (d *redisWorkflowLock) NonBlockingSynchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, f func(ctx context.Context) error) error {
	if _, ok := heldLockValue(ctx, key); ok {
		// 之前成功上锁了,继续执行即可
		return f(ctx)
	}
	value := randomLockValue()
	redisKey := d.prefix + key
	isLock, err := d.redisClient.SetNX(ctx, redisKey, value, maxLockTimeDuration).Result()
	if err != nil {
		return errors.WithMessagef(ErrLockFailed, "[redisWorkflowLock.NonBlockingSynchronized] %s, err: %v", redisKey, err)
	}
	if !isLock {
		return errors.WithMessagef(ErrLockFailed, "[redisWorkflowLock.NonBlockingSynchronized] %s has been locked", redisKey)
	}
	defer d.releaseKey(redisKey, value)
	return f(withHeldLock(ctx, key, value))
}

func (d *redisWorkflowLock) releaseKey(key string, value string) {
	// 释放锁, 因为context 可能会被cancel，确保释放锁需要新开一个context,不能用原来的
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	reply, err := d.redisClient.Eval(ctx, delCommand, []string{key}, value).Int64()
	if err != nil {
		slog.Error("[redisWorkflowLock.releaseKey] release key failed", "key", key, "err", err)
		return
	}
	if reply != 1 {
		// 锁已经过期，可能被别人拿走了
		slog.Warn("[redisWorkflowLock.releaseKey] lock not released", "key", key, "reply", reply)
	}
}
