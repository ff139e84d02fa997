package workflow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// NewLocalWorkflowLock 进程内的锁，单实例部署或者测试使用
func NewLocalWorkflowLock() WorkflowLock {
	return &localWorkflowLock{
		locks: make(map[string]*localLockInfo),
	}
}

type localWorkflowLock struct {
	mu    sync.Mutex
	locks map[string]*localLockInfo
}

type localLockInfo struct {
	value    string    // 锁的值，用于验证是否是同一个持有者
	expireAt time.Time // 过期之后可以被别人抢占
}

func (l *localWorkflowLock) NonBlockingSynchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, f func(context.Context) error) error {
	if _, ok := heldLockValue(ctx, key); ok {
		// 已经持有锁，可重入，直接执行
		return f(ctx)
	}
	value := randomLockValue()
	if !l.tryAcquire(key, value, maxLockTimeDuration) {
		return errors.WithMessagef(ErrLockFailed, "[localWorkflowLock.NonBlockingSynchronized] %s has been locked", key)
	}
	defer l.release(key, value)
	return f(withHeldLock(ctx, key, value))
}

func (l *localWorkflowLock) tryAcquire(key, value string, ttl time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if info, ok := l.locks[key]; ok && now.Before(info.expireAt) {
		return false
	}
	l.locks[key] = &localLockInfo{value: value, expireAt: now.Add(ttl)}
	return true
}

func (l *localWorkflowLock) release(key, value string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	info, ok := l.locks[key]
	if !ok {
		return
	}
	if info.value != value {
		// 超时之后被别人抢走了
		slog.Warn("[localWorkflowLock.release] lock expired and taken by others", "key", key)
		return
	}
	delete(l.locks, key)
}
