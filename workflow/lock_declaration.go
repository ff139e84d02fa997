package workflow

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrLockFailed = errors.New("lock failed")
)

type WorkflowLock interface {
	// NonBlockingSynchronized
	//  @Description:  1.非阻塞同步块,如果没有拿到锁，立刻返回 ErrLockFailed
	//                 2.可以重入锁，同一个 ctx 链路上重复加锁直接执行
	//  @param ctx 原来的ctx
	//  @param key 锁的key
	//  @param maxLockTimeDuration 锁最大的时间，超过之后别人可以抢到锁
	//  @param f 具体执行函数的闭包
	//  @return error
	NonBlockingSynchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, f func(context.Context) error) error
}

type lockKey string

func heldLockValue(ctx context.Context, key string) (string, bool) {
	value, ok := ctx.Value(lockKey(key)).(string)
	return value, ok
}

func withHeldLock(ctx context.Context, key, value string) context.Context {
	return context.WithValue(ctx, lockKey(key), value)
}

func randomLockValue() string {
	return fmt.Sprintf("%d_%d", rand.Int63(), time.Now().UnixNano())
}

// instanceOpLockKey 同一个实例的操作串行
func instanceOpLockKey(instanceID int64) string {
	return fmt.Sprintf("workflow_instance_op_%d", instanceID)
}

// businessOpLockKey 同一个业务对象的发起串行
func businessOpLockKey(businessType string, businessID int64) string {
	return fmt.Sprintf("workflow_business_%s_%d", businessType, businessID)
}
