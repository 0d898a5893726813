package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ============================================================================
// 分布式锁
// ============================================================================
//
// 同一账户的并发消费先在 redis 上排队，减少数据库行锁的争用。
// 锁只是削峰手段：即使 redis 不可用或锁过期，条件扣减
// (purchased_credits >= cost) 仍然保证余额不会变成负数。
//
// 加锁：SET key value NX PX ttl
//   - value 是持有者标识，释放时校验，防止误删别人的锁
//   - ttl 防止持有者崩溃后死锁
//
// 释放：Lua 脚本保证"比较 + 删除"的原子性
// ============================================================================

var (
	ErrLockFailed = errors.New("获取分布式锁失败")
)

const unlockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

// DistributedLock 单个 key 上的锁
type DistributedLock struct {
	client     *redis.Client
	key        string
	value      string
	expiration time.Duration
}

func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock 非阻塞获取
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
}

// Lock 阻塞获取，最多重试 maxRetries 次
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		success, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if success {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	return ErrLockFailed
}

// Unlock 只删除自己持有的锁；锁已过期被别人拿走时什么都不做
func (l *DistributedLock) Unlock(ctx context.Context) error {
	return l.client.Eval(ctx, unlockScript, []string{l.key}, l.value).Err()
}

// ============================================================================
// 账户维度的锁
// ============================================================================

// Locker 按账户加锁，返回释放函数
type Locker interface {
	LockAccount(ctx context.Context, accountID, owner string) (release func(context.Context) error, err error)
}

const retryInterval = 50 * time.Millisecond

// AccountLocker 基于 redis 的账户锁
// 不同账户之间互不影响，同一账户的消费请求串行
type AccountLocker struct {
	client *redis.Client
	ttl    time.Duration
	wait   time.Duration
}

func NewAccountLocker(client *redis.Client, ttl, wait time.Duration) *AccountLocker {
	return &AccountLocker{client: client, ttl: ttl, wait: wait}
}

func AccountLockKey(accountID string) string {
	return fmt.Sprintf("credit:lock:account:%s", accountID)
}

func (a *AccountLocker) LockAccount(ctx context.Context, accountID, owner string) (func(context.Context) error, error) {
	l := NewDistributedLock(a.client, AccountLockKey(accountID), owner, a.ttl)

	retries := int(a.wait / retryInterval)
	if retries < 1 {
		retries = 1
	}
	if err := l.Lock(ctx, retryInterval, retries); err != nil {
		return nil, err
	}
	return l.Unlock, nil
}

// NopLocker 未启用 redis 时使用，完全依赖数据库行锁
type NopLocker struct{}

func (NopLocker) LockAccount(context.Context, string, string) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}
