package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ============================================================================
// 分布式锁实现
// ============================================================================
//
// 场景：同一用户带同一个 request_id 的结算请求被网络重放成两笔并发请求。
// 幂等流水的唯一键是最终兜底，但两个请求同时通过"查无流水"的检查后，
// 一个会在事务提交时撞唯一键回滚重来。按用户加锁把这个窗口直接关掉，
// 正常路径不产生无谓的回滚。
//
// 加锁：SET key value NX EX timeout
//   - NX 保证互斥，EX 防止持有者崩溃后死锁
//   - value 记录持有者，释放时校验，避免误删别人的锁
// 释放：Lua 脚本保证"校验+删除"原子执行
//
// ============================================================================

var (
	ErrLockFailed = errors.New("获取分布式锁失败")
)

// DistributedLock 分布式锁
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

// TryLock 尝试获取锁（非阻塞）
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	success, err := l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
	if err != nil {
		return false, err
	}
	return success, nil
}

// Lock 阻塞式获取锁（带重试）
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

// Unlock 释放锁
//
// 先校验 value 再删除：若锁已超时被别人接管，不能删掉接管者的锁
func (l *DistributedLock) Unlock(ctx context.Context) error {
	script := `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`
	_, err := l.client.Eval(ctx, script, []string{l.key}, l.value).Result()
	return err
}

// ============================================================================
// 便捷函数：按用户维度的业务锁
// ============================================================================

// NewSettleLock 结算锁（按用户维度）
//
// 不同用户可以并发结算，同一用户的结算和释放在同一把锁上串行化：
// 并发重放不在唯一键上空转，同一笔预留也不可能既结算又释放
func NewSettleLock(client *redis.Client, userID int64, requestID string) *DistributedLock {
	key := fmt.Sprintf("meter:lock:settle:%d", userID)
	// value 使用 requestID，便于追踪是哪个请求持有锁
	return NewDistributedLock(client, key, requestID, 30*time.Second)
}

// NewGrantLock 管理员发放锁（按用户维度）
func NewGrantLock(client *redis.Client, userID int64, adminID string) *DistributedLock {
	key := fmt.Sprintf("meter:lock:grant:%d", userID)
	return NewDistributedLock(client, key, adminID, 30*time.Second)
}
