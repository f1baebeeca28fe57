package reservation

import (
	"context"
	"errors"
)

// ============================================================================
// 预留额度跟踪器
// ============================================================================
//
// check 阶段先按悲观估价占住额度，结算或释放时再清掉。
// 预留只活在缓存里，不落库：带 TTL，超时未结算视同从未发生，
// 静默回收，不会留下任何账务影响。
//
// 【关键点】准入判断必须原子执行
//
// 准入条件是 可用余额 - 该用户全部未过期预留 >= 本次申请额度。
// 如果"读当前预留总和"和"写入新预留"是两次独立调用，
// 两个并发请求会读到同一份旧总和，双双通过检查，同一笔钱被占两次。
// Redis 实现用单个 Lua 脚本完成 清理过期 -> 求和 -> 判断 -> 写入，
// 过期清理也在同一步里做，求和永远不含僵尸条目。
//
// ============================================================================

var (
	// ErrInsufficientFunds 可用额度不足，预留被拒
	ErrInsufficientFunds = errors.New("可用额度不足")
	// ErrCacheUnavailable 缓存不可达，调用方按 fail-open 策略降级
	ErrCacheUnavailable = errors.New("预留缓存不可用")
)

// KeyPrefix 预留数据在 Redis 里的键前缀，每个用户一个 hash
const KeyPrefix = "meter:resv:"

// Tracker 预留额度跟踪器
type Tracker interface {
	// Reserve 原子准入：可用余额扣除未过期预留后足够则占住，否则返回 ErrInsufficientFunds。
	// 同一 (userID, requestID) 重复预留直接成功，不会重复占款。
	Reserve(ctx context.Context, userID int64, requestID string, amount, available int64) error

	// Clear 清除预留。幂等：预留不存在（已清除或已过期）不算错误。
	Clear(ctx context.Context, userID int64, requestID string) error

	// SumOpen 该用户当前未过期预留占用的额度总和
	SumOpen(ctx context.Context, userID int64) (int64, error)
}

// Expired 被清理的过期预留，后台任务据此发出过期信号
type Expired struct {
	RequestID string
	Credits   int64
}
