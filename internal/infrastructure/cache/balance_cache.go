package cache

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// BalanceCache 余额快照缓存
//
// 纯加速层，不是额度真相来源：任何一次操作失败都只记日志，绝不向调用方报错。
// 快照短暂滞后是允许的，结算后靠 Invalidate 拉回。
type BalanceCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewBalanceCache(client *redis.Client, ttl time.Duration) *BalanceCache {
	return &BalanceCache{client: client, ttl: ttl}
}

func (c *BalanceCache) key(userID int64) string {
	return fmt.Sprintf("meter:balance:%d", userID)
}

// Get 读余额快照，未命中或缓存故障都按未命中处理
func (c *BalanceCache) Get(ctx context.Context, userID int64) (int64, bool) {
	val, err := c.client.Get(ctx, c.key(userID)).Result()
	if err != nil {
		if err != redis.Nil {
			log.Printf("[BalanceCache] 读取快照失败: userID=%d, err=%v", userID, err)
		}
		return 0, false
	}

	balance, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false
	}
	return balance, true
}

// Set 写余额快照，尽力而为
func (c *BalanceCache) Set(ctx context.Context, userID int64, balance int64) {
	if err := c.client.Set(ctx, c.key(userID), strconv.FormatInt(balance, 10), c.ttl).Err(); err != nil {
		log.Printf("[BalanceCache] 写入快照失败: userID=%d, err=%v", userID, err)
	}
}

// Invalidate 结算后清掉旧快照，让下一次读取走数据库
func (c *BalanceCache) Invalidate(ctx context.Context, userID int64) {
	if err := c.client.Del(ctx, c.key(userID)).Err(); err != nil {
		log.Printf("[BalanceCache] 清除快照失败: userID=%d, err=%v", userID, err)
	}
}
