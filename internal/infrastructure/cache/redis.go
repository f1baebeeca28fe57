package cache

import (
	"context"
	"fmt"
	"log"
	"time"

	"creditmeter/internal/config"

	"github.com/go-redis/redis/v8"
)

var RedisClient *redis.Client

// InitRedis 初始化 Redis 连接
//
// 同一个客户端承担三类计量数据：预留跟踪 hash（meter:resv:*）、
// 结算锁（meter:lock:*）和余额快照（meter:balance:*）。
// 运行期不可用由各调用方自行降级（fail-open / 继续结算 / 回源数据库），
// 启动时连不上则直接退出。
func InitRedis(cfg *config.RedisConfig) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		log.Fatalf("连接 Redis 失败: %v", err)
	}

	RedisClient = client
	log.Println("Redis 连接成功")
	return client
}
