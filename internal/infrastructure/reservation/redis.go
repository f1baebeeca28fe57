package reservation

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisTracker Redis 实现
//
// 每个用户一个 hash：field = request_id，value = "额度|过期时间戳"。
// 准入、求和、过期清理都在 Lua 脚本里单步完成。
type RedisTracker struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time // 测试可替换时钟
}

var _ Tracker = (*RedisTracker)(nil)

func NewRedisTracker(client *redis.Client, ttl time.Duration) *RedisTracker {
	return &RedisTracker{
		client: client,
		ttl:    ttl,
		now:    time.Now,
	}
}

func (t *RedisTracker) key(userID int64) string {
	return fmt.Sprintf("%s%d", KeyPrefix, userID)
}

// reserveScript 原子准入脚本
//
// KEYS[1] = 用户预留 hash
// ARGV[1] = request_id
// ARGV[2] = 申请额度
// ARGV[3] = 可用余额
// ARGV[4] = 当前时间戳（秒）
// ARGV[5] = 本次预留的过期时间戳
// ARGV[6] = hash 整体 TTL（秒）
//
// 返回：1 准入，0 额度不足，2 同 request_id 已预留（视同准入，不重复占款）
const reserveScript = `
local key = KEYS[1]
local request_id = ARGV[1]
local amount = tonumber(ARGV[2])
local available = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local expires_at = ARGV[5]
local ttl = tonumber(ARGV[6])

local open = 0
local fields = redis.call("HGETALL", key)
for i = 1, #fields, 2 do
	local sep = string.find(fields[i+1], "|", 1, true)
	local amt = tonumber(string.sub(fields[i+1], 1, sep-1))
	local exp = tonumber(string.sub(fields[i+1], sep+1))
	if exp <= now then
		redis.call("HDEL", key, fields[i])
	elseif fields[i] == request_id then
		return 2
	else
		open = open + amt
	end
end

if available - open < amount then
	return 0
end

redis.call("HSET", key, request_id, amount .. "|" .. expires_at)
redis.call("EXPIRE", key, ttl)
return 1
`

// sumOpenScript 清理过期条目并返回未过期预留总和
const sumOpenScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])

local open = 0
local fields = redis.call("HGETALL", key)
for i = 1, #fields, 2 do
	local sep = string.find(fields[i+1], "|", 1, true)
	local amt = tonumber(string.sub(fields[i+1], 1, sep-1))
	local exp = tonumber(string.sub(fields[i+1], sep+1))
	if exp <= now then
		redis.call("HDEL", key, fields[i])
	else
		open = open + amt
	end
end
return open
`

// purgeScript 清理过期条目并返回被清理的 {request_id, 额度} 扁平列表
const purgeScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])

local purged = {}
local fields = redis.call("HGETALL", key)
for i = 1, #fields, 2 do
	local sep = string.find(fields[i+1], "|", 1, true)
	local amt = string.sub(fields[i+1], 1, sep-1)
	local exp = tonumber(string.sub(fields[i+1], sep+1))
	if exp <= now then
		redis.call("HDEL", key, fields[i])
		purged[#purged+1] = fields[i]
		purged[#purged+1] = amt
	end
end
return purged
`

func (t *RedisTracker) Reserve(ctx context.Context, userID int64, requestID string, amount, available int64) error {
	now := t.now()
	expiresAt := now.Add(t.ttl).Unix()
	// hash 的 TTL 比单条预留的过期时间稍长，清理兜底交给 Redis
	ttlSeconds := int64(t.ttl/time.Second) * 2

	result, err := t.client.Eval(ctx, reserveScript, []string{t.key(userID)},
		requestID,
		amount,
		available,
		now.Unix(),
		strconv.FormatInt(expiresAt, 10),
		ttlSeconds,
	).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}

	code, _ := result.(int64)
	if code == 0 {
		return ErrInsufficientFunds
	}
	return nil
}

func (t *RedisTracker) Clear(ctx context.Context, userID int64, requestID string) error {
	// HDEL 天然幂等，删除不存在的 field 返回 0 不算错误
	if err := t.client.HDel(ctx, t.key(userID), requestID).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	return nil
}

func (t *RedisTracker) SumOpen(ctx context.Context, userID int64) (int64, error) {
	result, err := t.client.Eval(ctx, sumOpenScript, []string{t.key(userID)}, t.now().Unix()).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	open, _ := result.(int64)
	return open, nil
}

// PurgeExpired 清理某用户的过期预留并返回被清理的条目，后台清扫任务用
func (t *RedisTracker) PurgeExpired(ctx context.Context, userID int64) ([]Expired, error) {
	result, err := t.client.Eval(ctx, purgeScript, []string{t.key(userID)}, t.now().Unix()).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}

	flat, _ := result.([]interface{})
	var purged []Expired
	for i := 0; i+1 < len(flat); i += 2 {
		requestID, _ := flat[i].(string)
		amtStr, _ := flat[i+1].(string)
		credits, _ := strconv.ParseInt(amtStr, 10, 64)
		purged = append(purged, Expired{RequestID: requestID, Credits: credits})
	}
	return purged, nil
}

// ScanUserIDs 扫描一批有预留数据的用户，返回用户ID和下一轮游标
func (t *RedisTracker) ScanUserIDs(ctx context.Context, cursor uint64, count int64) ([]int64, uint64, error) {
	keys, next, err := t.client.Scan(ctx, cursor, KeyPrefix+"*", count).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}

	var userIDs []int64
	for _, key := range keys {
		id, err := strconv.ParseInt(strings.TrimPrefix(key, KeyPrefix), 10, 64)
		if err != nil {
			continue
		}
		userIDs = append(userIDs, id)
	}
	return userIDs, next, nil
}
