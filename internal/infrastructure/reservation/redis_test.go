package reservation

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisTracker(t *testing.T) (*RedisTracker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisTracker(client, 5*time.Minute), mr
}

func TestRedisReserveAndSum(t *testing.T) {
	tracker, _ := newRedisTracker(t)
	ctx := context.Background()

	require.NoError(t, tracker.Reserve(ctx, 1, "req-1", 48, 20000))
	require.NoError(t, tracker.Reserve(ctx, 1, "req-2", 100, 20000))

	open, err := tracker.SumOpen(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(148), open)
}

func TestRedisReserveInsufficient(t *testing.T) {
	tracker, _ := newRedisTracker(t)
	ctx := context.Background()

	require.NoError(t, tracker.Reserve(ctx, 1, "req-1", 60, 100))

	err := tracker.Reserve(ctx, 1, "req-2", 50, 100)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	assert.NoError(t, tracker.Reserve(ctx, 1, "req-3", 40, 100))
}

func TestRedisReserveDuplicateRequestID(t *testing.T) {
	tracker, _ := newRedisTracker(t)
	ctx := context.Background()

	require.NoError(t, tracker.Reserve(ctx, 1, "req-1", 60, 100))
	require.NoError(t, tracker.Reserve(ctx, 1, "req-1", 60, 100))

	open, err := tracker.SumOpen(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(60), open)
}

func TestRedisClearIdempotent(t *testing.T) {
	tracker, _ := newRedisTracker(t)
	ctx := context.Background()

	require.NoError(t, tracker.Reserve(ctx, 1, "req-1", 60, 100))
	require.NoError(t, tracker.Clear(ctx, 1, "req-1"))
	require.NoError(t, tracker.Clear(ctx, 1, "req-1"))
	require.NoError(t, tracker.Clear(ctx, 1, "never-existed"))

	open, err := tracker.SumOpen(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), open)
}

func TestRedisTTLExpiry(t *testing.T) {
	tracker, _ := newRedisTracker(t)
	current := time.Now()
	tracker.now = func() time.Time { return current }
	ctx := context.Background()

	require.NoError(t, tracker.Reserve(ctx, 1, "req-1", 60, 100))

	current = current.Add(6 * time.Minute)
	open, err := tracker.SumOpen(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), open)

	// 过期条目已清理，同一笔钱可以再被预留
	assert.NoError(t, tracker.Reserve(ctx, 1, "req-2", 100, 100))
}

func TestRedisPurgeExpired(t *testing.T) {
	tracker, _ := newRedisTracker(t)
	current := time.Now()
	tracker.now = func() time.Time { return current }
	ctx := context.Background()

	require.NoError(t, tracker.Reserve(ctx, 1, "req-old", 60, 1000))
	current = current.Add(3 * time.Minute)
	require.NoError(t, tracker.Reserve(ctx, 1, "req-new", 40, 1000))

	current = current.Add(3 * time.Minute)
	purged, err := tracker.PurgeExpired(ctx, 1)
	require.NoError(t, err)
	require.Len(t, purged, 1)
	assert.Equal(t, "req-old", purged[0].RequestID)
	assert.Equal(t, int64(60), purged[0].Credits)
}

func TestRedisScanUserIDs(t *testing.T) {
	tracker, _ := newRedisTracker(t)
	ctx := context.Background()

	require.NoError(t, tracker.Reserve(ctx, 7, "req-1", 10, 100))
	require.NoError(t, tracker.Reserve(ctx, 8, "req-2", 10, 100))

	seen := map[int64]bool{}
	var cursor uint64
	for {
		ids, next, err := tracker.ScanUserIDs(ctx, cursor, 100)
		require.NoError(t, err)
		for _, id := range ids {
			seen[id] = true
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	assert.True(t, seen[7])
	assert.True(t, seen[8])
}

func TestRedisCacheUnavailable(t *testing.T) {
	tracker, mr := newRedisTracker(t)
	ctx := context.Background()

	// 缓存挂了必须报 ErrCacheUnavailable，调用方据此 fail-open
	mr.Close()

	err := tracker.Reserve(ctx, 1, "req-1", 60, 100)
	assert.ErrorIs(t, err, ErrCacheUnavailable)

	_, err = tracker.SumOpen(ctx, 1)
	assert.ErrorIs(t, err, ErrCacheUnavailable)
}
