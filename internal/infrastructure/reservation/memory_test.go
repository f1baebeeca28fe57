package reservation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryReserveAndSum(t *testing.T) {
	tracker := NewMemoryTracker(5 * time.Minute)
	ctx := context.Background()

	require.NoError(t, tracker.Reserve(ctx, 1, "req-1", 48, 20000))
	require.NoError(t, tracker.Reserve(ctx, 1, "req-2", 100, 20000))

	open, err := tracker.SumOpen(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(148), open)

	// 其他用户互不影响
	open, err = tracker.SumOpen(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(0), open)
}

func TestMemoryReserveInsufficient(t *testing.T) {
	tracker := NewMemoryTracker(5 * time.Minute)
	ctx := context.Background()

	require.NoError(t, tracker.Reserve(ctx, 1, "req-1", 60, 100))

	// 可用 100 - 已占 60 = 40，再要 50 必须拒
	err := tracker.Reserve(ctx, 1, "req-2", 50, 100)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	// 40 以内可以过
	assert.NoError(t, tracker.Reserve(ctx, 1, "req-3", 40, 100))
}

func TestMemoryReserveDuplicateRequestID(t *testing.T) {
	tracker := NewMemoryTracker(5 * time.Minute)
	ctx := context.Background()

	require.NoError(t, tracker.Reserve(ctx, 1, "req-1", 60, 100))
	// 同 request_id 重放：成功且不重复占款
	require.NoError(t, tracker.Reserve(ctx, 1, "req-1", 60, 100))

	open, err := tracker.SumOpen(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(60), open)
}

func TestMemoryClearIdempotent(t *testing.T) {
	tracker := NewMemoryTracker(5 * time.Minute)
	ctx := context.Background()

	require.NoError(t, tracker.Reserve(ctx, 1, "req-1", 60, 100))
	require.NoError(t, tracker.Clear(ctx, 1, "req-1"))
	// 再清一次、清不存在的，都不报错
	require.NoError(t, tracker.Clear(ctx, 1, "req-1"))
	require.NoError(t, tracker.Clear(ctx, 1, "never-existed"))

	open, err := tracker.SumOpen(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), open)
}

func TestMemoryTTLExpiry(t *testing.T) {
	tracker := NewMemoryTracker(5 * time.Minute)
	current := time.Now()
	tracker.now = func() time.Time { return current }
	ctx := context.Background()

	require.NoError(t, tracker.Reserve(ctx, 1, "req-1", 60, 100))

	// TTL 内照常计入
	open, err := tracker.SumOpen(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(60), open)

	// 过了 TTL 静默回收，不再占用额度
	current = current.Add(6 * time.Minute)
	open, err = tracker.SumOpen(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), open)

	// 回收后同一笔钱可以再被预留
	assert.NoError(t, tracker.Reserve(ctx, 1, "req-2", 100, 100))
}

func TestMemoryPurgeExpired(t *testing.T) {
	tracker := NewMemoryTracker(5 * time.Minute)
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

	open, err := tracker.SumOpen(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(40), open)
}
