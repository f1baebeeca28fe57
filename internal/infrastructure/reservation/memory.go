package reservation

import (
	"context"
	"sync"
	"time"
)

// MemoryTracker 进程内实现，语义与 Redis 实现一致
// 单实例部署和单元测试用，不提供跨实例的准入保护
type MemoryTracker struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[int64]map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	credits   int64
	expiresAt time.Time
}

var _ Tracker = (*MemoryTracker)(nil)

func NewMemoryTracker(ttl time.Duration) *MemoryTracker {
	return &MemoryTracker{
		ttl:     ttl,
		entries: make(map[int64]map[string]memoryEntry),
		now:     time.Now,
	}
}

func (t *MemoryTracker) Reserve(_ context.Context, userID int64, requestID string, amount, available int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	open := t.purgeAndSumLocked(userID, now)

	user := t.entries[userID]
	if user != nil {
		if _, ok := user[requestID]; ok {
			// 同 request_id 重复预留，不重复占款
			return nil
		}
	}

	if available-open < amount {
		return ErrInsufficientFunds
	}

	if user == nil {
		user = make(map[string]memoryEntry)
		t.entries[userID] = user
	}
	user[requestID] = memoryEntry{credits: amount, expiresAt: now.Add(t.ttl)}
	return nil
}

func (t *MemoryTracker) Clear(_ context.Context, userID int64, requestID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if user, ok := t.entries[userID]; ok {
		delete(user, requestID)
	}
	return nil
}

func (t *MemoryTracker) SumOpen(_ context.Context, userID int64) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.purgeAndSumLocked(userID, t.now()), nil
}

// PurgeExpired 清理某用户的过期预留并返回被清理的条目
func (t *MemoryTracker) PurgeExpired(_ context.Context, userID int64) ([]Expired, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var purged []Expired
	for requestID, entry := range t.entries[userID] {
		if !entry.expiresAt.After(now) {
			purged = append(purged, Expired{RequestID: requestID, Credits: entry.credits})
			delete(t.entries[userID], requestID)
		}
	}
	return purged, nil
}

// purgeAndSumLocked 清理过期条目并求未过期预留总和，须持锁调用
func (t *MemoryTracker) purgeAndSumLocked(userID int64, now time.Time) int64 {
	user, ok := t.entries[userID]
	if !ok {
		return 0
	}

	var open int64
	for requestID, entry := range user {
		if !entry.expiresAt.After(now) {
			delete(user, requestID)
			continue
		}
		open += entry.credits
	}
	return open
}
