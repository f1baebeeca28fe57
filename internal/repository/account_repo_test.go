package repository

import (
	"context"
	"path/filepath"
	"testing"

	"creditmeter/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "test.db")
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&model.Account{},
		&model.Allocation{},
		&model.Transaction{},
		&model.OutboxMessage{},
	))
	return db
}

func TestGetOrCreateProvisionsStarter(t *testing.T) {
	db := newTestDB(t)
	repo := NewAccountRepository(db)
	ctx := context.Background()

	account, err := repo.GetOrCreate(ctx, 1, 20000)
	require.NoError(t, err)
	assert.Equal(t, int64(20000), account.Balance)
	assert.Equal(t, model.AccountStatusActive, account.Status)

	// 初始额度发放记录与入账流水各一条
	var allocations []model.Allocation
	require.NoError(t, db.Where("user_id = ?", 1).Find(&allocations).Error)
	require.Len(t, allocations, 1)
	assert.Equal(t, model.AllocationTypeStarter, allocations[0].Type)
	assert.Equal(t, int64(20000), allocations[0].Amount)

	var transactions []model.Transaction
	require.NoError(t, db.Where("user_id = ?", 1).Find(&transactions).Error)
	require.Len(t, transactions, 1)
	assert.Equal(t, model.TransactionTypeStarter, transactions[0].Type)
	assert.Equal(t, int64(0), transactions[0].BalanceBefore)
	assert.Equal(t, int64(20000), transactions[0].BalanceAfter)
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	repo := NewAccountRepository(db)
	ctx := context.Background()

	first, err := repo.GetOrCreate(ctx, 1, 20000)
	require.NoError(t, err)

	// 二次访问返回同一行，初始额度不会再发放
	second, err := repo.GetOrCreate(ctx, 1, 20000)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(20000), second.Balance)

	var count int64
	require.NoError(t, db.Model(&model.Allocation{}).
		Where("user_id = ? AND type = ?", 1, model.AllocationTypeStarter).
		Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestApplyDelta(t *testing.T) {
	db := newTestDB(t)
	repo := NewAccountRepository(db)
	ctx := context.Background()

	account, err := repo.GetOrCreate(ctx, 1, 100)
	require.NoError(t, err)

	require.NoError(t, repo.ApplyDelta(ctx, nil, 1, -30, account.Version))

	account, err = repo.GetByUserID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(70), account.Balance)
	assert.Equal(t, 1, account.Version)

	// 余额允许打负，流式超扣不设下限
	require.NoError(t, repo.ApplyDelta(ctx, nil, 1, -100, account.Version))
	account, err = repo.GetByUserID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(-30), account.Balance)
}

func TestApplyDeltaOptimisticLock(t *testing.T) {
	db := newTestDB(t)
	repo := NewAccountRepository(db)
	ctx := context.Background()

	account, err := repo.GetOrCreate(ctx, 1, 100)
	require.NoError(t, err)

	require.NoError(t, repo.ApplyDelta(ctx, nil, 1, -10, account.Version))

	// 基于旧版本号的第二次变更必须被 CAS 挡住
	err = repo.ApplyDelta(ctx, nil, 1, -10, account.Version)
	assert.ErrorIs(t, err, ErrOptimisticLock)

	account, err = repo.GetByUserID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(90), account.Balance)
}

func TestApplyDeltaAccountNotFound(t *testing.T) {
	db := newTestDB(t)
	repo := NewAccountRepository(db)

	err := repo.ApplyDelta(context.Background(), nil, 404, -10, 0)
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestUpdateStatus(t *testing.T) {
	db := newTestDB(t)
	repo := NewAccountRepository(db)
	ctx := context.Background()

	_, err := repo.GetOrCreate(ctx, 1, 100)
	require.NoError(t, err)

	require.NoError(t, repo.UpdateStatus(ctx, 1, model.AccountStatusSuspended))
	account, err := repo.GetByUserID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.AccountStatusSuspended, account.Status)

	assert.ErrorIs(t, repo.UpdateStatus(ctx, 404, model.AccountStatusSuspended), ErrAccountNotFound)
}
