package service_test

import (
	"context"
	"testing"

	"creditmeter/internal/model"
	"creditmeter/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetBalance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.metering.Check(ctx, &service.CheckRequest{
		RequestID: "req-1", UserID: 1, EstimatedTokens: 2000,
	})
	require.NoError(t, err)

	info, err := env.accounts.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(20000), info.Balance)
	assert.Equal(t, int64(48), info.Reserved)
	assert.Equal(t, int64(19952), info.Available)
	assert.Equal(t, model.AccountStatusActive, info.Status)
}

func TestGetBalanceSuspendedAvailableZero(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.accounts.GetOrCreate(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, env.admin.Suspend(ctx, 1))

	info, err := env.accounts.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(20000), info.Balance)
	assert.Equal(t, int64(0), info.Available)
	assert.Equal(t, model.AccountStatusSuspended, info.Status)
}

func TestGetBalanceNegativeAvailableZero(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Business.StarterCredits = 5
	ctx := context.Background()

	_, err := env.metering.Deduct(ctx, &service.DeductRequest{
		RequestID: "req-1", UserID: 1, InputTokens: 1500, OutputTokens: 500,
	})
	require.NoError(t, err)

	// 余额已打负：如实披露余额，可用额度不给负数
	info, err := env.accounts.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(-25), info.Balance)
	assert.Equal(t, int64(0), info.Available)
}

func TestGetBalanceCacheRefreshAfterSettle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// 第一次查询把快照写进缓存
	info, err := env.accounts.GetBalance(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(20000), info.Balance)

	// 结算使快照失效，下一次查询回源拿到新余额
	_, err = env.metering.Deduct(ctx, &service.DeductRequest{
		RequestID: "req-1", UserID: 1, InputTokens: 1500, OutputTokens: 500,
	})
	require.NoError(t, err)

	info, err = env.accounts.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(19970), info.Balance)
}

func TestGetTransactionByNo(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.metering.Check(ctx, &service.CheckRequest{
		RequestID: "req-1", UserID: 1, EstimatedTokens: 2000,
	})
	require.NoError(t, err)

	list, _, err := env.accounts.ListTransactions(ctx, 1, 1, 10)
	require.NoError(t, err)
	require.NotEmpty(t, list)

	trans, err := env.accounts.GetTransaction(ctx, list[0].TransactionNo)
	require.NoError(t, err)
	require.NotNil(t, trans)
	assert.Equal(t, list[0].ID, trans.ID)

	// 不存在的流水号返回 nil，不报错
	trans, err = env.accounts.GetTransaction(ctx, "TXN00000000000000000000")
	require.NoError(t, err)
	assert.Nil(t, trans)
}

func TestListTransactionsAndAllocations(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.metering.Check(ctx, &service.CheckRequest{
		RequestID: "req-1", UserID: 1, EstimatedTokens: 2000,
	})
	require.NoError(t, err)
	_, err = env.metering.Deduct(ctx, &service.DeductRequest{
		RequestID: "req-1", UserID: 1, InputTokens: 1500, OutputTokens: 500,
	})
	require.NoError(t, err)

	// STARTER + CHECK + DEDUCT
	transactions, total, err := env.accounts.ListTransactions(ctx, 1, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, transactions, 3)

	allocations, total, err := env.accounts.ListAllocations(ctx, 1, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, allocations, 1)
	assert.Equal(t, model.AllocationTypeStarter, allocations[0].Type)
}
