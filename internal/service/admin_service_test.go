package service_test

import (
	"context"
	"testing"

	"creditmeter/internal/model"
	"creditmeter/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGrantCredits(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp, err := env.admin.GrantCredits(ctx, &service.GrantRequest{
		UserID: 1, Credits: 500, Reason: "活动补偿", AdminID: "admin-1",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.AllocationNo)
	assert.Equal(t, int64(20500), resp.Balance)

	account, err := env.accounts.GetOrCreate(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(20500), account.Balance)

	// 发放与初始开户各留一条发放记录
	var allocations []*model.Allocation
	require.NoError(t, env.db.Where("user_id = ?", 1).Order("id").Find(&allocations).Error)
	require.Len(t, allocations, 2)
	assert.Equal(t, model.AllocationTypeStarter, allocations[0].Type)
	assert.Equal(t, model.AllocationTypeGrant, allocations[1].Type)
	assert.Equal(t, int64(500), allocations[1].Amount)
	assert.Equal(t, "admin-1", allocations[1].GrantedBy)
}

func TestGrantRejectsNonPositive(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.admin.GrantCredits(context.Background(), &service.GrantRequest{
		UserID: 1, Credits: 0, Reason: "x", AdminID: "admin-1",
	})
	assert.Error(t, err)
}

func TestSuspendAndReinstate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.accounts.GetOrCreate(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, env.admin.Suspend(ctx, 1))
	resp, err := env.metering.Check(ctx, &service.CheckRequest{
		RequestID: "req-1", UserID: 1, EstimatedTokens: 2000,
	})
	require.NoError(t, err)
	assert.False(t, resp.Allowed)

	// 解封后恢复正常准入
	require.NoError(t, env.admin.Reinstate(ctx, 1))
	resp, err = env.metering.Check(ctx, &service.CheckRequest{
		RequestID: "req-2", UserID: 1, EstimatedTokens: 2000,
	})
	require.NoError(t, err)
	assert.True(t, resp.Allowed)
}

func TestGrantRevivesInactiveAccount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.accounts.GetOrCreate(ctx, 1)
	require.NoError(t, err)

	markInactive(t, env, 1)
	resp, err := env.metering.Check(ctx, &service.CheckRequest{
		RequestID: "req-1", UserID: 1, EstimatedTokens: 2000,
	})
	require.NoError(t, err)
	require.False(t, resp.Allowed)
	require.Equal(t, service.ReasonAccountExpired, resp.Reason)

	// 发放会刷新活跃时间，过期账户由此复活
	_, err = env.admin.GrantCredits(ctx, &service.GrantRequest{
		UserID: 1, Credits: 100, Reason: "复活", AdminID: "admin-1",
	})
	require.NoError(t, err)

	resp, err = env.metering.Check(ctx, &service.CheckRequest{
		RequestID: "req-2", UserID: 1, EstimatedTokens: 2000,
	})
	require.NoError(t, err)
	assert.True(t, resp.Allowed)
}
