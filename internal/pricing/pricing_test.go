package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

var testPricing = Pricing{
	InputRatePer1K:   0.001,
	OutputRatePer1K:  0.002,
	MarkupPercent:    20,
	CreditsPerDollar: 10000,
}

func TestEstimate(t *testing.T) {
	// 2000 token 对半拆，双边都按 max(0.001, 0.002)=0.002 计费：
	// cost = 0.004，加成 20% 后 0.0048，换算 48 额度
	assert.Equal(t, int64(48), Estimate(2000, testPricing))
}

func TestEstimateOddTokens(t *testing.T) {
	// 奇数 token 数拆成 1000/1001，两半合计仍覆盖全部 token
	got := Estimate(2001, testPricing)
	assert.GreaterOrEqual(t, got, int64(48))
}

func TestEstimateNeverUnderReserves(t *testing.T) {
	// 悲观估价必须不低于任何输入/输出拆分下的实际结算
	total := int64(2000)
	est := Estimate(total, testPricing)
	for in := int64(0); in <= total; in += 100 {
		settled := Settle(in, total-in, testPricing)
		assert.GreaterOrEqual(t, est, settled, "in=%d out=%d", in, total-in)
	}
}

func TestSettle(t *testing.T) {
	// 1500 输入 * 0.001 + 500 输出 * 0.002 = 0.0025，加成后 0.003 → 30 额度
	assert.Equal(t, int64(30), Settle(1500, 500, testPricing))
}

func TestSettleZeroUsage(t *testing.T) {
	assert.Equal(t, int64(0), Settle(0, 0, testPricing))
}

func TestEstimateZeroTokens(t *testing.T) {
	assert.Equal(t, int64(0), Estimate(0, testPricing))
}

func TestCeilingNeverRoundsDown(t *testing.T) {
	// 不足 1 额度也要收 1 额度
	p := Pricing{
		InputRatePer1K:   0.001,
		OutputRatePer1K:  0.001,
		MarkupPercent:    0,
		CreditsPerDollar: 10,
	}
	// 1 token = 0.000001 美元 = 0.00001 额度 → 向上取整为 1
	assert.Equal(t, int64(1), Settle(1, 0, p))
}

func TestNoMarkup(t *testing.T) {
	p := testPricing
	p.MarkupPercent = 0
	assert.Equal(t, int64(25), Settle(1500, 500, p))
	assert.Equal(t, int64(40), Estimate(2000, p))
}
