package pricing

import (
	"math"
)

// Pricing 计费参数，构造后不可变，不依赖任何全局状态
type Pricing struct {
	InputRatePer1K   float64 // 输入费率（美元/1000 token）
	OutputRatePer1K  float64 // 输出费率（美元/1000 token）
	MarkupPercent    float64 // 加成百分比
	CreditsPerDollar float64 // 美元到额度的换算倍率
}

// 浮点乘法的尾差保护：0.004*1.2*10000 在二进制下可能算出 48.000000000000004，
// 直接 Ceil 会多收 1 个额度。扣掉一个远小于最小计费单位的量再取整。
const epsilon = 1e-9

// Estimate 预留阶段的悲观估价
//
// 预估 token 对半拆成输入/输出两份，两份都按较高的费率计费，
// 这样无论实际输入输出比例如何，预留都不会低于真实成本。
func Estimate(estimatedTokens int64, p Pricing) int64 {
	half := estimatedTokens / 2
	other := estimatedTokens - half

	rate := math.Max(p.InputRatePer1K, p.OutputRatePer1K)
	cost := float64(half)/1000*rate + float64(other)/1000*rate

	return toCredits(cost, p)
}

// Settle 结算阶段的精确计价，输入输出分别按各自费率计费
func Settle(inputTokens, outputTokens int64, p Pricing) int64 {
	cost := float64(inputTokens)/1000*p.InputRatePer1K +
		float64(outputTokens)/1000*p.OutputRatePer1K

	return toCredits(cost, p)
}

// toCredits 加成后换算成整数额度
// 取整永远向上，不会四舍五入：宁可多收不欠收
func toCredits(cost float64, p Pricing) int64 {
	cost *= 1 + p.MarkupPercent/100
	return int64(math.Ceil(cost*p.CreditsPerDollar - epsilon))
}
