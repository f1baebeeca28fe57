package model

import (
	"time"
)

// ============================================================================
// 流水类型常量
// ============================================================================

const (
	TransactionTypeStarter = "STARTER" // 初始额度入账
	TransactionTypeCheck   = "CHECK"   // 预留额度（不动余额）
	TransactionTypeDeduct  = "DEDUCT"  // 按实际用量结算扣款
	TransactionTypeRelease = "RELEASE" // 释放预留（不动余额）
)

// ============================================================================
// 额度流水实体
// ============================================================================

// Transaction 额度流水表
// 记录账户的每一次计量事件，是对账的核心依据
//
// 【重要】流水表设计原则：
// 1. 只追加，不修改，不删除 —— 保证审计可追溯
// 2. (request_id, type) 唯一 —— 幂等键，重试返回首次结果
// 3. 记录交易前后余额 —— 便于校验余额一致性
type Transaction struct {
	ID              int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	TransactionNo   string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"transaction_no"` // 流水号（全局唯一）
	UserID          int64     `gorm:"index;not null" json:"user_id"`
	RequestID       string    `gorm:"type:varchar(64);not null;uniqueIndex:uk_request_type,priority:1" json:"request_id"` // 调用方幂等键
	Type            string    `gorm:"type:varchar(20);not null;uniqueIndex:uk_request_type,priority:2" json:"type"`
	EstimatedTokens int64     `gorm:"not null;default:0" json:"estimated_tokens"` // CHECK 时的预估 token 数
	InputTokens     int64     `gorm:"not null;default:0" json:"input_tokens"`     // DEDUCT 时的实际输入 token
	OutputTokens    int64     `gorm:"not null;default:0" json:"output_tokens"`    // DEDUCT 时的实际输出 token
	Credits         int64     `gorm:"not null" json:"credits"`                    // 本次操作涉及的额度
	BalanceBefore   int64     `gorm:"not null" json:"balance_before"`
	BalanceAfter    int64     `gorm:"not null" json:"balance_after"`
	Remark          string    `gorm:"type:varchar(256)" json:"remark"`
	CreatedAt       time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (Transaction) TableName() string {
	return "account_transaction"
}
