package model

import (
	"time"
)

const (
	AccountStatusActive    = "ACTIVE"
	AccountStatusSuspended = "SUSPENDED"
)

// Account 用户额度账户表
// 记录用户的可用额度，balance 是唯一的额度真相来源
//
// 【重要】余额允许为负：流式调用只能在结束后结算，超扣部分体现为负余额。
// 账户只创建不删除，封禁通过 status 翻转实现。
type Account struct {
	ID             int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID         int64     `gorm:"uniqueIndex;not null" json:"user_id"`                       // 用户ID，业务方传入
	Balance        int64     `gorm:"not null;default:0" json:"balance"`                         // 可用额度（credit），可为负
	Status         string    `gorm:"type:varchar(20);not null;default:ACTIVE" json:"status"`    // ACTIVE / SUSPENDED
	LastActivityAt time.Time `gorm:"not null" json:"last_activity_at"`                          // 最近一次结算时间
	Version        int       `gorm:"not null;default:0" json:"version"`                         // 乐观锁版本号
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Account) TableName() string {
	return "account"
}

// InactiveSince 账户是否超过不活跃阈值
//
// 软过期是读取时推导的谓词，不落库：过期账户的余额不清零，
// 管理员仍可查看和恢复，只是新的预留请求会被拒绝。
func (a *Account) InactiveSince(now time.Time, threshold time.Duration) bool {
	return now.Sub(a.LastActivityAt) > threshold
}
