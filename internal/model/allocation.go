package model

import (
	"time"
)

const (
	AllocationTypeStarter = "STARTER" // 新账户初始额度
	AllocationTypeGrant   = "GRANT"   // 管理员发放
)

// Allocation 额度发放记录表
// 记录与消费无关的余额增加（初始额度、管理员发放）
//
// 只追加，不修改，不删除。每个账户至多一条 STARTER 记录，
// 以记录是否存在为准，不从余额反推。
type Allocation struct {
	ID           int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	AllocationNo string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"allocation_no"`
	UserID       int64     `gorm:"index;not null" json:"user_id"`
	Type         string    `gorm:"type:varchar(20);not null" json:"type"`    // STARTER / GRANT
	Amount       int64     `gorm:"not null" json:"amount"`                   // 发放额度（恒为正）
	Reason       string    `gorm:"type:varchar(256)" json:"reason"`          // 发放原因
	GrantedBy    string    `gorm:"type:varchar(64)" json:"granted_by"`       // 操作管理员，STARTER 为空
	CreatedAt    time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (Allocation) TableName() string {
	return "allocation"
}
