package model

import (
	"time"
)

const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
	OutboxStatusFailed  = "FAILED"
)

// 计量事件类型，写入 outbox 后由后台任务投递到 Kafka
const (
	EventTypeCheckReserved = "check_reserved"
	EventTypeCheckRejected = "check_rejected"
	EventTypeDeductSettled = "deduct_settled"
	EventTypeReleased      = "released"
	EventTypeGranted       = "granted"
	EventTypeWentNegative  = "went_negative"
)

// OutboxMessage 事务性消息表
// 计量事件与余额变更写在同一个数据库事务里，投递失败不会丢事件
type OutboxMessage struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	MessageKey string    `gorm:"type:varchar(64);not null" json:"message_key"`
	EventType  string    `gorm:"type:varchar(32);not null" json:"event_type"`
	Topic      string    `gorm:"type:varchar(64);not null" json:"topic"`
	Payload    string    `gorm:"type:text;not null" json:"payload"`
	Status     string    `gorm:"type:varchar(20);index;not null;default:PENDING" json:"status"`
	RetryCount int       `gorm:"not null;default:0" json:"retry_count"`
	CreatedAt  time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (OutboxMessage) TableName() string {
	return "outbox_message"
}
