package service

import (
	"log"
)

// Signals 观测信号接收方
//
// 纯 fire-and-forget：核心账务的正确性不依赖任何一个信号被成功处理，
// 实现方不允许阻塞调用线程，也不允许把错误抛回来。
type Signals interface {
	// CheckRejected 预留被拒（额度不足 / 账户封禁 / 账户过期）
	CheckRejected(userID int64, requestID, reason string)
	// WentNegative 结算后余额由非负转负
	WentNegative(userID int64, balance int64)
	// ReservationExpired 预留超时未结算，被静默回收
	ReservationExpired(userID int64, requestID string, credits int64)
	// FailOpen 缓存不可达，预留检查降级放行
	FailOpen(userID int64, requestID string, err error)
}

// LogSignals 日志实现
type LogSignals struct{}

func NewLogSignals() *LogSignals {
	return &LogSignals{}
}

func (s *LogSignals) CheckRejected(userID int64, requestID, reason string) {
	log.Printf("[Signal] 预留被拒: userID=%d, requestID=%s, reason=%s", userID, requestID, reason)
}

func (s *LogSignals) WentNegative(userID int64, balance int64) {
	log.Printf("[Signal] 余额转负: userID=%d, balance=%d", userID, balance)
}

func (s *LogSignals) ReservationExpired(userID int64, requestID string, credits int64) {
	log.Printf("[Signal] 预留过期回收: userID=%d, requestID=%s, credits=%d", userID, requestID, credits)
}

func (s *LogSignals) FailOpen(userID int64, requestID string, err error) {
	log.Printf("[Signal] 缓存降级放行: userID=%d, requestID=%s, err=%v", userID, requestID, err)
}

// NopSignals 空实现，测试用
type NopSignals struct{}

func (NopSignals) CheckRejected(int64, string, string)     {}
func (NopSignals) WentNegative(int64, int64)               {}
func (NopSignals) ReservationExpired(int64, string, int64) {}
func (NopSignals) FailOpen(int64, string, error)           {}
