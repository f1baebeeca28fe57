package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"creditmeter/internal/config"
	"creditmeter/internal/infrastructure/cache"
	"creditmeter/internal/infrastructure/reservation"
	"creditmeter/internal/model"
	"creditmeter/internal/repository"

	"gorm.io/gorm"
)

type AccountService struct {
	db           *gorm.DB
	tracker      reservation.Tracker
	balanceCache *cache.BalanceCache
	cfg          *config.Config

	accountRepo     *repository.AccountRepository
	transactionRepo *repository.TransactionRepository
	allocationRepo  *repository.AllocationRepository
}

func NewAccountService(db *gorm.DB, tracker reservation.Tracker, balanceCache *cache.BalanceCache, cfg *config.Config) *AccountService {
	return &AccountService{
		db:              db,
		tracker:         tracker,
		balanceCache:    balanceCache,
		cfg:             cfg,
		accountRepo:     repository.NewAccountRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
		allocationRepo:  repository.NewAllocationRepository(db),
	}
}

func (s *AccountService) GetOrCreate(ctx context.Context, userID int64) (*model.Account, error) {
	return s.accountRepo.GetOrCreate(ctx, userID, s.cfg.Business.StarterCredits)
}

type BalanceInfo struct {
	UserID    int64  `json:"user_id"`
	Balance   int64  `json:"balance"`   // 持久化余额
	Reserved  int64  `json:"reserved"`  // 未过期预留占用
	Available int64  `json:"available"` // balance - reserved，封禁/过期账户恒为 0
	Status    string `json:"status"`
}

// GetBalance 余额查询：先走快照缓存，未命中回源数据库并回填
func (s *AccountService) GetBalance(ctx context.Context, userID int64) (*BalanceInfo, error) {
	account, err := s.accountRepo.GetOrCreate(ctx, userID, s.cfg.Business.StarterCredits)
	if err != nil {
		return nil, fmt.Errorf("获取账户信息失败: %w", err)
	}

	balance, ok := s.balanceCache.Get(ctx, userID)
	if !ok {
		balance = account.Balance
		s.balanceCache.Set(ctx, userID, balance)
	}

	// 预留跟踪器挂了按零占用降级，余额查询不因缓存故障失败
	reserved, err := s.tracker.SumOpen(ctx, userID)
	if err != nil {
		log.Printf("[Account] 查询预留占用失败，按 0 处理: userID=%d, err=%v", userID, err)
		reserved = 0
	}

	available := balance - reserved
	if account.Status == model.AccountStatusSuspended ||
		account.InactiveSince(time.Now(), s.cfg.Business.InactivityThreshold()) {
		available = 0
	}
	if available < 0 {
		available = 0
	}

	return &BalanceInfo{
		UserID:    userID,
		Balance:   balance,
		Reserved:  reserved,
		Available: available,
		Status:    account.Status,
	}, nil
}

// GetTransaction 按流水号查询单条流水，不存在返回 nil
func (s *AccountService) GetTransaction(ctx context.Context, transactionNo string) (*model.Transaction, error) {
	return s.transactionRepo.GetByTransactionNo(ctx, transactionNo)
}

func (s *AccountService) ListTransactions(ctx context.Context, userID int64, page, pageSize int) ([]*model.Transaction, int64, error) {
	return s.transactionRepo.ListByUserID(ctx, userID, page, pageSize)
}

func (s *AccountService) ListAllocations(ctx context.Context, userID int64, page, pageSize int) ([]*model.Allocation, int64, error) {
	return s.allocationRepo.ListByUserID(ctx, userID, page, pageSize)
}
