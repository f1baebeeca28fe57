package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"creditmeter/internal/config"
	"creditmeter/internal/infrastructure/cache"
	"creditmeter/internal/infrastructure/lock"
	"creditmeter/internal/model"
	"creditmeter/internal/repository"
	"creditmeter/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// AdminService 运营侧额度发放与账户封禁
//
// 发放走与结算完全相同的原子保证：余额变更和 GRANT 发放记录
// 在同一个数据库事务里，不存在只改余额不留审计的路径。
type AdminService struct {
	db           *gorm.DB
	redisClient  *redis.Client
	balanceCache *cache.BalanceCache
	cfg          *config.Config

	accountRepo    *repository.AccountRepository
	allocationRepo *repository.AllocationRepository
	outboxRepo     *repository.OutboxRepository
}

func NewAdminService(db *gorm.DB, redisClient *redis.Client, balanceCache *cache.BalanceCache, cfg *config.Config) *AdminService {
	return &AdminService{
		db:             db,
		redisClient:    redisClient,
		balanceCache:   balanceCache,
		cfg:            cfg,
		accountRepo:    repository.NewAccountRepository(db),
		allocationRepo: repository.NewAllocationRepository(db),
		outboxRepo:     repository.NewOutboxRepository(db),
	}
}

type GrantRequest struct {
	UserID  int64  `json:"user_id" binding:"required"`
	Credits int64  `json:"credits" binding:"required,gt=0"`
	Reason  string `json:"reason" binding:"required"`
	AdminID string `json:"admin_id" binding:"required"`
}

type GrantResponse struct {
	AllocationNo string `json:"allocation_no"`
	Balance      int64  `json:"balance"`
}

// GrantCredits 发放额度
func (s *AdminService) GrantCredits(ctx context.Context, req *GrantRequest) (*GrantResponse, error) {
	if req.Credits <= 0 {
		return nil, errors.New("发放额度必须大于0")
	}

	grantLock := lock.NewGrantLock(s.redisClient, req.UserID, req.AdminID)
	if err := grantLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer grantLock.Unlock(ctx)

	allocationNo := idgen.GenerateAllocationNo()

	var balanceAfter int64
	committed := false
	for attempt := 0; attempt < s.deltaMaxRetries(); attempt++ {
		account, err := s.accountRepo.GetOrCreate(ctx, req.UserID, s.cfg.Business.StarterCredits)
		if err != nil {
			return nil, fmt.Errorf("获取账户信息失败: %w", err)
		}

		err = s.db.Transaction(func(tx *gorm.DB) error {
			if err := s.accountRepo.ApplyDelta(ctx, tx, req.UserID, req.Credits, account.Version); err != nil {
				return err
			}

			allocation := &model.Allocation{
				AllocationNo: allocationNo,
				UserID:       req.UserID,
				Type:         model.AllocationTypeGrant,
				Amount:       req.Credits,
				Reason:       req.Reason,
				GrantedBy:    req.AdminID,
			}
			if err := s.allocationRepo.Create(ctx, tx, allocation); err != nil {
				return err
			}

			payloadBytes, _ := json.Marshal(map[string]interface{}{
				"allocation_no": allocationNo,
				"user_id":       req.UserID,
				"credits":       req.Credits,
				"reason":        req.Reason,
				"granted_by":    req.AdminID,
				"granted_at":    time.Now().Format(time.RFC3339),
			})
			return s.outboxRepo.Create(ctx, tx, &model.OutboxMessage{
				MessageKey: allocationNo,
				EventType:  model.EventTypeGranted,
				Topic:      s.cfg.Kafka.Topic.MeteringEvents,
				Payload:    string(payloadBytes),
				Status:     model.OutboxStatusPending,
			})
		})

		if errors.Is(err, repository.ErrOptimisticLock) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("发放额度失败: %w", err)
		}

		balanceAfter = account.Balance + req.Credits
		committed = true
		break
	}
	if !committed {
		return nil, ErrTooManyConflicts
	}

	s.balanceCache.Invalidate(ctx, req.UserID)

	log.Printf("[Admin] 发放额度: userID=%d, credits=%d, adminID=%s", req.UserID, req.Credits, req.AdminID)

	return &GrantResponse{AllocationNo: allocationNo, Balance: balanceAfter}, nil
}

// Suspend 封禁账户，封禁后所有预留请求无条件被拒
func (s *AdminService) Suspend(ctx context.Context, userID int64) error {
	if err := s.accountRepo.UpdateStatus(ctx, userID, model.AccountStatusSuspended); err != nil {
		return err
	}
	s.balanceCache.Invalidate(ctx, userID)
	log.Printf("[Admin] 封禁账户: userID=%d", userID)
	return nil
}

// Reinstate 解除封禁
func (s *AdminService) Reinstate(ctx context.Context, userID int64) error {
	if err := s.accountRepo.UpdateStatus(ctx, userID, model.AccountStatusActive); err != nil {
		return err
	}
	s.balanceCache.Invalidate(ctx, userID)
	log.Printf("[Admin] 恢复账户: userID=%d", userID)
	return nil
}

func (s *AdminService) deltaMaxRetries() int {
	if s.cfg.Business.DeltaMaxRetries > 0 {
		return s.cfg.Business.DeltaMaxRetries
	}
	return 3
}
