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
	"creditmeter/internal/infrastructure/reservation"
	"creditmeter/internal/model"
	"creditmeter/internal/pricing"
	"creditmeter/internal/repository"
	"creditmeter/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// 预留被拒的机器可读原因
const (
	ReasonInsufficientFunds = "INSUFFICIENT_FUNDS"
	ReasonAccountSuspended  = "ACCOUNT_SUSPENDED"
	ReasonAccountExpired    = "ACCOUNT_EXPIRED"
)

var (
	ErrTooManyConflicts = errors.New("系统繁忙，请重试")
	ErrAlreadyReleased  = errors.New("预留已释放，无法结算")
)

// MeteringService 计量准入与结算
//
// 状态机（按 (user_id, request_id)）：
//   NONE --Check--> RESERVED --Deduct--> SETTLED
//                            --Release-> RELEASED
// SETTLED / RELEASED 是终态；预留超时未到达任一终态视同 RELEASED，静默回收。
type MeteringService struct {
	db           *gorm.DB
	redisClient  *redis.Client
	tracker      reservation.Tracker
	balanceCache *cache.BalanceCache
	signals      Signals
	cfg          *config.Config
	pricing      pricing.Pricing

	accountRepo     *repository.AccountRepository
	transactionRepo *repository.TransactionRepository
	outboxRepo      *repository.OutboxRepository
}

func NewMeteringService(db *gorm.DB, redisClient *redis.Client, tracker reservation.Tracker,
	balanceCache *cache.BalanceCache, signals Signals, cfg *config.Config) *MeteringService {
	return &MeteringService{
		db:           db,
		redisClient:  redisClient,
		tracker:      tracker,
		balanceCache: balanceCache,
		signals:      signals,
		cfg:          cfg,
		pricing: pricing.Pricing{
			InputRatePer1K:   cfg.Pricing.InputRatePer1K,
			OutputRatePer1K:  cfg.Pricing.OutputRatePer1K,
			MarkupPercent:    cfg.Pricing.MarkupPercent,
			CreditsPerDollar: cfg.Pricing.CreditsPerDollar,
		},
		accountRepo:     repository.NewAccountRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
		outboxRepo:      repository.NewOutboxRepository(db),
	}
}

type CheckRequest struct {
	RequestID       string `json:"request_id" binding:"required"`
	UserID          int64  `json:"user_id" binding:"required"`
	EstimatedTokens int64  `json:"estimated_tokens" binding:"required,gt=0"`
}

type CheckResponse struct {
	Allowed         bool   `json:"allowed"`
	ReservedCredits int64  `json:"reserved_credits,omitempty"`
	Reason          string `json:"reason,omitempty"`
	Message         string `json:"message,omitempty"`
}

// Check 预留准入：按悲观估价占住额度
func (s *MeteringService) Check(ctx context.Context, req *CheckRequest) (*CheckResponse, error) {
	// 幂等校验：已有 CHECK 流水直接回放首次结果，不重复预留
	prev, err := s.transactionRepo.GetByRequestIDAndType(ctx, req.UserID, req.RequestID, model.TransactionTypeCheck)
	if err != nil {
		return nil, fmt.Errorf("查询流水失败: %w", err)
	}
	if prev != nil {
		return &CheckResponse{
			Allowed:         true,
			ReservedCredits: prev.Credits,
			Message:         "重复请求，返回原结果",
		}, nil
	}

	account, err := s.accountRepo.GetOrCreate(ctx, req.UserID, s.cfg.Business.StarterCredits)
	if err != nil {
		return nil, fmt.Errorf("获取账户信息失败: %w", err)
	}

	// 封禁账户无条件拒绝，不触碰预留跟踪器
	if account.Status == model.AccountStatusSuspended {
		return s.reject(ctx, req, ReasonAccountSuspended), nil
	}

	// 软过期：长期不活跃的账户余额视同不可用，但不清零，管理员可恢复
	if account.InactiveSince(time.Now(), s.cfg.Business.InactivityThreshold()) {
		return s.reject(ctx, req, ReasonAccountExpired), nil
	}

	estimate := pricing.Estimate(req.EstimatedTokens, s.pricing)

	err = s.tracker.Reserve(ctx, req.UserID, req.RequestID, estimate, account.Balance)
	switch {
	case errors.Is(err, reservation.ErrInsufficientFunds):
		return s.reject(ctx, req, ReasonInsufficientFunds), nil
	case errors.Is(err, reservation.ErrCacheUnavailable):
		// fail-open：缓存挂了不能挡住请求，只凭持久化余额放行。
		// 故障窗口内挡不住重复预留，但 Deduct 照常落账，最终余额不会错。
		s.signals.FailOpen(req.UserID, req.RequestID, err)
		log.Printf("[Metering] 预留缓存不可用，降级放行: userID=%d, requestID=%s", req.UserID, req.RequestID)
	case err != nil:
		return nil, fmt.Errorf("预留额度失败: %w", err)
	}

	transaction := &model.Transaction{
		TransactionNo:   idgen.GenerateTransactionNo(),
		UserID:          req.UserID,
		RequestID:       req.RequestID,
		Type:            model.TransactionTypeCheck,
		EstimatedTokens: req.EstimatedTokens,
		Credits:         estimate,
		BalanceBefore:   account.Balance,
		BalanceAfter:    account.Balance, // CHECK 不动余额
		Remark:          "预留额度",
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.transactionRepo.Create(ctx, tx, transaction); err != nil {
			return err
		}
		return s.writeEvent(ctx, tx, model.EventTypeCheckReserved, transaction.TransactionNo, map[string]interface{}{
			"user_id":          req.UserID,
			"request_id":       req.RequestID,
			"estimated_tokens": req.EstimatedTokens,
			"reserved_credits": estimate,
			"reserved_at":      time.Now().Format(time.RFC3339),
		})
	})
	if err != nil {
		// 并发重放抢先写入了同一条 CHECK 流水：回放赢家的结果。
		// Lua 侧同 request_id 不会重复占款，这里不能去清预留。
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			if prev, e := s.transactionRepo.GetByRequestIDAndType(ctx, req.UserID, req.RequestID, model.TransactionTypeCheck); e == nil && prev != nil {
				return &CheckResponse{
					Allowed:         true,
					ReservedCredits: prev.Credits,
					Message:         "重复请求，返回原结果",
				}, nil
			}
		}
		return nil, fmt.Errorf("记录流水失败: %w", err)
	}

	return &CheckResponse{Allowed: true, ReservedCredits: estimate}, nil
}

// reject 拒绝预留：发信号 + 落一条拒绝事件（不是流水，不影响余额）
func (s *MeteringService) reject(ctx context.Context, req *CheckRequest, reason string) *CheckResponse {
	s.signals.CheckRejected(req.UserID, req.RequestID, reason)

	if err := s.writeEvent(ctx, nil, model.EventTypeCheckRejected, req.RequestID, map[string]interface{}{
		"user_id":          req.UserID,
		"request_id":       req.RequestID,
		"estimated_tokens": req.EstimatedTokens,
		"reason":           reason,
		"rejected_at":      time.Now().Format(time.RFC3339),
	}); err != nil {
		log.Printf("[Metering] 记录拒绝事件失败: userID=%d, requestID=%s, err=%v", req.UserID, req.RequestID, err)
	}

	return &CheckResponse{Allowed: false, Reason: reason}
}

type DeductRequest struct {
	RequestID    string `json:"request_id" binding:"required"`
	UserID       int64  `json:"user_id" binding:"required"`
	InputTokens  int64  `json:"input_tokens" binding:"gte=0"`
	OutputTokens int64  `json:"output_tokens" binding:"gte=0"`
}

type DeductResponse struct {
	Credits int64  `json:"credits"`
	Balance int64  `json:"balance"`
	Message string `json:"message,omitempty"`
}

// Deduct 按实际用量结算：扣真实余额并清掉预留
func (s *MeteringService) Deduct(ctx context.Context, req *DeductRequest) (*DeductResponse, error) {
	// 幂等校验
	if resp, err := s.replayDeduct(ctx, req); err != nil {
		return nil, err
	} else if resp != nil {
		return resp, nil
	}

	// 已释放的请求不允许再结算：SETTLED 和 RELEASED 只能到达其一。
	// 锁外先查一次快速失败，互斥的保证在锁内的复查
	released, err := s.transactionRepo.GetByRequestIDAndType(ctx, req.UserID, req.RequestID, model.TransactionTypeRelease)
	if err != nil {
		return nil, fmt.Errorf("查询流水失败: %w", err)
	}
	if released != nil {
		return nil, ErrAlreadyReleased
	}

	// 按用户加锁压掉同 request_id 的并发重放，唯一键是最终兜底。
	// Release 走的是同一把锁，终态互斥靠锁内复查保证。
	// 锁拿不到（含 Redis 故障）照样结算：结算绝不能被缓存挡住。
	settleLock := lock.NewSettleLock(s.redisClient, req.UserID, req.RequestID)
	if err := settleLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		log.Printf("[Metering] 获取结算锁失败，继续结算: userID=%d, requestID=%s, err=%v", req.UserID, req.RequestID, err)
	} else {
		defer settleLock.Unlock(ctx)

		// 拿到锁后再查一次幂等
		if resp, err := s.replayDeduct(ctx, req); err != nil {
			return nil, err
		} else if resp != nil {
			return resp, nil
		}

		// 复查 RELEASE：并发的 Release 可能在锁外检查之后、拿到锁之前提交
		released, err = s.transactionRepo.GetByRequestIDAndType(ctx, req.UserID, req.RequestID, model.TransactionTypeRelease)
		if err != nil {
			return nil, fmt.Errorf("查询流水失败: %w", err)
		}
		if released != nil {
			return nil, ErrAlreadyReleased
		}
	}

	settled := pricing.Settle(req.InputTokens, req.OutputTokens, s.pricing)

	var transaction *model.Transaction
	committed := false
	for attempt := 0; attempt < s.deltaMaxRetries(); attempt++ {
		account, err := s.accountRepo.GetOrCreate(ctx, req.UserID, s.cfg.Business.StarterCredits)
		if err != nil {
			return nil, fmt.Errorf("获取账户信息失败: %w", err)
		}

		transaction = &model.Transaction{
			TransactionNo: idgen.GenerateTransactionNo(),
			UserID:        req.UserID,
			RequestID:     req.RequestID,
			Type:          model.TransactionTypeDeduct,
			InputTokens:   req.InputTokens,
			OutputTokens:  req.OutputTokens,
			Credits:       settled,
			BalanceBefore: account.Balance,
			BalanceAfter:  account.Balance - settled,
			Remark:        "按实际用量结算",
		}

		// 余额变更、DEDUCT 流水、计量事件在同一个数据库事务里，
		// 任何一步失败整体回滚，不存在改了余额没有流水的中间状态
		err = s.db.Transaction(func(tx *gorm.DB) error {
			if err := s.accountRepo.ApplyDelta(ctx, tx, req.UserID, -settled, account.Version); err != nil {
				return err
			}
			if err := s.transactionRepo.Create(ctx, tx, transaction); err != nil {
				return err
			}
			if err := s.writeEvent(ctx, tx, model.EventTypeDeductSettled, transaction.TransactionNo, map[string]interface{}{
				"user_id":       req.UserID,
				"request_id":    req.RequestID,
				"input_tokens":  req.InputTokens,
				"output_tokens": req.OutputTokens,
				"credits":       settled,
				"balance":       transaction.BalanceAfter,
				"settled_at":    time.Now().Format(time.RFC3339),
			}); err != nil {
				return err
			}
			// 余额由非负转负：落告警事件，供外部观测，不影响账务
			if transaction.BalanceBefore >= 0 && transaction.BalanceAfter < 0 {
				return s.writeAlert(ctx, tx, transaction.TransactionNo, map[string]interface{}{
					"user_id":    req.UserID,
					"request_id": req.RequestID,
					"balance":    transaction.BalanceAfter,
					"at":         time.Now().Format(time.RFC3339),
				})
			}
			return nil
		})

		if errors.Is(err, repository.ErrOptimisticLock) {
			continue
		}
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// 并发重放抢先结算了，回放赢家的结果
			if resp, e := s.replayDeduct(ctx, req); e == nil && resp != nil {
				return resp, nil
			}
			return nil, fmt.Errorf("结算失败: %w", err)
		}
		if err != nil {
			return nil, fmt.Errorf("结算失败: %w", err)
		}
		committed = true
		break
	}
	if !committed {
		return nil, ErrTooManyConflicts
	}

	// 清除预留。预留可能已经过期被回收了，清不到不算错：
	// 预留只管准入，真实余额已经在上面落账
	if err := s.tracker.Clear(ctx, req.UserID, req.RequestID); err != nil {
		log.Printf("[Metering] 清除预留失败: userID=%d, requestID=%s, err=%v", req.UserID, req.RequestID, err)
	}

	s.balanceCache.Invalidate(ctx, req.UserID)

	if transaction.BalanceBefore >= 0 && transaction.BalanceAfter < 0 {
		s.signals.WentNegative(req.UserID, transaction.BalanceAfter)
	}

	log.Printf("[Metering] 结算完成: userID=%d, requestID=%s, credits=%d, balance=%d",
		req.UserID, req.RequestID, settled, transaction.BalanceAfter)

	return &DeductResponse{Credits: settled, Balance: transaction.BalanceAfter}, nil
}

// replayDeduct 已有 DEDUCT 流水则回放首次结算结果
func (s *MeteringService) replayDeduct(ctx context.Context, req *DeductRequest) (*DeductResponse, error) {
	prev, err := s.transactionRepo.GetByRequestIDAndType(ctx, req.UserID, req.RequestID, model.TransactionTypeDeduct)
	if err != nil {
		return nil, fmt.Errorf("查询流水失败: %w", err)
	}
	if prev == nil {
		return nil, nil
	}
	return &DeductResponse{
		Credits: prev.Credits,
		Balance: prev.BalanceAfter,
		Message: "重复请求，返回原结果",
	}, nil
}

type ReleaseRequest struct {
	RequestID string `json:"request_id" binding:"required"`
	UserID    int64  `json:"user_id" binding:"required"`
}

type ReleaseResponse struct {
	Released bool   `json:"released"`
	Message  string `json:"message,omitempty"`
}

// Release 放弃预留：清掉占款，落一条零余额变动的审计流水
//
// 幂等：清除已清除、已过期、从未存在的预留都算成功
func (s *MeteringService) Release(ctx context.Context, req *ReleaseRequest) (*ReleaseResponse, error) {
	prev, err := s.transactionRepo.GetByRequestIDAndType(ctx, req.UserID, req.RequestID, model.TransactionTypeRelease)
	if err != nil {
		return nil, fmt.Errorf("查询流水失败: %w", err)
	}
	if prev != nil {
		return &ReleaseResponse{Released: true, Message: "重复请求，返回原结果"}, nil
	}

	// 已结算的请求没有可释放的预留，别再写 RELEASE 流水搅浑审计记录
	settled, err := s.transactionRepo.GetByRequestIDAndType(ctx, req.UserID, req.RequestID, model.TransactionTypeDeduct)
	if err != nil {
		return nil, fmt.Errorf("查询流水失败: %w", err)
	}
	if settled != nil {
		return &ReleaseResponse{Released: false, Message: "该请求已结算"}, nil
	}

	// 与 Deduct 在同一把锁上串行化。锁外的检查只拦截已经落库的终态，
	// 挡不住正在进行中的并发结算，拿到锁后必须复查两类流水。
	// 锁拿不到（含 Redis 故障）降级继续，同类型重放仍由唯一键兜底。
	settleLock := lock.NewSettleLock(s.redisClient, req.UserID, req.RequestID)
	if err := settleLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		log.Printf("[Metering] 获取结算锁失败，继续释放: userID=%d, requestID=%s, err=%v", req.UserID, req.RequestID, err)
	} else {
		defer settleLock.Unlock(ctx)

		if prev, err = s.transactionRepo.GetByRequestIDAndType(ctx, req.UserID, req.RequestID, model.TransactionTypeRelease); err != nil {
			return nil, fmt.Errorf("查询流水失败: %w", err)
		}
		if prev != nil {
			return &ReleaseResponse{Released: true, Message: "重复请求，返回原结果"}, nil
		}

		if settled, err = s.transactionRepo.GetByRequestIDAndType(ctx, req.UserID, req.RequestID, model.TransactionTypeDeduct); err != nil {
			return nil, fmt.Errorf("查询流水失败: %w", err)
		}
		if settled != nil {
			return &ReleaseResponse{Released: false, Message: "该请求已结算"}, nil
		}
	}

	if err := s.tracker.Clear(ctx, req.UserID, req.RequestID); err != nil {
		log.Printf("[Metering] 清除预留失败: userID=%d, requestID=%s, err=%v", req.UserID, req.RequestID, err)
	}

	account, err := s.accountRepo.GetOrCreate(ctx, req.UserID, s.cfg.Business.StarterCredits)
	if err != nil {
		return nil, fmt.Errorf("获取账户信息失败: %w", err)
	}

	// 释放的额度从 CHECK 流水里取，纯审计信息
	var releasedCredits int64
	if check, err := s.transactionRepo.GetByRequestIDAndType(ctx, req.UserID, req.RequestID, model.TransactionTypeCheck); err == nil && check != nil {
		releasedCredits = check.Credits
	}

	transaction := &model.Transaction{
		TransactionNo: idgen.GenerateTransactionNo(),
		UserID:        req.UserID,
		RequestID:     req.RequestID,
		Type:          model.TransactionTypeRelease,
		Credits:       releasedCredits,
		BalanceBefore: account.Balance,
		BalanceAfter:  account.Balance, // RELEASE 不动余额
		Remark:        "释放预留",
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.transactionRepo.Create(ctx, tx, transaction); err != nil {
			return err
		}
		return s.writeEvent(ctx, tx, model.EventTypeReleased, transaction.TransactionNo, map[string]interface{}{
			"user_id":          req.UserID,
			"request_id":       req.RequestID,
			"released_credits": releasedCredits,
			"released_at":      time.Now().Format(time.RFC3339),
		})
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return &ReleaseResponse{Released: true, Message: "重复请求，返回原结果"}, nil
		}
		return nil, fmt.Errorf("记录流水失败: %w", err)
	}

	return &ReleaseResponse{Released: true}, nil
}

func (s *MeteringService) deltaMaxRetries() int {
	if s.cfg.Business.DeltaMaxRetries > 0 {
		return s.cfg.Business.DeltaMaxRetries
	}
	return 3
}

// writeEvent 计量事件入 outbox，后台任务异步投递 Kafka
func (s *MeteringService) writeEvent(ctx context.Context, tx *gorm.DB, eventType, key string, payload map[string]interface{}) error {
	payloadBytes, _ := json.Marshal(payload)
	return s.outboxRepo.Create(ctx, tx, &model.OutboxMessage{
		MessageKey: key,
		EventType:  eventType,
		Topic:      s.cfg.Kafka.Topic.MeteringEvents,
		Payload:    string(payloadBytes),
		Status:     model.OutboxStatusPending,
	})
}

func (s *MeteringService) writeAlert(ctx context.Context, tx *gorm.DB, key string, payload map[string]interface{}) error {
	payloadBytes, _ := json.Marshal(payload)
	return s.outboxRepo.Create(ctx, tx, &model.OutboxMessage{
		MessageKey: key,
		EventType:  model.EventTypeWentNegative,
		Topic:      s.cfg.Kafka.Topic.BalanceAlerts,
		Payload:    string(payloadBytes),
		Status:     model.OutboxStatusPending,
	})
}
