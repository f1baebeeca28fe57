package repository

import (
	"context"
	"errors"
	"time"

	"creditmeter/internal/model"
	"creditmeter/pkg/idgen"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrAccountNotFound = errors.New("账户不存在")
	ErrOptimisticLock  = errors.New("乐观锁冲突，请重试")
)

type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) GetByUserID(ctx context.Context, userID int64) (*model.Account, error) {
	var account model.Account
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// GetOrCreate 首次访问时懒创建账户
//
// 创建携带初始额度，并在同一事务里写入一条 STARTER 发放记录和一条 STARTER 流水。
// 并发首次访问靠 user_id 唯一约束收敛到一行：抢输的一方 DoNothing 后
// 读赢家的行返回，不报错。STARTER 是否已发放以插入行数为准，不从余额反推。
func (r *AccountRepository) GetOrCreate(ctx context.Context, userID int64, starterCredits int64) (*model.Account, error) {
	account, err := r.GetByUserID(ctx, userID)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return nil, err
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		newAccount := &model.Account{
			UserID:         userID,
			Balance:        starterCredits,
			Status:         model.AccountStatusActive,
			LastActivityAt: time.Now(),
		}

		result := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).Create(newAccount)
		if result.Error != nil {
			return result.Error
		}

		// 抢输：别人已经建好了，初始额度也已由赢家发放
		if result.RowsAffected == 0 {
			return nil
		}

		allocation := &model.Allocation{
			AllocationNo: idgen.GenerateAllocationNo(),
			UserID:       userID,
			Type:         model.AllocationTypeStarter,
			Amount:       starterCredits,
			Reason:       "初始额度",
		}
		if err := tx.Create(allocation).Error; err != nil {
			return err
		}

		transaction := &model.Transaction{
			TransactionNo: idgen.GenerateTransactionNo(),
			UserID:        userID,
			RequestID:     allocation.AllocationNo,
			Type:          model.TransactionTypeStarter,
			Credits:       starterCredits,
			BalanceBefore: 0,
			BalanceAfter:  starterCredits,
			Remark:        "初始额度入账",
		}
		return tx.Create(transaction).Error
	})
	if err != nil {
		return nil, err
	}

	return r.GetByUserID(ctx, userID)
}

// ApplyDelta 原子调整余额（正负皆可）并推进版本号
//
// CAS 在 version 上：两个并发结算不可能基于同一份旧快照各扣一次。
// 审计流水必须由调用方在同一个 db.Transaction 里写入，
// 余额变了流水没写（或反过来）的中间状态不允许存在。
// 余额不设下限，流式超扣允许打负。
func (r *AccountRepository) ApplyDelta(ctx context.Context, tx *gorm.DB, userID int64, delta int64, version int) error {
	if tx == nil {
		tx = r.db
	}

	result := tx.WithContext(ctx).
		Model(&model.Account{}).
		Where("user_id = ? AND version = ?", userID, version).
		Updates(map[string]interface{}{
			"balance":          gorm.Expr("balance + ?", delta),
			"version":          gorm.Expr("version + 1"),
			"last_activity_at": time.Now(),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		if _, err := r.GetByUserID(ctx, userID); err != nil {
			return err
		}
		return ErrOptimisticLock
	}

	return nil
}

// UpdateStatus 翻转账户状态（封禁/恢复）
func (r *AccountRepository) UpdateStatus(ctx context.Context, userID int64, status string) error {
	result := r.db.WithContext(ctx).
		Model(&model.Account{}).
		Where("user_id = ?", userID).
		Update("status", status)

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAccountNotFound
	}
	return nil
}
