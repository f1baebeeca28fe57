package repository

import (
	"context"

	"creditmeter/internal/model"

	"gorm.io/gorm"
)

type AllocationRepository struct {
	db *gorm.DB
}

func NewAllocationRepository(db *gorm.DB) *AllocationRepository {
	return &AllocationRepository{db: db}
}

func (r *AllocationRepository) Create(ctx context.Context, tx *gorm.DB, allocation *model.Allocation) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(allocation).Error
}

func (r *AllocationRepository) ListByUserID(ctx context.Context, userID int64, page, pageSize int) ([]*model.Allocation, int64, error) {
	var allocations []*model.Allocation
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Allocation{}).Where("user_id = ?", userID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&allocations).Error

	return allocations, total, err
}
