package repository

import (
	"context"
	"errors"
	"time"

	"creditsystem/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type UsageRepository struct {
	db *gorm.DB
}

func NewUsageRepository(db *gorm.DB) *UsageRepository {
	return &UsageRepository{db: db}
}

func (r *UsageRepository) conn(tx *gorm.DB) *gorm.DB {
	if tx == nil {
		return r.db
	}
	return tx
}

func (r *UsageRepository) Create(ctx context.Context, tx *gorm.DB, usage *model.UsageRecord) error {
	return r.conn(tx).WithContext(ctx).Create(usage).Error
}

func (r *UsageRepository) GetByUsageNo(ctx context.Context, tx *gorm.DB, accountID, usageNo string) (*model.UsageRecord, error) {
	var usage model.UsageRecord
	err := r.conn(tx).WithContext(ctx).
		Where("account_id = ? AND usage_no = ?", accountID, usageNo).
		First(&usage).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUsageNotFound
		}
		return nil, err
	}
	return &usage, nil
}

func (r *UsageRepository) GetByUsageNoForUpdate(ctx context.Context, tx *gorm.DB, accountID, usageNo string) (*model.UsageRecord, error) {
	var usage model.UsageRecord
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("account_id = ? AND usage_no = ?", accountID, usageNo).
		First(&usage).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUsageNotFound
		}
		return nil, err
	}
	return &usage, nil
}

func (r *UsageRepository) GetByPostRef(ctx context.Context, tx *gorm.DB, accountID, postRef string) (*model.UsageRecord, error) {
	var usage model.UsageRecord
	err := r.conn(tx).WithContext(ctx).
		Where("account_id = ? AND post_ref = ?", accountID, postRef).
		First(&usage).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &usage, nil
}

// CountSince 统计某类分配自 since 起的使用次数，走 (account_id, allocation_kind, created_at) 索引
func (r *UsageRepository) CountSince(ctx context.Context, tx *gorm.DB, accountID string, kind model.AllocationKind, since time.Time) (int64, error) {
	var count int64
	err := r.conn(tx).WithContext(ctx).
		Model(&model.UsageRecord{}).
		Where("account_id = ? AND allocation_kind = ? AND created_at >= ?", accountID, kind, since).
		Count(&count).Error
	return count, err
}

func (r *UsageRepository) UpdateTools(ctx context.Context, tx *gorm.DB, usage *model.UsageRecord) error {
	result := r.conn(tx).WithContext(ctx).
		Model(&model.UsageRecord{}).
		Where("id = ?", usage.ID).
		Updates(map[string]interface{}{
			"tools":         usage.Tools,
			"credits_spent": usage.CreditsSpent,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrUsageNotFound
	}
	return nil
}

func (r *UsageRepository) ListByAccountID(ctx context.Context, accountID string, page, pageSize int) ([]*model.UsageRecord, int64, error) {
	var records []*model.UsageRecord
	var total int64

	query := r.db.WithContext(ctx).Model(&model.UsageRecord{}).Where("account_id = ?", accountID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&records).Error

	return records, total, err
}
