package repository

import (
	"context"
	"errors"
	"time"

	"creditsystem/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) conn(tx *gorm.DB) *gorm.DB {
	if tx == nil {
		return r.db
	}
	return tx
}

func (r *AccountRepository) GetByAccountID(ctx context.Context, tx *gorm.DB, accountID string) (*model.Account, error) {
	var account model.Account
	err := r.conn(tx).WithContext(ctx).Where("auth_subject = ?", accountID).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

func (r *AccountRepository) GetByAccountIDForUpdate(ctx context.Context, tx *gorm.DB, accountID string) (*model.Account, error) {
	var account model.Account
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("auth_subject = ?", accountID).
		First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// EnsureExists 账户不存在时创建，已存在则不做任何修改
func (r *AccountRepository) EnsureExists(ctx context.Context, tx *gorm.DB, account *model.Account) error {
	return r.conn(tx).WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "auth_subject"}},
			DoNothing: true,
		}).
		Create(account).Error
}

// UpsertIdentity 同步身份信息，只覆盖身份字段，积分字段保持不变
func (r *AccountRepository) UpsertIdentity(ctx context.Context, account *model.Account) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "auth_subject"}},
			DoUpdates: clause.AssignmentColumns([]string{"email", "name", "identity_deleted_at", "updated_at"}),
		}).
		Create(account).Error
}

func (r *AccountRepository) updateColumns(ctx context.Context, accountID string, values map[string]interface{}) error {
	result := r.db.WithContext(ctx).
		Model(&model.Account{}).
		Where("auth_subject = ?", accountID).
		Updates(values)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (r *AccountRepository) MarkIdentityDeleted(ctx context.Context, accountID string, at time.Time) error {
	return r.updateColumns(ctx, accountID, map[string]interface{}{"identity_deleted_at": at})
}

func (r *AccountRepository) SetAdmin(ctx context.Context, accountID string, isAdmin bool) error {
	return r.updateColumns(ctx, accountID, map[string]interface{}{
		"is_admin":   isAdmin,
		"updated_at": time.Now(),
	})
}

func (r *AccountRepository) SetUnlimitedUntil(ctx context.Context, accountID string, until *time.Time) error {
	return r.updateColumns(ctx, accountID, map[string]interface{}{
		"unlimited_until": until,
		"updated_at":      time.Now(),
	})
}

func (r *AccountRepository) SetStripeCustomerID(ctx context.Context, accountID, customerID string) error {
	return r.updateColumns(ctx, accountID, map[string]interface{}{"stripe_customer_id": customerID})
}

func (r *AccountRepository) IncrementFreePosts(ctx context.Context, tx *gorm.DB, accountID string, at time.Time) error {
	result := tx.WithContext(ctx).
		Model(&model.Account{}).
		Where("auth_subject = ?", accountID).
		Updates(map[string]interface{}{
			"free_posts_used":   gorm.Expr("free_posts_used + 1"),
			"last_free_post_at": at,
			"version":           gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// Deduct 条件扣减，余额不足时一行都不会更新
func (r *AccountRepository) Deduct(ctx context.Context, tx *gorm.DB, accountID string, amount int64, version int) error {
	result := tx.WithContext(ctx).
		Model(&model.Account{}).
		Where("auth_subject = ? AND purchased_credits >= ? AND version = ?", accountID, amount, version).
		Updates(map[string]interface{}{
			"purchased_credits": gorm.Expr("purchased_credits - ?", amount),
			"version":           gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		account, err := r.GetByAccountID(ctx, tx, accountID)
		if err != nil {
			return err
		}
		if account.PurchasedCredits < amount {
			return ErrInsufficientCredits
		}
		return ErrOptimisticLock
	}

	return nil
}

func (r *AccountRepository) Increase(ctx context.Context, tx *gorm.DB, accountID string, amount int64) error {
	result := tx.WithContext(ctx).
		Model(&model.Account{}).
		Where("auth_subject = ?", accountID).
		Updates(map[string]interface{}{
			"purchased_credits": gorm.Expr("purchased_credits + ?", amount),
			"version":           gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrAccountNotFound
	}

	return nil
}
