package repository

import (
	"context"
	"errors"
	"time"

	"creditsystem/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type PaymentRepository struct {
	db *gorm.DB
}

func NewPaymentRepository(db *gorm.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

func (r *PaymentRepository) conn(tx *gorm.DB) *gorm.DB {
	if tx == nil {
		return r.db
	}
	return tx
}

func (r *PaymentRepository) GetByExternalID(ctx context.Context, tx *gorm.DB, externalID string) (*model.PaymentRecord, error) {
	var payment model.PaymentRecord
	err := r.conn(tx).WithContext(ctx).Where("external_payment_id = ?", externalID).First(&payment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return &payment, nil
}

func (r *PaymentRepository) GetByExternalIDForUpdate(ctx context.Context, tx *gorm.DB, externalID string) (*model.PaymentRecord, error) {
	var payment model.PaymentRecord
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("external_payment_id = ?", externalID).
		First(&payment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return &payment, nil
}

func (r *PaymentRepository) CreateIfAbsent(ctx context.Context, tx *gorm.DB, payment *model.PaymentRecord) error {
	return r.conn(tx).WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "external_payment_id"}},
			DoNothing: true,
		}).
		Create(payment).Error
}

// UpdateStatus 状态机校验 + 条件更新，WHERE 中带上原状态防止并发覆盖终态
func (r *PaymentRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, payment *model.PaymentRecord, fromStatus string) error {
	if !model.CanPaymentTransitionTo(fromStatus, payment.Status) {
		return ErrPaymentStatusInvalid
	}

	updates := map[string]interface{}{
		"status":         payment.Status,
		"account_id":     payment.AccountID,
		"plan_id":        payment.PlanID,
		"credits":        payment.Credits,
		"amount":         payment.Amount,
		"currency":       payment.Currency,
		"payer_email":    payment.PayerEmail,
		"failure_reason": payment.FailureReason,
		"paid_at":        payment.PaidAt,
	}

	result := r.conn(tx).WithContext(ctx).
		Model(&model.PaymentRecord{}).
		Where("external_payment_id = ? AND status = ?", payment.ExternalPaymentID, fromStatus).
		Updates(updates)

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrPaymentStatusInvalid
	}
	return nil
}

func (r *PaymentRepository) ListPendingBefore(ctx context.Context, createdBefore time.Time, limit int) ([]*model.PaymentRecord, error) {
	var payments []*model.PaymentRecord
	err := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", model.PaymentStatusPending, createdBefore).
		Order("created_at ASC").
		Limit(limit).
		Find(&payments).Error
	return payments, err
}
