package repository

import (
	"context"

	"creditsystem/internal/model"

	"gorm.io/gorm"
)

type TransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func (r *TransactionRepository) Create(ctx context.Context, tx *gorm.DB, trans *model.CreditTransaction) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(trans).Error
}

func (r *TransactionRepository) GetByTransactionNo(ctx context.Context, tx *gorm.DB, accountID, transactionNo string) (*model.CreditTransaction, error) {
	if tx == nil {
		tx = r.db
	}
	var trans model.CreditTransaction
	err := tx.WithContext(ctx).
		Where("account_id = ? AND transaction_no = ?", accountID, transactionNo).
		First(&trans).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &trans, nil
}

func (r *TransactionRepository) GetByRef(ctx context.Context, tx *gorm.DB, accountID, refNo, txnType string) (*model.CreditTransaction, error) {
	if tx == nil {
		tx = r.db
	}
	var trans model.CreditTransaction
	err := tx.WithContext(ctx).
		Where("account_id = ? AND ref_no = ? AND type = ?", accountID, refNo, txnType).
		First(&trans).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &trans, nil
}

func (r *TransactionRepository) ListByAccountID(ctx context.Context, accountID string, page, pageSize int) ([]*model.CreditTransaction, int64, error) {
	var transactions []*model.CreditTransaction
	var total int64

	query := r.db.WithContext(ctx).Model(&model.CreditTransaction{}).Where("account_id = ?", accountID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&transactions).Error

	return transactions, total, err
}
