package repository

import (
	"context"

	"creditsystem/internal/model"

	"gorm.io/gorm"
)

// OutboxRepository 账本事件发件箱，与余额变更在同一事务中写入
type OutboxRepository struct {
	db *gorm.DB
}

func NewOutboxRepository(db *gorm.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

func (r *OutboxRepository) Create(ctx context.Context, tx *gorm.DB, msg *model.OutboxMessage) error {
	if tx == nil {
		tx = r.db
	}
	if msg.Status == "" {
		msg.Status = model.OutboxStatusPending
	}
	return tx.WithContext(ctx).Create(msg).Error
}

// GetPendingMessages 按写入顺序取待投递事件，同一账户的事件保持先后
func (r *OutboxRepository) GetPendingMessages(ctx context.Context, limit int) ([]*model.OutboxMessage, error) {
	var messages []*model.OutboxMessage
	q := r.db.WithContext(ctx).
		Where("status = ?", model.OutboxStatusPending).
		Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&messages).Error
	return messages, err
}

// transition 只从 PENDING 出发，避免并发发送者把已失败的事件改回成功
func (r *OutboxRepository) transition(ctx context.Context, id int64, updates map[string]interface{}) error {
	return r.db.WithContext(ctx).
		Model(&model.OutboxMessage{}).
		Where("id = ? AND status = ?", id, model.OutboxStatusPending).
		Updates(updates).Error
}

func (r *OutboxRepository) MarkSent(ctx context.Context, id int64) error {
	return r.transition(ctx, id, map[string]interface{}{"status": model.OutboxStatusSent})
}

func (r *OutboxRepository) IncrementRetry(ctx context.Context, id int64) error {
	return r.transition(ctx, id, map[string]interface{}{"retry_count": gorm.Expr("retry_count + 1")})
}

// MarkFailed 超过重试上限，留待人工处理
func (r *OutboxRepository) MarkFailed(ctx context.Context, id int64) error {
	return r.transition(ctx, id, map[string]interface{}{
		"status":      model.OutboxStatusFailed,
		"retry_count": gorm.Expr("retry_count + 1"),
	})
}
