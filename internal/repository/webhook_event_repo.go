package repository

import (
	"context"
	"errors"
	"time"

	"creditsystem/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type WebhookEventRepository struct {
	db *gorm.DB
}

func NewWebhookEventRepository(db *gorm.DB) *WebhookEventRepository {
	return &WebhookEventRepository{db: db}
}

// CreateIfAbsent 依赖 (provider, provider_event_id) 唯一约束去重
// 返回值 created=false 表示该事件之前已经收到过
func (r *WebhookEventRepository) CreateIfAbsent(ctx context.Context, ev *model.WebhookEvent) (*model.WebhookEvent, bool, error) {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(ev)
	if result.Error != nil {
		return nil, false, result.Error
	}
	if result.RowsAffected == 1 {
		return ev, true, nil
	}

	var existing model.WebhookEvent
	err := r.db.WithContext(ctx).
		Where("provider = ? AND provider_event_id = ?", ev.Provider, ev.ProviderEventID).
		First(&existing).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, errors.New("回调事件去重冲突但查询不到已有记录")
		}
		return nil, false, err
	}
	return &existing, false, nil
}

// MarkProcessed 处理失败时只记录错误，processed_at 保持为空，允许支付方重投时重新处理
func (r *WebhookEventRepository) MarkProcessed(ctx context.Context, id int64, processingErr string) error {
	updates := map[string]interface{}{"processing_error": processingErr}
	if processingErr == "" {
		updates["processed_at"] = time.Now()
	}
	return r.db.WithContext(ctx).
		Model(&model.WebhookEvent{}).
		Where("id = ?", id).
		Updates(updates).Error
}
