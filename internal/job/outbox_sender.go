package job

import (
	"context"
	"time"

	"creditsystem/internal/infrastructure/mq"
	"creditsystem/internal/logging"
	"creditsystem/internal/model"
	"creditsystem/internal/repository"
)

// OutboxSender 把事务内写入的账本事件投递到消息队列
type OutboxSender struct {
	store         repository.OutboxStore
	publisher     mq.Publisher
	logger        logging.Logger
	stopCh        chan struct{}
	interval      time.Duration
	batchSize     int
	maxRetryCount int
}

func NewOutboxSender(store repository.OutboxStore, publisher mq.Publisher, interval time.Duration, maxRetryCount int, logger logging.Logger) *OutboxSender {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if maxRetryCount <= 0 {
		maxRetryCount = 5
	}
	return &OutboxSender{
		store:         store,
		publisher:     publisher,
		logger:        logger.With("component", "OutboxSender"),
		stopCh:        make(chan struct{}),
		interval:      interval,
		batchSize:     100,
		maxRetryCount: maxRetryCount,
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	s.logger.Info(ctx, "消息发送任务启动", "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info(ctx, "收到停止信号，任务退出")
			return
		case <-s.stopCh:
			s.logger.Info(ctx, "任务停止")
			return
		case <-ticker.C:
			s.ProcessPending(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	close(s.stopCh)
}

// ProcessPending 发送一批待投递消息，返回成功条数
func (s *OutboxSender) ProcessPending(ctx context.Context) int {
	messages, err := s.store.GetPendingMessages(ctx, s.batchSize)
	if err != nil {
		s.logger.Error(ctx, "查询消息失败", "error", err)
		return 0
	}

	sent := 0
	for _, msg := range messages {
		if s.sendMessage(ctx, msg) {
			sent++
		}
	}
	return sent
}

func (s *OutboxSender) sendMessage(ctx context.Context, msg *model.OutboxMessage) bool {
	err := s.publisher.Publish(ctx, msg.Topic, msg.MessageKey, msg.Payload)
	if err == nil {
		if updateErr := s.store.MarkOutboxSent(ctx, msg.ID); updateErr != nil {
			// 状态未更新会导致重复投递，消费方按 message key 去重
			s.logger.Error(ctx, "更新消息状态失败", "id", msg.ID, "error", updateErr)
			return false
		}
		return true
	}

	s.logger.Warn(ctx, "消息发送失败", "id", msg.ID, "event_type", msg.EventType, "retry_count", msg.RetryCount, "error", err)

	if msg.RetryCount+1 >= s.maxRetryCount {
		if err := s.store.MarkOutboxFailed(ctx, msg.ID); err != nil {
			s.logger.Error(ctx, "标记消息失败状态失败", "id", msg.ID, "error", err)
		} else {
			s.logger.Error(ctx, "消息超过最大重试次数，标记为失败", "id", msg.ID, "key", msg.MessageKey)
		}
		return false
	}
	if err := s.store.IncrementOutboxRetry(ctx, msg.ID); err != nil {
		s.logger.Error(ctx, "增加重试次数失败", "id", msg.ID, "error", err)
	}
	return false
}
