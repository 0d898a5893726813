package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"creditsystem/internal/config"
	"creditsystem/internal/infrastructure/lock"
	"creditsystem/internal/infrastructure/metrics"
	"creditsystem/internal/logging"
	"creditsystem/internal/model"
	"creditsystem/internal/repository"
	"creditsystem/pkg/idgen"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// LedgerService 积分账本，所有余额变更的唯一入口
//
// 两种"额度"严格分开：
//   - 发帖额度：按月从使用记录统计，不扣减任何余额字段
//   - AI 工具积分：purchased_credits 余额，只由 SpendAIToolCredits 扣减
type LedgerService struct {
	store     repository.Store
	locker    lock.Locker
	logger    logging.Logger
	metrics   *metrics.LedgerMetrics
	freeLimit int64
	topic     string
	now       func() time.Time
}

func NewLedgerService(store repository.Store, locker lock.Locker, cfg *config.Config, logger logging.Logger, m *metrics.LedgerMetrics) *LedgerService {
	if locker == nil {
		locker = lock.NopLocker{}
	}
	return &LedgerService{
		store:     store,
		locker:    locker,
		logger:    logger.With("component", "LedgerService"),
		metrics:   m,
		freeLimit: int64(cfg.Ledger.FreePostsPerMonth),
		topic:     cfg.Kafka.Topic.LedgerEvents,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// LedgerEvent 写入 outbox 的账本事件
type LedgerEvent struct {
	EventID      string    `json:"event_id"`
	Type         string    `json:"type"`
	AccountID    string    `json:"account_id"`
	RefNo        string    `json:"ref_no"`
	Amount       int64     `json:"amount"`
	BalanceAfter int64     `json:"balance_after"`
	Detail       string    `json:"detail,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

func (s *LedgerService) newOutbox(ev LedgerEvent) (*model.OutboxMessage, error) {
	ev.EventID = uuid.NewString()
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("序列化账本事件失败: %w", err)
	}
	return &model.OutboxMessage{
		MessageKey: ev.AccountID,
		EventType:  ev.Type,
		Topic:      s.topic,
		Payload:    string(payload),
		Status:     model.OutboxStatusPending,
	}, nil
}

// ============================================================================
// 发帖额度
// ============================================================================

// CanConsume 只读判定，不修改任何数据；真正的扣减在 RecordUsage 中重新校验
func (s *LedgerService) CanConsume(ctx context.Context, accountID string) (*AllocationDecision, error) {
	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	usage, err := loadMonthlyUsage(ctx, s.store, accountID, now)
	if err != nil {
		return nil, err
	}

	decision := decideAllocation(account, usage, now, s.freeLimit)
	kind := string(decision.Kind)
	if !decision.Allowed {
		kind = "none"
	}
	s.metrics.AllocationCheckTotal.WithLabelValues(kind).Inc()
	return &decision, nil
}

type UsageRequest struct {
	// 调用方期望的额度类型，仅用于比对；以写入时的判定为准
	Kind    model.AllocationKind `json:"allocation_kind" binding:"omitempty,oneof=free purchased unlimited"`
	PostRef string               `json:"post_ref" binding:"omitempty,max=128"`
}

// RecordUsage 记录一次发帖，加行锁后重新判定额度
// 同一 post_ref 重复提交时直接返回已有记录
func (s *LedgerService) RecordUsage(ctx context.Context, accountID string, req UsageRequest) (*model.UsageRecord, error) {
	if req.Kind != "" && !req.Kind.Valid() {
		return nil, fmt.Errorf("%w: 不支持的额度类型 %q", ErrValidation, req.Kind)
	}
	postRef := strings.TrimSpace(req.PostRef)

	var (
		record  *model.UsageRecord
		created bool
	)
	err := s.store.Transaction(ctx, func(tx repository.Tx) error {
		account, err := tx.LockAccount(ctx, accountID)
		if err != nil {
			return err
		}

		if postRef != "" {
			existing, err := tx.FindUsageByPostRef(ctx, accountID, postRef)
			if err != nil {
				return fmt.Errorf("查询使用记录失败: %w", err)
			}
			if existing != nil {
				record = existing
				return nil
			}
		}

		now := s.now()
		usage, err := loadMonthlyUsage(ctx, tx, accountID, now)
		if err != nil {
			return err
		}
		decision := decideAllocation(account, usage, now, s.freeLimit)
		if !decision.Allowed {
			return ErrNoAllocationRemaining
		}
		if req.Kind != "" && req.Kind != decision.Kind {
			s.logger.Warn(ctx, "请求的额度类型与写入时判定不一致，以判定结果为准",
				"account_id", accountID, "requested", req.Kind, "decided", decision.Kind)
		}

		if decision.Kind == model.AllocationFree {
			if err := tx.IncrementFreePosts(ctx, accountID, now); err != nil {
				return fmt.Errorf("更新免费次数失败: %w", err)
			}
		}

		record = &model.UsageRecord{
			UsageNo:        idgen.GenerateUsageNo(),
			AccountID:      accountID,
			AllocationKind: decision.Kind,
			Tools:          datatypes.JSON("[]"),
			CreatedAt:      now,
		}
		if postRef != "" {
			record.PostRef = &postRef
		}
		if err := tx.CreateUsage(ctx, record); err != nil {
			return fmt.Errorf("创建使用记录失败: %w", err)
		}

		msg, err := s.newOutbox(LedgerEvent{
			Type:         model.EventUsageRecorded,
			AccountID:    accountID,
			RefNo:        record.UsageNo,
			BalanceAfter: account.PurchasedCredits,
			Detail:       string(decision.Kind),
			OccurredAt:   now,
		})
		if err != nil {
			return err
		}
		if err := tx.CreateOutbox(ctx, msg); err != nil {
			return fmt.Errorf("写入消息失败: %w", err)
		}

		created = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if created {
		s.metrics.UsageRecordedTotal.WithLabelValues(string(record.AllocationKind)).Inc()
		s.logger.Info(ctx, "使用记录已创建", "account_id", accountID, "usage_no", record.UsageNo, "kind", record.AllocationKind)
	}
	return record, nil
}

// ============================================================================
// AI 工具积分
// ============================================================================

type SpendRequest struct {
	AccountID string
	UsageNo   string // 可选，关联的使用记录
	Tool      string
	Cost      int64
}

type SpendResult struct {
	TransactionNo string `json:"transaction_no"`
	NewBalance    int64  `json:"new_balance"`
}

// SpendAIToolCredits 原子扣减积分
// 必须在调用外部 AI 服务之前成功返回；返回前账户锁已释放
func (s *LedgerService) SpendAIToolCredits(ctx context.Context, req SpendRequest) (*SpendResult, error) {
	if req.Cost <= 0 {
		return nil, fmt.Errorf("%w: cost 必须大于0", ErrValidation)
	}
	if req.AccountID == "" || req.Tool == "" {
		return nil, fmt.Errorf("%w: account_id 和 tool 不能为空", ErrValidation)
	}

	start := time.Now()
	defer func() { s.metrics.SpendDuration.Observe(time.Since(start).Seconds()) }()

	release, err := s.locker.LockAccount(ctx, req.AccountID, uuid.NewString())
	switch {
	case errors.Is(err, lock.ErrLockFailed):
		s.metrics.LockAcquireTotal.WithLabelValues("timeout").Inc()
		s.metrics.SpendTotal.WithLabelValues(req.Tool, "busy").Inc()
		return nil, ErrBusy
	case err != nil:
		// redis 故障时退化为只依赖数据库行锁
		s.metrics.LockAcquireTotal.WithLabelValues("error").Inc()
		s.logger.Warn(ctx, "获取账户锁失败，降级为数据库行锁", "account_id", req.AccountID, "error", err)
	default:
		s.metrics.LockAcquireTotal.WithLabelValues("ok").Inc()
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn(ctx, "释放账户锁失败", "account_id", req.AccountID, "error", err)
			}
		}()
	}

	result := &SpendResult{TransactionNo: idgen.GenerateTransactionNo()}
	err = s.store.Transaction(ctx, func(tx repository.Tx) error {
		account, err := tx.LockAccount(ctx, req.AccountID)
		if err != nil {
			return err
		}
		if account.PurchasedCredits < req.Cost {
			return ErrInsufficientCredits
		}

		if err := tx.DeductCredits(ctx, req.AccountID, req.Cost, account.Version); err != nil {
			switch {
			case errors.Is(err, repository.ErrInsufficientCredits):
				return ErrInsufficientCredits
			case errors.Is(err, repository.ErrOptimisticLock):
				return ErrBusy
			}
			return fmt.Errorf("扣减积分失败: %w", err)
		}

		refNo := "tool:" + req.Tool
		if req.UsageNo != "" {
			usage, err := tx.LockUsage(ctx, req.AccountID, req.UsageNo)
			if err != nil {
				if errors.Is(err, repository.ErrUsageNotFound) {
					return fmt.Errorf("%w: 使用记录 %s 不存在", ErrValidation, req.UsageNo)
				}
				return fmt.Errorf("查询使用记录失败: %w", err)
			}
			usage.AddToolCharge(req.Tool, result.TransactionNo, req.Cost)
			if err := tx.UpdateUsageTools(ctx, usage); err != nil {
				return fmt.Errorf("更新使用记录失败: %w", err)
			}
			refNo = req.UsageNo
		}

		balanceAfter := account.PurchasedCredits - req.Cost
		now := s.now()
		if err := tx.CreateTransaction(ctx, &model.CreditTransaction{
			TransactionNo: result.TransactionNo,
			AccountID:     req.AccountID,
			RefNo:         refNo,
			Amount:        -req.Cost,
			Type:          model.CreditTxnSpend,
			BalanceBefore: account.PurchasedCredits,
			BalanceAfter:  balanceAfter,
			Remark:        "AI工具-" + req.Tool,
			CreatedAt:     now,
		}); err != nil {
			return fmt.Errorf("记录流水失败: %w", err)
		}

		msg, err := s.newOutbox(LedgerEvent{
			Type:         model.EventCreditsSpent,
			AccountID:    req.AccountID,
			RefNo:        result.TransactionNo,
			Amount:       -req.Cost,
			BalanceAfter: balanceAfter,
			Detail:       req.Tool,
			OccurredAt:   now,
		})
		if err != nil {
			return err
		}
		if err := tx.CreateOutbox(ctx, msg); err != nil {
			return fmt.Errorf("写入消息失败: %w", err)
		}

		result.NewBalance = balanceAfter
		return nil
	})
	if err != nil {
		outcome := "error"
		switch {
		case errors.Is(err, ErrInsufficientCredits):
			outcome = "insufficient"
		case errors.Is(err, ErrBusy):
			outcome = "busy"
		}
		s.metrics.SpendTotal.WithLabelValues(req.Tool, outcome).Inc()
		return nil, err
	}

	s.metrics.SpendTotal.WithLabelValues(req.Tool, "ok").Inc()
	s.logger.Info(ctx, "积分扣减成功", "account_id", req.AccountID, "tool", req.Tool, "cost", req.Cost, "balance", result.NewBalance)
	return result, nil
}

// RefundToolSpend 退回一笔 AI 工具消费，同一笔消费只退一次
func (s *LedgerService) RefundToolSpend(ctx context.Context, accountID, spendTxnNo string) (int64, error) {
	var balance int64
	err := s.store.Transaction(ctx, func(tx repository.Tx) error {
		account, err := tx.LockAccount(ctx, accountID)
		if err != nil {
			return err
		}

		refunded, err := tx.FindTransactionByRef(ctx, accountID, spendTxnNo, model.CreditTxnRefund)
		if err != nil {
			return fmt.Errorf("查询流水失败: %w", err)
		}
		if refunded != nil {
			balance = account.PurchasedCredits
			return nil
		}

		spend, err := tx.GetTransaction(ctx, accountID, spendTxnNo)
		if err != nil {
			return fmt.Errorf("查询消费流水失败: %w", err)
		}
		if spend.Type != model.CreditTxnSpend {
			return fmt.Errorf("%w: 流水 %s 不是消费流水", ErrValidation, spendTxnNo)
		}
		amount := -spend.Amount

		if err := tx.IncreaseCredits(ctx, accountID, amount); err != nil {
			return fmt.Errorf("退回积分失败: %w", err)
		}

		// 消费关联了使用记录时同步标记明细并扣回 credits_spent
		if usage, err := tx.LockUsage(ctx, accountID, spend.RefNo); err == nil {
			if !usage.RefundToolCharge(spendTxnNo) {
				usage.CreditsSpent -= amount
				if usage.CreditsSpent < 0 {
					usage.CreditsSpent = 0
				}
			}
			if err := tx.UpdateUsageTools(ctx, usage); err != nil {
				return fmt.Errorf("更新使用记录失败: %w", err)
			}
		} else if !errors.Is(err, repository.ErrUsageNotFound) {
			return fmt.Errorf("查询使用记录失败: %w", err)
		}

		now := s.now()
		balance = account.PurchasedCredits + amount
		if err := tx.CreateTransaction(ctx, &model.CreditTransaction{
			TransactionNo: idgen.GenerateTransactionNo(),
			AccountID:     accountID,
			RefNo:         spendTxnNo,
			Amount:        amount,
			Type:          model.CreditTxnRefund,
			BalanceBefore: account.PurchasedCredits,
			BalanceAfter:  balance,
			Remark:        "上游失败退回",
			CreatedAt:     now,
		}); err != nil {
			return fmt.Errorf("记录流水失败: %w", err)
		}

		msg, err := s.newOutbox(LedgerEvent{
			Type:         model.EventCreditsRefunded,
			AccountID:    accountID,
			RefNo:        spendTxnNo,
			Amount:       amount,
			BalanceAfter: balance,
			OccurredAt:   now,
		})
		if err != nil {
			return err
		}
		return tx.CreateOutbox(ctx, msg)
	})
	if err != nil {
		return 0, err
	}

	s.logger.Info(ctx, "积分已退回", "account_id", accountID, "spend_txn_no", spendTxnNo, "balance", balance)
	return balance, nil
}

// ============================================================================
// 支付发放
// ============================================================================

type GrantRequest struct {
	ExternalPaymentID string
	AccountID         string
	Credits           int64
	Amount            int64
	Currency          string
	PayerEmail        string
	PlanID            string
}

type GrantResult struct {
	Applied    bool  `json:"applied"`
	NewBalance int64 `json:"new_balance"`
}

// GrantCreditsFromPayment 按外部支付 ID 幂等发放积分
// 支付记录置为 succeeded 与余额增加在同一事务内提交
func (s *LedgerService) GrantCreditsFromPayment(ctx context.Context, req GrantRequest) (*GrantResult, error) {
	if req.ExternalPaymentID == "" || req.AccountID == "" {
		return nil, fmt.Errorf("%w: payment_id 和 account_id 不能为空", ErrValidation)
	}
	if req.Credits <= 0 {
		return nil, fmt.Errorf("%w: credits 必须大于0", ErrValidation)
	}

	result := &GrantResult{}
	err := s.store.Transaction(ctx, func(tx repository.Tx) error {
		payment, err := tx.LockPayment(ctx, req.ExternalPaymentID)
		if errors.Is(err, repository.ErrPaymentNotFound) {
			// 第一次见到这笔支付（例如 webhook 先于创建流程到达）
			if err := tx.CreatePaymentIfAbsent(ctx, &model.PaymentRecord{
				ExternalPaymentID: req.ExternalPaymentID,
				Status:            model.PaymentStatusPending,
			}); err != nil {
				return fmt.Errorf("创建支付记录失败: %w", err)
			}
			payment, err = tx.LockPayment(ctx, req.ExternalPaymentID)
		}
		if err != nil {
			return fmt.Errorf("查询支付记录失败: %w", err)
		}

		// 同一支付 ID 只能属于一个账户
		if payment.AccountID != nil && *payment.AccountID != req.AccountID {
			return fmt.Errorf("%w: 支付 %s 已关联其他账户", ErrPaymentAccountMismatch, req.ExternalPaymentID)
		}

		switch payment.Status {
		case model.PaymentStatusSucceeded:
			return ErrDuplicatePayment
		case model.PaymentStatusFailed:
			return ErrPaymentTerminal
		}

		if err := tx.EnsureAccount(ctx, req.AccountID); err != nil {
			return fmt.Errorf("创建账户失败: %w", err)
		}
		account, err := tx.LockAccount(ctx, req.AccountID)
		if err != nil {
			return err
		}

		now := s.now()
		fromStatus := payment.Status
		accountID := req.AccountID
		payment.Status = model.PaymentStatusSucceeded
		payment.AccountID = &accountID
		payment.Credits = req.Credits
		payment.PaidAt = &now
		if req.Amount > 0 {
			payment.Amount = req.Amount
		}
		if req.Currency != "" {
			payment.Currency = req.Currency
		}
		if req.PayerEmail != "" {
			payment.PayerEmail = req.PayerEmail
		}
		if req.PlanID != "" {
			payment.PlanID = req.PlanID
		}
		if err := tx.UpdatePaymentStatus(ctx, payment, fromStatus); err != nil {
			return fmt.Errorf("更新支付状态失败: %w", err)
		}

		if err := tx.IncreaseCredits(ctx, req.AccountID, req.Credits); err != nil {
			return fmt.Errorf("增加积分失败: %w", err)
		}

		balanceAfter := account.PurchasedCredits + req.Credits
		if err := tx.CreateTransaction(ctx, &model.CreditTransaction{
			TransactionNo: idgen.GenerateTransactionNo(),
			AccountID:     req.AccountID,
			RefNo:         req.ExternalPaymentID,
			Amount:        req.Credits,
			Type:          model.CreditTxnGrant,
			BalanceBefore: account.PurchasedCredits,
			BalanceAfter:  balanceAfter,
			Remark:        "支付发放-" + payment.PlanID,
			CreatedAt:     now,
		}); err != nil {
			return fmt.Errorf("记录流水失败: %w", err)
		}

		msg, err := s.newOutbox(LedgerEvent{
			Type:         model.EventCreditsGranted,
			AccountID:    req.AccountID,
			RefNo:        req.ExternalPaymentID,
			Amount:       req.Credits,
			BalanceAfter: balanceAfter,
			Detail:       payment.PlanID,
			OccurredAt:   now,
		})
		if err != nil {
			return err
		}
		if err := tx.CreateOutbox(ctx, msg); err != nil {
			return fmt.Errorf("写入消息失败: %w", err)
		}

		result.Applied = true
		result.NewBalance = balanceAfter
		return nil
	})

	switch {
	case err == nil:
		s.metrics.GrantTotal.WithLabelValues("applied").Inc()
		s.metrics.GrantCredits.Add(float64(req.Credits))
		s.logger.Info(ctx, "积分发放成功", "payment_id", req.ExternalPaymentID, "account_id", req.AccountID,
			"credits", req.Credits, "balance", result.NewBalance)
		return result, nil

	case errors.Is(err, ErrDuplicatePayment):
		// 重复投递视为成功，返回当前余额
		s.metrics.GrantTotal.WithLabelValues("duplicate").Inc()
		account, getErr := s.store.GetAccount(ctx, req.AccountID)
		if getErr != nil {
			return nil, getErr
		}
		s.logger.Info(ctx, "支付已处理，跳过发放", "payment_id", req.ExternalPaymentID, "account_id", req.AccountID)
		return &GrantResult{Applied: false, NewBalance: account.PurchasedCredits}, nil

	case errors.Is(err, ErrPaymentAccountMismatch):
		s.metrics.GrantTotal.WithLabelValues("mismatch").Inc()
		s.logger.Error(ctx, "支付关联账户不一致，拒绝发放", "payment_id", req.ExternalPaymentID, "account_id", req.AccountID)
		return nil, err

	case errors.Is(err, ErrPaymentTerminal):
		s.metrics.GrantTotal.WithLabelValues("terminal").Inc()
		s.logger.Error(ctx, "支付已是失败终态，拒绝发放，需要人工核对", "payment_id", req.ExternalPaymentID, "account_id", req.AccountID)
		return nil, err

	default:
		s.metrics.GrantTotal.WithLabelValues("error").Inc()
		return nil, err
	}
}

// MarkPaymentFailed pending -> failed；已是终态时不做任何修改
// 返回 true 表示本次调用改变了状态
func (s *LedgerService) MarkPaymentFailed(ctx context.Context, externalPaymentID, reason string) (bool, error) {
	if externalPaymentID == "" {
		return false, fmt.Errorf("%w: payment_id 不能为空", ErrValidation)
	}

	changed := false
	err := s.store.Transaction(ctx, func(tx repository.Tx) error {
		payment, err := tx.LockPayment(ctx, externalPaymentID)
		if errors.Is(err, repository.ErrPaymentNotFound) {
			changed = true
			return tx.CreatePaymentIfAbsent(ctx, &model.PaymentRecord{
				ExternalPaymentID: externalPaymentID,
				Status:            model.PaymentStatusFailed,
				FailureReason:     reason,
			})
		}
		if err != nil {
			return fmt.Errorf("查询支付记录失败: %w", err)
		}
		if model.IsPaymentTerminal(payment.Status) {
			return nil
		}

		fromStatus := payment.Status
		payment.Status = model.PaymentStatusFailed
		payment.FailureReason = reason
		if err := tx.UpdatePaymentStatus(ctx, payment, fromStatus); err != nil {
			return fmt.Errorf("更新支付状态失败: %w", err)
		}

		if payment.AccountID != nil {
			msg, err := s.newOutbox(LedgerEvent{
				Type:       model.EventPaymentFailed,
				AccountID:  *payment.AccountID,
				RefNo:      externalPaymentID,
				Detail:     reason,
				OccurredAt: s.now(),
			})
			if err != nil {
				return err
			}
			if err := tx.CreateOutbox(ctx, msg); err != nil {
				return fmt.Errorf("写入消息失败: %w", err)
			}
		}
		changed = true
		return nil
	})
	if err != nil {
		return false, err
	}

	if changed {
		s.logger.Info(ctx, "支付已标记为失败", "payment_id", externalPaymentID, "reason", reason)
	}
	return changed, nil
}

// ============================================================================
// 查询
// ============================================================================

type AccountSummary struct {
	AccountID        string             `json:"account_id"`
	Email            string             `json:"email"`
	Name             string             `json:"name"`
	IsAdmin          bool               `json:"is_admin"`
	PurchasedCredits int64              `json:"purchased_credits"`
	FreePostsUsed    int64              `json:"free_posts_used"`
	UnlimitedUntil   *time.Time         `json:"unlimited_until,omitempty"`
	Gate             AllocationDecision `json:"gate"`
}

func (s *LedgerService) AccountSummary(ctx context.Context, accountID string) (*AccountSummary, error) {
	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	usage, err := loadMonthlyUsage(ctx, s.store, accountID, now)
	if err != nil {
		return nil, err
	}

	return &AccountSummary{
		AccountID:        account.AuthSubject,
		Email:            account.Email,
		Name:             account.Name,
		IsAdmin:          account.IsAdmin,
		PurchasedCredits: account.PurchasedCredits,
		FreePostsUsed:    account.FreePostsUsed,
		UnlimitedUntil:   account.UnlimitedUntil,
		Gate:             decideAllocation(account, usage, now, s.freeLimit),
	}, nil
}

const maxPageSize = 100

func normalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return page, pageSize
}

func (s *LedgerService) ListUsage(ctx context.Context, accountID string, page, pageSize int) ([]*model.UsageRecord, int64, error) {
	page, pageSize = normalizePage(page, pageSize)
	return s.store.ListUsage(ctx, accountID, page, pageSize)
}

func (s *LedgerService) ListTransactions(ctx context.Context, accountID string, page, pageSize int) ([]*model.CreditTransaction, int64, error) {
	page, pageSize = normalizePage(page, pageSize)
	return s.store.ListTransactions(ctx, accountID, page, pageSize)
}
