package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"creditsystem/internal/config"
	"creditsystem/internal/infrastructure/metrics"
	"creditsystem/internal/infrastructure/payment"
	"creditsystem/internal/logging"
	"creditsystem/internal/model"
	"creditsystem/internal/repository"
)

// Stripe 结账会话事件
const (
	EventCheckoutCompleted      = "checkout.session.completed"
	EventCheckoutAsyncSucceeded = "checkout.session.async_payment_succeeded"
	EventCheckoutAsyncFailed    = "checkout.session.async_payment_failed"
	EventCheckoutExpired        = "checkout.session.expired"
)

const (
	paymentFailureReasonExpired = "expired"
	paymentFailureReasonAsync   = "async_payment_failed"
	paymentFailureReasonTimeout = "timeout"

	planSourceMetadataCredits = "metadata_credits"
	planSourcePlanID          = "plan_id"
	planSourceAmountInference = "amount"
)

// PaymentService 结账会话创建、webhook 对账、补偿查询
type PaymentService struct {
	ledger   *LedgerService
	store    repository.Store
	provider payment.Provider
	cfg      *config.Config
	logger   logging.Logger
	metrics  *metrics.LedgerMetrics
	now      func() time.Time
}

func NewPaymentService(ledger *LedgerService, store repository.Store, provider payment.Provider, cfg *config.Config, logger logging.Logger, m *metrics.LedgerMetrics) *PaymentService {
	return &PaymentService{
		ledger:   ledger,
		store:    store,
		provider: provider,
		cfg:      cfg,
		logger:   logger.With("component", "PaymentService"),
		metrics:  m,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ============================================================================
// 创建支付
// ============================================================================

type BillingAddress struct {
	Line1      string `json:"line1" binding:"required,max=200"`
	Line2      string `json:"line2" binding:"omitempty,max=200"`
	City       string `json:"city" binding:"required,max=100"`
	State      string `json:"state" binding:"omitempty,max=100"`
	PostalCode string `json:"postal_code" binding:"required,max=20"`
	Country    string `json:"country" binding:"required,iso3166_1_alpha2"`
}

type Contact struct {
	Email string `json:"email" binding:"required,email,max=255"`
	Name  string `json:"name" binding:"required,max=100"`
}

type CreatePaymentRequest struct {
	PlanID         string         `json:"plan_id" binding:"required,max=64"`
	BillingAddress BillingAddress `json:"billing_address"`
	Contact        Contact        `json:"contact"`
}

type CreatePaymentResult struct {
	PaymentID string `json:"payment_id"`
	URL       string `json:"url"`
}

// CreatePayment 所有字段校验通过后才会调用支付方
func (s *PaymentService) CreatePayment(ctx context.Context, accountID string, req CreatePaymentRequest) (*CreatePaymentResult, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	plan, ok := s.cfg.FindPlan(req.PlanID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, req.PlanID)
	}

	if err := s.store.EnsureAccountIdentity(ctx, accountID, req.Contact.Email, req.Contact.Name); err != nil {
		return nil, fmt.Errorf("创建账户失败: %w", err)
	}
	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	customerID := account.StripeCustomerID
	if customerID == "" {
		customerID, err = s.provider.CreateCustomer(ctx, payment.CustomerParams{
			AccountID: accountID,
			Email:     req.Contact.Email,
			Name:      req.Contact.Name,
			Address: payment.Address{
				Line1:      req.BillingAddress.Line1,
				Line2:      req.BillingAddress.Line2,
				City:       req.BillingAddress.City,
				State:      req.BillingAddress.State,
				PostalCode: req.BillingAddress.PostalCode,
				Country:    strings.ToUpper(req.BillingAddress.Country),
			},
		})
		if err != nil {
			return nil, fmt.Errorf("创建支付客户失败: %w", err)
		}
		if err := s.store.SetStripeCustomerID(ctx, accountID, customerID); err != nil {
			return nil, fmt.Errorf("保存支付客户失败: %w", err)
		}
	}

	frontend := strings.TrimRight(s.cfg.Stripe.FrontendURL, "/")
	sess, err := s.provider.CreateCheckoutSession(ctx, payment.CheckoutParams{
		CustomerID: customerID,
		AccountID:  accountID,
		PlanID:     plan.ID,
		PlanName:   plan.Name,
		PriceID:    plan.PriceID,
		Credits:    plan.Credits,
		Amount:     plan.Amount,
		Currency:   plan.Currency,
		SuccessURL: frontend + "/payment/success?payment_id={CHECKOUT_SESSION_ID}",
		CancelURL:  frontend + "/payment/cancel",
	})
	if err != nil {
		return nil, fmt.Errorf("创建结账会话失败: %w", err)
	}

	err = s.store.Transaction(ctx, func(tx repository.Tx) error {
		return tx.CreatePaymentIfAbsent(ctx, &model.PaymentRecord{
			ExternalPaymentID: sess.ID,
			AccountID:         &accountID,
			PlanID:            plan.ID,
			Credits:           plan.Credits,
			Amount:            plan.Amount,
			Currency:          plan.Currency,
			Status:            model.PaymentStatusPending,
			PayerEmail:        req.Contact.Email,
		})
	})
	if err != nil {
		// 会话已创建，支付完成后 webhook 仍会补建记录
		s.logger.Error(ctx, "保存待支付记录失败", "payment_id", sess.ID, "account_id", accountID, "error", err)
		return nil, fmt.Errorf("保存支付记录失败: %w", err)
	}

	s.logger.Info(ctx, "结账会话已创建", "payment_id", sess.ID, "account_id", accountID, "plan_id", plan.ID)
	return &CreatePaymentResult{PaymentID: sess.ID, URL: sess.URL}, nil
}

type VerifyPaymentResult struct {
	PaymentID        string `json:"payment_id"`
	Status           string `json:"status"`
	AlreadyProcessed bool   `json:"already_processed"`
	Credits          int64  `json:"credits"`
}

// VerifyPayment 只读，前端跳转回来后轮询
func (s *PaymentService) VerifyPayment(ctx context.Context, accountID, paymentID string) (*VerifyPaymentResult, error) {
	if strings.TrimSpace(paymentID) == "" {
		return nil, fmt.Errorf("%w: payment_id 不能为空", ErrValidation)
	}
	rec, err := s.store.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	// 不暴露其他账户的支付
	if rec.AccountID != nil && *rec.AccountID != accountID {
		return nil, ErrPaymentNotFound
	}
	return &VerifyPaymentResult{
		PaymentID:        rec.ExternalPaymentID,
		Status:           rec.Status,
		AlreadyProcessed: rec.Status == model.PaymentStatusSucceeded,
		Credits:          rec.Credits,
	}, nil
}

// ============================================================================
// 套餐解析
// ============================================================================

type PlanResolution struct {
	PlanID   string
	Credits  int64
	Source   string
	Mismatch bool
}

// ResolvePlanCredits 优先级：元数据 credits > 元数据 plan_id > 按金额推断
// 元数据套餐与实付金额不一致时以元数据为准，记录告警和指标
func (s *PaymentService) ResolvePlanCredits(ctx context.Context, paymentID string, meta map[string]string, amount int64) (PlanResolution, error) {
	res := PlanResolution{PlanID: meta[payment.MetaPlanID]}
	plan, planKnown := s.cfg.FindPlan(res.PlanID)

	if raw := meta[payment.MetaCredits]; raw != "" {
		credits, err := strconv.ParseInt(raw, 10, 64)
		if err == nil && credits > 0 {
			res.Credits = credits
			res.Source = planSourceMetadataCredits
		} else {
			s.logger.Warn(ctx, "元数据 credits 无效，忽略", "payment_id", paymentID, "credits", raw)
		}
	}
	if res.Credits == 0 && planKnown {
		res.Credits = plan.Credits
		res.Source = planSourcePlanID
	}

	if res.Credits > 0 {
		if planKnown && amount > 0 && plan.Amount != amount {
			res.Mismatch = true
			s.metrics.PlanMismatchTotal.Inc()
			s.logger.Warn(ctx, "套餐金额与实付金额不一致，以元数据为准", "payment_id", paymentID,
				"plan_id", plan.ID, "plan_amount", plan.Amount, "paid_amount", amount, "credits", res.Credits)
		}
		return res, nil
	}

	// 最后手段：按实付金额匹配套餐
	for _, p := range s.cfg.Plans {
		if amount > 0 && p.Amount == amount {
			s.logger.Warn(ctx, "支付缺少套餐元数据，按金额推断", "payment_id", paymentID, "amount", amount, "plan_id", p.ID)
			return PlanResolution{PlanID: p.ID, Credits: p.Credits, Source: planSourceAmountInference}, nil
		}
	}
	return res, fmt.Errorf("%w: 无法确定支付 %s 对应的积分", ErrPlanNotFound, paymentID)
}

// ============================================================================
// Webhook 对账
// ============================================================================

// HandleStripeEvent 签名已校验的事件；返回 nil 才应答 2xx
func (s *PaymentService) HandleStripeEvent(ctx context.Context, ev *payment.Event, payload []byte) error {
	rec, created, err := s.store.RecordWebhookEvent(ctx, &model.WebhookEvent{
		Provider:        model.WebhookProviderStripe,
		ProviderEventID: ev.ID,
		EventType:       ev.Type,
		Payload:         string(payload),
	})
	if err != nil {
		s.metrics.WebhookEventTotal.WithLabelValues(model.WebhookProviderStripe, "error").Inc()
		return fmt.Errorf("记录回调事件失败: %w", err)
	}
	if !created && rec.ProcessedAt != nil {
		s.metrics.WebhookEventTotal.WithLabelValues(model.WebhookProviderStripe, "duplicate").Inc()
		s.logger.Info(ctx, "回调事件已处理，跳过", "event_id", ev.ID, "type", ev.Type)
		return nil
	}

	procErr := s.applyStripeEvent(ctx, ev)
	result := "ok"
	switch {
	case procErr == nil:
	case isPermanentPaymentError(procErr):
		// 重试也不会成功，应答 2xx 并留给人工核对
		result = "rejected"
		s.logger.Error(ctx, "回调事件无法处理，需要人工核对", "event_id", ev.ID, "type", ev.Type, "error", procErr)
	default:
		result = "error"
	}

	processingErr := ""
	if procErr != nil {
		processingErr = procErr.Error()
	}
	if err := s.store.MarkWebhookProcessed(ctx, rec.ID, processingErr); err != nil && procErr == nil {
		s.metrics.WebhookEventTotal.WithLabelValues(model.WebhookProviderStripe, "error").Inc()
		return fmt.Errorf("更新回调事件失败: %w", err)
	}
	s.metrics.WebhookEventTotal.WithLabelValues(model.WebhookProviderStripe, result).Inc()

	if result == "error" {
		return procErr
	}
	return nil
}

func isPermanentPaymentError(err error) bool {
	return errors.Is(err, ErrPaymentTerminal) || errors.Is(err, ErrPaymentAccountMismatch) || errors.Is(err, ErrPlanNotFound) || errors.Is(err, ErrValidation)
}

func (s *PaymentService) applyStripeEvent(ctx context.Context, ev *payment.Event) error {
	switch ev.Type {
	case EventCheckoutCompleted, EventCheckoutAsyncSucceeded:
		if ev.Session == nil {
			return fmt.Errorf("%w: 事件 %s 缺少结账会话", ErrValidation, ev.ID)
		}
		if ev.Session.PaymentStatus != payment.PaymentStatusPaid {
			// 异步支付方式在 completed 时仍是 unpaid，等待 async_payment_succeeded
			s.logger.Info(ctx, "结账完成但尚未付款，等待后续事件", "payment_id", ev.Session.ID, "payment_status", ev.Session.PaymentStatus)
			return nil
		}
		_, err := s.grantFromSession(ctx, ev.Session)
		return err

	case EventCheckoutAsyncFailed, EventCheckoutExpired:
		if ev.Session == nil {
			return fmt.Errorf("%w: 事件 %s 缺少结账会话", ErrValidation, ev.ID)
		}
		reason := paymentFailureReasonExpired
		if ev.Type == EventCheckoutAsyncFailed {
			reason = paymentFailureReasonAsync
		}
		_, err := s.ledger.MarkPaymentFailed(ctx, ev.Session.ID, reason)
		return err

	default:
		s.logger.Info(ctx, "忽略未订阅的回调事件", "event_id", ev.ID, "type", ev.Type)
		return nil
	}
}

func (s *PaymentService) grantFromSession(ctx context.Context, sess *payment.CheckoutSession) (*GrantResult, error) {
	meta := make(map[string]string, len(sess.Metadata)+1)
	for k, v := range sess.Metadata {
		meta[k] = v
	}

	existing, err := s.store.GetPayment(ctx, sess.ID)
	if err != nil && !errors.Is(err, repository.ErrPaymentNotFound) {
		return nil, fmt.Errorf("查询支付记录失败: %w", err)
	}

	accountID := meta[payment.MetaAccountID]
	if accountID == "" {
		accountID = sess.ClientReferenceID
	}
	if existing != nil {
		if accountID == "" && existing.AccountID != nil {
			accountID = *existing.AccountID
		}
		if meta[payment.MetaPlanID] == "" {
			meta[payment.MetaPlanID] = existing.PlanID
		}
	}
	if accountID == "" {
		return nil, fmt.Errorf("%w: 支付 %s 无法关联账户", ErrValidation, sess.ID)
	}

	plan, err := s.ResolvePlanCredits(ctx, sess.ID, meta, sess.AmountTotal)
	if err != nil {
		return nil, err
	}

	return s.ledger.GrantCreditsFromPayment(ctx, GrantRequest{
		ExternalPaymentID: sess.ID,
		AccountID:         accountID,
		Credits:           plan.Credits,
		Amount:            sess.AmountTotal,
		Currency:          sess.Currency,
		PayerEmail:        sess.CustomerEmail,
		PlanID:            plan.PlanID,
	})
}

// ============================================================================
// 补偿对账
// ============================================================================

type ReconcileStats struct {
	Checked int
	Granted int
	Failed  int
	Skipped int
	Errors  int
}

// ReconcilePending 主动查询长时间未完成的支付，补偿丢失的 webhook
func (s *PaymentService) ReconcilePending(ctx context.Context, pendingFor, timeout time.Duration, limit int) (ReconcileStats, error) {
	var stats ReconcileStats
	now := s.now()
	pending, err := s.store.ListPendingPayments(ctx, now.Add(-pendingFor), limit)
	if err != nil {
		return stats, fmt.Errorf("查询待支付记录失败: %w", err)
	}

	for _, rec := range pending {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		stats.Checked++

		sess, err := s.provider.GetCheckoutSession(ctx, rec.ExternalPaymentID)
		if err != nil {
			stats.Errors++
			s.logger.Warn(ctx, "查询结账会话失败", "payment_id", rec.ExternalPaymentID, "error", err)
			continue
		}

		switch {
		case sess.PaymentStatus == payment.PaymentStatusPaid:
			res, err := s.grantFromSession(ctx, sess)
			if err != nil {
				stats.Errors++
				s.logger.Error(ctx, "补偿发放积分失败", "payment_id", rec.ExternalPaymentID, "error", err)
				continue
			}
			if res.Applied {
				stats.Granted++
				s.logger.Warn(ctx, "webhook 丢失，已通过对账补发积分", "payment_id", rec.ExternalPaymentID)
			}

		case sess.Status == payment.SessionStatusExpired || now.Sub(rec.CreatedAt) > timeout:
			reason := paymentFailureReasonExpired
			if sess.Status != payment.SessionStatusExpired {
				reason = paymentFailureReasonTimeout
			}
			changed, err := s.ledger.MarkPaymentFailed(ctx, rec.ExternalPaymentID, reason)
			if err != nil {
				stats.Errors++
				s.logger.Error(ctx, "关闭超时支付失败", "payment_id", rec.ExternalPaymentID, "error", err)
				continue
			}
			if changed {
				stats.Failed++
			}

		default:
			stats.Skipped++
		}
	}
	return stats, nil
}
