package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"creditsystem/internal/infrastructure/metrics"
	"creditsystem/internal/logging"
	"creditsystem/internal/model"
	"creditsystem/internal/repository"
)

// 身份提供方事件
const (
	IdentityEventUserCreated = "user.created"
	IdentityEventUserUpdated = "user.updated"
	IdentityEventUserDeleted = "user.deleted"
)

const manualPaymentPrefix = "manual_"

// AccountService 身份同步与管理操作，不直接修改积分字段
type AccountService struct {
	store   repository.Store
	ledger  *LedgerService
	logger  logging.Logger
	metrics *metrics.LedgerMetrics
	now     func() time.Time
}

func NewAccountService(store repository.Store, ledger *LedgerService, logger logging.Logger, m *metrics.LedgerMetrics) *AccountService {
	return &AccountService{
		store:   store,
		ledger:  ledger,
		logger:  logger.With("component", "AccountService"),
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// EnsureFromClaims 认证通过后按 token 中的身份信息建立账户
// 账户已存在且信息未变化时不写库
func (s *AccountService) EnsureFromClaims(ctx context.Context, subject, email, name string) (*model.Account, error) {
	if subject == "" {
		return nil, ErrUnauthenticated
	}
	account, err := s.store.GetAccount(ctx, subject)
	switch {
	case err == nil && (email == "" || (account.Email == email && (name == "" || account.Name == name))):
		return account, nil
	case err != nil && !errors.Is(err, repository.ErrAccountNotFound):
		return nil, err
	}

	if email == "" {
		err = s.store.EnsureAccountIdentity(ctx, subject, "", name)
	} else {
		if name == "" && account != nil {
			name = account.Name
		}
		err = s.store.UpsertIdentity(ctx, subject, email, name)
	}
	if err != nil {
		return nil, fmt.Errorf("同步账户失败: %w", err)
	}
	return s.store.GetAccount(ctx, subject)
}

func (s *AccountService) GetAccount(ctx context.Context, accountID string) (*model.Account, error) {
	return s.store.GetAccount(ctx, accountID)
}

// ============================================================================
// 身份 webhook
// ============================================================================

type IdentityEmail struct {
	ID           string `json:"id"`
	EmailAddress string `json:"email_address"`
}

type IdentityUser struct {
	ID                    string          `json:"id"`
	EmailAddresses        []IdentityEmail `json:"email_addresses"`
	PrimaryEmailAddressID string          `json:"primary_email_address_id"`
	FirstName             string          `json:"first_name"`
	LastName              string          `json:"last_name"`
	Username              string          `json:"username"`
	Deleted               bool            `json:"deleted"`
}

// PrimaryEmail 没有标记主邮箱时取第一个
func (u IdentityUser) PrimaryEmail() string {
	for _, e := range u.EmailAddresses {
		if e.ID == u.PrimaryEmailAddressID {
			return e.EmailAddress
		}
	}
	if len(u.EmailAddresses) > 0 {
		return u.EmailAddresses[0].EmailAddress
	}
	return ""
}

func (u IdentityUser) DisplayName() string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return u.Username
	}
	return name
}

type IdentityEvent struct {
	Type string       `json:"type"`
	Data IdentityUser `json:"data"`
}

// HandleIdentityEvent 签名已校验的身份事件，只同步邮箱和姓名
func (s *AccountService) HandleIdentityEvent(ctx context.Context, eventID string, payload []byte) error {
	var ev IdentityEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return fmt.Errorf("%w: 身份事件格式错误: %v", ErrValidation, err)
	}
	if ev.Data.ID == "" {
		return fmt.Errorf("%w: 身份事件缺少用户 ID", ErrValidation)
	}
	if eventID == "" {
		return fmt.Errorf("%w: 身份事件缺少事件 ID", ErrValidation)
	}

	rec, created, err := s.store.RecordWebhookEvent(ctx, &model.WebhookEvent{
		Provider:        model.WebhookProviderIdentity,
		ProviderEventID: eventID,
		EventType:       ev.Type,
		Payload:         string(payload),
	})
	if err != nil {
		return fmt.Errorf("记录回调事件失败: %w", err)
	}
	if !created && rec.ProcessedAt != nil {
		s.metrics.WebhookEventTotal.WithLabelValues(model.WebhookProviderIdentity, "duplicate").Inc()
		return nil
	}

	procErr := s.applyIdentityEvent(ctx, ev)
	processingErr := ""
	if procErr != nil {
		processingErr = procErr.Error()
	}
	if err := s.store.MarkWebhookProcessed(ctx, rec.ID, processingErr); err != nil && procErr == nil {
		return fmt.Errorf("更新回调事件失败: %w", err)
	}

	result := "ok"
	if procErr != nil {
		result = "error"
	}
	s.metrics.WebhookEventTotal.WithLabelValues(model.WebhookProviderIdentity, result).Inc()
	return procErr
}

func (s *AccountService) applyIdentityEvent(ctx context.Context, ev IdentityEvent) error {
	switch ev.Type {
	case IdentityEventUserCreated, IdentityEventUserUpdated:
		if err := s.store.UpsertIdentity(ctx, ev.Data.ID, ev.Data.PrimaryEmail(), ev.Data.DisplayName()); err != nil {
			return fmt.Errorf("同步身份信息失败: %w", err)
		}
		s.logger.Info(ctx, "身份信息已同步", "account_id", ev.Data.ID, "type", ev.Type)
		return nil

	case IdentityEventUserDeleted:
		err := s.store.MarkIdentityDeleted(ctx, ev.Data.ID, s.now())
		if errors.Is(err, repository.ErrAccountNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("标记身份删除失败: %w", err)
		}
		// 积分与历史记录保留，便于对账
		s.logger.Info(ctx, "身份已删除，账户保留", "account_id", ev.Data.ID)
		return nil

	default:
		s.logger.Info(ctx, "忽略未订阅的身份事件", "type", ev.Type)
		return nil
	}
}

// ============================================================================
// 管理操作
// ============================================================================

func (s *AccountService) IsAdmin(ctx context.Context, accountID string) (bool, error) {
	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return false, nil
		}
		return false, err
	}
	return account.IsAdmin, nil
}

func (s *AccountService) requireAdmin(ctx context.Context, actorID string) error {
	ok, err := s.IsAdmin(ctx, actorID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrForbidden
	}
	return nil
}

type SetRoleRequest struct {
	IsAdmin *bool `json:"is_admin" binding:"required"`
}

func (s *AccountService) SetAdmin(ctx context.Context, actorID, accountID string, isAdmin bool) error {
	if err := s.requireAdmin(ctx, actorID); err != nil {
		return err
	}
	if actorID == accountID && !isAdmin {
		return fmt.Errorf("%w: 不能撤销自己的管理员权限", ErrValidation)
	}
	if err := s.store.SetAdmin(ctx, accountID, isAdmin); err != nil {
		return err
	}
	s.logger.Info(ctx, "管理员权限变更", "actor", actorID, "account_id", accountID, "is_admin", isAdmin)
	return nil
}

type SetUnlimitedRequest struct {
	// 为空表示取消无限期
	Until *time.Time `json:"until"`
}

func (s *AccountService) SetUnlimited(ctx context.Context, actorID, accountID string, until *time.Time) error {
	if err := s.requireAdmin(ctx, actorID); err != nil {
		return err
	}
	if until != nil {
		u := until.UTC()
		until = &u
	}
	if err := s.store.SetUnlimitedUntil(ctx, accountID, until); err != nil {
		return err
	}
	s.logger.Info(ctx, "无限期窗口变更", "actor", actorID, "account_id", accountID, "until", until)
	return nil
}

type AdminGrantRequest struct {
	IdempotencyKey string `json:"idempotency_key" binding:"required,max=64"`
	Credits        int64  `json:"credits" binding:"required,gt=0,lte=100000"`
}

// AdminGrantCredits 手工发放，走与支付相同的幂等路径（manual_<key>）
func (s *AccountService) AdminGrantCredits(ctx context.Context, actorID, accountID string, req AdminGrantRequest) (*GrantResult, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if err := s.requireAdmin(ctx, actorID); err != nil {
		return nil, err
	}
	if _, err := s.store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}

	res, err := s.ledger.GrantCreditsFromPayment(ctx, GrantRequest{
		ExternalPaymentID: manualPaymentPrefix + req.IdempotencyKey,
		AccountID:         accountID,
		Credits:           req.Credits,
		PlanID:            "manual",
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info(ctx, "管理员手工发放积分", "actor", actorID, "account_id", accountID, "credits", req.Credits, "applied", res.Applied)
	return res, nil
}

// BootstrapAdmins 启动时按配置设置初始管理员
func (s *AccountService) BootstrapAdmins(ctx context.Context, subjects []string) error {
	for _, sub := range subjects {
		sub = strings.TrimSpace(sub)
		if sub == "" {
			continue
		}
		if err := s.store.EnsureAccountIdentity(ctx, sub, "", ""); err != nil {
			return fmt.Errorf("创建管理员账户失败: %w", err)
		}
		if err := s.store.SetAdmin(ctx, sub, true); err != nil {
			return fmt.Errorf("设置管理员失败: %w", err)
		}
		s.logger.Info(ctx, "初始管理员已设置", "account_id", sub)
	}
	return nil
}
