package payment

import (
	"context"
	"errors"
)

var ErrInvalidSignature = errors.New("webhook 签名无效")

// 结账会话状态
const (
	SessionStatusOpen     = "open"
	SessionStatusComplete = "complete"
	SessionStatusExpired  = "expired"

	PaymentStatusPaid   = "paid"
	PaymentStatusUnpaid = "unpaid"
)

// 元数据 key，创建结账会话时写入，webhook 中用于解析账户和积分数量
const (
	MetaAccountID = "account_id"
	MetaPlanID    = "plan_id"
	MetaCredits   = "credits"
)

type Address struct {
	Line1      string
	Line2      string
	City       string
	State      string
	PostalCode string
	Country    string
}

type CustomerParams struct {
	AccountID string
	Email     string
	Name      string
	Address   Address
}

type CheckoutParams struct {
	CustomerID string
	AccountID  string
	PlanID     string
	PlanName   string
	PriceID    string // 配置了 Stripe Price 时优先使用
	Credits    int64
	Amount     int64
	Currency   string
	SuccessURL string
	CancelURL  string
}

// CheckoutSession 与支付方无关的结账会话视图
type CheckoutSession struct {
	ID                string
	URL               string
	Status            string
	PaymentStatus     string
	AmountTotal       int64
	Currency          string
	CustomerEmail     string
	ClientReferenceID string
	Metadata          map[string]string
}

type Event struct {
	ID      string
	Type    string
	Session *CheckoutSession // 非 checkout.session.* 事件为 nil
}

// Provider 支付方的窄接口
type Provider interface {
	CreateCustomer(ctx context.Context, params CustomerParams) (string, error)
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*CheckoutSession, error)
	GetCheckoutSession(ctx context.Context, sessionID string) (*CheckoutSession, error)
	// ParseWebhook 先校验签名再解析，签名无效返回 ErrInvalidSignature
	ParseWebhook(payload []byte, signatureHeader string) (*Event, error)
}
