package repository

import (
	"context"
	"time"

	"creditsystem/internal/model"
)

// Reader 只读查询，事务内外都可使用
type Reader interface {
	GetAccount(ctx context.Context, accountID string) (*model.Account, error)
	GetPayment(ctx context.Context, externalPaymentID string) (*model.PaymentRecord, error)
	GetUsage(ctx context.Context, accountID, usageNo string) (*model.UsageRecord, error)
	// FindUsageByPostRef 不存在时返回 nil, nil
	FindUsageByPostRef(ctx context.Context, accountID, postRef string) (*model.UsageRecord, error)
	CountUsageSince(ctx context.Context, accountID string, kind model.AllocationKind, since time.Time) (int64, error)
	GetTransaction(ctx context.Context, accountID, transactionNo string) (*model.CreditTransaction, error)
	// FindTransactionByRef 不存在时返回 nil, nil
	FindTransactionByRef(ctx context.Context, accountID, refNo, txnType string) (*model.CreditTransaction, error)
}

// Tx 事务内的读写操作
// 所有余额变更必须先 LockAccount，保证同一账户的读-改-写串行
type Tx interface {
	Reader

	EnsureAccount(ctx context.Context, accountID string) error
	LockAccount(ctx context.Context, accountID string) (*model.Account, error)
	IncrementFreePosts(ctx context.Context, accountID string, at time.Time) error
	// DeductCredits 条件扣减：余额不足返回 ErrInsufficientCredits，不做部分扣减
	DeductCredits(ctx context.Context, accountID string, amount int64, version int) error
	IncreaseCredits(ctx context.Context, accountID string, amount int64) error

	LockPayment(ctx context.Context, externalPaymentID string) (*model.PaymentRecord, error)
	// CreatePaymentIfAbsent 依赖 external_payment_id 唯一约束，已存在时静默跳过
	CreatePaymentIfAbsent(ctx context.Context, payment *model.PaymentRecord) error
	UpdatePaymentStatus(ctx context.Context, payment *model.PaymentRecord, fromStatus string) error

	CreateUsage(ctx context.Context, usage *model.UsageRecord) error
	LockUsage(ctx context.Context, accountID, usageNo string) (*model.UsageRecord, error)
	UpdateUsageTools(ctx context.Context, usage *model.UsageRecord) error

	CreateTransaction(ctx context.Context, txn *model.CreditTransaction) error
	CreateOutbox(ctx context.Context, msg *model.OutboxMessage) error
}

// AccountWriter 身份与管理类写操作，不涉及积分字段
type AccountWriter interface {
	EnsureAccountIdentity(ctx context.Context, accountID, email, name string) error
	UpsertIdentity(ctx context.Context, accountID, email, name string) error
	MarkIdentityDeleted(ctx context.Context, accountID string, at time.Time) error
	SetAdmin(ctx context.Context, accountID string, isAdmin bool) error
	SetUnlimitedUntil(ctx context.Context, accountID string, until *time.Time) error
	SetStripeCustomerID(ctx context.Context, accountID, customerID string) error
}

type HistoryReader interface {
	ListUsage(ctx context.Context, accountID string, page, pageSize int) ([]*model.UsageRecord, int64, error)
	ListTransactions(ctx context.Context, accountID string, page, pageSize int) ([]*model.CreditTransaction, int64, error)
	ListPendingPayments(ctx context.Context, createdBefore time.Time, limit int) ([]*model.PaymentRecord, error)
}

type OutboxStore interface {
	GetPendingMessages(ctx context.Context, limit int) ([]*model.OutboxMessage, error)
	MarkOutboxSent(ctx context.Context, id int64) error
	IncrementOutboxRetry(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64) error
}

type WebhookEventStore interface {
	// RecordWebhookEvent 首次出现返回 created=true；重复投递返回已有记录
	RecordWebhookEvent(ctx context.Context, ev *model.WebhookEvent) (*model.WebhookEvent, bool, error)
	MarkWebhookProcessed(ctx context.Context, id int64, processingErr string) error
}

// Store 账本存储，mysql 与内存两种实现
type Store interface {
	Reader
	AccountWriter
	HistoryReader
	OutboxStore
	WebhookEventStore

	// Transaction 在单个数据库事务中执行 fn，fn 返回错误则整体回滚
	Transaction(ctx context.Context, fn func(tx Tx) error) error
}
