package repository

import (
	"context"
	"time"

	"creditsystem/internal/model"

	"gorm.io/gorm"
)

// GormStore mysql 实现，组合各张表的 repository
type GormStore struct {
	db           *gorm.DB
	accounts     *AccountRepository
	payments     *PaymentRepository
	usages       *UsageRepository
	transactions *TransactionRepository
	outbox       *OutboxRepository
	webhooks     *WebhookEventRepository
}

var _ Store = (*GormStore)(nil)

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{
		db:           db,
		accounts:     NewAccountRepository(db),
		payments:     NewPaymentRepository(db),
		usages:       NewUsageRepository(db),
		transactions: NewTransactionRepository(db),
		outbox:       NewOutboxRepository(db),
		webhooks:     NewWebhookEventRepository(db),
	}
}

func (s *GormStore) Transaction(ctx context.Context, fn func(tx Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormTx{store: s, tx: tx})
	})
}

// ---- Reader（事务外） ----

func (s *GormStore) GetAccount(ctx context.Context, accountID string) (*model.Account, error) {
	return s.accounts.GetByAccountID(ctx, nil, accountID)
}

func (s *GormStore) GetPayment(ctx context.Context, externalPaymentID string) (*model.PaymentRecord, error) {
	return s.payments.GetByExternalID(ctx, nil, externalPaymentID)
}

func (s *GormStore) GetUsage(ctx context.Context, accountID, usageNo string) (*model.UsageRecord, error) {
	return s.usages.GetByUsageNo(ctx, nil, accountID, usageNo)
}

func (s *GormStore) FindUsageByPostRef(ctx context.Context, accountID, postRef string) (*model.UsageRecord, error) {
	return s.usages.GetByPostRef(ctx, nil, accountID, postRef)
}

func (s *GormStore) CountUsageSince(ctx context.Context, accountID string, kind model.AllocationKind, since time.Time) (int64, error) {
	return s.usages.CountSince(ctx, nil, accountID, kind, since)
}

func (s *GormStore) GetTransaction(ctx context.Context, accountID, transactionNo string) (*model.CreditTransaction, error) {
	return s.transactions.GetByTransactionNo(ctx, nil, accountID, transactionNo)
}

func (s *GormStore) FindTransactionByRef(ctx context.Context, accountID, refNo, txnType string) (*model.CreditTransaction, error) {
	return s.transactions.GetByRef(ctx, nil, accountID, refNo, txnType)
}

// ---- AccountWriter ----

func (s *GormStore) EnsureAccountIdentity(ctx context.Context, accountID, email, name string) error {
	return s.accounts.EnsureExists(ctx, nil, &model.Account{AuthSubject: accountID, Email: email, Name: name})
}

func (s *GormStore) UpsertIdentity(ctx context.Context, accountID, email, name string) error {
	return s.accounts.UpsertIdentity(ctx, &model.Account{AuthSubject: accountID, Email: email, Name: name})
}

func (s *GormStore) MarkIdentityDeleted(ctx context.Context, accountID string, at time.Time) error {
	return s.accounts.MarkIdentityDeleted(ctx, accountID, at)
}

func (s *GormStore) SetAdmin(ctx context.Context, accountID string, isAdmin bool) error {
	return s.accounts.SetAdmin(ctx, accountID, isAdmin)
}

func (s *GormStore) SetUnlimitedUntil(ctx context.Context, accountID string, until *time.Time) error {
	return s.accounts.SetUnlimitedUntil(ctx, accountID, until)
}

func (s *GormStore) SetStripeCustomerID(ctx context.Context, accountID, customerID string) error {
	return s.accounts.SetStripeCustomerID(ctx, accountID, customerID)
}

// ---- HistoryReader ----

func (s *GormStore) ListUsage(ctx context.Context, accountID string, page, pageSize int) ([]*model.UsageRecord, int64, error) {
	return s.usages.ListByAccountID(ctx, accountID, page, pageSize)
}

func (s *GormStore) ListTransactions(ctx context.Context, accountID string, page, pageSize int) ([]*model.CreditTransaction, int64, error) {
	return s.transactions.ListByAccountID(ctx, accountID, page, pageSize)
}

func (s *GormStore) ListPendingPayments(ctx context.Context, createdBefore time.Time, limit int) ([]*model.PaymentRecord, error) {
	return s.payments.ListPendingBefore(ctx, createdBefore, limit)
}

// ---- OutboxStore ----

func (s *GormStore) GetPendingMessages(ctx context.Context, limit int) ([]*model.OutboxMessage, error) {
	return s.outbox.GetPendingMessages(ctx, limit)
}

func (s *GormStore) MarkOutboxSent(ctx context.Context, id int64) error {
	return s.outbox.MarkSent(ctx, id)
}

func (s *GormStore) IncrementOutboxRetry(ctx context.Context, id int64) error {
	return s.outbox.IncrementRetry(ctx, id)
}

func (s *GormStore) MarkOutboxFailed(ctx context.Context, id int64) error {
	return s.outbox.MarkFailed(ctx, id)
}

// ---- WebhookEventStore ----

func (s *GormStore) RecordWebhookEvent(ctx context.Context, ev *model.WebhookEvent) (*model.WebhookEvent, bool, error) {
	return s.webhooks.CreateIfAbsent(ctx, ev)
}

func (s *GormStore) MarkWebhookProcessed(ctx context.Context, id int64, processingErr string) error {
	return s.webhooks.MarkProcessed(ctx, id, processingErr)
}

// gormTx 绑定到单个 *gorm.DB 事务
type gormTx struct {
	store *GormStore
	tx    *gorm.DB
}

func (t *gormTx) GetAccount(ctx context.Context, accountID string) (*model.Account, error) {
	return t.store.accounts.GetByAccountID(ctx, t.tx, accountID)
}

func (t *gormTx) GetPayment(ctx context.Context, externalPaymentID string) (*model.PaymentRecord, error) {
	return t.store.payments.GetByExternalID(ctx, t.tx, externalPaymentID)
}

func (t *gormTx) GetUsage(ctx context.Context, accountID, usageNo string) (*model.UsageRecord, error) {
	return t.store.usages.GetByUsageNo(ctx, t.tx, accountID, usageNo)
}

func (t *gormTx) FindUsageByPostRef(ctx context.Context, accountID, postRef string) (*model.UsageRecord, error) {
	return t.store.usages.GetByPostRef(ctx, t.tx, accountID, postRef)
}

func (t *gormTx) CountUsageSince(ctx context.Context, accountID string, kind model.AllocationKind, since time.Time) (int64, error) {
	return t.store.usages.CountSince(ctx, t.tx, accountID, kind, since)
}

func (t *gormTx) GetTransaction(ctx context.Context, accountID, transactionNo string) (*model.CreditTransaction, error) {
	return t.store.transactions.GetByTransactionNo(ctx, t.tx, accountID, transactionNo)
}

func (t *gormTx) FindTransactionByRef(ctx context.Context, accountID, refNo, txnType string) (*model.CreditTransaction, error) {
	return t.store.transactions.GetByRef(ctx, t.tx, accountID, refNo, txnType)
}

func (t *gormTx) EnsureAccount(ctx context.Context, accountID string) error {
	return t.store.accounts.EnsureExists(ctx, t.tx, &model.Account{AuthSubject: accountID})
}

func (t *gormTx) LockAccount(ctx context.Context, accountID string) (*model.Account, error) {
	return t.store.accounts.GetByAccountIDForUpdate(ctx, t.tx, accountID)
}

func (t *gormTx) IncrementFreePosts(ctx context.Context, accountID string, at time.Time) error {
	return t.store.accounts.IncrementFreePosts(ctx, t.tx, accountID, at)
}

func (t *gormTx) DeductCredits(ctx context.Context, accountID string, amount int64, version int) error {
	return t.store.accounts.Deduct(ctx, t.tx, accountID, amount, version)
}

func (t *gormTx) IncreaseCredits(ctx context.Context, accountID string, amount int64) error {
	return t.store.accounts.Increase(ctx, t.tx, accountID, amount)
}

func (t *gormTx) LockPayment(ctx context.Context, externalPaymentID string) (*model.PaymentRecord, error) {
	return t.store.payments.GetByExternalIDForUpdate(ctx, t.tx, externalPaymentID)
}

func (t *gormTx) CreatePaymentIfAbsent(ctx context.Context, payment *model.PaymentRecord) error {
	return t.store.payments.CreateIfAbsent(ctx, t.tx, payment)
}

func (t *gormTx) UpdatePaymentStatus(ctx context.Context, payment *model.PaymentRecord, fromStatus string) error {
	return t.store.payments.UpdateStatus(ctx, t.tx, payment, fromStatus)
}

func (t *gormTx) CreateUsage(ctx context.Context, usage *model.UsageRecord) error {
	return t.store.usages.Create(ctx, t.tx, usage)
}

func (t *gormTx) LockUsage(ctx context.Context, accountID, usageNo string) (*model.UsageRecord, error) {
	return t.store.usages.GetByUsageNoForUpdate(ctx, t.tx, accountID, usageNo)
}

func (t *gormTx) UpdateUsageTools(ctx context.Context, usage *model.UsageRecord) error {
	return t.store.usages.UpdateTools(ctx, t.tx, usage)
}

func (t *gormTx) CreateTransaction(ctx context.Context, txn *model.CreditTransaction) error {
	return t.store.transactions.Create(ctx, t.tx, txn)
}

func (t *gormTx) CreateOutbox(ctx context.Context, msg *model.OutboxMessage) error {
	return t.store.outbox.Create(ctx, t.tx, msg)
}
