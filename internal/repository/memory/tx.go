package memory

import (
	"context"
	"time"

	"creditsystem/internal/model"
	"creditsystem/internal/repository"
)

// memTx 直接操作事务快照，调用方负责加锁
type memTx struct {
	st  *state
	now func() time.Time
}

func (t *memTx) GetAccount(_ context.Context, accountID string) (*model.Account, error) {
	a, ok := t.st.accounts[accountID]
	if !ok {
		return nil, repository.ErrAccountNotFound
	}
	return copyAccount(a), nil
}

func (t *memTx) GetPayment(_ context.Context, externalPaymentID string) (*model.PaymentRecord, error) {
	p, ok := t.st.payments[externalPaymentID]
	if !ok {
		return nil, repository.ErrPaymentNotFound
	}
	return copyPayment(p), nil
}

func (t *memTx) findUsage(accountID, usageNo string) *model.UsageRecord {
	for _, u := range t.st.usages {
		if u.AccountID == accountID && u.UsageNo == usageNo {
			return u
		}
	}
	return nil
}

func (t *memTx) GetUsage(_ context.Context, accountID, usageNo string) (*model.UsageRecord, error) {
	u := t.findUsage(accountID, usageNo)
	if u == nil {
		return nil, repository.ErrUsageNotFound
	}
	return copyUsage(u), nil
}

func (t *memTx) FindUsageByPostRef(_ context.Context, accountID, postRef string) (*model.UsageRecord, error) {
	for _, u := range t.st.usages {
		if u.AccountID == accountID && u.PostRef != nil && *u.PostRef == postRef {
			return copyUsage(u), nil
		}
	}
	return nil, nil
}

func (t *memTx) CountUsageSince(_ context.Context, accountID string, kind model.AllocationKind, since time.Time) (int64, error) {
	var n int64
	for _, u := range t.st.usages {
		if u.AccountID == accountID && u.AllocationKind == kind && !u.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (t *memTx) GetTransaction(_ context.Context, accountID, transactionNo string) (*model.CreditTransaction, error) {
	for _, txn := range t.st.transactions {
		if txn.AccountID == accountID && txn.TransactionNo == transactionNo {
			c := *txn
			return &c, nil
		}
	}
	return nil, repository.ErrTransactionNotFound
}

func (t *memTx) FindTransactionByRef(_ context.Context, accountID, refNo, txnType string) (*model.CreditTransaction, error) {
	for _, txn := range t.st.transactions {
		if txn.AccountID == accountID && txn.RefNo == refNo && txn.Type == txnType {
			c := *txn
			return &c, nil
		}
	}
	return nil, nil
}

func (t *memTx) EnsureAccount(_ context.Context, accountID string) error {
	if _, ok := t.st.accounts[accountID]; !ok {
		t.st.insertAccount(&model.Account{AuthSubject: accountID}, t.now())
	}
	return nil
}

func (t *memTx) LockAccount(ctx context.Context, accountID string) (*model.Account, error) {
	return t.GetAccount(ctx, accountID)
}

func (t *memTx) IncrementFreePosts(_ context.Context, accountID string, at time.Time) error {
	a, ok := t.st.accounts[accountID]
	if !ok {
		return repository.ErrAccountNotFound
	}
	a.FreePostsUsed++
	a.LastFreePostAt = &at
	a.Version++
	return nil
}

func (t *memTx) DeductCredits(_ context.Context, accountID string, amount int64, version int) error {
	a, ok := t.st.accounts[accountID]
	if !ok {
		return repository.ErrAccountNotFound
	}
	if a.PurchasedCredits < amount {
		return repository.ErrInsufficientCredits
	}
	if a.Version != version {
		return repository.ErrOptimisticLock
	}
	a.PurchasedCredits -= amount
	a.Version++
	return nil
}

func (t *memTx) IncreaseCredits(_ context.Context, accountID string, amount int64) error {
	a, ok := t.st.accounts[accountID]
	if !ok {
		return repository.ErrAccountNotFound
	}
	a.PurchasedCredits += amount
	a.Version++
	return nil
}

func (t *memTx) LockPayment(ctx context.Context, externalPaymentID string) (*model.PaymentRecord, error) {
	return t.GetPayment(ctx, externalPaymentID)
}

func (t *memTx) CreatePaymentIfAbsent(_ context.Context, payment *model.PaymentRecord) error {
	if _, ok := t.st.payments[payment.ExternalPaymentID]; ok {
		return nil
	}
	now := t.now()
	payment.ID = t.st.id()
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = now
	}
	payment.UpdatedAt = now
	t.st.payments[payment.ExternalPaymentID] = copyPayment(payment)
	return nil
}

func (t *memTx) UpdatePaymentStatus(_ context.Context, payment *model.PaymentRecord, fromStatus string) error {
	if !model.CanPaymentTransitionTo(fromStatus, payment.Status) {
		return repository.ErrPaymentStatusInvalid
	}
	stored, ok := t.st.payments[payment.ExternalPaymentID]
	if !ok || stored.Status != fromStatus {
		return repository.ErrPaymentStatusInvalid
	}
	updated := copyPayment(payment)
	updated.ID = stored.ID
	updated.CreatedAt = stored.CreatedAt
	updated.UpdatedAt = t.now()
	t.st.payments[payment.ExternalPaymentID] = updated
	return nil
}

func (t *memTx) CreateUsage(_ context.Context, usage *model.UsageRecord) error {
	for _, u := range t.st.usages {
		if u.UsageNo == usage.UsageNo {
			return repository.ErrDuplicateKey
		}
		if usage.PostRef != nil && u.AccountID == usage.AccountID && u.PostRef != nil && *u.PostRef == *usage.PostRef {
			return repository.ErrDuplicateKey
		}
	}
	usage.ID = t.st.id()
	if usage.CreatedAt.IsZero() {
		usage.CreatedAt = t.now()
	}
	t.st.usages = append(t.st.usages, copyUsage(usage))
	return nil
}

func (t *memTx) LockUsage(ctx context.Context, accountID, usageNo string) (*model.UsageRecord, error) {
	return t.GetUsage(ctx, accountID, usageNo)
}

func (t *memTx) UpdateUsageTools(_ context.Context, usage *model.UsageRecord) error {
	for _, u := range t.st.usages {
		if u.ID == usage.ID {
			u.Tools = append(u.Tools[:0:0], usage.Tools...)
			u.CreditsSpent = usage.CreditsSpent
			return nil
		}
	}
	return repository.ErrUsageNotFound
}

func (t *memTx) CreateTransaction(_ context.Context, txn *model.CreditTransaction) error {
	for _, existing := range t.st.transactions {
		if existing.TransactionNo == txn.TransactionNo {
			return repository.ErrDuplicateKey
		}
	}
	txn.ID = t.st.id()
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = t.now()
	}
	c := *txn
	t.st.transactions = append(t.st.transactions, &c)
	return nil
}

func (t *memTx) CreateOutbox(_ context.Context, msg *model.OutboxMessage) error {
	now := t.now()
	msg.ID = t.st.id()
	if msg.Status == "" {
		msg.Status = model.OutboxStatusPending
	}
	msg.CreatedAt = now
	msg.UpdatedAt = now
	c := *msg
	t.st.outbox = append(t.st.outbox, &c)
	return nil
}
