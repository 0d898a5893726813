// Package memory 提供 repository.Store 的内存实现，用于本地开发和测试。
// 事务通过全局写锁串行执行，fn 出错时恢复快照，语义上等价于可串行化隔离级别。
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"creditsystem/internal/model"
	"creditsystem/internal/repository"
)

type state struct {
	nextID       int64
	accounts     map[string]*model.Account
	payments     map[string]*model.PaymentRecord
	usages       []*model.UsageRecord
	transactions []*model.CreditTransaction
	outbox       []*model.OutboxMessage
	webhooks     []*model.WebhookEvent
}

func newState() *state {
	return &state{
		accounts: make(map[string]*model.Account),
		payments: make(map[string]*model.PaymentRecord),
	}
}

func (st *state) clone() *state {
	c := &state{
		nextID:       st.nextID,
		accounts:     make(map[string]*model.Account, len(st.accounts)),
		payments:     make(map[string]*model.PaymentRecord, len(st.payments)),
		usages:       make([]*model.UsageRecord, len(st.usages)),
		transactions: make([]*model.CreditTransaction, len(st.transactions)),
		outbox:       make([]*model.OutboxMessage, len(st.outbox)),
		webhooks:     make([]*model.WebhookEvent, len(st.webhooks)),
	}
	for k, v := range st.accounts {
		c.accounts[k] = copyAccount(v)
	}
	for k, v := range st.payments {
		c.payments[k] = copyPayment(v)
	}
	for i, v := range st.usages {
		c.usages[i] = copyUsage(v)
	}
	for i, v := range st.transactions {
		t := *v
		c.transactions[i] = &t
	}
	for i, v := range st.outbox {
		m := *v
		c.outbox[i] = &m
	}
	for i, v := range st.webhooks {
		w := *v
		c.webhooks[i] = &w
	}
	return c
}

func copyAccount(a *model.Account) *model.Account {
	c := *a
	return &c
}

func copyPayment(p *model.PaymentRecord) *model.PaymentRecord {
	c := *p
	return &c
}

func copyUsage(u *model.UsageRecord) *model.UsageRecord {
	c := *u
	if u.Tools != nil {
		c.Tools = append(c.Tools[:0:0], u.Tools...)
	}
	return &c
}

func (st *state) id() int64 {
	st.nextID++
	return st.nextID
}

// Store 内存存储
type Store struct {
	mu  sync.RWMutex
	st  *state
	now func() time.Time
}

var _ repository.Store = (*Store)(nil)

func New() *Store {
	return &Store{st: newState(), now: time.Now}
}

// SetClock 替换时间来源，用于测试
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) Transaction(ctx context.Context, fn func(tx repository.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	working := s.st.clone()
	if err := fn(&memTx{st: working, now: s.now}); err != nil {
		return err
	}
	s.st = working
	return nil
}

func (s *Store) read() *memTx {
	return &memTx{st: s.st, now: s.now}
}

func (s *Store) GetAccount(ctx context.Context, accountID string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().GetAccount(ctx, accountID)
}

func (s *Store) GetPayment(ctx context.Context, externalPaymentID string) (*model.PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().GetPayment(ctx, externalPaymentID)
}

func (s *Store) GetUsage(ctx context.Context, accountID, usageNo string) (*model.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().GetUsage(ctx, accountID, usageNo)
}

func (s *Store) FindUsageByPostRef(ctx context.Context, accountID, postRef string) (*model.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().FindUsageByPostRef(ctx, accountID, postRef)
}

func (s *Store) CountUsageSince(ctx context.Context, accountID string, kind model.AllocationKind, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().CountUsageSince(ctx, accountID, kind, since)
}

func (s *Store) GetTransaction(ctx context.Context, accountID, transactionNo string) (*model.CreditTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().GetTransaction(ctx, accountID, transactionNo)
}

func (s *Store) FindTransactionByRef(ctx context.Context, accountID, refNo, txnType string) (*model.CreditTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().FindTransactionByRef(ctx, accountID, refNo, txnType)
}

func (s *Store) EnsureAccountIdentity(_ context.Context, accountID, email, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.accounts[accountID]; ok {
		return nil
	}
	s.st.insertAccount(&model.Account{AuthSubject: accountID, Email: email, Name: name}, s.now())
	return nil
}

func (s *Store) UpsertIdentity(_ context.Context, accountID, email, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if a, ok := s.st.accounts[accountID]; ok {
		a.Email = email
		a.Name = name
		a.IdentityDeletedAt = nil
		a.UpdatedAt = now
		return nil
	}
	s.st.insertAccount(&model.Account{AuthSubject: accountID, Email: email, Name: name}, now)
	return nil
}

func (s *Store) updateAccount(accountID string, fn func(a *model.Account)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.st.accounts[accountID]
	if !ok {
		return repository.ErrAccountNotFound
	}
	fn(a)
	a.UpdatedAt = s.now()
	return nil
}

func (s *Store) MarkIdentityDeleted(_ context.Context, accountID string, at time.Time) error {
	return s.updateAccount(accountID, func(a *model.Account) { a.IdentityDeletedAt = &at })
}

func (s *Store) SetAdmin(_ context.Context, accountID string, isAdmin bool) error {
	return s.updateAccount(accountID, func(a *model.Account) { a.IsAdmin = isAdmin })
}

func (s *Store) SetUnlimitedUntil(_ context.Context, accountID string, until *time.Time) error {
	return s.updateAccount(accountID, func(a *model.Account) { a.UnlimitedUntil = until })
}

func (s *Store) SetStripeCustomerID(_ context.Context, accountID, customerID string) error {
	return s.updateAccount(accountID, func(a *model.Account) { a.StripeCustomerID = customerID })
}

func (s *Store) ListUsage(_ context.Context, accountID string, page, pageSize int) ([]*model.UsageRecord, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*model.UsageRecord
	for i := len(s.st.usages) - 1; i >= 0; i-- {
		if u := s.st.usages[i]; u.AccountID == accountID {
			matched = append(matched, copyUsage(u))
		}
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	return paginate(matched, page, pageSize), int64(len(matched)), nil
}

func (s *Store) ListTransactions(_ context.Context, accountID string, page, pageSize int) ([]*model.CreditTransaction, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*model.CreditTransaction
	for i := len(s.st.transactions) - 1; i >= 0; i-- {
		if t := s.st.transactions[i]; t.AccountID == accountID {
			c := *t
			matched = append(matched, &c)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	return paginate(matched, page, pageSize), int64(len(matched)), nil
}

func paginate[T any](items []T, page, pageSize int) []T {
	if page < 1 {
		page = 1
	}
	start := (page - 1) * pageSize
	if pageSize <= 0 || start >= len(items) {
		return []T{}
	}
	end := start + pageSize
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}

func (s *Store) ListPendingPayments(_ context.Context, createdBefore time.Time, limit int) ([]*model.PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pending []*model.PaymentRecord
	for _, p := range s.st.payments {
		if p.Status == model.PaymentStatusPending && p.CreatedAt.Before(createdBefore) {
			pending = append(pending, copyPayment(p))
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].CreatedAt.Before(pending[j].CreatedAt) })
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (s *Store) GetPendingMessages(_ context.Context, limit int) ([]*model.OutboxMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var msgs []*model.OutboxMessage
	for _, m := range s.st.outbox {
		if m.Status != model.OutboxStatusPending {
			continue
		}
		c := *m
		msgs = append(msgs, &c)
		if limit > 0 && len(msgs) == limit {
			break
		}
	}
	return msgs, nil
}

func (s *Store) updateOutbox(id int64, fn func(m *model.OutboxMessage)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.st.outbox {
		if m.ID == id {
			if m.Status != model.OutboxStatusPending {
				return nil
			}
			fn(m)
			m.UpdatedAt = s.now()
			return nil
		}
	}
	return nil
}

func (s *Store) MarkOutboxSent(_ context.Context, id int64) error {
	return s.updateOutbox(id, func(m *model.OutboxMessage) { m.Status = model.OutboxStatusSent })
}

func (s *Store) IncrementOutboxRetry(_ context.Context, id int64) error {
	return s.updateOutbox(id, func(m *model.OutboxMessage) { m.RetryCount++ })
}

func (s *Store) MarkOutboxFailed(_ context.Context, id int64) error {
	return s.updateOutbox(id, func(m *model.OutboxMessage) {
		m.Status = model.OutboxStatusFailed
		m.RetryCount++
	})
}

func (s *Store) RecordWebhookEvent(_ context.Context, ev *model.WebhookEvent) (*model.WebhookEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, w := range s.st.webhooks {
		if w.Provider == ev.Provider && w.ProviderEventID == ev.ProviderEventID {
			c := *w
			return &c, false, nil
		}
	}
	now := s.now()
	ev.ID = s.st.id()
	ev.CreatedAt = now
	ev.UpdatedAt = now
	stored := *ev
	s.st.webhooks = append(s.st.webhooks, &stored)
	return ev, true, nil
}

func (s *Store) MarkWebhookProcessed(_ context.Context, id int64, processingErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, w := range s.st.webhooks {
		if w.ID != id {
			continue
		}
		now := s.now()
		w.ProcessingError = processingErr
		if processingErr == "" {
			w.ProcessedAt = &now
		}
		w.UpdatedAt = now
	}
	return nil
}

// OutboxMessages 返回全部 outbox 消息的副本，供测试断言
func (s *Store) OutboxMessages() []*model.OutboxMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := make([]*model.OutboxMessage, 0, len(s.st.outbox))
	for _, m := range s.st.outbox {
		c := *m
		msgs = append(msgs, &c)
	}
	return msgs
}

func (st *state) insertAccount(a *model.Account, now time.Time) {
	a.ID = st.id()
	a.CreatedAt = now
	a.UpdatedAt = now
	st.accounts[a.AuthSubject] = a
}
