package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"creditsystem/internal/model"
	"creditsystem/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_TransactionRollback(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.EnsureAccountIdentity(ctx, "acct-1", "a@example.com", "A"))

	boom := errors.New("boom")
	err := s.Transaction(ctx, func(tx repository.Tx) error {
		require.NoError(t, tx.IncreaseCredits(ctx, "acct-1", 5))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	acct, err := s.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), acct.PurchasedCredits)
}

func TestStore_DeductNeverGoesNegative(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Transaction(ctx, func(tx repository.Tx) error {
		if err := tx.EnsureAccount(ctx, "acct-1"); err != nil {
			return err
		}
		return tx.IncreaseCredits(ctx, "acct-1", 3)
	}))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Transaction(ctx, func(tx repository.Tx) error {
				acct, err := tx.LockAccount(ctx, "acct-1")
				if err != nil {
					return err
				}
				return tx.DeductCredits(ctx, "acct-1", 1, acct.Version)
			})
			if err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, repository.ErrInsufficientCredits)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, success)
	acct, err := s.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), acct.PurchasedCredits)
}

func TestStore_UpsertIdentityKeepsCredits(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.UpsertIdentity(ctx, "acct-1", "old@example.com", "Old"))
	require.NoError(t, s.Transaction(ctx, func(tx repository.Tx) error {
		return tx.IncreaseCredits(ctx, "acct-1", 4)
	}))
	require.NoError(t, s.MarkIdentityDeleted(ctx, "acct-1", time.Now()))
	require.NoError(t, s.UpsertIdentity(ctx, "acct-1", "new@example.com", "New"))

	acct, err := s.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "new@example.com", acct.Email)
	assert.Equal(t, int64(4), acct.PurchasedCredits)
	assert.Nil(t, acct.IdentityDeletedAt)
}

func TestStore_PaymentStatusTransition(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.Transaction(ctx, func(tx repository.Tx) error {
		return tx.CreatePaymentIfAbsent(ctx, &model.PaymentRecord{ExternalPaymentID: "cs_1", Status: model.PaymentStatusPending})
	}))

	err := s.Transaction(ctx, func(tx repository.Tx) error {
		p, err := tx.LockPayment(ctx, "cs_1")
		if err != nil {
			return err
		}
		p.Status = model.PaymentStatusSucceeded
		return tx.UpdatePaymentStatus(ctx, p, model.PaymentStatusPending)
	})
	require.NoError(t, err)

	err = s.Transaction(ctx, func(tx repository.Tx) error {
		p, err := tx.LockPayment(ctx, "cs_1")
		if err != nil {
			return err
		}
		from := p.Status
		p.Status = model.PaymentStatusFailed
		return tx.UpdatePaymentStatus(ctx, p, from)
	})
	assert.ErrorIs(t, err, repository.ErrPaymentStatusInvalid)

	p, err := s.GetPayment(ctx, "cs_1")
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusSucceeded, p.Status)
}

func TestStore_UsagePostRefUnique(t *testing.T) {
	ctx := context.Background()
	s := New()
	ref := "t3_abc"

	require.NoError(t, s.Transaction(ctx, func(tx repository.Tx) error {
		return tx.CreateUsage(ctx, &model.UsageRecord{UsageNo: "U1", AccountID: "acct-1", PostRef: &ref, AllocationKind: model.AllocationFree})
	}))
	err := s.Transaction(ctx, func(tx repository.Tx) error {
		return tx.CreateUsage(ctx, &model.UsageRecord{UsageNo: "U2", AccountID: "acct-1", PostRef: &ref, AllocationKind: model.AllocationFree})
	})
	assert.ErrorIs(t, err, repository.ErrDuplicateKey)

	got, err := s.FindUsageByPostRef(ctx, "acct-1", ref)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "U1", got.UsageNo)
}

func TestStore_RecordWebhookEventDedup(t *testing.T) {
	ctx := context.Background()
	s := New()

	first, created, err := s.RecordWebhookEvent(ctx, &model.WebhookEvent{Provider: model.WebhookProviderStripe, ProviderEventID: "evt_1"})
	require.NoError(t, err)
	assert.True(t, created)
	require.NoError(t, s.MarkWebhookProcessed(ctx, first.ID, ""))

	again, created, err := s.RecordWebhookEvent(ctx, &model.WebhookEvent{Provider: model.WebhookProviderStripe, ProviderEventID: "evt_1"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.NotNil(t, again.ProcessedAt)
}

func TestStore_ListUsagePagination(t *testing.T) {
	ctx := context.Background()
	s := New()
	base := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.Transaction(ctx, func(tx repository.Tx) error {
		for i, no := range []string{"U1", "U2", "U3"} {
			u := &model.UsageRecord{UsageNo: no, AccountID: "acct-1", AllocationKind: model.AllocationFree, CreatedAt: base.Add(time.Duration(i) * time.Hour)}
			if err := tx.CreateUsage(ctx, u); err != nil {
				return err
			}
		}
		return nil
	}))

	page, total, err := s.ListUsage(ctx, "acct-1", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, page, 2)
	assert.Equal(t, "U3", page[0].UsageNo)

	page, _, err = s.ListUsage(ctx, "acct-1", 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "U1", page[0].UsageNo)
}
