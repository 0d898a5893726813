package service

import (
	"context"
	"testing"
	"time"

	"creditsystem/internal/infrastructure/metrics"
	"creditsystem/internal/logging"
	"creditsystem/internal/repository/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAccountService(t *testing.T) (*AccountService, *LedgerService, *memory.Store) {
	t.Helper()
	ledger, store, clock := newTestLedger(t)
	svc := NewAccountService(store, ledger, logging.Nop(), metrics.NewNop())
	svc.now = clock.Now
	return svc, ledger, store
}

const userCreatedPayload = `{
	"type": "user.created",
	"data": {
		"id": "user_2abc",
		"first_name": "Ada",
		"last_name": "Lovelace",
		"primary_email_address_id": "idn_2",
		"email_addresses": [
			{"id": "idn_1", "email_address": "old@example.com"},
			{"id": "idn_2", "email_address": "ada@example.com"}
		]
	}
}`

func TestAccount_EnsureFromClaims(t *testing.T) {
	svc, _, store := newTestAccountService(t)
	ctx := context.Background()

	acct, err := svc.EnsureFromClaims(ctx, "auth0|1", "a@example.com", "A")
	require.NoError(t, err)
	assert.Equal(t, "auth0|1", acct.AuthSubject)
	assert.Equal(t, "a@example.com", acct.Email)

	// token 中没有邮箱时不覆盖已有信息
	acct, err = svc.EnsureFromClaims(ctx, "auth0|1", "", "")
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", acct.Email)

	acct, err = svc.EnsureFromClaims(ctx, "auth0|1", "new@example.com", "")
	require.NoError(t, err)
	assert.Equal(t, "new@example.com", acct.Email)
	assert.Equal(t, "A", acct.Name)

	_, err = svc.EnsureFromClaims(ctx, "", "x@example.com", "")
	assert.ErrorIs(t, err, ErrUnauthenticated)

	assert.Equal(t, int64(0), balanceOf(t, store, "auth0|1"))
}

func TestAccount_IdentityWebhookNeverTouchesCredits(t *testing.T) {
	svc, ledger, store := newTestAccountService(t)
	ctx := context.Background()

	require.NoError(t, svc.HandleIdentityEvent(ctx, "msg_1", []byte(userCreatedPayload)))
	acct, err := store.GetAccount(ctx, "user_2abc")
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", acct.Email)
	assert.Equal(t, "Ada Lovelace", acct.Name)

	grant(t, ledger, "pay_1", "user_2abc", 5)

	updated := `{"type":"user.updated","data":{"id":"user_2abc","username":"ada","email_addresses":[{"id":"idn_3","email_address":"ada@new.example.com"}]}}`
	require.NoError(t, svc.HandleIdentityEvent(ctx, "msg_2", []byte(updated)))
	acct, err = store.GetAccount(ctx, "user_2abc")
	require.NoError(t, err)
	assert.Equal(t, "ada@new.example.com", acct.Email)
	assert.Equal(t, "ada", acct.Name)
	assert.Equal(t, int64(5), acct.PurchasedCredits)

	require.NoError(t, svc.HandleIdentityEvent(ctx, "msg_3", []byte(`{"type":"user.deleted","data":{"id":"user_2abc","deleted":true}}`)))
	acct, err = store.GetAccount(ctx, "user_2abc")
	require.NoError(t, err)
	assert.NotNil(t, acct.IdentityDeletedAt)
	assert.Equal(t, int64(5), acct.PurchasedCredits)
}

func TestAccount_IdentityWebhookDuplicateIsIgnored(t *testing.T) {
	svc, _, store := newTestAccountService(t)
	ctx := context.Background()

	require.NoError(t, svc.HandleIdentityEvent(ctx, "msg_1", []byte(userCreatedPayload)))
	require.NoError(t, store.UpsertIdentity(ctx, "user_2abc", "manual@example.com", "Manual"))

	// 重复投递不会覆盖之后的修改
	require.NoError(t, svc.HandleIdentityEvent(ctx, "msg_1", []byte(userCreatedPayload)))
	acct, err := store.GetAccount(ctx, "user_2abc")
	require.NoError(t, err)
	assert.Equal(t, "manual@example.com", acct.Email)
}

func TestAccount_IdentityWebhookValidation(t *testing.T) {
	svc, _, _ := newTestAccountService(t)
	ctx := context.Background()

	assert.ErrorIs(t, svc.HandleIdentityEvent(ctx, "msg_1", []byte(`not json`)), ErrValidation)
	assert.ErrorIs(t, svc.HandleIdentityEvent(ctx, "msg_1", []byte(`{"type":"user.created","data":{}}`)), ErrValidation)
	assert.ErrorIs(t, svc.HandleIdentityEvent(ctx, "", []byte(userCreatedPayload)), ErrValidation)

	// 从未见过的用户被删除：忽略
	assert.NoError(t, svc.HandleIdentityEvent(ctx, "msg_9", []byte(`{"type":"user.deleted","data":{"id":"user_ghost"}}`)))
}

func TestAccount_AdminActionsRequireStoredRole(t *testing.T) {
	svc, _, store := newTestAccountService(t)
	ctx := context.Background()
	createAccount(t, store, "root")
	createAccount(t, store, "bob")

	assert.ErrorIs(t, svc.SetAdmin(ctx, "bob", "bob", true), ErrForbidden)

	require.NoError(t, svc.BootstrapAdmins(ctx, []string{"root", " "}))
	ok, err := svc.IsAdmin(ctx, "root")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, svc.SetAdmin(ctx, "root", "bob", true))
	ok, err = svc.IsAdmin(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.ErrorIs(t, svc.SetAdmin(ctx, "root", "root", false), ErrValidation)
	assert.ErrorIs(t, svc.SetAdmin(ctx, "root", "nobody", true), ErrAccountNotFound)

	ok, err = svc.IsAdmin(ctx, "nobody")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAccount_SetUnlimited(t *testing.T) {
	svc, ledger, store := newTestAccountService(t)
	ctx := context.Background()
	require.NoError(t, svc.BootstrapAdmins(ctx, []string{"root"}))
	createAccount(t, store, "bob")

	until := ledger.now().Add(24 * time.Hour)
	require.NoError(t, svc.SetUnlimited(ctx, "root", "bob", &until))

	d, err := ledger.CanConsume(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, d.Unlimited)

	require.NoError(t, svc.SetUnlimited(ctx, "root", "bob", nil))
	acct, err := store.GetAccount(ctx, "bob")
	require.NoError(t, err)
	assert.Nil(t, acct.UnlimitedUntil)

	assert.ErrorIs(t, svc.SetUnlimited(ctx, "bob", "bob", &until), ErrForbidden)
}

func TestAccount_AdminGrantIsIdempotentPerKey(t *testing.T) {
	svc, _, store := newTestAccountService(t)
	ctx := context.Background()
	require.NoError(t, svc.BootstrapAdmins(ctx, []string{"root"}))
	createAccount(t, store, "bob")

	req := AdminGrantRequest{IdempotencyKey: "support-42", Credits: 3}
	res, err := svc.AdminGrantCredits(ctx, "root", "bob", req)
	require.NoError(t, err)
	assert.True(t, res.Applied)

	res, err = svc.AdminGrantCredits(ctx, "root", "bob", req)
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, int64(3), balanceOf(t, store, "bob"))

	rec, err := store.GetPayment(ctx, "manual_support-42")
	require.NoError(t, err)
	assert.Equal(t, "manual", rec.PlanID)

	_, err = svc.AdminGrantCredits(ctx, "root", "bob", AdminGrantRequest{IdempotencyKey: "k", Credits: 0})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = svc.AdminGrantCredits(ctx, "root", "ghost", AdminGrantRequest{IdempotencyKey: "k", Credits: 1})
	assert.ErrorIs(t, err, ErrAccountNotFound)
	_, err = svc.AdminGrantCredits(ctx, "bob", "bob", req)
	assert.ErrorIs(t, err, ErrForbidden)

	// 同一个幂等键不能再发给其他账户
	createAccount(t, store, "carol")
	_, err = svc.AdminGrantCredits(ctx, "root", "carol", AdminGrantRequest{IdempotencyKey: "support-42", Credits: 50})
	assert.ErrorIs(t, err, ErrPaymentAccountMismatch)
	assert.Equal(t, int64(0), balanceOf(t, store, "carol"))
	assert.Equal(t, int64(3), balanceOf(t, store, "bob"))
}
