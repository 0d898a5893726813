package payment

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v79/webhook"
)

const testWebhookSecret = "whsec_test_secret"

func signedPayload(t *testing.T, payload string) (string, []byte) {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload: []byte(payload),
		Secret:  testWebhookSecret,
	})
	return signed.Header, signed.Payload
}

const completedEvent = `{
  "id": "evt_1",
  "object": "event",
  "type": "checkout.session.completed",
  "api_version": "2024-06-20",
  "data": {
    "object": {
      "id": "cs_test_1",
      "object": "checkout.session",
      "status": "complete",
      "payment_status": "paid",
      "amount_total": 500,
      "currency": "usd",
      "client_reference_id": "acct-1",
      "customer_details": {"email": "buyer@example.com"},
      "metadata": {"account_id": "acct-1", "plan_id": "creator", "credits": "5"}
    }
  }
}`

func TestStripeProvider_ParseWebhook(t *testing.T) {
	p := NewStripeProvider("sk_test_x", testWebhookSecret, nil)
	header, body := signedPayload(t, completedEvent)

	ev, err := p.ParseWebhook(body, header)
	require.NoError(t, err)
	assert.Equal(t, "evt_1", ev.ID)
	assert.Equal(t, "checkout.session.completed", ev.Type)
	require.NotNil(t, ev.Session)
	assert.Equal(t, "cs_test_1", ev.Session.ID)
	assert.Equal(t, PaymentStatusPaid, ev.Session.PaymentStatus)
	assert.Equal(t, int64(500), ev.Session.AmountTotal)
	assert.Equal(t, "buyer@example.com", ev.Session.CustomerEmail)
	assert.Equal(t, "creator", ev.Session.Metadata[MetaPlanID])
}

func TestStripeProvider_ParseWebhook_BadSignature(t *testing.T) {
	p := NewStripeProvider("sk_test_x", testWebhookSecret, nil)
	_, body := signedPayload(t, completedEvent)

	_, err := p.ParseWebhook(body, "t=1,v1=deadbeef")
	assert.True(t, errors.Is(err, ErrInvalidSignature))
}

func TestStripeProvider_ParseWebhook_TamperedBody(t *testing.T) {
	p := NewStripeProvider("sk_test_x", testWebhookSecret, nil)
	header, _ := signedPayload(t, completedEvent)

	_, err := p.ParseWebhook([]byte(`{"id":"evt_forged"}`), header)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}
