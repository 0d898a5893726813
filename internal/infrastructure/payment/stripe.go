package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"github.com/stripe/stripe-go/v79/webhook"
)

// StripeProvider 基于 stripe-go 的实现，持有独立的 client.API 而不是全局 stripe.Key
type StripeProvider struct {
	api           *client.API
	webhookSecret string
}

var _ Provider = (*StripeProvider)(nil)

func NewStripeProvider(secretKey, webhookSecret string, backends *stripe.Backends) *StripeProvider {
	api := &client.API{}
	api.Init(secretKey, backends)
	return &StripeProvider{api: api, webhookSecret: webhookSecret}
}

func (p *StripeProvider) CreateCustomer(ctx context.Context, in CustomerParams) (string, error) {
	params := &stripe.CustomerParams{
		Email: stripe.String(in.Email),
		Name:  stripe.String(in.Name),
		Address: &stripe.AddressParams{
			Line1:      stripe.String(in.Address.Line1),
			City:       stripe.String(in.Address.City),
			PostalCode: stripe.String(in.Address.PostalCode),
			Country:    stripe.String(in.Address.Country),
		},
	}
	if in.Address.Line2 != "" {
		params.Address.Line2 = stripe.String(in.Address.Line2)
	}
	if in.Address.State != "" {
		params.Address.State = stripe.String(in.Address.State)
	}
	params.AddMetadata(MetaAccountID, in.AccountID)
	params.Context = ctx

	cust, err := p.api.Customers.New(params)
	if err != nil {
		return "", fmt.Errorf("创建 Stripe 客户失败: %w", err)
	}
	return cust.ID, nil
}

func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, in CheckoutParams) (*CheckoutSession, error) {
	lineItem := &stripe.CheckoutSessionLineItemParams{Quantity: stripe.Int64(1)}
	if in.PriceID != "" {
		lineItem.Price = stripe.String(in.PriceID)
	} else {
		lineItem.PriceData = &stripe.CheckoutSessionLineItemPriceDataParams{
			Currency:   stripe.String(in.Currency),
			UnitAmount: stripe.Int64(in.Amount),
			ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
				Name: stripe.String(fmt.Sprintf("%s (%d credits)", in.PlanName, in.Credits)),
			},
		}
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		Customer:          stripe.String(in.CustomerID),
		ClientReferenceID: stripe.String(in.AccountID),
		LineItems:         []*stripe.CheckoutSessionLineItemParams{lineItem},
		SuccessURL:        stripe.String(in.SuccessURL),
		CancelURL:         stripe.String(in.CancelURL),
	}
	params.AddMetadata(MetaAccountID, in.AccountID)
	params.AddMetadata(MetaPlanID, in.PlanID)
	params.AddMetadata(MetaCredits, strconv.FormatInt(in.Credits, 10))
	params.Context = ctx

	sess, err := p.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("创建 Stripe 结账会话失败: %w", err)
	}
	return toCheckoutSession(sess), nil
}

func (p *StripeProvider) GetCheckoutSession(ctx context.Context, sessionID string) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx

	sess, err := p.api.CheckoutSessions.Get(sessionID, params)
	if err != nil {
		return nil, fmt.Errorf("查询 Stripe 结账会话失败: %w", err)
	}
	return toCheckoutSession(sess), nil
}

func (p *StripeProvider) ParseWebhook(payload []byte, signatureHeader string) (*Event, error) {
	event, err := webhook.ConstructEventWithOptions(
		payload,
		signatureHeader,
		p.webhookSecret,
		webhook.ConstructEventOptions{
			IgnoreAPIVersionMismatch: true,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	out := &Event{ID: event.ID, Type: string(event.Type)}
	if strings.HasPrefix(out.Type, "checkout.session.") && event.Data != nil {
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return nil, fmt.Errorf("解析结账会话失败: %w", err)
		}
		out.Session = toCheckoutSession(&sess)
	}
	return out, nil
}

func toCheckoutSession(sess *stripe.CheckoutSession) *CheckoutSession {
	out := &CheckoutSession{
		ID:                sess.ID,
		URL:               sess.URL,
		Status:            string(sess.Status),
		PaymentStatus:     string(sess.PaymentStatus),
		AmountTotal:       sess.AmountTotal,
		Currency:          string(sess.Currency),
		CustomerEmail:     sess.CustomerEmail,
		ClientReferenceID: sess.ClientReferenceID,
		Metadata:          sess.Metadata,
	}
	if sess.CustomerDetails != nil && sess.CustomerDetails.Email != "" {
		out.CustomerEmail = sess.CustomerDetails.Email
	}
	if out.Metadata == nil {
		out.Metadata = map[string]string{}
	}
	return out
}
