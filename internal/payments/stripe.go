// Package payments requests top-up payments from Stripe.
package payments

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/customer"
	"github.com/stripe/stripe-go/v76/paymentintent"
)

var (
	ErrNotConfigured   = errors.New("stripe not configured")
	// ErrNoPaymentMethod means the customer has nothing to charge off-session.
	ErrNoPaymentMethod = errors.New("stripe customer has no default payment method")
	ErrNoCustomer      = errors.New("account has no stripe customer")
)

// Metadata keys carried on auto-reload intents and read back by the webhook.
const (
	MetaSource       = "source"
	MetaAccountID    = "account_id"
	MetaTokens       = "tokens"
	SourceAutoReload = "auto_reload"
)

type TopUpRequest struct {
	AccountID      int64
	CustomerID     string
	Tokens         int
	AmountCents    int64
	IdempotencyKey string
}

// StripeIntents charges a customer's saved payment method without the
// customer present.
type StripeIntents struct {
	intents   paymentintent.Client
	customers customer.Client
	currency  string
	enabled   bool
}

// NewStripeIntents uses the default Stripe backend. An empty secretKey makes
// every request fail with ErrNotConfigured.
func NewStripeIntents(secretKey, currency string) *StripeIntents {
	return NewStripeIntentsWithBackend(secretKey, currency, stripe.GetBackend(stripe.APIBackend))
}

func NewStripeIntentsWithBackend(secretKey, currency string, backend stripe.Backend) *StripeIntents {
	return &StripeIntents{
		intents:   paymentintent.Client{B: backend, Key: secretKey},
		customers: customer.Client{B: backend, Key: secretKey},
		currency:  currency,
		enabled:   secretKey != "",
	}
}

// RequestTopUp creates and confirms an off-session PaymentIntent against the
// customer's default payment method. The tokens are credited later by the
// payment_intent.succeeded webhook.
func (s *StripeIntents) RequestTopUp(ctx context.Context, req TopUpRequest) (string, error) {
	if !s.enabled {
		return "", ErrNotConfigured
	}
	if req.AmountCents <= 0 {
		return "", fmt.Errorf("top-up amount must be positive, got %d", req.AmountCents)
	}
	if req.CustomerID == "" {
		return "", ErrNoCustomer
	}

	paymentMethod, err := s.defaultPaymentMethod(ctx, req.CustomerID)
	if err != nil {
		return "", err
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.AmountCents),
		Currency:      stripe.String(s.currency),
		Customer:      stripe.String(req.CustomerID),
		PaymentMethod: stripe.String(paymentMethod),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
		Description:   stripe.String(fmt.Sprintf("Auto-reload of %d tokens", req.Tokens)),
	}
	params.Context = ctx
	params.AddMetadata(MetaSource, SourceAutoReload)
	params.AddMetadata(MetaAccountID, strconv.FormatInt(req.AccountID, 10))
	params.AddMetadata(MetaTokens, strconv.Itoa(req.Tokens))
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	pi, err := s.intents.New(params)
	if err != nil {
		return "", fmt.Errorf("create payment intent: %w", err)
	}
	return pi.ID, nil
}

func (s *StripeIntents) defaultPaymentMethod(ctx context.Context, customerID string) (string, error) {
	params := &stripe.CustomerParams{}
	params.Context = ctx
	c, err := s.customers.Get(customerID, params)
	if err != nil {
		return "", fmt.Errorf("get customer %s: %w", customerID, err)
	}
	if c.InvoiceSettings != nil && c.InvoiceSettings.DefaultPaymentMethod != nil && c.InvoiceSettings.DefaultPaymentMethod.ID != "" {
		return c.InvoiceSettings.DefaultPaymentMethod.ID, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNoPaymentMethod, customerID)
}
