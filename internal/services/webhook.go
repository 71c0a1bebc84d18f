package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"creditledger/internal/events"
	"creditledger/internal/models"
	"creditledger/internal/payments"
	"creditledger/internal/store"
)

// EventKind is the ledger action a provider event maps to.
type EventKind string

const (
	EventPurchaseCompleted    EventKind = "purchase_completed"
	EventSubscriptionUpserted EventKind = "subscription_upserted"
	EventSubscriptionDeleted  EventKind = "subscription_deleted"
	EventInvoicePaymentFailed EventKind = "invoice_payment_failed"
	EventIgnored              EventKind = "ignored"
)

// PaymentEvent is a provider payload reduced to what the ledger acts on.
// Exactly one of Purchase, Subscription and Invoice is set, matching Kind;
// none is set for EventIgnored.
type PaymentEvent struct {
	Kind            EventKind
	ProviderEventID string
	EventType       string
	// OccurredAt is the provider's creation time of the event. Subscription
	// changes older than the last applied one are skipped.
	OccurredAt time.Time

	Purchase     *Purchase
	Subscription *SubscriptionChange
	Invoice      *InvoiceFailure
}

// Purchase credits Tokens once per IdempotencyKey. AutoReload marks the
// payment of a top-up the monitor requested.
type Purchase struct {
	AccountID      int64
	CustomerID     string
	Tokens         int
	PriceCents     int
	IdempotencyKey string
	AutoReload     bool
}

type SubscriptionChange struct {
	AccountID         int64
	CustomerID        string
	SubscriptionID    string
	Tier              string
	Status            string
	CurrentPeriodEnd  *time.Time
	CancelAtPeriodEnd bool
}

type InvoiceFailure struct {
	CustomerID     string
	SubscriptionID string
}

// WebhookResult is returned to the provider. Duplicate and Stale deliveries
// are still Accepted so they are not retried.
type WebhookResult struct {
	Accepted  bool      `json:"accepted"`
	Duplicate bool      `json:"duplicate"`
	Stale     bool      `json:"stale,omitempty"`
	Kind      EventKind `json:"kind"`
}

type WebhookIngestor struct {
	svc             *Service
	secret          string
	tokenPriceCents int
	log             *slog.Logger
}

// NewWebhookIngestor rejects every delivery when secret is empty.
func NewWebhookIngestor(svc *Service, secret string, log *slog.Logger) *WebhookIngestor {
	return &WebhookIngestor{
		svc:             svc,
		secret:          secret,
		tokenPriceCents: svc.config.TokenPriceCents,
		log:             log,
	}
}

// Ingest verifies a signed Stripe delivery and applies it exactly once.
// Replays of an already processed event are accepted without effect.
func (w *WebhookIngestor) Ingest(ctx context.Context, payload []byte, signatureHeader string) (WebhookResult, error) {
	if w.secret == "" {
		return WebhookResult{}, fmt.Errorf("%w: stripe webhook secret not configured", ErrUnavailable)
	}
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, w.secret, webhook.ConstructEventOptions{
		Tolerance:                webhook.DefaultTolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		w.log.WarnContext(ctx, "webhook signature rejected", "error", err)
		return WebhookResult{}, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	pe, err := MapEvent(event, w.tokenPriceCents)
	if err != nil {
		w.log.WarnContext(ctx, "webhook payload rejected", "event_id", event.ID, "event_type", event.Type, "error", err)
		return WebhookResult{}, err
	}
	return w.svc.ApplyPaymentEvent(ctx, pe)
}

// MapEvent converts a verified Stripe event into a PaymentEvent. Nothing past
// this function reads provider JSON.
func MapEvent(event stripe.Event, tokenPriceCents int) (PaymentEvent, error) {
	pe := PaymentEvent{Kind: EventIgnored, ProviderEventID: event.ID, EventType: string(event.Type)}
	if event.Created > 0 {
		pe.OccurredAt = time.Unix(event.Created, 0).UTC()
	}
	if event.ID == "" {
		return pe, invalid("event.id", "is required")
	}
	if event.Data == nil {
		return pe, nil
	}

	switch event.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return pe, invalid("data", err.Error())
		}
		if sess.Mode != stripe.CheckoutSessionModePayment || sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
			return pe, nil
		}
		tokens := metadataInt(sess.Metadata, payments.MetaTokens)
		if tokens <= 0 && tokenPriceCents > 0 {
			tokens = int(sess.AmountTotal / int64(tokenPriceCents))
		}
		accountID, _ := strconv.ParseInt(sess.ClientReferenceID, 10, 64)
		if accountID == 0 {
			accountID = int64(metadataInt(sess.Metadata, payments.MetaAccountID))
		}
		if tokens <= 0 {
			return pe, nil
		}
		pe.Kind = EventPurchaseCompleted
		pe.Purchase = &Purchase{
			AccountID:      accountID,
			CustomerID:     customerID(sess.Customer),
			Tokens:         tokens,
			PriceCents:     int(sess.AmountTotal),
			IdempotencyKey: "stripe:cs:" + sess.ID,
		}
	case "payment_intent.succeeded":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return pe, invalid("data", err.Error())
		}
		// Intents created by checkout are credited through the session event.
		if pi.Metadata[payments.MetaSource] != payments.SourceAutoReload {
			return pe, nil
		}
		tokens := metadataInt(pi.Metadata, payments.MetaTokens)
		if tokens <= 0 {
			return pe, nil
		}
		pe.Kind = EventPurchaseCompleted
		pe.Purchase = &Purchase{
			AccountID:      int64(metadataInt(pi.Metadata, payments.MetaAccountID)),
			CustomerID:     customerID(pi.Customer),
			Tokens:         tokens,
			PriceCents:     int(pi.Amount),
			IdempotencyKey: "stripe:pi:" + pi.ID,
			AutoReload:     true,
		}
	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return pe, invalid("data", err.Error())
		}
		change := &SubscriptionChange{
			AccountID:         int64(metadataInt(sub.Metadata, payments.MetaAccountID)),
			CustomerID:        customerID(sub.Customer),
			SubscriptionID:    sub.ID,
			Tier:              subscriptionTier(&sub),
			Status:            subscriptionStatus(sub.Status),
			CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		}
		if sub.CurrentPeriodEnd > 0 {
			end := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
			change.CurrentPeriodEnd = &end
		}
		pe.Subscription = change
		pe.Kind = EventSubscriptionUpserted
		if event.Type == "customer.subscription.deleted" {
			pe.Kind = EventSubscriptionDeleted
			change.Status = models.SubscriptionCancelled
			change.CancelAtPeriodEnd = false
		}
	case "invoice.payment_failed":
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return pe, invalid("data", err.Error())
		}
		failure := &InvoiceFailure{CustomerID: customerID(inv.Customer)}
		if inv.Subscription != nil {
			failure.SubscriptionID = inv.Subscription.ID
		}
		if failure.CustomerID == "" && failure.SubscriptionID == "" {
			return pe, nil
		}
		pe.Kind = EventInvoicePaymentFailed
		pe.Invoice = failure
	}
	return pe, nil
}

// ApplyPaymentEvent records the provider event id and applies its effect in
// one transaction. Events for unknown accounts are recorded and accepted.
func (s *Service) ApplyPaymentEvent(ctx context.Context, pe PaymentEvent) (WebhookResult, error) {
	if pe.ProviderEventID == "" {
		return WebhookResult{}, invalid("event.id", "is required")
	}

	var (
		result    WebhookResult
		grant     Grant
		accountID int64
		status    string
	)
	err := s.inTx(ctx, "ingest_webhook", func(tx store.Tx) error {
		result = WebhookResult{Accepted: true, Kind: pe.Kind}
		grant, accountID, status = Grant{}, 0, ""

		err := tx.RecordWebhookEvent(ctx, models.WebhookEvent{
			Provider:        models.ProviderStripe,
			ProviderEventID: pe.ProviderEventID,
			EventType:       pe.EventType,
		})
		if errors.Is(err, store.ErrDuplicateKey) {
			result.Duplicate = true
			return nil
		}
		if err != nil {
			return err
		}

		switch pe.Kind {
		case EventPurchaseCompleted:
			p := pe.Purchase
			account, err := locateAccount(ctx, tx, p.AccountID, p.CustomerID, "")
			if errors.Is(err, store.ErrNotFound) {
				s.log.WarnContext(ctx, "purchase for unknown account",
					"event_id", pe.ProviderEventID, "account_id", p.AccountID, "customer", p.CustomerID)
				return nil
			}
			if err != nil {
				return err
			}
			if account.StripeCustomerID == "" && p.CustomerID != "" {
				account.StripeCustomerID = p.CustomerID
				if err := tx.UpdateAccount(ctx, account); err != nil {
					return err
				}
			}
			price := p.PriceCents
			grant, err = s.addTokensTx(ctx, tx, account.ID, p.Tokens, p.IdempotencyKey, &price)
			if err != nil {
				return err
			}
			accountID = account.ID

		case EventSubscriptionUpserted, EventSubscriptionDeleted:
			c := pe.Subscription
			account, err := locateAccount(ctx, tx, c.AccountID, c.CustomerID, c.SubscriptionID)
			if errors.Is(err, store.ErrNotFound) {
				s.log.WarnContext(ctx, "subscription for unknown account",
					"event_id", pe.ProviderEventID, "customer", c.CustomerID, "subscription", c.SubscriptionID)
				return nil
			}
			if err != nil {
				return err
			}
			if staleSubscriptionEvent(account, pe.OccurredAt) {
				s.log.WarnContext(ctx, "stale subscription event skipped",
					"event_id", pe.ProviderEventID, "account_id", account.ID,
					"event_created", pe.OccurredAt, "last_applied", account.SubscriptionEventAt)
				result.Stale = true
				return nil
			}
			if c.CustomerID != "" {
				account.StripeCustomerID = c.CustomerID
			}
			account.StripeSubscriptionID = c.SubscriptionID
			if c.Tier != "" {
				account.SubscriptionTier = c.Tier
			}
			account.SubscriptionStatus = c.Status
			if c.CurrentPeriodEnd != nil {
				account.CurrentPeriodEnd = c.CurrentPeriodEnd
			}
			account.CancelAtPeriodEnd = c.CancelAtPeriodEnd
			if !pe.OccurredAt.IsZero() {
				at := pe.OccurredAt
				account.SubscriptionEventAt = &at
			}
			if err := tx.UpdateAccount(ctx, account); err != nil {
				return err
			}
			accountID, status = account.ID, account.SubscriptionStatus

		case EventInvoicePaymentFailed:
			inv := pe.Invoice
			account, err := locateAccount(ctx, tx, 0, inv.CustomerID, inv.SubscriptionID)
			if errors.Is(err, store.ErrNotFound) {
				s.log.WarnContext(ctx, "invoice for unknown account",
					"event_id", pe.ProviderEventID, "customer", inv.CustomerID)
				return nil
			}
			if err != nil {
				return err
			}
			if staleSubscriptionEvent(account, pe.OccurredAt) {
				s.log.WarnContext(ctx, "stale invoice event skipped",
					"event_id", pe.ProviderEventID, "account_id", account.ID)
				result.Stale = true
				return nil
			}
			// Grace period: access lapses once current_period_end passes.
			if account.SubscriptionStatus == models.SubscriptionActive {
				account.SubscriptionStatus = models.SubscriptionPastDue
				if err := tx.UpdateAccount(ctx, account); err != nil {
					return err
				}
			}
			accountID, status = account.ID, account.SubscriptionStatus
		}
		return nil
	})
	if err != nil {
		return WebhookResult{}, err
	}

	if result.Duplicate {
		s.log.InfoContext(ctx, "duplicate webhook ignored", "event_id", pe.ProviderEventID, "event_type", pe.EventType)
		return result, nil
	}
	s.log.InfoContext(ctx, "webhook applied",
		"event_id", pe.ProviderEventID, "event_type", pe.EventType, "kind", pe.Kind, "account_id", accountID, "stale", result.Stale)

	switch {
	case pe.Kind == EventPurchaseCompleted && accountID != 0:
		s.grantApplied(ctx, accountID, grant)
		// Only the top-up's own payment settles the pending reload.
		if pe.Purchase.AutoReload && s.reload != nil {
			if err := s.reload.Settle(ctx, accountID); err != nil {
				s.log.WarnContext(ctx, "clear reload marker", "account_id", accountID, "error", err)
			}
		}
	case status != "":
		s.publish(ctx, events.Event{
			Kind:      events.SubscriptionChanged,
			AccountID: accountID,
			Status:    status,
		})
	}
	return result, nil
}

// staleSubscriptionEvent reports whether an event created at occurredAt
// predates the last subscription event applied to the account. Events in the
// same second are applied in delivery order.
func staleSubscriptionEvent(account models.Account, occurredAt time.Time) bool {
	if occurredAt.IsZero() || account.SubscriptionEventAt == nil {
		return false
	}
	return occurredAt.Before(*account.SubscriptionEventAt)
}

func locateAccount(ctx context.Context, tx store.Tx, accountID int64, customerID, subscriptionID string) (models.Account, error) {
	if accountID > 0 {
		account, err := tx.LockAccount(ctx, accountID)
		if !errors.Is(err, store.ErrNotFound) {
			return account, err
		}
	}
	return tx.LockAccountByStripe(ctx, customerID, subscriptionID)
}

func subscriptionStatus(st stripe.SubscriptionStatus) string {
	switch st {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		return models.SubscriptionActive
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid:
		return models.SubscriptionPastDue
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusIncompleteExpired:
		return models.SubscriptionCancelled
	default:
		return models.SubscriptionInactive
	}
}

func subscriptionTier(sub *stripe.Subscription) string {
	if tier := sub.Metadata["tier"]; tier != "" {
		return tier
	}
	if sub.Items == nil {
		return ""
	}
	for _, item := range sub.Items.Data {
		if item == nil || item.Price == nil {
			continue
		}
		switch {
		case item.Price.LookupKey != "":
			return item.Price.LookupKey
		case item.Price.Nickname != "":
			return item.Price.Nickname
		default:
			return item.Price.ID
		}
	}
	return ""
}

func customerID(c *stripe.Customer) string {
	if c == nil {
		return ""
	}
	return c.ID
}

func metadataInt(md map[string]string, key string) int {
	n, err := strconv.Atoi(md[key])
	if err != nil {
		return 0
	}
	return n
}
