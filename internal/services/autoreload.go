package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"creditledger/internal/events"
	"creditledger/internal/models"
	"creditledger/internal/payments"
	"creditledger/internal/store"
)

// ReloadMarker holds at most one "top-up pending" flag per account.
type ReloadMarker interface {
	Acquire(ctx context.Context, accountID int64, ttl time.Duration) (bool, error)
	Release(ctx context.Context, accountID int64) error
	Pending(ctx context.Context, accountID int64) (bool, error)
}

// TopUpRequester starts a provider payment and returns its id.
type TopUpRequester interface {
	RequestTopUp(ctx context.Context, req payments.TopUpRequest) (string, error)
}

// AutoReloadMonitor asks the payment provider for a top-up when a token debit
// leaves the balance under the account's threshold. It never changes balances;
// the credit arrives later through the purchase webhook.
type AutoReloadMonitor struct {
	marker     ReloadMarker
	intents    TopUpRequester
	ttl        time.Duration
	priceCents int
	log        *slog.Logger
	events     events.Publisher
}

// NewAutoReloadMonitor builds a monitor; a nil pub discards events.
func NewAutoReloadMonitor(marker ReloadMarker, intents TopUpRequester, ttl time.Duration, tokenPriceCents int, log *slog.Logger, pub events.Publisher) *AutoReloadMonitor {
	if pub == nil {
		pub = events.Discard
	}
	return &AutoReloadMonitor{
		marker:     marker,
		intents:    intents,
		ttl:        ttl,
		priceCents: tokenPriceCents,
		log:        log,
		events:     pub,
	}
}

// Observe reports whether a top-up was requested. The account must be the
// row read under lock by the debit that produced balance.
func (m *AutoReloadMonitor) Observe(ctx context.Context, account models.Account, balance int) (bool, error) {
	cfg := account.AutoReload
	if !cfg.Enabled || cfg.Amount <= 0 || balance >= cfg.Threshold {
		return false, nil
	}
	if account.StripeCustomerID == "" {
		m.log.WarnContext(ctx, "auto-reload skipped, no stripe customer on file", "account_id", account.ID)
		return false, nil
	}
	acquired, err := m.marker.Acquire(ctx, account.ID, m.ttl)
	if err != nil {
		return false, fmt.Errorf("acquire reload marker: %w", err)
	}
	if !acquired {
		m.log.DebugContext(ctx, "reload already pending", "account_id", account.ID)
		return false, nil
	}

	intentID, err := m.intents.RequestTopUp(ctx, payments.TopUpRequest{
		AccountID:      account.ID,
		CustomerID:     account.StripeCustomerID,
		Tokens:         cfg.Amount,
		AmountCents:    int64(cfg.Amount) * int64(m.priceCents),
		IdempotencyKey: fmt.Sprintf("reload-%d-%s", account.ID, uuid.NewString()),
	})
	if err != nil {
		if relErr := m.marker.Release(ctx, account.ID); relErr != nil {
			m.log.ErrorContext(ctx, "release reload marker", "account_id", account.ID, "error", relErr)
		}
		return false, fmt.Errorf("request top-up: %w", err)
	}

	m.log.InfoContext(ctx, "reload triggered",
		"account_id", account.ID, "balance", balance, "threshold", cfg.Threshold,
		"tokens", cfg.Amount, "payment_intent", intentID)
	m.events.Publish(ctx, events.Event{
		Kind:      events.ReloadTriggered,
		AccountID: account.ID,
		Balance:   balance,
		Amount:    cfg.Amount,
	})
	return true, nil
}

// Settle clears the pending marker once a purchase has been credited.
func (m *AutoReloadMonitor) Settle(ctx context.Context, accountID int64) error {
	return m.marker.Release(ctx, accountID)
}

// Pending reports whether a top-up is outstanding for the account.
func (m *AutoReloadMonitor) Pending(ctx context.Context, accountID int64) (bool, error) {
	return m.marker.Pending(ctx, accountID)
}

// ConfigureAutoReload stores the account's top-up rule. Disabling it drops
// any pending marker.
func (s *Service) ConfigureAutoReload(ctx context.Context, accountID int64, threshold, topUpAmount int, enabled bool) (models.AutoReloadConfig, error) {
	if accountID <= 0 {
		return models.AutoReloadConfig{}, invalid("account_id", "must be positive")
	}
	if threshold < 0 {
		return models.AutoReloadConfig{}, invalid("threshold", "must not be negative")
	}
	if topUpAmount < 0 || (enabled && topUpAmount == 0) {
		return models.AutoReloadConfig{}, invalid("top_up_amount", "must be positive when enabled")
	}

	cfg := models.AutoReloadConfig{Enabled: enabled, Threshold: threshold, Amount: topUpAmount}
	err := s.inTx(ctx, "configure_auto_reload", func(tx store.Tx) error {
		account, err := tx.LockAccount(ctx, accountID)
		if err != nil {
			return storeErr(err, "account", accountID)
		}
		account.AutoReload = cfg
		return tx.UpdateAccount(ctx, account)
	})
	if err != nil {
		return models.AutoReloadConfig{}, err
	}

	if !enabled && s.reload != nil {
		if err := s.reload.Settle(ctx, accountID); err != nil {
			s.log.WarnContext(ctx, "clear reload marker", "account_id", accountID, "error", err)
		}
	}
	s.log.InfoContext(ctx, "auto-reload configured",
		"account_id", accountID, "enabled", enabled, "threshold", threshold, "top_up_amount", topUpAmount)
	return cfg, nil
}
