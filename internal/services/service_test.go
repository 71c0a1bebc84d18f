package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creditledger/internal/cache"
	"creditledger/internal/config"
	"creditledger/internal/events"
	"creditledger/internal/models"
	"creditledger/internal/payments"
	"creditledger/internal/store"
	"creditledger/internal/store/memory"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func testConfig() config.Config {
	return config.Config{
		TrialCredits:     3,
		ShareDailyCap:    3,
		ShareBonusTokens: 1,
		ShareChannels:    []string{"twitter", "facebook", "email"},
		ReloadPendingTTL: 15 * time.Minute,
		TokenPriceCents:  10,
		StripeCurrency:   "usd",
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordedEvents struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordedEvents) Publish(_ context.Context, e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordedEvents) ofKind(kind events.Kind) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

type fakeIntents struct {
	mu       sync.Mutex
	requests []payments.TopUpRequest
	err      error
}

func (f *fakeIntents) RequestTopUp(_ context.Context, req payments.TopUpRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.requests = append(f.requests, req)
	return "pi_fake", nil
}

func (f *fakeIntents) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type harness struct {
	svc     *Service
	store   *memory.Store
	events  *recordedEvents
	intents *fakeIntents
	marker  *cache.MemoryMarker
	cfg     config.Config
}

func newHarness(t *testing.T, mutate ...func(*config.Config)) *harness {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	h := &harness{
		store:   memory.New(),
		events:  &recordedEvents{},
		intents: &fakeIntents{},
		marker:  cache.NewMemoryMarker(),
		cfg:     cfg,
	}
	monitor := NewAutoReloadMonitor(h.marker, h.intents, cfg.ReloadPendingTTL, cfg.TokenPriceCents, quietLogger(), h.events)
	h.svc = New(h.store, cfg, quietLogger(),
		WithEvents(h.events),
		WithAutoReload(monitor),
		WithClock(func() time.Time { return testNow }),
	)
	return h
}

func (h *harness) account(t *testing.T, email string) models.Account {
	t.Helper()
	a, err := h.svc.CreateAccount(context.Background(), email, "password123")
	require.NoError(t, err)
	return a
}

// tokenAccount creates an account with no trial credits and the given balance.
func (h *harness) tokenAccount(t *testing.T, email string, balance int) models.Account {
	t.Helper()
	ctx := context.Background()
	a := h.account(t, email)
	require.NoError(t, h.store.InTx(ctx, func(tx store.Tx) error {
		locked, err := tx.LockAccount(ctx, a.ID)
		if err != nil {
			return err
		}
		locked.TrialRemaining = 0
		a = locked
		return tx.UpdateAccount(ctx, locked)
	}))
	if balance > 0 {
		_, err := h.svc.AddTokens(ctx, a.ID, balance, "seed:"+email, balance*10)
		require.NoError(t, err)
	}
	return a
}

// reloadAccount is a tokenAccount with a Stripe customer on file, so
// auto-reload can charge it.
func (h *harness) reloadAccount(t *testing.T, email string, balance int) models.Account {
	t.Helper()
	ctx := context.Background()
	a := h.tokenAccount(t, email, balance)
	require.NoError(t, h.store.InTx(ctx, func(tx store.Tx) error {
		locked, err := tx.LockAccount(ctx, a.ID)
		if err != nil {
			return err
		}
		locked.StripeCustomerID = fmt.Sprintf("cus_%d", a.ID)
		a = locked
		return tx.UpdateAccount(ctx, locked)
	}))
	return a
}

func (h *harness) setSubscription(t *testing.T, id int64, status string, end *time.Time) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.store.InTx(ctx, func(tx store.Tx) error {
		a, err := tx.LockAccount(ctx, id)
		if err != nil {
			return err
		}
		a.SubscriptionStatus = status
		a.CurrentPeriodEnd = end
		return tx.UpdateAccount(ctx, a)
	}))
}

func (h *harness) tokens(t *testing.T, id int64) models.TokenAccount {
	t.Helper()
	ta, err := h.store.GetTokenAccount(context.Background(), id)
	require.NoError(t, err)
	return ta
}

func assertInvariant(t *testing.T, ta models.TokenAccount) {
	t.Helper()
	assert.Equal(t, ta.Balance, ta.TotalPurchased-ta.TotalConsumed, "balance == purchased - consumed")
	assert.GreaterOrEqual(t, ta.Balance, 0)
	assert.GreaterOrEqual(t, ta.TotalConsumed, 0)
}

func TestResolvePriority(t *testing.T) {
	future := testNow.Add(24 * time.Hour)
	past := testNow.Add(-time.Hour)

	tests := []struct {
		name string
		snap models.BalanceSnapshot
		want models.Source
	}{
		{"subscription beats large token balance", models.BalanceSnapshot{SubscriptionStatus: models.SubscriptionActive, CurrentPeriodEnd: &future, TokenBalance: 100}, models.SourceSubscription},
		{"active without period end", models.BalanceSnapshot{SubscriptionStatus: models.SubscriptionActive, TrialRemaining: 2}, models.SourceSubscription},
		{"expired active falls through to trial", models.BalanceSnapshot{SubscriptionStatus: models.SubscriptionActive, CurrentPeriodEnd: &past, TrialRemaining: 1}, models.SourceTrial},
		{"past due in grace period", models.BalanceSnapshot{SubscriptionStatus: models.SubscriptionPastDue, CurrentPeriodEnd: &future}, models.SourceSubscription},
		{"past due after period end", models.BalanceSnapshot{SubscriptionStatus: models.SubscriptionPastDue, CurrentPeriodEnd: &past, TokenBalance: 1}, models.SourceToken},
		{"past due without period end", models.BalanceSnapshot{SubscriptionStatus: models.SubscriptionPastDue}, models.SourceDenied},
		{"trial beats tokens", models.BalanceSnapshot{TrialRemaining: 1, TokenBalance: 100}, models.SourceTrial},
		{"cancelled uses tokens", models.BalanceSnapshot{SubscriptionStatus: models.SubscriptionCancelled, CurrentPeriodEnd: &future, TokenBalance: 3}, models.SourceToken},
		{"nothing left", models.BalanceSnapshot{SubscriptionStatus: models.SubscriptionInactive}, models.SourceDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Resolve(tt.snap, testNow))
		})
	}
}

type conflictStore struct {
	*memory.Store
	mu        sync.Mutex
	conflicts int
	calls     int
}

func (c *conflictStore) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	c.mu.Lock()
	c.calls++
	fail := c.conflicts > 0
	if fail {
		c.conflicts--
	}
	c.mu.Unlock()
	if fail {
		return store.ErrConflict
	}
	return c.Store.InTx(ctx, fn)
}

func TestInTxRetriesConflictOnce(t *testing.T) {
	ctx := context.Background()
	cs := &conflictStore{Store: memory.New()}
	svc := New(cs, testConfig(), quietLogger())
	account, err := svc.CreateAccount(ctx, "retry@example.com", "password123")
	require.NoError(t, err)

	cs.conflicts = 1
	cs.calls = 0
	d, err := svc.ResolveAndDeduct(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SourceTrial, d.Source)
	assert.Equal(t, 2, cs.calls)

	cs.conflicts = 2
	_, err = svc.ResolveAndDeduct(ctx, account.ID)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.True(t, IsRetryable(err))

	got, err := svc.GetAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.TrialRemaining)
}

func TestValidationErrorMatchesInvalidRequest(t *testing.T) {
	err := invalid("channel", "unsupported")
	assert.ErrorIs(t, err, ErrInvalidRequest)
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "channel", ve.Field)
}
