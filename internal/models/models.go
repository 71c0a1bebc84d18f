package models

import "time"

type Account struct {
	ID                   int64            `json:"id"`
	Email                string           `json:"email"`
	PasswordHash         string           `json:"-"`
	Role                 string           `json:"role"`
	Status               string           `json:"status"`
	StripeCustomerID     string           `json:"stripe_customer_id,omitempty"`
	StripeSubscriptionID string           `json:"stripe_subscription_id,omitempty"`
	SubscriptionTier     string           `json:"subscription_tier,omitempty"`
	SubscriptionStatus   string           `json:"subscription_status"`
	CurrentPeriodEnd     *time.Time       `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd    bool             `json:"cancel_at_period_end"`
	SubscriptionEventAt  *time.Time       `json:"-"`
	TrialRemaining       int              `json:"trial_remaining"`
	TrialUsed            int              `json:"trial_used"`
	AutoReload           AutoReloadConfig `json:"auto_reload"`
	CreatedAt            time.Time        `json:"created_at"`
	UpdatedAt            time.Time        `json:"updated_at"`
}

// AutoReloadConfig lives on the account row so it is read under the same
// lock as the deduction that may trigger it.
type AutoReloadConfig struct {
	Enabled   bool `json:"enabled"`
	Threshold int  `json:"threshold"`
	Amount    int  `json:"top_up_amount"`
}

type TokenAccount struct {
	AccountID      int64     `json:"account_id"`
	Balance        int       `json:"balance"`
	TotalPurchased int       `json:"total_purchased"`
	TotalConsumed  int       `json:"total_consumed"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TokenTransaction is an append-only ledger row. It is never updated.
type TokenTransaction struct {
	ID                  int64     `json:"id"`
	AccountID           int64     `json:"account_id"`
	Amount              int       `json:"amount"`
	Type                string    `json:"type"`
	Source              string    `json:"source"`
	IdempotencyKey      *string   `json:"idempotency_key,omitempty"`
	PricePaidCents      *int      `json:"price_paid_cents,omitempty"`
	LinkedTransactionID *int64    `json:"linked_transaction_id,omitempty"`
	Reason              *string   `json:"reason,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}

type ShareGrant struct {
	AccountID  int64
	Channel    string
	DayBucket  string
	GrantCount int
	UpdatedAt  time.Time
}

type ShareEvent struct {
	ID            int64
	AccountID     int64
	Channel       string
	DayBucket     string
	CreditGranted bool
	CreatedAt     time.Time
}

type WebhookEvent struct {
	Provider        string
	ProviderEventID string
	EventType       string
	ProcessedAt     time.Time
}

// Drift reports an account whose token row disagrees with itself or with the
// transaction log.
type Drift struct {
	AccountID      int64 `json:"account_id"`
	Balance        int   `json:"balance"`
	TotalPurchased int   `json:"total_purchased"`
	TotalConsumed  int   `json:"total_consumed"`
	LedgerSum      int   `json:"ledger_sum"`
}

// BalanceSnapshot is the immutable input of authorization.
type BalanceSnapshot struct {
	SubscriptionStatus string
	CurrentPeriodEnd   *time.Time
	TrialRemaining     int
	TokenBalance       int
}

const (
	AccountStatusActive   = "active"
	AccountStatusDisabled = "disabled"
)

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

const (
	SubscriptionInactive  = "inactive"
	SubscriptionActive    = "active"
	SubscriptionPastDue   = "past_due"
	SubscriptionCancelled = "cancelled"
)

const (
	TxPurchase        = "purchase"
	TxGenerationDebit = "generation_debit"
	TxRefund          = "refund"
	TxBonusGrant      = "bonus_grant"
)

// Source names the balance that paid for (or was credited by) a transaction.
type Source string

const (
	SourceSubscription Source = "subscription"
	SourceTrial        Source = "trial"
	SourceToken        Source = "token"
	SourceDenied       Source = "denied"
)

const ProviderStripe = "stripe"
