package services

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"creditledger/internal/models"
	"creditledger/internal/store"
)

const (
	minPasswordLength        = 8
	defaultTransactionsLimit = 50
	maxTransactionsLimit     = 500
)

// CreateAccount registers an account with the configured trial credits and an
// empty token account.
func (s *Service) CreateAccount(ctx context.Context, email, password string) (models.Account, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if _, err := mail.ParseAddress(email); err != nil || email == "" {
		return models.Account{}, invalid("email", "must be a valid address")
	}
	if len(password) < minPasswordLength {
		return models.Account{}, invalid("password", fmt.Sprintf("must be at least %d characters", minPasswordLength))
	}
	passwordHash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return models.Account{}, err
	}

	var account models.Account
	err = s.inTx(ctx, "create_account", func(tx store.Tx) error {
		var err error
		account, err = tx.CreateAccount(ctx, models.Account{
			Email:              email,
			PasswordHash:       string(passwordHash),
			Role:               models.RoleUser,
			Status:             models.AccountStatusActive,
			SubscriptionStatus: models.SubscriptionInactive,
			TrialRemaining:     max(s.config.TrialCredits, 0),
		})
		if errors.Is(err, store.ErrDuplicateKey) {
			return ErrDuplicateAccount
		}
		if err != nil {
			return err
		}
		_, err = tx.LockTokenAccount(ctx, account.ID)
		return err
	})
	if err != nil {
		return models.Account{}, err
	}
	s.log.InfoContext(ctx, "account created", "account_id", account.ID, "trial_remaining", account.TrialRemaining)
	return account, nil
}

// Authenticate returns ErrInvalidCredentials for an unknown email, a wrong
// password and a non-active account alike.
func (s *Service) Authenticate(ctx context.Context, email, password string) (models.Account, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return models.Account{}, ErrInvalidCredentials
	}
	account, err := s.store.GetAccountByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.Account{}, ErrInvalidCredentials
		}
		return models.Account{}, err
	}
	if account.Status != models.AccountStatusActive {
		return models.Account{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		return models.Account{}, ErrInvalidCredentials
	}
	return account, nil
}

// GetAccount reads the account without locking it. A missing id yields
// ErrNotFound.
func (s *Service) GetAccount(ctx context.Context, id int64) (models.Account, error) {
	account, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return models.Account{}, storeErr(err, "account", id)
	}
	return account, nil
}

// Balance is the read model served to clients.
type Balance struct {
	AccountID          int64                   `json:"account_id"`
	TrialRemaining     int                     `json:"trial_remaining"`
	TokenBalance       int                     `json:"token_balance"`
	SubscriptionActive bool                    `json:"subscription_active"`
	SubscriptionStatus string                  `json:"subscription_status"`
	SubscriptionTier   string                  `json:"subscription_tier,omitempty"`
	CurrentPeriodEnd   *time.Time              `json:"current_period_end,omitempty"`
	TotalAvailable     int                     `json:"total_available"`
	AutoReload         models.AutoReloadConfig `json:"auto_reload"`
	ReloadPending      bool                    `json:"reload_pending"`
}

// GetBalance is a point-in-time read without locks. TotalAvailable counts
// trial credits and tokens; an active subscription is reported separately
// because it is not metered.
func (s *Service) GetBalance(ctx context.Context, accountID int64) (Balance, error) {
	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return Balance{}, storeErr(err, "account", accountID)
	}
	tokens, err := s.store.GetTokenAccount(ctx, accountID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Balance{}, err
	}

	b := Balance{
		AccountID:          accountID,
		TrialRemaining:     account.TrialRemaining,
		TokenBalance:       tokens.Balance,
		SubscriptionActive: SubscriptionActive(account.SubscriptionStatus, account.CurrentPeriodEnd, s.now()),
		SubscriptionStatus: account.SubscriptionStatus,
		SubscriptionTier:   account.SubscriptionTier,
		CurrentPeriodEnd:   account.CurrentPeriodEnd,
		TotalAvailable:     account.TrialRemaining + tokens.Balance,
		AutoReload:         account.AutoReload,
	}
	if s.reload != nil && account.AutoReload.Enabled {
		pending, err := s.reload.Pending(ctx, accountID)
		if err != nil {
			s.log.WarnContext(ctx, "read reload marker", "account_id", accountID, "error", err)
		}
		b.ReloadPending = pending
	}
	return b, nil
}

// ListTransactions returns the newest entries first, capped at
// maxTransactionsLimit. An account with no history yields an empty slice.
func (s *Service) ListTransactions(ctx context.Context, accountID int64, limit int) ([]models.TokenTransaction, error) {
	if _, err := s.store.GetAccount(ctx, accountID); err != nil {
		return nil, storeErr(err, "account", accountID)
	}
	if limit <= 0 {
		limit = defaultTransactionsLimit
	}
	limit = min(limit, maxTransactionsLimit)
	return s.store.ListTransactions(ctx, accountID, limit)
}

// Reconcile lists accounts whose token row disagrees with itself or with the
// sum of token-source ledger rows.
func (s *Service) Reconcile(ctx context.Context) ([]models.Drift, error) {
	drift, err := s.store.Reconcile(ctx)
	if err != nil {
		return nil, err
	}
	if len(drift) > 0 {
		s.log.WarnContext(ctx, "ledger drift detected", "accounts", len(drift))
	}
	return drift, nil
}
