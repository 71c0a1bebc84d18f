package events

import (
	"context"
	"fmt"

	"creditledger/internal/models"
)

type AccountLookup interface {
	GetAccount(ctx context.Context, id int64) (models.Account, error)
}

type Mailer interface {
	IsConfigured() bool
	SendReloadNotice(ctx context.Context, fromEmail, to string, tokens, balance int) error
	SendLowBalanceNotice(ctx context.Context, fromEmail, to string, balance int) error
}

// EmailSubscriber notifies the account owner when an automatic top-up starts
// and when a token debit empties the balance.
type EmailSubscriber struct {
	accounts AccountLookup
	mailer   Mailer
	from     string
}

func NewEmailSubscriber(accounts AccountLookup, mailer Mailer, from string) *EmailSubscriber {
	return &EmailSubscriber{accounts: accounts, mailer: mailer, from: from}
}

func (s *EmailSubscriber) Name() string { return "email" }

func (s *EmailSubscriber) Handle(ctx context.Context, e Event) error {
	if !s.mailer.IsConfigured() || s.from == "" {
		return nil
	}
	exhausted := e.Kind == BalanceChanged && e.Delta < 0 && e.Balance == 0 && e.Source == string(models.SourceToken)
	if e.Kind != ReloadTriggered && !exhausted {
		return nil
	}
	account, err := s.accounts.GetAccount(ctx, e.AccountID)
	if err != nil {
		return fmt.Errorf("load account %d: %w", e.AccountID, err)
	}
	if account.Email == "" {
		return nil
	}
	if exhausted {
		if account.AutoReload.Enabled {
			return nil
		}
		return s.mailer.SendLowBalanceNotice(ctx, s.from, account.Email, e.Balance)
	}
	return s.mailer.SendReloadNotice(ctx, s.from, account.Email, e.Amount, e.Balance)
}
