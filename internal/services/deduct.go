package services

import (
	"context"

	"creditledger/internal/events"
	"creditledger/internal/models"
	"creditledger/internal/store"
)

// Deduction says which balance paid and what remains of it.
type Deduction struct {
	Source         models.Source `json:"source"`
	TransactionID  int64         `json:"transaction_id"`
	NewBalance     int           `json:"new_balance"`
	TrialRemaining int           `json:"trial_remaining"`
}

// ResolveAndDeduct authorizes and pays for one unit of work in a single
// transaction. It returns ErrInsufficientBalance, with nothing written, when
// no source can pay.
func (s *Service) ResolveAndDeduct(ctx context.Context, accountID int64) (Deduction, error) {
	if accountID <= 0 {
		return Deduction{}, invalid("account_id", "must be positive")
	}

	var (
		result  Deduction
		account models.Account
	)
	err := s.inTx(ctx, "resolve_and_deduct", func(tx store.Tx) error {
		var err error
		account, err = tx.LockAccount(ctx, accountID)
		if err != nil {
			return storeErr(err, "account", accountID)
		}
		tokens, err := tx.LockTokenAccount(ctx, accountID)
		if err != nil {
			return storeErr(err, "token account", accountID)
		}

		source := Resolve(snapshotOf(account, tokens), s.now())
		debit := models.TokenTransaction{
			AccountID: accountID,
			Type:      models.TxGenerationDebit,
			Source:    string(source),
		}
		switch source {
		case models.SourceSubscription:
			debit.Amount = 0
		case models.SourceTrial:
			account.TrialRemaining--
			account.TrialUsed++
			if err := tx.UpdateAccount(ctx, account); err != nil {
				return err
			}
			debit.Amount = -1
		case models.SourceToken:
			tokens.Balance--
			tokens.TotalConsumed++
			if err := tx.UpdateTokenAccount(ctx, tokens); err != nil {
				return err
			}
			debit.Amount = -1
		default:
			return ErrInsufficientBalance
		}

		inserted, err := tx.InsertTransaction(ctx, debit)
		if err != nil {
			return err
		}
		result = Deduction{
			Source:         source,
			TransactionID:  inserted.ID,
			NewBalance:     tokens.Balance,
			TrialRemaining: account.TrialRemaining,
		}
		return nil
	})
	if err != nil {
		return Deduction{}, err
	}

	s.log.InfoContext(ctx, "deducted",
		"account_id", accountID, "source", result.Source, "transaction_id", result.TransactionID,
		"balance", result.NewBalance, "trial_remaining", result.TrialRemaining)

	if result.Source != models.SourceSubscription {
		s.publish(ctx, events.Event{
			Kind:          events.BalanceChanged,
			AccountID:     accountID,
			Balance:       result.NewBalance,
			Delta:         -1,
			Source:        string(result.Source),
			TransactionID: result.TransactionID,
		})
	}
	if result.Source == models.SourceToken && s.reload != nil {
		if _, err := s.reload.Observe(ctx, account, result.NewBalance); err != nil {
			s.log.ErrorContext(ctx, "auto-reload failed", "account_id", accountID, "error", err)
		}
	}
	return result, nil
}
