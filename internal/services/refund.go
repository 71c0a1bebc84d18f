package services

import (
	"context"
	"errors"

	"creditledger/internal/events"
	"creditledger/internal/models"
	"creditledger/internal/store"
)

const refundReason = "paid work failed"

type RefundResult struct {
	Refunded        bool          `json:"refunded"`
	AlreadyRefunded bool          `json:"already_refunded"`
	Source          models.Source `json:"source"`
	TransactionID   int64         `json:"refund_transaction_id"`
}

var errAlreadyRefunded = errors.New("already refunded")

// Refund reverses one generation debit. Refunding the same debit again is a
// successful no-op.
func (s *Service) Refund(ctx context.Context, transactionID int64) (RefundResult, error) {
	if transactionID <= 0 {
		return RefundResult{}, invalid("transaction_id", "must be positive")
	}
	// Ledger rows are immutable, so an unlocked read is enough to find the owner.
	debit, err := s.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return RefundResult{}, storeErr(err, "transaction", transactionID)
	}
	if debit.Type != models.TxGenerationDebit {
		return RefundResult{}, invalid("transaction_id", "only generation debits can be refunded")
	}
	source := models.Source(debit.Source)

	var (
		result  RefundResult
		balance int
	)
	err = s.inTx(ctx, "refund", func(tx store.Tx) error {
		account, err := tx.LockAccount(ctx, debit.AccountID)
		if err != nil {
			return storeErr(err, "account", debit.AccountID)
		}
		tokens, err := tx.LockTokenAccount(ctx, debit.AccountID)
		if err != nil {
			return storeErr(err, "token account", debit.AccountID)
		}

		existing, err := tx.FindRefund(ctx, debit.ID)
		if err == nil {
			result = RefundResult{Refunded: true, AlreadyRefunded: true, Source: source, TransactionID: existing.ID}
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		amount := 0
		switch source {
		case models.SourceToken:
			tokens.Balance++
			if tokens.TotalConsumed > 0 {
				tokens.TotalConsumed--
			} else {
				tokens.TotalPurchased++
			}
			if err := tx.UpdateTokenAccount(ctx, tokens); err != nil {
				return err
			}
			amount = 1
		case models.SourceTrial:
			account.TrialRemaining++
			if account.TrialUsed > 0 {
				account.TrialUsed--
			}
			if err := tx.UpdateAccount(ctx, account); err != nil {
				return err
			}
			amount = 1
		}

		reason := refundReason
		linked := debit.ID
		inserted, err := tx.InsertTransaction(ctx, models.TokenTransaction{
			AccountID:           debit.AccountID,
			Amount:              amount,
			Type:                models.TxRefund,
			Source:              debit.Source,
			LinkedTransactionID: &linked,
			Reason:              &reason,
		})
		if errors.Is(err, store.ErrDuplicateKey) {
			return errAlreadyRefunded
		}
		if err != nil {
			return err
		}
		balance = tokens.Balance
		result = RefundResult{Refunded: true, Source: source, TransactionID: inserted.ID}
		return nil
	})
	if errors.Is(err, errAlreadyRefunded) {
		return RefundResult{Refunded: true, AlreadyRefunded: true, Source: source}, nil
	}
	if err != nil {
		return RefundResult{}, err
	}

	if result.AlreadyRefunded {
		s.log.InfoContext(ctx, "refund already applied", "transaction_id", transactionID)
		return result, nil
	}
	s.log.InfoContext(ctx, "refunded",
		"account_id", debit.AccountID, "transaction_id", transactionID, "source", source,
		"refund_transaction_id", result.TransactionID)
	if source != models.SourceSubscription {
		s.publish(ctx, events.Event{
			Kind:          events.BalanceChanged,
			AccountID:     debit.AccountID,
			Balance:       balance,
			Delta:         1,
			Source:        string(source),
			TransactionID: result.TransactionID,
		})
	}
	return result, nil
}
