package services

import (
	"context"
	"errors"
	"fmt"

	"creditledger/internal/events"
	"creditledger/internal/models"
	"creditledger/internal/store"
)

type Grant struct {
	Transaction models.TokenTransaction `json:"transaction"`
	Applied     bool                    `json:"applied"`
	Balance     int                     `json:"balance"`
}

// AddTokens credits a purchase at most once per idempotency key. A replayed
// key returns the original transaction with Applied false.
func (s *Service) AddTokens(ctx context.Context, accountID int64, amount int, idempotencyKey string, priceCents int) (Grant, error) {
	var grant Grant
	err := s.inTx(ctx, "add_tokens", func(tx store.Tx) error {
		if _, err := tx.LockAccount(ctx, accountID); err != nil {
			return storeErr(err, "account", accountID)
		}
		var err error
		grant, err = s.addTokensTx(ctx, tx, accountID, amount, idempotencyKey, &priceCents)
		return err
	})
	if err != nil {
		return Grant{}, err
	}
	s.grantApplied(ctx, accountID, grant)
	return grant, nil
}

// addTokensTx expects the account row to be locked already.
func (s *Service) addTokensTx(ctx context.Context, tx store.Tx, accountID int64, amount int, idempotencyKey string, priceCents *int) (Grant, error) {
	if amount <= 0 {
		return Grant{}, invalid("amount", "must be positive")
	}
	if idempotencyKey == "" {
		return Grant{}, invalid("idempotency_key", "is required")
	}
	tokens, err := tx.LockTokenAccount(ctx, accountID)
	if err != nil {
		return Grant{}, storeErr(err, "token account", accountID)
	}

	key := idempotencyKey
	inserted, err := tx.InsertTransaction(ctx, models.TokenTransaction{
		AccountID:      accountID,
		Amount:         amount,
		Type:           models.TxPurchase,
		Source:         string(models.SourceToken),
		IdempotencyKey: &key,
		PricePaidCents: priceCents,
	})
	if errors.Is(err, store.ErrDuplicateKey) {
		existing, err := tx.GetTransactionByKey(ctx, idempotencyKey)
		if err != nil {
			return Grant{}, fmt.Errorf("load transaction for key %q: %w", idempotencyKey, err)
		}
		return Grant{Transaction: existing, Applied: false, Balance: tokens.Balance}, nil
	}
	if err != nil {
		return Grant{}, err
	}

	tokens.Balance += amount
	tokens.TotalPurchased += amount
	if err := tx.UpdateTokenAccount(ctx, tokens); err != nil {
		return Grant{}, err
	}
	return Grant{Transaction: inserted, Applied: true, Balance: tokens.Balance}, nil
}

// GrantBonus credits tokens earned by a qualifying action. Only the share
// limiter calls it, after the daily cap check.
func (s *Service) GrantBonus(ctx context.Context, accountID int64, amount int, reason string) (Grant, error) {
	var grant Grant
	err := s.inTx(ctx, "grant_bonus", func(tx store.Tx) error {
		if _, err := tx.LockAccount(ctx, accountID); err != nil {
			return storeErr(err, "account", accountID)
		}
		var err error
		grant, err = s.grantBonusTx(ctx, tx, accountID, amount, reason)
		return err
	})
	if err != nil {
		return Grant{}, err
	}
	s.grantApplied(ctx, accountID, grant)
	return grant, nil
}

func (s *Service) grantBonusTx(ctx context.Context, tx store.Tx, accountID int64, amount int, reason string) (Grant, error) {
	if amount <= 0 {
		return Grant{}, invalid("amount", "must be positive")
	}
	tokens, err := tx.LockTokenAccount(ctx, accountID)
	if err != nil {
		return Grant{}, storeErr(err, "token account", accountID)
	}
	r := reason
	inserted, err := tx.InsertTransaction(ctx, models.TokenTransaction{
		AccountID: accountID,
		Amount:    amount,
		Type:      models.TxBonusGrant,
		Source:    string(models.SourceToken),
		Reason:    &r,
	})
	if err != nil {
		return Grant{}, err
	}
	// Bonus credits count as purchased so balance == purchased - consumed holds.
	tokens.Balance += amount
	tokens.TotalPurchased += amount
	if err := tx.UpdateTokenAccount(ctx, tokens); err != nil {
		return Grant{}, err
	}
	return Grant{Transaction: inserted, Applied: true, Balance: tokens.Balance}, nil
}

func (s *Service) grantApplied(ctx context.Context, accountID int64, g Grant) {
	if !g.Applied {
		s.log.InfoContext(ctx, "grant already applied",
			"account_id", accountID, "transaction_id", g.Transaction.ID)
		return
	}
	s.log.InfoContext(ctx, "tokens granted",
		"account_id", accountID, "type", g.Transaction.Type, "amount", g.Transaction.Amount,
		"transaction_id", g.Transaction.ID, "balance", g.Balance)
	s.publish(ctx, events.Event{
		Kind:          events.BalanceChanged,
		AccountID:     accountID,
		Balance:       g.Balance,
		Delta:         g.Transaction.Amount,
		Source:        string(models.SourceToken),
		TransactionID: g.Transaction.ID,
	})
}
