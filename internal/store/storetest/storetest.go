// Package storetest holds behavioural tests shared by every store.Store
// implementation.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creditledger/internal/models"
	"creditledger/internal/store"
)

var errRollback = errors.New("rollback")

// Run exercises st. It only creates rows with unique emails and keys so it
// can run against a shared database.
func Run(t *testing.T, st store.Store) {
	t.Run("CreateAccountAndTokenRow", func(t *testing.T) { testCreateAccount(t, st) })
	t.Run("RollbackDiscardsWrites", func(t *testing.T) { testRollback(t, st) })
	t.Run("DuplicateEmail", func(t *testing.T) { testDuplicateEmail(t, st) })
	t.Run("IdempotencyKey", func(t *testing.T) { testIdempotencyKey(t, st) })
	t.Run("SingleRefundPerDebit", func(t *testing.T) { testSingleRefund(t, st) })
	t.Run("WebhookEventsDeduplicate", func(t *testing.T) { testWebhookEvents(t, st) })
	t.Run("LockedIncrementsSerialize", func(t *testing.T) { testLockedIncrements(t, st) })
	t.Run("ListTransactionsNewestFirst", func(t *testing.T) { testListTransactions(t, st) })
	t.Run("ListTransactionsEmpty", func(t *testing.T) { testListTransactionsEmpty(t, st) })
	t.Run("LockAccountByStripe", func(t *testing.T) { testLockByStripe(t, st) })
	t.Run("ShareGrantCounter", func(t *testing.T) { testShareGrant(t, st) })
	t.Run("ReconcileConsistentAccount", func(t *testing.T) { testReconcile(t, st) })
}

func uniqueEmail() string {
	return uuid.NewString() + "@storetest.example.com"
}

func ptr[T any](v T) *T { return &v }

func newAccount(t *testing.T, st store.Store) models.Account {
	t.Helper()
	ctx := context.Background()
	var a models.Account
	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
		var err error
		a, err = tx.CreateAccount(ctx, models.Account{
			Email:              uniqueEmail(),
			PasswordHash:       "hash",
			Role:               models.RoleUser,
			Status:             models.AccountStatusActive,
			SubscriptionStatus: models.SubscriptionInactive,
			TrialRemaining:     3,
		})
		if err != nil {
			return err
		}
		_, err = tx.LockTokenAccount(ctx, a.ID)
		return err
	}))
	return a
}

// credit adds amount tokens with a matching purchase row.
func credit(t *testing.T, st store.Store, accountID int64, amount int) models.TokenTransaction {
	t.Helper()
	ctx := context.Background()
	var out models.TokenTransaction
	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
		ta, err := tx.LockTokenAccount(ctx, accountID)
		if err != nil {
			return err
		}
		ta.Balance += amount
		ta.TotalPurchased += amount
		if err := tx.UpdateTokenAccount(ctx, ta); err != nil {
			return err
		}
		out, err = tx.InsertTransaction(ctx, models.TokenTransaction{
			AccountID:      accountID,
			Amount:         amount,
			Type:           models.TxPurchase,
			Source:         string(models.SourceToken),
			IdempotencyKey: ptr("storetest:" + uuid.NewString()),
		})
		return err
	}))
	return out
}

func testCreateAccount(t *testing.T, st store.Store) {
	ctx := context.Background()
	a := newAccount(t, st)
	assert.NotZero(t, a.ID)

	got, err := st.GetAccountByEmail(ctx, a.Email)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
	assert.Equal(t, 3, got.TrialRemaining)

	ta, err := st.GetTokenAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.Zero(t, ta.Balance)

	_, err = st.GetAccount(ctx, a.ID+1_000_000)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testRollback(t *testing.T, st store.Store) {
	ctx := context.Background()
	a := newAccount(t, st)
	email := uniqueEmail()

	err := st.InTx(ctx, func(tx store.Tx) error {
		if _, err := tx.CreateAccount(ctx, models.Account{
			Email: email, PasswordHash: "hash", Role: models.RoleUser,
			Status: models.AccountStatusActive, SubscriptionStatus: models.SubscriptionInactive,
		}); err != nil {
			return err
		}
		ta, err := tx.LockTokenAccount(ctx, a.ID)
		if err != nil {
			return err
		}
		ta.Balance, ta.TotalPurchased = 50, 50
		if err := tx.UpdateTokenAccount(ctx, ta); err != nil {
			return err
		}
		return errRollback
	})
	require.ErrorIs(t, err, errRollback)

	_, err = st.GetAccountByEmail(ctx, email)
	assert.ErrorIs(t, err, store.ErrNotFound)
	ta, err := st.GetTokenAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.Zero(t, ta.Balance)
}

func testDuplicateEmail(t *testing.T, st store.Store) {
	ctx := context.Background()
	a := newAccount(t, st)
	err := st.InTx(ctx, func(tx store.Tx) error {
		_, err := tx.CreateAccount(ctx, models.Account{
			Email: a.Email, PasswordHash: "hash", Role: models.RoleUser,
			Status: models.AccountStatusActive, SubscriptionStatus: models.SubscriptionInactive,
		})
		return err
	})
	assert.ErrorIs(t, err, store.ErrDuplicateKey)
}

func testIdempotencyKey(t *testing.T, st store.Store) {
	ctx := context.Background()
	a := newAccount(t, st)
	first := credit(t, st, a.ID, 5)
	require.NotNil(t, first.IdempotencyKey)

	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
		_, err := tx.InsertTransaction(ctx, models.TokenTransaction{
			AccountID:      a.ID,
			Amount:         5,
			Type:           models.TxPurchase,
			Source:         string(models.SourceToken),
			IdempotencyKey: first.IdempotencyKey,
		})
		assert.ErrorIs(t, err, store.ErrDuplicateKey)

		// The transaction is still usable after the duplicate.
		existing, err := tx.GetTransactionByKey(ctx, *first.IdempotencyKey)
		require.NoError(t, err)
		assert.Equal(t, first.ID, existing.ID)
		return nil
	}))
}

func testSingleRefund(t *testing.T, st store.Store) {
	ctx := context.Background()
	a := newAccount(t, st)
	credit(t, st, a.ID, 1)

	var debit models.TokenTransaction
	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
		var err error
		debit, err = tx.InsertTransaction(ctx, models.TokenTransaction{
			AccountID: a.ID, Amount: -1, Type: models.TxGenerationDebit, Source: string(models.SourceToken),
		})
		return err
	}))

	refund := models.TokenTransaction{
		AccountID: a.ID, Amount: 1, Type: models.TxRefund, Source: string(models.SourceToken),
		LinkedTransactionID: ptr(debit.ID),
	}
	var first models.TokenTransaction
	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
		_, err := tx.FindRefund(ctx, debit.ID)
		require.ErrorIs(t, err, store.ErrNotFound)
		first, err = tx.InsertTransaction(ctx, refund)
		return err
	}))

	err := st.InTx(ctx, func(tx store.Tx) error {
		_, err := tx.InsertTransaction(ctx, refund)
		return err
	})
	assert.ErrorIs(t, err, store.ErrDuplicateKey)

	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
		found, err := tx.FindRefund(ctx, debit.ID)
		require.NoError(t, err)
		assert.Equal(t, first.ID, found.ID)
		return nil
	}))
}

func testWebhookEvents(t *testing.T, st store.Store) {
	ctx := context.Background()
	e := models.WebhookEvent{Provider: models.ProviderStripe, ProviderEventID: "evt_" + uuid.NewString(), EventType: "checkout.session.completed"}

	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error { return tx.RecordWebhookEvent(ctx, e) }))
	err := st.InTx(ctx, func(tx store.Tx) error { return tx.RecordWebhookEvent(ctx, e) })
	assert.ErrorIs(t, err, store.ErrDuplicateKey)

	// A rolled back event can be recorded again.
	retry := models.WebhookEvent{Provider: models.ProviderStripe, ProviderEventID: "evt_" + uuid.NewString(), EventType: "invoice.payment_failed"}
	err = st.InTx(ctx, func(tx store.Tx) error {
		if err := tx.RecordWebhookEvent(ctx, retry); err != nil {
			return err
		}
		return errRollback
	})
	require.ErrorIs(t, err, errRollback)
	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error { return tx.RecordWebhookEvent(ctx, retry) }))
}

func testLockedIncrements(t *testing.T, st store.Store) {
	ctx := context.Background()
	a := newAccount(t, st)
	const workers = 20

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := st.InTx(ctx, func(tx store.Tx) error {
				if _, err := tx.LockAccount(ctx, a.ID); err != nil {
					return err
				}
				ta, err := tx.LockTokenAccount(ctx, a.ID)
				if err != nil {
					return err
				}
				ta.Balance++
				ta.TotalPurchased++
				return tx.UpdateTokenAccount(ctx, ta)
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	ta, err := st.GetTokenAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, workers, ta.Balance)
	assert.Equal(t, workers, ta.TotalPurchased)
}

func testListTransactions(t *testing.T, st store.Store) {
	ctx := context.Background()
	a := newAccount(t, st)
	var ids []int64
	for i := 0; i < 3; i++ {
		ids = append(ids, credit(t, st, a.ID, 1).ID)
	}

	txns, err := st.ListTransactions(ctx, a.ID, 2)
	require.NoError(t, err)
	require.Len(t, txns, 2)
	assert.Equal(t, ids[2], txns[0].ID)
	assert.Equal(t, ids[1], txns[1].ID)

	got, err := st.GetTransaction(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, models.TxPurchase, got.Type)
}

func testListTransactionsEmpty(t *testing.T, st store.Store) {
	a := newAccount(t, st)
	txns, err := st.ListTransactions(context.Background(), a.ID, 10)
	require.NoError(t, err)
	assert.NotNil(t, txns)
	assert.Empty(t, txns)
}

func testLockByStripe(t *testing.T, st store.Store) {
	ctx := context.Background()
	a := newAccount(t, st)
	customer := "cus_" + uuid.NewString()
	subscription := "sub_" + uuid.NewString()
	eventAt := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
		locked, err := tx.LockAccount(ctx, a.ID)
		if err != nil {
			return err
		}
		locked.StripeCustomerID = customer
		locked.StripeSubscriptionID = subscription
		locked.SubscriptionEventAt = &eventAt
		return tx.UpdateAccount(ctx, locked)
	}))

	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
		bySub, err := tx.LockAccountByStripe(ctx, "", subscription)
		require.NoError(t, err)
		assert.Equal(t, a.ID, bySub.ID)
		require.NotNil(t, bySub.SubscriptionEventAt)
		assert.True(t, eventAt.Equal(*bySub.SubscriptionEventAt))

		byCustomer, err := tx.LockAccountByStripe(ctx, customer, "")
		require.NoError(t, err)
		assert.Equal(t, a.ID, byCustomer.ID)

		_, err = tx.LockAccountByStripe(ctx, "cus_unknown_"+uuid.NewString(), "")
		assert.ErrorIs(t, err, store.ErrNotFound)
		return nil
	}))
}

func testShareGrant(t *testing.T, st store.Store) {
	ctx := context.Background()
	a := newAccount(t, st)
	const day = "2026-03-10"

	for i := 0; i < 2; i++ {
		require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
			g, err := tx.LockShareGrant(ctx, a.ID, "twitter", day)
			if err != nil {
				return err
			}
			g.GrantCount++
			if err := tx.UpdateShareGrant(ctx, g); err != nil {
				return err
			}
			return tx.InsertShareEvent(ctx, models.ShareEvent{AccountID: a.ID, Channel: "twitter", DayBucket: day, CreditGranted: true})
		}))
	}

	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
		g, err := tx.LockShareGrant(ctx, a.ID, "twitter", day)
		require.NoError(t, err)
		assert.Equal(t, 2, g.GrantCount)

		other, err := tx.LockShareGrant(ctx, a.ID, "email", day)
		require.NoError(t, err)
		assert.Zero(t, other.GrantCount)
		return nil
	}))
}

func testReconcile(t *testing.T, st store.Store) {
	ctx := context.Background()
	a := newAccount(t, st)
	credit(t, st, a.ID, 7)

	drift, err := st.Reconcile(ctx)
	require.NoError(t, err)
	for _, d := range drift {
		assert.NotEqual(t, a.ID, d.AccountID)
	}
}
