package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creditledger/internal/models"
	"creditledger/internal/store"
	"creditledger/internal/store/storetest"
)

func TestStoreContract(t *testing.T) {
	storetest.Run(t, New())
}

func TestTokenRowRequiresAccount(t *testing.T) {
	s := New()
	ctx := context.Background()
	err := s.InTx(ctx, func(tx store.Tx) error {
		_, err := tx.LockTokenAccount(ctx, 42)
		return err
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdateTokenAccountRejectsBrokenBalance(t *testing.T) {
	s := New()
	ctx := context.Background()
	var id int64
	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		a, err := tx.CreateAccount(ctx, models.Account{Email: "rows@example.com"})
		id = a.ID
		return err
	}))

	err := s.InTx(ctx, func(tx store.Tx) error {
		ta, err := tx.LockTokenAccount(ctx, id)
		if err != nil {
			return err
		}
		ta.Balance = -1
		return tx.UpdateTokenAccount(ctx, ta)
	})
	assert.Error(t, err)

	err = s.InTx(ctx, func(tx store.Tx) error {
		ta, err := tx.LockTokenAccount(ctx, id)
		if err != nil {
			return err
		}
		ta.Balance = 3
		return tx.UpdateTokenAccount(ctx, ta)
	})
	assert.Error(t, err, "balance must equal purchased minus consumed")
}

func TestCanceledContextSkipsTransaction(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := s.InTx(ctx, func(store.Tx) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestShareEventsAreCommittedInOrder(t *testing.T) {
	s := New()
	ctx := context.Background()
	for _, ch := range []string{"twitter", "email"} {
		require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
			return tx.InsertShareEvent(ctx, models.ShareEvent{AccountID: 1, Channel: ch, DayBucket: "2026-03-10"})
		}))
	}
	events := s.ShareEvents()
	require.Len(t, events, 2)
	assert.Equal(t, "twitter", events[0].Channel)
	assert.Less(t, events[0].ID, events[1].ID)
}
