// Package store defines the persistence contract of the credit ledger.
//
// Every balance mutation runs inside InTx. Lock* methods take a pessimistic
// row lock that is held until the transaction ends; callers lock the account
// row first, then the token row, then any share counter row.
package store

import (
	"context"
	"errors"

	"creditledger/internal/models"
)

var (
	ErrNotFound     = errors.New("store: not found")
	ErrDuplicateKey = errors.New("store: duplicate key")
	// ErrConflict marks a transient serialization failure or deadlock.
	ErrConflict = errors.New("store: transaction conflict")
)

type Store interface {
	Reader
	InTx(ctx context.Context, fn func(tx Tx) error) error
	Close()
}

// Reader holds point-in-time reads that take no locks.
type Reader interface {
	GetAccount(ctx context.Context, id int64) (models.Account, error)
	GetAccountByEmail(ctx context.Context, email string) (models.Account, error)
	GetTokenAccount(ctx context.Context, accountID int64) (models.TokenAccount, error)
	GetTransaction(ctx context.Context, id int64) (models.TokenTransaction, error)
	ListTransactions(ctx context.Context, accountID int64, limit int) ([]models.TokenTransaction, error)
	Reconcile(ctx context.Context) ([]models.Drift, error)
}

type Tx interface {
	CreateAccount(ctx context.Context, a models.Account) (models.Account, error)
	LockAccount(ctx context.Context, id int64) (models.Account, error)
	LockAccountByStripe(ctx context.Context, customerID, subscriptionID string) (models.Account, error)
	UpdateAccount(ctx context.Context, a models.Account) error

	// LockTokenAccount creates a zero row when none exists.
	LockTokenAccount(ctx context.Context, accountID int64) (models.TokenAccount, error)
	UpdateTokenAccount(ctx context.Context, t models.TokenAccount) error

	// InsertTransaction returns ErrDuplicateKey when the idempotency key was
	// already used; the transaction stays usable.
	InsertTransaction(ctx context.Context, t models.TokenTransaction) (models.TokenTransaction, error)
	GetTransaction(ctx context.Context, id int64) (models.TokenTransaction, error)
	GetTransactionByKey(ctx context.Context, key string) (models.TokenTransaction, error)
	FindRefund(ctx context.Context, debitID int64) (models.TokenTransaction, error)

	// LockShareGrant creates a zero counter row when none exists.
	LockShareGrant(ctx context.Context, accountID int64, channel, dayBucket string) (models.ShareGrant, error)
	UpdateShareGrant(ctx context.Context, g models.ShareGrant) error
	InsertShareEvent(ctx context.Context, e models.ShareEvent) error

	// RecordWebhookEvent returns ErrDuplicateKey when the event was seen before.
	RecordWebhookEvent(ctx context.Context, e models.WebhookEvent) error
}
