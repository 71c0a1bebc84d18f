package postgres

import (
	"context"
	"errors"
	"fmt"

	"creditledger/internal/models"
	"creditledger/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const accountColumns = `id, email, password_hash, role, status, stripe_customer_id, stripe_subscription_id,
	subscription_tier, subscription_status, current_period_end, cancel_at_period_end, subscription_event_at,
	trial_remaining, trial_used, auto_reload_enabled, auto_reload_threshold, auto_reload_amount,
	created_at, updated_at`

const tokenAccountColumns = `account_id, balance, total_purchased, total_consumed, created_at, updated_at`

const transactionColumns = `id, account_id, amount, type, source, idempotency_key, price_paid_cents,
	linked_transaction_id, reason, created_at`

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	pgTx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return mapError(err)
	}
	defer pgTx.Rollback(ctx)

	if err := fn(&tx{q: pgTx}); err != nil {
		return mapError(err)
	}
	return mapError(pgTx.Commit(ctx))
}

func (s *Store) GetAccount(ctx context.Context, id int64) (models.Account, error) {
	return scanAccount(s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
}

func (s *Store) GetAccountByEmail(ctx context.Context, email string) (models.Account, error) {
	return scanAccount(s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = $1`, email))
}

func (s *Store) GetTokenAccount(ctx context.Context, accountID int64) (models.TokenAccount, error) {
	return scanTokenAccount(s.pool.QueryRow(ctx,
		`SELECT `+tokenAccountColumns+` FROM token_accounts WHERE account_id = $1`, accountID))
}

func (s *Store) GetTransaction(ctx context.Context, id int64) (models.TokenTransaction, error) {
	return getTransaction(ctx, s.pool, id)
}

func (s *Store) ListTransactions(ctx context.Context, accountID int64, limit int) ([]models.TokenTransaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+transactionColumns+`
		FROM token_transactions
		WHERE account_id = $1
		ORDER BY id DESC
		LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.TokenTransaction{}
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) Reconcile(ctx context.Context) ([]models.Drift, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ta.account_id, ta.balance, ta.total_purchased, ta.total_consumed,
			COALESCE(SUM(tt.amount) FILTER (WHERE tt.source = 'token'), 0) AS ledger_sum
		FROM token_accounts ta
		LEFT JOIN token_transactions tt ON tt.account_id = ta.account_id
		GROUP BY ta.account_id, ta.balance, ta.total_purchased, ta.total_consumed
		HAVING ta.balance <> ta.total_purchased - ta.total_consumed
			OR ta.balance <> COALESCE(SUM(tt.amount) FILTER (WHERE tt.source = 'token'), 0)
		ORDER BY ta.account_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	drifts := []models.Drift{}
	for rows.Next() {
		var d models.Drift
		if err := rows.Scan(&d.AccountID, &d.Balance, &d.TotalPurchased, &d.TotalConsumed, &d.LedgerSum); err != nil {
			return nil, err
		}
		drifts = append(drifts, d)
	}
	return drifts, rows.Err()
}

type tx struct {
	q querier
}

func (t *tx) CreateAccount(ctx context.Context, a models.Account) (models.Account, error) {
	created, err := scanAccount(t.q.QueryRow(ctx, `
		INSERT INTO accounts (email, password_hash, role, status, subscription_status, trial_remaining)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+accountColumns,
		a.Email, a.PasswordHash, a.Role, a.Status, a.SubscriptionStatus, a.TrialRemaining))
	if err != nil {
		return models.Account{}, mapError(err)
	}
	return created, nil
}

func (t *tx) LockAccount(ctx context.Context, id int64) (models.Account, error) {
	return scanAccount(t.q.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id))
}

func (t *tx) LockAccountByStripe(ctx context.Context, customerID, subscriptionID string) (models.Account, error) {
	if customerID == "" && subscriptionID == "" {
		return models.Account{}, store.ErrNotFound
	}
	return scanAccount(t.q.QueryRow(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE ($1 <> '' AND stripe_subscription_id = $1) OR ($2 <> '' AND stripe_customer_id = $2)
		ORDER BY CASE WHEN stripe_subscription_id = $1 THEN 0 ELSE 1 END, id
		LIMIT 1
		FOR UPDATE`, subscriptionID, customerID))
}

func (t *tx) UpdateAccount(ctx context.Context, a models.Account) error {
	ct, err := t.q.Exec(ctx, `
		UPDATE accounts
		SET stripe_customer_id = $1, stripe_subscription_id = $2, subscription_tier = $3,
			subscription_status = $4, current_period_end = $5, cancel_at_period_end = $6,
			trial_remaining = $7, trial_used = $8, auto_reload_enabled = $9,
			auto_reload_threshold = $10, auto_reload_amount = $11, status = $12,
			subscription_event_at = $13, updated_at = NOW()
		WHERE id = $14`,
		a.StripeCustomerID, a.StripeSubscriptionID, a.SubscriptionTier,
		a.SubscriptionStatus, a.CurrentPeriodEnd, a.CancelAtPeriodEnd,
		a.TrialRemaining, a.TrialUsed, a.AutoReload.Enabled,
		a.AutoReload.Threshold, a.AutoReload.Amount, a.Status, a.SubscriptionEventAt, a.ID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *tx) LockTokenAccount(ctx context.Context, accountID int64) (models.TokenAccount, error) {
	if _, err := t.q.Exec(ctx, `
		INSERT INTO token_accounts (account_id) VALUES ($1)
		ON CONFLICT (account_id) DO NOTHING`, accountID); err != nil {
		return models.TokenAccount{}, err
	}
	return scanTokenAccount(t.q.QueryRow(ctx,
		`SELECT `+tokenAccountColumns+` FROM token_accounts WHERE account_id = $1 FOR UPDATE`, accountID))
}

func (t *tx) UpdateTokenAccount(ctx context.Context, ta models.TokenAccount) error {
	ct, err := t.q.Exec(ctx, `
		UPDATE token_accounts
		SET balance = $1, total_purchased = $2, total_consumed = $3, updated_at = NOW()
		WHERE account_id = $4`, ta.Balance, ta.TotalPurchased, ta.TotalConsumed, ta.AccountID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *tx) InsertTransaction(ctx context.Context, in models.TokenTransaction) (models.TokenTransaction, error) {
	out, err := scanTransaction(t.q.QueryRow(ctx, `
		INSERT INTO token_transactions
			(account_id, amount, type, source, idempotency_key, price_paid_cents, linked_transaction_id, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING
		RETURNING `+transactionColumns,
		in.AccountID, in.Amount, in.Type, in.Source, in.IdempotencyKey, in.PricePaidCents,
		in.LinkedTransactionID, in.Reason))
	if errors.Is(err, store.ErrNotFound) {
		return models.TokenTransaction{}, store.ErrDuplicateKey
	}
	if err != nil {
		return models.TokenTransaction{}, mapError(err)
	}
	return out, nil
}

func (t *tx) GetTransaction(ctx context.Context, id int64) (models.TokenTransaction, error) {
	return getTransaction(ctx, t.q, id)
}

func (t *tx) GetTransactionByKey(ctx context.Context, key string) (models.TokenTransaction, error) {
	return scanTransaction(t.q.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM token_transactions WHERE idempotency_key = $1`, key))
}

func (t *tx) FindRefund(ctx context.Context, debitID int64) (models.TokenTransaction, error) {
	return scanTransaction(t.q.QueryRow(ctx, `
		SELECT `+transactionColumns+`
		FROM token_transactions
		WHERE linked_transaction_id = $1 AND type = $2`, debitID, models.TxRefund))
}

func (t *tx) LockShareGrant(ctx context.Context, accountID int64, channel, dayBucket string) (models.ShareGrant, error) {
	if _, err := t.q.Exec(ctx, `
		INSERT INTO share_grants (account_id, channel, day_bucket) VALUES ($1, $2, $3)
		ON CONFLICT (account_id, channel, day_bucket) DO NOTHING`, accountID, channel, dayBucket); err != nil {
		return models.ShareGrant{}, err
	}
	var g models.ShareGrant
	err := t.q.QueryRow(ctx, `
		SELECT account_id, channel, day_bucket, grant_count, updated_at
		FROM share_grants
		WHERE account_id = $1 AND channel = $2 AND day_bucket = $3
		FOR UPDATE`, accountID, channel, dayBucket).Scan(&g.AccountID, &g.Channel, &g.DayBucket, &g.GrantCount, &g.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ShareGrant{}, store.ErrNotFound
	}
	return g, err
}

func (t *tx) UpdateShareGrant(ctx context.Context, g models.ShareGrant) error {
	_, err := t.q.Exec(ctx, `
		UPDATE share_grants SET grant_count = $1, updated_at = NOW()
		WHERE account_id = $2 AND channel = $3 AND day_bucket = $4`,
		g.GrantCount, g.AccountID, g.Channel, g.DayBucket)
	return err
}

func (t *tx) InsertShareEvent(ctx context.Context, e models.ShareEvent) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO share_events (account_id, channel, day_bucket, credit_granted)
		VALUES ($1, $2, $3, $4)`, e.AccountID, e.Channel, e.DayBucket, e.CreditGranted)
	return err
}

func (t *tx) RecordWebhookEvent(ctx context.Context, e models.WebhookEvent) error {
	ct, err := t.q.Exec(ctx, `
		INSERT INTO webhook_events (provider, provider_event_id, event_type)
		VALUES ($1, $2, $3)
		ON CONFLICT (provider, provider_event_id) DO NOTHING`, e.Provider, e.ProviderEventID, e.EventType)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return store.ErrDuplicateKey
	}
	return nil
}

func getTransaction(ctx context.Context, q querier, id int64) (models.TokenTransaction, error) {
	return scanTransaction(q.QueryRow(ctx, `SELECT `+transactionColumns+` FROM token_transactions WHERE id = $1`, id))
}

func scanAccount(row pgx.Row) (models.Account, error) {
	var a models.Account
	err := row.Scan(&a.ID, &a.Email, &a.PasswordHash, &a.Role, &a.Status, &a.StripeCustomerID, &a.StripeSubscriptionID,
		&a.SubscriptionTier, &a.SubscriptionStatus, &a.CurrentPeriodEnd, &a.CancelAtPeriodEnd, &a.SubscriptionEventAt,
		&a.TrialRemaining, &a.TrialUsed, &a.AutoReload.Enabled, &a.AutoReload.Threshold, &a.AutoReload.Amount,
		&a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Account{}, store.ErrNotFound
	}
	return a, err
}

func scanTokenAccount(row pgx.Row) (models.TokenAccount, error) {
	var t models.TokenAccount
	err := row.Scan(&t.AccountID, &t.Balance, &t.TotalPurchased, &t.TotalConsumed, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.TokenAccount{}, store.ErrNotFound
	}
	return t, err
}

func scanTransaction(row pgx.Row) (models.TokenTransaction, error) {
	var t models.TokenTransaction
	err := row.Scan(&t.ID, &t.AccountID, &t.Amount, &t.Type, &t.Source, &t.IdempotencyKey, &t.PricePaidCents,
		&t.LinkedTransactionID, &t.Reason, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.TokenTransaction{}, store.ErrNotFound
	}
	return t, err
}

// mapError translates Postgres error codes into store sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s", store.ErrDuplicateKey, pgErr.ConstraintName)
		case "40001", "40P01":
			return fmt.Errorf("%w: %s", store.ErrConflict, pgErr.Message)
		}
	}
	return err
}
