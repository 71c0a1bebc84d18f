// Package memory is an in-process store with the same locking and uniqueness
// semantics as the Postgres store. Row locks are held until the enclosing
// transaction commits or rolls back; writes are staged and applied atomically
// on commit.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"creditledger/internal/models"
	"creditledger/internal/store"
)

type shareKey struct {
	accountID int64
	channel   string
	day       string
}

type Store struct {
	mu sync.Mutex

	accounts      map[int64]models.Account
	emails        map[string]int64
	tokenAccounts map[int64]models.TokenAccount
	transactions  map[int64]models.TokenTransaction
	keys          map[string]int64
	refunds       map[int64]int64
	shareGrants   map[shareKey]models.ShareGrant
	shareEvents   []models.ShareEvent
	webhooks      map[string]models.WebhookEvent

	nextAccountID int64
	nextTxnID     int64
	nextShareID   int64

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func New() *Store {
	return &Store{
		accounts:      make(map[int64]models.Account),
		emails:        make(map[string]int64),
		tokenAccounts: make(map[int64]models.TokenAccount),
		transactions:  make(map[int64]models.TokenTransaction),
		keys:          make(map[string]int64),
		refunds:       make(map[int64]int64),
		shareGrants:   make(map[shareKey]models.ShareGrant),
		webhooks:      make(map[string]models.WebhookEvent),
		locks:         make(map[string]*sync.Mutex),
	}
}

func (s *Store) Close() {}

func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t := newTx(s)
	defer t.release()
	if err := fn(t); err != nil {
		return err
	}
	t.commit()
	return nil
}

func (s *Store) GetAccount(_ context.Context, id int64) (models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return models.Account{}, store.ErrNotFound
	}
	return a, nil
}

func (s *Store) GetAccountByEmail(ctx context.Context, email string) (models.Account, error) {
	s.mu.Lock()
	id, ok := s.emails[strings.ToLower(email)]
	s.mu.Unlock()
	if !ok {
		return models.Account{}, store.ErrNotFound
	}
	return s.GetAccount(ctx, id)
}

func (s *Store) GetTokenAccount(_ context.Context, accountID int64) (models.TokenAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ta, ok := s.tokenAccounts[accountID]
	if !ok {
		return models.TokenAccount{}, store.ErrNotFound
	}
	return ta, nil
}

func (s *Store) GetTransaction(_ context.Context, id int64) (models.TokenTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transactions[id]
	if !ok {
		return models.TokenTransaction{}, store.ErrNotFound
	}
	return t, nil
}

func (s *Store) ListTransactions(_ context.Context, accountID int64, limit int) ([]models.TokenTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.TokenTransaction{}
	for _, t := range s.transactions {
		if t.AccountID == accountID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Reconcile(_ context.Context) ([]models.Drift, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sums := make(map[int64]int)
	for _, t := range s.transactions {
		if t.Source == string(models.SourceToken) {
			sums[t.AccountID] += t.Amount
		}
	}
	drifts := []models.Drift{}
	for id, ta := range s.tokenAccounts {
		if ta.Balance != ta.TotalPurchased-ta.TotalConsumed || ta.Balance != sums[id] {
			drifts = append(drifts, models.Drift{
				AccountID:      id,
				Balance:        ta.Balance,
				TotalPurchased: ta.TotalPurchased,
				TotalConsumed:  ta.TotalConsumed,
				LedgerSum:      sums[id],
			})
		}
	}
	sort.Slice(drifts, func(i, j int) bool { return drifts[i].AccountID < drifts[j].AccountID })
	return drifts, nil
}

// ShareEvents returns every recorded share, oldest first.
func (s *Store) ShareEvents() []models.ShareEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ShareEvent(nil), s.shareEvents...)
}

func (s *Store) rowLock(name string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[name]
	if !ok {
		l = &sync.Mutex{}
		s.locks[name] = l
	}
	return l
}

type tx struct {
	s    *Store
	held map[string]*sync.Mutex

	accounts      map[int64]models.Account
	tokenAccounts map[int64]models.TokenAccount
	transactions  []models.TokenTransaction
	shareGrants   map[shareKey]models.ShareGrant
	shareEvents   []models.ShareEvent
	webhooks      []models.WebhookEvent
}

func newTx(s *Store) *tx {
	return &tx{
		s:             s,
		held:          make(map[string]*sync.Mutex),
		accounts:      make(map[int64]models.Account),
		tokenAccounts: make(map[int64]models.TokenAccount),
		shareGrants:   make(map[shareKey]models.ShareGrant),
	}
}

func (t *tx) lock(name string) {
	if _, ok := t.held[name]; ok {
		return
	}
	l := t.s.rowLock(name)
	l.Lock()
	t.held[name] = l
}

func (t *tx) release() {
	for name, l := range t.held {
		l.Unlock()
		delete(t.held, name)
	}
}

func (t *tx) commit() {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, a := range t.accounts {
		s.accounts[id] = a
		s.emails[strings.ToLower(a.Email)] = id
	}
	for id, ta := range t.tokenAccounts {
		s.tokenAccounts[id] = ta
	}
	for _, tr := range t.transactions {
		s.transactions[tr.ID] = tr
		if tr.IdempotencyKey != nil {
			s.keys[*tr.IdempotencyKey] = tr.ID
		}
		if tr.Type == models.TxRefund && tr.LinkedTransactionID != nil {
			s.refunds[*tr.LinkedTransactionID] = tr.ID
		}
	}
	for k, g := range t.shareGrants {
		s.shareGrants[k] = g
	}
	s.shareEvents = append(s.shareEvents, t.shareEvents...)
	for _, e := range t.webhooks {
		s.webhooks[e.Provider+":"+e.ProviderEventID] = e
	}
}

func (t *tx) CreateAccount(_ context.Context, a models.Account) (models.Account, error) {
	email := strings.ToLower(a.Email)
	t.lock("email:" + email)
	s := t.s
	s.mu.Lock()
	if _, exists := s.emails[email]; exists {
		s.mu.Unlock()
		return models.Account{}, fmt.Errorf("%w: accounts_email_key", store.ErrDuplicateKey)
	}
	s.nextAccountID++
	a.ID = s.nextAccountID
	s.mu.Unlock()

	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	t.lock(accountLock(a.ID))
	t.accounts[a.ID] = a
	return a, nil
}

func (t *tx) LockAccount(_ context.Context, id int64) (models.Account, error) {
	t.lock(accountLock(id))
	if a, ok := t.accounts[id]; ok {
		return a, nil
	}
	t.s.mu.Lock()
	a, ok := t.s.accounts[id]
	t.s.mu.Unlock()
	if !ok {
		return models.Account{}, store.ErrNotFound
	}
	return a, nil
}

func (t *tx) LockAccountByStripe(ctx context.Context, customerID, subscriptionID string) (models.Account, error) {
	if customerID == "" && subscriptionID == "" {
		return models.Account{}, store.ErrNotFound
	}
	t.s.mu.Lock()
	var bySub, byCustomer int64
	for id, a := range t.s.accounts {
		if subscriptionID != "" && a.StripeSubscriptionID == subscriptionID && (bySub == 0 || id < bySub) {
			bySub = id
		}
		if customerID != "" && a.StripeCustomerID == customerID && (byCustomer == 0 || id < byCustomer) {
			byCustomer = id
		}
	}
	t.s.mu.Unlock()
	switch {
	case bySub != 0:
		return t.LockAccount(ctx, bySub)
	case byCustomer != 0:
		return t.LockAccount(ctx, byCustomer)
	}
	return models.Account{}, store.ErrNotFound
}

func (t *tx) UpdateAccount(ctx context.Context, a models.Account) error {
	current, err := t.LockAccount(ctx, a.ID)
	if err != nil {
		return err
	}
	current.StripeCustomerID = a.StripeCustomerID
	current.StripeSubscriptionID = a.StripeSubscriptionID
	current.SubscriptionTier = a.SubscriptionTier
	current.SubscriptionStatus = a.SubscriptionStatus
	current.CurrentPeriodEnd = a.CurrentPeriodEnd
	current.CancelAtPeriodEnd = a.CancelAtPeriodEnd
	current.SubscriptionEventAt = a.SubscriptionEventAt
	current.TrialRemaining = a.TrialRemaining
	current.TrialUsed = a.TrialUsed
	current.AutoReload = a.AutoReload
	current.Status = a.Status
	current.UpdatedAt = time.Now().UTC()
	t.accounts[a.ID] = current
	return nil
}

func (t *tx) LockTokenAccount(_ context.Context, accountID int64) (models.TokenAccount, error) {
	t.lock(fmt.Sprintf("token:%d", accountID))
	if ta, ok := t.tokenAccounts[accountID]; ok {
		return ta, nil
	}
	t.s.mu.Lock()
	ta, ok := t.s.tokenAccounts[accountID]
	_, accountExists := t.s.accounts[accountID]
	t.s.mu.Unlock()
	if _, staged := t.accounts[accountID]; !accountExists && !staged {
		return models.TokenAccount{}, store.ErrNotFound
	}
	if !ok {
		now := time.Now().UTC()
		ta = models.TokenAccount{AccountID: accountID, CreatedAt: now, UpdatedAt: now}
		t.tokenAccounts[accountID] = ta
	}
	return ta, nil
}

func (t *tx) UpdateTokenAccount(ctx context.Context, ta models.TokenAccount) error {
	if ta.Balance < 0 || ta.TotalConsumed < 0 || ta.Balance != ta.TotalPurchased-ta.TotalConsumed {
		return fmt.Errorf("memory: token account %d violates balance constraints", ta.AccountID)
	}
	if _, err := t.LockTokenAccount(ctx, ta.AccountID); err != nil {
		return err
	}
	ta.UpdatedAt = time.Now().UTC()
	t.tokenAccounts[ta.AccountID] = ta
	return nil
}

func (t *tx) InsertTransaction(_ context.Context, in models.TokenTransaction) (models.TokenTransaction, error) {
	s := t.s
	if in.IdempotencyKey != nil {
		t.lock("key:" + *in.IdempotencyKey)
		if _, ok := t.stagedKey(*in.IdempotencyKey); ok {
			return models.TokenTransaction{}, store.ErrDuplicateKey
		}
	}
	if in.Type == models.TxRefund && in.LinkedTransactionID != nil {
		t.lock(fmt.Sprintf("refund:%d", *in.LinkedTransactionID))
		if _, ok := t.stagedRefund(*in.LinkedTransactionID); ok {
			return models.TokenTransaction{}, fmt.Errorf("%w: token_transactions_refund_link_idx", store.ErrDuplicateKey)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if in.IdempotencyKey != nil {
		if _, ok := s.keys[*in.IdempotencyKey]; ok {
			return models.TokenTransaction{}, store.ErrDuplicateKey
		}
	}
	if in.Type == models.TxRefund && in.LinkedTransactionID != nil {
		if _, ok := s.refunds[*in.LinkedTransactionID]; ok {
			return models.TokenTransaction{}, fmt.Errorf("%w: token_transactions_refund_link_idx", store.ErrDuplicateKey)
		}
	}
	s.nextTxnID++
	in.ID = s.nextTxnID
	in.CreatedAt = time.Now().UTC()
	t.transactions = append(t.transactions, in)
	return in, nil
}

func (t *tx) stagedKey(key string) (models.TokenTransaction, bool) {
	for _, tr := range t.transactions {
		if tr.IdempotencyKey != nil && *tr.IdempotencyKey == key {
			return tr, true
		}
	}
	return models.TokenTransaction{}, false
}

func (t *tx) stagedRefund(debitID int64) (models.TokenTransaction, bool) {
	for _, tr := range t.transactions {
		if tr.Type == models.TxRefund && tr.LinkedTransactionID != nil && *tr.LinkedTransactionID == debitID {
			return tr, true
		}
	}
	return models.TokenTransaction{}, false
}

func (t *tx) GetTransaction(ctx context.Context, id int64) (models.TokenTransaction, error) {
	for _, tr := range t.transactions {
		if tr.ID == id {
			return tr, nil
		}
	}
	return t.s.GetTransaction(ctx, id)
}

func (t *tx) GetTransactionByKey(_ context.Context, key string) (models.TokenTransaction, error) {
	if tr, ok := t.stagedKey(key); ok {
		return tr, nil
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	id, ok := t.s.keys[key]
	if !ok {
		return models.TokenTransaction{}, store.ErrNotFound
	}
	return t.s.transactions[id], nil
}

func (t *tx) FindRefund(_ context.Context, debitID int64) (models.TokenTransaction, error) {
	if tr, ok := t.stagedRefund(debitID); ok {
		return tr, nil
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	id, ok := t.s.refunds[debitID]
	if !ok {
		return models.TokenTransaction{}, store.ErrNotFound
	}
	return t.s.transactions[id], nil
}

func (t *tx) LockShareGrant(_ context.Context, accountID int64, channel, dayBucket string) (models.ShareGrant, error) {
	k := shareKey{accountID: accountID, channel: channel, day: dayBucket}
	t.lock(fmt.Sprintf("share:%d:%s:%s", accountID, channel, dayBucket))
	if g, ok := t.shareGrants[k]; ok {
		return g, nil
	}
	t.s.mu.Lock()
	g, ok := t.s.shareGrants[k]
	t.s.mu.Unlock()
	if !ok {
		g = models.ShareGrant{AccountID: accountID, Channel: channel, DayBucket: dayBucket, UpdatedAt: time.Now().UTC()}
		t.shareGrants[k] = g
	}
	return g, nil
}

func (t *tx) UpdateShareGrant(ctx context.Context, g models.ShareGrant) error {
	if _, err := t.LockShareGrant(ctx, g.AccountID, g.Channel, g.DayBucket); err != nil {
		return err
	}
	g.UpdatedAt = time.Now().UTC()
	t.shareGrants[shareKey{accountID: g.AccountID, channel: g.Channel, day: g.DayBucket}] = g
	return nil
}

func (t *tx) InsertShareEvent(_ context.Context, e models.ShareEvent) error {
	t.s.mu.Lock()
	t.s.nextShareID++
	e.ID = t.s.nextShareID
	t.s.mu.Unlock()
	e.CreatedAt = time.Now().UTC()
	t.shareEvents = append(t.shareEvents, e)
	return nil
}

func (t *tx) RecordWebhookEvent(_ context.Context, e models.WebhookEvent) error {
	name := e.Provider + ":" + e.ProviderEventID
	t.lock("webhook:" + name)
	for _, staged := range t.webhooks {
		if staged.Provider == e.Provider && staged.ProviderEventID == e.ProviderEventID {
			return store.ErrDuplicateKey
		}
	}
	t.s.mu.Lock()
	_, seen := t.s.webhooks[name]
	t.s.mu.Unlock()
	if seen {
		return store.ErrDuplicateKey
	}
	e.ProcessedAt = time.Now().UTC()
	t.webhooks = append(t.webhooks, e)
	return nil
}

func accountLock(id int64) string {
	return fmt.Sprintf("account:%d", id)
}
