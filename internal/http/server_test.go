package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creditledger/internal/config"
	"creditledger/internal/models"
	"creditledger/internal/services"
	"creditledger/internal/store"
	"creditledger/internal/store/memory"
)

const testAPIKey = "internal-test-key"

type testServer struct {
	srv     *Server
	handler http.Handler
	store   *memory.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := config.Config{
		TrialCredits:        1,
		ShareDailyCap:       2,
		ShareBonusTokens:    1,
		ShareChannels:       []string{"twitter", "email"},
		TokenPriceCents:     10,
		JWTSecretKey:        "jwt-test-secret",
		JWTExpiryHours:      1,
		InternalAPIKey:      testAPIKey,
		StripeWebhookSecret: "whsec_http_test",
		ReloadPendingTTL:    time.Minute,
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := memory.New()
	svc := services.New(st, cfg, log)
	srv := NewServer(svc, services.NewWebhookIngestor(svc, cfg.StripeWebhookSecret, log), cfg, log)
	return &testServer{srv: srv, handler: srv.Routes(), store: st}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func bearer(token string) http.Header {
	return http.Header{"Authorization": {"Bearer " + token}}
}

func internalKey() http.Header {
	return http.Header{"X-Api-Key": {testAPIKey}}
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// signup creates an account through the API and returns it with a login token.
func (ts *testServer) signup(t *testing.T, email string) (models.Account, string) {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/accounts", map[string]string{"email": email, "password": "password123"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	account := decodeBody[models.Account](t, rec)

	rec = ts.do(t, http.MethodPost, "/api/auth/login", map[string]string{"email": email, "password": "password123"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	login := decodeBody[struct {
		Token string `json:"token"`
	}](t, rec)
	require.NotEmpty(t, login.Token)
	return account, login.Token
}

func TestParseID(t *testing.T) {
	id, err := parseID("123")
	require.NoError(t, err)
	assert.Equal(t, int64(123), id)

	for _, raw := range []string{"", "0", "-4", "abc"} {
		_, err := parseID(raw)
		assert.Error(t, err, raw)
	}
}

func TestParseLimit(t *testing.T) {
	req := &http.Request{URL: &url.URL{RawQuery: "limit=25"}}
	assert.Equal(t, 25, parseLimit(req))
	req = &http.Request{URL: &url.URL{RawQuery: "limit=nope"}}
	assert.Equal(t, 0, parseLimit(req))
	req = &http.Request{URL: &url.URL{}}
	assert.Equal(t, 0, parseLimit(req))
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestSignupLoginAndBalance(t *testing.T) {
	ts := newTestServer(t)
	account, token := ts.signup(t, "Reader@Example.com")
	assert.Equal(t, "reader@example.com", account.Email)
	assert.NotContains(t, ts.do(t, http.MethodGet, fmt.Sprintf("/api/accounts/%d", account.ID), nil, bearer(token)).Body.String(), "password")

	rec := ts.do(t, http.MethodGet, fmt.Sprintf("/api/accounts/%d/balance", account.ID), nil, bearer(token))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	balance := decodeBody[services.Balance](t, rec)
	assert.Equal(t, 1, balance.TrialRemaining)
	assert.Equal(t, 1, balance.TotalAvailable)

	rec = ts.do(t, http.MethodPost, "/api/auth/login", map[string]string{"email": "reader@example.com", "password": "wrong-password"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/accounts", map[string]string{"email": "reader@example.com", "password": "password123"}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAccountRoutesRequireOwnership(t *testing.T) {
	ts := newTestServer(t)
	alice, aliceToken := ts.signup(t, "alice@example.com")
	bob, _ := ts.signup(t, "bob@example.com")

	rec := ts.do(t, http.MethodGet, fmt.Sprintf("/api/accounts/%d/balance", bob.ID), nil, bearer(aliceToken))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodGet, fmt.Sprintf("/api/accounts/%d/balance", alice.ID), nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodGet, fmt.Sprintf("/api/accounts/%d/balance", alice.ID), nil, bearer("not-a-jwt"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/admin/reconcile", nil, bearer(aliceToken))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestValidationErrorsNameFields(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/api/accounts", map[string]string{"email": "not-an-email", "password": "short"}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	resp := decodeBody[ErrorResponse](t, rec)
	fields := map[string]string{}
	for _, f := range resp.Fields {
		fields[f.Field] = f.Message
	}
	assert.Equal(t, "must be a valid email address", fields["email"])
	assert.Equal(t, "must be at least 8 characters", fields["password"])
}

func TestInternalRoutesRequireAPIKey(t *testing.T) {
	ts := newTestServer(t)
	account, _ := ts.signup(t, "svc@example.com")
	path := fmt.Sprintf("/api/internal/accounts/%d/deductions", account.ID)

	assert.Equal(t, http.StatusUnauthorized, ts.do(t, http.MethodPost, path, nil, nil).Code)
	assert.Equal(t, http.StatusUnauthorized, ts.do(t, http.MethodPost, path, nil, http.Header{"X-Api-Key": {"wrong"}}).Code)

	rec := ts.do(t, http.MethodGet, fmt.Sprintf("/api/internal/accounts/%d/balance", account.ID), nil, internalKey())
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestDeductUntilDeniedThenRefund(t *testing.T) {
	ts := newTestServer(t)
	account, token := ts.signup(t, "worker@example.com")
	deductPath := fmt.Sprintf("/api/internal/accounts/%d/deductions", account.ID)

	rec := ts.do(t, http.MethodPost, deductPath, nil, internalKey())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	trial := decodeBody[services.Deduction](t, rec)
	assert.Equal(t, models.SourceTrial, trial.Source)
	assert.Equal(t, 0, trial.TrialRemaining)

	rec = ts.do(t, http.MethodPost, deductPath, nil, internalKey())
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "denied", decodeBody[map[string]string](t, rec)["source"])

	grantPath := fmt.Sprintf("/api/internal/accounts/%d/grants", account.ID)
	grant := map[string]any{"amount": 2, "idempotency_key": "order-1", "price_cents": 20}
	rec = ts.do(t, http.MethodPost, grantPath, grant, internalKey())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = ts.do(t, http.MethodPost, grantPath, grant, internalKey())
	require.Equal(t, http.StatusOK, rec.Code, "replayed grant is not applied twice")
	assert.False(t, decodeBody[services.Grant](t, rec).Applied)

	rec = ts.do(t, http.MethodPost, deductPath, nil, internalKey())
	require.Equal(t, http.StatusCreated, rec.Code)
	debit := decodeBody[services.Deduction](t, rec)
	assert.Equal(t, models.SourceToken, debit.Source)
	assert.Equal(t, 1, debit.NewBalance)

	refundPath := fmt.Sprintf("/api/internal/transactions/%d/refund", debit.TransactionID)
	rec = ts.do(t, http.MethodPost, refundPath, nil, internalKey())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decodeBody[services.RefundResult](t, rec).Refunded)

	rec = ts.do(t, http.MethodPost, refundPath, nil, internalKey())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeBody[services.RefundResult](t, rec).AlreadyRefunded)

	rec = ts.do(t, http.MethodPost, "/api/internal/transactions/9999/refund", nil, internalKey())
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, fmt.Sprintf("/api/accounts/%d/balance", account.ID), nil, bearer(token))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decodeBody[services.Balance](t, rec).TokenBalance)

	rec = ts.do(t, http.MethodGet, fmt.Sprintf("/api/accounts/%d/transactions?limit=10", account.ID), nil, bearer(token))
	require.Equal(t, http.StatusOK, rec.Code)
	history := decodeBody[struct {
		Transactions []models.TokenTransaction `json:"transactions"`
	}](t, rec)
	assert.Len(t, history.Transactions, 4)
}

func TestEmptyHistoryIsAnEmptyList(t *testing.T) {
	ts := newTestServer(t)
	account, token := ts.signup(t, "quiet@example.com")

	rec := ts.do(t, http.MethodGet, fmt.Sprintf("/api/accounts/%d/transactions", account.ID), nil, bearer(token))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"transactions":[]}`, rec.Body.String())
}

func TestShareAndAutoReloadRoutes(t *testing.T) {
	ts := newTestServer(t)
	account, token := ts.signup(t, "sharer@example.com")
	sharePath := fmt.Sprintf("/api/accounts/%d/shares", account.ID)

	rec := ts.do(t, http.MethodPost, sharePath, map[string]string{"channel": "twitter"}, bearer(token))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	share := decodeBody[services.ShareResult](t, rec)
	assert.True(t, share.CreditGranted)
	assert.Equal(t, 1, share.GrantsRemainingToday)

	rec = ts.do(t, http.MethodPost, sharePath, map[string]string{"channel": "carrier-pigeon"}, bearer(token))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	reloadPath := fmt.Sprintf("/api/accounts/%d/auto-reload", account.ID)
	rec = ts.do(t, http.MethodPut, reloadPath, map[string]any{"threshold": 5, "top_up_amount": 50}, bearer(token))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "enabled is required")

	rec = ts.do(t, http.MethodPut, reloadPath, map[string]any{"enabled": true, "threshold": 5, "top_up_amount": 50}, bearer(token))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	cfg := decodeBody[models.AutoReloadConfig](t, rec)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, 50, cfg.Amount)
}

func TestStripeWebhookRejectsBadSignature(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", bytes.NewReader([]byte(`{"id":"evt_1","type":"checkout.session.completed"}`)))
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminReconcile(t *testing.T) {
	ts := newTestServer(t)
	admin, _ := ts.signup(t, "admin@example.com")
	ctx := context.Background()
	require.NoError(t, ts.store.InTx(ctx, func(tx store.Tx) error {
		a, err := tx.LockAccount(ctx, admin.ID)
		if err != nil {
			return err
		}
		a.Role = models.RoleAdmin
		return tx.UpdateAccount(ctx, a)
	}))
	token, err := ts.srv.generateJWT(admin.ID, admin.Email, models.RoleAdmin)
	require.NoError(t, err)

	rec := ts.do(t, http.MethodGet, "/api/admin/reconcile", nil, bearer(token))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, decodeBody[map[string]any](t, rec)["consistent"])

	rec = ts.do(t, http.MethodGet, "/api/internal/reconcile", nil, internalKey())
	assert.Equal(t, http.StatusOK, rec.Code)
}
