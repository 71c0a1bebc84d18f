package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"creditledger/internal/config"
	"creditledger/internal/services"
)

// Stripe never sends webhook bodies larger than this.
const maxWebhookBody = 65536

// Server exposes the ledger over HTTP.
type Server struct {
	svc      *services.Service
	webhooks *services.WebhookIngestor
	cfg      config.Config
	log      *slog.Logger
	validate *validator.Validate
}

// NewServer reports validation failures under the json field names.
func NewServer(svc *services.Service, webhooks *services.WebhookIngestor, cfg config.Config, log *slog.Logger) *Server {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Server{
		svc:      svc,
		webhooks: webhooks,
		cfg:      cfg,
		log:      log,
		validate: validate,
	}
}

// loggingRecoverer turns a handler panic into a 500 and logs the stack.
func (s *Server) loggingRecoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				if rvr == http.ErrAbortHandler {
					panic(rvr)
				}
				s.log.ErrorContext(r.Context(), "panic recovered",
					"request_id", middleware.GetReqID(r.Context()),
					"method", r.Method, "path", r.URL.Path,
					"panic", fmt.Sprint(rvr), "stack", string(debug.Stack()))

				if r.Header.Get("Connection") != "Upgrade" {
					respondJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
				}
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			s.log.InfoContext(r.Context(), "request",
				"request_id", middleware.GetReqID(r.Context()),
				"method", r.Method, "path", r.URL.Path,
				"status", ww.Status(), "duration", time.Since(start))
		}()
		next.ServeHTTP(ww, r)
	})
}

// Routes builds the router. Account routes need a JWT for that account or an
// admin role. The Stripe webhook authenticates by signature alone.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingRecoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/login", s.handleLogin)
		r.Post("/accounts", s.handleCreateAccount)
		r.Post("/webhooks/stripe", s.handleStripeWebhook)

		r.Group(func(r chi.Router) {
			r.Use(s.jwtMiddleware)

			r.Get("/accounts/{id}", s.handleGetAccount)
			r.Get("/accounts/{id}/balance", s.handleGetBalance)
			r.Get("/accounts/{id}/transactions", s.handleListTransactions)
			r.Post("/accounts/{id}/shares", s.handleRecordShare)
			r.Put("/accounts/{id}/auto-reload", s.handleConfigureAutoReload)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.jwtMiddleware)
			r.Use(s.adminMiddleware)

			r.Get("/reconcile", s.handleReconcile)
		})

		// Paid-work initiators and other backend services.
		r.Route("/internal", func(r chi.Router) {
			r.Use(s.internalAPIKeyMiddleware)

			r.Post("/accounts/{id}/deductions", s.handleDeduct)
			r.Post("/accounts/{id}/grants", s.handleAddTokens)
			r.Get("/accounts/{id}/balance", s.handleGetBalance)
			r.Post("/transactions/{id}/refund", s.handleRefund)
			r.Get("/reconcile", s.handleReconcile)
		})
	})

	return r
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization,Content-Type,X-API-Key")
		w.Header().Set("Access-Control-Max-Age", "86400")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !s.decode(w, r, &req) {
		return
	}
	account, err := s.svc.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	token, err := s.generateJWT(account.ID, account.Email, account.Role)
	if err != nil {
		respondErrorWithLog(w, r, s.log, http.StatusInternalServerError, err, "generate jwt")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_in": int(s.cfg.JWTExpiry().Seconds()),
		"account":    account,
	})
}

type createAccountRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if !s.decode(w, r, &req) {
		return
	}
	account, err := s.svc.CreateAccount(r.Context(), req.Email, req.Password)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, account)
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := s.accountParam(w, r)
	if !ok {
		return
	}
	account, err := s.svc.GetAccount(r.Context(), id)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, account)
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := s.accountParam(w, r)
	if !ok {
		return
	}
	balance, err := s.svc.GetBalance(r.Context(), id)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, balance)
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	id, ok := s.accountParam(w, r)
	if !ok {
		return
	}
	txns, err := s.svc.ListTransactions(r.Context(), id, parseLimit(r))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"transactions": txns})
}

type shareRequest struct {
	Channel string `json:"channel" validate:"required"`
}

func (s *Server) handleRecordShare(w http.ResponseWriter, r *http.Request) {
	id, ok := s.accountParam(w, r)
	if !ok {
		return
	}
	var req shareRequest
	if !s.decode(w, r, &req) {
		return
	}
	result, err := s.svc.RecordShare(r.Context(), id, req.Channel)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

type autoReloadRequest struct {
	Enabled     *bool `json:"enabled" validate:"required"`
	Threshold   int   `json:"threshold" validate:"gte=0"`
	TopUpAmount int   `json:"top_up_amount" validate:"gte=0"`
}

func (s *Server) handleConfigureAutoReload(w http.ResponseWriter, r *http.Request) {
	id, ok := s.accountParam(w, r)
	if !ok {
		return
	}
	var req autoReloadRequest
	if !s.decode(w, r, &req) {
		return
	}
	cfg, err := s.svc.ConfigureAutoReload(r.Context(), id, req.Threshold, req.TopUpAmount, *req.Enabled)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

// handleDeduct answers 402 with source "denied" when nothing can pay.
func (s *Server) handleDeduct(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	result, err := s.svc.ResolveAndDeduct(r.Context(), id)
	if errors.Is(err, services.ErrInsufficientBalance) {
		respondJSON(w, http.StatusPaymentRequired, map[string]string{
			"error":  err.Error(),
			"source": "denied",
		})
		return
	}
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, result)
}

type addTokensRequest struct {
	Amount         int    `json:"amount" validate:"required,gt=0"`
	IdempotencyKey string `json:"idempotency_key" validate:"required,max=255"`
	PriceCents     int    `json:"price_cents" validate:"gte=0"`
}

func (s *Server) handleAddTokens(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	var req addTokensRequest
	if !s.decode(w, r, &req) {
		return
	}
	grant, err := s.svc.AddTokens(r.Context(), id, req.Amount, req.IdempotencyKey, req.PriceCents)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	status := http.StatusCreated
	if !grant.Applied {
		status = http.StatusOK
	}
	respondJSON(w, status, grant)
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	result, err := s.svc.Refund(r.Context(), id)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	drift, err := s.svc.Reconcile(r.Context())
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"consistent": len(drift) == 0,
		"drift":      drift,
	})
}

// handleStripeWebhook needs the raw body for signature checks, so it skips decode.
func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	result, err := s.webhooks.Ingest(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// accountParam parses {id} and checks the caller may act on that account.
func (s *Server) accountParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return 0, false
	}
	if !canAccessAccount(r.Context(), id) {
		respondError(w, http.StatusForbidden, errors.New("access denied"))
		return 0, false
	}
	return id, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			respondValidation(w, verrs)
			return false
		}
		respondError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

func (s *Server) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *services.ValidationError
	switch {
	case errors.As(err, &verr):
		respondJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Fields: []services.ValidationError{*verr}})
	case errors.Is(err, services.ErrNotFound):
		respondError(w, http.StatusNotFound, err)
	case errors.Is(err, services.ErrInvalidRequest):
		respondError(w, http.StatusBadRequest, err)
	case errors.Is(err, services.ErrSignatureInvalid):
		respondError(w, http.StatusBadRequest, services.ErrSignatureInvalid)
	case errors.Is(err, services.ErrInsufficientBalance):
		respondError(w, http.StatusPaymentRequired, err)
	case errors.Is(err, services.ErrInvalidCredentials):
		respondError(w, http.StatusUnauthorized, err)
	case errors.Is(err, services.ErrDuplicateAccount):
		respondError(w, http.StatusConflict, err)
	case errors.Is(err, services.ErrUnavailable):
		w.Header().Set("Retry-After", "1")
		respondErrorWithLog(w, r, s.log, http.StatusServiceUnavailable, err, "service unavailable")
	default:
		respondErrorWithLog(w, r, s.log, http.StatusInternalServerError, err, "internal error")
	}
}

func parseID(raw string) (int64, error) {
	if raw == "" {
		return 0, errors.New("id is required")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}

func parseLimit(r *http.Request) int {
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			return parsed
		}
	}
	return 0
}
