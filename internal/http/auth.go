package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"creditledger/internal/models"
)

type contextKey string

const (
	contextKeyAccountID contextKey = "account_id"
	contextKeyEmail     contextKey = "email"
	contextKeyRole      contextKey = "role"
	contextKeyInternal  contextKey = "internal"
)

const jwtIssuer = "creditledger"

type JWTClaims struct {
	AccountID int64  `json:"account_id"`
	Email     string `json:"email"`
	Role      string `json:"role"`
	jwt.RegisteredClaims
}

func (s *Server) generateJWT(accountID int64, email string, role string) (string, error) {
	if s.cfg.JWTSecretKey == "" {
		return "", errors.New("JWT secret key not configured")
	}

	now := time.Now()
	claims := JWTClaims{
		AccountID: accountID,
		Email:     email,
		Role:      role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.JWTExpiry())),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    jwtIssuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.cfg.JWTSecretKey))
}

// jwtMiddleware stores the verified claims on the request context.
func (s *Server) jwtMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			respondError(w, http.StatusUnauthorized, errors.New("missing authorization header"))
			return
		}

		scheme, tokenString, ok := strings.Cut(authHeader, " ")
		if !ok || !strings.EqualFold(scheme, "bearer") || tokenString == "" {
			respondError(w, http.StatusUnauthorized, errors.New("invalid authorization header format"))
			return
		}

		if s.cfg.JWTSecretKey == "" {
			respondError(w, http.StatusInternalServerError, errors.New("JWT secret key not configured"))
			return
		}

		token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return []byte(s.cfg.JWTSecretKey), nil
		}, jwt.WithIssuer(jwtIssuer))
		if err != nil {
			respondError(w, http.StatusUnauthorized, errors.New("invalid or expired token"))
			return
		}

		claims, ok := token.Claims.(*JWTClaims)
		if !ok || !token.Valid {
			respondError(w, http.StatusUnauthorized, errors.New("invalid token claims"))
			return
		}

		ctx := r.Context()
		ctx = context.WithValue(ctx, contextKeyAccountID, claims.AccountID)
		ctx = context.WithValue(ctx, contextKeyEmail, claims.Email)
		ctx = context.WithValue(ctx, contextKeyRole, claims.Role)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) adminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isAdmin(r.Context()) {
			respondError(w, http.StatusForbidden, errors.New("admin access required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// internalAPIKeyMiddleware guards service-to-service routes with X-API-Key.
func (s *Server) internalAPIKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.InternalAPIKey == "" {
			respondError(w, http.StatusServiceUnavailable, errors.New("internal API key not configured"))
			return
		}
		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			respondError(w, http.StatusUnauthorized, errors.New("missing X-API-Key header"))
			return
		}
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(s.cfg.InternalAPIKey)) != 1 {
			respondError(w, http.StatusUnauthorized, errors.New("invalid API key"))
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyInternal, true)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func getAccountIDFromContext(ctx context.Context) int64 {
	if id, ok := ctx.Value(contextKeyAccountID).(int64); ok {
		return id
	}
	return 0
}

func getRoleFromContext(ctx context.Context) string {
	if role, ok := ctx.Value(contextKeyRole).(string); ok {
		return role
	}
	return ""
}

func isAdmin(ctx context.Context) bool {
	return getRoleFromContext(ctx) == models.RoleAdmin
}

func isInternal(ctx context.Context) bool {
	internal, _ := ctx.Value(contextKeyInternal).(bool)
	return internal
}

// canAccessAccount allows internal callers and admins everywhere, and
// account holders on their own account only.
func canAccessAccount(ctx context.Context, accountID int64) bool {
	if isInternal(ctx) || isAdmin(ctx) {
		return true
	}
	return getAccountIDFromContext(ctx) == accountID
}
