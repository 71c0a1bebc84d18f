package services

import (
	"errors"
	"fmt"

	"creditledger/internal/store"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrSignatureInvalid    = errors.New("webhook signature invalid")
	ErrUnavailable         = errors.New("service temporarily unavailable")
	ErrInvalidCredentials  = errors.New("invalid email or password")
	ErrDuplicateAccount    = errors.New("account already exists")
)

// ValidationError describes one malformed input field. It matches ErrInvalidRequest.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidRequest }

func invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// IsRetryable reports whether err is a transient storage conflict.
func IsRetryable(err error) bool {
	return errors.Is(err, store.ErrConflict) || errors.Is(err, ErrUnavailable)
}

func notFound(what string, id int64) error {
	return fmt.Errorf("%w: %s %d", ErrNotFound, what, id)
}

// storeErr translates store.ErrNotFound for a lookup keyed by id.
func storeErr(err error, what string, id int64) error {
	if errors.Is(err, store.ErrNotFound) {
		return notFound(what, id)
	}
	return err
}
