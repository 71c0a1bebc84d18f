package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"creditledger/internal/services"
)

type ErrorResponse struct {
	Error  string                     `json:"error"`
	Fields []services.ValidationError `json:"fields,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, ErrorResponse{Error: err.Error()})
}

// respondErrorWithLog logs err with the request id and hides its text from
// the client on 5xx responses.
func respondErrorWithLog(w http.ResponseWriter, r *http.Request, log *slog.Logger, status int, err error, msg string) {
	ctx := r.Context()
	log.ErrorContext(ctx, msg,
		"request_id", middleware.GetReqID(ctx),
		"method", r.Method, "path", r.URL.Path,
		"status", status, "error", err)
	if status >= http.StatusInternalServerError {
		respondJSON(w, status, ErrorResponse{Error: http.StatusText(status)})
		return
	}
	respondError(w, status, err)
}

func respondValidation(w http.ResponseWriter, verrs validator.ValidationErrors) {
	fields := make([]services.ValidationError, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, services.ValidationError{
			Field:   fe.Field(),
			Message: validationMessage(fe),
		})
	}
	respondJSON(w, http.StatusBadRequest, ErrorResponse{Error: "validation failed", Fields: fields})
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "min":
		return "must be at least " + fe.Param() + " characters"
	case "gt":
		return "must be greater than " + fe.Param()
	case "gte":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param() + " characters"
	default:
		return "failed " + fe.Tag() + " validation"
	}
}
