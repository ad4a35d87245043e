package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/xela07ax/commerce-gate/internal/console/service"
	"github.com/xela07ax/commerce-gate/internal/domain"
	"github.com/xela07ax/commerce-gate/internal/infra/auth"
	"github.com/xela07ax/commerce-gate/internal/policy"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError переводит ошибки ядра в HTTP коды.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, policy.ErrStaleVersion):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, domain.ErrUnknownAgent), errors.Is(err, service.ErrNoPolicy):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func operatorID(r *http.Request) string {
	if c, ok := auth.ClaimsFrom(r.Context()); ok && c != nil {
		return c.OperatorID
	}
	return ""
}
