package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/xela07ax/commerce-gate/internal/domain"
)

type TokenIssuer interface {
	GenerateToken(ctx context.Context, username, password string) (*domain.TokenResponse, error)
}

type AuthHandler struct {
	service TokenIssuer
}

func NewAuthHandler(s TokenIssuer) *AuthHandler {
	return &AuthHandler{service: s}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login — POST /auth/token
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	resp, err := h.service.GenerateToken(r.Context(), req.Username, req.Password)
	if err != nil {
		// не уточняем, что именно неверно (логин или пароль) для защиты от перебора
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
