package domain

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Scopes консоли оператора
const (
	ScopeCFO     = "cfo"     // пауза организации, остановка/возврат агентов, политика
	ScopeAuditor = "auditor" // только чтение аудита
)

// OperatorClaims — claims токена оператора консоли (RS256).
type OperatorClaims struct {
	OperatorID string          `json:"operator_id"`
	Scopes     map[string]bool `json:"scopes"` // "cfo": true или "auditor": true
	jwt.RegisteredClaims
}

// Allows сообщает, выдан ли токену хотя бы один из scope.
func (c *OperatorClaims) Allows(scopes ...string) bool {
	if c == nil {
		return false
	}
	for _, s := range scopes {
		if c.Scopes[s] {
			return true
		}
	}
	return false
}

// Operator — учетная запись консоли. Пароль хранится только как bcrypt-хеш.
type Operator struct {
	ID           string          `json:"id"`
	Username     string          `json:"username"`
	PasswordHash string          `json:"-"`
	Scopes       map[string]bool `json:"scopes"`
	CreatedAt    time.Time       `json:"created_at"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}
