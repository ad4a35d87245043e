package auth

import (
	"context"
	"net/http"

	"github.com/xela07ax/commerce-gate/internal/domain"
	"go.uber.org/zap"
)

// TokenValidator — интерфейс проверки токенов оператора
type TokenValidator interface {
	VerifyToken(tokenStr string) (*domain.OperatorClaims, error)
}

type claimsKey struct{}

// ClaimsFrom достает claims, положенные в контекст middleware.
func ClaimsFrom(ctx context.Context) (*domain.OperatorClaims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*domain.OperatorClaims)
	return c, ok
}

// WithClaims кладет claims в контекст (тесты и внутренние вызовы).
func WithClaims(ctx context.Context, c *domain.OperatorClaims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

func NewMiddleware(v TokenValidator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := v.VerifyToken(authHeader)
			if err != nil {
				logger.Warn("auth failure", zap.Error(err))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// RequireScope пропускает только токены хотя бы с одним из scope.
func RequireScope(logger *zap.Logger, scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, _ := ClaimsFrom(r.Context())
			if !claims.Allows(scopes...) {
				operator := ""
				if claims != nil {
					operator = claims.OperatorID
				}
				logger.Warn("scope denied", zap.String("operator_id", operator), zap.Strings("required", scopes))
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
