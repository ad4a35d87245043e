package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/xela07ax/commerce-gate/internal/domain"
)

// ConsoleIssuer — издатель токенов операторов консоли.
const ConsoleIssuer = "commerce-gate-console"

var (
	ErrTokenMissing = errors.New("operator token is missing")
	ErrTokenInvalid = errors.New("operator token is invalid")
)

// BaseValidator проверяет RS256 токены операторов.
type BaseValidator struct {
	publicKey *rsa.PublicKey
	parser    *jwt.Parser
}

type ValidatorOption func(*[]jwt.ParserOption)

// WithIssuer требует конкретного издателя в claim iss.
func WithIssuer(iss string) ValidatorOption {
	return func(opts *[]jwt.ParserOption) { *opts = append(*opts, jwt.WithIssuer(iss)) }
}

// WithLeeway допускает расхождение часов между консолью и шлюзом.
func WithLeeway(d time.Duration) ValidatorOption {
	return func(opts *[]jwt.ParserOption) { *opts = append(*opts, jwt.WithLeeway(d)) }
}

func NewBaseValidator(pubKey *rsa.PublicKey, opts ...ValidatorOption) *BaseValidator {
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	for _, opt := range opts {
		opt(&parserOpts)
	}
	return &BaseValidator{publicKey: pubKey, parser: jwt.NewParser(parserOpts...)}
}

// VerifyToken принимает как голый токен, так и значение заголовка "Bearer <token>".
func (v *BaseValidator) VerifyToken(tokenStr string) (*domain.OperatorClaims, error) {
	tokenStr = strings.TrimSpace(tokenStr)
	if scheme, rest, ok := strings.Cut(tokenStr, " "); ok && strings.EqualFold(scheme, "Bearer") {
		tokenStr = strings.TrimSpace(rest)
	} else if strings.EqualFold(tokenStr, "Bearer") {
		tokenStr = ""
	}
	if tokenStr == "" {
		return nil, ErrTokenMissing
	}

	claims := &domain.OperatorClaims{}
	token, err := v.parser.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (interface{}, error) {
		return v.publicKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}
	if !token.Valid || claims.OperatorID == "" {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// ParseRSAPublicKey читает PEM ключ проверки подписи.
func ParseRSAPublicKey(data []byte) (*rsa.PublicKey, error) {
	return parsePEM(data, "public", jwt.ParseRSAPublicKeyFromPEM)
}

// ParseRSAPrivateKey читает PEM ключ, которым консоль подписывает токены.
func ParseRSAPrivateKey(data []byte) (*rsa.PrivateKey, error) {
	return parsePEM(data, "private", jwt.ParseRSAPrivateKeyFromPEM)
}

func parsePEM[K any](data []byte, kind string, parse func([]byte) (K, error)) (K, error) {
	var zero K
	if len(data) == 0 {
		return zero, fmt.Errorf("%s key data is empty", kind)
	}
	key, err := parse(data)
	if err != nil {
		return zero, fmt.Errorf("failed to parse %s key: %w", kind, err)
	}
	return key, nil
}
