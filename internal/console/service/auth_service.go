package service

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/xela07ax/commerce-gate/internal/domain"
	"github.com/xela07ax/commerce-gate/internal/infra/auth"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

type OperatorRepository interface {
	GetOperatorByUsername(ctx context.Context, username string) (*domain.Operator, error)
	SaveOperator(ctx context.Context, op domain.Operator) error
}

// AuthService выдает токены операторам консоли и сам же их проверяет (встроенный BaseValidator).
type AuthService struct {
	*auth.BaseValidator
	repo       OperatorRepository
	privateKey *rsa.PrivateKey
	ttl        time.Duration
	cost       int
	logger     *zap.Logger
}

func NewAuthService(repo OperatorRepository, privateKey *rsa.PrivateKey, ttl time.Duration, bcryptCost int, logger *zap.Logger) *AuthService {
	if ttl <= 0 {
		ttl = 8 * time.Hour
	}
	if bcryptCost == 0 {
		bcryptCost = bcrypt.DefaultCost
	}
	return &AuthService{
		BaseValidator: auth.NewBaseValidator(&privateKey.PublicKey, auth.WithIssuer(auth.ConsoleIssuer), auth.WithLeeway(30*time.Second)),
		repo:          repo,
		privateKey:    privateKey,
		ttl:           ttl,
		cost:          bcryptCost,
		logger:        logger.Named("auth-service"),
	}
}

func (s *AuthService) GenerateToken(ctx context.Context, username, password string) (*domain.TokenResponse, error) {
	op, err := s.repo.GetOperatorByUsername(ctx, username)
	if err != nil {
		s.logger.Error("operator lookup failed", zap.Error(err))
		return nil, ErrInvalidCredentials
	}
	if op == nil {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(op.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	now := time.Now()
	expiresAt := now.Add(s.ttl)
	claims := &domain.OperatorClaims{
		OperatorID: op.ID,
		Scopes:     op.Scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    auth.ConsoleIssuer,
			Subject:   op.ID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}
	s.logger.Info("operator token issued", zap.String("operator_id", op.ID))

	return &domain.TokenResponse{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.ttl.Seconds()),
	}, nil
}

// EnsureOperator создает оператора или обновляет его пароль и scopes.
func (s *AuthService) EnsureOperator(ctx context.Context, username, password string, scopes []string) error {
	if username == "" || password == "" {
		return fmt.Errorf("%w: operator username and password are required", domain.ErrValidation)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	op := domain.Operator{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: string(hash),
		Scopes:       make(map[string]bool, len(scopes)),
		CreatedAt:    time.Now().UTC(),
	}
	for _, sc := range scopes {
		op.Scopes[sc] = true
	}
	if existing, err := s.repo.GetOperatorByUsername(ctx, username); err != nil {
		return err
	} else if existing != nil {
		op.ID = existing.ID
		op.CreatedAt = existing.CreatedAt
	}
	return s.repo.SaveOperator(ctx, op)
}
