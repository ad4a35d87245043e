package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xela07ax/commerce-gate/internal/domain"
)

// GetOperatorByUsername возвращает nil, nil, если оператора нет.
func (s *Store) GetOperatorByUsername(ctx context.Context, username string) (*domain.Operator, error) {
	var (
		op         domain.Operator
		scopesJSON string
		createdAt  int64
	)
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT id, username, password_hash, scopes, created_at
		FROM operators WHERE username = $1`), username).
		Scan(&op.ID, &op.Username, &op.PasswordHash, &scopesJSON, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: get operator: %w", err)
	}
	if err := json.Unmarshal([]byte(scopesJSON), &op.Scopes); err != nil {
		return nil, fmt.Errorf("sqlstore: decode scopes of %s: %w", username, err)
	}
	op.CreatedAt = fromMillis(createdAt)
	return &op, nil
}

// SaveOperator создает или обновляет учетную запись (пароль уже захеширован).
func (s *Store) SaveOperator(ctx context.Context, op domain.Operator) error {
	scopes, err := json.Marshal(op.Scopes)
	if err != nil {
		return fmt.Errorf("sqlstore: encode scopes: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO operators (id, username, password_hash, scopes, created_at) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (username) DO UPDATE SET password_hash = excluded.password_hash, scopes = excluded.scopes`),
		op.ID, op.Username, op.PasswordHash, string(scopes), toMillis(op.CreatedAt))
	if err != nil {
		return fmt.Errorf("sqlstore: save operator %s: %w", op.Username, err)
	}
	return nil
}
