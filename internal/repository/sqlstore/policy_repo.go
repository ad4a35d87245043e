package sqlstore

/*
Файл policy_repo.go хранит историю документов политики.
Каждая версия — отдельная строка: откат возможен публикацией старого тела под новой версией.
*/

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/xela07ax/commerce-gate/internal/policy"
)

// LoadPolicy возвращает документ с наибольшей версией.
func (s *Store) LoadPolicy(ctx context.Context) (policy.Document, bool, error) {
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM policy_documents ORDER BY version DESC LIMIT 1`).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return policy.Document{}, false, nil
	}
	if err != nil {
		return policy.Document{}, false, fmt.Errorf("sqlstore: load policy: %w", err)
	}
	doc, err := policy.Parse([]byte(body))
	if err != nil {
		return policy.Document{}, false, fmt.Errorf("sqlstore: stored policy is corrupt: %w", err)
	}
	return doc, true, nil
}

// SavePolicy записывает новую версию. Повтор уже существующей версии — policy.ErrStaleVersion.
func (s *Store) SavePolicy(ctx context.Context, doc policy.Document) error {
	body, err := doc.Marshal()
	if err != nil {
		return fmt.Errorf("sqlstore: encode policy: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		s.q(`INSERT INTO policy_documents (version, body, created_at) VALUES ($1, $2, $3)`),
		doc.Version, string(body), toMillis(time.Now()))
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: version %d already stored", policy.ErrStaleVersion, doc.Version)
	}
	if err != nil {
		return fmt.Errorf("sqlstore: save policy v%d: %w", doc.Version, err)
	}
	return nil
}

func (s *Store) PolicyHistory(ctx context.Context, limit int) ([]policy.Version, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT version, created_at FROM policy_documents ORDER BY version DESC LIMIT $1`), limit)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: policy history: %w", err)
	}
	defer rows.Close()

	out := make([]policy.Version, 0)
	for rows.Next() {
		var (
			v  policy.Version
			ms int64
		)
		if err := rows.Scan(&v.Version, &ms); err != nil {
			return nil, fmt.Errorf("sqlstore: scan policy version: %w", err)
		}
		v.CreatedAt = fromMillis(ms)
		out = append(out, v)
	}
	return out, rows.Err()
}
