package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

const migrationTable = "schema_migrations"

// migrate применяет каждый .sql файл не более одного раза, в лексикографическом порядке.
func (s *Store) migrate(ctx context.Context, migrationFS fs.FS) error {
	entries, err := fs.ReadDir(migrationFS, ".")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+migrationTable+` (
    name       TEXT   PRIMARY KEY,
    applied_at BIGINT NOT NULL
)`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	for _, name := range files {
		applied, err := s.migrationApplied(ctx, name)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if applied {
			continue
		}
		content, err := fs.ReadFile(migrationFS, name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		up := upSection(string(content))
		if strings.TrimSpace(up) == "" {
			continue
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, up); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx,
			s.q(`INSERT INTO `+migrationTable+` (name, applied_at) VALUES ($1, $2)`),
			name, time.Now().UTC().UnixMilli()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", name, err)
		}
		s.logger.Info("migration applied", zap.String("name", name))
	}
	return nil
}

func (s *Store) migrationApplied(ctx context.Context, name string) (bool, error) {
	var found int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT 1 FROM `+migrationTable+` WHERE name = $1`), name).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// upSection возвращает SQL между маркерами -- +migrate Up и -- +migrate Down.
func upSection(content string) string {
	const upMark, downMark = "-- +migrate Up", "-- +migrate Down"
	up := strings.Index(content, upMark)
	if up == -1 {
		return content
	}
	body := content[up+len(upMark):]
	if down := strings.Index(body, downMark); down != -1 {
		body = body[:down]
	}
	return body
}
