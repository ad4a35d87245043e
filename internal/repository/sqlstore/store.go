package sqlstore

/*
Пакет sqlstore — долговечное хранилище шлюза поверх database/sql.
Один и тот же набор запросов обслуживает PostgreSQL (драйвер pgx) и SQLite (modernc):
запросы пишутся с плейсхолдерами $n и переписываются в ? для SQLite.
Время хранится в миллисекундах UTC, составные значения — в TEXT (JSON/YAML).
*/

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // Драйвер Postgres
	"go.uber.org/zap"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/xela07ax/commerce-gate/internal/infra"
	"github.com/xela07ax/commerce-gate/internal/repository/sqlstore/migrations"
)

const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite"
)

type Store struct {
	db     *sql.DB
	driver string
	logger *zap.Logger
}

// Open подключается к базе и применяет миграции.
func Open(ctx context.Context, cfg infra.DatabaseConfig, logger *zap.Logger) (*Store, error) {
	dsn := strings.TrimSpace(cfg.URL)
	if dsn == "" {
		return nil, errors.New("sqlstore: database url is required")
	}

	switch cfg.Driver {
	case DriverSQLite:
		if !strings.Contains(dsn, "?") && dsn != ":memory:" {
			dsn = filepath.Clean(dsn) + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
		}
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", cfg.Driver)
	}

	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", cfg.Driver, err)
	}
	if cfg.Driver == DriverSQLite {
		// Один писатель: журналы реестра и аудита пишутся параллельно из разных горутин
		db.SetMaxOpenConns(1)
	} else {
		maxConns := int(cfg.MaxConns)
		if maxConns <= 0 {
			maxConns = 25
		}
		db.SetMaxOpenConns(maxConns)
		db.SetMaxIdleConns(max(int(cfg.MinConns), 2))
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlstore: ping %s: %w", cfg.Driver, err)
	}

	s := &Store{db: db, driver: cfg.Driver, logger: logger.Named("sqlstore")}
	if err := s.migrate(ctx, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlstore: run migrations: %w", err)
	}
	s.logger.Info("storage ready", zap.String("driver", cfg.Driver))
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping — для проверки готовности.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

var placeholderRe = regexp.MustCompile(`\$\d+`)

// q переводит запрос в диалект драйвера. Каждый $n должен встречаться один раз и по порядку.
func (s *Store) q(query string) string {
	if s.driver == DriverSQLite {
		return placeholderRe.ReplaceAllString(query, "?")
	}
	return query
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}
