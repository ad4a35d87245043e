package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/xela07ax/commerce-gate/internal/domain"
	"github.com/xela07ax/commerce-gate/internal/ledger"
)

func (s *Store) SaveReservation(ctx context.Context, res ledger.Reservation) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO reservations (id, agent_id, window_key, amount_micros, limit_micros, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`),
		res.ID, res.AgentID, res.WindowKey, int64(res.Amount), int64(res.Limit), res.IdempotencyKey, toMillis(res.CreatedAt))
	if err != nil {
		return fmt.Errorf("sqlstore: save reservation %s: %w", res.ID, err)
	}
	return nil
}

// CommitReservation удаляет резерв и добавляет сумму к корзине одной транзакцией.
func (s *Store) CommitReservation(ctx context.Context, res ledger.Reservation, entry ledger.Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: begin commit %s: %w", res.ID, err)
	}
	defer func() { _ = tx.Rollback() }()

	ct, err := tx.ExecContext(ctx, s.q(`DELETE FROM reservations WHERE id = $1`), res.ID)
	if err != nil {
		return fmt.Errorf("sqlstore: delete reservation %s: %w", res.ID, err)
	}
	if n, _ := ct.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlstore: reservation %s not found: %w", res.ID, domain.ErrInvariantViolation)
	}

	if entry.Amount > 0 {
		_, err = tx.ExecContext(ctx, s.q(`
			INSERT INTO ledger_entries (agent_id, window_key, bucket_start, amount_micros)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (agent_id, window_key, bucket_start)
			DO UPDATE SET amount_micros = ledger_entries.amount_micros + excluded.amount_micros`),
			entry.AgentID, entry.WindowKey, toMillis(entry.BucketStart), int64(entry.Amount))
		if err != nil {
			return fmt.Errorf("sqlstore: book entry for %s: %w", entry.AgentID, err)
		}
	}
	return tx.Commit()
}

func (s *Store) DeleteReservation(ctx context.Context, res ledger.Reservation) error {
	ct, err := s.db.ExecContext(ctx, s.q(`DELETE FROM reservations WHERE id = $1`), res.ID)
	if err != nil {
		return fmt.Errorf("sqlstore: delete reservation %s: %w", res.ID, err)
	}
	if n, _ := ct.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlstore: reservation %s not found: %w", res.ID, domain.ErrInvariantViolation)
	}
	return nil
}

// LoadLedger читает корзины и открытые резервы для ledger.Restore.
func (s *Store) LoadLedger(ctx context.Context) (ledger.State, error) {
	var st ledger.State

	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_id, window_key, bucket_start, amount_micros FROM ledger_entries ORDER BY bucket_start`)
	if err != nil {
		return st, fmt.Errorf("sqlstore: load entries: %w", err)
	}
	for rows.Next() {
		var (
			e      ledger.Entry
			start  int64
			amount int64
		)
		if err := rows.Scan(&e.AgentID, &e.WindowKey, &start, &amount); err != nil {
			rows.Close()
			return st, fmt.Errorf("sqlstore: scan entry: %w", err)
		}
		e.BucketStart = fromMillis(start)
		e.Amount = domain.Micros(amount)
		st.Entries = append(st.Entries, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return st, err
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `
		SELECT id, agent_id, window_key, amount_micros, limit_micros, idempotency_key, created_at
		FROM reservations ORDER BY created_at`)
	if err != nil {
		return st, fmt.Errorf("sqlstore: load reservations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			r              ledger.Reservation
			amount, limit  int64
			createdAtMilli int64
		)
		if err := rows.Scan(&r.ID, &r.AgentID, &r.WindowKey, &amount, &limit, &r.IdempotencyKey, &createdAtMilli); err != nil {
			return st, fmt.Errorf("sqlstore: scan reservation: %w", err)
		}
		w, err := domain.ParseWindowKey(r.WindowKey)
		if err != nil {
			return st, fmt.Errorf("sqlstore: reservation %s: %w", r.ID, err)
		}
		r.Window = w
		r.Amount = domain.Micros(amount)
		r.Limit = domain.Micros(limit)
		r.CreatedAt = fromMillis(createdAtMilli)
		st.Reservations = append(st.Reservations, r)
	}
	return st, rows.Err()
}

// PruneEntries удаляет корзины, начавшиеся раньше before: они уже вне любого окна.
func (s *Store) PruneEntries(ctx context.Context, before time.Time) (int64, error) {
	ct, err := s.db.ExecContext(ctx, s.q(`DELETE FROM ledger_entries WHERE bucket_start < $1`), toMillis(before))
	if err != nil {
		return 0, fmt.Errorf("sqlstore: prune entries: %w", err)
	}
	n, _ := ct.RowsAffected()
	return n, nil
}
