package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xela07ax/commerce-gate/internal/audit"
	"github.com/xela07ax/commerce-gate/internal/domain"
)

const auditColumns = `seq, id, ts, trace_id, agent_id, idempotency_key, reservation_id,
	phase, state, final_outcome, settled_micros, duration_ms, action, decision`

// Append пишет запись синхронно. Журнал только дописывается: UPDATE и DELETE для него нет.
func (s *Store) Append(ctx context.Context, rec audit.Record) error {
	action, err := json.Marshal(rec.Action)
	if err != nil {
		return fmt.Errorf("sqlstore: encode action: %w", err)
	}
	decision, err := json.Marshal(rec.Decision)
	if err != nil {
		return fmt.Errorf("sqlstore: encode decision: %w", err)
	}
	terminal := 0
	if rec.Terminal() {
		terminal = 1
	}

	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO audit_records (seq, id, ts, trace_id, agent_id, idempotency_key, reservation_id,
			phase, state, final_outcome, settled_micros, duration_ms, terminal, action, decision)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`),
		rec.Seq, rec.ID, toMillis(rec.Timestamp), rec.TraceID, rec.AgentID, rec.IdempotencyKey, rec.ReservationID,
		string(rec.Phase), string(rec.State), string(rec.FinalOutcome), int64(rec.SettledAmount), rec.DurationMs,
		terminal, string(action), string(decision))
	if err != nil {
		return fmt.Errorf("sqlstore: append audit seq %d: %w", rec.Seq, err)
	}
	return nil
}

// Page возвращает записи с seq > afterSeq в порядке возрастания.
func (s *Store) Page(ctx context.Context, f audit.Filter, afterSeq int64, limit int) ([]audit.Record, error) {
	var (
		where = []string{"seq > $1"}
		args  = []any{afterSeq}
	)
	next := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.AgentID != "" {
		next("agent_id = $%d", f.AgentID)
	}
	if !f.From.IsZero() {
		next("ts >= $%d", toMillis(f.From))
	}
	if !f.To.IsZero() {
		next("ts < $%d", toMillis(f.To))
	}
	query := `SELECT ` + auditColumns + ` FROM audit_records WHERE ` + strings.Join(where, " AND ") + ` ORDER BY seq`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: query audit: %w", err)
	}
	defer rows.Close()

	out := make([]audit.Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) LatestTerminal(ctx context.Context, key string) (audit.Record, bool, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+auditColumns+` FROM audit_records
		WHERE idempotency_key = $1 AND terminal = 1 ORDER BY seq DESC LIMIT 1`), key)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return audit.Record{}, false, nil
	}
	if err != nil {
		return audit.Record{}, false, err
	}
	return rec, true, nil
}

func (s *Store) LastSeq(ctx context.Context) (int64, time.Time, error) {
	var seq, ts int64
	err := s.db.QueryRowContext(ctx, `SELECT seq, ts FROM audit_records ORDER BY seq DESC LIMIT 1`).Scan(&seq, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, time.Time{}, nil
	}
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("sqlstore: last audit seq: %w", err)
	}
	return seq, fromMillis(ts), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (audit.Record, error) {
	var (
		rec                     audit.Record
		ts, settled             int64
		phase, state, outcome   string
		actionJSON, decisionRaw string
	)
	err := row.Scan(&rec.Seq, &rec.ID, &ts, &rec.TraceID, &rec.AgentID, &rec.IdempotencyKey, &rec.ReservationID,
		&phase, &state, &outcome, &settled, &rec.DurationMs, &actionJSON, &decisionRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, err
	}
	if err != nil {
		return rec, fmt.Errorf("sqlstore: scan audit record: %w", err)
	}
	rec.Timestamp = fromMillis(ts)
	rec.Phase = audit.Phase(phase)
	rec.State = domain.State(state)
	rec.FinalOutcome = audit.Outcome(outcome)
	rec.SettledAmount = domain.Micros(settled)
	if err := json.Unmarshal([]byte(actionJSON), &rec.Action); err != nil {
		return rec, fmt.Errorf("sqlstore: decode action of seq %d: %w", rec.Seq, err)
	}
	if err := json.Unmarshal([]byte(decisionRaw), &rec.Decision); err != nil {
		return rec, fmt.Errorf("sqlstore: decode decision of seq %d: %w", rec.Seq, err)
	}
	return rec, nil
}
