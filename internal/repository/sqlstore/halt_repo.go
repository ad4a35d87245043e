package sqlstore

import (
	"context"
	"fmt"
	"time"
)

// HaltedAgents — источник правды для engine.HaltManager.
func (s *Store) HaltedAgents(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT agent_id FROM halted_agents ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: halted agents: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) SaveHalt(ctx context.Context, agentID, reason string) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO halted_agents (agent_id, reason, halted_at) VALUES ($1, $2, $3)
		ON CONFLICT (agent_id) DO UPDATE SET reason = excluded.reason, halted_at = excluded.halted_at`),
		agentID, reason, toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("sqlstore: save halt %s: %w", agentID, err)
	}
	return nil
}

func (s *Store) DeleteHalt(ctx context.Context, agentID string) error {
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM halted_agents WHERE agent_id = $1`), agentID); err != nil {
		return fmt.Errorf("sqlstore: delete halt %s: %w", agentID, err)
	}
	return nil
}
