package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/commerce-gate/internal/domain"
	"github.com/xela07ax/commerce-gate/internal/ledger"
	"github.com/xela07ax/commerce-gate/internal/orchestrator"
	"github.com/xela07ax/commerce-gate/internal/policy"
)

type PauseControl interface {
	Paused() bool
	Pause(ctx context.Context, operatorID string) error
	Resume(ctx context.Context, operatorID string) error
}

type HaltControl interface {
	Halt(ctx context.Context, agentID, reason string) error
	Release(ctx context.Context, agentID, operatorID string) error
	Halted() []string
}

type Reconciler interface {
	Reconcile(ctx context.Context) (orchestrator.Report, error)
}

// ControlService — ручки CFO: пауза организации, остановка и возврат агентов, сверка.
type ControlService struct {
	pause     PauseControl
	halts     HaltControl
	reconcile Reconciler
	ledger    *ledger.Ledger
	policy    *policy.Store
	logger    *zap.Logger
}

func NewControlService(pause PauseControl, halts HaltControl, rec Reconciler, l *ledger.Ledger, ps *policy.Store, logger *zap.Logger) *ControlService {
	return &ControlService{
		pause:     pause,
		halts:     halts,
		reconcile: rec,
		ledger:    l,
		policy:    ps,
		logger:    logger.Named("control-service"),
	}
}

func (s *ControlService) Pause(ctx context.Context, operatorID string) error {
	return s.pause.Pause(ctx, operatorID)
}

func (s *ControlService) Resume(ctx context.Context, operatorID string) error {
	return s.pause.Resume(ctx, operatorID)
}

func (s *ControlService) HaltAgent(ctx context.Context, agentID, operatorID string) error {
	if !s.known(agentID) {
		return fmt.Errorf("%w: %s", domain.ErrUnknownAgent, agentID)
	}
	return s.halts.Halt(ctx, agentID, "operator:"+operatorID)
}

// ReleaseAgent возвращает агента в работу. Вызывается после ручной сверки.
func (s *ControlService) ReleaseAgent(ctx context.Context, agentID, operatorID string) error {
	if !s.known(agentID) {
		return fmt.Errorf("%w: %s", domain.ErrUnknownAgent, agentID)
	}
	return s.halts.Release(ctx, agentID, operatorID)
}

func (s *ControlService) Reconcile(ctx context.Context) (orchestrator.Report, error) {
	return s.reconcile.Reconcile(ctx)
}

func (s *ControlService) known(agentID string) bool {
	snap := s.policy.Load()
	if snap == nil {
		return false
	}
	_, ok := snap.Agent(agentID)
	return ok
}

// AgentStatus — строка дашборда CFO.
type AgentStatus struct {
	AgentID        string        `json:"agent_id"`
	Role           domain.Role   `json:"role,omitempty"`
	Halted         bool          `json:"halted"`
	Limit          domain.Micros `json:"limit_micros"`
	Committed      domain.Micros `json:"committed_micros"`
	Reserved       domain.Micros `json:"reserved_micros"`
	OpenHolds      int           `json:"open_reservations"`
	WindowDuration string        `json:"window"`
}

type Dashboard struct {
	Paused           bool          `json:"paused"`
	PolicyVersion    int64         `json:"policy_version"`
	OpenReservations int           `json:"open_reservations"`
	Agents           []AgentStatus `json:"agents"`
	GeneratedAt      time.Time     `json:"generated_at"`
}

// GetDashboard собирает состояние из памяти: без обращений к базе.
func (s *ControlService) GetDashboard(_ context.Context) Dashboard {
	d := Dashboard{
		Paused:           s.pause.Paused(),
		OpenReservations: len(s.ledger.OpenReservations()),
		Agents:           make([]AgentStatus, 0),
		GeneratedAt:      time.Now().UTC(),
	}
	halted := make(map[string]bool)
	for _, id := range s.halts.Halted() {
		halted[id] = true
	}
	snap := s.policy.Load()
	if snap == nil {
		return d
	}
	d.PolicyVersion = snap.Version
	for _, a := range snap.Agents() {
		limit, _ := snap.EffectiveLimit(a.ID)
		u := s.ledger.Usage(a.ID, snap.Window)
		d.Agents = append(d.Agents, AgentStatus{
			AgentID:        a.ID,
			Role:           a.Role,
			Halted:         halted[a.ID],
			Limit:          limit,
			Committed:      u.Committed,
			Reserved:       u.Reserved,
			OpenHolds:      u.Open,
			WindowDuration: snap.Window.Size.String(),
		})
	}
	return d
}
