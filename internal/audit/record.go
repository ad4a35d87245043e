package audit

import (
	"time"

	"github.com/xela07ax/commerce-gate/internal/domain"
)

// Phase — на каком шаге конвейера сделана запись
type Phase string

const (
	PhaseDecision   Phase = "decision"   // решение политики (до любых внешних эффектов)
	PhaseSubmission Phase = "submission" // начало отправки в сеть расчетов
	PhaseOutcome    Phase = "outcome"    // терминальный исход
	PhaseReconcile  Phase = "reconcile"  // исход, установленный сверкой после рестарта
	PhaseInvariant  Phase = "invariant"  // нарушение инварианта, агент остановлен
)

// Outcome — итог, который видит комплаенс при реплее
type Outcome string

const (
	OutcomePending   Outcome = "pending" // одобрено, исполнение впереди
	OutcomeBlocked   Outcome = "blocked"
	OutcomeReadOnly  Outcome = "read_only"
	OutcomeCommitted Outcome = "committed"
	OutcomeReleased  Outcome = "released"
	OutcomeHalted    Outcome = "halted"
)

// Record — неизменяемая запись журнала. Seq и Timestamp проставляет Log.
type Record struct {
	Seq            int64           `json:"seq"`
	ID             string          `json:"id"`
	Timestamp      time.Time       `json:"timestamp"`
	TraceID        string          `json:"trace_id,omitempty"`
	AgentID        string          `json:"agent_id"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	ReservationID  string          `json:"reservation_id,omitempty"`
	Phase          Phase           `json:"phase"`
	State          domain.State    `json:"state"`
	Action         domain.Action   `json:"action"`
	Decision       domain.Decision `json:"decision"`
	FinalOutcome   Outcome         `json:"final_outcome"`
	SettledAmount  domain.Micros   `json:"settled_micros,omitempty"`
	DurationMs     int64           `json:"duration_ms,omitempty"`
}

// Terminal — запись фиксирует исход, который не изменится при повторе.
func (r Record) Terminal() bool {
	switch r.Phase {
	case PhaseOutcome, PhaseReconcile:
		return r.State.Settled()
	}
	return false
}
