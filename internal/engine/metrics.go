package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/xela07ax/commerce-gate/internal/domain"
)

type Metrics struct {
	reg prometheus.Registerer

	// Latency: полный путь от допуска до терминального решения
	RequestDuration *prometheus.HistogramVec

	// Decisions: итог по статусу и причине
	Decisions *prometheus.CounterVec

	// Settlement: попытки отправки по исходу (success, transient, terminal, breaker_open)
	SettlementAttempts *prometheus.CounterVec

	// Ledger: как завершились резервы (committed, released)
	Reservations *prometheus.CounterVec

	// Нарушения инвариантов по агентам; любое ненулевое значение — инцидент
	InvariantViolations *prometheus.CounterVec

	// Saturation: состояние Circuit Breaker (0 - closed, 0.5 - half-open, 1 - open)
	CircuitBreakerState *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		reg: reg,
		RequestDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "commerce_request_duration_seconds",
			Help:    "Histogram of commerce action latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"action", "status"}),

		Decisions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "commerce_decisions_total",
			Help: "Total number of decisions by status and reason.",
		}, []string{"status", "reason"}),

		SettlementAttempts: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "commerce_settlement_attempts_total",
			Help: "Settlement submit attempts by outcome.",
		}, []string{"outcome"}),

		Reservations: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "commerce_reservations_terminated_total",
			Help: "Reservations terminated by outcome.",
		}, []string{"outcome"}),

		InvariantViolations: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "commerce_invariant_violations_total",
			Help: "Invariant violations by agent.",
		}, []string{"agent_id"}),

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "commerce_circuit_breaker_state",
			Help: "Current state of the settlement circuit breaker (0=closed, 0.5=half-open, 1=open).",
		}, []string{"breaker"}),
	}
}

// ObserveDecision учитывает ответ, отданный вызывающему.
func (m *Metrics) ObserveDecision(action domain.ActionType, d domain.Decision, took time.Duration) {
	reason := string(d.Reason)
	if reason == "" {
		reason = "none"
	}
	m.Decisions.WithLabelValues(string(d.Status), reason).Inc()
	m.RequestDuration.WithLabelValues(string(action), string(d.Status)).Observe(took.Seconds())
}

func (m *Metrics) SettlementAttempt(outcome string) {
	m.SettlementAttempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ReservationTerminated(outcome string) {
	m.Reservations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) InvariantViolation(agentID string) {
	m.InvariantViolations.WithLabelValues(agentID).Inc()
}

func (m *Metrics) BreakerState(state string) {
	v := 0.0
	switch state {
	case "open":
		v = 1
	case "half-open":
		v = 0.5
	}
	m.CircuitBreakerState.WithLabelValues("settlement").Set(v)
}

// StreamGauges — источник значений для заполненности буфера потока аудита.
type StreamGauges interface {
	Buffered() int
	Dropped() int64
}

// WatchAuditStream экспортирует backpressure потока аудита.
func (m *Metrics) WatchAuditStream(s StreamGauges) {
	promauto.With(m.reg).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "commerce_audit_stream_buffered",
		Help: "Current number of audit records waiting in the stream buffer.",
	}, func() float64 { return float64(s.Buffered()) })
	promauto.With(m.reg).NewCounterFunc(prometheus.CounterOpts{
		Name: "commerce_audit_stream_dropped_total",
		Help: "Audit records dropped from the stream because the buffer was full.",
	}, func() float64 { return float64(s.Dropped()) })
}
