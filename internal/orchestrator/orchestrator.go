package orchestrator

/*
TransactionOrchestrator — исполнение одобренных действий.

Порядок для каждой задачи:
 1. Терминальный исход по ключу идемпотентности уже есть в аудите — возвращаем его без отправки.
 2. Запись SUBMITTED в аудит, затем отправка с повторами на контексте, отвязанном от вызывающего.
 3. После исчерпания временных ошибок — один Lookup по ключу: отправка могла дойти.
 4. Запись исхода в аудит, затем Commit/Release резерва. Аудит идет первым: при падении
    между шагами сверка найдет терминальную запись и применит ее к резерву.
*/

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/commerce-gate/internal/audit"
	"github.com/xela07ax/commerce-gate/internal/domain"
	"github.com/xela07ax/commerce-gate/internal/ledger"
	"github.com/xela07ax/commerce-gate/internal/settlement"
)

// Metrics — счетчики, которые оркестратор отдает наружу.
type Metrics interface {
	SettlementAttempt(outcome string)
	ReservationTerminated(outcome string)
	BreakerState(state string)
	InvariantViolation(agentID string)
}

type nopMetrics struct{}

func (nopMetrics) SettlementAttempt(string)     {}
func (nopMetrics) ReservationTerminated(string) {}
func (nopMetrics) BreakerState(string)          {}
func (nopMetrics) InvariantViolation(string)    {}

// Halter останавливает агента после нарушения инварианта до ручной сверки.
type Halter interface {
	Halt(ctx context.Context, agentID, reason string) error
}

type Config struct {
	Workers        int
	QueueSize      int
	QueueTimeout   time.Duration // сколько ждать свободного воркера
	SubmitDeadline time.Duration // общий бюджет на все попытки одной задачи
	Reliability    ReliabilityConfig
}

func (c *Config) withDefaults() {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.QueueTimeout <= 0 {
		c.QueueTimeout = 5 * time.Second
	}
	if c.SubmitDeadline <= 0 {
		c.SubmitDeadline = 60 * time.Second
	}
	c.Reliability.withDefaults()
}

// Task — одобренное действие вместе с резервом, которым теперь владеет оркестратор.
type Task struct {
	Action         domain.Action
	Reservation    ledger.Reservation
	Amount         domain.Micros
	IdempotencyKey string
	Lifecycle      *domain.Lifecycle
	Reasons        []domain.RuleOutcome // проверки политики, вошедшие в одобрение
}

type job struct {
	ctx  context.Context
	task Task
	done chan domain.Decision
}

type Orchestrator struct {
	client  *ProtectedClient
	ledger  *ledger.Ledger
	audit   *audit.Log
	halter  Halter
	metrics Metrics
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time

	jobs     chan job
	wg       sync.WaitGroup
	stopOnce sync.Once

	// sendMu держит отправку в jobs против close в Stop
	sendMu  sync.RWMutex
	stopped bool

	// резервы, которыми сейчас владеет Submit; сверка их не трогает
	flightMu sync.Mutex
	inFlight map[string]int
}

type Option func(*Orchestrator)

func WithHalter(h Halter) Option {
	return func(o *Orchestrator) { o.halter = h }
}

func WithMetrics(m Metrics) Option {
	return func(o *Orchestrator) {
		if m != nil {
			o.metrics = m
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func New(client settlement.Client, l *ledger.Ledger, log *audit.Log, cfg Config, logger *zap.Logger, opts ...Option) *Orchestrator {
	cfg.withDefaults()
	o := &Orchestrator{
		ledger:  l,
		audit:   log,
		metrics: nopMetrics{},
		cfg:     cfg,
		logger:  logger.Named("orchestrator"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.client = NewProtectedClient(client, cfg.Reliability, o.metrics, logger)
	o.jobs = make(chan job, cfg.QueueSize)
	o.inFlight = make(map[string]int)
	return o
}

// Start поднимает пул воркеров.
func (o *Orchestrator) Start() {
	for i := 0; i < o.cfg.Workers; i++ {
		o.wg.Add(1)
		go o.worker()
	}
	o.logger.Info("orchestrator started", zap.Int("workers", o.cfg.Workers))
}

// Stop закрывает очередь и ждет, пока все принятые задачи дойдут до терминального состояния.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		o.sendMu.Lock()
		o.stopped = true
		close(o.jobs)
		o.sendMu.Unlock()
		o.wg.Wait()
		o.logger.Info("orchestrator stopped: all accepted submissions reached a terminal state")
	})
}

// Client — защищенный клиент сети расчетов (для check_balance и сверки).
func (o *Orchestrator) Client() *ProtectedClient { return o.client }

// Submit исполняет задачу. Возвращается всегда значение; вызывающий не ждет дольше
// QueueTimeout + SubmitDeadline. После Stop резерв снимается без отправки.
func (o *Orchestrator) Submit(ctx context.Context, task Task) domain.Decision {
	o.track(task.Reservation.ID)
	defer o.untrack(task.Reservation.ID)

	if prior, ok := o.priorOutcome(ctx, task); ok {
		return prior
	}

	j := job{ctx: context.WithoutCancel(ctx), task: task, done: make(chan domain.Decision, 1)}
	if reason, ok := o.enqueue(j); !ok {
		return o.finishReleased(j.ctx, task, reason, 0)
	}
	return <-j.done
}

func (o *Orchestrator) enqueue(j job) (domain.Reason, bool) {
	o.sendMu.RLock()
	defer o.sendMu.RUnlock()
	if o.stopped {
		o.logger.Warn("submission rejected: orchestrator is stopped", zap.String("agent_id", j.task.Action.AgentID))
		return domain.ReasonQueueTimeout, false
	}
	timer := time.NewTimer(o.cfg.QueueTimeout)
	defer timer.Stop()
	select {
	case o.jobs <- j:
		return domain.ReasonNone, true
	case <-timer.C:
		o.logger.Warn("submission queue is full", zap.String("agent_id", j.task.Action.AgentID))
		return domain.ReasonQueueTimeout, false
	}
}

func (o *Orchestrator) track(reservationID string) {
	o.flightMu.Lock()
	o.inFlight[reservationID]++
	o.flightMu.Unlock()
}

func (o *Orchestrator) untrack(reservationID string) {
	o.flightMu.Lock()
	o.inFlight[reservationID]--
	if o.inFlight[reservationID] <= 0 {
		delete(o.inFlight, reservationID)
	}
	o.flightMu.Unlock()
}

func (o *Orchestrator) owned(reservationID string) bool {
	o.flightMu.Lock()
	defer o.flightMu.Unlock()
	return o.inFlight[reservationID] > 0
}

// priorOutcome возвращает ранее зафиксированный исход; новый резерв при этом снимается.
func (o *Orchestrator) priorOutcome(ctx context.Context, task Task) (domain.Decision, bool) {
	rec, ok, err := o.audit.Terminal(ctx, task.IdempotencyKey)
	if err != nil || !ok {
		return domain.Decision{}, false
	}
	if rec.ReservationID == task.Reservation.ID {
		// исход записан, но резерв не успели закрыть
		o.apply(ctx, rec, task.Reservation)
	} else if err := o.ledger.Release(ctx, task.Reservation); err != nil {
		o.logger.Error("release of duplicate reservation failed", zap.String("reservation_id", task.Reservation.ID), zap.Error(err))
	} else {
		o.metrics.ReservationTerminated("released")
	}
	o.logger.Info("returning prior terminal outcome",
		zap.String("agent_id", task.Action.AgentID),
		zap.String("idempotency_key", task.IdempotencyKey),
		zap.Int64("seq", rec.Seq))
	return rec.Decision, true
}

func (o *Orchestrator) worker() {
	defer o.wg.Done()
	for j := range o.jobs {
		j.done <- o.execute(j.ctx, j.task)
	}
}

func (o *Orchestrator) execute(parent context.Context, task Task) domain.Decision {
	start := time.Now()
	log := o.logger.With(
		zap.String("agent_id", task.Action.AgentID),
		zap.String("reservation_id", task.Reservation.ID),
		zap.String("trace_id", domain.TraceID(parent)))

	if err := task.Lifecycle.Advance(domain.StateSubmitted); err != nil {
		return o.invariant(parent, task, err)
	}
	if _, err := o.audit.Record(parent, o.record(parent, task, audit.PhaseSubmission, audit.OutcomePending, domain.Approved(task.Reasons), 0, start)); err != nil {
		// Без записи о начале отправки внешних эффектов не будет
		if rerr := o.ledger.Release(parent, task.Reservation); rerr != nil {
			log.Error("release after audit fault failed", zap.Error(rerr))
		}
		_ = task.Lifecycle.Advance(domain.StateReleased)
		return domain.Blocked(domain.ReasonAuditFault, nil)
	}

	ctx, cancel := context.WithTimeout(parent, o.cfg.SubmitDeadline)
	defer cancel()
	attempt, err := o.client.Submit(ctx, settlement.NewInstruction(task.Action, task.Amount), task.IdempotencyKey)
	if err == nil {
		log.Info("settlement succeeded", zap.Int("attempts", attempt.Attempts), zap.String("tx_hash", attempt.Receipt.TxHash))
		return o.finishCommitted(parent, task, attempt.Receipt, start)
	}

	reason := domain.ReasonSettlementRejected
	switch {
	case ctx.Err() != nil:
		reason = domain.ReasonDeadlineExceeded
	case transient(err):
		reason = domain.ReasonRetriesExhausted
	}
	if reason != domain.ReasonSettlementRejected {
		// Отправка могла дойти, а ответ потеряться: проверяем по ключу до снятия резерва
		if receipt, found, lerr := o.client.Lookup(parent, task.IdempotencyKey); lerr == nil && found {
			log.Warn("settlement found by lookup after transient failures", zap.Int("attempts", attempt.Attempts))
			return o.finishCommitted(parent, task, receipt, start)
		} else if lerr != nil {
			log.Warn("lookup before release failed", zap.Error(lerr))
		}
	}
	log.Warn("settlement failed",
		zap.String("reason", string(reason)),
		zap.Int("attempts", attempt.Attempts),
		zap.Error(err))
	return o.finishReleased(parent, task, reason, time.Since(start))
}

func (o *Orchestrator) finishCommitted(ctx context.Context, task Task, receipt settlement.Receipt, start time.Time) domain.Decision {
	decision := domain.Approved(task.Reasons).WithTxHash(receipt.TxHash)
	if err := task.Lifecycle.Advance(domain.StateCommitted); err != nil {
		return o.invariant(ctx, task, err)
	}
	rec := o.record(ctx, task, audit.PhaseOutcome, audit.OutcomeCommitted, decision, receipt.SettledAmount, start)
	if _, err := o.audit.Record(ctx, rec); err != nil {
		o.logger.Error("committed outcome not recorded", zap.String("tx_hash", receipt.TxHash), zap.Error(err))
	}
	if _, err := o.ledger.Commit(ctx, task.Reservation, receipt.SettledAmount); err != nil {
		if errors.Is(err, ledger.ErrLimitBreached) {
			o.metrics.ReservationTerminated("committed")
		}
		if errors.Is(err, domain.ErrInvariantViolation) {
			o.invariant(ctx, task, err)
			// деньги уже ушли: вызывающий видит реальный хэш
			return decision
		}
		o.logger.Error("ledger commit failed; reservation left for reconciliation",
			zap.String("reservation_id", task.Reservation.ID), zap.Error(err))
		return decision
	}
	o.metrics.ReservationTerminated("committed")
	return decision
}

func (o *Orchestrator) finishReleased(ctx context.Context, task Task, reason domain.Reason, elapsed time.Duration) domain.Decision {
	decision := domain.Blocked(reason, nil)
	if task.Lifecycle.State() == domain.StateReserved || task.Lifecycle.State() == domain.StateSubmitted {
		if err := task.Lifecycle.Advance(domain.StateReleased); err != nil {
			return o.invariant(ctx, task, err)
		}
	} else {
		return o.invariant(ctx, task, fmt.Errorf("%w: release from %s", domain.ErrIllegalTransition, task.Lifecycle.State()))
	}
	rec := o.record(ctx, task, audit.PhaseOutcome, audit.OutcomeReleased, decision, 0, time.Now().Add(-elapsed))
	if _, err := o.audit.Record(ctx, rec); err != nil {
		o.logger.Error("released outcome not recorded", zap.Error(err))
	}
	if err := o.ledger.Release(ctx, task.Reservation); err != nil {
		if errors.Is(err, domain.ErrInvariantViolation) {
			return o.invariant(ctx, task, err)
		}
		o.logger.Error("ledger release failed; reservation left for reconciliation",
			zap.String("reservation_id", task.Reservation.ID), zap.Error(err))
		return decision
	}
	o.metrics.ReservationTerminated("released")
	return decision
}

// invariant — нарушение, которого не бывает при корректной работе: громко логируем,
// пишем в аудит и останавливаем агента до ручной сверки.
func (o *Orchestrator) invariant(ctx context.Context, task Task, cause error) domain.Decision {
	decision := invariantDecision(cause)
	o.halt(ctx, o.record(ctx, task, audit.PhaseInvariant, audit.OutcomeHalted, decision, 0, time.Now()), cause)
	return decision
}

func invariantDecision(cause error) domain.Decision {
	return domain.Blocked(domain.ReasonInvariantViolation, []domain.RuleOutcome{
		{Rule: "invariant", Reason: domain.ReasonInvariantViolation, Detail: cause.Error()},
	})
}

func (o *Orchestrator) halt(ctx context.Context, rec audit.Record, cause error) {
	o.logger.Error("invariant violation",
		zap.String("agent_id", rec.AgentID),
		zap.String("reservation_id", rec.ReservationID),
		zap.String("state", string(rec.State)),
		zap.Error(cause))
	o.metrics.InvariantViolation(rec.AgentID)

	if _, err := o.audit.Record(ctx, rec); err != nil {
		o.logger.Error("invariant violation not recorded", zap.Error(err))
	}
	if o.halter != nil {
		if err := o.halter.Halt(ctx, rec.AgentID, cause.Error()); err != nil {
			o.logger.Error("agent halt failed", zap.String("agent_id", rec.AgentID), zap.Error(err))
		}
	}
}

// apply закрывает резерв так, как велит терминальная запись аудита.
func (o *Orchestrator) apply(ctx context.Context, rec audit.Record, res ledger.Reservation) error {
	var err error
	outcome := "released"
	if rec.State == domain.StateCommitted {
		outcome = "committed"
		_, err = o.ledger.Commit(ctx, res, rec.SettledAmount)
		if errors.Is(err, ledger.ErrLimitBreached) {
			// резерв закрыт, но окно за лимитом
			o.metrics.ReservationTerminated(outcome)
			o.halt(ctx, audit.Record{
				TraceID:        domain.TraceID(ctx),
				AgentID:        res.AgentID,
				IdempotencyKey: res.IdempotencyKey,
				ReservationID:  res.ID,
				Phase:          audit.PhaseInvariant,
				State:          domain.StateCommitted,
				Action:         rec.Action,
				Decision:       invariantDecision(err),
				FinalOutcome:   audit.OutcomeHalted,
				SettledAmount:  rec.SettledAmount,
			}, err)
			return nil
		}
	} else {
		err = o.ledger.Release(ctx, res)
	}
	if err != nil {
		o.logger.Error("apply recorded outcome failed",
			zap.String("reservation_id", res.ID),
			zap.String("outcome", outcome),
			zap.Error(err))
		return err
	}
	o.metrics.ReservationTerminated(outcome)
	return nil
}

func (o *Orchestrator) record(ctx context.Context, task Task, phase audit.Phase, outcome audit.Outcome, d domain.Decision, settled domain.Micros, start time.Time) audit.Record {
	return audit.Record{
		TraceID:        domain.TraceID(ctx),
		AgentID:        task.Action.AgentID,
		IdempotencyKey: task.IdempotencyKey,
		ReservationID:  task.Reservation.ID,
		Phase:          phase,
		State:          task.Lifecycle.State(),
		Action:         task.Action,
		Decision:       d,
		FinalOutcome:   outcome,
		SettledAmount:  settled,
		DurationMs:     time.Since(start).Milliseconds(),
	}
}
