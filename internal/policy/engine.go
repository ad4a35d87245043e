package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/xela07ax/commerce-gate/internal/audit"
	"github.com/xela07ax/commerce-gate/internal/domain"
	"github.com/xela07ax/commerce-gate/internal/ledger"
	"go.uber.org/zap"
)

// MaxMemoBytes — структурный предел memo, независимый от настроек политики.
const MaxMemoBytes = 1024

// Admission — флаги допуска: пауза организации (kill-switch CFO) и остановленные агенты.
type Admission interface {
	Paused() bool
	IsHalted(agentID string) bool
}

type openAdmission struct{}

func (openAdmission) Paused() bool { return false }
func (openAdmission) IsHalted(string) bool { return false }

// Evaluation — результат проверки политики. Reservation заполнен только для одобренных
// действий, двигающих деньги; им дальше владеет оркестратор.
type Evaluation struct {
	Decision       domain.Decision
	Reservation    *ledger.Reservation
	Amount         domain.Micros
	IdempotencyKey string
	PolicyVersion  int64
	Lifecycle      *domain.Lifecycle
}

// Engine — Policy Decision Point. Сам никогда не обращается к сети расчетов.
type Engine struct {
	store     *Store
	ledger    *ledger.Ledger
	audit     *audit.Log
	admission Admission
	logger    *zap.Logger
}

type EngineOption func(*Engine)

func WithAdmission(a Admission) EngineOption {
	return func(e *Engine) {
		if a != nil {
			e.admission = a
		}
	}
}

func NewEngine(store *Store, l *ledger.Ledger, log *audit.Log, logger *zap.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		store:     store,
		ledger:    l,
		audit:     log,
		admission: openAdmission{},
		logger:    logger.Named("policy-engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate проверяет действие в фиксированном порядке и записывает решение в аудит
// до возврата. Отказ политики — значение; error означает отказ инфраструктуры
// (в этом случае Decision тоже заполнен и заблокирован).
func (e *Engine) Evaluate(ctx context.Context, action domain.Action) (Evaluation, error) {
	start := time.Now()
	ev := Evaluation{
		IdempotencyKey: action.IdempotencyKey(),
		Lifecycle:      domain.NewLifecycle(),
	}

	decision, infraErr := e.decide(ctx, action, &ev)
	ev.Decision = decision

	if decision.Status == domain.StatusApproved {
		e.mustAdvance(ev.Lifecycle, domain.StateApproved)
		if ev.Reservation != nil {
			e.mustAdvance(ev.Lifecycle, domain.StateReserved)
		}
	} else {
		e.mustAdvance(ev.Lifecycle, domain.StateBlocked)
	}

	outcome := audit.OutcomePending
	switch {
	case decision.Status == domain.StatusBlocked:
		outcome = audit.OutcomeBlocked
	case action.Type.ReadOnly():
		outcome = audit.OutcomeReadOnly
	}
	rec := audit.Record{
		TraceID:        domain.TraceID(ctx),
		AgentID:        action.AgentID,
		IdempotencyKey: ev.IdempotencyKey,
		Phase:          audit.PhaseDecision,
		State:          ev.Lifecycle.State(),
		Action:         action,
		Decision:       decision,
		FinalOutcome:   outcome,
		DurationMs:     time.Since(start).Milliseconds(),
	}
	if ev.Reservation != nil {
		rec.ReservationID = ev.Reservation.ID
	}
	if _, err := e.audit.Record(ctx, rec); err != nil {
		// Без записи решения действие дальше не идет
		e.releaseQuietly(ctx, ev.Reservation)
		ev.Reservation = nil
		ev.Decision = domain.Blocked(domain.ReasonAuditFault, decision.Reasons)
		return ev, err
	}

	if decision.Status == domain.StatusBlocked {
		e.logger.Debug("action blocked",
			zap.String("agent_id", action.AgentID),
			zap.String("action", string(action.Type)),
			zap.String("reason", string(decision.Reason)))
	}
	return ev, infraErr
}

func (e *Engine) decide(ctx context.Context, action domain.Action, ev *Evaluation) (domain.Decision, error) {
	if e.admission.Paused() {
		return domain.Blocked(domain.ReasonPaused, []domain.RuleOutcome{
			{Rule: "admission.pause", Reason: domain.ReasonPaused, Detail: "organization is paused"},
		}), nil
	}
	if e.admission.IsHalted(action.AgentID) {
		return domain.Blocked(domain.ReasonAgentHalted, []domain.RuleOutcome{
			{Rule: "admission.halt", Reason: domain.ReasonAgentHalted, Detail: "agent halted pending reconciliation"},
		}), nil
	}

	snap := e.store.Load()
	if snap == nil {
		return domain.Blocked(domain.ReasonPolicyUnavailable, nil), errors.New("policy: no snapshot loaded")
	}
	ev.PolicyVersion = snap.Version

	amount, problem := validate(snap, action)
	if problem != "" {
		return domain.Blocked(domain.ReasonInvalidInput, []domain.RuleOutcome{
			{Rule: "structure", Reason: domain.ReasonInvalidInput, Detail: problem},
		}), nil
	}
	ev.Amount = amount
	e.mustAdvance(ev.Lifecycle, domain.StateValidated)

	outcomes := []domain.RuleOutcome{{Rule: "structure", Passed: true}}
	spendDone := false
	for _, rule := range snap.Rules(action.AgentID) {
		switch rule.Kind {
		case domain.RuleCounterpartyAllowlist:
			if !action.Type.NeedsCounterparty() {
				continue
			}
			to := strings.ToLower(strings.TrimSpace(action.ToAddress))
			if !rule.allows(to) {
				outcomes = append(outcomes, failed(rule, fmt.Sprintf("address %s is not allowlisted", to)))
				return domain.Blocked(domain.ReasonCounterpartyNotAllowed, outcomes), nil
			}
			outcomes = append(outcomes, passed(rule))

		case domain.RuleAssetWhitelist:
			if action.Type.ReadOnly() && strings.TrimSpace(action.Asset) == "" {
				continue
			}
			asset := action.EffectiveAsset()
			if !rule.allows(asset) {
				outcomes = append(outcomes, failed(rule, fmt.Sprintf("asset %s is not whitelisted", asset)))
				return domain.Blocked(domain.ReasonAssetNotAllowed, outcomes), nil
			}
			outcomes = append(outcomes, passed(rule))

		case domain.RuleSpendLimit:
			if action.Type.ReadOnly() || spendDone {
				continue
			}
			spendDone = true
			spend, res, err := e.reserve(ctx, snap, action, ev.IdempotencyKey, amount)
			outcomes = append(outcomes, spend...)
			if err != nil {
				if _, rejected := ledger.IsRejected(err); rejected {
					return domain.Blocked(domain.ReasonLimitExceeded, outcomes), nil
				}
				e.logger.Error("ledger reserve failed", zap.String("agent_id", action.AgentID), zap.Error(err))
				return domain.Blocked(domain.ReasonLedgerFault, outcomes), err
			}
			ev.Reservation = &res

		case domain.RuleMemoConstraint:
			if problem := checkMemo(rule, action.Memo); problem != "" {
				outcomes = append(outcomes, failed(rule, problem))
				e.releaseQuietly(ctx, ev.Reservation)
				ev.Reservation = nil
				return domain.Blocked(domain.ReasonMemoInvalid, outcomes), nil
			}
			outcomes = append(outcomes, passed(rule))
		}
	}
	return domain.Approved(outcomes), nil
}

// reserve выполняет атомарную проверку лимита. Все spend-правила агента сходятся
// в одно резервирование на самый строгий лимит; причина отказа — первое правило,
// лимит которого не вмещает сумму.
func (e *Engine) reserve(ctx context.Context, snap *Snapshot, action domain.Action, key string, amount domain.Micros) ([]domain.RuleOutcome, ledger.Reservation, error) {
	limit, _ := snap.EffectiveLimit(action.AgentID)
	hold := amount.ApplyBps(snap.FeeHeadroomBps)
	res, err := e.ledger.Reserve(ctx, ledger.ReserveRequest{
		AgentID:        action.AgentID,
		Amount:         hold,
		Window:         snap.Window,
		Limit:          limit,
		IdempotencyKey: key,
	})

	var outcomes []domain.RuleOutcome
	rej, rejected := ledger.IsRejected(err)
	for _, rule := range snap.Rules(action.AgentID) {
		if rule.Kind != domain.RuleSpendLimit {
			continue
		}
		switch {
		case err == nil:
			outcomes = append(outcomes, passed(rule))
		case rejected:
			if rej.Total+rej.Requested <= rule.Params.Limit {
				outcomes = append(outcomes, passed(rule))
				continue
			}
			out := failed(rule, fmt.Sprintf("window total %s + %s exceeds limit %s", rej.Total, rej.Requested, rule.Params.Limit))
			out.Diagnostics = &domain.SpendDiagnosis{Total: rej.Total, Requested: rej.Requested, Limit: rule.Params.Limit}
			return append(outcomes, out), res, err
		default:
			return append(outcomes, failed(rule, "ledger unavailable")), res, err
		}
	}
	return outcomes, res, err
}

func (e *Engine) releaseQuietly(ctx context.Context, res *ledger.Reservation) {
	if res == nil {
		return
	}
	if err := e.ledger.Release(ctx, *res); err != nil {
		e.logger.Error("release of evaluation hold failed",
			zap.String("reservation_id", res.ID),
			zap.String("agent_id", res.AgentID),
			zap.Error(err))
	}
}

func (e *Engine) mustAdvance(lc *domain.Lifecycle, next domain.State) {
	if err := lc.Advance(next); err != nil {
		e.logger.Error("lifecycle transition rejected", zap.Error(err))
	}
}

func passed(r Rule) domain.RuleOutcome {
	return domain.RuleOutcome{Rule: r.Name, Passed: true}
}

func failed(r Rule, detail string) domain.RuleOutcome {
	return domain.RuleOutcome{Rule: r.Name, Reason: r.Kind.Reason(), Detail: detail}
}

// validate — структурная проверка. Возвращает сумму в микро-единицах или описание проблемы.
func validate(snap *Snapshot, a domain.Action) (domain.Micros, string) {
	if strings.TrimSpace(a.AgentID) == "" {
		return 0, "agent_id is required"
	}
	if _, ok := snap.Agent(a.AgentID); !ok {
		return 0, fmt.Sprintf("unknown agent %s", a.AgentID)
	}
	if !a.Type.Valid() {
		return 0, fmt.Sprintf("unsupported action %q", a.Type)
	}
	if !utf8.ValidString(a.Memo) {
		return 0, "memo is not valid UTF-8"
	}
	if len(a.Memo) > MaxMemoBytes {
		return 0, fmt.Sprintf("memo exceeds %d bytes", MaxMemoBytes)
	}
	if strings.TrimSpace(a.Asset) != "" && !snap.Recognized(a.EffectiveAsset()) {
		return 0, fmt.Sprintf("asset %s is not recognized", a.EffectiveAsset())
	}
	if a.Type.ReadOnly() {
		return 0, ""
	}

	if strings.TrimSpace(a.ToAddress) == "" {
		return 0, "to_address is required"
	}
	if !IsAddress(strings.TrimSpace(a.ToAddress)) {
		return 0, "to_address is not a 0x-prefixed 20-byte hex address"
	}
	if a.AmountUSDC == nil {
		return 0, "amount_usdc is required"
	}
	amount, err := domain.ParseUSDC(*a.AmountUSDC)
	if err != nil {
		return 0, "amount_usdc: " + err.Error()
	}
	if a.Type == domain.ActionSwap && strings.TrimSpace(a.Asset) == "" {
		return 0, "asset is required for swap"
	}
	return amount, ""
}

func checkMemo(r Rule, memo string) string {
	if limit := r.Params.MemoMaxLength; limit > 0 && utf8.RuneCountInString(memo) > limit {
		return fmt.Sprintf("memo longer than %d characters", limit)
	}
	if d := r.Params.MemoDisallowed; d != "" {
		if i := strings.IndexAny(memo, d); i >= 0 {
			ch, _ := utf8.DecodeRuneInString(memo[i:])
			return fmt.Sprintf("memo contains disallowed character %q", ch)
		}
	}
	return ""
}
