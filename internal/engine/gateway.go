package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/xela07ax/commerce-gate/internal/audit"
	"github.com/xela07ax/commerce-gate/internal/domain"
	"github.com/xela07ax/commerce-gate/internal/orchestrator"
	"github.com/xela07ax/commerce-gate/internal/policy"
)

const maxRequestBytes = 64 << 10

// Request — вход execute_commerce_action.
type Request struct {
	AgentID    string   `json:"agent_id"`
	Action     string   `json:"action"`
	ToAddress  string   `json:"to_address,omitempty"`
	AmountUSDC *float64 `json:"amount_usdc,omitempty"`
	Asset      string   `json:"asset,omitempty"`
	Memo       string   `json:"memo,omitempty"`
	Nonce      string   `json:"nonce,omitempty"`
}

// Result — ответ вызывающему агенту. Отказ всегда значение, а не ошибка.
type Result struct {
	Status      domain.Status        `json:"status"`
	TxHash      string               `json:"tx_hash,omitempty"`
	Error       string               `json:"error,omitempty"`
	BalanceUSDC string               `json:"balance_usdc,omitempty"`
	Reasons     []domain.RuleOutcome `json:"reasons,omitempty"`
}

func resultOf(d domain.Decision) Result {
	return Result{Status: d.Status, TxHash: d.TxHash, Error: d.Error, Reasons: d.Reasons}
}

// toAction собирает неизменяемое действие. Без nonce каждый вызов — новое действие.
func (r Request) toAction() domain.Action {
	nonce := strings.TrimSpace(r.Nonce)
	if nonce == "" {
		nonce = uuid.New().String()
	}
	return domain.Action{
		AgentID:    strings.TrimSpace(r.AgentID),
		Type:       domain.ActionType(strings.ToLower(strings.TrimSpace(r.Action))),
		ToAddress:  strings.TrimSpace(r.ToAddress),
		AmountUSDC: r.AmountUSDC,
		Asset:      r.Asset,
		Memo:       r.Memo,
		Nonce:      nonce,
	}
}

// Gateway — единая точка входа для агентов и навыков.
type Gateway struct {
	policy  *policy.Engine
	orch    *orchestrator.Orchestrator
	audit   *audit.Log
	metrics *Metrics
	flight  singleflight.Group
	logger  *zap.Logger
}

func NewGateway(pe *policy.Engine, orch *orchestrator.Orchestrator, log *audit.Log, metrics *Metrics, logger *zap.Logger) *Gateway {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Gateway{
		policy:  pe,
		orch:    orch,
		audit:   log,
		metrics: metrics,
		logger:  logger.Named("gateway"),
	}
}

// ExecuteCommerceAction проводит действие через политику и, если нужно, через сеть расчетов.
// Параллельные вызовы с одним ключом идемпотентности сходятся в одно исполнение.
func (g *Gateway) ExecuteCommerceAction(ctx context.Context, req Request) Result {
	start := time.Now()
	ctx = domain.EnsureTraceID(ctx)
	action := req.toAction()
	key := action.IdempotencyKey()

	v, _, _ := g.flight.Do(key, func() (interface{}, error) {
		return g.execute(ctx, action, key), nil
	})
	res := v.(Result)

	g.metrics.ObserveDecision(action.Type, domain.Decision{Status: res.Status, Reason: domain.Reason(res.Error)}, time.Since(start))
	return res
}

func (g *Gateway) execute(ctx context.Context, action domain.Action, key string) Result {
	log := g.logger.With(
		zap.String("trace_id", domain.TraceID(ctx)),
		zap.String("agent_id", action.AgentID),
		zap.String("action", string(action.Type)))

	// Повтор уже завершенного действия: тот же исход без новой оценки
	if rec, ok, err := g.audit.Terminal(ctx, key); err != nil {
		log.Error("terminal outcome lookup failed", zap.Error(err))
		return resultOf(domain.Blocked(domain.ReasonAuditFault, nil))
	} else if ok {
		log.Info("duplicate action, returning recorded outcome", zap.Int64("seq", rec.Seq))
		return resultOf(rec.Decision)
	}

	ev, err := g.policy.Evaluate(ctx, action)
	if err != nil {
		log.Error("evaluation failed", zap.String("reason", string(ev.Decision.Reason)), zap.Error(err))
	}
	if ev.Decision.Status != domain.StatusApproved {
		return resultOf(ev.Decision)
	}

	if action.Type.ReadOnly() {
		bal, err := g.orch.Client().CheckBalance(ctx, action.AgentID)
		if err != nil {
			log.Warn("balance check failed", zap.Error(err))
			return resultOf(domain.Blocked(domain.ReasonSettlementUnavailable, ev.Decision.Reasons))
		}
		res := resultOf(ev.Decision)
		res.BalanceUSDC = bal.String()
		return res
	}

	if ev.Reservation == nil {
		log.Error("approved spend without reservation")
		return resultOf(domain.Blocked(domain.ReasonInvariantViolation, ev.Decision.Reasons))
	}
	d := g.orch.Submit(ctx, orchestrator.Task{
		Action:         action,
		Reservation:    *ev.Reservation,
		Amount:         ev.Amount,
		IdempotencyKey: key,
		Lifecycle:      ev.Lifecycle,
		Reasons:        ev.Decision.Reasons,
	})
	return resultOf(d)
}

// HandleHTTPRequest — POST /v1/actions с телом Request.
func (g *Gateway) HandleHTTPRequest(w http.ResponseWriter, r *http.Request) {
	var req Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, Result{Status: domain.StatusBlocked, Error: string(domain.ReasonInvalidInput)})
		return
	}

	res := g.ExecuteCommerceAction(r.Context(), req)
	code := http.StatusOK
	if res.Status == domain.StatusBlocked {
		code = http.StatusForbidden
	}
	writeJSON(w, code, res)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
