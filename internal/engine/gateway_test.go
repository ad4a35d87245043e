package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/xela07ax/commerce-gate/internal/audit"
	"github.com/xela07ax/commerce-gate/internal/domain"
	"github.com/xela07ax/commerce-gate/internal/ledger"
	"github.com/xela07ax/commerce-gate/internal/orchestrator"
	"github.com/xela07ax/commerce-gate/internal/policy"
	"github.com/xela07ax/commerce-gate/internal/settlement"
)

const (
	allowed  = "0x1111111111111111111111111111111111111111"
	stranger = "0x9999999999999999999999999999999999999999"
)

var day = domain.Window{Size: 24 * time.Hour, Buckets: 24}

type stack struct {
	gw     *Gateway
	mock   *settlement.Mock
	ledger *ledger.Ledger
	log    *audit.Log
	pause  *PauseSwitch
	halts  *HaltManager
	reg    *prometheus.Registry
}

func newStack(t *testing.T, mockOpts ...settlement.MockOption) *stack {
	t.Helper()
	logger := zap.NewNop()
	doc, err := policy.LoadFile("../policy/testdata/policy.yaml")
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	snap, err := policy.Compile(doc)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	log, err := audit.NewLog(context.Background(), audit.NewMemoryStore(), logger)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	l := ledger.New(logger)
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	pause := NewPauseSwitch(nil, logger)
	halts := NewHaltManager(nil, nil, logger)

	mock := settlement.NewMock(append([]settlement.MockOption{settlement.WithLatency(0, 0)}, mockOpts...)...)
	orch := orchestrator.New(mock, l, log, orchestrator.Config{
		Workers:        4,
		SubmitDeadline: 2 * time.Second,
		Reliability: orchestrator.ReliabilityConfig{
			BaseDelay:      time.Millisecond,
			MaxDelay:       5 * time.Millisecond,
			AttemptTimeout: 30 * time.Millisecond,
			RateLimit:      1000,
			RateBurst:      100,
		},
	}, logger, orchestrator.WithHalter(halts), orchestrator.WithMetrics(metrics))
	orch.Start()
	t.Cleanup(orch.Stop)

	pe := policy.NewEngine(policy.NewStaticStore(snap, logger), l, log, logger,
		policy.WithAdmission(Controls{Pause: pause, Halts: halts}))
	return &stack{
		gw:     NewGateway(pe, orch, log, metrics, logger),
		mock:   mock,
		ledger: l,
		log:    log,
		pause:  pause,
		halts:  halts,
		reg:    reg,
	}
}

func amount(v float64) *float64 { return &v }

func transfer(agent, to string, usdc float64, nonce string) Request {
	return Request{AgentID: agent, Action: "transfer", ToAddress: to, AmountUSDC: amount(usdc), Nonce: nonce}
}

func TestSecondTransferOverLimitIsBlockedWithTotal(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	first := s.gw.ExecuteCommerceAction(ctx, transfer("agent-001", allowed, 300, "n1"))
	if first.Status != domain.StatusApproved || first.TxHash == "" {
		t.Fatalf("first transfer must be approved, got %+v", first)
	}
	second := s.gw.ExecuteCommerceAction(ctx, transfer("agent-001", allowed, 300, "n2"))
	if second.Status != domain.StatusBlocked || second.Error != string(domain.ReasonLimitExceeded) {
		t.Fatalf("second transfer must be blocked by limit, got %+v", second)
	}
	failure, ok := domain.Decision{Reasons: second.Reasons}.FirstFailure()
	if !ok || failure.Diagnostics == nil {
		t.Fatalf("expected spend diagnostics, got %+v", second.Reasons)
	}
	if failure.Diagnostics.Total != domain.MustUSDC(300) || failure.Diagnostics.Limit != domain.MustUSDC(500) {
		t.Fatalf("unexpected diagnostics %+v", failure.Diagnostics)
	}
	if u := s.ledger.Usage("agent-001", day); u.Committed != domain.MustUSDC(300) || u.Open != 0 {
		t.Fatalf("unexpected usage %+v", u)
	}
}

func TestCheckBalanceIsApprovedWithoutReservation(t *testing.T) {
	s := newStack(t, settlement.WithBalance("agent-001", domain.MustUSDC(1250.5)))
	res := s.gw.ExecuteCommerceAction(context.Background(), Request{AgentID: "agent-001", Action: "check_balance"})
	if res.Status != domain.StatusApproved {
		t.Fatalf("expected approved, got %+v", res)
	}
	if res.BalanceUSDC != "1250.500000" {
		t.Fatalf("unexpected balance %q", res.BalanceUSDC)
	}
	if open := s.ledger.OpenReservations(); len(open) != 0 {
		t.Fatalf("check_balance must not reserve, got %d open", len(open))
	}
	if s.mock.Calls() != 0 {
		t.Fatal("check_balance must not submit")
	}
}

func TestTransferToStrangerIsBlockedWithoutLedgerMutation(t *testing.T) {
	s := newStack(t)
	res := s.gw.ExecuteCommerceAction(context.Background(), transfer("agent-001", stranger, 10, "n1"))
	if res.Status != domain.StatusBlocked || res.Error != "counterparty_not_allowed" {
		t.Fatalf("expected counterparty_not_allowed, got %+v", res)
	}
	if u := s.ledger.Usage("agent-001", day); u != (ledger.Usage{}) {
		t.Fatalf("ledger must be untouched, got %+v", u)
	}
}

func TestSettlementTimesOutThreeTimesThenSucceeds(t *testing.T) {
	s := newStack(t)
	s.mock.HangNext(3)

	res := s.gw.ExecuteCommerceAction(context.Background(), transfer("agent-001", allowed, 75, "n1"))
	if res.Status != domain.StatusApproved || res.TxHash == "" || res.Error != "" {
		t.Fatalf("decision must reflect the eventual success, got %+v", res)
	}
	if s.mock.Settled() != 1 {
		t.Fatalf("expected one settlement, got %d", s.mock.Settled())
	}
	if u := s.ledger.Usage("agent-001", day); u.Committed != domain.MustUSDC(75) || u.Open != 0 {
		t.Fatalf("expected single committed entry, got %+v", u)
	}
	if got := testutil.ToFloat64(s.gw.metrics.SettlementAttempts.WithLabelValues("transient")); got != 3 {
		t.Fatalf("expected 3 transient attempts counted, got %v", got)
	}
}

func TestSameNonceTwiceSubmitsOnce(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	req := transfer("agent-001", allowed, 40, "fixed-nonce")

	first := s.gw.ExecuteCommerceAction(ctx, req)
	second := s.gw.ExecuteCommerceAction(ctx, req)
	if first.Status != second.Status || first.TxHash != second.TxHash || first.TxHash == "" {
		t.Fatalf("duplicate must return the same decision: %+v vs %+v", first, second)
	}
	if s.mock.Calls() != 1 {
		t.Fatalf("expected exactly one external submission, got %d", s.mock.Calls())
	}
	if u := s.ledger.Usage("agent-001", day); u.Committed != domain.MustUSDC(40) {
		t.Fatalf("spend must be counted once, got %+v", u)
	}
}

func TestConcurrentSpendNeverExceedsLimit(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		approved int
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res := s.gw.ExecuteCommerceAction(ctx, transfer("agent-001", allowed, 50, "n-"+string(rune('a'+i))))
			if res.Status == domain.StatusApproved {
				mu.Lock()
				approved++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	u := s.ledger.Usage("agent-001", day)
	if u.Committed > domain.MustUSDC(500) {
		t.Fatalf("committed %s exceeds limit", u.Committed)
	}
	if approved != 10 || u.Committed != domain.MustUSDC(500) {
		t.Fatalf("expected exactly 10 approvals filling the limit, got %d (committed %s)", approved, u.Committed)
	}
	if u.Open != 0 {
		t.Fatalf("no reservation may stay open, got %d", u.Open)
	}
}

func TestRuleOrderIsDeterministic(t *testing.T) {
	s := newStack(t)
	// и контрагент, и актив запрещены: первым всегда срабатывает allowlist контрагентов
	req := Request{AgentID: "agent-003", Action: "swap", ToAddress: stranger, AmountUSDC: amount(5), Asset: "ETH"}
	for i := 0; i < 5; i++ {
		res := s.gw.ExecuteCommerceAction(context.Background(), req)
		if res.Error != "counterparty_not_allowed" {
			t.Fatalf("run %d: expected counterparty_not_allowed first, got %+v", i, res)
		}
	}
}

func TestPauseAndHaltBlockAtAdmission(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	if err := s.pause.Pause(ctx, "cfo-1"); err != nil {
		t.Fatal(err)
	}
	if res := s.gw.ExecuteCommerceAction(ctx, transfer("agent-001", allowed, 1, "n1")); res.Error != "paused" {
		t.Fatalf("expected paused, got %+v", res)
	}
	if err := s.pause.Resume(ctx, "cfo-1"); err != nil {
		t.Fatal(err)
	}

	if err := s.halts.Halt(ctx, "agent-002", "manual"); err != nil {
		t.Fatal(err)
	}
	if res := s.gw.ExecuteCommerceAction(ctx, transfer("agent-002", allowed, 1, "n2")); res.Error != "agent_halted" {
		t.Fatalf("expected agent_halted, got %+v", res)
	}
	if res := s.gw.ExecuteCommerceAction(ctx, transfer("agent-001", allowed, 1, "n3")); res.Status != domain.StatusApproved {
		t.Fatalf("other agents keep working, got %+v", res)
	}
	if err := s.halts.Release(ctx, "agent-002", "cfo-1"); err != nil {
		t.Fatal(err)
	}
	if res := s.gw.ExecuteCommerceAction(ctx, transfer("agent-002", allowed, 1, "n4")); res.Status != domain.StatusApproved {
		t.Fatalf("released agent must be admitted, got %+v", res)
	}
}

func TestEveryDecisionIsAudited(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	s.gw.ExecuteCommerceAction(ctx, transfer("agent-001", allowed, 10, "n1"))
	s.gw.ExecuteCommerceAction(ctx, transfer("agent-001", stranger, 10, "n2"))

	phases := map[audit.Phase]int{}
	for rec, err := range s.log.Query(ctx, "agent-001", time.Time{}, time.Now().Add(time.Hour)) {
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		phases[rec.Phase]++
	}
	if phases[audit.PhaseDecision] != 2 || phases[audit.PhaseSubmission] != 1 || phases[audit.PhaseOutcome] != 1 {
		t.Fatalf("unexpected audit phases %v", phases)
	}
}

func TestHandleHTTPRequest(t *testing.T) {
	s := newStack(t)
	h := TracingMiddleware(http.HandlerFunc(s.gw.HandleHTTPRequest))

	body, _ := json.Marshal(transfer("agent-001", allowed, 12.5, "http-1"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/actions", bytes.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get(traceHeader) == "" {
		t.Fatal("trace id header missing")
	}
	var res Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.Status != domain.StatusApproved || res.TxHash == "" {
		t.Fatalf("unexpected result %+v", res)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/actions", bytes.NewReader([]byte(`{"agent_id":`))))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", rec.Code)
	}
}
