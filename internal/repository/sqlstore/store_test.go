package sqlstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/commerce-gate/internal/audit"
	"github.com/xela07ax/commerce-gate/internal/domain"
	"github.com/xela07ax/commerce-gate/internal/infra"
	"github.com/xela07ax/commerce-gate/internal/ledger"
	"github.com/xela07ax/commerce-gate/internal/policy"
)

// stores возвращает SQLite всегда и PostgreSQL, если задан COMMERCE_TEST_PG_URL.
func stores(t *testing.T) map[string]*Store {
	t.Helper()
	ctx := context.Background()
	out := map[string]*Store{}

	lite, err := Open(ctx, infra.DatabaseConfig{Driver: DriverSQLite, URL: filepath.Join(t.TempDir(), "gate.db")}, zap.NewNop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = lite.Close() })
	out[DriverSQLite] = lite

	if url := os.Getenv("COMMERCE_TEST_PG_URL"); url != "" {
		pg, err := Open(ctx, infra.DatabaseConfig{Driver: DriverPostgres, URL: url}, zap.NewNop())
		if err != nil {
			t.Fatalf("open postgres: %v", err)
		}
		for _, table := range []string{"policy_documents", "ledger_entries", "reservations", "audit_records", "halted_agents", "operators"} {
			if _, err := pg.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				t.Fatalf("truncate %s: %v", table, err)
			}
		}
		t.Cleanup(func() { _ = pg.Close() })
		out[DriverPostgres] = pg
	}
	return out
}

func TestPlaceholderRebind(t *testing.T) {
	lite := &Store{driver: DriverSQLite}
	if got := lite.q("a = $1 AND b = $12"); got != "a = ? AND b = ?" {
		t.Fatalf("sqlite rebind: %q", got)
	}
	pg := &Store{driver: DriverPostgres}
	if got := pg.q("a = $1"); got != "a = $1" {
		t.Fatalf("postgres must keep numbered placeholders: %q", got)
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gate.db")
	cfg := infra.DatabaseConfig{Driver: DriverSQLite, URL: path}
	for i := 0; i < 2; i++ {
		s, err := Open(context.Background(), cfg, zap.NewNop())
		if err != nil {
			t.Fatalf("open #%d: %v", i, err)
		}
		_ = s.Close()
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), infra.DatabaseConfig{Driver: "mysql", URL: "x"}, zap.NewNop()); err == nil {
		t.Fatal("expected error")
	}
}

func TestPolicyRepository(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, ok, err := s.LoadPolicy(ctx); err != nil || ok {
				t.Fatalf("empty store: ok=%v err=%v", ok, err)
			}
			doc, err := policy.LoadFile("../../policy/testdata/policy.yaml")
			if err != nil {
				t.Fatal(err)
			}
			if err := s.SavePolicy(ctx, doc); err != nil {
				t.Fatal(err)
			}
			if err := s.SavePolicy(ctx, doc); !errors.Is(err, policy.ErrStaleVersion) {
				t.Fatalf("duplicate version must be stale, got %v", err)
			}
			doc.Version++
			doc.Organization.SpendLimitUSDC = 400
			if err := s.SavePolicy(ctx, doc); err != nil {
				t.Fatal(err)
			}

			got, ok, err := s.LoadPolicy(ctx)
			if err != nil || !ok {
				t.Fatalf("load: ok=%v err=%v", ok, err)
			}
			if got.Version != doc.Version || got.Organization.SpendLimitUSDC != 400 {
				t.Fatalf("expected latest version, got v%d limit %v", got.Version, got.Organization.SpendLimitUSDC)
			}
			hist, err := s.PolicyHistory(ctx, 10)
			if err != nil || len(hist) != 2 || hist[0].Version != doc.Version {
				t.Fatalf("unexpected history %+v err=%v", hist, err)
			}
		})
	}
}

func TestLedgerJournalSurvivesRestart(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
			clock := func() time.Time { return now }
			w := domain.Window{Size: 24 * time.Hour, Buckets: 24}

			l := ledger.New(zap.NewNop(), ledger.WithClock(clock), ledger.WithJournal(s))
			committed, err := l.Reserve(ctx, ledger.ReserveRequest{AgentID: "agent-001", Amount: domain.MustUSDC(120), Window: w, Limit: domain.MustUSDC(500), IdempotencyKey: "k1"})
			if err != nil {
				t.Fatal(err)
			}
			if _, err := l.Commit(ctx, committed, domain.MustUSDC(100)); err != nil {
				t.Fatal(err)
			}
			open, err := l.Reserve(ctx, ledger.ReserveRequest{AgentID: "agent-001", Amount: domain.MustUSDC(50), Window: w, Limit: domain.MustUSDC(500), IdempotencyKey: "k2"})
			if err != nil {
				t.Fatal(err)
			}
			released, err := l.Reserve(ctx, ledger.ReserveRequest{AgentID: "agent-001", Amount: domain.MustUSDC(10), Window: w, Limit: domain.MustUSDC(500), IdempotencyKey: "k3"})
			if err != nil {
				t.Fatal(err)
			}
			if err := l.Release(ctx, released); err != nil {
				t.Fatal(err)
			}

			restored := ledger.New(zap.NewNop(), ledger.WithClock(clock), ledger.WithJournal(s))
			if err := restored.Restore(ctx, s); err != nil {
				t.Fatal(err)
			}
			u := restored.Usage("agent-001", w)
			if u.Committed != domain.MustUSDC(100) || u.Reserved != domain.MustUSDC(50) || u.Open != 1 {
				t.Fatalf("unexpected restored usage %+v", u)
			}
			if got := restored.OpenReservations(); len(got) != 1 || got[0].ID != open.ID || got[0].Window != w {
				t.Fatalf("open reservation not restored: %+v", got)
			}
			if err := s.DeleteReservation(ctx, released); !errors.Is(err, domain.ErrInvariantViolation) {
				t.Fatalf("deleting a finished reservation must be an invariant error, got %v", err)
			}

				if n, err := s.PruneEntries(ctx, now.Add(-time.Hour)); err != nil || n != 0 {
					t.Fatalf("current bucket must survive pruning: n=%d err=%v", n, err)
				}
				if n, err := s.PruneEntries(ctx, now.Add(time.Hour)); err != nil || n != 1 {
					t.Fatalf("expected one pruned bucket: n=%d err=%v", n, err)
				}
		})
	}
}

func TestAuditStore(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
			tick := 0
			clock := func() time.Time {
				tick++
				return base.Add(time.Duration(tick) * time.Minute)
			}
			log, err := audit.NewLog(ctx, s, zap.NewNop(), audit.WithClock(clock), audit.WithPageSize(2))
			if err != nil {
				t.Fatal(err)
			}

			amount := 10.0
			action := domain.Action{AgentID: "agent-001", Type: domain.ActionTransfer, ToAddress: "0x1111111111111111111111111111111111111111", AmountUSDC: &amount, Nonce: "n1"}
			key := action.IdempotencyKey()
			steps := []audit.Record{
				{AgentID: "agent-001", IdempotencyKey: key, Phase: audit.PhaseDecision, State: domain.StateReserved, Action: action, Decision: domain.Approved(nil), FinalOutcome: audit.OutcomePending},
				{AgentID: "agent-001", IdempotencyKey: key, Phase: audit.PhaseSubmission, State: domain.StateSubmitted, Action: action, Decision: domain.Approved(nil), FinalOutcome: audit.OutcomePending},
				{AgentID: "agent-001", IdempotencyKey: key, Phase: audit.PhaseOutcome, State: domain.StateCommitted, Action: action, Decision: domain.Approved(nil).WithTxHash("0xabc"), FinalOutcome: audit.OutcomeCommitted, SettledAmount: domain.MustUSDC(10)},
				{AgentID: "agent-002", Phase: audit.PhaseDecision, State: domain.StateBlocked, Action: domain.Action{AgentID: "agent-002", Type: domain.ActionSwap}, Decision: domain.Blocked(domain.ReasonLimitExceeded, nil), FinalOutcome: audit.OutcomeBlocked},
			}
			for _, rec := range steps {
				if _, err := log.Record(ctx, rec); err != nil {
					t.Fatal(err)
				}
			}

			var seqs []int64
			for rec, err := range log.Query(ctx, "agent-001", base, base.Add(time.Hour)) {
				if err != nil {
					t.Fatal(err)
				}
				seqs = append(seqs, rec.Seq)
			}
			if len(seqs) != 3 || seqs[0] != 1 || seqs[2] != 3 {
				t.Fatalf("expected seq 1..3 for agent-001 across pages, got %v", seqs)
			}

			term, ok, err := log.Terminal(ctx, key)
			if err != nil || !ok {
				t.Fatalf("terminal: ok=%v err=%v", ok, err)
			}
			if term.Decision.TxHash != "0xabc" || term.SettledAmount != domain.MustUSDC(10) || *term.Action.AmountUSDC != 10 {
				t.Fatalf("terminal record not round-tripped: %+v", term)
			}

			// Новый Log продолжает нумерацию с последней записи
			reopened, err := audit.NewLog(ctx, s, zap.NewNop(), audit.WithClock(clock))
			if err != nil {
				t.Fatal(err)
			}
			rec, err := reopened.Record(ctx, audit.Record{AgentID: "agent-003", Phase: audit.PhaseDecision, State: domain.StateBlocked, Decision: domain.Blocked(domain.ReasonPaused, nil), FinalOutcome: audit.OutcomeBlocked})
			if err != nil {
				t.Fatal(err)
			}
			if rec.Seq != 5 {
				t.Fatalf("expected seq 5 after reopen, got %d", rec.Seq)
			}
		})
	}
}

func TestHaltAndOperatorRepositories(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.SaveHalt(ctx, "agent-002", "invariant_violation"); err != nil {
				t.Fatal(err)
			}
			if err := s.SaveHalt(ctx, "agent-002", "manual"); err != nil {
				t.Fatalf("halt must be upserted: %v", err)
			}
			ids, err := s.HaltedAgents(ctx)
			if err != nil || len(ids) != 1 || ids[0] != "agent-002" {
				t.Fatalf("unexpected halted %v err=%v", ids, err)
			}
			if err := s.DeleteHalt(ctx, "agent-002"); err != nil {
				t.Fatal(err)
			}
			if ids, _ := s.HaltedAgents(ctx); len(ids) != 0 {
				t.Fatalf("halt not deleted: %v", ids)
			}

			if op, err := s.GetOperatorByUsername(ctx, "cfo"); err != nil || op != nil {
				t.Fatalf("missing operator must be nil, nil: %v %v", op, err)
			}
			op := domain.Operator{ID: "op-1", Username: "cfo", PasswordHash: "hash", Scopes: map[string]bool{domain.ScopeCFO: true}, CreatedAt: time.Now()}
			if err := s.SaveOperator(ctx, op); err != nil {
				t.Fatal(err)
			}
			got, err := s.GetOperatorByUsername(ctx, "cfo")
			if err != nil || got == nil || !got.Scopes[domain.ScopeCFO] || got.PasswordHash != "hash" {
				t.Fatalf("operator round trip failed: %+v err=%v", got, err)
			}
		})
	}
}
