package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xela07ax/commerce-gate/internal/domain"
	"go.uber.org/zap"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func newTestLog(t *testing.T, store Store, opts ...Option) *Log {
	t.Helper()
	l, err := NewLog(context.Background(), store, zap.NewNop(), opts...)
	if err != nil {
		t.Fatalf("new log: %v", err)
	}
	return l
}

func TestRecordAssignsMonotonicSeqAndTimestamp(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &stepClock{now: base}
	l := newTestLog(t, NewMemoryStore(), WithClock(clock.Now))
	ctx := context.Background()

	first, err := l.Record(ctx, Record{AgentID: "agent-001", Phase: PhaseDecision})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	// часы пошли назад: метка времени не должна убывать
	clock.Set(base.Add(-time.Minute))
	second, err := l.Record(ctx, Record{AgentID: "agent-001", Phase: PhaseOutcome})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	if first.Seq != 1 || second.Seq != 2 {
		t.Fatalf("expected seq 1,2 got %d,%d", first.Seq, second.Seq)
	}
	if second.Timestamp.Before(first.Timestamp) {
		t.Fatalf("timestamp went backwards: %v < %v", second.Timestamp, first.Timestamp)
	}
	if first.ID == "" || first.ID == second.ID {
		t.Fatalf("expected distinct ids, got %q and %q", first.ID, second.ID)
	}
}

func TestNewLogContinuesSequence(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	l := newTestLog(t, store)
	for i := 0; i < 3; i++ {
		if _, err := l.Record(ctx, Record{AgentID: "a"}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	reopened := newTestLog(t, store)
	rec, err := reopened.Record(ctx, Record{AgentID: "a"})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if rec.Seq != 4 {
		t.Fatalf("expected seq 4 after reopen, got %d", rec.Seq)
	}
}

type failingStore struct {
	*MemoryStore
}

func (failingStore) Append(context.Context, Record) error {
	return errors.New("disk full")
}

func TestRecordStoreFaultIsFatal(t *testing.T) {
	var fatal error
	l := newTestLog(t, failingStore{NewMemoryStore()}, WithFatalHandler(func(err error) { fatal = err }))

	_, err := l.Record(context.Background(), Record{AgentID: "a"})
	if !errors.Is(err, domain.ErrStorageFault) {
		t.Fatalf("expected storage fault, got %v", err)
	}
	if !errors.Is(fatal, domain.ErrStorageFault) {
		t.Fatalf("fatal handler not invoked with storage fault: %v", fatal)
	}

	// неудачная запись не съедает номер
	l.store = NewMemoryStore()
	rec, err := l.Record(context.Background(), Record{AgentID: "a"})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if rec.Seq != 1 {
		t.Fatalf("expected seq 1, got %d", rec.Seq)
	}
}

func TestQueryIsLazyOrderedAndRestartable(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	clock := &stepClock{now: base}
	l := newTestLog(t, NewMemoryStore(), WithClock(clock.Now), WithPageSize(2))
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		clock.Set(base.Add(time.Duration(i) * time.Hour))
		agent := "agent-001"
		if i%3 == 0 {
			agent = "agent-002"
		}
		if _, err := l.Record(ctx, Record{AgentID: agent, Phase: PhaseDecision}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	seq := l.Query(ctx, "agent-001", base.Add(time.Hour), base.Add(5*time.Hour))
	collect := func() []int64 {
		var out []int64
		for rec, err := range seq {
			if err != nil {
				t.Fatalf("query: %v", err)
			}
			out = append(out, rec.Seq)
		}
		return out
	}

	first := collect()
	want := []int64{2, 3, 5}
	if len(first) != len(want) {
		t.Fatalf("expected %v, got %v", want, first)
	}
	for i := range want {
		if first[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, first)
		}
	}

	again := collect()
	if len(again) != len(first) {
		t.Fatalf("restart returned %v, want %v", again, first)
	}
}

func TestQueryStopsEarly(t *testing.T) {
	l := newTestLog(t, NewMemoryStore(), WithPageSize(1))
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := l.Record(ctx, Record{AgentID: "a"}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	n := 0
	for range l.Query(ctx, "a", time.Time{}, time.Time{}) {
		n++
		if n == 2 {
			break
		}
	}
	if n != 2 {
		t.Fatalf("expected to stop after 2, got %d", n)
	}
}

func TestTerminalReturnsLatestSettledOutcome(t *testing.T) {
	l := newTestLog(t, NewMemoryStore())
	ctx := context.Background()
	key := "idem-1"

	if _, err := l.Record(ctx, Record{AgentID: "a", IdempotencyKey: key, Phase: PhaseDecision, State: domain.StateReserved}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, ok, _ := l.Terminal(ctx, key); ok {
		t.Fatal("decision record must not be terminal")
	}

	committed := Record{
		AgentID:        "a",
		IdempotencyKey: key,
		Phase:          PhaseOutcome,
		State:          domain.StateCommitted,
		FinalOutcome:   OutcomeCommitted,
		Decision:       domain.Approved(nil).WithTxHash("0xabc"),
	}
	if _, err := l.Record(ctx, committed); err != nil {
		t.Fatalf("record: %v", err)
	}
	got, ok, err := l.Terminal(ctx, key)
	if err != nil || !ok {
		t.Fatalf("expected terminal record, ok=%v err=%v", ok, err)
	}
	if got.Decision.TxHash != "0xabc" {
		t.Fatalf("unexpected tx hash %q", got.Decision.TxHash)
	}
}
