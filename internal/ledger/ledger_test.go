package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xela07ax/commerce-gate/internal/domain"
	"go.uber.org/zap"
)

var day = domain.Window{Size: 24 * time.Hour, Buckets: 24}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLedger(opts ...Option) (*Ledger, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return New(zap.NewNop(), opts...), clock
}

func reserve(t *testing.T, l *Ledger, agent string, usdc float64, key string) (Reservation, error) {
	t.Helper()
	return l.Reserve(context.Background(), ReserveRequest{
		AgentID:        agent,
		Amount:         domain.MustUSDC(usdc),
		Window:         day,
		Limit:          domain.MustUSDC(500),
		IdempotencyKey: key,
	})
}

func TestReserveRejectsOverLimitWithDiagnostics(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	res, err := reserve(t, l, "agent-001", 300, "k1")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := l.Commit(ctx, res, res.Amount); err != nil {
		t.Fatalf("commit: %v", err)
	}

	_, err = reserve(t, l, "agent-001", 300, "k2")
	rej, ok := IsRejected(err)
	if !ok {
		t.Fatalf("expected RejectedError, got %v", err)
	}
	if rej.Total != domain.MustUSDC(300) || rej.Limit != domain.MustUSDC(500) {
		t.Fatalf("unexpected diagnostics: total=%s limit=%s", rej.Total, rej.Limit)
	}
	if !errors.Is(err, domain.ErrPolicyViolation) {
		t.Fatal("rejection must match ErrPolicyViolation")
	}
}

func TestReserveCountsOutstandingReservations(t *testing.T) {
	l, _ := newTestLedger()
	if _, err := reserve(t, l, "agent-001", 400, "k1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := reserve(t, l, "agent-001", 200, "k2"); err == nil {
		t.Fatal("expected rejection while 400 is reserved")
	}
	u := l.Usage("agent-001", day)
	if u.Reserved != domain.MustUSDC(400) || u.Committed != 0 || u.Open != 1 {
		t.Fatalf("unexpected usage %+v", u)
	}
}

func TestConcurrentReservationsNeverExceedLimit(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	var wg sync.WaitGroup
	var approved atomic.Int64
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := l.Reserve(ctx, ReserveRequest{
				AgentID: "agent-001",
				Amount:  domain.MustUSDC(30),
				Window:  day,
				Limit:   domain.MustUSDC(500),
			})
			if err != nil {
				return
			}
			approved.Add(1)
			if i%2 == 0 {
				_, err = l.Commit(ctx, res, res.Amount)
			} else {
				err = l.Release(ctx, res)
			}
			if err != nil {
				t.Errorf("terminate: %v", err)
			}
		}(i)
	}
	wg.Wait()

	u := l.Usage("agent-001", day)
	if u.Committed > domain.MustUSDC(500) {
		t.Fatalf("committed %s exceeds limit", u.Committed)
	}
	if u.Open != 0 || u.Reserved != 0 {
		t.Fatalf("reservations left open: %+v", u)
	}
	if approved.Load() < 16 {
		t.Fatalf("expected at least 16 reservations to fit, got %d", approved.Load())
	}
}

func TestReservationTerminatesExactlyOnce(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	res, err := reserve(t, l, "agent-001", 10, "k1")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := l.Commit(ctx, res, res.Amount); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := l.Commit(ctx, res, res.Amount); !errors.Is(err, domain.ErrInvariantViolation) {
		t.Fatalf("double commit: expected invariant violation, got %v", err)
	}
	if err := l.Release(ctx, res); !errors.Is(err, domain.ErrInvariantViolation) {
		t.Fatalf("release after commit: expected invariant violation, got %v", err)
	}
	if err := l.Release(ctx, Reservation{ID: "missing", AgentID: "x", WindowKey: day.Key()}); !errors.Is(err, domain.ErrInvariantViolation) {
		t.Fatalf("unknown reservation: expected invariant violation, got %v", err)
	}
}

func TestReserveIsIdempotentPerKey(t *testing.T) {
	l, _ := newTestLedger()
	first, err := reserve(t, l, "agent-001", 100, "same")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	second, err := reserve(t, l, "agent-001", 100, "same")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same reservation, got %s and %s", first.ID, second.ID)
	}
	if u := l.Usage("agent-001", day); u.Reserved != domain.MustUSDC(100) {
		t.Fatalf("duplicate key reserved twice: %+v", u)
	}
}

func TestCommitUsesActualAmount(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()
	res, err := reserve(t, l, "agent-001", 100, "k")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	entry, err := l.Commit(ctx, res, domain.MustUSDC(99.5))
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if entry.Amount != domain.MustUSDC(99.5) {
		t.Fatalf("unexpected entry amount %s", entry.Amount)
	}
	if u := l.Usage("agent-001", day); u.Committed != domain.MustUSDC(99.5) || u.Reserved != 0 {
		t.Fatalf("unexpected usage %+v", u)
	}
}

func TestExpiredBucketsAreEvicted(t *testing.T) {
	l, clock := newTestLedger()
	ctx := context.Background()

	res, err := reserve(t, l, "agent-001", 400, "k1")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := l.Commit(ctx, res, res.Amount); err != nil {
		t.Fatalf("commit: %v", err)
	}

	clock.Advance(23 * time.Hour)
	if _, err := reserve(t, l, "agent-001", 200, "k2"); err == nil {
		t.Fatal("spend from 23h ago must still count")
	}

	clock.Advance(2 * time.Hour)
	if _, err := reserve(t, l, "agent-001", 200, "k3"); err != nil {
		t.Fatalf("spend outside the window must be evicted: %v", err)
	}
	if u := l.Usage("agent-001", day); u.Committed != 0 {
		t.Fatalf("expected evicted committed total, got %s", u.Committed)
	}
}

type memJournal struct {
	mu    sync.Mutex
	fail  bool
	state State
}

func (j *memJournal) SaveReservation(_ context.Context, res Reservation) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.fail {
		return errors.New("journal down")
	}
	j.state.Reservations = append(j.state.Reservations, res)
	return nil
}

func (j *memJournal) remove(id string) {
	kept := j.state.Reservations[:0]
	for _, r := range j.state.Reservations {
		if r.ID != id {
			kept = append(kept, r)
		}
	}
	j.state.Reservations = kept
}

func (j *memJournal) CommitReservation(_ context.Context, res Reservation, e Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.fail {
		return errors.New("journal down")
	}
	j.remove(res.ID)
	j.state.Entries = append(j.state.Entries, e)
	return nil
}

func (j *memJournal) DeleteReservation(_ context.Context, res Reservation) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.fail {
		return errors.New("journal down")
	}
	j.remove(res.ID)
	return nil
}

func (j *memJournal) LoadLedger(context.Context) (State, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return State{
		Entries:      append([]Entry(nil), j.state.Entries...),
		Reservations: append([]Reservation(nil), j.state.Reservations...),
	}, nil
}

func TestRestoreFromJournal(t *testing.T) {
	j := &memJournal{}
	l, clock := newTestLedger(WithJournal(j))
	ctx := context.Background()

	committed, err := reserve(t, l, "agent-001", 200, "k1")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := l.Commit(ctx, committed, committed.Amount); err != nil {
		t.Fatalf("commit: %v", err)
	}
	open, err := reserve(t, l, "agent-001", 150, "k2")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	restarted := New(zap.NewNop(), WithClock(clock.Now), WithJournal(j))
	if err := restarted.Restore(ctx, j); err != nil {
		t.Fatalf("restore: %v", err)
	}
	u := restarted.Usage("agent-001", day)
	if u.Committed != domain.MustUSDC(200) || u.Reserved != domain.MustUSDC(150) {
		t.Fatalf("unexpected restored usage %+v", u)
	}
	pending := restarted.OpenReservations()
	if len(pending) != 1 || pending[0].ID != open.ID {
		t.Fatalf("expected open reservation %s, got %+v", open.ID, pending)
	}
	if err := restarted.Release(ctx, pending[0]); err != nil {
		t.Fatalf("release restored reservation: %v", err)
	}
}

func TestJournalFailureLeavesStateUnchanged(t *testing.T) {
	j := &memJournal{}
	l, _ := newTestLedger(WithJournal(j))
	ctx := context.Background()

	res, err := reserve(t, l, "agent-001", 100, "k1")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	j.fail = true
	if _, err := l.Commit(ctx, res, res.Amount); !errors.Is(err, domain.ErrStorageFault) {
		t.Fatalf("expected storage fault, got %v", err)
	}
	if _, err := reserve(t, l, "agent-001", 10, "k2"); !errors.Is(err, domain.ErrStorageFault) {
		t.Fatalf("expected storage fault on reserve, got %v", err)
	}
	if u := l.Usage("agent-001", day); u.Open != 1 || u.Committed != 0 {
		t.Fatalf("state changed despite journal failure: %+v", u)
	}

	j.fail = false
	if _, err := l.Commit(ctx, res, res.Amount); err != nil {
		t.Fatalf("commit after recovery: %v", err)
	}
}

func TestCommitOverLimitIsInvariantViolation(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()
	res, err := reserve(t, l, "agent-001", 500, "k-fee")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	// комиссия сети больше заложенного запаса
	entry, err := l.Commit(ctx, res, domain.MustUSDC(505))
	if !errors.Is(err, ErrLimitBreached) || !errors.Is(err, domain.ErrInvariantViolation) {
		t.Fatalf("expected limit breach, got %v", err)
	}
	if entry.Amount != domain.MustUSDC(505) {
		t.Fatalf("breaching entry must still be recorded, got %s", entry.Amount)
	}
	u := l.Usage("agent-001", day)
	if u.Committed != domain.MustUSDC(505) || u.Open != 0 {
		t.Fatalf("reservation must be closed with the real spend: %+v", u)
	}
	if _, err := l.Commit(ctx, res, res.Amount); !errors.Is(err, domain.ErrInvariantViolation) || errors.Is(err, ErrLimitBreached) {
		t.Fatalf("second commit must fail as a terminated reservation, got %v", err)
	}
}

func TestCommitAboveHoldWithinLimitSucceeds(t *testing.T) {
	l, _ := newTestLedger()
	res, err := reserve(t, l, "agent-001", 100, "k-small-fee")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := l.Commit(context.Background(), res, domain.MustUSDC(101)); err != nil {
		t.Fatalf("commit within limit must succeed: %v", err)
	}
}
