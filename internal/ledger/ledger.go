package ledger

/*
Ledger — единственный арбитр вопроса «сколько агент потратил за окно».

Инварианты:
- committed + reserved по (agent_id, window) никогда не превышает лимит в момент Reserve:
  проверка и резерв выполняются под одним мьютексом счета.
- Каждая Reservation завершается ровно один раз: Commit или Release.
- Состояние меняется в памяти только после успешной записи в Journal.
*/

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/commerce-gate/internal/domain"
	"go.uber.org/zap"
)

// Reservation — временный резерв лимита. Владеет им только Ledger.
type Reservation struct {
	ID             string        `json:"id"`
	AgentID        string        `json:"agent_id"`
	WindowKey      string        `json:"window_key"`
	Window         domain.Window `json:"window"`
	Amount         domain.Micros `json:"amount_micros"`
	Limit          domain.Micros `json:"limit_micros"`
	IdempotencyKey string        `json:"idempotency_key"`
	CreatedAt      time.Time     `json:"created_at"`
}

// Entry — накопленная сумма по корзине окна.
type Entry struct {
	AgentID     string        `json:"agent_id"`
	WindowKey   string        `json:"window_key"`
	BucketStart time.Time     `json:"bucket_start"`
	Amount      domain.Micros `json:"amount_micros"`
}

type ReserveRequest struct {
	AgentID        string
	Amount         domain.Micros
	Window         domain.Window
	Limit          domain.Micros
	IdempotencyKey string
}

// RejectedError — резерв не помещается в лимит. Несет данные для диагностики.
type RejectedError struct {
	AgentID   string
	WindowKey string
	Total     domain.Micros // committed + reserved на момент проверки
	Requested domain.Micros
	Limit     domain.Micros
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("ledger: reserve %s for %s rejected: total %s, limit %s",
		e.Requested, e.AgentID, e.Total, e.Limit)
}

func (e *RejectedError) Is(target error) bool { return target == domain.ErrPolicyViolation }

// ErrLimitBreached — фактическая трата вывела окно за лимит. Commit при этом выполнен.
var ErrLimitBreached = fmt.Errorf("%w: committed spend exceeds limit", domain.ErrInvariantViolation)

// Usage — текущее состояние счета.
type Usage struct {
	Committed domain.Micros `json:"committed_micros"`
	Reserved  domain.Micros `json:"reserved_micros"`
	Open      int           `json:"open_reservations"`
}

type account struct {
	mu       sync.Mutex
	window   domain.Window
	ring     *ring
	open     map[string]Reservation // id -> резерв
	byKey    map[string]string      // idempotency key -> id
	reserved domain.Micros
}

type Ledger struct {
	mu       sync.Mutex
	accounts map[string]*account // agent_id|window_key
	journal  Journal
	now      func() time.Time
	logger   *zap.Logger
}

type Option func(*Ledger)

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func WithJournal(j Journal) Option {
	return func(l *Ledger) {
		if j != nil {
			l.journal = j
		}
	}
}

func New(logger *zap.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		accounts: make(map[string]*account),
		journal:  nopJournal{},
		now:      time.Now,
		logger:   logger.Named("ledger"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func accountKey(agentID, windowKey string) string {
	return agentID + "|" + windowKey
}

func (l *Ledger) account(agentID string, w domain.Window) *account {
	key := accountKey(agentID, w.Key())
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[key]
	if !ok {
		acc = &account{
			window: w,
			ring:   newRing(w),
			open:   make(map[string]Reservation),
			byKey:  make(map[string]string),
		}
		l.accounts[key] = acc
	}
	return acc
}

func (l *Ledger) lookup(agentID, windowKey string) (*account, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[accountKey(agentID, windowKey)]
	return acc, ok
}

// Reserve атомарно проверяет committed+reserved+amount <= limit и создает резерв.
// Открытый резерв с тем же ключом идемпотентности возвращается повторно.
func (l *Ledger) Reserve(ctx context.Context, req ReserveRequest) (Reservation, error) {
	if req.Amount <= 0 {
		return Reservation{}, fmt.Errorf("%w: reserve amount must be positive", domain.ErrValidation)
	}
	if err := req.Window.Validate(); err != nil {
		return Reservation{}, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	acc := l.account(req.AgentID, req.Window)
	acc.mu.Lock()
	defer acc.mu.Unlock()

	if req.IdempotencyKey != "" {
		if id, ok := acc.byKey[req.IdempotencyKey]; ok {
			return acc.open[id], nil
		}
	}

	now := l.now().UTC()
	total := acc.ring.total(now) + acc.reserved
	if total+req.Amount > req.Limit {
		return Reservation{}, &RejectedError{
			AgentID:   req.AgentID,
			WindowKey: req.Window.Key(),
			Total:     total,
			Requested: req.Amount,
			Limit:     req.Limit,
		}
	}

	res := Reservation{
		ID:             uuid.New().String(),
		AgentID:        req.AgentID,
		WindowKey:      req.Window.Key(),
		Window:         req.Window,
		Amount:         req.Amount,
		Limit:          req.Limit,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
	}
	if err := l.journal.SaveReservation(ctx, res); err != nil {
		return Reservation{}, fmt.Errorf("%w: persist reservation: %v", domain.ErrStorageFault, err)
	}
	acc.open[res.ID] = res
	if res.IdempotencyKey != "" {
		acc.byKey[res.IdempotencyKey] = res.ID
	}
	acc.reserved += res.Amount
	return res, nil
}

// Commit превращает открытый резерв в трату на фактическую сумму.
// Если трата вывела окно за лимит, резерв все равно закрыт, а ошибка — ErrLimitBreached.
func (l *Ledger) Commit(ctx context.Context, res Reservation, actual domain.Micros) (Entry, error) {
	if actual < 0 {
		return Entry{}, fmt.Errorf("%w: negative settled amount %s", domain.ErrInvariantViolation, actual)
	}
	acc, err := l.openAccount(res)
	if err != nil {
		return Entry{}, err
	}
	defer acc.mu.Unlock()

	now := l.now().UTC()
	start := acc.ring.slotStart(now)
	entry := Entry{
		AgentID:     res.AgentID,
		WindowKey:   res.WindowKey,
		BucketStart: start,
		Amount:      actual,
	}
	if err := l.journal.CommitReservation(ctx, res, entry); err != nil {
		return Entry{}, fmt.Errorf("%w: persist commit: %v", domain.ErrStorageFault, err)
	}

	acc.close(res)
	b := acc.ring.add(now, actual)
	entry.Amount = b.amount

	committed := acc.ring.total(now)
	if res.Limit > 0 && committed > res.Limit {
		// трата уже записана: деньги ушли, наверх идет нарушение инварианта
		l.logger.Error("committed spend exceeds limit",
			zap.String("agent_id", res.AgentID),
			zap.String("reservation_id", res.ID),
			zap.Stringer("reserved", res.Amount),
			zap.Stringer("actual", actual),
			zap.Stringer("committed", committed),
			zap.Stringer("limit", res.Limit))
		return entry, fmt.Errorf("%w: reservation %s committed %s, limit %s",
			ErrLimitBreached, res.ID, committed, res.Limit)
	}
	if actual > res.Amount {
		l.logger.Warn("settled amount exceeds reservation",
			zap.String("agent_id", res.AgentID),
			zap.String("reservation_id", res.ID),
			zap.Stringer("reserved", res.Amount),
			zap.Stringer("actual", actual))
	}
	return entry, nil
}

// Release снимает резерв без записи траты.
func (l *Ledger) Release(ctx context.Context, res Reservation) error {
	acc, err := l.openAccount(res)
	if err != nil {
		return err
	}
	defer acc.mu.Unlock()

	if err := l.journal.DeleteReservation(ctx, res); err != nil {
		return fmt.Errorf("%w: persist release: %v", domain.ErrStorageFault, err)
	}
	acc.close(res)
	return nil
}

// openAccount возвращает счет под захваченным мьютексом, если резерв еще открыт.
func (l *Ledger) openAccount(res Reservation) (*account, error) {
	acc, ok := l.lookup(res.AgentID, res.WindowKey)
	if !ok {
		return nil, fmt.Errorf("%w: reservation %s has no account", domain.ErrInvariantViolation, res.ID)
	}
	acc.mu.Lock()
	if _, open := acc.open[res.ID]; !open {
		acc.mu.Unlock()
		return nil, fmt.Errorf("%w: reservation %s is unknown or already terminated", domain.ErrInvariantViolation, res.ID)
	}
	return acc, nil
}

func (a *account) close(res Reservation) {
	stored := a.open[res.ID]
	delete(a.open, res.ID)
	if stored.IdempotencyKey != "" {
		delete(a.byKey, stored.IdempotencyKey)
	}
	a.reserved -= stored.Amount
}

// Usage возвращает committed и reserved для окна агента.
func (l *Ledger) Usage(agentID string, w domain.Window) Usage {
	acc, ok := l.lookup(agentID, w.Key())
	if !ok {
		return Usage{}
	}
	acc.mu.Lock()
	defer acc.mu.Unlock()
	return Usage{
		Committed: acc.ring.total(l.now().UTC()),
		Reserved:  acc.reserved,
		Open:      len(acc.open),
	}
}

// OpenReservations — все незавершенные резервы (для сверки после рестарта).
func (l *Ledger) OpenReservations() []Reservation {
	l.mu.Lock()
	accs := make([]*account, 0, len(l.accounts))
	for _, acc := range l.accounts {
		accs = append(accs, acc)
	}
	l.mu.Unlock()

	var out []Reservation
	for _, acc := range accs {
		acc.mu.Lock()
		for _, res := range acc.open {
			out = append(out, res)
		}
		acc.mu.Unlock()
	}
	return out
}

// IsRejected — хелпер для errors.As на RejectedError.
func IsRejected(err error) (*RejectedError, bool) {
	var rej *RejectedError
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}
