package settlement

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/xela07ax/commerce-gate/internal/domain"
)

// Mock — имитация сети расчетов для локального запуска и тестов.
// Дедуплицирует отправки по ключу идемпотентности, как это делает настоящий отправитель.
type Mock struct {
	mu         sync.Mutex
	minLatency time.Duration
	maxLatency time.Duration
	feeBps     int
	hangs      int     // сколько ближайших вызовов Submit зависнут до истечения контекста
	failures   []error // ошибки, которые вернут ближайшие вызовы Submit
	settled    map[string]Receipt
	balances   map[string]domain.Micros
	calls      int
	now        func() time.Time
}

type MockOption func(*Mock)

// WithLatency задает диапазон имитируемой задержки. По умолчанию 50-300мс.
func WithLatency(lo, hi time.Duration) MockOption {
	return func(m *Mock) {
		m.minLatency = lo
		m.maxLatency = hi
	}
}

// WithFee списывает комиссию сверх суммы инструкции (в базисных пунктах).
func WithFee(bps int) MockOption {
	return func(m *Mock) { m.feeBps = bps }
}

// WithBalance задает стартовый баланс агента.
func WithBalance(agentID string, amount domain.Micros) MockOption {
	return func(m *Mock) { m.balances[agentID] = amount }
}

func NewMock(opts ...MockOption) *Mock {
	m := &Mock{
		minLatency: 50 * time.Millisecond,
		maxLatency: 300 * time.Millisecond,
		settled:    make(map[string]Receipt),
		balances:   make(map[string]domain.Micros),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// HangNext заставляет n следующих вызовов Submit висеть до истечения таймаута попытки.
func (m *Mock) HangNext(n int) {
	m.mu.Lock()
	m.hangs += n
	m.mu.Unlock()
}

// FailNext ставит в очередь ошибки для следующих вызовов Submit.
func (m *Mock) FailNext(errs ...error) {
	m.mu.Lock()
	m.failures = append(m.failures, errs...)
	m.mu.Unlock()
}

func (m *Mock) latency() time.Duration {
	if m.maxLatency <= m.minLatency {
		return m.minLatency
	}
	return m.minLatency + time.Duration(rand.Int64N(int64(m.maxLatency-m.minLatency)))
}

func (m *Mock) Submit(ctx context.Context, ins Instruction, key string) (Receipt, error) {
	m.mu.Lock()
	m.calls++
	hang := m.hangs > 0
	if hang {
		m.hangs--
	}
	var scripted error
	if !hang && len(m.failures) > 0 {
		scripted = m.failures[0]
		m.failures = m.failures[1:]
	}
	latency := m.latency()
	m.mu.Unlock()

	if hang {
		<-ctx.Done()
		return Receipt{}, &TransientError{Op: "submit", Cause: ctx.Err()}
	}

	select {
	case <-time.After(latency):
	case <-ctx.Done():
		return Receipt{}, &TransientError{Op: "submit", Cause: ctx.Err()}
	}
	if scripted != nil {
		return Receipt{}, scripted
	}
	if ins.Amount <= 0 {
		return Receipt{}, &TerminalError{Op: "submit", Code: "invalid_amount", Cause: errors.New("amount must be positive")}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.settled[key]; ok {
		return r, nil
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", key, len(m.settled))))
	r := Receipt{
		TxHash:        "0x" + hex.EncodeToString(sum[:]),
		SettledAmount: ins.Amount.ApplyBps(m.feeBps),
		SettledAt:     m.now().UTC(),
	}
	m.settled[key] = r
	if bal, ok := m.balances[ins.AgentID]; ok {
		m.balances[ins.AgentID] = bal - r.SettledAmount
	}
	return r, nil
}

func (m *Mock) CheckBalance(ctx context.Context, agentID string) (domain.Micros, error) {
	if err := ctx.Err(); err != nil {
		return 0, &TransientError{Op: "check_balance", Cause: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[agentID], nil
}

func (m *Mock) Lookup(ctx context.Context, key string) (Receipt, bool, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, false, &TransientError{Op: "lookup", Cause: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.settled[key]
	return r, ok, nil
}

// Calls — сколько раз вызывали Submit (включая повторы).
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Settled — сколько уникальных ключей реально исполнено.
func (m *Mock) Settled() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.settled)
}

// MarkSettled регистрирует исполнение без вызова Submit (имитация отправки до падения процесса).
func (m *Mock) MarkSettled(key string, r Receipt) {
	m.mu.Lock()
	m.settled[key] = r
	m.mu.Unlock()
}
