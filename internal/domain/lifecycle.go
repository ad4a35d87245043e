package domain

import (
	"fmt"
	"sync"
)

// State — состояния конечного автомата жизненного цикла Action.
type State string

const (
	StateReceived  State = "RECEIVED"
	StateValidated State = "VALIDATED"
	StateApproved  State = "APPROVED"
	StateBlocked   State = "BLOCKED"
	StateReserved  State = "RESERVED"
	StateSubmitted State = "SUBMITTED"
	StateCommitted State = "COMMITTED"
	StateReleased  State = "RELEASED"
)

// transitions — единственные допустимые переходы.
// Received → Validated → Approved|Blocked → Reserved → Submitted → Committed|Released
var transitions = map[State][]State{
	StateReceived:  {StateValidated, StateBlocked},
	StateValidated: {StateApproved, StateBlocked},
	StateApproved:  {StateReserved},
	StateReserved:  {StateSubmitted, StateReleased},
	StateSubmitted: {StateCommitted, StateReleased},
}

// Terminal — состояние, из которого нет переходов.
func (s State) Terminal() bool {
	switch s {
	case StateBlocked, StateCommitted, StateReleased:
		return true
	}
	return false
}

// Settled — исход, после которого повторная отправка ничего не меняет.
func (s State) Settled() bool {
	return s == StateCommitted || s == StateReleased
}

// CanTransitionTo проверяет правила конечного автомата
func (s State) CanTransitionTo(next State) error {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, s, next)
}

// Lifecycle хранит текущее состояние одного Action и историю переходов.
// Нелегальный переход (например, commit без резервирования) возвращает ErrIllegalTransition.
type Lifecycle struct {
	mu      sync.Mutex
	state   State
	history []State
}

func NewLifecycle() *Lifecycle {
	return &Lifecycle{state: StateReceived, history: []State{StateReceived}}
}

// RestoreLifecycle поднимает автомат из сохраненного состояния (при сверке после рестарта).
func RestoreLifecycle(s State) *Lifecycle {
	return &Lifecycle{state: s, history: []State{s}}
}

func (l *Lifecycle) Advance(next State) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.state.CanTransitionTo(next); err != nil {
		return err
	}
	l.state = next
	l.history = append(l.history, next)
	return nil
}

func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Lifecycle) History() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]State, len(l.history))
	copy(out, l.history)
	return out
}
