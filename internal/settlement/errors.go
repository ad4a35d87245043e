package settlement

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// TransientError — сбой, после которого повтор с тем же ключом идемпотентности безопасен:
// таймаут, троттлинг, сетевой обрыв. RetryAfter задает сервер (например, заголовок Retry-After).
type TransientError struct {
	Op         string
	RetryAfter time.Duration
	Cause      error
}

func (e *TransientError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("settlement %s: transient: retry after %v (cause: %v)", e.Op, e.RetryAfter, e.Cause)
	}
	return fmt.Sprintf("settlement %s: transient: %v", e.Op, e.Cause)
}

func (e *TransientError) Unwrap() error { return e.Cause }

// TerminalError — сеть расчетов окончательно отклонила действие (revert, неверная подпись).
type TerminalError struct {
	Op    string
	Code  string
	Cause error
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("settlement %s: rejected [%s]: %v", e.Op, e.Code, e.Cause)
}

func (e *TerminalError) Unwrap() error { return e.Cause }

// Transient сообщает, имеет ли смысл повторять вызов.
// Неизвестные ошибки считаются терминальными, кроме сетевых и таймаутов.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	var term *TerminalError
	if errors.As(err, &term) {
		return false
	}
	var tr *TransientError
	if errors.As(err, &tr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// RetryAfter извлекает подсказку сервера о паузе перед повтором.
func RetryAfter(err error) (time.Duration, bool) {
	var tr *TransientError
	if errors.As(err, &tr) && tr.RetryAfter > 0 {
		return tr.RetryAfter, true
	}
	return 0, false
}
