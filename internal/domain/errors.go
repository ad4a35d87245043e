package domain

import (
	"errors"
	"fmt"
)

// Таксономия ошибок ядра. ErrValidation и ErrPolicyViolation наружу отдаются
// только как blocked-решение, а не как ошибка.
var (
	ErrValidation      = errors.New("validation error")
	ErrPolicyViolation = errors.New("policy violation")

	// ErrInvariantViolation означает, что гарантия от перерасхода могла быть нарушена.
	// Агент останавливается до ручной сверки.
	ErrInvariantViolation = errors.New("invariant violation")
	ErrIllegalTransition  = fmt.Errorf("%w: illegal lifecycle transition", ErrInvariantViolation)

	ErrUnknownAgent = errors.New("unknown agent")
	ErrStorageFault = errors.New("storage fault")
)
