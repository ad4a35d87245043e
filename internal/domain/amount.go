package domain

import (
	"errors"
	"fmt"
	"math"
	"strconv"
)

// Micros — сумма в микро-USDC (6 знаков после запятой). Все расчеты лимитов
// ведутся в целых числах, float живет только на границе API.
type Micros int64

const MicrosPerUSDC Micros = 1_000_000

var (
	ErrAmountNotFinite   = errors.New("amount must be a finite number")
	ErrAmountNotPositive = errors.New("amount must be positive")
	ErrAmountPrecision   = errors.New("amount has more than 6 decimal places")
	ErrAmountOverflow    = errors.New("amount is too large")
)

// maxUSDC ограничивает вход так, чтобы перевод в микро-единицы не переполнил int64.
const maxUSDC = float64(math.MaxInt64/int64(MicrosPerUSDC)) / 2

// ParseUSDC переводит сумму из API в микро-единицы с проверкой корректности.
func ParseUSDC(v float64) (Micros, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, ErrAmountNotFinite
	}
	if v <= 0 {
		return 0, ErrAmountNotPositive
	}
	if v > maxUSDC {
		return 0, ErrAmountOverflow
	}
	scaled := v * float64(MicrosPerUSDC)
	rounded := math.Round(scaled)
	// допускаем погрешность представления float64, но не лишние знаки
	tolerance := math.Max(1e-3, math.Abs(scaled)*1e-15)
	if math.Abs(scaled-rounded) > tolerance {
		return 0, ErrAmountPrecision
	}
	if rounded < 1 {
		return 0, ErrAmountNotPositive
	}
	return Micros(rounded), nil
}

// USDC возвращает сумму в долларах для ответов и логов.
func (m Micros) USDC() float64 {
	return float64(m) / float64(MicrosPerUSDC)
}

// String печатает сумму с фиксированной точностью, например "300.000000".
func (m Micros) String() string {
	sign := ""
	v := int64(m)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%06d", sign, v/int64(MicrosPerUSDC), v%int64(MicrosPerUSDC))
}

// MustUSDC — хелпер для конфигов и тестов, где значение заведомо валидно.
func MustUSDC(v float64) Micros {
	m, err := ParseUSDC(v)
	if err != nil {
		panic("domain: invalid usdc literal " + strconv.FormatFloat(v, 'f', -1, 64) + ": " + err.Error())
	}
	return m
}

// ApplyBps увеличивает сумму на заданное число базисных пунктов (с округлением вверх).
func (m Micros) ApplyBps(bps int) Micros {
	if bps <= 0 {
		return m
	}
	extra := (int64(m)*int64(bps) + 9_999) / 10_000
	return m + Micros(extra)
}
