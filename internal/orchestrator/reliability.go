package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xela07ax/commerce-gate/internal/domain"
	"github.com/xela07ax/commerce-gate/internal/settlement"
)

type ReliabilityConfig struct {
	MaxAttempts     uint
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	AttemptTimeout  time.Duration
	RateLimit       float64 // запросов в секунду к сети расчетов
	RateBurst       int
	BreakerFailures uint32 // подряд неудач до открытия предохранителя
	BreakerTimeout  time.Duration
}

func (c *ReliabilityConfig) withDefaults() {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 200 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Second
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 10 * time.Second
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 100
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 20
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = 30 * time.Second
	}
}

// Attempt — итог серии попыток отправки.
type Attempt struct {
	Receipt  settlement.Receipt
	Attempts int
	LastErr  error
}

// ProtectedClient оборачивает сеть расчетов: rate limiter, circuit breaker,
// повтор с экспоненциальной задержкой и таймаут на каждую попытку.
type ProtectedClient struct {
	next    settlement.Client
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	cfg     ReliabilityConfig
	metrics Metrics
	logger  *zap.Logger
}

func NewProtectedClient(next settlement.Client, cfg ReliabilityConfig, metrics Metrics, logger *zap.Logger) *ProtectedClient {
	cfg.withDefaults()
	if metrics == nil {
		metrics = nopMetrics{}
	}
	p := &ProtectedClient{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.With(zap.String("mod", "settlement-reliability")),
	}
	p.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "settlement",
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     cfg.BreakerTimeout, // через сколько открытый предохранитель попробует закрыться
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		// Отказ сети расчетов по существу (revert) не говорит о ее недоступности
		IsSuccessful: func(err error) bool {
			return err == nil || !settlement.Transient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			p.metrics.BreakerState(to.String())
		},
	})
	return p
}

// transient дополняет таксономию сети расчетов состояниями предохранителя.
func transient(err error) bool {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}
	return settlement.Transient(err)
}

// Submit повторяет отправку с тем же ключом идемпотентности, пока ошибка временная
// и не исчерпаны попытки или общий дедлайн ctx.
func (p *ProtectedClient) Submit(ctx context.Context, ins settlement.Instruction, key string) (Attempt, error) {
	var out Attempt
	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(p.cfg.MaxAttempts),
		retry.Delay(p.cfg.BaseDelay),
		retry.MaxDelay(p.cfg.MaxDelay),
		retry.RetryIf(transient),
		// Если сеть вернула подсказку Retry-After — ждем ровно столько
		retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
			if d, ok := settlement.RetryAfter(err); ok {
				return d
			}
			return retry.BackOffDelay(n, err, config)
		}),
	)

	err := r.Do(func() error {
		out.Attempts++
		if err := p.limiter.Wait(ctx); err != nil {
			out.LastErr = &settlement.TransientError{Op: "rate_limit", Cause: err}
			return out.LastErr
		}
		res, err := p.cb.Execute(func() (interface{}, error) {
			tCtx, cancel := context.WithTimeout(ctx, p.cfg.AttemptTimeout)
			defer cancel()
			return p.next.Submit(tCtx, ins, key)
		})
		if err != nil {
			out.LastErr = err
			p.metrics.SettlementAttempt(attemptLabel(err))
			p.logger.Debug("settlement attempt failed",
				zap.Int("attempt", out.Attempts),
				zap.Bool("transient", transient(err)),
				zap.Error(err))
			return err
		}
		out.Receipt = res.(settlement.Receipt)
		out.LastErr = nil
		p.metrics.SettlementAttempt("success")
		return nil
	})
	if err != nil {
		if out.LastErr == nil {
			out.LastErr = err
		}
		return out, out.LastErr
	}
	return out, nil
}

// Lookup — однократный запрос без повторов с таймаутом попытки.
func (p *ProtectedClient) Lookup(ctx context.Context, key string) (settlement.Receipt, bool, error) {
	tCtx, cancel := context.WithTimeout(ctx, p.cfg.AttemptTimeout)
	defer cancel()
	return p.next.Lookup(tCtx, key)
}

func (p *ProtectedClient) CheckBalance(ctx context.Context, agentID string) (domain.Micros, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return 0, &settlement.TransientError{Op: "rate_limit", Cause: err}
	}
	tCtx, cancel := context.WithTimeout(ctx, p.cfg.AttemptTimeout)
	defer cancel()
	return p.next.CheckBalance(tCtx, agentID)
}

func attemptLabel(err error) string {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "breaker_open"
	case transient(err):
		return "transient"
	}
	return "terminal"
}
