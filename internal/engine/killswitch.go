package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/commerce-gate/internal/infra"
)

// orgSignalID — идентификатор в сигнале паузы (пауза действует на всю организацию).
const orgSignalID = "org"

// PauseSwitch — kill-switch CFO. Проверяется один раз на входе в PolicyEngine:
// действия, уже прошедшие допуск, доходят до терминального состояния.
type PauseSwitch struct {
	paused atomic.Bool
	rdb    redis.UniversalClient
	logger *zap.Logger
}

// NewPauseSwitch создает выключатель. rdb может быть nil: тогда состояние локально для инстанса.
func NewPauseSwitch(rdb redis.UniversalClient, logger *zap.Logger) *PauseSwitch {
	return &PauseSwitch{rdb: rdb, logger: logger.With(zap.String("mod", "pause"))}
}

// Init загружает текущее состояние паузы при старте сервиса
func (p *PauseSwitch) Init(ctx context.Context) error {
	if p.rdb == nil {
		return nil
	}
	v, err := p.rdb.Get(ctx, infra.RedisKeyOrgPaused).Result()
	if errors.Is(err, redis.Nil) {
		p.paused.Store(false)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load pause flag: %w", err)
	}
	p.paused.Store(v == "1")
	return nil
}

func (p *PauseSwitch) Paused() bool {
	return p.paused.Load()
}

// Pause останавливает прием новых действий. Локальный флаг ставится первым:
// сбой Redis не должен оставить этот инстанс открытым.
func (p *PauseSwitch) Pause(ctx context.Context, operatorID string) error {
	p.paused.Store(true)
	p.logger.Warn("organization paused", zap.String("operator_id", operatorID))
	return p.broadcast(ctx, true)
}

func (p *PauseSwitch) Resume(ctx context.Context, operatorID string) error {
	if err := p.broadcast(ctx, false); err != nil {
		return err
	}
	p.paused.Store(false)
	p.logger.Info("organization resumed", zap.String("operator_id", operatorID))
	return nil
}

func (p *PauseSwitch) broadcast(ctx context.Context, on bool) error {
	if p.rdb == nil {
		return nil
	}
	val := "0"
	if on {
		val = "1"
	}
	if err := p.rdb.Set(ctx, infra.RedisKeyOrgPaused, val, 0).Err(); err != nil {
		return fmt.Errorf("persist pause flag: %w", err)
	}
	if err := p.rdb.Publish(ctx, infra.RedisChanPause, signal(orgSignalID, on)).Err(); err != nil {
		p.logger.Warn("pause signal delivery failed", zap.Error(err))
	}
	return nil
}

// StartListener подписывается на сигналы паузы от других инстансов.
func (p *PauseSwitch) StartListener(ctx context.Context) {
	if p.rdb == nil {
		return
	}
	ListenStateResilient(ctx, p.rdb, p.logger, infra.RedisChanPause,
		func() error { return p.Init(ctx) },
		func(_ string, on bool) {
			p.paused.Store(on)
			p.logger.Info("pause signal received", zap.Bool("paused", on))
		},
	)
}
