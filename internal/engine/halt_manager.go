package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/commerce-gate/internal/infra"
)

// HaltRepository — источник правды по остановленным агентам.
type HaltRepository interface {
	HaltedAgents(ctx context.Context) ([]string, error)
	SaveHalt(ctx context.Context, agentID, reason string) error
	DeleteHalt(ctx context.Context, agentID string) error
}

// HaltManager держит агентов, остановленных после нарушения инварианта.
// Агент возвращается в работу только оператором после ручной сверки.
type HaltManager struct {
	repo   HaltRepository
	rdb    redis.UniversalClient
	logger *zap.Logger

	mu     sync.RWMutex
	halted map[string]struct{}
}

// NewHaltManager — repo и rdb опциональны.
func NewHaltManager(rdb redis.UniversalClient, repo HaltRepository, logger *zap.Logger) *HaltManager {
	return &HaltManager{
		repo:   repo,
		rdb:    rdb,
		halted: make(map[string]struct{}),
		logger: logger.With(zap.String("mod", "halt")),
	}
}

// Init загружает остановленных агентов при старте
func (m *HaltManager) Init(ctx context.Context) error {
	var ids []string
	if m.repo != nil {
		var err error
		if ids, err = m.repo.HaltedAgents(ctx); err != nil {
			return fmt.Errorf("failed to fetch halted agents from DB: %w", err)
		}
	}
	return WarmupState(ctx, m.rdb, m.logger, ids, infra.RedisKeyHaltedAgents, infra.RedisKeyLockHalted, func(items []string) {
		m.mu.Lock()
		defer m.mu.Unlock()
		for _, id := range items {
			m.halted[id] = struct{}{}
		}
	})
}

// Halt останавливает агента. Локальный кэш обновляется первым, ошибки хранилищ
// только логируются и возвращаются: агент на этом инстансе уже остановлен.
func (m *HaltManager) Halt(ctx context.Context, agentID, reason string) error {
	m.mu.Lock()
	m.halted[agentID] = struct{}{}
	m.mu.Unlock()
	m.logger.Error("agent halted", zap.String("agent_id", agentID), zap.String("reason", reason))

	if m.repo != nil {
		if err := m.repo.SaveHalt(ctx, agentID, reason); err != nil {
			return fmt.Errorf("persist halt: %w", err)
		}
	}
	return m.signal(ctx, agentID, true)
}

// Release возвращает агента в работу.
func (m *HaltManager) Release(ctx context.Context, agentID, operatorID string) error {
	if m.repo != nil {
		if err := m.repo.DeleteHalt(ctx, agentID); err != nil {
			return fmt.Errorf("delete halt: %w", err)
		}
	}
	if err := m.signal(ctx, agentID, false); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.halted, agentID)
	m.mu.Unlock()
	m.logger.Info("agent released", zap.String("agent_id", agentID), zap.String("operator_id", operatorID))
	return nil
}

func (m *HaltManager) signal(ctx context.Context, agentID string, on bool) error {
	if m.rdb == nil {
		return nil
	}
	pipe := m.rdb.TxPipeline()
	if on {
		pipe.SAdd(ctx, infra.RedisKeyHaltedAgents, agentID)
	} else {
		pipe.SRem(ctx, infra.RedisKeyHaltedAgents, agentID)
	}
	pipe.Publish(ctx, infra.RedisChanHalt, signal(agentID, on))
	if _, err := pipe.Exec(ctx); err != nil {
		m.logger.Warn("halt signal delivery failed", zap.String("agent_id", agentID), zap.Error(err))
		return fmt.Errorf("halt signal: %w", err)
	}
	return nil
}

// StartListener подписывается на сигналы остановки от других инстансов.
func (m *HaltManager) StartListener(ctx context.Context) {
	if m.rdb == nil {
		return
	}
	ListenStateResilient(ctx, m.rdb, m.logger, infra.RedisChanHalt,
		func() error { return m.Init(ctx) },
		func(id string, on bool) {
			m.mu.Lock()
			defer m.mu.Unlock()
			if on {
				m.halted[id] = struct{}{}
			} else {
				delete(m.halted, id)
			}
		},
	)
}

// IsHalted — быстрая проверка в горячем пути
func (m *HaltManager) IsHalted(agentID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.halted[agentID]
	return ok
}

func (m *HaltManager) Halted() []string {
	m.mu.RLock()
	out := make([]string, 0, len(m.halted))
	for id := range m.halted {
		out = append(out, id)
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Controls объединяет паузу и остановки в допуск PolicyEngine.
type Controls struct {
	Pause *PauseSwitch
	Halts *HaltManager
}

func (c Controls) Paused() bool {
	return c.Pause != nil && c.Pause.Paused()
}

func (c Controls) IsHalted(agentID string) bool {
	return c.Halts != nil && c.Halts.IsHalted(agentID)
}
