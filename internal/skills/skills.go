// Package skills описывает внешних помощников агента (черновики контента, поиск трендов)
// и мост, через который их предложения попадают в шлюз как обычные коммерческие действия.
package skills

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/commerce-gate/internal/domain"
	"github.com/xela07ax/commerce-gate/internal/engine"
)

// ContentGenerator готовит черновик публикации. Ядро шлюза его не вызывает.
type ContentGenerator interface {
	Draft(ctx context.Context, brief Brief) (Draft, error)
}

// TrendDiscoverer ищет темы и может предложить оплачиваемые задачи.
type TrendDiscoverer interface {
	Discover(ctx context.Context, topic string) ([]Trend, error)
}

type Brief struct {
	AgentID  string
	Topic    string
	Audience string
}

type Draft struct {
	Title string
	Body  string
	// Задачи, которые автор черновика предлагает оплатить (заказ иллюстрации и т.п.)
	Suggestions []SuggestedTask
}

type Trend struct {
	Topic       string
	Score       float64
	Suggestions []SuggestedTask
}

// SuggestedTask — предложение перевести деньги или обменять актив.
// ID стабилен между повторами: из него выводится nonce действия.
type SuggestedTask struct {
	ID         string
	AgentID    string
	Action     domain.ActionType
	ToAddress  string
	AmountUSDC float64
	Asset      string
	Memo       string
}

// Executor — граница execute_commerce_action.
type Executor interface {
	ExecuteCommerceAction(ctx context.Context, req engine.Request) engine.Result
}

var ErrEmptyTaskID = errors.New("suggested task has no id")

// nonceSpace — пространство имен для детерминированных nonce предложений.
var nonceSpace = uuid.MustParse("6f1f6c1e-5a0b-4f54-9a57-0c8c1f3b9d21")

// Bridge переводит предложения навыков в запросы к шлюзу; политика для них та же, что для прямого вызова агента.
type Bridge struct {
	gate   Executor
	logger *zap.Logger
}

func NewBridge(gate Executor, logger *zap.Logger) *Bridge {
	return &Bridge{gate: gate, logger: logger.Named("skills-bridge")}
}

// Request собирает запрос шлюза. Повтор того же предложения дает тот же nonce,
// поэтому шлюз выполнит его не более одного раза.
func (b *Bridge) Request(task SuggestedTask) (engine.Request, error) {
	id := strings.TrimSpace(task.ID)
	if id == "" {
		return engine.Request{}, fmt.Errorf("%w: %w", domain.ErrValidation, ErrEmptyTaskID)
	}
	req := engine.Request{
		AgentID:   task.AgentID,
		Action:    string(task.Action),
		ToAddress: task.ToAddress,
		Asset:     task.Asset,
		Memo:      task.Memo,
		Nonce:     uuid.NewSHA1(nonceSpace, []byte(task.AgentID+"/"+id)).String(),
	}
	if task.Action != domain.ActionCheckBalance {
		amount := task.AmountUSDC
		req.AmountUSDC = &amount
	}
	return req, nil
}

// Dispatch отправляет предложение в шлюз и возвращает его решение.
func (b *Bridge) Dispatch(ctx context.Context, task SuggestedTask) engine.Result {
	req, err := b.Request(task)
	if err != nil {
		return engine.Result{Status: domain.StatusBlocked, Error: string(domain.ReasonInvalidInput)}
	}
	res := b.gate.ExecuteCommerceAction(ctx, req)
	b.logger.Info("suggested task dispatched",
		zap.String("task_id", task.ID),
		zap.String("agent_id", task.AgentID),
		zap.String("status", string(res.Status)))
	return res
}

// DispatchAll выполняет предложения по порядку: лимиты расходуются в том же порядке, в каком их предложил навык.
func (b *Bridge) DispatchAll(ctx context.Context, tasks []SuggestedTask) []engine.Result {
	out := make([]engine.Result, 0, len(tasks))
	for _, t := range tasks {
		if ctx.Err() != nil {
			break
		}
		out = append(out, b.Dispatch(ctx, t))
	}
	return out
}
