package settlement

import (
	"context"
	"time"

	"github.com/xela07ax/commerce-gate/internal/domain"
)

// Instruction — одобренное действие в форме, которую понимает внешний подписант/отправитель.
type Instruction struct {
	AgentID   string            `json:"agent_id"`
	Type      domain.ActionType `json:"action"`
	ToAddress string            `json:"to_address"`
	Asset     string            `json:"asset"`
	Amount    domain.Micros     `json:"amount_micros"`
	Memo      string            `json:"memo,omitempty"`
}

// NewInstruction собирает инструкцию из действия и проверенной суммы.
func NewInstruction(a domain.Action, amount domain.Micros) Instruction {
	return Instruction{
		AgentID:   a.AgentID,
		Type:      a.Type,
		ToAddress: a.ToAddress,
		Asset:     a.EffectiveAsset(),
		Amount:    amount,
		Memo:      a.Memo,
	}
}

// Receipt — подтверждение расчета. SettledAmount может отличаться от запрошенного (комиссии).
type Receipt struct {
	TxHash        string        `json:"tx_hash"`
	SettledAmount domain.Micros `json:"settled_micros"`
	SettledAt     time.Time     `json:"settled_at"`
}

// Client — внешняя сеть расчетов. Считается ненадежной и медленной.
// Ошибки — *TransientError или *TerminalError; повтор Submit с тем же ключом
// не создает вторую транзакцию.
type Client interface {
	Submit(ctx context.Context, ins Instruction, idempotencyKey string) (Receipt, error)
	CheckBalance(ctx context.Context, agentID string) (domain.Micros, error)
	// Lookup ищет уже исполненную отправку по ключу идемпотентности.
	Lookup(ctx context.Context, idempotencyKey string) (Receipt, bool, error)
}
