package domain

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
	"strings"
)

// ActionType — вид коммерческого действия агента
type ActionType string

const (
	ActionTransfer     ActionType = "transfer"
	ActionCheckBalance ActionType = "check_balance"
	ActionSwap         ActionType = "swap"
)

// DefaultAsset используется, если агент не указал актив явно.
const DefaultAsset = "USDC"

// Valid сообщает, поддерживается ли тип действия.
func (t ActionType) Valid() bool {
	switch t {
	case ActionTransfer, ActionCheckBalance, ActionSwap:
		return true
	}
	return false
}

// ReadOnly — действие не двигает деньги и не резервирует лимит.
func (t ActionType) ReadOnly() bool {
	return t == ActionCheckBalance
}

// NeedsCounterparty — для действия проверяется allowlist контрагентов.
func (t ActionType) NeedsCounterparty() bool {
	return t == ActionTransfer || t == ActionSwap
}

// Action — предложенное агентом действие. После передачи в движок не меняется.
type Action struct {
	AgentID    string     `json:"agent_id"`
	Type       ActionType `json:"action"`
	ToAddress  string     `json:"to_address,omitempty"`
	AmountUSDC *float64   `json:"amount_usdc,omitempty"`
	Asset      string     `json:"asset,omitempty"`
	Memo       string     `json:"memo,omitempty"`
	Nonce      string     `json:"nonce,omitempty"`
}

// EffectiveAsset возвращает актив в каноническом виде (верхний регистр, дефолт USDC).
func (a Action) EffectiveAsset() string {
	asset := strings.ToUpper(strings.TrimSpace(a.Asset))
	if asset == "" {
		return DefaultAsset
	}
	return asset
}

// IdempotencyKey — чистая функция от неизменяемых полей и nonce.
// Повторная отправка того же Action с тем же nonce дает тот же ключ.
func (a Action) IdempotencyKey() string {
	h := sha256.New()
	writeField := func(s string) {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(s)))
		h.Write(n[:])
		h.Write([]byte(s))
	}
	writeField(a.AgentID)
	writeField(string(a.Type))
	writeField(strings.ToLower(strings.TrimSpace(a.ToAddress)))
	if a.AmountUSDC != nil {
		var bits [8]byte
		binary.BigEndian.PutUint64(bits[:], math.Float64bits(*a.AmountUSDC))
		writeField(string(bits[:]))
	} else {
		writeField("")
	}
	writeField(a.EffectiveAsset())
	writeField(a.Memo)
	writeField(a.Nonce)
	return hex.EncodeToString(h.Sum(nil))
}
