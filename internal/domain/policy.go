package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RuleKind определяет, что именно проверяет правило
type RuleKind string

const (
	RuleCounterpartyAllowlist RuleKind = "counterparty_allowlist"
	RuleAssetWhitelist        RuleKind = "asset_whitelist"
	RuleSpendLimit            RuleKind = "spend_limit"
	RuleMemoConstraint        RuleKind = "memo_constraint"
)

// Priority задает фиксированный порядок вычисления. Первый упавший
// по этому порядку rule определяет причину блокировки.
func (k RuleKind) Priority() int {
	switch k {
	case RuleCounterpartyAllowlist:
		return 10
	case RuleAssetWhitelist:
		return 20
	case RuleSpendLimit:
		return 30
	case RuleMemoConstraint:
		return 40
	}
	return 1000
}

// Reason — причина блокировки, которую дает правило этого вида.
func (k RuleKind) Reason() Reason {
	switch k {
	case RuleCounterpartyAllowlist:
		return ReasonCounterpartyNotAllowed
	case RuleAssetWhitelist:
		return ReasonAssetNotAllowed
	case RuleSpendLimit:
		return ReasonLimitExceeded
	case RuleMemoConstraint:
		return ReasonMemoInvalid
	}
	return ReasonInvalidInput
}

// Scope — область действия правила
type Scope string

const (
	ScopeOrganization Scope = "organization" // для всех агентов
	ScopeAgent        Scope = "agent"        // персональное ужесточение
)

// Window — скользящее окно учета трат, разбитое на бакеты фиксированной ширины.
type Window struct {
	Size    time.Duration `json:"size"`
	Buckets int           `json:"buckets"`
}

// Key идентифицирует окно в ключе реестра (agent_id, window_key).
func (w Window) Key() string {
	return fmt.Sprintf("%s/%d", w.Size, w.Buckets)
}

// ParseWindowKey — обратная операция к Key (восстановление реестра из хранилища).
func ParseWindowKey(key string) (Window, error) {
	size, buckets, ok := strings.Cut(key, "/")
	if !ok {
		return Window{}, fmt.Errorf("malformed window key %q", key)
	}
	d, err := time.ParseDuration(size)
	if err != nil {
		return Window{}, fmt.Errorf("window key %q: %w", key, err)
	}
	n, err := strconv.Atoi(buckets)
	if err != nil {
		return Window{}, fmt.Errorf("window key %q: %w", key, err)
	}
	w := Window{Size: d, Buckets: n}
	return w, w.Validate()
}

func (w Window) BucketWidth() time.Duration {
	if w.Buckets <= 0 {
		return w.Size
	}
	return w.Size / time.Duration(w.Buckets)
}

func (w Window) Validate() error {
	if w.Size <= 0 {
		return fmt.Errorf("window size must be positive, got %s", w.Size)
	}
	if w.Buckets <= 0 {
		return fmt.Errorf("window buckets must be positive, got %d", w.Buckets)
	}
	if w.Size%time.Duration(w.Buckets) != 0 {
		return fmt.Errorf("window size %s is not divisible into %d buckets", w.Size, w.Buckets)
	}
	return nil
}

// RuleParams — параметры правила; заполнены только поля, относящиеся к его виду.
type RuleParams struct {
	Counterparties []string `json:"counterparties,omitempty"` // адреса в нижнем регистре
	Assets         []string `json:"assets,omitempty"`         // тикеры в верхнем регистре
	Limit          Micros   `json:"limit_micros,omitempty"`
	Window         Window   `json:"window,omitempty"`
	MemoMaxLength  int      `json:"memo_max_length,omitempty"`
	MemoDisallowed string   `json:"memo_disallowed,omitempty"`
}

// PolicyRule — именованная проверка с областью действия и параметрами.
type PolicyRule struct {
	Name    string     `json:"name"`
	Scope   Scope      `json:"scope"`
	AgentID string     `json:"agent_id,omitempty"`
	Kind    RuleKind   `json:"kind"`
	Params  RuleParams `json:"params"`
}

// Less — детерминированный порядок правил: вид, затем org раньше agent, затем имя.
func (r PolicyRule) Less(other PolicyRule) bool {
	if r.Kind.Priority() != other.Kind.Priority() {
		return r.Kind.Priority() < other.Kind.Priority()
	}
	if r.Scope != other.Scope {
		return r.Scope == ScopeOrganization
	}
	return r.Name < other.Name
}
