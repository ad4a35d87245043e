package domain

// Role — роль агента в организации (влияет только на аудит и отчеты).
type Role string

const (
	RoleCommerce Role = "commerce"
	RoleContent  Role = "content"
	RoleTrend    Role = "trend"
)

// Agent создается при онбординге. Идентичность неизменна, переопределения политики меняются.
type Agent struct {
	ID        string         `json:"id"`
	Role      Role           `json:"role"`
	Overrides AgentOverrides `json:"overrides"`
}

// AgentOverrides могут только ужесточать политику организации.
type AgentOverrides struct {
	SpendLimit     *Micros  `json:"spend_limit_micros,omitempty"`
	Counterparties []string `json:"counterparties,omitempty"`
	Assets         []string `json:"assets,omitempty"`
	MemoMaxLength  int      `json:"memo_max_length,omitempty"`
	MemoDisallowed string   `json:"memo_disallowed,omitempty"`
}
