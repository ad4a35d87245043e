package domain

// Status — итог решения, который видит вызывающий агент
type Status string

const (
	StatusApproved Status = "approved"
	StatusBlocked  Status = "blocked"
)

// Reason — машиночитаемая причина блокировки.
type Reason string

const (
	ReasonNone                   Reason = ""
	ReasonInvalidInput           Reason = "invalid_input"
	ReasonCounterpartyNotAllowed Reason = "counterparty_not_allowed"
	ReasonAssetNotAllowed        Reason = "asset_not_allowed"
	ReasonLimitExceeded          Reason = "limit_exceeded"
	ReasonMemoInvalid            Reason = "memo_invalid"

	// Причины уровня допуска (kill-switch CFO и остановка агента после нарушения инварианта)
	ReasonPaused            Reason = "paused"
	ReasonAgentHalted       Reason = "agent_halted"
	ReasonPolicyUnavailable Reason = "policy_unavailable"
	ReasonLedgerFault       Reason = "ledger_unavailable"
	ReasonAuditFault        Reason = "audit_unavailable"
	ReasonQueueTimeout      Reason = "submission_queue_timeout"

	// Причины уровня исполнения
	ReasonSettlementRejected    Reason = "settlement_rejected"
	ReasonRetriesExhausted      Reason = "settlement_retries_exhausted"
	ReasonDeadlineExceeded      Reason = "settlement_deadline_exceeded"
	ReasonSettlementUnavailable Reason = "settlement_unavailable"
	ReasonInvariantViolation    Reason = "invariant_violation"
)

// RuleOutcome — результат одной проверки в порядке вычисления.
type RuleOutcome struct {
	Rule        string          `json:"rule"`
	Passed      bool            `json:"passed"`
	Reason      Reason          `json:"reason,omitempty"`
	Detail      string          `json:"detail,omitempty"`
	Diagnostics *SpendDiagnosis `json:"diagnostics,omitempty"`
}

// SpendDiagnosis объясняет отказ по лимиту: сколько уже потрачено и зарезервировано.
type SpendDiagnosis struct {
	Total     Micros `json:"total_micros"`
	Requested Micros `json:"requested_micros"`
	Limit     Micros `json:"limit_micros"`
}

// Decision неизменяем после создания; для изменений используйте методы-конструкторы.
type Decision struct {
	Status  Status        `json:"status"`
	Reason  Reason        `json:"reason,omitempty"`
	Reasons []RuleOutcome `json:"reasons,omitempty"`
	TxHash  string        `json:"tx_hash,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// Approved собирает положительное решение.
func Approved(reasons []RuleOutcome) Decision {
	return Decision{Status: StatusApproved, Reasons: cloneOutcomes(reasons)}
}

// Blocked собирает отказ. Error дублирует причину, чтобы вызывающий получал машиночитаемый код.
func Blocked(reason Reason, reasons []RuleOutcome) Decision {
	return Decision{Status: StatusBlocked, Reason: reason, Reasons: cloneOutcomes(reasons), Error: string(reason)}
}

// WithTxHash возвращает копию решения с хэшем транзакции.
func (d Decision) WithTxHash(hash string) Decision {
	d.Reasons = cloneOutcomes(d.Reasons)
	d.TxHash = hash
	return d
}

// FirstFailure — первая непройденная проверка, если она есть.
func (d Decision) FirstFailure() (RuleOutcome, bool) {
	for _, r := range d.Reasons {
		if !r.Passed {
			return r, true
		}
	}
	return RuleOutcome{}, false
}

func cloneOutcomes(in []RuleOutcome) []RuleOutcome {
	if len(in) == 0 {
		return nil
	}
	out := make([]RuleOutcome, len(in))
	copy(out, in)
	return out
}
