package policy

import (
	"fmt"
	"slices"
	"sort"

	"github.com/xela07ax/commerce-gate/internal/domain"
)

// Rule — скомпилированное правило с индексом для быстрых проверок членства.
type Rule struct {
	domain.PolicyRule
	members map[string]struct{}
}

func (r Rule) allows(v string) bool {
	_, ok := r.members[v]
	return ok
}

// Snapshot — неизменяемая версия политики. Вычисление использует ровно один снимок.
type Snapshot struct {
	Version        int64
	Window         domain.Window
	FeeHeadroomBps int

	doc        Document
	recognized map[string]struct{}
	agents     map[string]domain.Agent
	rules      map[string][]Rule // agent_id -> правила в порядке вычисления
}

// Compile проверяет документ и строит снимок. Переопределения агента могут только ужесточать.
func Compile(doc Document) (*Snapshot, error) {
	org := doc.Organization
	window, err := org.Window.window()
	if err != nil {
		return nil, fmt.Errorf("%w: organization: %v", domain.ErrValidation, err)
	}
	orgLimit, err := domain.ParseUSDC(org.SpendLimitUSDC)
	if err != nil {
		return nil, fmt.Errorf("%w: organization spend_limit_usdc: %v", domain.ErrValidation, err)
	}
	if doc.FeeHeadroomBps < 0 || doc.FeeHeadroomBps > 10_000 {
		return nil, fmt.Errorf("%w: fee_headroom_bps must be within [0, 10000]", domain.ErrValidation)
	}

	recognized := normalizeAssets(doc.RecognizedAssets)
	if len(recognized) == 0 {
		recognized = DefaultRecognizedAssets
	}
	counterparties, err := normalizeAddresses(org.Counterparties)
	if err != nil {
		return nil, fmt.Errorf("%w: organization: %v", domain.ErrValidation, err)
	}
	assets := normalizeAssets(org.Assets)
	if len(assets) == 0 {
		assets = []string{domain.DefaultAsset}
	}
	for _, a := range assets {
		if !slices.Contains(recognized, a) {
			return nil, fmt.Errorf("%w: organization asset %s is not recognized", domain.ErrValidation, a)
		}
	}

	s := &Snapshot{
		Version:        doc.Version,
		Window:         window,
		FeeHeadroomBps: doc.FeeHeadroomBps,
		doc:            doc,
		recognized:     set(recognized),
		agents:         make(map[string]domain.Agent, len(doc.Agents)),
		rules:          make(map[string][]Rule, len(doc.Agents)),
	}

	orgRules := []domain.PolicyRule{
		{Name: "org.counterparties", Scope: domain.ScopeOrganization, Kind: domain.RuleCounterpartyAllowlist,
			Params: domain.RuleParams{Counterparties: counterparties}},
		{Name: "org.assets", Scope: domain.ScopeOrganization, Kind: domain.RuleAssetWhitelist,
			Params: domain.RuleParams{Assets: assets}},
		{Name: "org.spend_limit", Scope: domain.ScopeOrganization, Kind: domain.RuleSpendLimit,
			Params: domain.RuleParams{Limit: orgLimit, Window: window}},
	}
	if org.Memo.MaxLength > 0 || org.Memo.Disallowed != "" {
		orgRules = append(orgRules, domain.PolicyRule{Name: "org.memo", Scope: domain.ScopeOrganization,
			Kind: domain.RuleMemoConstraint, Params: domain.RuleParams{MemoMaxLength: org.Memo.MaxLength, MemoDisallowed: org.Memo.Disallowed}})
	}

	for _, ap := range doc.Agents {
		if ap.ID == "" {
			return nil, fmt.Errorf("%w: agent without id", domain.ErrValidation)
		}
		if _, dup := s.agents[ap.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate agent %s", domain.ErrValidation, ap.ID)
		}
		agent, agentRules, err := compileAgent(ap, orgLimit, window, counterparties, assets)
		if err != nil {
			return nil, fmt.Errorf("%w: agent %s: %v", domain.ErrValidation, ap.ID, err)
		}
		s.agents[ap.ID] = agent

		all := append(slices.Clone(orgRules), agentRules...)
		sort.SliceStable(all, func(i, j int) bool { return all[i].Less(all[j]) })
		compiled := make([]Rule, 0, len(all))
		for _, r := range all {
			compiled = append(compiled, compileRule(r))
		}
		s.rules[ap.ID] = compiled
	}
	return s, nil
}

func compileAgent(ap AgentPolicy, orgLimit domain.Micros, window domain.Window, orgCounterparties, orgAssets []string) (domain.Agent, []domain.PolicyRule, error) {
	agent := domain.Agent{ID: ap.ID, Role: ap.Role}
	var rules []domain.PolicyRule
	prefix := "agent." + ap.ID + "."

	if len(ap.Counterparties) > 0 {
		cps, err := normalizeAddresses(ap.Counterparties)
		if err != nil {
			return agent, nil, err
		}
		for _, c := range cps {
			if !slices.Contains(orgCounterparties, c) {
				return agent, nil, fmt.Errorf("counterparty %s is not in the organization allowlist", c)
			}
		}
		agent.Overrides.Counterparties = cps
		rules = append(rules, domain.PolicyRule{Name: prefix + "counterparties", Scope: domain.ScopeAgent, AgentID: ap.ID,
			Kind: domain.RuleCounterpartyAllowlist, Params: domain.RuleParams{Counterparties: cps}})
	}
	if len(ap.Assets) > 0 {
		assets := normalizeAssets(ap.Assets)
		for _, a := range assets {
			if !slices.Contains(orgAssets, a) {
				return agent, nil, fmt.Errorf("asset %s is not in the organization whitelist", a)
			}
		}
		agent.Overrides.Assets = assets
		rules = append(rules, domain.PolicyRule{Name: prefix + "assets", Scope: domain.ScopeAgent, AgentID: ap.ID,
			Kind: domain.RuleAssetWhitelist, Params: domain.RuleParams{Assets: assets}})
	}
	if ap.SpendLimitUSDC != nil {
		limit, err := domain.ParseUSDC(*ap.SpendLimitUSDC)
		if err != nil {
			return agent, nil, fmt.Errorf("spend_limit_usdc: %w", err)
		}
		if limit > orgLimit {
			return agent, nil, fmt.Errorf("spend limit %s is looser than the organization limit %s", limit, orgLimit)
		}
		agent.Overrides.SpendLimit = &limit
		rules = append(rules, domain.PolicyRule{Name: prefix + "spend_limit", Scope: domain.ScopeAgent, AgentID: ap.ID,
			Kind: domain.RuleSpendLimit, Params: domain.RuleParams{Limit: limit, Window: window}})
	}
	if ap.Memo.MaxLength > 0 || ap.Memo.Disallowed != "" {
		agent.Overrides.MemoMaxLength = ap.Memo.MaxLength
		agent.Overrides.MemoDisallowed = ap.Memo.Disallowed
		rules = append(rules, domain.PolicyRule{Name: prefix + "memo", Scope: domain.ScopeAgent, AgentID: ap.ID,
			Kind: domain.RuleMemoConstraint, Params: domain.RuleParams{MemoMaxLength: ap.Memo.MaxLength, MemoDisallowed: ap.Memo.Disallowed}})
	}
	return agent, rules, nil
}

func compileRule(r domain.PolicyRule) Rule {
	var members []string
	switch r.Kind {
	case domain.RuleCounterpartyAllowlist:
		members = r.Params.Counterparties
	case domain.RuleAssetWhitelist:
		members = r.Params.Assets
	}
	return Rule{PolicyRule: r, members: set(members)}
}

func set(values []string) map[string]struct{} {
	m := make(map[string]struct{}, len(values))
	for _, v := range values {
		m[v] = struct{}{}
	}
	return m
}

func (s *Snapshot) Agent(id string) (domain.Agent, bool) {
	a, ok := s.agents[id]
	return a, ok
}

// Agents — известные агенты, отсортированные по id.
func (s *Snapshot) Agents() []domain.Agent {
	out := make([]domain.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Rules возвращает правила агента в порядке вычисления.
func (s *Snapshot) Rules(agentID string) []Rule {
	return s.rules[agentID]
}

func (s *Snapshot) Recognized(asset string) bool {
	_, ok := s.recognized[asset]
	return ok
}

// EffectiveLimit — самый строгий лимит среди правил агента.
func (s *Snapshot) EffectiveLimit(agentID string) (domain.Micros, bool) {
	var limit domain.Micros
	found := false
	for _, r := range s.rules[agentID] {
		if r.Kind != domain.RuleSpendLimit {
			continue
		}
		if !found || r.Params.Limit < limit {
			limit = r.Params.Limit
			found = true
		}
	}
	return limit, found
}

// Document возвращает исходный документ снимка.
func (s *Snapshot) Document() Document {
	return s.doc
}
