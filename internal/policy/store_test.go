package policy

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/xela07ax/commerce-gate/internal/domain"
	"go.uber.org/zap"
)

type memRepo struct {
	mu  sync.Mutex
	doc *Document
}

func (r *memRepo) LoadPolicy(context.Context) (Document, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.doc == nil {
		return Document{}, false, nil
	}
	return *r.doc, true, nil
}

func (r *memRepo) SavePolicy(_ context.Context, doc Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.doc = &doc
	return nil
}

func TestCompileRejectsLooserOverrides(t *testing.T) {
	loose := 900.0
	cases := map[string]func(*Document){
		"looser limit": func(d *Document) { d.Agents[0].SpendLimitUSDC = &loose },
		"foreign counterparty": func(d *Document) {
			d.Agents[0].Counterparties = []string{"0x3333333333333333333333333333333333333333"}
		},
		"foreign asset":   func(d *Document) { d.Agents[0].Assets = []string{"DAI"} },
		"bad window":      func(d *Document) { d.Organization.Window.Buckets = 7 },
		"duplicate agent": func(d *Document) { d.Agents = append(d.Agents, d.Agents[0]) },
		"bad address":     func(d *Document) { d.Organization.Counterparties = []string{"nope"} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			doc := mustLoad(t)
			mutate(&doc)
			if _, err := Compile(doc); !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("version: 1\norganisation:\n  spend_limit_usdc: 5\n"))
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for unknown field, got %v", err)
	}
}

func TestStoreBootstrapAndUpdate(t *testing.T) {
	repo := &memRepo{}
	s := NewStore(zap.NewNop(), WithRepository(repo))
	ctx := context.Background()
	seed := mustLoad(t)

	if err := s.Bootstrap(ctx, &seed); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	before := s.Load()
	if before.Version != 1 {
		t.Fatalf("expected version 1, got %d", before.Version)
	}

	next := mustLoad(t)
	next.Version = 0
	next.Organization.SpendLimitUSDC = 250
	if err := s.Update(ctx, next); err != nil {
		t.Fatalf("update: %v", err)
	}
	after := s.Load()
	if after.Version != 2 {
		t.Fatalf("expected version 2, got %d", after.Version)
	}
	if limit, _ := after.EffectiveLimit("agent-001"); limit != domain.MustUSDC(250) {
		t.Fatalf("expected new limit, got %s", limit)
	}
	// ранее выданный снимок не меняется
	if limit, _ := before.EffectiveLimit("agent-001"); limit != domain.MustUSDC(500) {
		t.Fatalf("old snapshot mutated: %s", limit)
	}

	stale := mustLoad(t)
	stale.Version = 2
	if err := s.Update(ctx, stale); !errors.Is(err, ErrStaleVersion) {
		t.Fatalf("expected stale version error, got %v", err)
	}

	restarted := NewStore(zap.NewNop(), WithRepository(repo))
	if err := restarted.Bootstrap(ctx, nil); err != nil {
		t.Fatalf("bootstrap from repository: %v", err)
	}
	if restarted.Load().Version != 2 {
		t.Fatalf("expected persisted version 2, got %d", restarted.Load().Version)
	}
}
