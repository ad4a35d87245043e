package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xela07ax/commerce-gate/internal/policy"
)

// ErrNoPolicy — движок еще не получил ни одного снимка.
var ErrNoPolicy = errors.New("no active policy")

// PolicyHistory — опциональный источник истории версий.
type PolicyHistory interface {
	PolicyHistory(ctx context.Context, limit int) ([]policy.Version, error)
}

type PolicyService struct {
	store   *policy.Store
	history PolicyHistory
	logger  *zap.Logger
}

// NewPolicyService — history может быть nil.
func NewPolicyService(store *policy.Store, history PolicyHistory, logger *zap.Logger) *PolicyService {
	return &PolicyService{store: store, history: history, logger: logger.Named("policy-service")}
}

func (s *PolicyService) History(ctx context.Context, limit int) ([]policy.Version, error) {
	if s.history == nil {
		out := make([]policy.Version, 0, 1)
		if snap := s.store.Load(); snap != nil {
			out = append(out, policy.Version{Version: snap.Version})
		}
		return out, nil
	}
	return s.history.PolicyHistory(ctx, limit)
}

// Current возвращает документ активного снимка.
func (s *PolicyService) Current() (policy.Document, error) {
	snap := s.store.Load()
	if snap == nil {
		return policy.Document{}, ErrNoPolicy
	}
	return snap.Document(), nil
}

// Replace разбирает новый документ (YAML или JSON) и публикует его.
// Version=0 означает «следующая за активной».
func (s *PolicyService) Replace(ctx context.Context, raw []byte, operatorID string) (policy.Document, error) {
	doc, err := policy.Parse(raw)
	if err != nil {
		return policy.Document{}, err
	}
	if err := s.store.Update(ctx, doc); err != nil {
		return policy.Document{}, fmt.Errorf("publish policy: %w", err)
	}
	active := s.store.Load().Document()
	s.logger.Info("policy replaced", zap.Int64("version", active.Version), zap.String("operator_id", operatorID))
	return active, nil
}
