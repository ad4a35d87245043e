package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/commerce-gate/internal/audit"
	"github.com/xela07ax/commerce-gate/internal/domain"
	"github.com/xela07ax/commerce-gate/internal/ledger"
)

// Report — итог одного прохода сверки.
type Report struct {
	Committed  int `json:"committed"`
	Released   int `json:"released"`
	Unresolved int `json:"unresolved"`
}

// Reconcile закрывает резервы, оставшиеся открытыми после рестарта или сбоя хранилища.
// Резервы живых вызовов Submit пропускаются; резерв моложе QueueTimeout+SubmitDeadline
// тоже не трогается, какой бы исход ни нашелся.
func (o *Orchestrator) Reconcile(ctx context.Context) (Report, error) {
	var rep Report
	grace := o.cfg.QueueTimeout + o.cfg.SubmitDeadline
	for _, res := range o.ledger.OpenReservations() {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if o.owned(res.ID) {
			continue
		}
		log := o.logger.With(zap.String("reservation_id", res.ID), zap.String("agent_id", res.AgentID))
		if o.now().Sub(res.CreatedAt) < grace {
			rep.Unresolved++
			continue
		}

		rec, ok, err := o.audit.Terminal(ctx, res.IdempotencyKey)
		if err != nil {
			log.Warn("reconcile: audit lookup failed", zap.Error(err))
			rep.Unresolved++
			continue
		}
		if ok && rec.ReservationID != "" && rec.ReservationID != res.ID {
			// исход принадлежит другому резерву того же ключа; этот лишний
			if err := o.ledger.Release(ctx, res); err != nil {
				log.Warn("reconcile: duplicate hold release failed", zap.Error(err))
				rep.Unresolved++
				continue
			}
			o.metrics.ReservationTerminated("released")
			log.Info("reconcile: duplicate hold released", zap.String("settled_reservation_id", rec.ReservationID))
			rep.Released++
			continue
		}
		if ok {
			if o.apply(ctx, rec, res) != nil {
				rep.Unresolved++
				continue
			}
			rep.count(rec.State)
			continue
		}

		receipt, found, err := o.client.Lookup(ctx, res.IdempotencyKey)
		switch {
		case err != nil:
			log.Warn("reconcile: settlement lookup failed, reservation stays held", zap.Error(err))
			rep.Unresolved++
		case found:
			decision := domain.Approved(nil).WithTxHash(receipt.TxHash)
			if o.resolve(ctx, res, domain.StateCommitted, decision, receipt.SettledAmount) != nil {
				rep.Unresolved++
				continue
			}
			log.Info("reconcile: settlement found, reservation committed", zap.String("tx_hash", receipt.TxHash))
			rep.Committed++
		default:
			decision := domain.Blocked(domain.ReasonDeadlineExceeded, nil)
			if o.resolve(ctx, res, domain.StateReleased, decision, 0) != nil {
				rep.Unresolved++
				continue
			}
			log.Info("reconcile: no settlement by deadline, reservation released")
			rep.Released++
		}
	}
	if rep != (Report{}) {
		o.logger.Info("reconcile pass finished",
			zap.Int("committed", rep.Committed),
			zap.Int("released", rep.Released),
			zap.Int("unresolved", rep.Unresolved))
	}
	return rep, nil
}

func (r *Report) count(s domain.State) {
	if s == domain.StateCommitted {
		r.Committed++
		return
	}
	r.Released++
}

// resolve пишет исход сверки в аудит и применяет его к резерву.
func (o *Orchestrator) resolve(ctx context.Context, res ledger.Reservation, state domain.State, d domain.Decision, settled domain.Micros) error {
	outcome := audit.OutcomeReleased
	if state == domain.StateCommitted {
		outcome = audit.OutcomeCommitted
	}
	rec, err := o.audit.Record(ctx, audit.Record{
		TraceID:        domain.TraceID(ctx),
		AgentID:        res.AgentID,
		IdempotencyKey: res.IdempotencyKey,
		ReservationID:  res.ID,
		Phase:          audit.PhaseReconcile,
		State:          state,
		Action:         domain.Action{AgentID: res.AgentID},
		Decision:       d,
		FinalOutcome:   outcome,
		SettledAmount:  settled,
	})
	if err != nil {
		return err
	}
	return o.apply(ctx, rec, res)
}

// RunReconciler повторяет сверку с интервалом, пока не отменен ctx.
func (o *Orchestrator) RunReconciler(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		if _, err := o.Reconcile(ctx); err != nil && ctx.Err() == nil {
			o.logger.Warn("reconcile pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
