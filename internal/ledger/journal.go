package ledger

import (
	"context"
	"fmt"

	"github.com/xela07ax/commerce-gate/internal/domain"
	"go.uber.org/zap"
)

// Journal — долговечное хранилище реестра. Вызывается под мьютексом счета,
// поэтому порядок записей в журнале совпадает с порядком изменений в памяти.
type Journal interface {
	SaveReservation(ctx context.Context, res Reservation) error
	// CommitReservation удаляет резерв и добавляет entry.Amount к корзине одной транзакцией.
	CommitReservation(ctx context.Context, res Reservation, entry Entry) error
	DeleteReservation(ctx context.Context, res Reservation) error
}

// State — содержимое журнала для восстановления после рестарта.
type State struct {
	Entries      []Entry
	Reservations []Reservation
}

// Loader читает состояние журнала.
type Loader interface {
	LoadLedger(ctx context.Context) (State, error)
}

type nopJournal struct{}

func (nopJournal) SaveReservation(context.Context, Reservation) error { return nil }
func (nopJournal) CommitReservation(context.Context, Reservation, Entry) error { return nil }
func (nopJournal) DeleteReservation(context.Context, Reservation) error { return nil }

// Restore поднимает корзины и открытые резервы из журнала.
// Истекшие корзины пропускаются; открытые резервы остаются открытыми до сверки.
func (l *Ledger) Restore(ctx context.Context, loader Loader) error {
	st, err := loader.LoadLedger(ctx)
	if err != nil {
		return fmt.Errorf("ledger: load journal: %w", err)
	}
	now := l.now().UTC()
	var skipped int
	for _, e := range st.Entries {
		w, err := domain.ParseWindowKey(e.WindowKey)
		if err != nil {
			return fmt.Errorf("ledger: restore entry for %s: %w", e.AgentID, err)
		}
		acc := l.account(e.AgentID, w)
		acc.mu.Lock()
		if !acc.ring.load(e.BucketStart.UTC(), e.Amount, now) {
			skipped++
		}
		acc.mu.Unlock()
	}
	for _, res := range st.Reservations {
		acc := l.account(res.AgentID, res.Window)
		acc.mu.Lock()
		if _, dup := acc.open[res.ID]; !dup {
			acc.open[res.ID] = res
			if res.IdempotencyKey != "" {
				acc.byKey[res.IdempotencyKey] = res.ID
			}
			acc.reserved += res.Amount
		}
		acc.mu.Unlock()
	}
	l.logger.Info("ledger restored",
		zap.Int("entries", len(st.Entries)-skipped),
		zap.Int("expired_entries", skipped),
		zap.Int("open_reservations", len(st.Reservations)))
	return nil
}
