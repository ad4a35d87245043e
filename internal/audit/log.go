package audit

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/commerce-gate/internal/domain"
	"go.uber.org/zap"
)

// Observer получает копию каждой записи после того, как она стала долговечной.
// Наблюдатели не должны блокировать: Record вызывает их синхронно.
type Observer interface {
	Observe(rec Record)
}

// Log — журнал только на дозапись. Решение пишется до начала внешних эффектов,
// исход — после; запись завершается до того, как результат отдается вызывающему.
type Log struct {
	mu        sync.Mutex
	store     Store
	seq       int64
	last      time.Time
	now       func() time.Time
	observers []Observer
	onFatal   func(error)
	pageSize  int
	logger    *zap.Logger
}

type Option func(*Log)

// WithClock подменяет источник времени (тесты).
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// WithObserver подключает асинхронных потребителей журнала (например Streamer).
func WithObserver(o Observer) Option {
	return func(l *Log) {
		if o != nil {
			l.observers = append(l.observers, o)
		}
	}
}

// WithFatalHandler задает реакцию на невосстановимый отказ хранилища.
// В main это logger.Fatal; по умолчанию ошибка только логируется и возвращается.
func WithFatalHandler(fn func(error)) Option {
	return func(l *Log) { l.onFatal = fn }
}

// WithPageSize задает размер страницы ленивого чтения Query.
func WithPageSize(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.pageSize = n
		}
	}
}

// NewLog поднимает журнал поверх хранилища и продолжает нумерацию с последней записи.
func NewLog(ctx context.Context, store Store, logger *zap.Logger, opts ...Option) (*Log, error) {
	l := &Log{
		store:    store,
		now:      time.Now,
		pageSize: 200,
		logger:   logger.Named("audit"),
	}
	for _, opt := range opts {
		opt(l)
	}
	seq, last, err := store.LastSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: read last sequence: %w", err)
	}
	l.seq = seq
	l.last = last
	return l, nil
}

// Record дописывает запись. Ошибка означает отказ хранилища и фатальна для вызывающего.
func (l *Log) Record(ctx context.Context, rec Record) (Record, error) {
	l.mu.Lock()
	// Seq выдается под замком вместе с записью: порядок в хранилище совпадает с порядком Seq,
	// и курсор Query не может перескочить еще не записанную строку.
	ts := l.now().UTC()
	if ts.Before(l.last) {
		ts = l.last
	}
	rec.Seq = l.seq + 1
	rec.Timestamp = ts
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if err := l.store.Append(ctx, rec); err != nil {
		l.mu.Unlock()
		fault := fmt.Errorf("%w: audit append seq=%d: %v", domain.ErrStorageFault, rec.Seq, err)
		l.logger.Error("audit append failed",
			zap.Int64("seq", rec.Seq),
			zap.String("agent_id", rec.AgentID),
			zap.String("phase", string(rec.Phase)),
			zap.Error(err))
		if l.onFatal != nil {
			l.onFatal(fault)
		}
		return Record{}, fault
	}
	l.seq = rec.Seq
	l.last = ts
	l.mu.Unlock()

	for _, o := range l.observers {
		o.Observe(rec)
	}
	return rec, nil
}

// Query лениво читает записи агента за интервал [from, to) по возрастанию времени.
// Последовательность перезапускаемая: повторный range начинает чтение заново.
func (l *Log) Query(ctx context.Context, agentID string, from, to time.Time) iter.Seq2[Record, error] {
	f := Filter{AgentID: agentID, From: from, To: to}
	return l.QueryFrom(ctx, f, 0)
}

// QueryFrom продолжает чтение после заданного Seq (курсор для постраничных API).
func (l *Log) QueryFrom(ctx context.Context, f Filter, afterSeq int64) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		cursor := afterSeq
		for {
			if err := ctx.Err(); err != nil {
				yield(Record{}, err)
				return
			}
			page, err := l.store.Page(ctx, f, cursor, l.pageSize)
			if err != nil {
				yield(Record{}, fmt.Errorf("audit: read page after seq %d: %w", cursor, err))
				return
			}
			for _, rec := range page {
				if !yield(rec, nil) {
					return
				}
				cursor = rec.Seq
			}
			if len(page) < l.pageSize {
				return
			}
		}
	}
}

// Terminal возвращает последний терминальный исход по ключу идемпотентности.
func (l *Log) Terminal(ctx context.Context, idempotencyKey string) (Record, bool, error) {
	rec, ok, err := l.store.LatestTerminal(ctx, idempotencyKey)
	if err != nil {
		return Record{}, false, fmt.Errorf("audit: terminal lookup: %w", err)
	}
	return rec, ok, nil
}
