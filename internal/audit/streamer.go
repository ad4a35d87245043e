package audit

/*
Streamer — асинхронная трансляция журнала для дашбордов и внешних потребителей.

Синхронная запись в Store остается источником истины; Streamer получает уже
долговечные записи и отдает их пачками в Sink:
- Non-blocking: Observe не блокирует горячий путь, при переполнении буфера запись
  только в стрим теряется (в Store она уже есть).
- Batching: пачка уходит по таймеру или при достижении batchSize.
- Drain: Stop закрывает вход, воркер вычитывает канал и делает финальный flush.
*/

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Sink принимает пачку записей журнала.
type Sink interface {
	PublishBatch(ctx context.Context, records []Record) error
}

type StreamerConfig struct {
	Buffer        int
	BatchSize     int
	FlushInterval time.Duration
}

func (c *StreamerConfig) withDefaults() {
	if c.Buffer <= 0 {
		c.Buffer = 10000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 500 * time.Millisecond
	}
}

type Streamer struct {
	ch      chan Record
	sink    Sink
	cfg     StreamerConfig
	logger  *zap.Logger
	wg      sync.WaitGroup
	mu      sync.RWMutex // держит Observe против close(ch) в Stop
	closed  atomic.Bool
	dropped atomic.Int64
}

func NewStreamer(sink Sink, cfg StreamerConfig, logger *zap.Logger) *Streamer {
	cfg.withDefaults()
	return &Streamer{
		ch:     make(chan Record, cfg.Buffer),
		sink:   sink,
		cfg:    cfg,
		logger: logger.With(zap.String("mod", "audit-stream")),
	}
}

func (s *Streamer) Start() {
	s.wg.Add(1)
	go s.worker()
}

// Stop запирает вход и ждет, пока воркер допишет остатки.
func (s *Streamer) Stop() {
	s.mu.Lock()
	if s.closed.Swap(true) {
		s.mu.Unlock()
		return
	}
	s.logger.Info("stopping audit stream: closing channel and flushing buffer...")
	close(s.ch)
	s.mu.Unlock()
	s.wg.Wait()
	s.logger.Info("audit stream stopped gracefully")
}

// Observe реализует Observer.
func (s *Streamer) Observe(rec Record) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed.Load() {
		s.dropped.Add(1)
		s.logger.Warn("audit record not streamed: stream is stopping", zap.Int64("seq", rec.Seq))
		return
	}

	// Load shedding: Store уже содержит запись, теряется только копия в стриме
	select {
	case s.ch <- rec:
	default:
		s.dropped.Add(1)
		s.logger.Error("audit_stream_overflow",
			zap.Int64("seq", rec.Seq),
			zap.String("agent_id", rec.AgentID),
			zap.String("trace_id", rec.TraceID),
		)
	}
}

// Dropped — сколько записей не попало в стрим.
func (s *Streamer) Dropped() int64 { return s.dropped.Load() }

// Buffered — текущая глубина очереди (для метрик).
func (s *Streamer) Buffered() int { return len(s.ch) }

func (s *Streamer) worker() {
	defer s.wg.Done()

	batch := make([]Record, 0, s.cfg.BatchSize)
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: при остановке контекст сервиса уже отменен
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.sink.PublishBatch(ctx, batch); err != nil {
			s.logger.Error("audit stream flush failed", zap.Int("size", len(batch)), zap.Error(err))
		}
		cancel()
		batch = make([]Record, 0, s.cfg.BatchSize)
	}

	for {
		select {
		case rec, ok := <-s.ch:
			if !ok {
				flush()
				s.logger.Info("audit stream worker finished")
				return
			}
			batch = append(batch, rec)
			if len(batch) >= s.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// RedisSink публикует записи в канал Redis одним pipeline на пачку.
type RedisSink struct {
	rdb     redis.UniversalClient
	channel string
}

func NewRedisSink(rdb redis.UniversalClient, channel string) *RedisSink {
	return &RedisSink{rdb: rdb, channel: channel}
}

func (r *RedisSink) PublishBatch(ctx context.Context, records []Record) error {
	pipe := r.rdb.Pipeline()
	for _, rec := range records {
		payload, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal audit record %d: %w", rec.Seq, err)
		}
		pipe.Publish(ctx, r.channel, payload)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish audit batch to %s: %w", r.channel, err)
	}
	return nil
}
