package audit

import (
	"context"
	"sync"
	"time"
)

// Filter ограничивает выборку журнала. Пустой AgentID — все агенты, нулевые границы — без ограничения.
type Filter struct {
	AgentID string
	From    time.Time // включительно
	To      time.Time // исключительно
}

func (f Filter) Match(r Record) bool {
	if f.AgentID != "" && r.AgentID != f.AgentID {
		return false
	}
	if !f.From.IsZero() && r.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !r.Timestamp.Before(f.To) {
		return false
	}
	return true
}

// Store определяет, куда физически сохраняется журнал.
// Append должен быть синхронным и долговечным: после возврата nil запись переживает рестарт.
type Store interface {
	Append(ctx context.Context, rec Record) error
	// Page возвращает записи с Seq > afterSeq в порядке возрастания Seq.
	Page(ctx context.Context, f Filter, afterSeq int64, limit int) ([]Record, error)
	LatestTerminal(ctx context.Context, idempotencyKey string) (Record, bool, error)
	LastSeq(ctx context.Context) (int64, time.Time, error)
}

// MemoryStore — хранилище в памяти для тестов и локального запуска.
type MemoryStore struct {
	mu       sync.RWMutex
	records  []Record
	terminal map[string]int // idempotency key -> индекс последней терминальной записи
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{terminal: make(map[string]int)}
}

func (s *MemoryStore) Append(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	if rec.IdempotencyKey != "" && rec.Terminal() {
		s.terminal[rec.IdempotencyKey] = len(s.records) - 1
	}
	return nil
}

func (s *MemoryStore) Page(_ context.Context, f Filter, afterSeq int64, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, limit)
	for _, r := range s.records {
		if r.Seq <= afterSeq || !f.Match(r) {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) LatestTerminal(_ context.Context, key string) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.terminal[key]
	if !ok {
		return Record{}, false, nil
	}
	return s.records[idx], true, nil
}

func (s *MemoryStore) LastSeq(_ context.Context) (int64, time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.records) == 0 {
		return 0, time.Time{}, nil
	}
	last := s.records[len(s.records)-1]
	return last.Seq, last.Timestamp, nil
}

// Len — число записей (для тестов и метрик).
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
