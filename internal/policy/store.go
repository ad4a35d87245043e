package policy

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/commerce-gate/internal/domain"
	"go.uber.org/zap"
)

// Repository — долговечное хранилище документа политики.
type Repository interface {
	// LoadPolicy возвращает последнюю версию; ok=false, если политика еще не сохранялась.
	LoadPolicy(ctx context.Context) (doc Document, ok bool, err error)
	SavePolicy(ctx context.Context, doc Document) error
}

// Version — запись истории документов.
type Version struct {
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// ErrStaleVersion — попытка записать версию не новее текущей.
var ErrStaleVersion = errors.New("policy version is not newer than the active one")

// Store держит текущий снимок политики. Горячий путь читает только память:
// Load — один атомарный load указателя, снимок после публикации не меняется.
type Store struct {
	current atomic.Pointer[Snapshot]
	writeMu sync.Mutex // сериализует Update/Refresh

	repo    Repository
	rdb     redis.UniversalClient
	channel string
	logger  *zap.Logger
}

type StoreOption func(*Store)

// WithRepository подключает персистентность (Postgres/SQLite).
func WithRepository(repo Repository) StoreOption {
	return func(s *Store) { s.repo = repo }
}

// WithBroadcast включает рассылку и прием сигналов обновления политики через Redis.
func WithBroadcast(rdb redis.UniversalClient, channel string) StoreOption {
	return func(s *Store) {
		s.rdb = rdb
		s.channel = channel
	}
}

func NewStore(logger *zap.Logger, opts ...StoreOption) *Store {
	s := &Store{logger: logger.Named("policy")}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewStaticStore — хранилище с заранее скомпилированным снимком (тесты, локальный запуск).
func NewStaticStore(snap *Snapshot, logger *zap.Logger) *Store {
	s := NewStore(logger)
	s.current.Store(snap)
	return s
}

// Load возвращает текущий снимок или nil, если политика не загружена.
func (s *Store) Load() *Snapshot {
	return s.current.Load()
}

// Bootstrap поднимает политику при старте: из репозитория, а если там пусто — из seed-документа.
func (s *Store) Bootstrap(ctx context.Context, seed *Document) error {
	if s.repo != nil {
		doc, ok, err := s.repo.LoadPolicy(ctx)
		if err != nil {
			return fmt.Errorf("load policy: %w", err)
		}
		if ok {
			return s.install(doc)
		}
	}
	if seed == nil {
		return errors.New("policy: no stored document and no seed provided")
	}
	return s.Update(ctx, *seed)
}

// Update компилирует, сохраняет и атомарно публикует новую версию.
// Нулевая версия в документе означает «следующая после текущей».
func (s *Store) Update(ctx context.Context, doc Document) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur := s.current.Load()
	if cur != nil {
		if doc.Version == 0 {
			doc.Version = cur.Version + 1
		} else if doc.Version <= cur.Version {
			return fmt.Errorf("%w: %d <= %d", ErrStaleVersion, doc.Version, cur.Version)
		}
	} else if doc.Version == 0 {
		doc.Version = 1
	}

	snap, err := Compile(doc)
	if err != nil {
		return err
	}
	if s.repo != nil {
		if err := s.repo.SavePolicy(ctx, doc); err != nil {
			return fmt.Errorf("%w: save policy: %v", domain.ErrStorageFault, err)
		}
	}
	s.current.Store(snap)
	s.logger.Info("policy updated", zap.Int64("version", snap.Version), zap.Int("agents", len(snap.agents)))

	if s.rdb != nil {
		if err := s.rdb.Publish(ctx, s.channel, strconv.FormatInt(snap.Version, 10)).Err(); err != nil {
			s.logger.Warn("policy update broadcast failed", zap.Error(err))
		}
	}
	return nil
}

// Refresh перечитывает документ из репозитория («холодная загрузка» по сигналу другой реплики).
func (s *Store) Refresh(ctx context.Context) error {
	if s.repo == nil {
		return nil
	}
	doc, ok, err := s.repo.LoadPolicy(ctx)
	if err != nil {
		return fmt.Errorf("refresh policy: %w", err)
	}
	if !ok {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if cur := s.current.Load(); cur != nil && doc.Version <= cur.Version {
		return nil
	}
	return s.install(doc)
}

func (s *Store) install(doc Document) error {
	snap, err := Compile(doc)
	if err != nil {
		return fmt.Errorf("compile stored policy v%d: %w", doc.Version, err)
	}
	s.current.Store(snap)
	s.logger.Info("policy cache refreshed", zap.Int64("version", snap.Version), zap.Int("agents", len(snap.agents)))
	return nil
}

// StartListener подписывается на сигналы обновления и перечитывает политику.
func (s *Store) StartListener(ctx context.Context) {
	if s.rdb == nil {
		return
	}
	pubsub := s.rdb.Subscribe(ctx, s.channel)
	defer pubsub.Close()
	ch := pubsub.Channel()
	s.logger.Info("policy update listener started", zap.String("channel", s.channel))

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				s.logger.Warn("policy update channel closed")
				return
			}
			version, _ := strconv.ParseInt(msg.Payload, 10, 64)
			if cur := s.current.Load(); cur != nil && version <= cur.Version {
				continue
			}
			if err := s.Refresh(ctx); err != nil {
				s.logger.Error("policy refresh failed", zap.Int64("signalled_version", version), zap.Error(err))
			}
		case <-ctx.Done():
			s.logger.Info("policy update listener stopping by context...")
			return
		}
	}
}
