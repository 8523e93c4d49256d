package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/3mmanu3lmois3s/aws-contract-analyzer/config"
	"github.com/3mmanu3lmois3s/aws-contract-analyzer/model"
)

// PendingStore holds at most one pending submission.
//
// Put overwrites any existing entry atomically, Get has no side effects and
// returns nil when the slot is empty, Clear is idempotent. Stat is Get
// without reading the payload. Failures are reported wrapped in
// model.ErrStoreUnavailable and are never retried here.
type PendingStore interface {
	Put(ctx context.Context, sub *model.PendingSubmission) error
	Get(ctx context.Context) (*model.PendingSubmission, error)
	Stat(ctx context.Context) (*model.PendingMetadata, error)
	Clear(ctx context.Context) error
	Close() error
}

// NewStore opens the backend named in cfg.
func NewStore(ctx context.Context, cfg *config.StoreConfig) (PendingStore, error) {
	switch cfg.Backend {
	case config.BackendSQLite, "":
		return NewSQLiteStore(cfg.DBPath, cfg.Compress)
	case config.BackendMinio:
		s, err := NewMinioStore(&cfg.Minio)
		if err != nil {
			return nil, err
		}
		if err := s.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return s, nil
	case config.BackendMemory:
		slog.Warn("memory pending store selected, submissions will not survive a restart")
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", model.ErrStoreUnavailable, cfg.Backend)
	}
}

// MemoryStore keeps the pending submission in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	slot *model.PendingSubmission
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Put(_ context.Context, sub *model.PendingSubmission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slot = sub.Clone()
	s.slot.ID = model.PendingID
	return nil
}

func (s *MemoryStore) Get(context.Context) (*model.PendingSubmission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.slot.Clone(), nil
}

func (s *MemoryStore) Stat(context.Context) (*model.PendingMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.slot.Metadata(), nil
}

func (s *MemoryStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slot = nil
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
