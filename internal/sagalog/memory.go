package sagalog

import (
	"context"
	"sync"
	"time"

	"github.com/sagaflow/platform/internal/saga"
)

// MemoryStore is an in-process Store for tests and single-node runs.
type MemoryStore struct {
	mu        sync.Mutex
	instances map[string]*saga.Instance
	submitIdx map[string]string // submit key -> saga id
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[string]*saga.Instance),
		submitIdx: make(map[string]string),
	}
}

func (s *MemoryStore) Create(ctx context.Context, in *saga.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[in.SagaID]; exists {
		return ErrAlreadyExists
	}
	if in.SubmitKey != "" {
		if _, exists := s.submitIdx[in.SubmitKey]; exists {
			return ErrAlreadyExists
		}
		s.submitIdx[in.SubmitKey] = in.SagaID
	}
	s.instances[in.SagaID] = in.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, sagaID string) (*saga.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	in, ok := s.instances[sagaID]
	if !ok {
		return nil, ErrNotFound
	}
	return in.Clone(), nil
}

func (s *MemoryStore) GetBySubmitKey(ctx context.Context, key string) (*saga.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sagaID, ok := s.submitIdx[key]
	if !ok {
		return nil, ErrNotFound
	}
	in, ok := s.instances[sagaID]
	if !ok {
		return nil, ErrNotFound
	}
	return in.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, in *saga.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.instances[in.SagaID]
	if !ok {
		return ErrNotFound
	}
	if cur.OwnerID != "" && cur.OwnerID != in.OwnerID {
		return ErrLeaseLost
	}
	s.instances[in.SagaID] = in.Clone()
	return nil
}

func (s *MemoryStore) Claim(ctx context.Context, sagaID, ownerID string, ttl time.Duration) (*saga.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	in, ok := s.instances[sagaID]
	if !ok {
		return nil, ErrNotFound
	}

	now := time.Now().UTC()
	if in.OwnerID != "" && in.OwnerID != ownerID && now.Before(in.LeaseExpiry) {
		return nil, ErrLeaseHeld
	}

	in.OwnerID = ownerID
	in.LeaseExpiry = now.Add(ttl)
	in.UpdatedAt = now
	return in.Clone(), nil
}

func (s *MemoryStore) ListNonTerminal(ctx context.Context) ([]*saga.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*saga.Instance
	for _, in := range s.instances {
		if !in.Status.Terminal() {
			out = append(out, in.Clone())
		}
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
