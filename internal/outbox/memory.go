package outbox

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepository is an in-process outbox for tests and single-node
// participant runs.
type MemoryRepository struct {
	mu   sync.Mutex
	rows map[string]*Row
}

// NewMemoryRepository 创建内存发件箱
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{rows: make(map[string]*Row)}
}

// Insert appends a pending row.
func (r *MemoryRepository) Insert(ctx context.Context, row *Row) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *row
	cp.Status = StatusPending
	r.rows[cp.EventID] = &cp
	return nil
}

func (r *MemoryRepository) FetchPending(ctx context.Context, limit int) ([]*Row, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Row
	for _, row := range r.rows {
		if row.Status == StatusPending {
			cp := *row
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].EventID < out[j].EventID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) CountPending(ctx context.Context) (map[string]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := make(map[string]int)
	for _, row := range r.rows {
		if row.Status == StatusPending {
			counts[row.AggregateType]++
		}
	}
	return counts, nil
}

func (r *MemoryRepository) MarkDelivered(ctx context.Context, eventID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	row, ok := r.rows[eventID]
	if !ok || row.Status != StatusPending {
		return nil
	}
	now := time.Now().UTC()
	row.Status = StatusDelivered
	row.DeliveredAt = &now
	return nil
}

func (r *MemoryRepository) MarkFailed(ctx context.Context, eventID string, dead bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	row, ok := r.rows[eventID]
	if !ok || row.Status != StatusPending {
		return nil
	}
	row.AttemptCount++
	if dead {
		row.Status = StatusDead
	}
	return nil
}

// Get returns a copy of the row, for assertions.
func (r *MemoryRepository) Get(eventID string) (*Row, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	row, ok := r.rows[eventID]
	if !ok {
		return nil, false
	}
	cp := *row
	return &cp, true
}

var _ Repository = (*MemoryRepository)(nil)
