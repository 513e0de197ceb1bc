// Package sagalog saga 日志存储
package sagalog

import (
	"context"
	"errors"
	"time"

	"github.com/sagaflow/platform/internal/saga"
)

var (
	ErrNotFound      = errors.New("saga not found")
	ErrAlreadyExists = errors.New("saga already exists")
	ErrLeaseLost     = errors.New("lease not held")
	ErrLeaseHeld     = errors.New("lease held by another coordinator")
)

// Store persists saga instances. Every mutation is a single-row atomic
// replace keyed by saga id with read-after-write on that key. The store
// does not arbitrate concurrent writers beyond the lease columns; the
// coordinator's leasing keeps writers exclusive.
type Store interface {
	// Create inserts a new instance. ErrAlreadyExists on duplicate
	// saga id or submit key.
	Create(ctx context.Context, in *saga.Instance) error

	// Get returns the instance or ErrNotFound.
	Get(ctx context.Context, sagaID string) (*saga.Instance, error)

	// GetBySubmitKey resolves a client idempotency key to the existing
	// instance, or ErrNotFound.
	GetBySubmitKey(ctx context.Context, key string) (*saga.Instance, error)

	// Update atomically replaces the row and refreshes the lease.
	// ErrLeaseLost when in.OwnerID no longer owns the row.
	Update(ctx context.Context, in *saga.Instance) error

	// Claim takes the lease for ownerID when it is free, expired, or
	// already ours, and returns the claimed instance. ErrLeaseHeld when
	// another coordinator holds an unexpired lease.
	Claim(ctx context.Context, sagaID, ownerID string, ttl time.Duration) (*saga.Instance, error)

	// ListNonTerminal returns every saga still in flight, for the
	// recovery scan.
	ListNonTerminal(ctx context.Context) ([]*saga.Instance, error)
}
