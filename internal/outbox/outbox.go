// Package outbox 事务性发件箱
//
// A participant inserts an outbox row in the same local transaction as
// the business mutation it describes. The relay later publishes the row
// to the event bus and marks it delivered, giving at-least-once delivery
// with per-aggregate ordering.
package outbox

import (
	"context"
	"time"
)

// Status 发件箱行状态
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusDelivered Status = "DELIVERED"
	StatusDead      Status = "DEAD"
)

// Row 发件箱行
type Row struct {
	EventID       string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	CreatedAt     time.Time
	DeliveredAt   *time.Time
	AttemptCount  int
	Status        Status
}

// Repository is what the relay needs from outbox storage. Rows come back
// in (created_at, event_id) order so per-aggregate FIFO holds.
type Repository interface {
	FetchPending(ctx context.Context, limit int) ([]*Row, error)
	// CountPending reports the pending backlog per aggregate type. It is
	// not capped by the fetch batch size.
	CountPending(ctx context.Context) (map[string]int, error)
	MarkDelivered(ctx context.Context, eventID string) error
	// MarkFailed increments the attempt count; dead retires the row for
	// operator triage.
	MarkFailed(ctx context.Context, eventID string, dead bool) error
}
