package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/sagaflow/platform/internal/metrics"
	"github.com/sagaflow/platform/pkg/bus"
	"github.com/sagaflow/platform/pkg/logger"
)

// Publisher 事件发布端，bus.StreamClient 实现
type Publisher interface {
	Publish(ctx context.Context, ev *bus.Event) (string, error)
}

// RelayOptions 中继选项
type RelayOptions struct {
	PollInterval time.Duration
	BatchSize    int
	DeadAttempts int
}

// DefaultRelayOptions 默认选项
var DefaultRelayOptions = RelayOptions{
	PollInterval: time.Second,
	BatchSize:    100,
	DeadAttempts: 50,
}

// Relay drains pending outbox rows to the event bus. Within one
// aggregate id rows publish serially in created order; distinct
// aggregates publish in parallel.
type Relay struct {
	repo      Repository
	publisher Publisher
	opts      RelayOptions
	log       *logger.Logger
	metrics   *metrics.Metrics

	// gauged remembers which aggregate types have a pending gauge, so a
	// fully drained type is reset to zero instead of holding its last
	// value. Ticks run serially; no lock needed.
	gauged map[string]struct{}
}

// NewRelay 创建中继
func NewRelay(repo Repository, publisher Publisher, opts *RelayOptions, log *logger.Logger, m *metrics.Metrics) *Relay {
	if opts == nil {
		opts = &DefaultRelayOptions
	}
	o := *opts
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultRelayOptions.PollInterval
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultRelayOptions.BatchSize
	}
	if o.DeadAttempts <= 0 {
		o.DeadAttempts = DefaultRelayOptions.DeadAttempts
	}
	return &Relay{
		repo:      repo,
		publisher: publisher,
		opts:      o,
		log:       log,
		metrics:   m,
		gauged:    make(map[string]struct{}),
	}
}

// Run polls until ctx is canceled. A slow tick simply delays the next
// one; nothing queues in memory, the table is the queue.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Tick(ctx); err != nil && ctx.Err() == nil {
				r.log.WithError(err).Error("relay tick")
			}
		}
	}
}

// Tick drains one batch. Exported so tests and cron-style callers can
// drive the relay without the ticker.
func (r *Relay) Tick(ctx context.Context) error {
	counts, err := r.repo.CountPending(ctx)
	if err != nil {
		return err
	}
	r.gaugeBacklog(counts)
	if len(counts) == 0 {
		return nil
	}

	rows, err := r.repo.FetchPending(ctx, r.opts.BatchSize)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	// FetchPending returns rows in (created_at, event_id) order, so each
	// group inherits per-aggregate FIFO.
	order := make([]string, 0)
	groups := make(map[string][]*Row)
	for _, row := range rows {
		if _, seen := groups[row.AggregateID]; !seen {
			order = append(order, row.AggregateID)
		}
		groups[row.AggregateID] = append(groups[row.AggregateID], row)
	}

	var wg sync.WaitGroup
	for _, aggID := range order {
		group := groups[aggID]
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.publishGroup(ctx, group)
		}()
	}
	wg.Wait()
	return nil
}

// gaugeBacklog publishes the full pending backlog per aggregate type.
func (r *Relay) gaugeBacklog(counts map[string]int) {
	for aggType := range r.gauged {
		if _, still := counts[aggType]; !still {
			r.metrics.SetOutboxPending(aggType, 0)
			delete(r.gauged, aggType)
		}
	}
	for aggType, n := range counts {
		r.metrics.SetOutboxPending(aggType, n)
		r.gauged[aggType] = struct{}{}
	}
}

// publishGroup publishes one aggregate's rows serially. A failure stops
// the group so a later row never overtakes an earlier one.
func (r *Relay) publishGroup(ctx context.Context, group []*Row) {
	for _, row := range group {
		if ctx.Err() != nil {
			return
		}

		ev := &bus.Event{
			EventID:       row.EventID,
			EventType:     row.EventType,
			AggregateType: row.AggregateType,
			AggregateID:   row.AggregateID,
			CreatedAt:     row.CreatedAt,
			Payload:       row.Payload,
		}

		if _, err := r.publisher.Publish(ctx, ev); err != nil {
			dead := row.AttemptCount+1 >= r.opts.DeadAttempts
			if markErr := r.repo.MarkFailed(ctx, row.EventID, dead); markErr != nil {
				r.log.WithError(markErr).Error("mark outbox row failed")
				return
			}
			if dead {
				r.metrics.IncOutboxDead(row.AggregateType)
				r.log.Errorf("outbox row dead", map[string]interface{}{
					"eventId":  row.EventID,
					"attempts": row.AttemptCount + 1,
				})
				// A dead row no longer blocks its aggregate.
				continue
			}
			r.log.WithError(err).Warnf("outbox publish failed", map[string]interface{}{
				"eventId":     row.EventID,
				"aggregateId": row.AggregateID,
			})
			return
		}

		if err := r.repo.MarkDelivered(ctx, row.EventID); err != nil {
			// The event went out; leaving the row PENDING means it may
			// publish again. Consumers dedup on event id.
			r.log.WithError(err).Error("mark outbox row delivered")
			return
		}
		r.metrics.IncOutboxPublished(row.AggregateType)
	}
}
