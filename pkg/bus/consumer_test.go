package bus

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sagaflow/platform/pkg/logger"
)

func testConsumerOptions() *ConsumerOptions {
	return &ConsumerOptions{
		BatchSize:            10,
		BlockTime:            20 * time.Millisecond,
		MaxRetries:           3,
		ClaimMinIdle:         time.Hour,
		PendingCheckInterval: time.Hour,
	}
}

// The relay guarantees at-least-once: a crash between publish and
// mark-delivered republishes the same eventId. A handler that dedups on
// eventId applies each event exactly once.
func TestConsumerAppliesEachEventOnce(t *testing.T) {
	client := testRedis(t)
	sc := NewStreamClient(client, "sagaflow:events")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := []*Event{
		{EventID: "e1", EventType: "OrderCreated", AggregateType: "order", AggregateID: "o1", CreatedAt: time.Now(), Payload: []byte(`{"n":1}`)},
		{EventID: "e1", EventType: "OrderCreated", AggregateType: "order", AggregateID: "o1", CreatedAt: time.Now(), Payload: []byte(`{"n":1}`)},
		{EventID: "e2", EventType: "OrderCancelled", AggregateType: "order", AggregateID: "o1", CreatedAt: time.Now(), Payload: []byte(`{"n":2}`)},
	}
	for _, ev := range events {
		if _, err := sc.Publish(ctx, ev); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	var mu sync.Mutex
	delivered := 0
	applied := make(map[string]int)
	handler := func(ctx context.Context, msg *Message) error {
		mu.Lock()
		defer mu.Unlock()
		delivered++
		if applied[msg.Event.EventID] == 0 {
			applied[msg.Event.EventID]++
		}
		return nil
	}

	stream := sc.StreamFor("order")
	consumer := NewConsumer(sc, "projections", "c1", []string{stream}, handler, testConsumerOptions(), logger.New("test", io.Discard))

	errCh := make(chan error, 1)
	go func() { errCh <- consumer.Start(ctx) }()

	deadline := time.After(5 * time.Second)
	for {
		mu.Lock()
		seen := delivered
		mu.Unlock()
		pending, _ := client.XPending(context.Background(), stream, "projections").Result()
		if seen >= 3 && pending != nil && pending.Count == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out: delivered=%d pending=%+v", seen, pending)
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-errCh

	mu.Lock()
	defer mu.Unlock()
	if delivered != 3 {
		t.Fatalf("expected 3 deliveries, got %d", delivered)
	}
	if applied["e1"] != 1 || applied["e2"] != 1 {
		t.Fatalf("dedup by eventId failed: %v", applied)
	}
}

func TestConsumerFailedHandlerLeavesMessagePending(t *testing.T) {
	client := testRedis(t)
	sc := NewStreamClient(client, "sagaflow:events")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ev := &Event{EventID: "e1", EventType: "OrderCreated", AggregateType: "order", AggregateID: "o1", CreatedAt: time.Now()}
	if _, err := sc.Publish(ctx, ev); err != nil {
		t.Fatalf("publish: %v", err)
	}

	var mu sync.Mutex
	delivered := 0
	handler := func(ctx context.Context, msg *Message) error {
		mu.Lock()
		delivered++
		mu.Unlock()
		return fmt.Errorf("projection down")
	}

	stream := sc.StreamFor("order")
	consumer := NewConsumer(sc, "projections", "c1", []string{stream}, handler, testConsumerOptions(), logger.New("test", io.Discard))

	errCh := make(chan error, 1)
	go func() { errCh <- consumer.Start(ctx) }()

	deadline := time.After(5 * time.Second)
	for {
		mu.Lock()
		seen := delivered
		mu.Unlock()
		if seen >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("handler never called")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-errCh

	// Not acked: the entry stays pending for a later claim.
	pending, err := client.XPending(context.Background(), stream, "projections").Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 1 {
		t.Fatalf("expected 1 pending entry, got %d", pending.Count)
	}
}

func TestDeadLetterCarriesOriginalEvent(t *testing.T) {
	client := testRedis(t)
	sc := NewStreamClient(client, "sagaflow:events")
	ctx := context.Background()

	ev := &Event{EventID: "e1", EventType: "OrderCreated", AggregateType: "order", AggregateID: "o1", CreatedAt: time.Now(), Payload: []byte(`{"n":1}`)}
	if _, err := sc.Publish(ctx, ev); err != nil {
		t.Fatalf("publish: %v", err)
	}

	stream := sc.StreamFor("order")
	if err := client.XGroupCreateMkStream(ctx, stream, "projections", "0").Err(); err != nil {
		t.Fatalf("create group: %v", err)
	}
	res, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    "projections",
		Consumer: "c1",
		Streams:  []string{stream, ">"},
		Count:    1,
		Block:    20 * time.Millisecond,
	}).Result()
	if err != nil || len(res) != 1 || len(res[0].Messages) != 1 {
		t.Fatalf("xreadgroup: %v %+v", err, res)
	}
	m := res[0].Messages[0]

	consumer := NewConsumer(sc, "projections", "c1", []string{stream}, nil, testConsumerOptions(), logger.New("test", io.Discard))
	if err := consumer.sendToDLQ(ctx, stream, &m, "max retries exceeded: 4"); err != nil {
		t.Fatalf("send to dlq: %v", err)
	}
	if err := consumer.Ack(ctx, stream, m.ID); err != nil {
		t.Fatalf("ack: %v", err)
	}

	dlq, err := client.XRange(ctx, stream+":dlq", "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange dlq: %v", err)
	}
	if len(dlq) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(dlq))
	}
	if dlq[0].Values["eventId"] != "e1" {
		t.Fatalf("dead letter lost the event id: %v", dlq[0].Values)
	}
	if dlq[0].Values["reason"] != "max retries exceeded: 4" {
		t.Fatalf("dead letter lost the reason: %v", dlq[0].Values)
	}

	// Acked after parking; nothing left pending.
	pending, err := client.XPending(ctx, stream, "projections").Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 0 {
		t.Fatalf("expected 0 pending after dlq+ack, got %d", pending.Count)
	}
}
