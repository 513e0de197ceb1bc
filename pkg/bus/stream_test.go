package bus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestPublishAppendsToTypeStream(t *testing.T) {
	client := testRedis(t)
	sc := NewStreamClient(client, "sagaflow:events")
	ctx := context.Background()

	ev := &Event{
		EventID:       "e1",
		EventType:     "OrderCreated",
		AggregateType: "order",
		AggregateID:   "order-1",
		CreatedAt:     time.Now().UTC(),
		Payload:       []byte(`{"orderId":"order-1"}`),
	}
	id, err := sc.Publish(ctx, ev)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if id == "" {
		t.Fatalf("expected stream id")
	}

	msgs, err := client.XRange(ctx, "sagaflow:events:order", "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}

	got, ok := decodeEvent(msgs[0])
	if !ok {
		t.Fatalf("decode failed")
	}
	if got.EventID != "e1" || got.EventType != "OrderCreated" || got.AggregateID != "order-1" {
		t.Fatalf("round trip lost fields: %+v", got)
	}
	if string(got.Payload) != `{"orderId":"order-1"}` {
		t.Fatalf("payload lost: %s", got.Payload)
	}
}

func TestPublishPartitionsByAggregateType(t *testing.T) {
	client := testRedis(t)
	sc := NewStreamClient(client, "sagaflow:events")
	ctx := context.Background()

	events := []*Event{
		{EventID: "e1", EventType: "OrderCreated", AggregateType: "order", AggregateID: "o1", CreatedAt: time.Now()},
		{EventID: "e2", EventType: "PaymentProcessed", AggregateType: "payment", AggregateID: "p1", CreatedAt: time.Now()},
		{EventID: "e3", EventType: "OrderCancelled", AggregateType: "order", AggregateID: "o1", CreatedAt: time.Now()},
	}
	for _, ev := range events {
		if _, err := sc.Publish(ctx, ev); err != nil {
			t.Fatalf("publish %s: %v", ev.EventID, err)
		}
	}

	orders, _ := client.XRange(ctx, "sagaflow:events:order", "-", "+").Result()
	if len(orders) != 2 {
		t.Fatalf("expected 2 order events, got %d", len(orders))
	}
	// Appended order survives within the stream.
	first, _ := decodeEvent(orders[0])
	second, _ := decodeEvent(orders[1])
	if first.EventID != "e1" || second.EventID != "e3" {
		t.Fatalf("order stream out of order: %s, %s", first.EventID, second.EventID)
	}

	payments, _ := client.XRange(ctx, "sagaflow:events:payment", "-", "+").Result()
	if len(payments) != 1 {
		t.Fatalf("expected 1 payment event, got %d", len(payments))
	}
}

func TestDecodeEventRejectsMissingEventID(t *testing.T) {
	if _, ok := decodeEvent(redis.XMessage{Values: map[string]interface{}{"eventType": "X"}}); ok {
		t.Fatalf("expected decode to fail without eventId")
	}
}

func TestTrim(t *testing.T) {
	client := testRedis(t)
	sc := NewStreamClient(client, "sagaflow:events")
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		ev := &Event{EventID: "e", EventType: "T", AggregateType: "order", AggregateID: "o1", CreatedAt: time.Now()}
		if _, err := sc.Publish(ctx, ev); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	if err := sc.Trim(ctx, "sagaflow:events:order", 5); err != nil {
		t.Fatalf("trim: %v", err)
	}
	n, _ := client.XLen(ctx, "sagaflow:events:order").Result()
	if n > 5 {
		t.Fatalf("expected at most 5 after trim, got %d", n)
	}
}
