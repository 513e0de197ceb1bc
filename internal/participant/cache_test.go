package participant

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redismock/v9"

	"github.com/sagaflow/platform/internal/outbox"
)

func TestGetOrderCacheHitSkipsDatabase(t *testing.T) {
	db, dbmock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	cache, cachemock := redismock.NewClientMock()
	svc := NewOrderService(db, outbox.NewPostgresRepository(db, "sagaflow_order.outbox"), cache, testLogger())

	cached := Order{
		OrderID:    "order-1",
		CustomerID: "c1",
		TotalCents: 2000,
		Status:     OrderStatusCreated,
		CreatedAt:  time.Now().UTC().Truncate(time.Millisecond),
	}
	data, _ := json.Marshal(cached)
	cachemock.ExpectGet("sagaflow:order:order-1").SetVal(string(data))

	got, err := svc.GetOrder(context.Background(), "order-1")
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.OrderID != "order-1" || got.TotalCents != 2000 {
		t.Fatalf("unexpected order: %+v", got)
	}

	// The database was never touched.
	if err := dbmock.ExpectationsWereMet(); err != nil {
		t.Fatalf("db expectations: %v", err)
	}
	if err := cachemock.ExpectationsWereMet(); err != nil {
		t.Fatalf("cache expectations: %v", err)
	}
}

func TestGetOrderCacheMissReadsThroughAndBackfills(t *testing.T) {
	db, dbmock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	cache, cachemock := redismock.NewClientMock()
	svc := NewOrderService(db, outbox.NewPostgresRepository(db, "sagaflow_order.outbox"), cache, testLogger())

	cachemock.ExpectGet("sagaflow:order:order-1").RedisNil()
	dbmock.ExpectQuery("SELECT order_id, customer_id, items").
		WithArgs("order-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"order_id", "customer_id", "items", "total_cents", "status", "created_at_ms",
		}).AddRow("order-1", "c1", []byte(`[{"productId":"p1","quantity":2}]`), 2000, "CREATED", time.Now().UnixMilli()))
	cachemock.Regexp().ExpectSet("sagaflow:order:order-1", `.*`, orderCacheTTL).SetVal("OK")

	got, err := svc.GetOrder(context.Background(), "order-1")
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.CustomerID != "c1" || len(got.Items) != 1 {
		t.Fatalf("unexpected order: %+v", got)
	}

	if err := dbmock.ExpectationsWereMet(); err != nil {
		t.Fatalf("db expectations: %v", err)
	}
	if err := cachemock.ExpectationsWereMet(); err != nil {
		t.Fatalf("cache expectations: %v", err)
	}
}
