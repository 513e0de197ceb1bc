package participant

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/sagaflow/platform/internal/outbox"
	"github.com/sagaflow/platform/pkg/errkind"
)

func TestInventoryReserveDecrementsAndRecordsReservation(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	svc := NewInventoryService(db, outbox.NewPostgresRepository(db, "sagaflow_inventory.outbox"), testLogger())

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT handle FROM sagaflow_inventory.processed_requests").
		WithArgs("s1:1").
		WillReturnRows(noProcessedRow())
	mock.ExpectExec("UPDATE sagaflow_inventory.stock").
		WithArgs(2, "p1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO sagaflow_inventory.reservations").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO sagaflow_inventory.outbox").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO sagaflow_inventory.processed_requests").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	handle, err := svc.Invoke(context.Background(), "reserveInventory", "s1:1",
		orderPayload(t, map[string]string{"createOrder": "order-1"}))
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if handle == "" {
		t.Fatalf("expected reservation id handle")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestInventoryReserveInsufficientStockRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	svc := NewInventoryService(db, outbox.NewPostgresRepository(db, "sagaflow_inventory.outbox"), testLogger())

	// The conditional decrement matches no row; everything rolls back and
	// the caller gets a typed business rejection.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT handle FROM sagaflow_inventory.processed_requests").
		WithArgs("s1:1").
		WillReturnRows(noProcessedRow())
	mock.ExpectExec("UPDATE sagaflow_inventory.stock").
		WithArgs(2, "p1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err = svc.Invoke(context.Background(), "reserveInventory", "s1:1",
		orderPayload(t, map[string]string{"createOrder": "order-1"}))
	if errkind.Of(err) != errkind.KindBusiness {
		t.Fatalf("expected BUSINESS, got %v", err)
	}
	if errkind.CodeOf(err) != errkind.CodeInsufficientStock {
		t.Fatalf("expected INSUFFICIENT_STOCK, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestInventoryReserveRequiresOrderHandle(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	svc := NewInventoryService(db, outbox.NewPostgresRepository(db, "sagaflow_inventory.outbox"), testLogger())

	_, err = svc.Invoke(context.Background(), "reserveInventory", "s1:1", orderPayload(t, nil))
	if errkind.Of(err) != errkind.KindFatalInternal {
		t.Fatalf("expected FATAL_INTERNAL, got %v", err)
	}
}

func TestInventoryReleaseRestoresStock(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	svc := NewInventoryService(db, outbox.NewPostgresRepository(db, "sagaflow_inventory.outbox"), testLogger())

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT handle FROM sagaflow_inventory.processed_requests").
		WithArgs("s1:1:C").
		WillReturnRows(noProcessedRow())
	mock.ExpectQuery("SELECT order_id, items, status").
		WithArgs("res-1").
		WillReturnRows(sqlmock.NewRows([]string{"order_id", "items", "status"}).
			AddRow("order-1", []byte(`[{"productId":"p1","quantity":2}]`), "RESERVED"))
	mock.ExpectExec("UPDATE sagaflow_inventory.stock").
		WithArgs(2, "p1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE sagaflow_inventory.reservations").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO sagaflow_inventory.outbox").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO sagaflow_inventory.processed_requests").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := svc.Compensate(context.Background(), "reserveInventory", "s1:1:C", "res-1"); err != nil {
		t.Fatalf("compensate: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestInventoryReleaseAlreadyReleasedIsNoOp(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	svc := NewInventoryService(db, outbox.NewPostgresRepository(db, "sagaflow_inventory.outbox"), testLogger())

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT handle FROM sagaflow_inventory.processed_requests").
		WithArgs("s1:1:C").
		WillReturnRows(noProcessedRow())
	mock.ExpectQuery("SELECT order_id, items, status").
		WithArgs("res-1").
		WillReturnRows(sqlmock.NewRows([]string{"order_id", "items", "status"}).
			AddRow("order-1", []byte(`[]`), "RELEASED"))
	mock.ExpectExec("INSERT INTO sagaflow_inventory.processed_requests").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := svc.Compensate(context.Background(), "reserveInventory", "s1:1:C", "res-1"); err != nil {
		t.Fatalf("compensate: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
