package participant

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/sagaflow/platform/internal/outbox"
	"github.com/sagaflow/platform/pkg/errkind"
)

func TestPaymentInvokeChargesAndRecords(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	svc := NewPaymentService(db, outbox.NewPostgresRepository(db, "sagaflow_payment.outbox"),
		&SimGateway{}, testLogger())

	mock.ExpectQuery("SELECT handle FROM sagaflow_payment.processed_requests").
		WithArgs("s1:2").
		WillReturnRows(noProcessedRow())
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO sagaflow_payment.payments").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO sagaflow_payment.outbox").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO sagaflow_payment.processed_requests").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	handle, err := svc.Invoke(context.Background(), "processPayment", "s1:2",
		orderPayload(t, map[string]string{"createOrder": "order-1"}))
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if handle == "" {
		t.Fatalf("expected payment id handle")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPaymentInvokeDeclinedLeavesNoRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	svc := NewPaymentService(db, outbox.NewPostgresRepository(db, "sagaflow_payment.outbox"),
		&SimGateway{DeclineAbove: 1000}, testLogger())

	// Gateway declines before any write: no payment row, no event.
	mock.ExpectQuery("SELECT handle FROM sagaflow_payment.processed_requests").
		WithArgs("s1:2").
		WillReturnRows(noProcessedRow())

	_, err = svc.Invoke(context.Background(), "processPayment", "s1:2",
		orderPayload(t, map[string]string{"createOrder": "order-1"}))
	if errkind.Of(err) != errkind.KindBusiness {
		t.Fatalf("expected BUSINESS, got %v", err)
	}
	if errkind.CodeOf(err) != errkind.CodePaymentDeclined {
		t.Fatalf("expected PAYMENT_DECLINED, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPaymentInvokeReplayReturnsRecordedHandle(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	declined := &SimGateway{DeclineAbove: 1} // would decline if charged again
	svc := NewPaymentService(db, outbox.NewPostgresRepository(db, "sagaflow_payment.outbox"),
		declined, testLogger())

	mock.ExpectQuery("SELECT handle FROM sagaflow_payment.processed_requests").
		WithArgs("s1:2").
		WillReturnRows(sqlmock.NewRows([]string{"handle"}).AddRow("pay-1"))

	handle, err := svc.Invoke(context.Background(), "processPayment", "s1:2",
		orderPayload(t, map[string]string{"createOrder": "order-1"}))
	if err != nil {
		t.Fatalf("replay must not re-charge: %v", err)
	}
	if handle != "pay-1" {
		t.Fatalf("expected recorded handle pay-1, got %s", handle)
	}
}

func TestPaymentCompensateRefundsCaptured(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	svc := NewPaymentService(db, outbox.NewPostgresRepository(db, "sagaflow_payment.outbox"),
		&SimGateway{}, testLogger())

	mock.ExpectQuery("SELECT handle FROM sagaflow_payment.processed_requests").
		WithArgs("s1:2:C").
		WillReturnRows(noProcessedRow())
	mock.ExpectQuery("SELECT order_id, amount_cents, gateway_ref, status").
		WithArgs("pay-1").
		WillReturnRows(sqlmock.NewRows([]string{"order_id", "amount_cents", "gateway_ref", "status"}).
			AddRow("order-1", 2000, "sim-s1:2", "CAPTURED"))
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE sagaflow_payment.payments").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO sagaflow_payment.outbox").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO sagaflow_payment.processed_requests").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := svc.Compensate(context.Background(), "processPayment", "s1:2:C", "pay-1"); err != nil {
		t.Fatalf("compensate: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPaymentCompensateMissingPaymentIsNoOp(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	svc := NewPaymentService(db, outbox.NewPostgresRepository(db, "sagaflow_payment.outbox"),
		&SimGateway{}, testLogger())

	// The forward charge never committed; there is nothing to refund but
	// the key is settled so redeliveries converge.
	mock.ExpectQuery("SELECT handle FROM sagaflow_payment.processed_requests").
		WithArgs("s1:2:C").
		WillReturnRows(noProcessedRow())
	mock.ExpectQuery("SELECT order_id, amount_cents, gateway_ref, status").
		WithArgs("pay-1").
		WillReturnRows(sqlmock.NewRows([]string{"order_id", "amount_cents", "gateway_ref", "status"}))
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO sagaflow_payment.processed_requests").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := svc.Compensate(context.Background(), "processPayment", "s1:2:C", "pay-1"); err != nil {
		t.Fatalf("compensate: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
