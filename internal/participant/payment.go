package participant

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sagaflow/platform/internal/outbox"
	"github.com/sagaflow/platform/pkg/errkind"
	"github.com/sagaflow/platform/pkg/logger"
)

// Gateway is the upstream payment processor. Both calls are idempotent
// on their key; a repeated charge with the same key must not double-bill.
type Gateway interface {
	Charge(ctx context.Context, chargeKey, orderID string, amountCents int64) (gatewayRef string, err error)
	Refund(ctx context.Context, refundKey, gatewayRef string, amountCents int64) error
}

// 支付状态
const (
	PaymentStatusCaptured = "CAPTURED"
	PaymentStatusRefunded = "REFUNDED"
)

// PaymentService charges on processPayment and refunds on the
// compensation path. Schema sagaflow_payment:
//
//	CREATE TABLE sagaflow_payment.payments (
//	    payment_id    TEXT PRIMARY KEY,
//	    order_id      TEXT NOT NULL,
//	    amount_cents  BIGINT NOT NULL,
//	    gateway_ref   TEXT NOT NULL,
//	    status        TEXT NOT NULL,
//	    created_at_ms BIGINT NOT NULL,
//	    updated_at_ms BIGINT NOT NULL
//	);
type PaymentService struct {
	db      *sql.DB
	outbox  *outbox.PostgresRepository
	gateway Gateway
	log     *logger.Logger
}

// NewPaymentService 创建支付服务
func NewPaymentService(db *sql.DB, ob *outbox.PostgresRepository, gw Gateway, log *logger.Logger) *PaymentService {
	return &PaymentService{db: db, outbox: ob, gateway: gw, log: log}
}

func (s *PaymentService) Name() string { return "payment" }

// Invoke charges before opening the transaction: the gateway dedups on
// the charge key, so a crash between charge and commit re-charges
// harmlessly on redelivery.
func (s *PaymentService) Invoke(ctx context.Context, step, idempotencyKey string, payload json.RawMessage) (string, error) {
	if step != "processPayment" {
		return "", errkind.Newf(errkind.KindFatalInternal, errkind.CodeInvariantViolation,
			"payment service has no step %q", step)
	}

	var env stepEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return "", errkind.Newf(errkind.KindFatalInternal, errkind.CodeInvariantViolation,
			"decode step payload: %v", err)
	}
	orderID := env.Handles["createOrder"]
	if orderID == "" {
		return "", errkind.New(errkind.KindFatalInternal, errkind.CodeInvariantViolation,
			"processPayment invoked without createOrder handle")
	}
	var input OrderInput
	if err := json.Unmarshal(env.Input, &input); err != nil {
		return "", errkind.Newf(errkind.KindFatalInternal, errkind.CodeInvariantViolation,
			"decode order input: %v", err)
	}

	if handle, done, err := lookupProcessed(ctx, s.db, "sagaflow_payment.processed_requests", idempotencyKey); err != nil {
		return "", err
	} else if done {
		return handle, nil
	}

	gatewayRef, err := s.gateway.Charge(ctx, idempotencyKey, orderID, input.TotalCents)
	if err != nil {
		return "", err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	paymentID := newEventID()
	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sagaflow_payment.payments
		(payment_id, order_id, amount_cents, gateway_ref, status, created_at_ms, updated_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
	`, paymentID, orderID, input.TotalCents, gatewayRef, PaymentStatusCaptured, now.UnixMilli())
	if err != nil {
		return "", fmt.Errorf("insert payment: %w", err)
	}

	ev := map[string]interface{}{
		"paymentId":   paymentID,
		"orderId":     orderID,
		"amountCents": input.TotalCents,
	}
	evJSON, _ := json.Marshal(ev)
	if err := s.outbox.InsertTx(ctx, tx, &outbox.Row{
		EventID:       newEventID(),
		AggregateType: "payment",
		AggregateID:   paymentID,
		EventType:     "PaymentProcessed",
		Payload:       evJSON,
		CreatedAt:     now,
	}); err != nil {
		return "", err
	}
	if err := recordProcessed(ctx, tx, "sagaflow_payment.processed_requests", idempotencyKey, paymentID); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}

	s.log.Infof("payment captured", map[string]interface{}{
		"paymentId": paymentID, "orderId": orderID, "amountCents": input.TotalCents,
	})
	return paymentID, nil
}

// Compensate refunds a captured payment. A missing or already refunded
// payment is a no-op.
func (s *PaymentService) Compensate(ctx context.Context, step, idempotencyKey, handle string) error {
	if step != "processPayment" {
		return errkind.Newf(errkind.KindFatalInternal, errkind.CodeInvariantViolation,
			"payment service has no step %q", step)
	}
	paymentID := handle

	if _, done, err := lookupProcessed(ctx, s.db, "sagaflow_payment.processed_requests", idempotencyKey); err != nil {
		return err
	} else if done {
		return nil
	}

	var (
		orderID     string
		amountCents int64
		gatewayRef  string
		status      string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT order_id, amount_cents, gateway_ref, status
		FROM sagaflow_payment.payments
		WHERE payment_id = $1
	`, paymentID).Scan(&orderID, &amountCents, &gatewayRef, &status)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("query payment: %w", err)
	}

	if err == nil && status == PaymentStatusCaptured {
		if rerr := s.gateway.Refund(ctx, idempotencyKey, gatewayRef, amountCents); rerr != nil {
			return rerr
		}
	}

	tx, txErr := s.db.BeginTx(ctx, nil)
	if txErr != nil {
		return fmt.Errorf("begin tx: %w", txErr)
	}
	defer tx.Rollback()

	if err == nil && status == PaymentStatusCaptured {
		if _, uerr := tx.ExecContext(ctx, `
			UPDATE sagaflow_payment.payments
			SET status = $1, updated_at_ms = $2
			WHERE payment_id = $3
		`, PaymentStatusRefunded, time.Now().UnixMilli(), paymentID); uerr != nil {
			return fmt.Errorf("refund payment: %w", uerr)
		}

		ev := map[string]interface{}{
			"paymentId":   paymentID,
			"orderId":     orderID,
			"amountCents": amountCents,
		}
		evJSON, _ := json.Marshal(ev)
		if ierr := s.outbox.InsertTx(ctx, tx, &outbox.Row{
			EventID:       newEventID(),
			AggregateType: "payment",
			AggregateID:   paymentID,
			EventType:     "PaymentRefunded",
			Payload:       evJSON,
			CreatedAt:     time.Now().UTC(),
		}); ierr != nil {
			return ierr
		}
	}

	if perr := recordProcessed(ctx, tx, "sagaflow_payment.processed_requests", idempotencyKey, paymentID); perr != nil {
		return perr
	}
	if cerr := tx.Commit(); cerr != nil {
		return fmt.Errorf("commit: %w", cerr)
	}

	s.log.Infof("payment refunded", map[string]interface{}{"paymentId": paymentID})
	return nil
}

// SimGateway approves every charge below the configured ceiling. It
// stands in for a real processor in local runs and tests.
type SimGateway struct {
	// DeclineAbove rejects charges strictly greater than this amount;
	// zero disables the ceiling.
	DeclineAbove int64
}

func (g *SimGateway) Charge(ctx context.Context, chargeKey, orderID string, amountCents int64) (string, error) {
	if amountCents <= 0 {
		return "", errkind.New(errkind.KindBusiness, errkind.CodePaymentDeclined, "non-positive amount")
	}
	if g.DeclineAbove > 0 && amountCents > g.DeclineAbove {
		return "", errkind.Newf(errkind.KindBusiness, errkind.CodePaymentDeclined,
			"amount %d exceeds limit", amountCents)
	}
	return "sim-" + chargeKey, nil
}

func (g *SimGateway) Refund(ctx context.Context, refundKey, gatewayRef string, amountCents int64) error {
	return nil
}
