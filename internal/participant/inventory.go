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

// 预留状态
const (
	ReservationStatusReserved = "RESERVED"
	ReservationStatusReleased = "RELEASED"
)

// InventoryService reserves stock on reserveInventory and restores it on
// the compensation path. Schema sagaflow_inventory:
//
//	CREATE TABLE sagaflow_inventory.stock (
//	    product_id TEXT PRIMARY KEY,
//	    available  INT NOT NULL CHECK (available >= 0)
//	);
//	CREATE TABLE sagaflow_inventory.reservations (
//	    reservation_id TEXT PRIMARY KEY,
//	    order_id       TEXT NOT NULL,
//	    items          JSONB NOT NULL,
//	    status         TEXT NOT NULL,
//	    created_at_ms  BIGINT NOT NULL
//	);
type InventoryService struct {
	db     *sql.DB
	outbox *outbox.PostgresRepository
	log    *logger.Logger
}

// NewInventoryService 创建库存服务
func NewInventoryService(db *sql.DB, ob *outbox.PostgresRepository, log *logger.Logger) *InventoryService {
	return &InventoryService{db: db, outbox: ob, log: log}
}

func (s *InventoryService) Name() string { return "inventory" }

func (s *InventoryService) Invoke(ctx context.Context, step, idempotencyKey string, payload json.RawMessage) (string, error) {
	if step != "reserveInventory" {
		return "", errkind.Newf(errkind.KindFatalInternal, errkind.CodeInvariantViolation,
			"inventory service has no step %q", step)
	}

	var env stepEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return "", errkind.Newf(errkind.KindFatalInternal, errkind.CodeInvariantViolation,
			"decode step payload: %v", err)
	}
	orderID := env.Handles["createOrder"]
	if orderID == "" {
		return "", errkind.New(errkind.KindFatalInternal, errkind.CodeInvariantViolation,
			"reserveInventory invoked without createOrder handle")
	}
	var input OrderInput
	if err := json.Unmarshal(env.Input, &input); err != nil {
		return "", errkind.Newf(errkind.KindFatalInternal, errkind.CodeInvariantViolation,
			"decode order input: %v", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if handle, done, err := lookupProcessed(ctx, tx, "sagaflow_inventory.processed_requests", idempotencyKey); err != nil {
		return "", err
	} else if done {
		return handle, nil
	}

	// Conditional decrement; 0 rows means the product is short or
	// unknown, either way the reservation is rejected.
	for _, item := range input.Items {
		res, err := tx.ExecContext(ctx, `
			UPDATE sagaflow_inventory.stock
			SET available = available - $1
			WHERE product_id = $2 AND available >= $1
		`, item.Quantity, item.ProductID)
		if err != nil {
			return "", fmt.Errorf("decrement stock: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return "", errkind.Newf(errkind.KindBusiness, errkind.CodeInsufficientStock,
				"insufficient stock for product %s", item.ProductID)
		}
	}

	reservationID := newEventID()
	itemsJSON, err := json.Marshal(input.Items)
	if err != nil {
		return "", fmt.Errorf("marshal items: %w", err)
	}
	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sagaflow_inventory.reservations
		(reservation_id, order_id, items, status, created_at_ms)
		VALUES ($1, $2, $3, $4, $5)
	`, reservationID, orderID, itemsJSON, ReservationStatusReserved, now.UnixMilli())
	if err != nil {
		return "", fmt.Errorf("insert reservation: %w", err)
	}

	ev := map[string]interface{}{
		"reservationId": reservationID,
		"orderId":       orderID,
		"items":         input.Items,
	}
	evJSON, _ := json.Marshal(ev)
	if err := s.outbox.InsertTx(ctx, tx, &outbox.Row{
		EventID:       newEventID(),
		AggregateType: "reservation",
		AggregateID:   reservationID,
		EventType:     "InventoryReserved",
		Payload:       evJSON,
		CreatedAt:     now,
	}); err != nil {
		return "", err
	}
	if err := recordProcessed(ctx, tx, "sagaflow_inventory.processed_requests", idempotencyKey, reservationID); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}

	s.log.Infof("inventory reserved", map[string]interface{}{
		"reservationId": reservationID, "orderId": orderID,
	})
	return reservationID, nil
}

// Compensate restores the reserved quantities. A missing or already
// released reservation is a no-op.
func (s *InventoryService) Compensate(ctx context.Context, step, idempotencyKey, handle string) error {
	if step != "reserveInventory" {
		return errkind.Newf(errkind.KindFatalInternal, errkind.CodeInvariantViolation,
			"inventory service has no step %q", step)
	}
	reservationID := handle

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, done, err := lookupProcessed(ctx, tx, "sagaflow_inventory.processed_requests", idempotencyKey); err != nil {
		return err
	} else if done {
		return nil
	}

	var (
		orderID   string
		itemsJSON []byte
		status    string
	)
	err = tx.QueryRowContext(ctx, `
		SELECT order_id, items, status
		FROM sagaflow_inventory.reservations
		WHERE reservation_id = $1
		FOR UPDATE
	`, reservationID).Scan(&orderID, &itemsJSON, &status)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("query reservation: %w", err)
	}

	if err == nil && status == ReservationStatusReserved {
		var items []OrderItem
		if err := json.Unmarshal(itemsJSON, &items); err != nil {
			return fmt.Errorf("decode reservation items: %w", err)
		}
		for _, item := range items {
			if _, err := tx.ExecContext(ctx, `
				UPDATE sagaflow_inventory.stock
				SET available = available + $1
				WHERE product_id = $2
			`, item.Quantity, item.ProductID); err != nil {
				return fmt.Errorf("restore stock: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE sagaflow_inventory.reservations
			SET status = $1 WHERE reservation_id = $2
		`, ReservationStatusReleased, reservationID); err != nil {
			return fmt.Errorf("release reservation: %w", err)
		}

		ev := map[string]string{"reservationId": reservationID, "orderId": orderID}
		evJSON, _ := json.Marshal(ev)
		if err := s.outbox.InsertTx(ctx, tx, &outbox.Row{
			EventID:       newEventID(),
			AggregateType: "reservation",
			AggregateID:   reservationID,
			EventType:     "InventoryReleased",
			Payload:       evJSON,
			CreatedAt:     time.Now().UTC(),
		}); err != nil {
			return err
		}
	}

	if err := recordProcessed(ctx, tx, "sagaflow_inventory.processed_requests", idempotencyKey, reservationID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.log.Infof("inventory released", map[string]interface{}{"reservationId": reservationID})
	return nil
}
