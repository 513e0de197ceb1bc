package participant

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/redis/go-redis/v9"

	"github.com/sagaflow/platform/internal/outbox"
	"github.com/sagaflow/platform/pkg/errkind"
	"github.com/sagaflow/platform/pkg/logger"
)

// 订单缓存 TTL
const orderCacheTTL = 5 * time.Minute

// stepEnvelope is what the coordinator sends on invoke: the saga's input
// plus the handles of earlier steps.
type stepEnvelope struct {
	Input   json.RawMessage   `json:"input"`
	Handles map[string]string `json:"handles"`
}

// OrderInput is the saga input all three participants read from.
type OrderInput struct {
	CustomerID string      `json:"customerId"`
	Items      []OrderItem `json:"items"`
	TotalCents int64       `json:"totalCents"`
}

// OrderItem 订单项
type OrderItem struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

// Order 订单
type Order struct {
	OrderID    string      `json:"orderId"`
	CustomerID string      `json:"customerId"`
	Items      []OrderItem `json:"items"`
	TotalCents int64       `json:"totalCents"`
	Status     string      `json:"status"`
	CreatedAt  time.Time   `json:"createdAt"`
}

// 订单状态
const (
	OrderStatusCreated   = "CREATED"
	OrderStatusCancelled = "CANCELLED"
)

// OrderService creates orders on createOrder and cancels them on the
// compensation path. Schema sagaflow_order:
//
//	CREATE TABLE sagaflow_order.orders (
//	    order_id      TEXT PRIMARY KEY,
//	    customer_id   TEXT NOT NULL,
//	    items         JSONB NOT NULL,
//	    total_cents   BIGINT NOT NULL,
//	    status        TEXT NOT NULL,
//	    created_at_ms BIGINT NOT NULL,
//	    updated_at_ms BIGINT NOT NULL
//	);
type OrderService struct {
	db     *sql.DB
	outbox *outbox.PostgresRepository
	cache  *redis.Client
	log    *logger.Logger
}

// NewOrderService 创建订单服务，cache 可为 nil
func NewOrderService(db *sql.DB, ob *outbox.PostgresRepository, cache *redis.Client, log *logger.Logger) *OrderService {
	return &OrderService{db: db, outbox: ob, cache: cache, log: log}
}

func (s *OrderService) Name() string { return "order" }

func (s *OrderService) Invoke(ctx context.Context, step, idempotencyKey string, payload json.RawMessage) (string, error) {
	if step != "createOrder" {
		return "", errkind.Newf(errkind.KindFatalInternal, errkind.CodeInvariantViolation,
			"order service has no step %q", step)
	}

	var env stepEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return "", errkind.Newf(errkind.KindFatalInternal, errkind.CodeInvariantViolation,
			"decode step payload: %v", err)
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

	if handle, done, err := lookupProcessed(ctx, tx, "sagaflow_order.processed_requests", idempotencyKey); err != nil {
		return "", err
	} else if done {
		return handle, nil
	}

	order := Order{
		OrderID:    newEventID(),
		CustomerID: input.CustomerID,
		Items:      input.Items,
		TotalCents: input.TotalCents,
		Status:     OrderStatusCreated,
		CreatedAt:  time.Now().UTC(),
	}
	itemsJSON, err := json.Marshal(order.Items)
	if err != nil {
		return "", fmt.Errorf("marshal items: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sagaflow_order.orders
		(order_id, customer_id, items, total_cents, status, created_at_ms, updated_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
	`, order.OrderID, order.CustomerID, itemsJSON, order.TotalCents, order.Status, order.CreatedAt.UnixMilli())
	if err != nil {
		return "", fmt.Errorf("insert order: %w", err)
	}

	if err := s.appendEvent(ctx, tx, "OrderCreated", &order); err != nil {
		return "", err
	}
	if err := recordProcessed(ctx, tx, "sagaflow_order.processed_requests", idempotencyKey, order.OrderID); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}

	s.cacheOrder(ctx, &order)
	s.log.Infof("order created", map[string]interface{}{
		"orderId": order.OrderID, "customerId": order.CustomerID,
	})
	return order.OrderID, nil
}

// Compensate cancels the order. A missing order is treated as already
// cancelled so redeliveries converge.
func (s *OrderService) Compensate(ctx context.Context, step, idempotencyKey, handle string) error {
	if step != "createOrder" {
		return errkind.Newf(errkind.KindFatalInternal, errkind.CodeInvariantViolation,
			"order service has no step %q", step)
	}
	orderID := handle

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, done, err := lookupProcessed(ctx, tx, "sagaflow_order.processed_requests", idempotencyKey); err != nil {
		return err
	} else if done {
		return nil
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE sagaflow_order.orders
		SET status = $1, updated_at_ms = $2
		WHERE order_id = $3 AND status <> $1
	`, OrderStatusCancelled, time.Now().UnixMilli(), orderID)
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}

	if n, _ := res.RowsAffected(); n > 0 {
		ev := map[string]string{"orderId": orderID, "status": OrderStatusCancelled}
		payload, _ := json.Marshal(ev)
		if err := s.outbox.InsertTx(ctx, tx, &outbox.Row{
			EventID:       newEventID(),
			AggregateType: "order",
			AggregateID:   orderID,
			EventType:     "OrderCancelled",
			Payload:       payload,
			CreatedAt:     time.Now().UTC(),
		}); err != nil {
			return err
		}
	}

	if err := recordProcessed(ctx, tx, "sagaflow_order.processed_requests", idempotencyKey, orderID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.evictOrder(ctx, orderID)
	s.log.Infof("order cancelled", map[string]interface{}{"orderId": orderID})
	return nil
}

// GetOrder reads through the cache; the database stays authoritative.
func (s *OrderService) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	if s.cache != nil {
		if data, err := s.cache.Get(ctx, orderCacheKey(orderID)).Bytes(); err == nil {
			var o Order
			if json.Unmarshal(data, &o) == nil {
				return &o, nil
			}
		}
	}

	var (
		o         Order
		itemsJSON []byte
		createdMs int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT order_id, customer_id, items, total_cents, status, created_at_ms
		FROM sagaflow_order.orders WHERE order_id = $1
	`, orderID).Scan(&o.OrderID, &o.CustomerID, &itemsJSON, &o.TotalCents, &o.Status, &createdMs)
	if err == sql.ErrNoRows {
		return nil, errkind.Newf(errkind.KindBusiness, errkind.CodeOrderNotFound, "order %s not found", orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}
	if err := json.Unmarshal(itemsJSON, &o.Items); err != nil {
		return nil, fmt.Errorf("decode items: %w", err)
	}
	o.CreatedAt = time.UnixMilli(createdMs).UTC()

	s.cacheOrder(ctx, &o)
	return &o, nil
}

func (s *OrderService) appendEvent(ctx context.Context, tx *sql.Tx, eventType string, order *Order) error {
	payload, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	return s.outbox.InsertTx(ctx, tx, &outbox.Row{
		EventID:       newEventID(),
		AggregateType: "order",
		AggregateID:   order.OrderID,
		EventType:     eventType,
		Payload:       payload,
		CreatedAt:     time.Now().UTC(),
	})
}

// 缓存为尽力而为，失败只记日志
func (s *OrderService) cacheOrder(ctx context.Context, order *Order) {
	if s.cache == nil {
		return
	}
	data, err := json.Marshal(order)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, orderCacheKey(order.OrderID), data, orderCacheTTL).Err(); err != nil {
		s.log.WithError(err).Warn("cache order")
	}
}

func (s *OrderService) evictOrder(ctx context.Context, orderID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, orderCacheKey(orderID)).Err(); err != nil {
		s.log.WithError(err).Warn("evict order cache")
	}
}

func orderCacheKey(orderID string) string {
	return "sagaflow:order:" + orderID
}

func newEventID() string {
	return uuid.Must(uuid.NewV4()).String()
}
