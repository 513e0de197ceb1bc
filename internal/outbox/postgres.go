package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresRepository 发件箱仓储
//
// Schema (one table per participant database):
//
//	CREATE TABLE <schema>.outbox (
//	    event_id       TEXT PRIMARY KEY,
//	    aggregate_type TEXT NOT NULL,
//	    aggregate_id   TEXT NOT NULL,
//	    event_type     TEXT NOT NULL,
//	    payload        BYTEA NOT NULL,
//	    created_at_ms  BIGINT NOT NULL,
//	    delivered_at_ms BIGINT,
//	    attempt_count  INT NOT NULL DEFAULT 0,
//	    status         TEXT NOT NULL DEFAULT 'PENDING'
//	);
//	CREATE INDEX outbox_scan_idx ON <schema>.outbox (status, created_at_ms);
//	CREATE INDEX outbox_drain_idx ON <schema>.outbox (aggregate_id, created_at_ms);
type PostgresRepository struct {
	db    *sql.DB
	table string
}

// NewPostgresRepository 创建仓储，table 形如 "sagaflow_order.outbox"
func NewPostgresRepository(db *sql.DB, table string) *PostgresRepository {
	return &PostgresRepository{db: db, table: table}
}

// InsertTx appends a row inside the caller's transaction. This is the
// co-write that ties the event to its business effect.
func (r *PostgresRepository) InsertTx(ctx context.Context, tx *sql.Tx, row *Row) error {
	query := fmt.Sprintf(`
		INSERT INTO %s
		(event_id, aggregate_type, aggregate_id, event_type, payload, created_at_ms, attempt_count, status)
		VALUES ($1, $2, $3, $4, $5, $6, 0, 'PENDING')
	`, r.table)
	_, err := tx.ExecContext(ctx, query,
		row.EventID, row.AggregateType, row.AggregateID, row.EventType,
		row.Payload, row.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert outbox row: %w", err)
	}
	return nil
}

func (r *PostgresRepository) FetchPending(ctx context.Context, limit int) ([]*Row, error) {
	query := fmt.Sprintf(`
		SELECT event_id, aggregate_type, aggregate_id, event_type, payload,
		       created_at_ms, delivered_at_ms, attempt_count, status
		FROM %s
		WHERE status = 'PENDING'
		ORDER BY created_at_ms, event_id
		LIMIT $1
	`, r.table)
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	defer rows.Close()

	var out []*Row
	for rows.Next() {
		var (
			row         Row
			status      string
			createdMs   int64
			deliveredMs sql.NullInt64
		)
		if err := rows.Scan(&row.EventID, &row.AggregateType, &row.AggregateID,
			&row.EventType, &row.Payload, &createdMs, &deliveredMs,
			&row.AttemptCount, &status); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		row.Status = Status(status)
		row.CreatedAt = time.UnixMilli(createdMs).UTC()
		if deliveredMs.Valid {
			t := time.UnixMilli(deliveredMs.Int64).UTC()
			row.DeliveredAt = &t
		}
		out = append(out, &row)
	}
	return out, rows.Err()
}

// MarkDelivered retires the row. The status guard keeps DELIVERED
// monotone: a delivered row is never un-delivered.
func (r *PostgresRepository) MarkDelivered(ctx context.Context, eventID string) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = 'DELIVERED', delivered_at_ms = $1
		WHERE event_id = $2 AND status = 'PENDING'
	`, r.table)
	_, err := r.db.ExecContext(ctx, query, time.Now().UnixMilli(), eventID)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	return nil
}

func (r *PostgresRepository) MarkFailed(ctx context.Context, eventID string, dead bool) error {
	status := "PENDING"
	if dead {
		status = "DEAD"
	}
	query := fmt.Sprintf(`
		UPDATE %s
		SET attempt_count = attempt_count + 1, status = $1
		WHERE event_id = $2 AND status = 'PENDING'
	`, r.table)
	_, err := r.db.ExecContext(ctx, query, status, eventID)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// CountPending feeds the relay's backlog gauge.
func (r *PostgresRepository) CountPending(ctx context.Context) (map[string]int, error) {
	query := fmt.Sprintf(`
		SELECT aggregate_type, COUNT(*)
		FROM %s
		WHERE status = 'PENDING'
		GROUP BY aggregate_type
	`, r.table)
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("count pending: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			aggType string
			n       int
		)
		if err := rows.Scan(&aggType, &n); err != nil {
			return nil, fmt.Errorf("scan pending count: %w", err)
		}
		counts[aggType] = n
	}
	return counts, rows.Err()
}

var _ Repository = (*PostgresRepository)(nil)
