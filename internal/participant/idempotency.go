package participant

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Each participant schema carries a processed-request table keyed by the
// coordinator's idempotency key:
//
//	CREATE TABLE <schema>.processed_requests (
//	    idempotency_key TEXT PRIMARY KEY,
//	    handle          TEXT NOT NULL,
//	    processed_at_ms BIGINT NOT NULL
//	);
//
// Recording the key in the same transaction as the business write makes
// a redelivered invoke observe the first outcome instead of repeating it.

// rowQuerier is satisfied by both *sql.DB and *sql.Tx.
type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func lookupProcessed(ctx context.Context, q rowQuerier, table, key string) (string, bool, error) {
	query := fmt.Sprintf(`SELECT handle FROM %s WHERE idempotency_key = $1`, table)
	var handle string
	err := q.QueryRowContext(ctx, query, key).Scan(&handle)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup processed request: %w", err)
	}
	return handle, true, nil
}

func recordProcessed(ctx context.Context, tx *sql.Tx, table, key, handle string) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (idempotency_key, handle, processed_at_ms)
		VALUES ($1, $2, $3)
	`, table)
	if _, err := tx.ExecContext(ctx, query, key, handle, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("record processed request: %w", err)
	}
	return nil
}
