package sagalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/sagaflow/platform/internal/saga"
)

// PostgresStore Postgres saga 日志存储
//
// Schema:
//
//	CREATE TABLE sagaflow.saga_log (
//	    saga_id        TEXT PRIMARY KEY,
//	    definition_id  TEXT NOT NULL,
//	    status         TEXT NOT NULL,
//	    current_step   INT NOT NULL,
//	    step_results   JSONB NOT NULL,
//	    input_payload  BYTEA,
//	    submit_key     TEXT UNIQUE,
//	    owner_id       TEXT,
//	    lease_expiry_ms BIGINT NOT NULL DEFAULT 0,
//	    created_at_ms  BIGINT NOT NULL,
//	    updated_at_ms  BIGINT NOT NULL,
//	    deadline_at_ms BIGINT
//	);
//	CREATE INDEX saga_log_status_idx ON sagaflow.saga_log (status);
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore 创建存储
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, in *saga.Instance) error {
	steps, err := json.Marshal(in.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}

	query := `
		INSERT INTO sagaflow.saga_log
		(saga_id, definition_id, status, current_step, step_results, input_payload,
		 submit_key, owner_id, lease_expiry_ms, created_at_ms, updated_at_ms, deadline_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err = s.db.ExecContext(ctx, query,
		in.SagaID, in.DefinitionID, string(in.Status), in.CurrentStep, steps,
		[]byte(in.Input), nullString(in.SubmitKey), nullString(in.OwnerID),
		in.LeaseExpiry.UnixMilli(), in.CreatedAt.UnixMilli(), in.UpdatedAt.UnixMilli(),
		nullMilli(in.DeadlineAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert saga: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, sagaID string) (*saga.Instance, error) {
	query := selectClause + ` WHERE saga_id = $1`
	return s.scanInstance(s.db.QueryRowContext(ctx, query, sagaID))
}

func (s *PostgresStore) GetBySubmitKey(ctx context.Context, key string) (*saga.Instance, error) {
	query := selectClause + ` WHERE submit_key = $1`
	return s.scanInstance(s.db.QueryRowContext(ctx, query, key))
}

// Update replaces the row and refreshes the lease in one statement. The
// owner_id guard is what makes a stale coordinator's write a no-op.
func (s *PostgresStore) Update(ctx context.Context, in *saga.Instance) error {
	steps, err := json.Marshal(in.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}

	query := `
		UPDATE sagaflow.saga_log
		SET status = $1, current_step = $2, step_results = $3,
		    owner_id = $4, lease_expiry_ms = $5, updated_at_ms = $6
		WHERE saga_id = $7 AND (owner_id IS NULL OR owner_id = $4)
	`
	res, err := s.db.ExecContext(ctx, query,
		string(in.Status), in.CurrentStep, steps,
		nullString(in.OwnerID), in.LeaseExpiry.UnixMilli(), in.UpdatedAt.UnixMilli(),
		in.SagaID,
	)
	if err != nil {
		return fmt.Errorf("update saga: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (s *PostgresStore) Claim(ctx context.Context, sagaID, ownerID string, ttl time.Duration) (*saga.Instance, error) {
	now := time.Now().UTC()
	query := `
		UPDATE sagaflow.saga_log
		SET owner_id = $1, lease_expiry_ms = $2, updated_at_ms = $3
		WHERE saga_id = $4 AND (owner_id IS NULL OR owner_id = $1 OR lease_expiry_ms < $5)
	`
	res, err := s.db.ExecContext(ctx, query,
		ownerID, now.Add(ttl).UnixMilli(), now.UnixMilli(), sagaID, now.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("claim saga: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		// Either the row is missing or someone else holds the lease.
		if _, getErr := s.Get(ctx, sagaID); getErr != nil {
			return nil, getErr
		}
		return nil, ErrLeaseHeld
	}
	return s.Get(ctx, sagaID)
}

func (s *PostgresStore) ListNonTerminal(ctx context.Context) ([]*saga.Instance, error) {
	query := selectClause + `
		WHERE status NOT IN ('COMPLETED', 'COMPENSATED', 'COMPENSATION_FAILED', 'ABORTED')
		ORDER BY created_at_ms
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query non-terminal: %w", err)
	}
	defer rows.Close()

	var out []*saga.Instance
	for rows.Next() {
		in, err := s.scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

const selectClause = `
	SELECT saga_id, definition_id, status, current_step, step_results, input_payload,
	       submit_key, owner_id, lease_expiry_ms, created_at_ms, updated_at_ms, deadline_at_ms
	FROM sagaflow.saga_log
`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *PostgresStore) scanInstance(row rowScanner) (*saga.Instance, error) {
	var (
		in         saga.Instance
		status     string
		steps      []byte
		input      []byte
		submitKey  sql.NullString
		ownerID    sql.NullString
		leaseMs    int64
		createdMs  int64
		updatedMs  int64
		deadlineMs sql.NullInt64
	)
	err := row.Scan(
		&in.SagaID, &in.DefinitionID, &status, &in.CurrentStep, &steps, &input,
		&submitKey, &ownerID, &leaseMs, &createdMs, &updatedMs, &deadlineMs,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan saga: %w", err)
	}

	in.Status = saga.Status(status)
	if err := json.Unmarshal(steps, &in.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps: %w", err)
	}
	in.Input = input
	in.SubmitKey = submitKey.String
	in.OwnerID = ownerID.String
	in.LeaseExpiry = time.UnixMilli(leaseMs).UTC()
	in.CreatedAt = time.UnixMilli(createdMs).UTC()
	in.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	if deadlineMs.Valid {
		in.DeadlineAt = time.UnixMilli(deadlineMs.Int64).UTC()
	}
	return &in, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullMilli(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

var _ Store = (*PostgresStore)(nil)
