package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore persists records in the idempotency_records table so that
// dedup survives process restarts.
type PostgresStore struct {
	db    *sql.DB
	ttl   time.Duration
	clock func() time.Time
}

// NewPostgresStore creates a store on an open database handle.
// ttl <= 0 keeps records forever.
func NewPostgresStore(db *sql.DB, ttl time.Duration) *PostgresStore {
	return &PostgresStore{db: db, ttl: ttl, clock: time.Now}
}

func (s *PostgresStore) Get(ctx context.Context, key Key) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT payload, created_at
		FROM idempotency_records
		WHERE tool_name = $1 AND caller_key = $2 AND dedup_token = $3
	`, key.Tool, key.Caller, key.Token)

	rec := Record{Key: key}
	if err := row.Scan(&rec.Payload, &rec.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("PostgresStore.Get: %w", err)
	}
	if expired(rec.CreatedAt, s.clock(), s.ttl) {
		return nil, nil
	}
	return &rec, nil
}

func (s *PostgresStore) PutIfAbsent(ctx context.Context, rec Record) (bool, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.clock()
	}

	var (
		res sql.Result
		err error
	)
	if s.ttl > 0 {
		// An expired record may be replaced; a live one never is.
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO idempotency_records (tool_name, caller_key, dedup_token, payload, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (tool_name, caller_key, dedup_token) DO UPDATE
			SET payload = EXCLUDED.payload, created_at = EXCLUDED.created_at
			WHERE idempotency_records.created_at < $6
		`, rec.Key.Tool, rec.Key.Caller, rec.Key.Token, rec.Payload, rec.CreatedAt, rec.CreatedAt.Add(-s.ttl))
	} else {
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO idempotency_records (tool_name, caller_key, dedup_token, payload, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (tool_name, caller_key, dedup_token) DO NOTHING
		`, rec.Key.Tool, rec.Key.Caller, rec.Key.Token, rec.Payload, rec.CreatedAt)
	}
	if err != nil {
		return false, fmt.Errorf("PostgresStore.PutIfAbsent: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("PostgresStore.PutIfAbsent: rows affected: %w", err)
	}
	return n == 1, nil
}

// DeleteExpired removes records older than the TTL. No-op when unbounded.
func (s *PostgresStore) DeleteExpired(ctx context.Context) (int64, error) {
	if s.ttl <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_records WHERE created_at < $1`,
		s.clock().Add(-s.ttl),
	)
	if err != nil {
		return 0, fmt.Errorf("PostgresStore.DeleteExpired: %w", err)
	}
	return res.RowsAffected()
}
