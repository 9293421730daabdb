package pending

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const actionColumns = `id, tool_name, caller_key, arguments, dedup_token, correlation_id,
		       status, created_at, resolved_at, executed_at`

// PostgresStore persists actions in the pending_actions table. Status
// changes are conditional UPDATEs, so concurrent resolvers across
// replicas still see exactly one winner.
type PostgresStore struct {
	db    *sql.DB
	ttl   time.Duration
	clock func() time.Time
}

// NewPostgresStore creates a store on an open database handle.
func NewPostgresStore(db *sql.DB, ttl time.Duration) *PostgresStore {
	return &PostgresStore{db: db, ttl: ttl, clock: time.Now}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAction(row rowScanner) (*Action, error) {
	var (
		a          Action
		status     string
		args       []byte
		resolvedAt sql.NullTime
		executedAt sql.NullTime
	)
	if err := row.Scan(
		&a.ID, &a.ToolName, &a.CallerKey, &args, &a.DedupToken, &a.CorrelationID,
		&status, &a.CreatedAt, &resolvedAt, &executedAt,
	); err != nil {
		return nil, err
	}
	a.Arguments = args
	a.Status = Status(status)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		a.ResolvedAt = &t
	}
	if executedAt.Valid {
		t := executedAt.Time
		a.ExecutedAt = &t
	}
	return &a, nil
}

func (s *PostgresStore) Create(ctx context.Context, na NewAction) (*Action, error) {
	id, err := NewID()
	if err != nil {
		return nil, err
	}
	a := &Action{
		ID:            id,
		ToolName:      na.ToolName,
		CallerKey:     na.CallerKey,
		Arguments:     na.Arguments,
		DedupToken:    na.DedupToken,
		CorrelationID: na.CorrelationID,
		Status:        StatusPending,
		CreatedAt:     s.clock().UTC(),
	}
	if len(a.Arguments) == 0 {
		a.Arguments = []byte("{}")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pending_actions (id, tool_name, caller_key, arguments, dedup_token,
		                             correlation_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, a.ID, a.ToolName, a.CallerKey, []byte(a.Arguments), a.DedupToken, a.CorrelationID, string(a.Status), a.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("PostgresStore.Create: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Action, error) {
	if _, err := s.expire(ctx, id); err != nil {
		return nil, err
	}

	a, err := scanAction(s.db.QueryRowContext(ctx,
		`SELECT `+actionColumns+` FROM pending_actions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("PostgresStore.Get: %w", err)
	}
	return a, nil
}

// expire rejects id if it is still pending past the TTL.
func (s *PostgresStore) expire(ctx context.Context, id string) (bool, error) {
	if s.ttl <= 0 {
		return false, nil
	}
	now := s.clock().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_actions
		SET status = 'rejected', resolved_at = $2
		WHERE id = $1 AND status = 'pending' AND created_at <= $3
	`, id, now, now.Add(-s.ttl))
	if err != nil {
		return false, fmt.Errorf("PostgresStore.expire: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("PostgresStore.expire: rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *PostgresStore) Resolve(ctx context.Context, id string, approve bool) (*Action, error) {
	expired, err := s.expire(ctx, id)
	if err != nil {
		return nil, err
	}
	if expired {
		return nil, ErrExpired
	}

	next := StatusRejected
	if approve {
		next = StatusApproved
	}
	a, err := scanAction(s.db.QueryRowContext(ctx, `
		UPDATE pending_actions
		SET status = $2, resolved_at = $3
		WHERE id = $1 AND status = 'pending'
		RETURNING `+actionColumns,
		id, string(next), s.clock().UTC()))
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("PostgresStore.Resolve: %w", err)
	}

	if _, err := s.status(ctx, id); err != nil {
		return nil, err
	}
	return nil, ErrAlreadyResolved
}

func (s *PostgresStore) MarkExecuted(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_actions
		SET status = 'executed', executed_at = $2
		WHERE id = $1 AND status = 'approved'
	`, id, s.clock().UTC())
	if err != nil {
		return fmt.Errorf("PostgresStore.MarkExecuted: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("PostgresStore.MarkExecuted: rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	if _, err := s.status(ctx, id); err != nil {
		return err
	}
	return ErrInvalidTransition
}

func (s *PostgresStore) status(ctx context.Context, id string) (Status, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM pending_actions WHERE id = $1`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("PostgresStore.status: %w", err)
	}
	return Status(status), nil
}
