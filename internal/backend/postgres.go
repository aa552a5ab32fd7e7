// Package backend holds the out-of-process collaborators of the room layer:
// consultation status persistence, recording control, entitlement checks and
// offline-user notification. Every implementation is best-effort from the
// room layer's point of view; in-memory state stays authoritative.
package backend

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// OpenPostgres connects a pool to the bookings database and verifies the
// connection before returning it.
func OpenPostgres(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// PostgresStatusStore persists consultation status transitions in the
// bookings database shared with the scheduling service.
type PostgresStatusStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStatusStore(pool *pgxpool.Pool) *PostgresStatusStore {
	return &PostgresStatusStore{pool: pool}
}

func (s *PostgresStatusStore) UpdateStatus(ctx context.Context, consultationID, status string) error {
	stmt := `
		UPDATE consultations
		SET status = $2, updated_at = now()
		WHERE id = $1`
	tag, err := s.pool.Exec(ctx, stmt, consultationID, status)
	if err != nil {
		return fmt.Errorf("update consultation %s status: %w", consultationID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("consultation %s not found", consultationID)
	}
	return nil
}
