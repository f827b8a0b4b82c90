package quota

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore keeps usage records in the user_api_limits table. The
// increment is a single upsert, so concurrent consumptions never lose
// updates.
type PostgresStore struct {
	db DB
}

var (
	_ Store    = (*PostgresStore)(nil)
	_ Resetter = (*PostgresStore)(nil)
)

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS user_api_limits (
			user_id    TEXT PRIMARY KEY,
			count      INTEGER NOT NULL DEFAULT 0 CHECK (count >= 0),
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`
	if _, err := s.db.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to ensure user_api_limits schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, userID string) (*UsageRecord, error) {
	query := `
		SELECT user_id, count, created_at
		FROM user_api_limits
		WHERE user_id = $1
	`

	var rec UsageRecord
	err := s.db.QueryRow(ctx, query, userID).Scan(&rec.UserID, &rec.Count, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get usage record: %w", err)
	}

	return &rec, nil
}

func (s *PostgresStore) CreateOrIncrement(ctx context.Context, userID string) (int, error) {
	query := `
		INSERT INTO user_api_limits (user_id, count)
		VALUES ($1, 1)
		ON CONFLICT (user_id) DO UPDATE
		SET count = user_api_limits.count + 1, updated_at = now()
		RETURNING count
	`

	var count int
	if err := s.db.QueryRow(ctx, query, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to increment usage: %w", err)
	}

	return count, nil
}

func (s *PostgresStore) Reset(ctx context.Context, userID string) error {
	query := `DELETE FROM user_api_limits WHERE user_id = $1`
	tag, err := s.db.Exec(ctx, query, userID)
	if err != nil {
		return fmt.Errorf("failed to reset usage: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}
