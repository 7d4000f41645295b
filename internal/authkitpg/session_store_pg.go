package authkitpg

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/bbunline/membership/internal/authkit"
)

// Querier is the subset of *pgxpool.Pool used by the store.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

// PostgresSessionStore persists refresh sessions in PostgreSQL. Keys are stored hashed.
type PostgresSessionStore struct {
	pool Querier
	now  func() time.Time
}

// NewPostgresSessionStore constructs a Postgres store.
func NewPostgresSessionStore(pool Querier) *PostgresSessionStore {
	return &PostgresSessionStore{
		pool: pool,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Set inserts the session, replacing an existing row with the same key.
func (store *PostgresSessionStore) Set(ctx context.Context, key string, userID string, ttl time.Duration) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("session_store.set.pgx: %w", authkit.ErrEmptySessionKey)
	}
	now := store.now()
	_, err := store.pool.Exec(ctx, `
INSERT INTO refresh_sessions (session_key, user_id, expires_at, created_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (session_key) DO UPDATE SET user_id = EXCLUDED.user_id, expires_at = EXCLUDED.expires_at
`, authkit.HashSessionKey(key), userID, now.Add(ttl), now)
	if err != nil {
		return fmt.Errorf("session_store.set.pgx: %w", err)
	}
	return nil
}

// GetOrFail returns the user id of a live session.
func (store *PostgresSessionStore) GetOrFail(ctx context.Context, key string) (string, error) {
	var userID string
	row := store.pool.QueryRow(ctx, `
SELECT user_id
FROM refresh_sessions
WHERE session_key = $1 AND expires_at > $2
`, authkit.HashSessionKey(key), store.now())
	if err := row.Scan(&userID); err != nil {
		return "", wrapScanErr("get", err)
	}
	return userID, nil
}

// Consume deletes the live row and returns its owner in one statement.
func (store *PostgresSessionStore) Consume(ctx context.Context, key string) (string, error) {
	var userID string
	row := store.pool.QueryRow(ctx, `
DELETE FROM refresh_sessions
WHERE session_key = $1 AND expires_at > $2
RETURNING user_id
`, authkit.HashSessionKey(key), store.now())
	if err := row.Scan(&userID); err != nil {
		return "", wrapScanErr("consume", err)
	}
	return userID, nil
}

// Delete removes the session row if present.
func (store *PostgresSessionStore) Delete(ctx context.Context, key string) error {
	if _, err := store.pool.Exec(ctx, `DELETE FROM refresh_sessions WHERE session_key = $1`, authkit.HashSessionKey(key)); err != nil {
		return fmt.Errorf("session_store.delete.pgx: %w", err)
	}
	return nil
}

// PurgeExpired deletes sessions past their expiry and reports how many were removed.
func (store *PostgresSessionStore) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := store.pool.Exec(ctx, `DELETE FROM refresh_sessions WHERE expires_at <= $1`, store.now())
	if err != nil {
		return 0, fmt.Errorf("session_store.purge.pgx: %w", err)
	}
	return tag.RowsAffected(), nil
}

func wrapScanErr(operation string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("session_store.%s.pgx: %w", operation, authkit.ErrSessionNotFound)
	}
	return fmt.Errorf("session_store.%s.pgx: %w", operation, err)
}
