package credential

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a pgx-backed KeyValueStore for shared deployments
// where several workers serve the same logical session.
//
// Ownership model: the pool is owned by the caller; Close is a no-op.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// NewPostgresStore constructs a PostgresStore against an existing pool.
// schema defaults to "beacon"; the kv table must exist (schema management
// is handled by migrations, not here).
func NewPostgresStore(pool *pgxpool.Pool, schema string) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("nil pool")
	}
	schema = strings.TrimSpace(schema)
	if schema == "" {
		schema = "beacon"
	}
	if !validIdent(schema) {
		return nil, fmt.Errorf("invalid schema name: %q", schema)
	}
	return &PostgresStore{pool: pool, schema: schema}, nil
}

// Get returns the value for key, or ErrNotFound.
func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	q := fmt.Sprintf(`SELECT value FROM %s.kv WHERE key = $1`, s.schema)

	var v []byte
	err := s.pool.QueryRow(ctx, q, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Set upserts the value for key.
func (s *PostgresStore) Set(ctx context.Context, key string, value []byte) error {
	q := fmt.Sprintf(`
		INSERT INTO %s.kv (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`, s.schema)

	_, err := s.pool.Exec(ctx, q, key, value)
	return err
}

// Delete removes key. Missing keys are not an error.
func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	q := fmt.Sprintf(`DELETE FROM %s.kv WHERE key = $1`, s.schema)

	_, err := s.pool.Exec(ctx, q, key)
	return err
}

// Close is a no-op; the pool is owned by the app.
func (s *PostgresStore) Close() error { return nil }

func validIdent(s string) bool {
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r == '_':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return len(s) > 0
}
