package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"weighsplit/internal/domain"
)

var _ domain.DocumentStore = (*DB)(nil)

// Get returns the document stored under key.
func (d *DB) Get(ctx context.Context, key string) ([]byte, error) {
	var body []byte
	err := d.sql.QueryRowContext(ctx, "SELECT body FROM documents WHERE key=$1;", key).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrDocumentNotFound
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return body, nil
}

// Put inserts or replaces the document stored under key.
func (d *DB) Put(ctx context.Context, key string, doc []byte) error {
	_, err := d.sql.ExecContext(ctx,
		"INSERT INTO documents(key, body, updated_at) VALUES($1, $2, $3) ON CONFLICT(key) DO UPDATE SET body=excluded.body, updated_at=excluded.updated_at;",
		key, string(doc), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}
