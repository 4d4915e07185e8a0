package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dukerupert/notara/internal/database"
)

// KV is the SQL implementation of kv.Store over a single kv table.
type KV struct {
	db      *sql.DB
	dialect database.Dialect
}

func NewKV(db *sql.DB, dialect database.Dialect) *KV {
	return &KV{db: db, dialect: dialect}
}

func (s *KV) placeholder(n int) string {
	if s.dialect == database.Postgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (s *KV) placeholders(start, count int) string {
	ph := make([]string, count)
	for i := range ph {
		ph[i] = s.placeholder(start + i)
	}
	return strings.Join(ph, ", ")
}

func (s *KV) Get(ctx context.Context, keys ...string) (map[string]json.RawMessage, error) {
	query := `SELECT key, value FROM kv`
	args := make([]any, len(keys))
	if len(keys) > 0 {
		query += ` WHERE key IN (` + s.placeholders(1, len(keys)) + `)`
		for i, k := range keys {
			args[i] = k
		}
	}
	query += ` ORDER BY key`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get kv: %w", err)
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan kv: %w", err)
		}
		out[key] = json.RawMessage(value)
	}
	return out, rows.Err()
}

// Set writes all values in one transaction.
func (s *KV) Set(ctx context.Context, values map[string]json.RawMessage) error {
	if len(values) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin set kv: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (`+s.placeholders(1, 3)+`)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
	)
	if err != nil {
		return fmt.Errorf("prepare set kv: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for key, value := range values {
		if _, err := stmt.ExecContext(ctx, key, string(value), now); err != nil {
			return fmt.Errorf("set kv %q: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit set kv: %w", err)
	}
	return nil
}

func (s *KV) Remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key IN (`+s.placeholders(1, len(keys))+`)`, args...)
	if err != nil {
		return fmt.Errorf("remove kv: %w", err)
	}
	return nil
}
