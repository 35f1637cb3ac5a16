package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Get returns the value stored under key.
func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM records WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record %q: %w", key, err)
	}
	return value, nil
}

// Set inserts or replaces the value under key.
func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte) error {
	err := s.withBusyRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO records (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				value = excluded.value,
				updated_at = excluded.updated_at
		`, key, value, s.now().UnixNano())
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to set record %q: %w", key, err)
	}
	return nil
}

// List returns all records whose key starts with prefix, ordered by key.
func (s *SQLiteStore) List(ctx context.Context, prefix string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value, updated_at FROM records
		WHERE substr(key, 1, length(?)) = ?
		ORDER BY key
	`, prefix, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			r       Record
			updated int64
		)
		if err := rows.Scan(&r.Key, &r.Value, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		r.UpdatedAt = time.Unix(0, updated)
		records = append(records, r)
	}
	return records, rows.Err()
}

// Delete removes key. Returns ErrNotFound if it did not exist.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	var affected int64
	err := s.withBusyRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE key = ?`, key)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to delete record %q: %w", key, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return nil
}

// GetJSON decodes the value under key into a new T.
func GetJSON[T any](ctx context.Context, store RecordStore, key string) (*T, error) {
	data, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to decode record %q: %w", key, err)
	}
	return &v, nil
}

// PutJSON encodes v and stores it under key.
func PutJSON(ctx context.Context, store RecordStore, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode record %q: %w", key, err)
	}
	return store.Set(ctx, key, data)
}

// ListJSON decodes every record under prefix. Records that fail to decode are
// passed to skip, if non-nil, and left out of the result.
func ListJSON[T any](ctx context.Context, store RecordStore, prefix string, skip func(key string, err error)) ([]*T, error) {
	records, err := store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(records))
	for _, r := range records {
		var v T
		if err := json.Unmarshal(r.Value, &v); err != nil {
			if skip != nil {
				skip(r.Key, err)
			}
			continue
		}
		out = append(out, &v)
	}
	return out, nil
}
