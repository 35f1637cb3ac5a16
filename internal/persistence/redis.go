package persistence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string // Namespace prepended to every key (default "goalrunner:")
}

// RedisStore implements RecordStore on Redis. Each record is a hash holding
// the value and its update time.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "goalrunner:"
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}, nil
}

// Get returns the value stored under key.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.HGet(ctx, s.prefix+key, "value").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record %q: %w", key, err)
	}
	return value, nil
}

// Set inserts or replaces the value under key.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	err := s.client.HSet(ctx, s.prefix+key,
		"value", value,
		"updated_at", strconv.FormatInt(s.now().UnixNano(), 10),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to set record %q: %w", key, err)
	}
	return nil
}

// List returns all records whose key starts with prefix, ordered by key.
func (s *RedisStore) List(ctx context.Context, prefix string) ([]Record, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, globEscape(s.prefix+prefix)+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan records: %w", err)
	}
	sort.Strings(keys)

	records := make([]Record, 0, len(keys))
	for _, k := range keys {
		fields, err := s.client.HGetAll(ctx, k).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read record %q: %w", k, err)
		}
		value, ok := fields["value"]
		if !ok {
			continue // deleted between scan and read
		}
		updated, _ := strconv.ParseInt(fields["updated_at"], 10, 64)
		records = append(records, Record{
			Key:       strings.TrimPrefix(k, s.prefix),
			Value:     []byte(value),
			UpdatedAt: time.Unix(0, updated),
		})
	}
	return records, nil
}

// Delete removes key. Returns ErrNotFound if it did not exist.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	n, err := s.client.Del(ctx, s.prefix+key).Result()
	if err != nil {
		return fmt.Errorf("failed to delete record %q: %w", key, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return nil
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func globEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
