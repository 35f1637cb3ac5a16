package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cenkalti/backoff/v4"
)

// testStore creates an in-memory store for testing and registers cleanup.
func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func testRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := NewRedisStore(context.Background(), RedisOptions{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store, mr
}

// stores returns every RecordStore implementation under test.
func stores(t *testing.T) map[string]RecordStore {
	t.Helper()
	redisStore, _ := testRedisStore(t)
	return map[string]RecordStore{
		"sqlite": testStore(t),
		"redis":  redisStore,
	}
}

func TestRecordStore_SetGetDelete(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if _, err := store.Get(ctx, "runs/missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Expected ErrNotFound, got %v", err)
			}

			if err := store.Set(ctx, "runs/a", []byte(`{"v":1}`)); err != nil {
				t.Fatalf("Set failed: %v", err)
			}
			if err := store.Set(ctx, "runs/a", []byte(`{"v":2}`)); err != nil {
				t.Fatalf("overwrite failed: %v", err)
			}

			got, err := store.Get(ctx, "runs/a")
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if string(got) != `{"v":2}` {
				t.Errorf("Expected overwritten value, got %s", got)
			}

			if err := store.Delete(ctx, "runs/a"); err != nil {
				t.Fatalf("Delete failed: %v", err)
			}
			if err := store.Delete(ctx, "runs/a"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Expected ErrNotFound on second delete, got %v", err)
			}
			if _, err := store.Get(ctx, "runs/a"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Expected ErrNotFound after delete, got %v", err)
			}
		})
	}
}

func TestRecordStore_ListByPrefix(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, key := range []string{"runs/b", "runs/a", "other/x", "runs*/literal", "RUNS/upper"} {
				if err := store.Set(ctx, key, []byte(key)); err != nil {
					t.Fatalf("Set(%s) failed: %v", key, err)
				}
			}

			records, err := store.List(ctx, "runs/")
			if err != nil {
				t.Fatalf("List failed: %v", err)
			}
			if len(records) != 2 || records[0].Key != "runs/a" || records[1].Key != "runs/b" {
				t.Fatalf("Expected [runs/a runs/b], got %+v", records)
			}
			if string(records[0].Value) != "runs/a" {
				t.Errorf("Unexpected value %s", records[0].Value)
			}
			if records[0].UpdatedAt.IsZero() {
				t.Error("Expected UpdatedAt to be set")
			}

			all, err := store.List(ctx, "")
			if err != nil {
				t.Fatalf("List all failed: %v", err)
			}
			if len(all) != 5 {
				t.Errorf("Expected 5 records, got %d", len(all))
			}
		})
	}
}

type sample struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestJSONHelpers(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := PutJSON(ctx, store, "s/1", sample{Name: "one", Count: 1}); err != nil {
		t.Fatalf("PutJSON failed: %v", err)
	}
	if err := PutJSON(ctx, store, "s/2", sample{Name: "two", Count: 2}); err != nil {
		t.Fatalf("PutJSON failed: %v", err)
	}
	if err := store.Set(ctx, "s/3", []byte("not json")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, err := GetJSON[sample](ctx, store, "s/2")
	if err != nil {
		t.Fatalf("GetJSON failed: %v", err)
	}
	if got.Name != "two" || got.Count != 2 {
		t.Errorf("Unexpected value: %+v", got)
	}

	var skipped []string
	list, err := ListJSON[sample](ctx, store, "s/", func(key string, err error) {
		skipped = append(skipped, key)
	})
	if err != nil {
		t.Fatalf("ListJSON failed: %v", err)
	}
	if len(list) != 2 || len(skipped) != 1 || skipped[0] != "s/3" {
		t.Errorf("Expected 2 decoded and s/3 skipped, got %d decoded, skipped %v", len(list), skipped)
	}

	if _, err := GetJSON[sample](ctx, store, "s/3"); err == nil {
		t.Error("Expected decode error for malformed record")
	}
}

func TestSQLiteStore_ConcurrentWrites(t *testing.T) {
	store, err := NewSQLiteStore(context.Background(), t.TempDir()+"/nested/records.db")
	if err != nil {
		t.Fatalf("failed to open file store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- store.Set(ctx, fmt.Sprintf("k/%02d", i), []byte("v"))
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("concurrent Set failed: %v", err)
		}
	}
	records, err := store.List(ctx, "k/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(records) != 40 {
		t.Errorf("Expected 40 records, got %d", len(records))
	}
}

func TestSQLiteStore_MigratesOnce(t *testing.T) {
	ctx := context.Background()
	path := t.TempDir() + "/records.db"

	store, err := NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	if err := store.Set(ctx, "runs/a", []byte("1")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	store.Close()

	reopened, err := NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	var version int
	if err := reopened.db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&version); err != nil {
		t.Fatalf("reading user_version: %v", err)
	}
	if version != len(migrations) {
		t.Errorf("user_version = %d, want %d", version, len(migrations))
	}
	if v, err := reopened.Get(ctx, "runs/a"); err != nil || string(v) != "1" {
		t.Errorf("record lost across reopen: %q, %v", v, err)
	}
}

func TestSQLiteStore_RetryStopsOnPermanentError(t *testing.T) {
	store := testStore(t)
	store.retry = func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }

	calls := 0
	err := store.withBusyRetry(context.Background(), func() error {
		calls++
		return errors.New("constraint failed")
	})
	if err == nil || calls != 1 {
		t.Errorf("Expected a single attempt for non-busy errors, got %d (err %v)", calls, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := store.withBusyRetry(ctx, func() error { return nil }); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestRedisStore_KeyPrefix(t *testing.T) {
	store, mr := testRedisStore(t)
	ctx := context.Background()

	if err := store.Set(ctx, "runs/a", []byte("x")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if !mr.Exists("goalrunner:runs/a") {
		t.Errorf("Expected namespaced key, have %v", mr.Keys())
	}
	if got := mr.HGet("goalrunner:runs/a", "value"); got != "x" {
		t.Errorf("Expected stored value x, got %q", got)
	}
}

func TestNewRedisStore_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := NewRedisStore(ctx, RedisOptions{Addr: addr}); err == nil {
		t.Error("Expected connection error")
	}
}
