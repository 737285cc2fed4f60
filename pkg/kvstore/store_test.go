package kvstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

const testMaxAge = 30 * time.Second

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Get(ctx, "auth:ibkr"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get on empty store: err = %v, want ErrNotFound", err)
	}

	if err := s.Put(ctx, "auth:ibkr", `{"brokerId":"ibkr"}`); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(ctx, "auth:ibkr")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != `{"brokerId":"ibkr"}` {
		t.Fatalf("Get = %q", got)
	}

	// Upsert overwrites.
	if err := s.Put(ctx, "auth:ibkr", "v2"); err != nil {
		t.Fatalf("Put overwrite: %v", err)
	}
	if got, _ := s.Get(ctx, "auth:ibkr"); got != "v2" {
		t.Fatalf("Get after overwrite = %q, want v2", got)
	}

	if err := s.Delete(ctx, "auth:ibkr"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "auth:ibkr"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after delete: err = %v, want ErrNotFound", err)
	}

	// Deleting a missing key is fine.
	if err := s.Delete(ctx, "auth:ibkr"); err != nil {
		t.Fatalf("Delete missing: %v", err)
	}
}

func TestKeysPattern(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, k := range []string{"auth:ibkr", "auth:mt5", "auth:bybit", "operator:admin"} {
		if err := s.Put(ctx, k, "x"); err != nil {
			t.Fatalf("Put %s: %v", k, err)
		}
	}

	keys, err := s.Keys(ctx, "auth:%")
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	want := []string{"auth:bybit", "auth:ibkr", "auth:mt5"}
	if len(keys) != len(want) {
		t.Fatalf("Keys = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("Keys = %v, want %v", keys, want)
		}
	}
}

func TestGetWithAge(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, "k", "v"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	v, age, err := s.GetWithAge(ctx, "k")
	if err != nil {
		t.Fatalf("GetWithAge: %v", err)
	}
	if v != "v" {
		t.Fatalf("value = %q", v)
	}
	if age < 0 || age > testMaxAge {
		t.Fatalf("age = %v, want recent", age)
	}
}
