package kv

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStoreSetGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.Get(ctx, "missing"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound for missing key, got %v", err)
	}

	if err := store.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	value, err := store.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(value) != "v" {
		t.Errorf("expected %q, got %q", "v", value)
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now()
	store.now = func() time.Time { return base }

	if err := store.Set(ctx, "k", []byte("v"), 30*time.Second); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	store.now = func() time.Time { return base.Add(29 * time.Second) }
	if _, err := store.Get(ctx, "k"); err != nil {
		t.Errorf("key should still be live before ttl: %v", err)
	}

	store.now = func() time.Time { return base.Add(31 * time.Second) }
	if _, err := store.Get(ctx, "k"); err != ErrNotFound {
		t.Errorf("key should be gone after ttl, got %v", err)
	}

	exists, err := store.Exists(ctx, "k")
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if exists {
		t.Error("expired key should not exist")
	}
}

func TestMemoryStoreSetNX(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now()
	store.now = func() time.Time { return base }

	ok, err := store.SetNX(ctx, "lock", []byte("a"), 30*time.Second)
	if err != nil || !ok {
		t.Fatalf("first SetNX should succeed, got ok=%v err=%v", ok, err)
	}

	ok, err = store.SetNX(ctx, "lock", []byte("b"), 30*time.Second)
	if err != nil {
		t.Fatalf("second SetNX errored: %v", err)
	}
	if ok {
		t.Error("second SetNX should fail while key is held")
	}

	// The holder value must be untouched by the failed attempt.
	value, _ := store.Get(ctx, "lock")
	if string(value) != "a" {
		t.Errorf("expected original holder %q, got %q", "a", value)
	}

	store.now = func() time.Time { return base.Add(31 * time.Second) }
	ok, err = store.SetNX(ctx, "lock", []byte("c"), 30*time.Second)
	if err != nil || !ok {
		t.Errorf("SetNX after expiry should succeed, got ok=%v err=%v", ok, err)
	}
}

func TestMemoryStoreKeys(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	store.Set(ctx, "flow:a", []byte("1"), 0)
	store.Set(ctx, "flow:b", []byte("2"), 0)
	store.Set(ctx, "token:c", []byte("3"), 0)

	keys, err := store.Keys(ctx, "flow:")
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("expected 2 flow keys, got %v", keys)
	}
}

func TestMemoryStoreSets(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	store.SAdd(ctx, "idx", "a", time.Minute)
	store.SAdd(ctx, "idx", "b", time.Minute)
	store.SAdd(ctx, "idx", "a", time.Minute)

	members, err := store.SMembers(ctx, "idx")
	if err != nil {
		t.Fatalf("SMembers failed: %v", err)
	}
	if len(members) != 2 {
		t.Errorf("expected 2 members, got %v", members)
	}

	store.SRem(ctx, "idx", "a")
	members, _ = store.SMembers(ctx, "idx")
	if len(members) != 1 || members[0] != "b" {
		t.Errorf("expected [b], got %v", members)
	}
}
