package reconnect

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tollgate/internal/kv"
)

// brokenStore fails every operation, standing in for an unreachable
// backend.
type brokenStore struct{}

var errDown = errors.New("backend down")

func (brokenStore) Get(context.Context, string) ([]byte, error) { return nil, errDown }
func (brokenStore) Set(context.Context, string, []byte, time.Duration) error {
	return errDown
}
func (brokenStore) SetNX(context.Context, string, []byte, time.Duration) (bool, error) {
	return false, errDown
}
func (brokenStore) Delete(context.Context, string) error { return errDown }
func (brokenStore) Exists(context.Context, string) (bool, error) { return false, errDown }
func (brokenStore) Keys(context.Context, string) ([]string, error) {
	return nil, errDown
}
func (brokenStore) SAdd(context.Context, string, string, time.Duration) error {
	return errDown
}
func (brokenStore) SMembers(context.Context, string) ([]string, error) { return nil, errDown }
func (brokenStore) SRem(context.Context, string, string) error { return errDown }
func (brokenStore) Close() error { return nil }

func TestLockMutualExclusion(t *testing.T) {
	store := kv.NewMemoryStore()
	defer store.Close()
	l := NewLock(store, 30*time.Second, time.Minute)
	ctx := context.Background()

	holder, ok := l.Acquire(ctx, "u", "srv")
	require.True(t, ok)
	require.NotEmpty(t, holder)

	_, ok = l.Acquire(ctx, "u", "srv")
	assert.False(t, ok, "second acquire must fail while held")

	// A different pair is unaffected.
	_, ok = l.Acquire(ctx, "u", "other")
	assert.True(t, ok)

	l.Release(ctx, "u", "srv", holder)
	_, ok = l.Acquire(ctx, "u", "srv")
	assert.True(t, ok, "released lock is reacquirable")
}

func TestLockReleaseRequiresHolder(t *testing.T) {
	store := kv.NewMemoryStore()
	defer store.Close()
	l := NewLock(store, 30*time.Second, time.Minute)
	ctx := context.Background()

	holder, ok := l.Acquire(ctx, "u", "srv")
	require.True(t, ok)

	// A stranger's release is a no-op.
	l.Release(ctx, "u", "srv", "not-the-holder")
	_, ok = l.Acquire(ctx, "u", "srv")
	assert.False(t, ok, "lock still held after foreign release")

	l.Release(ctx, "u", "srv", holder)
	_, ok = l.Acquire(ctx, "u", "srv")
	assert.True(t, ok)
}

func TestLockFailsOpenWhenStoreDown(t *testing.T) {
	l := NewLock(brokenStore{}, 30*time.Second, time.Minute)
	ctx := context.Background()

	holder, ok := l.Acquire(ctx, "u", "srv")
	assert.True(t, ok, "unavailable backend must not block reconnection")
	assert.Empty(t, holder)

	// Release of an empty holder is a no-op, not a panic.
	l.Release(ctx, "u", "srv", holder)

	assert.True(t, l.CanAttempt(ctx, "u", "srv"), "cooldown also fails open")
}

func TestIsLockedTracksHolding(t *testing.T) {
	store := kv.NewMemoryStore()
	defer store.Close()
	l := NewLock(store, 30*time.Second, time.Minute)
	ctx := context.Background()

	assert.False(t, l.IsLocked(ctx, "u", "srv"))
	assert.True(t, l.CanAttempt(ctx, "u", "srv"))

	holder, ok := l.Acquire(ctx, "u", "srv")
	require.True(t, ok)
	assert.True(t, l.IsLocked(ctx, "u", "srv"))
	assert.False(t, l.CanAttempt(ctx, "u", "srv"), "a held lock blocks attempts even without a status record")

	l.Release(ctx, "u", "srv", holder)
	assert.False(t, l.IsLocked(ctx, "u", "srv"))
	assert.True(t, l.CanAttempt(ctx, "u", "srv"))
}

func TestCooldownStatus(t *testing.T) {
	store := kv.NewMemoryStore()
	defer store.Close()
	l := NewLock(store, 30*time.Second, time.Minute)
	ctx := context.Background()

	assert.True(t, l.CanAttempt(ctx, "u", "srv"))

	l.SetStatus(ctx, "u", "srv", StatusFailed)
	status, ok := l.Status(ctx, "u", "srv")
	require.True(t, ok)
	assert.Equal(t, StatusFailed, status)
	assert.False(t, l.CanAttempt(ctx, "u", "srv"), "attempt blocked during cooldown")
}
