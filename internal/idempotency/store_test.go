package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutIfAbsentFirstWriteWins(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	got, ok, err := store.PutIfAbsent(ctx, "order", "key-1", "result-a", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "result-a", got)

	got, ok, err = store.PutIfAbsent(ctx, "order", "key-1", "result-b", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok, "replay must not overwrite")
	assert.Equal(t, "result-a", got)
}

func TestScopesAreIndependent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, ok, err := store.PutIfAbsent(ctx, "order", "key-1", "order-result", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = store.PutIfAbsent(ctx, "transfer", "key-1", "transfer-result", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok, "same key in a different scope is a new request")

	got, found, err := store.Get(ctx, "transfer", "key-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "transfer-result", got)
}

func TestEntryExpiresAfterWindow(t *testing.T) {
	store := NewMemoryStore()
	current := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return current }
	ctx := context.Background()

	_, ok, err := store.PutIfAbsent(ctx, "order", "key-1", "result-a", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	current = current.Add(30 * time.Minute)
	_, found, err := store.Get(ctx, "order", "key-1")
	require.NoError(t, err)
	assert.True(t, found, "inside the window the key is a replay")

	current = current.Add(31 * time.Minute)
	_, found, err = store.Get(ctx, "order", "key-1")
	require.NoError(t, err)
	assert.False(t, found, "outside the window the key is fresh")

	got, ok, err := store.PutIfAbsent(ctx, "order", "key-1", "result-b", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "result-b", got)
}

func TestGetUnknownKey(t *testing.T) {
	store := NewMemoryStore()
	_, found, err := store.Get(context.Background(), "order", "missing")
	require.NoError(t, err)
	assert.False(t, found)
}
