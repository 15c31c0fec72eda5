package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	m := NewManagerWithClient(client, time.Minute, nil)
	t.Cleanup(func() { _ = m.Close() })
	return m, mr
}

func TestManager_GetSetEmbedding(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, ok := m.GetEmbedding(ctx, "hello")
	assert.False(t, ok)

	vec := []float32{0.1, 0.2, 0.3}
	m.SetEmbedding(ctx, "hello", vec)

	got, ok := m.GetEmbedding(ctx, "hello")
	require.True(t, ok)
	assert.Equal(t, vec, got)

	// A different text misses.
	_, ok = m.GetEmbedding(ctx, "other")
	assert.False(t, ok)
}

func TestManager_CorruptEntryDropped(t *testing.T) {
	t.Parallel()
	m, mr := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, mr.Set(Key("hello"), "not json"))

	_, ok := m.GetEmbedding(ctx, "hello")
	assert.False(t, ok)
	assert.False(t, mr.Exists(Key("hello")))
}

func TestManager_TTL(t *testing.T) {
	t.Parallel()
	m, mr := newTestManager(t)
	ctx := context.Background()

	m.SetEmbedding(ctx, "hello", []float32{1})
	mr.FastForward(2 * time.Minute)

	_, ok := m.GetEmbedding(ctx, "hello")
	assert.False(t, ok)
}

func TestManager_Ping(t *testing.T) {
	t.Parallel()
	m, mr := newTestManager(t)
	assert.NoError(t, m.Ping(context.Background()))

	mr.Close()
	assert.Error(t, m.Ping(context.Background()))
}

func TestKeyStable(t *testing.T) {
	t.Parallel()
	assert.Equal(t, Key("abc"), Key("abc"))
	assert.NotEqual(t, Key("abc"), Key("abd"))
}
