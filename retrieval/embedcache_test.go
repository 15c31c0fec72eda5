package retrieval

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeintel/ragchat/internal/cache"
)

type countingEmbedder struct {
	calls int
	vec   []float32
}

func (e *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.calls++
	return e.vec, nil
}

func TestCachedEmbedder(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := cache.NewManagerWithClient(client, time.Minute, nil)
	t.Cleanup(func() { _ = c.Close() })

	inner := &countingEmbedder{vec: []float32{0.5, 0.25}}
	e := NewCachedEmbedder(inner, c)
	ctx := context.Background()

	first, err := e.Embed(ctx, "what is X")
	require.NoError(t, err)
	assert.Equal(t, inner.vec, first)
	assert.Equal(t, 1, inner.calls)

	// Second identical query is served from cache.
	second, err := e.Embed(ctx, "what is X")
	require.NoError(t, err)
	assert.Equal(t, inner.vec, second)
	assert.Equal(t, 1, inner.calls)

	_, err = e.Embed(ctx, "different query")
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls)
}
