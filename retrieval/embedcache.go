package retrieval

import (
	"context"

	"github.com/edgeintel/ragchat/internal/cache"
)

// CachedEmbedder puts a Redis cache in front of an Embedder. Identical
// query texts across turns skip the embedding service entirely.
type CachedEmbedder struct {
	inner Embedder
	cache *cache.Manager
}

// NewCachedEmbedder wraps inner with the given cache.
func NewCachedEmbedder(inner Embedder, c *cache.Manager) *CachedEmbedder {
	return &CachedEmbedder{inner: inner, cache: c}
}

func (e *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if vec, ok := e.cache.GetEmbedding(ctx, text); ok {
		return vec, nil
	}
	vec, err := e.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	e.cache.SetEmbedding(ctx, text, vec)
	return vec, nil
}
