// Package cache provides internal cache management.
// This package is internal and should not be imported by external projects.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Config configures the Redis-backed cache.
type Config struct {
	Addr     string        `yaml:"addr" json:"addr"`
	Password string        `yaml:"password" json:"password"`
	DB       int           `yaml:"db" json:"db"`
	TTL      time.Duration `yaml:"ttl" json:"ttl"`
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{
		Addr: "localhost:6379",
		TTL:  24 * time.Hour,
	}
}

// Manager caches embedding vectors keyed by a digest of the input text.
// Misses are not errors; callers fall through to the embedding service.
type Manager struct {
	client redis.UniversalClient
	ttl    time.Duration
	logger *zap.Logger
}

// NewManager connects a cache manager to Redis.
func NewManager(cfg Config, logger *zap.Logger) *Manager {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewManagerWithClient(client, cfg.TTL, logger)
}

// NewManagerWithClient wraps an existing client, mainly for tests.
func NewManagerWithClient(client redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Manager{
		client: client,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "embed_cache")),
	}
}

// Key derives the cache key for an input text.
func Key(text string) string {
	sum := sha256.Sum256([]byte(text))
	return "emb:" + hex.EncodeToString(sum[:])
}

// GetEmbedding returns the cached vector for text, or (nil, false) on miss.
// Backend errors are logged and reported as misses.
func (m *Manager) GetEmbedding(ctx context.Context, text string) ([]float32, bool) {
	raw, err := m.client.Get(ctx, Key(text)).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		m.logger.Warn("cache get failed", zap.Error(err))
		return nil, false
	}
	var vec []float32
	if err := json.Unmarshal(raw, &vec); err != nil {
		m.logger.Warn("cache entry corrupt, dropping", zap.Error(err))
		m.client.Del(ctx, Key(text))
		return nil, false
	}
	return vec, true
}

// SetEmbedding stores a vector for text. Failures are logged, not returned:
// a cold cache is never fatal.
func (m *Manager) SetEmbedding(ctx context.Context, text string, vec []float32) {
	raw, err := json.Marshal(vec)
	if err != nil {
		m.logger.Warn("cache encode failed", zap.Error(err))
		return
	}
	if err := m.client.Set(ctx, Key(text), raw, m.ttl).Err(); err != nil {
		m.logger.Warn("cache set failed", zap.Error(err))
	}
}

// Ping verifies the backend connection.
func (m *Manager) Ping(ctx context.Context) error {
	if err := m.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("cache ping: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (m *Manager) Close() error {
	return m.client.Close()
}
