package retrieval

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/edgeintel/ragchat/config"
	"github.com/edgeintel/ragchat/types"
)

// RedisKeywordStore performs BM25 full-text search against a RediSearch
// index via FT.SEARCH.
type RedisKeywordStore struct {
	cfg      config.KeywordConfig
	corpusID string
	client   redis.UniversalClient
	logger   *zap.Logger
}

// NewRedisKeywordStore creates a keyword searcher over the configured index.
func NewRedisKeywordStore(cfg config.KeywordConfig, corpusID string, logger *zap.Logger) *RedisKeywordStore {
	if cfg.Addr == "" {
		cfg.Addr = "localhost:6379"
	}
	if cfg.Index == "" {
		cfg.Index = "documents"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisKeywordStore{
		cfg:      cfg,
		corpusID: corpusID,
		client:   client,
		logger:   logger.With(zap.String("component", "keyword_store")),
	}
}

// NewRedisKeywordStoreWithClient wires an existing client, used by tests.
func NewRedisKeywordStoreWithClient(client redis.UniversalClient, index, corpusID string, logger *zap.Logger) *RedisKeywordStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisKeywordStore{
		cfg:      config.KeywordConfig{Index: index},
		corpusID: corpusID,
		client:   client,
		logger:   logger.With(zap.String("component", "keyword_store")),
	}
}

// Close releases the underlying connection pool.
func (s *RedisKeywordStore) Close() error { return s.client.Close() }

// Search runs free-text BM25 search. The query is tokenized into keywords
// and expanded into a weighted disjunction before hitting the index.
func (s *RedisKeywordStore) Search(ctx context.Context, query string, topK int, filter Filter) ([]types.Document, error) {
	textClause := buildTextQuery(query)
	if textClause == "" {
		return nil, nil
	}
	return s.search(ctx, buildSearchQuery(textClause, s.corpusID, filter), topK)
}

// SearchTerms runs BM25 search over an explicit list of terms, used when a
// caller supplies keywords instead of free text.
func (s *RedisKeywordStore) SearchTerms(ctx context.Context, terms []string, topK int, filter Filter) ([]types.Document, error) {
	escaped := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		escaped = append(escaped, escapeQuerySyntax(t))
	}
	if len(escaped) == 0 {
		return nil, nil
	}
	return s.search(ctx, buildSearchQuery(strings.Join(escaped, " | "), s.corpusID, filter), topK)
}

func (s *RedisKeywordStore) search(ctx context.Context, queryStr string, topK int) ([]types.Document, error) {
	args := []any{
		"FT.SEARCH", s.cfg.Index, queryStr,
		"SCORER", "BM25",
		"WITHSCORES",
		"DIALECT", "2",
		"LIMIT", 0, topK,
	}

	raw, err := s.client.Do(ctx, args...).Result()
	if err != nil {
		return nil, types.NewError(types.ErrRetrievalBackend, err.Error()).WithCause(err)
	}

	docs, err := parseSearchReply(raw)
	if err != nil {
		return nil, types.NewError(types.ErrRetrievalBackend, err.Error()).WithCause(err)
	}
	s.logger.Debug("keyword search", zap.String("query", queryStr), zap.Int("hits", len(docs)))
	return docs, nil
}

// parseSearchReply decodes an FT.SEARCH WITHSCORES array reply:
// [total, id, score, [field, value, ...], ...].
func parseSearchReply(raw any) ([]types.Document, error) {
	arr, ok := raw.([]any)
	if !ok {
		// RESP3 map-shaped reply.
		if m, isMap := raw.(map[any]any); isMap {
			return parseSearchReplyRESP3(m)
		}
		return nil, fmt.Errorf("unexpected FT.SEARCH reply type %T", raw)
	}
	if len(arr) == 0 {
		return nil, fmt.Errorf("empty FT.SEARCH reply")
	}

	docs := make([]types.Document, 0, (len(arr)-1)/3)
	for i := 1; i+3 <= len(arr); i += 3 {
		id := toString(arr[i])
		score, _ := strconv.ParseFloat(toString(arr[i+1]), 64)

		doc := types.Document{ID: id, Score: score, Metadata: map[string]any{}}
		if fields, ok := arr[i+2].([]any); ok {
			for j := 0; j+1 < len(fields); j += 2 {
				key := toString(fields[j])
				val := toString(fields[j+1])
				switch key {
				case "text":
					doc.Text = val
				default:
					doc.Metadata[key] = val
				}
			}
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func parseSearchReplyRESP3(m map[any]any) ([]types.Document, error) {
	results, ok := m["results"].([]any)
	if !ok {
		return nil, fmt.Errorf("FT.SEARCH RESP3 reply missing results")
	}
	docs := make([]types.Document, 0, len(results))
	for _, r := range results {
		entry, ok := r.(map[any]any)
		if !ok {
			continue
		}
		doc := types.Document{
			ID:       toString(entry["id"]),
			Metadata: map[string]any{},
		}
		if sc, ok := entry["score"]; ok {
			doc.Score, _ = strconv.ParseFloat(toString(sc), 64)
		}
		if attrs, ok := entry["extra_attributes"].(map[any]any); ok {
			for k, v := range attrs {
				key := toString(k)
				if key == "text" {
					doc.Text = toString(v)
				} else {
					doc.Metadata[key] = toString(v)
				}
			}
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(s, 10)
	default:
		return fmt.Sprintf("%v", v)
	}
}
