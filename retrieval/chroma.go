package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edgeintel/ragchat/config"
	"github.com/edgeintel/ragchat/types"
)

// ChromaStore performs vector similarity search against a Chroma collection
// over its REST API. Distances come back smaller-is-better; scores are
// normalized to 1-distance so every backend reports higher-is-better.
type ChromaStore struct {
	cfg      config.ChromaConfig
	corpusID string
	embedder Embedder
	client   *http.Client
	logger   *zap.Logger

	resolveMu    sync.Mutex
	collectionID string
}

// NewChromaStore creates a Chroma-backed vector searcher. corpusID names
// the shared corpus owner in metadata filters.
func NewChromaStore(cfg config.ChromaConfig, corpusID string, embedder Embedder, logger *zap.Logger) *ChromaStore {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8000"
	}
	if cfg.Collection == "" {
		cfg.Collection = "documents"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChromaStore{
		cfg:      cfg,
		corpusID: corpusID,
		embedder: embedder,
		client:   &http.Client{Timeout: cfg.Timeout},
		logger:   logger.With(zap.String("component", "chroma_store")),
	}
}

// resolveCollection looks up the collection ID by name. Only a successful
// lookup is cached, so a transient backend failure is retried on the next
// query instead of pinning the error for the process lifetime.
func (s *ChromaStore) resolveCollection(ctx context.Context) (string, error) {
	s.resolveMu.Lock()
	defer s.resolveMu.Unlock()

	if s.collectionID != "" {
		return s.collectionID, nil
	}

	endpoint := fmt.Sprintf("%s/api/v1/collections/%s",
		strings.TrimRight(s.cfg.BaseURL, "/"), url.PathEscape(s.cfg.Collection))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("collection lookup failed: status=%d body=%s", resp.StatusCode, string(body))
	}

	var col struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&col); err != nil {
		return "", err
	}
	s.collectionID = col.ID
	return s.collectionID, nil
}

type chromaQueryRequest struct {
	QueryEmbeddings [][]float32    `json:"query_embeddings"`
	NResults        int            `json:"n_results"`
	Where           map[string]any `json:"where,omitempty"`
	Include         []string       `json:"include"`
}

type chromaQueryResponse struct {
	IDs       [][]string         `json:"ids"`
	Documents [][]string         `json:"documents"`
	Metadatas [][]map[string]any `json:"metadatas"`
	Distances [][]float64        `json:"distances"`
}

// Search embeds the query and returns the topK nearest chunks matching the
// filter, scored by 1-distance.
func (s *ChromaStore) Search(ctx context.Context, query string, topK int, filter Filter) ([]types.Document, error) {
	collectionID, err := s.resolveCollection(ctx)
	if err != nil {
		return nil, types.NewError(types.ErrRetrievalBackend, err.Error()).WithCause(err)
	}

	vector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	body := chromaQueryRequest{
		QueryEmbeddings: [][]float32{vector},
		NResults:        topK,
		Where:           s.whereFilter(filter),
		Include:         []string{"documents", "metadatas", "distances"},
	}
	payload, _ := json.Marshal(body)

	endpoint := fmt.Sprintf("%s/api/v1/collections/%s/query",
		strings.TrimRight(s.cfg.BaseURL, "/"), url.PathEscape(collectionID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, types.NewError(types.ErrRetrievalBackend, err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, types.NewError(types.ErrRetrievalBackend,
			fmt.Sprintf("chroma query failed: status=%d body=%s", resp.StatusCode, string(respBody))).
			WithHTTPStatus(resp.StatusCode)
	}

	var result chromaQueryResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, types.NewError(types.ErrRetrievalBackend, err.Error()).WithCause(err)
	}
	return chromaResultToDocuments(result), nil
}

// whereFilter builds Chroma's metadata filter tree for the search mode,
// with excluded chunk IDs folded in via $nin.
func (s *ChromaStore) whereFilter(f Filter) map[string]any {
	var scope map[string]any
	switch f.Mode {
	case types.SearchUserFiles:
		scope = map[string]any{
			"$and": []map[string]any{
				{"user_id": f.UserID},
				{"file_name": map[string]any{"$in": f.Files}},
			},
		}
	case types.SearchCombined:
		scope = map[string]any{
			"$or": []map[string]any{
				{
					"$and": []map[string]any{
						{"user_id": f.UserID},
						{"file_name": map[string]any{"$in": f.Files}},
					},
				},
				{"user_id": s.corpusID},
			},
		}
	default: // SearchShared
		scope = map[string]any{"user_id": s.corpusID}
	}

	if len(f.Exclude) == 0 {
		return scope
	}
	return map[string]any{
		"$and": []map[string]any{
			scope,
			{"chunk_id": map[string]any{"$nin": f.Exclude}},
		},
	}
}

func chromaResultToDocuments(result chromaQueryResponse) []types.Document {
	if len(result.IDs) == 0 {
		return nil
	}
	ids := result.IDs[0]
	docs := make([]types.Document, 0, len(ids))
	for i, id := range ids {
		doc := types.Document{ID: id}
		if len(result.Documents) > 0 && i < len(result.Documents[0]) {
			doc.Text = result.Documents[0][i]
		}
		if len(result.Metadatas) > 0 && i < len(result.Metadatas[0]) {
			doc.Metadata = result.Metadatas[0][i]
		}
		if len(result.Distances) > 0 && i < len(result.Distances[0]) {
			doc.Score = 1 - result.Distances[0][i]
		}
		docs = append(docs, doc)
	}
	return docs
}
