package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/edgeintel/ragchat/types"
)

// Embedder turns query text into a dense vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// TEIEmbedder calls a text-embeddings-inference server's /embed endpoint.
type TEIEmbedder struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewTEIEmbedder creates an embedder against the given base URL.
func NewTEIEmbedder(baseURL string, timeout time.Duration, logger *zap.Logger) *TEIEmbedder {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TEIEmbedder{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With(zap.String("component", "tei_embedder")),
	}
}

func (e *TEIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	payload, _ := json.Marshal(map[string]any{"inputs": []string{text}})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embed", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, types.NewError(types.ErrRetrievalBackend, err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, types.NewError(types.ErrRetrievalBackend,
			fmt.Sprintf("embed failed: status=%d body=%s", resp.StatusCode, string(body))).
			WithHTTPStatus(resp.StatusCode)
	}

	var vectors [][]float32
	if err := json.NewDecoder(resp.Body).Decode(&vectors); err != nil {
		return nil, types.NewError(types.ErrRetrievalBackend, err.Error()).WithCause(err)
	}
	if len(vectors) == 0 {
		return nil, types.NewError(types.ErrRetrievalBackend, "embed returned no vectors")
	}
	return vectors[0], nil
}
