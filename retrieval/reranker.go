package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/edgeintel/ragchat/config"
	"github.com/edgeintel/ragchat/types"
)

// Instruction-tuned reranker prompt wrapping, as expected by Qwen-style
// score models served behind vLLM's /v1/rerank endpoint.
const (
	rerankPrefix = "<|im_start|>system\nJudge whether the Document meets the requirements based on the Query and the Instruct provided. Note that the answer can only be \"yes\" or \"no\".<|im_end|>\n<|im_start|>user\n"
	rerankSuffix = "<|im_end|>\n<|im_start|>assistant\n"

	rerankInstruction = "Given a search query, retrieve relevant candidates that answer the query."
)

// Reranker scores retrieved documents against the query with a cross-encoder
// model. Rank never fails: on any error it falls back to sorting by the
// retriever's own scores and keeps BackupTopN documents.
type Reranker struct {
	cfg    config.RerankerConfig
	client *http.Client
	rec    MetricsRecorder
	logger *zap.Logger
}

// NewReranker creates a reranker against a vLLM-compatible rerank endpoint.
func NewReranker(cfg config.RerankerConfig, logger *zap.Logger) *Reranker {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.TopN == 0 {
		cfg.TopN = 5
	}
	if cfg.BackupTopN == 0 {
		cfg.BackupTopN = 7
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reranker{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With(zap.String("component", "reranker")),
	}
}

// WithMetrics attaches a fallback-instrumentation recorder.
func (r *Reranker) WithMetrics(rec MetricsRecorder) *Reranker {
	r.rec = rec
	return r
}

type rerankRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResult struct {
	Index          int     `json:"index"`
	RelevanceScore float64 `json:"relevance_score"`
}

type rerankResponse struct {
	Results []rerankResult `json:"results"`
}

// scores calls the endpoint and returns relevance scores in document order.
func (r *Reranker) scores(ctx context.Context, query string, documents []string) ([]float64, error) {
	wrapped := make([]string, len(documents))
	for i, doc := range documents {
		wrapped[i] = fmt.Sprintf("<Document>: %s%s", doc, rerankSuffix)
	}
	payload, _ := json.Marshal(rerankRequest{
		Query:     fmt.Sprintf("%s<Instruct>: %s\n<Query>: %s\n", rerankPrefix, rerankInstruction, query),
		Documents: wrapped,
	})

	endpoint := strings.TrimRight(r.cfg.BaseURL, "/") + "/v1/rerank"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, types.NewError(types.ErrRerankFailed, err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, types.NewError(types.ErrRerankFailed,
			fmt.Sprintf("rerank failed: status=%d body=%s", resp.StatusCode, string(body))).
			WithHTTPStatus(resp.StatusCode)
	}

	var rr rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return nil, types.NewError(types.ErrRerankFailed, err.Error()).WithCause(err)
	}
	if len(rr.Results) != len(documents) {
		return nil, types.NewError(types.ErrRerankFailed,
			fmt.Sprintf("rerank returned %d scores for %d documents", len(rr.Results), len(documents)))
	}

	// The endpoint may return results out of order; the echoed index maps
	// each score back to its document.
	scores := make([]float64, len(documents))
	for _, res := range rr.Results {
		if res.Index < 0 || res.Index >= len(scores) {
			return nil, types.NewError(types.ErrRerankFailed,
				fmt.Sprintf("rerank returned out-of-range index %d", res.Index))
		}
		scores[res.Index] = res.RelevanceScore
	}
	return scores, nil
}

// Rank reorders docs by cross-encoder relevance and keeps the top N. On any
// backend failure it degrades to the retriever's own scores and BackupTopN.
func (r *Reranker) Rank(ctx context.Context, query string, docs []types.Document) []types.Document {
	if len(docs) == 0 {
		return docs
	}

	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Text
	}

	scores, err := r.scores(ctx, query, texts)
	if err != nil {
		r.logger.Warn("rerank failed, falling back to retriever scores", zap.Error(err))
		if r.rec != nil {
			r.rec.RecordRerankFallback()
		}
		fallback := make([]types.Document, len(docs))
		copy(fallback, docs)
		sort.SliceStable(fallback, func(i, j int) bool { return fallback[i].Score > fallback[j].Score })
		if len(fallback) > r.cfg.BackupTopN {
			fallback = fallback[:r.cfg.BackupTopN]
		}
		return fallback
	}

	ranked := make([]types.Document, len(docs))
	copy(ranked, docs)
	for i := range ranked {
		ranked[i].Score = scores[i]
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
	if len(ranked) > r.cfg.TopN {
		ranked = ranked[:r.cfg.TopN]
	}
	return ranked
}
