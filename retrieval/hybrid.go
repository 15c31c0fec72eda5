package retrieval

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/edgeintel/ragchat/config"
	"github.com/edgeintel/ragchat/types"
)

// VectorSearcher is the similarity-search side of hybrid retrieval.
type VectorSearcher interface {
	Search(ctx context.Context, query string, topK int, filter Filter) ([]types.Document, error)
}

// MetricsRecorder receives branch and rerank instrumentation. The
// prometheus collector in internal/metrics satisfies it; a nil recorder
// disables recording.
type MetricsRecorder interface {
	RecordRetrievalBranch(branch string, duration time.Duration, failed bool)
	RecordRerankFallback()
}

// KeywordSearcher is the BM25 side of hybrid retrieval.
type KeywordSearcher interface {
	Search(ctx context.Context, query string, topK int, filter Filter) ([]types.Document, error)
	SearchTerms(ctx context.Context, terms []string, topK int, filter Filter) ([]types.Document, error)
}

// Query carries both halves of a hybrid search. The keyword side runs only
// when Keyword or KeywordTerms is non-empty; KeywordTerms takes precedence
// and skips tokenization.
type Query struct {
	Semantic     string
	Keyword      string
	KeywordTerms []string
}

func (q Query) hasKeyword() bool {
	return q.Keyword != "" || len(q.KeywordTerms) > 0
}

// Item is one retrieval result: either a document or a note describing a
// branch failure. Exactly one of the two fields is set.
type Item struct {
	Document *types.Document
	Note     string
}

// Hybrid fans a query out to vector and keyword search in parallel and
// merges the branches in vector-then-keyword order. Each branch is reranked
// against its own query, so the merged list is not globally ordered.
type Hybrid struct {
	vector   VectorSearcher
	keyword  KeywordSearcher
	reranker *Reranker
	cfg      config.RetrievalConfig
	rec      MetricsRecorder
	logger   *zap.Logger
}

// NewHybrid wires the two searchers and an optional reranker. A nil
// reranker (or UseReranker disabled) leaves branch results in backend order.
func NewHybrid(vector VectorSearcher, keyword KeywordSearcher, reranker *Reranker, cfg config.RetrievalConfig, logger *zap.Logger) *Hybrid {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hybrid{
		vector:   vector,
		keyword:  keyword,
		reranker: reranker,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "hybrid_retriever")),
	}
}

// WithMetrics attaches a branch-instrumentation recorder.
func (h *Hybrid) WithMetrics(rec MetricsRecorder) *Hybrid {
	h.rec = rec
	return h
}

func (h *Hybrid) observeBranch(branch string, start time.Time, failed bool) {
	if h.rec != nil {
		h.rec.RecordRetrievalBranch(branch, time.Since(start), failed)
	}
}

// Retrieve runs both branches and returns the merged items plus the IDs of
// every document returned, for the caller's seen-set. It never returns an
// error: branch failures become note items so the agent can observe them.
func (h *Hybrid) Retrieve(ctx context.Context, q Query, filter Filter) ([]Item, []string) {
	ctx, span := otel.Tracer("ragchat/retrieval").Start(ctx, "hybrid.retrieve")
	defer span.End()
	span.SetAttributes(
		attribute.String("semantic_query", q.Semantic),
		attribute.Int("search_mode", int(filter.Mode)),
		attribute.Int("exclude_count", len(filter.Exclude)),
	)

	var vectorItems, keywordItems []Item
	var g errgroup.Group

	g.Go(func() error {
		vectorItems = h.vectorBranch(ctx, q.Semantic, filter)
		return nil
	})
	if q.hasKeyword() {
		g.Go(func() error {
			keywordItems = h.keywordBranch(ctx, q, filter)
			return nil
		})
	}
	_ = g.Wait()

	items := append(vectorItems, keywordItems...)

	seen := make(map[string]struct{}, len(items))
	ids := make([]string, 0, len(items))
	for _, it := range items {
		if it.Document == nil {
			continue
		}
		if _, dup := seen[it.Document.ID]; dup {
			continue
		}
		seen[it.Document.ID] = struct{}{}
		ids = append(ids, it.Document.ID)
	}
	span.SetAttributes(attribute.Int("documents", len(ids)))
	return items, ids
}

func (h *Hybrid) vectorBranch(ctx context.Context, query string, filter Filter) []Item {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.BranchTimeout)
	defer cancel()

	start := time.Now()
	docs, err := h.vector.Search(ctx, query, h.cfg.TopK, filter)
	h.observeBranch("vector", start, err != nil)
	if err != nil {
		h.logger.Warn("vector branch failed", zap.Error(err))
		return []Item{{Note: fmt.Sprintf("Vector retrieval failed: %v", err)}}
	}
	return h.finishBranch(ctx, query, docs)
}

func (h *Hybrid) keywordBranch(ctx context.Context, q Query, filter Filter) []Item {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.BranchTimeout)
	defer cancel()

	start := time.Now()
	var docs []types.Document
	var err error
	if len(q.KeywordTerms) > 0 {
		docs, err = h.keyword.SearchTerms(ctx, q.KeywordTerms, h.cfg.TopK, filter)
	} else {
		docs, err = h.keyword.Search(ctx, q.Keyword, h.cfg.TopK, filter)
	}
	h.observeBranch("keyword", start, err != nil)
	if err != nil {
		h.logger.Warn("keyword branch failed", zap.Error(err))
		return []Item{{Note: fmt.Sprintf("Keyword retrieval failed: %v", err)}}
	}

	rerankQuery := q.Keyword
	if rerankQuery == "" {
		rerankQuery = fmt.Sprintf("%v", q.KeywordTerms)
	}
	return h.finishBranch(ctx, rerankQuery, docs)
}

// finishBranch reranks the branch against its own query and wraps documents
// as items.
func (h *Hybrid) finishBranch(ctx context.Context, query string, docs []types.Document) []Item {
	if h.cfg.UseReranker && h.reranker != nil {
		docs = h.reranker.Rank(ctx, query, docs)
	}
	items := make([]Item, 0, len(docs))
	for i := range docs {
		items = append(items, Item{Document: &docs[i]})
	}
	return items
}
