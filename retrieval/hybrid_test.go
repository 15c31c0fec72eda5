package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/edgeintel/ragchat/config"
	"github.com/edgeintel/ragchat/types"
)

type fakeVector struct {
	docs []types.Document
	err  error
}

func (f fakeVector) Search(_ context.Context, _ string, _ int, _ Filter) ([]types.Document, error) {
	return f.docs, f.err
}

type fakeKeyword struct {
	docs      []types.Document
	err       error
	termCalls int
	textCalls int
}

func (f *fakeKeyword) Search(_ context.Context, _ string, _ int, _ Filter) ([]types.Document, error) {
	f.textCalls++
	return f.docs, f.err
}

func (f *fakeKeyword) SearchTerms(_ context.Context, _ []string, _ int, _ Filter) ([]types.Document, error) {
	f.termCalls++
	return f.docs, f.err
}

func hybridConfig() config.RetrievalConfig {
	return config.RetrievalConfig{TopK: 25, BranchTimeout: 5 * time.Second}
}

func TestRetrieveMergesVectorThenKeyword(t *testing.T) {
	t.Parallel()

	vec := fakeVector{docs: []types.Document{{ID: "v1"}, {ID: "v2"}}}
	kw := &fakeKeyword{docs: []types.Document{{ID: "k1"}}}
	h := NewHybrid(vec, kw, nil, hybridConfig(), nil)

	items, ids := h.Retrieve(context.Background(), Query{Semantic: "q", Keyword: "terms"}, Filter{})

	require.Len(t, items, 3)
	assert.Equal(t, "v1", items[0].Document.ID)
	assert.Equal(t, "v2", items[1].Document.ID)
	assert.Equal(t, "k1", items[2].Document.ID)
	assert.Equal(t, []string{"v1", "v2", "k1"}, ids)
	assert.Equal(t, 1, kw.textCalls)
}

func TestRetrieveSkipsKeywordBranchWhenEmpty(t *testing.T) {
	t.Parallel()

	kw := &fakeKeyword{docs: []types.Document{{ID: "k1"}}}
	h := NewHybrid(fakeVector{}, kw, nil, hybridConfig(), nil)

	_, _ = h.Retrieve(context.Background(), Query{Semantic: "q"}, Filter{})
	assert.Zero(t, kw.textCalls)
	assert.Zero(t, kw.termCalls)
}

func TestRetrieveKeywordTermsTakePrecedence(t *testing.T) {
	t.Parallel()

	kw := &fakeKeyword{}
	h := NewHybrid(fakeVector{}, kw, nil, hybridConfig(), nil)

	_, _ = h.Retrieve(context.Background(), Query{Semantic: "q", Keyword: "text", KeywordTerms: []string{"a", "b"}}, Filter{})
	assert.Equal(t, 1, kw.termCalls)
	assert.Zero(t, kw.textCalls)
}

func TestRetrieveBranchFailureBecomesNote(t *testing.T) {
	t.Parallel()

	vec := fakeVector{err: errors.New("chroma down")}
	kw := &fakeKeyword{docs: []types.Document{{ID: "k1"}}}
	h := NewHybrid(vec, kw, nil, hybridConfig(), nil)

	items, ids := h.Retrieve(context.Background(), Query{Semantic: "q", Keyword: "w"}, Filter{})

	require.Len(t, items, 2)
	assert.Contains(t, items[0].Note, "Vector retrieval failed")
	assert.Nil(t, items[0].Document)
	assert.Equal(t, "k1", items[1].Document.ID)
	assert.Equal(t, []string{"k1"}, ids)
}

func TestRetrieveBothBranchesFailStillReturns(t *testing.T) {
	t.Parallel()

	h := NewHybrid(fakeVector{err: errors.New("down")}, &fakeKeyword{err: errors.New("down")}, nil, hybridConfig(), nil)

	items, ids := h.Retrieve(context.Background(), Query{Semantic: "q", Keyword: "w"}, Filter{})
	require.Len(t, items, 2)
	assert.Empty(t, ids)
}

func TestRetrieveIDsDeduplicated(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 10).Draw(rt, "vector")
		m := rapid.IntRange(0, 10).Draw(rt, "keyword")

		var vdocs, kdocs []types.Document
		for i := 0; i < n; i++ {
			vdocs = append(vdocs, types.Document{ID: fmt.Sprintf("c%d", rapid.IntRange(0, 5).Draw(rt, "vid"))})
		}
		for i := 0; i < m; i++ {
			kdocs = append(kdocs, types.Document{ID: fmt.Sprintf("c%d", rapid.IntRange(0, 5).Draw(rt, "kid"))})
		}

		h := NewHybrid(fakeVector{docs: vdocs}, &fakeKeyword{docs: kdocs}, nil, hybridConfig(), nil)
		items, ids := h.Retrieve(context.Background(), Query{Semantic: "q", Keyword: "w"}, Filter{})

		// Every returned ID is unique and belongs to some returned document.
		seen := map[string]bool{}
		for _, id := range ids {
			if seen[id] {
				rt.Fatalf("duplicate id %q", id)
			}
			seen[id] = true
		}
		for _, it := range items {
			if it.Document != nil && !seen[it.Document.ID] {
				rt.Fatalf("document %q missing from ids", it.Document.ID)
			}
		}
	})
}

type fakeMetricsRecorder struct {
	mu        sync.Mutex
	branches  map[string]bool
	fallbacks int
}

func (f *fakeMetricsRecorder) RecordRetrievalBranch(branch string, _ time.Duration, failed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.branches == nil {
		f.branches = make(map[string]bool)
	}
	f.branches[branch] = failed
}

func (f *fakeMetricsRecorder) RecordRerankFallback() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fallbacks++
}

func TestRetrieveRecordsBranchOutcomes(t *testing.T) {
	t.Parallel()

	rec := &fakeMetricsRecorder{}
	vec := fakeVector{docs: []types.Document{{ID: "v1"}}}
	kw := &fakeKeyword{err: errors.New("redis down")}
	h := NewHybrid(vec, kw, nil, hybridConfig(), nil).WithMetrics(rec)

	_, _ = h.Retrieve(context.Background(), Query{Semantic: "q", Keyword: "w"}, Filter{})

	rec.mu.Lock()
	defer rec.mu.Unlock()
	failed, ok := rec.branches["vector"]
	require.True(t, ok)
	assert.False(t, failed)
	failed, ok = rec.branches["keyword"]
	require.True(t, ok)
	assert.True(t, failed)
}

func TestRetrieveSkippedKeywordBranchNotRecorded(t *testing.T) {
	t.Parallel()

	rec := &fakeMetricsRecorder{}
	h := NewHybrid(fakeVector{}, &fakeKeyword{}, nil, hybridConfig(), nil).WithMetrics(rec)

	_, _ = h.Retrieve(context.Background(), Query{Semantic: "q"}, Filter{})

	rec.mu.Lock()
	defer rec.mu.Unlock()
	_, ok := rec.branches["keyword"]
	assert.False(t, ok)
}
