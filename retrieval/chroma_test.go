package retrieval

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeintel/ragchat/config"
	"github.com/edgeintel/ragchat/types"
)

type fixedEmbedder struct{ vec []float32 }

func (f fixedEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	return f.vec, nil
}

func newChromaTestServer(t *testing.T, capture *chromaQueryRequest) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/collections/documents", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "col-uuid"})
	})
	mux.HandleFunc("/api/v1/collections/col-uuid/query", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(capture))
		_ = json.NewEncoder(w).Encode(chromaQueryResponse{
			IDs:       [][]string{{"chunk:1", "chunk:2"}},
			Documents: [][]string{{"first", "second"}},
			Metadatas: [][]map[string]any{{{"file_name": "notes"}, {"file_name": "syllabus"}}},
			Distances: [][]float64{{0.1, 0.4}},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newChromaTestStore(t *testing.T, capture *chromaQueryRequest) *ChromaStore {
	srv := newChromaTestServer(t, capture)
	cfg := config.ChromaConfig{BaseURL: srv.URL, Collection: "documents", Timeout: 5 * time.Second}
	return NewChromaStore(cfg, "shared", fixedEmbedder{vec: []float32{0.1, 0.2}}, nil)
}

func TestChromaSearchNormalizesScores(t *testing.T) {
	t.Parallel()

	var captured chromaQueryRequest
	store := newChromaTestStore(t, &captured)

	docs, err := store.Search(context.Background(), "query", 25, Filter{Mode: types.SearchShared})
	require.NoError(t, err)
	require.Len(t, docs, 2)

	assert.Equal(t, 25, captured.NResults)
	assert.Equal(t, [][]float32{{0.1, 0.2}}, captured.QueryEmbeddings)

	// Distance 0.1 becomes score 0.9: higher is better across backends.
	assert.InDelta(t, 0.9, docs[0].Score, 1e-9)
	assert.InDelta(t, 0.6, docs[1].Score, 1e-9)
	assert.Equal(t, "notes", docs[0].Metadata["file_name"])
}

func TestChromaWhereFilterShared(t *testing.T) {
	t.Parallel()

	var captured chromaQueryRequest
	store := newChromaTestStore(t, &captured)

	_, err := store.Search(context.Background(), "q", 5, Filter{Mode: types.SearchShared})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"user_id": "shared"}, captured.Where)
}

func TestChromaWhereFilterUserFilesWithExclude(t *testing.T) {
	t.Parallel()

	var captured chromaQueryRequest
	store := newChromaTestStore(t, &captured)

	_, err := store.Search(context.Background(), "q", 5, Filter{
		Mode:    types.SearchUserFiles,
		UserID:  "u42",
		Files:   []string{"notes.pdf"},
		Exclude: []string{"chunk:9"},
	})
	require.NoError(t, err)

	// Round-tripped through JSON, so compare the re-marshaled form.
	raw, _ := json.Marshal(captured.Where)
	assert.JSONEq(t, `{
		"$and": [
			{"$and": [
				{"user_id": "u42"},
				{"file_name": {"$in": ["notes.pdf"]}}
			]},
			{"chunk_id": {"$nin": ["chunk:9"]}}
		]
	}`, string(raw))
}

func TestChromaWhereFilterCombined(t *testing.T) {
	t.Parallel()

	var captured chromaQueryRequest
	store := newChromaTestStore(t, &captured)

	_, err := store.Search(context.Background(), "q", 5, Filter{
		Mode:   types.SearchCombined,
		UserID: "u42",
		Files:  []string{"notes.pdf"},
	})
	require.NoError(t, err)

	raw, _ := json.Marshal(captured.Where)
	assert.JSONEq(t, `{
		"$or": [
			{"$and": [
				{"user_id": "u42"},
				{"file_name": {"$in": ["notes.pdf"]}}
			]},
			{"user_id": "shared"}
		]
	}`, string(raw))
}

func TestChromaBackendError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	store := NewChromaStore(config.ChromaConfig{BaseURL: srv.URL, Collection: "documents"}, "shared", fixedEmbedder{}, nil)
	_, err := store.Search(context.Background(), "q", 5, Filter{})
	require.Error(t, err)
	assert.Equal(t, types.ErrRetrievalBackend, types.GetErrorCode(err))
}

func TestChromaCollectionLookupRetriedAfterFailure(t *testing.T) {
	t.Parallel()

	var lookups atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/collections/documents", func(w http.ResponseWriter, r *http.Request) {
		if lookups.Add(1) == 1 {
			http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "col-uuid"})
	})
	mux.HandleFunc("/api/v1/collections/col-uuid/query", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(chromaQueryResponse{
			IDs:       [][]string{{"chunk:1"}},
			Documents: [][]string{{"first"}},
			Metadatas: [][]map[string]any{{{"file_name": "notes"}}},
			Distances: [][]float64{{0.2}},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	store := NewChromaStore(config.ChromaConfig{BaseURL: srv.URL, Collection: "documents"}, "shared", fixedEmbedder{vec: []float32{0.1}}, nil)

	_, err := store.Search(context.Background(), "q", 5, Filter{Mode: types.SearchShared})
	require.Error(t, err)

	// The failed lookup must not be cached: once the backend recovers the
	// next query resolves the collection and succeeds.
	docs, err := store.Search(context.Background(), "q", 5, Filter{Mode: types.SearchShared})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, int32(2), lookups.Load())

	// Further queries reuse the resolved ID.
	_, err = store.Search(context.Background(), "q", 5, Filter{Mode: types.SearchShared})
	require.NoError(t, err)
	assert.Equal(t, int32(2), lookups.Load())
}
