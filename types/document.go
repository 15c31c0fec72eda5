package types

// Document is a retrieved chunk of evidence with a backend-specific
// relevance score. ID is the deduplication key across agent iterations.
//
// Score direction is normalized to higher-is-better before documents
// leave a retrieval backend: vector stores report distance (lower is
// better) and are converted on the way out, keyword search reports BM25
// and the reranker reports a relevance probability, both already
// higher-is-better.
type Document struct {
	ID       string         `json:"id"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Score    float64        `json:"score"`
}

// SearchMode selects which corpus a retrieval call is scoped to.
type SearchMode int

const (
	// SearchShared restricts retrieval to the default shared corpus.
	SearchShared SearchMode = 0
	// SearchUserFiles restricts retrieval to a named user's uploaded
	// files. Requires a non-empty file list.
	SearchUserFiles SearchMode = 1
	// SearchCombined is the union of the shared corpus and the named
	// user's files.
	SearchCombined SearchMode = 2
)

// Valid reports whether m is one of the defined search modes.
func (m SearchMode) Valid() bool {
	return m >= SearchShared && m <= SearchCombined
}
