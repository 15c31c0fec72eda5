// Package retrieval implements hybrid document retrieval: vector similarity
// search and BM25 keyword search run in parallel, each branch optionally
// reranked, with already-seen chunks excluded.
package retrieval

import "github.com/edgeintel/ragchat/types"

// Filter scopes a search to a corpus slice. Both backends receive the same
// filter and must apply equivalent semantics.
type Filter struct {
	// UserID owns the user-file scope. The shared corpus is identified by
	// the retriever's configured corpus ID.
	UserID string

	// Mode selects shared corpus, the user's files, or both.
	Mode types.SearchMode

	// Files are the user file names searched in SearchUserFiles and
	// SearchCombined modes.
	Files []string

	// Exclude lists chunk IDs already returned earlier in the turn.
	Exclude []string
}
