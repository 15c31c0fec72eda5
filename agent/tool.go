package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/edgeintel/ragchat/retrieval"
	"github.com/edgeintel/ragchat/types"
)

// Tool is one callable capability exposed to the planner. Execute returns a
// string result for the tool memory plus the IDs of any documents it
// surfaced, which the agent excludes from later calls in the same turn.
type Tool interface {
	Schema() types.ToolSchema
	Execute(ctx context.Context, args map[string]any, filter retrieval.Filter) (result string, docIDs []string, err error)
}

const retrieveToolDescription = `Search the document corpus. Pass a natural-language question as semantic_query. ` +
	`Optionally pass keyword_query, a string or list of strings, with exact terms (names, identifiers, codes) ` +
	`that must match literally.`

var retrieveToolParameters = json.RawMessage(`{
  "type": "object",
  "properties": {
    "semantic_query": {
      "type": "string",
      "description": "Natural-language question for similarity search."
    },
    "keyword_query": {
      "type": ["string", "array"],
      "items": {"type": "string"},
      "description": "Exact terms for keyword search. Optional."
    }
  },
  "required": ["semantic_query"]
}`)

// DocumentRetriever exposes hybrid retrieval as the agent's tool.
type DocumentRetriever struct {
	hybrid *retrieval.Hybrid
}

func NewDocumentRetriever(hybrid *retrieval.Hybrid) *DocumentRetriever {
	return &DocumentRetriever{hybrid: hybrid}
}

func (r *DocumentRetriever) Schema() types.ToolSchema {
	return types.ToolSchema{
		Name:        "retrieve_documents",
		Description: retrieveToolDescription,
		Parameters:  retrieveToolParameters,
	}
}

// retrievedDoc is the shape of one document in the tool result.
type retrievedDoc struct {
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (r *DocumentRetriever) Execute(ctx context.Context, args map[string]any, filter retrieval.Filter) (string, []string, error) {
	q, err := parseRetrieveArgs(args)
	if err != nil {
		return "", nil, err
	}

	items, ids := r.hybrid.Retrieve(ctx, q, filter)

	out := make([]any, 0, len(items))
	for _, it := range items {
		if it.Document != nil {
			out = append(out, retrievedDoc{Text: it.Document.Text, Metadata: it.Document.Metadata})
			continue
		}
		out = append(out, it.Note)
	}
	encoded, err := json.Marshal(out)
	if err != nil {
		return "", nil, types.NewError(types.ErrInvalidRequest, "encoding retrieval result").WithCause(err)
	}
	return string(encoded), ids, nil
}

// parseRetrieveArgs validates the planner-supplied arguments. keyword_query
// accepts either a plain string or a list of strings.
func parseRetrieveArgs(args map[string]any) (retrieval.Query, error) {
	var q retrieval.Query

	sem, ok := args["semantic_query"].(string)
	if !ok || sem == "" {
		return q, types.NewError(types.ErrInvalidRequest, "semantic_query is required")
	}
	q.Semantic = sem

	raw, ok := args["keyword_query"]
	if !ok || raw == nil {
		return q, nil
	}
	switch v := raw.(type) {
	case string:
		q.Keyword = v
	case []any:
		terms := make([]string, 0, len(v))
		for _, t := range v {
			s, ok := t.(string)
			if !ok {
				return q, types.NewError(types.ErrInvalidRequest, "keyword_query list must contain strings")
			}
			if s != "" {
				terms = append(terms, s)
			}
		}
		q.KeywordTerms = terms
	case []string:
		q.KeywordTerms = v
	default:
		return q, types.NewError(types.ErrInvalidRequest, fmt.Sprintf("keyword_query has unsupported type %T", raw))
	}
	return q, nil
}
