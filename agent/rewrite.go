package agent

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/edgeintel/ragchat/llm"
	"github.com/edgeintel/ragchat/llm/tokenizer"
	"github.com/edgeintel/ragchat/memory"
)

const rewriteInstructions = `Your goal is to rewrite the current user's message in a way that fixes errors,
adds relevant contextual information from the conversation history and tool history,
and ultimately answers the user's question precisely and accurately.
Your rewritten query will be used to fetch information with search tools such as
semantic search and keyword search.
Please understand the information gap between the currently known information and
the target problem.
DON'T generate queries which have been retrieved or answered.`

// QueryRewriter sharpens the working query between iterations. Failures are
// non-fatal: the previous query is kept.
type QueryRewriter struct {
	step       step
	rolePrompt string
	logger     *zap.Logger
}

func newQueryRewriter(provider llm.Provider, tok tokenizer.Tokenizer, contextWindow, reserved int, rolePrompt string, logger *zap.Logger) *QueryRewriter {
	return &QueryRewriter{
		step: step{
			provider:     provider,
			tok:          tok,
			instructions: rewriteInstructions,
			outputLabel:  "Rewritten Query",
			outputDesc:   "The new, more specific query that you've written.",
			ratios: map[string]float64{
				"current_user_message": 2.0 / 15.0,
				"conversation_history": 2.0 / 15.0,
				"conversation_summary": 1.0 / 15.0,
				"tool_history":         5.0 / 15.0,
				"tool_summary":         1.0 / 15.0,
			},
			contextWindow: contextWindow,
			reserved:      reserved,
		},
		rolePrompt: rolePrompt,
		logger:     logger.With(zap.String("component", "query_rewriter")),
	}
}

// Rewrite returns a sharpened query, or the input unchanged on any failure.
func (r *QueryRewriter) Rewrite(ctx context.Context, query string, conv *memory.Conversation, tool *memory.Tool) string {
	fields := []promptField{
		{Name: "role_prompt", Label: "Role Prompt", Value: r.rolePrompt},
		{Name: "current_user_message", Label: "Current User Message", Desc: descCurrentUserMessage, Value: query},
		{Name: "conversation_history", Label: "Conversation History", Desc: descConversationHistory, Value: conv.HistoryString(0, -1)},
		{Name: "conversation_summary", Label: "Conversation Summary", Desc: descConversationSummary, Value: conv.Summary()},
		{Name: "tool_history", Label: "Tool History", Desc: descToolHistory, Value: tool.HistoryString(0, -1)},
		{Name: "tool_summary", Label: "Tool Summary", Desc: descToolSummary, Value: tool.Summary()},
	}

	out, err := r.step.complete(ctx, fields)
	if err != nil {
		r.logger.Warn("query rewrite failed, keeping query", zap.Error(err))
		return query
	}
	rewritten := strings.TrimSpace(llm.StripThink(out))
	if rewritten == "" {
		return query
	}
	return rewritten
}
