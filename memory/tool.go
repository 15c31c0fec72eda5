package memory

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/edgeintel/ragchat/llm"
	"github.com/edgeintel/ragchat/llm/tokenizer"
	"github.com/edgeintel/ragchat/types"
)

const toolCompressorInstructions = `You have a Tool History storing all the tool calls you made for answering the Current User Message.
Your Tool History has become too long, so the oldest entries have to be discarded.
You keep a Summary of the discarded tool history.
Given the History To Discard and Previous Summary, update the Summary.
Remove the information not relevant to answer the Current User Message and keep all the relevant information if possible.
Use Markdown in Summary.`

// Tool records the tool calls made while answering the current user
// message. Reset clears it at the start of every turn.
type Tool struct {
	history  []types.ToolCallEntry
	plan     []types.ToolCall
	summary  string
	compress compressor
	logger   *zap.Logger
}

// NewTool creates an empty tool memory.
func NewTool(provider llm.Provider, tok tokenizer.Tokenizer, cfg Config, logger *zap.Logger) *Tool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tool{
		compress: compressor{
			provider:     provider,
			tok:          tok,
			cfg:          cfg,
			name:         "tool",
			instructions: toolCompressorInstructions,
			ratios: map[string]float64{
				"current_user_message": 2.0 / 14.0,
				"conversation_history": 2.0 / 14.0,
				"conversation_summary": 1.0 / 14.0,
				"history_to_discard":   5.0 / 14.0,
				"previous_summary":     1.0 / 14.0,
			},
			logger: logger,
		},
		logger: logger.With(zap.String("component", "tool_memory")),
	}
}

// WithMetrics attaches a compression-outcome recorder.
func (t *Tool) WithMetrics(rec MetricsRecorder) *Tool {
	t.compress.rec = rec
	return t
}

// Reset clears history, plan, and summary for a new turn.
func (t *Tool) Reset() {
	t.history = nil
	t.plan = nil
	t.summary = ""
}

// Observe records an executed tool call and its result, then compresses the
// oldest entries into the summary when the history exceeds maxHistoryTokens.
// On compressor failure the entry stays recorded and history and summary are
// left unchanged.
func (t *Tool) Observe(ctx context.Context, userMessage string, conv *Conversation, call types.ToolCall, result string, maxHistoryTokens int) error {
	ctx, span := otel.Tracer("ragchat/memory").Start(ctx, "tool_memory.observe")
	defer span.End()

	t.history = append(t.history, types.ToolCallEntry{Call: call, Result: result})
	t.plan = append(t.plan, call)

	lines := make([]string, len(t.history))
	for i, e := range t.history {
		lines[i] = e.JSON()
	}
	minIndex, err := suffixFit(lines, "\n", maxHistoryTokens, t.compress.tok)
	if err != nil {
		return types.NewError(types.ErrTokenizerError, err.Error()).WithCause(err)
	}
	if minIndex <= 0 {
		return nil
	}

	span.SetAttributes(attribute.Int("discarded_entries", minIndex))
	summary, err := t.compress.run(ctx, []field{
		{Name: "current_user_message", Label: "Current User Message", Value: userMessage},
		{Name: "conversation_history", Label: "Conversation History", Value: conv.HistoryString(0, -1)},
		{Name: "conversation_summary", Label: "Conversation Summary", Value: conv.Summary()},
		{Name: "history_to_discard", Label: "History To Discard", Value: t.HistoryString(0, minIndex)},
		{Name: "previous_summary", Label: "Previous Summary", Value: t.summary},
	})
	if err != nil {
		t.logger.Warn("tool history compression failed, keeping full history", zap.Error(err))
		return err
	}

	t.summary = llm.StripThink(summary)
	t.history = t.history[minIndex:]
	t.logger.Debug("compressed tool history",
		zap.Int("discarded", minIndex),
		zap.Int("remaining", len(t.history)))
	return nil
}

// HistoryString renders history[l:r] as JSON lines. r < 0 means to the end.
func (t *Tool) HistoryString(l, r int) string {
	if r < 0 || r > len(t.history) {
		r = len(t.history)
	}
	if l < 0 {
		l = 0
	}
	if l >= r {
		return ""
	}
	lines := make([]string, 0, r-l)
	for _, e := range t.history[l:r] {
		lines = append(lines, e.JSON())
	}
	return strings.Join(lines, "\n")
}

// Summary returns the rolling summary of discarded tool calls.
func (t *Tool) Summary() string { return t.summary }

// Plan returns every tool call made so far this turn.
func (t *Tool) Plan() []types.ToolCall { return t.plan }

// History returns the verbatim entries currently held.
func (t *Tool) History() []types.ToolCallEntry { return t.history }
