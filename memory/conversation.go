// Package memory implements the agent's bounded conversation and tool
// histories. Each memory keeps recent entries verbatim and folds overflow
// into a rolling LLM-maintained summary.
//
// Memories are single-owner: the agent serializes turns, so no internal
// locking is done here.
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

const conversationCompressorInstructions = `You have a Conversation History storing all the conversations between the user and you, the assistant.
Your Conversation History has become too long, so the oldest entries have to be discarded.
You keep a Summary of the discarded conversation history.
Given the History To Discard and Previous Summary, update the Summary.
Use Markdown in Summary.`

// Conversation holds the dialogue so far: verbatim recent entries plus a
// summary of everything older.
type Conversation struct {
	history  []types.ConversationEntry
	summary  string
	compress compressor
	logger   *zap.Logger
}

// NewConversation creates an empty conversation memory.
func NewConversation(provider llm.Provider, tok tokenizer.Tokenizer, cfg Config, logger *zap.Logger) *Conversation {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Conversation{
		compress: compressor{
			provider:     provider,
			tok:          tok,
			cfg:          cfg,
			name:         "conversation",
			instructions: conversationCompressorInstructions,
			ratios: map[string]float64{
				"history_to_discard": 2.0 / 4.0,
				"previous_summary":   1.0 / 4.0,
			},
			logger: logger,
		},
		logger: logger.With(zap.String("component", "conversation_memory")),
	}
}

// WithMetrics attaches a compression-outcome recorder.
func (c *Conversation) WithMetrics(rec MetricsRecorder) *Conversation {
	c.compress.rec = rec
	return c
}

// Register appends an entry without triggering compression. Used when
// loading a prior conversation at startup.
func (c *Conversation) Register(role types.Role, content string) {
	c.history = append(c.history, types.ConversationEntry{Role: role, Content: content})
}

// Append adds an entry and compresses the oldest entries into the summary
// when the history exceeds maxHistoryTokens. On compressor failure the
// entry stays appended but history and summary are left unchanged, so the
// memory never loses data on error.
func (c *Conversation) Append(ctx context.Context, role types.Role, content string, maxHistoryTokens int) error {
	ctx, span := otel.Tracer("ragchat/memory").Start(ctx, "conversation_memory.append")
	defer span.End()

	c.Register(role, content)

	lines := make([]string, len(c.history))
	for i, e := range c.history {
		lines[i] = e.JSON()
	}
	minIndex, err := suffixFit(lines, "\n", maxHistoryTokens, c.compress.tok)
	if err != nil {
		return types.NewError(types.ErrTokenizerError, err.Error()).WithCause(err)
	}
	if minIndex <= 0 {
		return nil
	}

	span.SetAttributes(attribute.Int("discarded_entries", minIndex))
	summary, err := c.compress.run(ctx, []field{
		{Name: "history_to_discard", Label: "History To Discard", Value: c.HistoryString(0, minIndex)},
		{Name: "previous_summary", Label: "Previous Summary", Value: c.summary},
	})
	if err != nil {
		c.logger.Warn("conversation compression failed, keeping full history", zap.Error(err))
		return err
	}

	c.summary = summary
	c.history = c.history[minIndex:]
	c.logger.Debug("compressed conversation history",
		zap.Int("discarded", minIndex),
		zap.Int("remaining", len(c.history)))
	return nil
}

// HistoryString renders history[l:r] as JSON lines. r < 0 means to the end.
func (c *Conversation) HistoryString(l, r int) string {
	if r < 0 || r > len(c.history) {
		r = len(c.history)
	}
	if l < 0 {
		l = 0
	}
	if l >= r {
		return ""
	}
	lines := make([]string, 0, r-l)
	for _, e := range c.history[l:r] {
		lines = append(lines, e.JSON())
	}
	return strings.Join(lines, "\n")
}

// Summary returns the rolling summary of discarded entries.
func (c *Conversation) Summary() string { return c.summary }

// History returns the verbatim entries currently held.
func (c *Conversation) History() []types.ConversationEntry { return c.history }
