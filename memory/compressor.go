package memory

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/edgeintel/ragchat/llm"
	"github.com/edgeintel/ragchat/llm/budget"
	"github.com/edgeintel/ragchat/llm/tokenizer"
	"github.com/edgeintel/ragchat/types"
)

// Config carries the sizing parameters shared by both memories.
type Config struct {
	// ContextWindow is the model's context length in tokens.
	ContextWindow int
	// Reserved is headroom kept free for special tokens.
	Reserved int
}

// MetricsRecorder counts compression outcomes. The prometheus collector in
// internal/metrics satisfies it; a nil recorder disables recording.
type MetricsRecorder interface {
	RecordCompression(memoryName, status string)
}

// field is one named input section of a compressor prompt. Name keys the
// token ratio table; Label is the heading rendered into the prompt.
type field struct {
	Name  string
	Label string
	Value string
}

// compressor runs an LLM summarization call over a fixed instruction block
// and a set of budgeted input fields.
type compressor struct {
	provider llm.Provider
	tok      tokenizer.Tokenizer
	cfg      Config

	name         string
	instructions string
	ratios       map[string]float64
	rec          MetricsRecorder
	logger       *zap.Logger
}

func (c *compressor) observe(status string) {
	if c.rec != nil {
		c.rec.RecordCompression(c.name, status)
	}
}

// templateTokens counts the prompt scaffolding: instructions, field labels,
// and the output heading, with all field values empty.
func (c *compressor) templateTokens(fields []field) int {
	empty := make([]field, len(fields))
	for i, f := range fields {
		empty[i] = field{Name: f.Name, Label: f.Label}
	}
	n, err := c.tok.CountTokens(renderPrompt(c.instructions, empty))
	if err != nil {
		return 0
	}
	return n
}

// limits distributes the usable window across the fields.
func (c *compressor) limits(fields []field) map[string]int {
	return budget.Limits(c.ratios, c.templateTokens(fields), c.cfg.ContextWindow, c.cfg.Reserved)
}

// run truncates each field to its budget, renders the prompt, and returns
// the model's updated summary.
func (c *compressor) run(ctx context.Context, fields []field) (string, error) {
	lims := c.limits(fields)
	for i, f := range fields {
		truncated, err := tokenizer.Truncate(c.tok, f.Value, lims[f.Name])
		if err != nil {
			c.observe("failure")
			return "", types.NewError(types.ErrTokenizerError, err.Error()).WithCause(err)
		}
		fields[i].Value = truncated
	}

	resp, err := c.provider.Completion(ctx, &llm.ChatRequest{
		Messages: []llm.Message{
			{Role: types.RoleSystem, Content: c.instructions},
			{Role: types.RoleUser, Content: renderFields(fields)},
		},
	})
	if err != nil {
		c.observe("failure")
		return "", types.NewError(types.ErrCompressionFailed, err.Error()).WithCause(err)
	}

	summary := strings.TrimSpace(llm.Text(resp))
	if summary == "" {
		c.observe("failure")
		return "", types.NewError(types.ErrCompressionFailed, "compressor returned empty summary")
	}
	c.observe("success")
	return summary, nil
}

func renderFields(fields []field) string {
	var b strings.Builder
	for _, f := range fields {
		fmt.Fprintf(&b, "%s:\n%s\n\n", f.Label, f.Value)
	}
	b.WriteString("Updated Summary:")
	return b.String()
}

func renderPrompt(instructions string, fields []field) string {
	return instructions + "\n\n" + renderFields(fields)
}
