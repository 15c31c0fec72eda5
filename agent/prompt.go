package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/edgeintel/ragchat/llm"
	"github.com/edgeintel/ragchat/llm/budget"
	"github.com/edgeintel/ragchat/llm/tokenizer"
	"github.com/edgeintel/ragchat/types"
)

// Shared prompt field descriptions. Every step renders its inputs as
// labeled sections so the model sees a consistent layout.
const (
	descCurrentUserMessage  = "The current user message to answer."
	descConversationHistory = "Previous conversation between user and you, the assistant, in JSON Lines format. " +
		"Each line specifies the role and content of the message. " +
		"The Current User Message is a continuation of this conversation. " +
		"It would be empty if there were no previous conversation."
	descConversationSummary = "Summary of old Conversation History. Might be empty."
	descToolHistory         = "Your previous tool calls in JSON Lines format. " +
		"It would be empty if you have not called any tools previously."
	descToolSummary = "Summary of old and discarded Tool History. Might be empty."
)

// promptField is one labeled input section of a step prompt.
type promptField struct {
	Name  string
	Label string
	Desc  string
	Value string
}

// step is the common machinery of a single LLM-backed agent step: an
// instruction block, budgeted input fields, and one output field.
type step struct {
	provider llm.Provider
	tok      tokenizer.Tokenizer

	instructions string
	outputLabel  string
	outputDesc   string
	ratios       map[string]float64

	contextWindow int
	reserved      int
}

// templateTokens counts the rendered prompt with all field values empty.
func (s *step) templateTokens(fields []promptField) int {
	empty := make([]promptField, len(fields))
	for i, f := range fields {
		empty[i] = promptField{Name: f.Name, Label: f.Label, Desc: f.Desc}
	}
	n, err := s.tok.CountTokens(s.render(empty))
	if err != nil {
		return 0
	}
	return n
}

// limits distributes the usable window across the step's input fields.
func (s *step) limits(fields []promptField) map[string]int {
	return budget.Limits(s.ratios, s.templateTokens(fields), s.contextWindow, s.reserved)
}

// truncateFields cuts each field value to its budget in place.
func (s *step) truncateFields(fields []promptField) error {
	lims := s.limits(fields)
	for i, f := range fields {
		limit, ok := lims[f.Name]
		if !ok {
			continue
		}
		truncated, err := tokenizer.Truncate(s.tok, f.Value, limit)
		if err != nil {
			return types.NewError(types.ErrTokenizerError, err.Error()).WithCause(err)
		}
		fields[i].Value = truncated
	}
	return nil
}

func (s *step) render(fields []promptField) string {
	var b strings.Builder
	for _, f := range fields {
		if f.Desc != "" {
			fmt.Fprintf(&b, "%s (%s):\n%s\n\n", f.Label, f.Desc, f.Value)
		} else {
			fmt.Fprintf(&b, "%s:\n%s\n\n", f.Label, f.Value)
		}
	}
	b.WriteString(s.outputLabel + ":")
	if s.outputDesc != "" {
		b.WriteString(" (" + s.outputDesc + ")")
	}
	return b.String()
}

// complete truncates, renders, and runs the step synchronously, returning
// the raw model output.
func (s *step) complete(ctx context.Context, fields []promptField) (string, error) {
	if err := s.truncateFields(fields); err != nil {
		return "", err
	}
	resp, err := s.provider.Completion(ctx, &llm.ChatRequest{
		Messages: []llm.Message{
			{Role: types.RoleSystem, Content: s.instructions},
			{Role: types.RoleUser, Content: s.render(fields)},
		},
	})
	if err != nil {
		return "", err
	}
	return llm.Text(resp), nil
}

// stream is complete's streaming variant, used by the synthesizer.
func (s *step) stream(ctx context.Context, fields []promptField) (<-chan llm.StreamChunk, error) {
	if err := s.truncateFields(fields); err != nil {
		return nil, err
	}
	return s.provider.Stream(ctx, &llm.ChatRequest{
		Messages: []llm.Message{
			{Role: types.RoleSystem, Content: s.instructions},
			{Role: types.RoleUser, Content: s.render(fields)},
		},
	})
}
