package agent

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/edgeintel/ragchat/llm"
	"github.com/edgeintel/ragchat/llm/tokenizer"
	"github.com/edgeintel/ragchat/memory"
)

// synthesizerRules is appended to the configured persona prompt.
const synthesizerRules = `You are tasked with answering the **Current User Message**.
Follow these guidelines strictly:
1. **Provide high quality responses**:
   - Provide **detailed, organized answers** with bullet points/numbered lists where appropriate.
   - If the query is ambiguous, **first attempt a reasonable answer**, then politely request clarification.
2. **Reference Handling**:
   - Check if you used the retrieved documents when answering the question:
       - If you used the documents to articulate your answer, there has to be a reference list at the end of the answer.
       - However, if you did not use any documents, you don't have to include a reference list.
   - **For every source reference use the format below**:
     Reference:
     - {Insert the source document name here}: {Present the URL here. Say 'No URL' if the source has no URL} {Follow up with page number}
   - Never modify or change the source name or the source URL.
   - If there are duplicate sources, use only one of the duplicates.
   - Discard unused or irrelevant sources.
   - Never guess a URL.
   - Never swap URLs between sources.
3. **User Guidance**:
   - Subtly encourage specificity when it would improve the answer.
4. **Never mention internal tools**:
   - It is **strictly forbidden** to mention your internal history (such as conversation history, tool history) and tool calls (vector retriever, keyword retriever).
   - Do not reference your internal tool calls (e.g., 'Based on the conversation history', 'According to the vector retriever tool') when answering the user query.`

// toolHistorySeparator joins tool entries in the synthesizer prompt; a
// heavier separator than JSON lines keeps long results visually distinct.
const toolHistorySeparator = "\n\n###\n\n"

// Synthesizer produces the user-facing answer from everything gathered
// during the turn.
type Synthesizer struct {
	step   step
	logger *zap.Logger
}

func newSynthesizer(provider llm.Provider, tok tokenizer.Tokenizer, contextWindow, reserved int, systemPrompt string, logger *zap.Logger) *Synthesizer {
	instructions := synthesizerRules
	if systemPrompt != "" {
		instructions = systemPrompt + "\n" + synthesizerRules
	}
	return &Synthesizer{
		step: step{
			provider:     provider,
			tok:          tok,
			instructions: instructions,
			outputLabel:  "Response",
			outputDesc:   "Your response to the Current User Message.",
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
		logger: logger.With(zap.String("component", "synthesizer")),
	}
}

func (s *Synthesizer) fields(userMessage string, conv *memory.Conversation, tool *memory.Tool) []promptField {
	entries := tool.History()
	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		parts = append(parts, e.JSON())
	}

	return []promptField{
		{Name: "conversation_history", Label: "Conversation History", Desc: descConversationHistory, Value: conv.HistoryString(0, -1)},
		{Name: "conversation_summary", Label: "Conversation Summary", Desc: descConversationSummary, Value: conv.Summary()},
		{Name: "tool_history", Label: "Tool History", Desc: descToolHistory, Value: strings.Join(parts, toolHistorySeparator)},
		{Name: "tool_summary", Label: "Tool Summary", Desc: descToolSummary, Value: tool.Summary()},
		{Name: "current_date", Label: "Current Date", Value: time.Now().Format("2006-01-02")},
		{Name: "current_user_message", Label: "Current User Message", Desc: descCurrentUserMessage, Value: userMessage},
	}
}

// Synthesize produces the answer as a blocking string wrapped in a Response.
func (s *Synthesizer) Synthesize(ctx context.Context, userMessage string, conv *memory.Conversation, tool *memory.Tool) (*Response, error) {
	out, err := s.step.complete(ctx, s.fields(userMessage, conv, tool))
	if err != nil {
		return nil, err
	}
	return newCompleteResponse(strings.TrimSpace(llm.StripThink(out))), nil
}

// SynthesizeStream produces the answer as a stream of chunks. The returned
// Response's chunk channel closes when the upstream stream ends.
func (s *Synthesizer) SynthesizeStream(ctx context.Context, userMessage string, conv *memory.Conversation, tool *memory.Tool) (*Response, error) {
	chunks, err := s.step.stream(ctx, s.fields(userMessage, conv, tool))
	if err != nil {
		return nil, err
	}

	resp := newResponse()
	go func() {
		var streamErr error
		for chunk := range chunks {
			if chunk.Err != nil {
				streamErr = chunk.Err
				break
			}
			if chunk.Delta.Content != "" {
				resp.emit(chunk.Delta.Content)
			}
		}
		resp.finish(streamErr)
	}()
	return resp, nil
}
