package agent

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/edgeintel/ragchat/llm"
	"github.com/edgeintel/ragchat/llm/tokenizer"
	"github.com/edgeintel/ragchat/memory"
)

const judgeInstructions = `You are capable of making tool calls to retrieve relevant information for answering the Current User Message.
The information you already learned from the tool calls is given in the Tool History.
Your current task is to judge, based solely on the system prompt and the information given below,
whether you should respond to the Current User Message with these information,
or should you look for more information by making more tool calls.
You should respond to the user when either
(a) the given information is sufficient for answering the Current User Message or
(b) the Current User Message is ambiguous to the extent that further tool calls would not be helpful for answering it.
Note that you should respond to the user if (b) holds, where you should ask for clarifications
as opposed to answering the question itself.`

// Judge decides whether accumulated tool results suffice to answer. A
// malformed verdict after retries defaults to "keep looping"; the loop
// itself forces synthesis on the final iteration.
type Judge struct {
	step    step
	retries int
	logger  *zap.Logger
}

func newJudge(provider llm.Provider, tok tokenizer.Tokenizer, contextWindow, reserved, retries int, logger *zap.Logger) *Judge {
	return &Judge{
		step: step{
			provider:     provider,
			tok:          tok,
			instructions: judgeInstructions,
			outputLabel:  "Judgement",
			outputDesc: `If you should respond to the user, please reply with "Yes" directly; ` +
				`if you think you should look for more information, please reply with "No" directly.`,
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
		retries: retries,
		logger:  logger.With(zap.String("component", "judge")),
	}
}

// cleanVerdict strips reasoning blocks and punctuation from a judge reply.
func cleanVerdict(out string) string {
	out = llm.StripThink(out)
	out = strings.ReplaceAll(out, ".", "")
	return strings.TrimSpace(out)
}

// Sufficient returns true when the judge says to stop and respond.
func (j *Judge) Sufficient(ctx context.Context, userMessage string, conv *memory.Conversation, tool *memory.Tool) bool {
	fields := []promptField{
		{Name: "current_user_message", Label: "Current User Message", Desc: descCurrentUserMessage, Value: userMessage},
		{Name: "conversation_history", Label: "Conversation History", Desc: descConversationHistory, Value: conv.HistoryString(0, -1)},
		{Name: "conversation_summary", Label: "Conversation Summary", Desc: descConversationSummary, Value: conv.Summary()},
		{Name: "tool_history", Label: "Tool History", Desc: descToolHistory, Value: tool.HistoryString(0, -1)},
		{Name: "tool_summary", Label: "Tool Summary", Desc: descToolSummary, Value: tool.Summary()},
	}

	attempts := j.retries
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		out, err := j.step.complete(ctx, fields)
		if err != nil {
			j.logger.Warn("judge call failed", zap.Error(err))
			return false
		}
		switch cleanVerdict(out) {
		case "Yes":
			return true
		case "No":
			return false
		}
		j.logger.Debug("judge verdict malformed, retrying", zap.Int("attempt", attempt))
	}

	// Default to looking for more information.
	return false
}
