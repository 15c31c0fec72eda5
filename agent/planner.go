package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/edgeintel/ragchat/llm"
	"github.com/edgeintel/ragchat/llm/tokenizer"
	"github.com/edgeintel/ragchat/memory"
	"github.com/edgeintel/ragchat/types"
)

const plannerInstructions = `Plan the appropriate tool calls to answer the given user question.
The question may be complex and require multiple hops of tools with different kinds of parameters.
Respond with a JSON array of tool calls, e.g. [{"name": "tool_name", "args": {"param": "value"}}].
Plan at most Max Calls tool calls. An empty array [] means no tool call is needed.`

// Planner asks the model which tool calls to make next. The accepted plan
// is validated against the known tool set; invalid plans trigger bounded
// re-planning before the best attempt is kept.
type Planner struct {
	step    step
	retries int
	logger  *zap.Logger
}

func newPlanner(provider llm.Provider, tok tokenizer.Tokenizer, contextWindow, reserved, retries int, logger *zap.Logger) *Planner {
	return &Planner{
		step: step{
			provider:     provider,
			tok:          tok,
			instructions: plannerInstructions,
			outputLabel:  "Tool Plan",
			outputDesc:   "JSON array of tool calls",
			ratios: map[string]float64{
				"current_user_message": 2.0 / 15.0,
				"conversation_history": 3.0 / 15.0,
				"conversation_summary": 1.0 / 15.0,
				"tool_history":         5.0 / 15.0,
				"tool_summary":         1.0 / 15.0,
			},
			contextWindow: contextWindow,
			reserved:      reserved,
		},
		retries: retries,
		logger:  logger.With(zap.String("component", "planner")),
	}
}

func (p *Planner) fields(query string, conv *memory.Conversation, tool *memory.Tool, tools []types.ToolSchema, maxCalls int) []promptField {
	toolDescs := make([]string, 0, len(tools))
	for _, t := range tools {
		toolDescs = append(toolDescs, fmt.Sprintf("%s: %s\nParameters: %s", t.Name, t.Description, string(t.Parameters)))
	}
	prevPlan, _ := json.Marshal(tool.Plan())

	return []promptField{
		{Name: "current_user_message", Label: "Current User Message", Desc: descCurrentUserMessage, Value: query},
		{Name: "max_calls", Label: "Max Calls", Value: strconv.Itoa(maxCalls)},
		{Name: "tools", Label: "Tools", Value: strings.Join(toolDescs, "\n---\n")},
		{Name: "tool_history", Label: "Tool History", Desc: descToolHistory, Value: tool.HistoryString(0, -1)},
		{Name: "tool_summary", Label: "Tool Summary", Desc: descToolSummary, Value: tool.Summary()},
		{Name: "previous_tool_plan", Label: "Previous Tool Plan", Desc: "The tool plans you previously planned.", Value: string(prevPlan)},
		{Name: "conversation_history", Label: "Conversation History", Desc: descConversationHistory, Value: conv.HistoryString(0, -1)},
		{Name: "conversation_summary", Label: "Conversation Summary", Desc: descConversationSummary, Value: conv.Summary()},
	}
}

// TemplateTokens exposes the planner's scaffolding size; turn-level budgets
// derive from it.
func (p *Planner) TemplateTokens(query string, conv *memory.Conversation, tool *memory.Tool, tools []types.ToolSchema, maxCalls int) int {
	return p.step.templateTokens(p.fields(query, conv, tool, tools, maxCalls))
}

// Limits returns the per-field budgets for the current planner inputs.
func (p *Planner) Limits(query string, conv *memory.Conversation, tool *memory.Tool, tools []types.ToolSchema, maxCalls int) map[string]int {
	return p.step.limits(p.fields(query, conv, tool, tools, maxCalls))
}

// Plan produces a validated tool plan. When the model keeps naming unknown
// tools after all retries, the invalid calls are dropped and the rest kept.
func (p *Planner) Plan(ctx context.Context, query string, conv *memory.Conversation, tool *memory.Tool, tools []types.ToolSchema, maxCalls int) (types.ToolPlan, error) {
	known := make(map[string]struct{}, len(tools))
	for _, t := range tools {
		known[t.Name] = struct{}{}
	}

	var lastPlan types.ToolPlan
	var lastErr error
	attempts := p.retries
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		out, err := p.step.complete(ctx, p.fields(query, conv, tool, tools, maxCalls))
		if err != nil {
			lastErr = err
			continue
		}

		plan, err := parseToolPlan(out)
		if err != nil {
			p.logger.Debug("plan parse failed", zap.Int("attempt", attempt), zap.Error(err))
			lastErr = types.NewError(types.ErrPlanInvalid, err.Error()).WithCause(err)
			continue
		}

		lastPlan, lastErr = plan, nil
		if validPlan(plan, known, maxCalls) {
			return plan, nil
		}
		p.logger.Debug("plan failed validation, re-planning", zap.Int("attempt", attempt))
	}

	if lastErr != nil {
		return types.ToolPlan{}, lastErr
	}

	// Best effort: keep the valid calls from the last attempt.
	kept := make([]types.ToolCall, 0, len(lastPlan.Calls))
	for _, c := range lastPlan.Calls {
		if _, ok := known[c.Name]; ok {
			kept = append(kept, c)
		}
	}
	if len(kept) > maxCalls {
		kept = kept[:maxCalls]
	}
	return types.ToolPlan{Calls: kept}, nil
}

func validPlan(plan types.ToolPlan, known map[string]struct{}, maxCalls int) bool {
	if len(plan.Calls) > maxCalls {
		return false
	}
	for _, c := range plan.Calls {
		if _, ok := known[c.Name]; !ok {
			return false
		}
	}
	return true
}

// parseToolPlan extracts the JSON array from model output, tolerating
// reasoning preambles and code fences.
func parseToolPlan(out string) (types.ToolPlan, error) {
	out = llm.StripThink(out)

	start := strings.Index(out, "[")
	end := strings.LastIndex(out, "]")
	if start < 0 || end < start {
		return types.ToolPlan{}, fmt.Errorf("no JSON array in planner output")
	}

	var calls []types.ToolCall
	if err := json.Unmarshal([]byte(out[start:end+1]), &calls); err != nil {
		return types.ToolPlan{}, fmt.Errorf("decode tool plan: %w", err)
	}
	for _, c := range calls {
		if c.Name == "" {
			return types.ToolPlan{}, fmt.Errorf("tool call with empty name")
		}
	}
	return types.ToolPlan{Calls: calls}, nil
}
