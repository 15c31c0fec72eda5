package types

import "encoding/json"

// ToolCall is a single planned invocation of a named tool.
type ToolCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// ToolPlan is the ordered sequence of calls produced by one planning
// round. It is not persisted beyond the iteration except as the
// "previous plan" hint for the next planning call.
type ToolPlan struct {
	Calls []ToolCall `json:"tool_calls"`
}

// ToolSchema describes a tool's interface as published to the planner.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCallEntry pairs an executed call with its serialized result.
type ToolCallEntry struct {
	Call   ToolCall `json:"call"`
	Result string   `json:"result"`
}

// JSON renders the entry as a compact JSON record.
func (e ToolCallEntry) JSON() string {
	b, _ := json.Marshal(e)
	return string(b)
}
