package types

import "encoding/json"

// Role represents the role of a conversation participant.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ConversationEntry is a single immutable turn of the user/assistant
// conversation. Entries older than the compression boundary are folded
// into a rolling summary and destroyed.
type ConversationEntry struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// JSON renders the entry as a compact JSON record. Serialization of
// entries is the unit of token accounting for memory budgets, so the
// rendering must be deterministic.
func (e ConversationEntry) JSON() string {
	b, _ := json.Marshal(e)
	return string(b)
}
