package llm

import "strings"

// StripThink removes a leading <think>...</think> block from reasoning-model
// output. Text before the opening tag is preserved; an unterminated block
// drops everything from the opening tag onward.
func StripThink(s string) string {
	start := strings.Index(s, "<think>")
	if start < 0 {
		return s
	}
	rest := s[start+len("<think>"):]
	end := strings.Index(rest, "</think>")
	if end < 0 {
		return strings.TrimSpace(s[:start])
	}
	return strings.TrimSpace(s[:start] + rest[end+len("</think>"):])
}
