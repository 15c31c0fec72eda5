// Package budget turns prompt-field ratios into absolute token limits.
package budget

import "math"

// Limits distributes the usable context window across prompt fields.
// Usable space is contextWindow minus templateTokens (the fixed prompt
// scaffolding) minus reserved headroom; each field gets the floor of its
// ratio share. Results can be negative when the fixed parts already
// overflow the window; callers treat negative limits as zero-size fields.
func Limits(ratios map[string]float64, templateTokens, contextWindow, reserved int) map[string]int {
	usable := contextWindow - templateTokens - reserved
	out := make(map[string]int, len(ratios))
	for field, ratio := range ratios {
		out[field] = int(math.Floor(float64(usable) * ratio))
	}
	return out
}
