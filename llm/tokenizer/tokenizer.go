package tokenizer

import (
	"fmt"
	"sync"
)

// Tokenizer is the uniform token counting interface.
type Tokenizer interface {
	// CountTokens returns the token count of the given text.
	CountTokens(text string) (int, error)

	// Encode converts text to a list of token IDs.
	Encode(text string) ([]int, error)

	// Decode converts token IDs back to text.
	Decode(tokens []int) (string, error)

	// MaxTokens returns the model's maximum context length.
	MaxTokens() int

	// Name returns the tokenizer's name.
	Name() string
}

// Global tokenizer registry.
var (
	modelTokenizers   = make(map[string]Tokenizer)
	modelTokenizersMu sync.RWMutex
)

// Register registers a tokenizer for the given model name.
func Register(model string, t Tokenizer) {
	modelTokenizersMu.Lock()
	defer modelTokenizersMu.Unlock()
	modelTokenizers[model] = t
}

// Get returns the tokenizer registered for the given model, trying prefix
// matching as a fallback (so "qwen3-32b-awq" matches "qwen3-32b").
func Get(model string) (Tokenizer, error) {
	modelTokenizersMu.RLock()
	defer modelTokenizersMu.RUnlock()

	if t, ok := modelTokenizers[model]; ok {
		return t, nil
	}

	for prefix, t := range modelTokenizers {
		if len(model) >= len(prefix) && model[:len(prefix)] == prefix {
			return t, nil
		}
	}

	return nil, fmt.Errorf("no tokenizer registered for model: %s", model)
}

// ForModel returns the registered tokenizer for the model, falling back to
// a tiktoken tokenizer, and finally to the character estimator.
func ForModel(model string) Tokenizer {
	if t, err := Get(model); err == nil {
		return t
	}
	if t, err := NewTiktoken(model); err == nil {
		return t
	}
	return NewEstimator(model, 0)
}

// Truncate cuts text at a token boundary so that it fits within maxTokens.
// maxTokens <= 0 yields the empty string; text already within the limit is
// returned unchanged.
func Truncate(t Tokenizer, text string, maxTokens int) (string, error) {
	if maxTokens <= 0 {
		return "", nil
	}
	tokens, err := t.Encode(text)
	if err != nil {
		return "", err
	}
	if len(tokens) <= maxTokens {
		return text, nil
	}
	return t.Decode(tokens[:maxTokens])
}
