package tokenizer

import "unicode/utf8"

// Estimator is a character-based token estimator used when no real
// vocabulary is available. It distinguishes CJK and ASCII characters for
// better accuracy than a naive len/4.
//
// Encode and Decode operate on rune code points, so Truncate degrades to
// rune-aligned truncation rather than failing.
type Estimator struct {
	model     string
	maxTokens int
}

// NewEstimator creates a generic estimator.
func NewEstimator(model string, maxTokens int) *Estimator {
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Estimator{model: model, maxTokens: maxTokens}
}

func (e *Estimator) CountTokens(text string) (int, error) {
	if text == "" {
		return 0, nil
	}

	totalChars := utf8.RuneCountInString(text)
	cjkCount := 0
	for _, r := range text {
		if isCJK(r) {
			cjkCount++
		}
	}

	// CJK characters ~1.5 chars/token, ASCII ~4 chars/token.
	estimated := int(float64(cjkCount)/1.5 + float64(totalChars-cjkCount)/4.0)
	if estimated == 0 {
		estimated = 1
	}
	return estimated, nil
}

func (e *Estimator) Encode(text string) ([]int, error) {
	tokens := make([]int, 0, utf8.RuneCountInString(text))
	for _, r := range text {
		tokens = append(tokens, int(r))
	}
	return tokens, nil
}

func (e *Estimator) Decode(tokens []int) (string, error) {
	runes := make([]rune, len(tokens))
	for i, t := range tokens {
		runes[i] = rune(t)
	}
	return string(runes), nil
}

func (e *Estimator) MaxTokens() int { return e.maxTokens }

func (e *Estimator) Name() string { return "estimator" }

func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) || // CJK Unified Ideographs
		(r >= 0x3400 && r <= 0x4DBF) || // CJK Extension A
		(r >= 0x20000 && r <= 0x2A6DF) || // CJK Extension B
		(r >= 0xF900 && r <= 0xFAFF) || // CJK Compatibility Ideographs
		(r >= 0x3000 && r <= 0x303F) || // CJK Symbols and Punctuation
		(r >= 0xFF00 && r <= 0xFFEF) // Halfwidth and Fullwidth Forms
}
