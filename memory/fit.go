package memory

import "github.com/edgeintel/ragchat/llm/tokenizer"

// suffixFit returns the minimum index i such that strs[i:], joined with
// concat, fits within maxTokens. When even the newest entry alone overflows,
// it returns len(strs)-1 so that everything older is still discarded.
func suffixFit(strs []string, concat string, maxTokens int, tok tokenizer.Tokenizer) (int, error) {
	lens := make([]int, len(strs))
	for i, s := range strs {
		n, err := tok.CountTokens(s)
		if err != nil {
			return 0, err
		}
		lens[i] = n
	}
	concatLen, err := tok.CountTokens(concat)
	if err != nil {
		return 0, err
	}

	minIndex := len(strs) - 1
	cumSum := 0
	for i := len(strs) - 1; i >= 0; i-- {
		cumSum += lens[i]
		if i > 0 {
			cumSum += concatLen
		}
		if cumSum > maxTokens {
			break
		}
		minIndex = i
	}
	return minIndex, nil
}
