package retrieval

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/edgeintel/ragchat/types"
)

// Keyword boosting: a query of n keywords becomes a weighted disjunction of
// all 1- and 2-keyword combinations, so documents matching several keywords
// outrank documents saturated with a single one. Pairs get weight 2, and
// when there are more than two keywords the full conjunction is kept with
// weight 8.
const (
	tupleLimit  = 2
	boostFactor = 2
)

// Common English stopwords, matching the NLTK english list closely enough
// for query-side filtering.
var stopwords = map[string]struct{}{}

func init() {
	for _, w := range []string{
		"i", "me", "my", "myself", "we", "our", "ours", "ourselves", "you",
		"your", "yours", "yourself", "yourselves", "he", "him", "his",
		"himself", "she", "her", "hers", "herself", "it", "its", "itself",
		"they", "them", "their", "theirs", "themselves", "what", "which",
		"who", "whom", "this", "that", "these", "those", "am", "is", "are",
		"was", "were", "be", "been", "being", "have", "has", "had", "having",
		"do", "does", "did", "doing", "a", "an", "the", "and", "but", "if",
		"or", "because", "as", "until", "while", "of", "at", "by", "for",
		"with", "about", "against", "between", "into", "through", "during",
		"before", "after", "above", "below", "to", "from", "up", "down",
		"in", "out", "on", "off", "over", "under", "again", "further",
		"then", "once", "here", "there", "when", "where", "why", "how",
		"all", "any", "both", "each", "few", "more", "most", "other",
		"some", "such", "no", "nor", "not", "only", "own", "same", "so",
		"than", "too", "very", "can", "will", "just", "don", "should",
		"now",
	} {
		stopwords[w] = struct{}{}
	}
}

// extractKeywords lowercases, tokenizes, and drops stopwords, punctuation,
// and single-character tokens.
func extractKeywords(query string) []string {
	tokens := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r) && r != '\''
	})
	keywords := make([]string, 0, len(tokens))
	for _, t := range tokens {
		t = strings.Trim(t, "'")
		if len(t) <= 1 {
			continue
		}
		if _, stop := stopwords[t]; stop {
			continue
		}
		keywords = append(keywords, t)
	}
	return keywords
}

// escapeQuerySyntax backslash-escapes punctuation so tokens like "can't"
// survive the query parser.
func escapeQuerySyntax(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if strings.ContainsRune("!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~", r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// buildTextQuery turns free text into the weighted disjunct text clause.
func buildTextQuery(query string) string {
	orig := extractKeywords(query)
	for i := range orig {
		orig[i] = escapeQuerySyntax(orig[i])
	}

	var disjuncts []string
	for size := 1; size <= tupleLimit; size++ {
		weight := 1
		for i := 1; i < size; i++ {
			weight *= boostFactor
		}
		combos(orig, size, func(combo []string) {
			disjuncts = append(disjuncts,
				fmt.Sprintf("(%s) => { $weight: %d }", strings.Join(combo, " "), weight))
		})
	}
	if len(orig) > 2 {
		weight := 1
		for i := 0; i <= tupleLimit; i++ {
			weight *= boostFactor
		}
		disjuncts = append(disjuncts,
			fmt.Sprintf("(%s) => { $weight: %d }", strings.Join(orig, " "), weight))
	}
	return strings.Join(disjuncts, " | ")
}

// combos calls fn with every size-k combination of items, in order.
func combos(items []string, k int, fn func([]string)) {
	idx := make([]int, k)
	var rec func(start, depth int)
	rec = func(start, depth int) {
		if depth == k {
			combo := make([]string, k)
			for i, j := range idx {
				combo[i] = items[j]
			}
			fn(combo)
			return
		}
		for i := start; i <= len(items)-(k-depth); i++ {
			idx[depth] = i
			rec(i+1, depth+1)
		}
	}
	rec(0, 0)
}

// buildSearchQuery assembles the full query string: the text clause, the
// scope filters for the search mode, and per-chunk exclusions.
func buildSearchQuery(textClause, corpusID string, f Filter) string {
	q := "@text:(" + textClause + ")"

	switch f.Mode {
	case types.SearchUserFiles:
		q += fmt.Sprintf(" @user_id:{%s} @file_name:{%s}",
			escapeQuerySyntax(f.UserID), tagUnion(f.Files))
	case types.SearchCombined:
		q += fmt.Sprintf(" (@user_id:{%s} | (@user_id:{%s} @file_name:{%s}))",
			escapeQuerySyntax(corpusID), escapeQuerySyntax(f.UserID), tagUnion(f.Files))
	default: // SearchShared
		q += fmt.Sprintf(" @user_id:{%s}", escapeQuerySyntax(corpusID))
	}

	for _, e := range f.Exclude {
		q += fmt.Sprintf(" -@id:(%s)", escapeQuerySyntax(e))
	}
	return q
}

func tagUnion(files []string) string {
	escaped := make([]string, 0, len(files))
	for _, f := range files {
		name := f
		if dot := strings.LastIndex(name, "."); dot > 0 {
			name = name[:dot]
		}
		escaped = append(escaped, escapeQuerySyntax(name))
	}
	return strings.Join(escaped, "|")
}
