package retrieval

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/edgeintel/ragchat/types"
)

func TestExtractKeywords(t *testing.T) {
	t.Parallel()

	got := extractKeywords("What is the Tuition Refund policy?")
	assert.Equal(t, []string{"tuition", "refund", "policy"}, got)

	// Stopwords, punctuation, and single characters drop out.
	assert.Empty(t, extractKeywords("is a the, of!"))
	assert.Equal(t, []string{"can't"}, extractKeywords("I can't"))
}

func TestBuildTextQueryWeights(t *testing.T) {
	t.Parallel()

	q := buildTextQuery("tuition refund")
	// Singles at weight 1, the pair at weight 2.
	assert.Contains(t, q, "(tuition) => { $weight: 1 }")
	assert.Contains(t, q, "(refund) => { $weight: 1 }")
	assert.Contains(t, q, "(tuition refund) => { $weight: 2 }")
	// Two keywords only: no full-join clause beyond the pair.
	assert.Equal(t, 2, strings.Count(q, "$weight: 1"))
	assert.Equal(t, 1, strings.Count(q, "$weight: 2"))
}

func TestBuildTextQueryFullJoin(t *testing.T) {
	t.Parallel()

	q := buildTextQuery("tuition refund policy")
	// Three singles, three pairs, one full join at weight 8.
	assert.Equal(t, 3, strings.Count(q, "$weight: 1"))
	assert.Equal(t, 3, strings.Count(q, "$weight: 2"))
	assert.Contains(t, q, "(tuition refund policy) => { $weight: 8 }")
}

func TestBuildTextQueryEmpty(t *testing.T) {
	t.Parallel()
	assert.Empty(t, buildTextQuery("of the a"))
}

func TestEscapeQuerySyntax(t *testing.T) {
	t.Parallel()

	assert.Equal(t, `can\'t`, escapeQuerySyntax("can't"))
	assert.Equal(t, `a\-b\.c`, escapeQuerySyntax("a-b.c"))
	assert.Equal(t, "plain", escapeQuerySyntax("plain"))
}

func TestBuildSearchQueryModes(t *testing.T) {
	t.Parallel()

	filter := Filter{UserID: "u42", Files: []string{"notes.pdf", "syllabus.docx"}}

	shared := buildSearchQuery("x", "shared", Filter{Mode: types.SearchShared})
	assert.Equal(t, "@text:(x) @user_id:{shared}", shared)

	filter.Mode = types.SearchUserFiles
	user := buildSearchQuery("x", "shared", filter)
	assert.Contains(t, user, "@user_id:{u42}")
	assert.Contains(t, user, "@file_name:{notes|syllabus}")

	filter.Mode = types.SearchCombined
	combined := buildSearchQuery("x", "shared", filter)
	// Union of the shared corpus and the user's files.
	assert.Contains(t, combined, "(@user_id:{shared} | (@user_id:{u42} @file_name:{notes|syllabus}))")
}

func TestBuildSearchQueryExcludes(t *testing.T) {
	t.Parallel()

	q := buildSearchQuery("x", "shared", Filter{Exclude: []string{"chunk:1", "chunk:2"}})
	assert.Contains(t, q, `-@id:(chunk\:1)`)
	assert.Contains(t, q, `-@id:(chunk\:2)`)
}
