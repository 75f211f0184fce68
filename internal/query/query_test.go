package query

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeExpandsContractionsAndHyphens(t *testing.T) {
	got := Normalize("What's my favorite programming-language?")
	require.Equal(t, "what is my favorite programming language?", got)
}

func TestProcessDetectsQuestionByLeadingWord(t *testing.T) {
	p := Process("what is my favorite color")
	require.True(t, p.IsQuestion)
}

func TestProcessDetectsQuestionByTrailingMark(t *testing.T) {
	p := Process("do I like pizza?")
	require.True(t, p.IsQuestion)
}

func TestProcessExtractsCuratedPhraseWhole(t *testing.T) {
	p := Process("what's my favorite color")
	require.Contains(t, p.Phrases, "favorite color")
}

func TestProcessDropsStopwordsAndQuestionScaffolding(t *testing.T) {
	p := Process("what is my job title")
	require.NotContains(t, p.Keywords, "what")
	require.NotContains(t, p.Keywords, "my")
	require.NotContains(t, p.Keywords, "is")
}

func TestProcessSearchTermsCappedAtTen(t *testing.T) {
	p := Process("apple banana cherry date elderberry fig grape honeydew kiwi lemon mango nectarine")
	require.LessOrEqual(t, len(p.SearchTerms), 10)
}

func TestExpandReturnsOriginalForStrictMode(t *testing.T) {
	got := Expand("favorite", ModeStrict)
	require.Equal(t, []string{"favorite"}, got)
}

func TestExpandReturnsCuratedSynonymsForNormalMode(t *testing.T) {
	got := Expand("favorite", ModeNormal)
	require.Contains(t, got, "preferred")
}

func TestExpandIsMoreGenerousInAggressiveMode(t *testing.T) {
	normal := Expand("like", ModeNormal)
	aggressive := Expand("like", ModeAggressive)
	require.Greater(t, len(aggressive), len(normal))
}

func TestParamsForDefaultsToNormalOnUnknownMode(t *testing.T) {
	require.Equal(t, modeParams[ModeNormal], ParamsFor("bogus"))
}

func TestFTSQueryWeightsPhrasesDouble(t *testing.T) {
	p := Process("what's my favorite color")
	ftsQ := FTSQuery(p)
	require.Equal(t, 2, countOccurrences(ftsQ, `"favorite color"`))
}

func countOccurrences(haystack, needle string) int {
	count := 0
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			count++
			i += len(needle) - 1
		}
	}
	return count
}
