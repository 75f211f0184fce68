// Package query implements the QueryPipeline (C9): free-text
// normalization, phrase extraction, stop-word filtering, and the three
// synonym-expansion modes RecallEngine selects between.
package query

import (
	"regexp"
	"strings"

	"github.com/coregx/ahocorasick"
	"github.com/orsinium-labs/stopwords"
)

// ExpansionMode selects the synonym-expansion aggressiveness for a recall
// request.
type ExpansionMode string

const (
	ModeStrict     ExpansionMode = "strict"
	ModeNormal     ExpansionMode = "normal"
	ModeAggressive ExpansionMode = "aggressive"
)

// ModeParams are the per-mode thresholds and hybrid weights of spec.md
// §4.9.
type ModeParams struct {
	SemanticThreshold float64
	WeightSemantic    float64
	WeightKeyword     float64
}

var modeParams = map[ExpansionMode]ModeParams{
	ModeStrict:     {SemanticThreshold: 0.85, WeightSemantic: 0.4, WeightKeyword: 0.6},
	ModeNormal:     {SemanticThreshold: 0.75, WeightSemantic: 0.6, WeightKeyword: 0.4},
	ModeAggressive: {SemanticThreshold: 0.65, WeightSemantic: 0.8, WeightKeyword: 0.2},
}

// ParamsFor returns the tuning parameters for a mode, defaulting to normal
// for an unrecognized or empty mode string.
func ParamsFor(mode ExpansionMode) ModeParams {
	if p, ok := modeParams[mode]; ok {
		return p
	}
	return modeParams[ModeNormal]
}

var curatedSynonyms = map[ExpansionMode]map[string][]string{
	ModeNormal: {
		"favorite": {"preferred", "go-to"},
		"language": {"programming language"},
		"job":      {"work", "role", "occupation"},
		"like":     {"enjoy", "prefer"},
	},
	ModeAggressive: {
		"favorite": {"preferred", "go-to", "best-loved", "top"},
		"language": {"programming language", "lang"},
		"job":      {"work", "role", "occupation", "career"},
		"like":     {"enjoy", "prefer", "love", "fond of"},
		"live":     {"reside", "based", "located"},
	},
}

// Expand returns term plus its curated synonyms for the given mode (none
// for strict).
func Expand(term string, mode ExpansionMode) []string {
	out := []string{term}
	syns, ok := curatedSynonyms[mode]
	if !ok {
		return out
	}
	if extra, ok := syns[term]; ok {
		out = append(out, extra...)
	}
	return out
}

var contractions = map[string]string{
	"don't": "do not", "can't": "cannot", "won't": "will not", "i'm": "i am",
	"it's": "it is", "that's": "that is", "what's": "what is", "who's": "who is",
	"i've": "i have", "i'll": "i will", "i'd": "i would", "didn't": "did not",
	"doesn't": "does not", "isn't": "is not", "aren't": "are not",
}

var questionWords = map[string]struct{}{
	"what": {}, "who": {}, "where": {}, "when": {}, "why": {}, "how": {}, "which": {}, "whose": {}, "whom": {},
}

var possessiveDeterminers = map[string]struct{}{"my": {}, "your": {}, "his": {}, "her": {}, "their": {}, "our": {}, "its": {}}
var copulas = map[string]struct{}{"is": {}, "are": {}, "was": {}, "were": {}, "am": {}, "be": {}}

var alwaysStop = map[string]struct{}{"a": {}, "an": {}, "the": {}}
var contextStop = map[string]struct{}{
	"in": {}, "on": {}, "at": {}, "of": {}, "to": {}, "for": {}, "with": {}, "about": {},
	"he": {}, "she": {}, "it": {}, "they": {}, "we": {}, "you": {}, "i": {},
	"do": {}, "does": {}, "did": {}, "have": {}, "has": {}, "had": {}, "will": {}, "would": {}, "can": {}, "could": {},
}

var en = stopwords.MustGet("en")

var possessiveRe = regexp.MustCompile(`'s\b`)
var hyphenRe = regexp.MustCompile(`-`)
var whitespaceRe = regexp.MustCompile(`\s+`)

// curatedPhrases is the static phrase dictionary matched before the
// per-word keyword pass runs, so "favorite color" is extracted whole
// instead of as two independent keywords.
var curatedPhrases = []string{
	"favorite color", "favorite food", "favorite movie", "favorite book",
	"programming language", "operating system", "home town", "job title",
	"phone number", "email address", "date of birth",
}

var phraseAutomaton = buildPhraseAutomaton()

func buildPhraseAutomaton() *ahocorasick.Automaton {
	ac, err := ahocorasick.NewBuilder().
		AddStrings(curatedPhrases).
		SetMatchKind(ahocorasick.LeftmostLongest).
		SetPrefilter(true).
		Build()
	if err != nil {
		panic("query: phrase automaton build: " + err.Error())
	}
	return ac
}

// Processed is the normalized form of a free-text recall query.
type Processed struct {
	Normalized   string
	IsQuestion   bool
	Phrases      []string
	Keywords     []string
	SearchTerms  []string // phrases ∪ keywords, capped at 10
}

// Normalize lowercases, expands contractions, strips possessives,
// converts hyphens to spaces, and collapses whitespace.
func Normalize(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	for c, exp := range contractions {
		s = strings.ReplaceAll(s, c, exp)
	}
	s = possessiveRe.ReplaceAllString(s, "")
	s = hyphenRe.ReplaceAllString(s, " ")
	s = whitespaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

func isQuestion(raw, normalized string) bool {
	if strings.HasSuffix(strings.TrimSpace(raw), "?") {
		return true
	}
	fields := strings.Fields(normalized)
	if len(fields) == 0 {
		return false
	}
	_, ok := questionWords[fields[0]]
	return ok
}

// Process runs the full C9 pipeline over a raw query string.
func Process(raw string) Processed {
	normalized := Normalize(raw)
	question := isQuestion(raw, normalized)

	var phrases []string
	matched := make(map[string]bool)
	for _, match := range phraseAutomaton.FindAllOverlapping([]byte(normalized)) {
		p := normalized[match.Start:match.End]
		if !matched[p] {
			phrases = append(phrases, p)
			matched[p] = true
		}
	}

	words := strings.Fields(normalized)
	var keywords []string
	for _, w := range words {
		if coveredByPhrase(w, phrases) {
			continue
		}
		if _, ok := alwaysStop[w]; ok {
			continue
		}
		if question {
			if _, ok := questionWords[w]; ok {
				continue
			}
			if _, ok := possessiveDeterminers[w]; ok {
				continue
			}
			if _, ok := copulas[w]; ok {
				continue
			}
		}
		if _, ok := contextStop[w]; ok {
			continue
		}
		if en.Contains(w) {
			continue
		}
		keywords = append(keywords, w)
	}

	terms := append(append([]string{}, phrases...), keywords...)
	if len(terms) > 10 {
		terms = terms[:10]
	}

	return Processed{
		Normalized:  normalized,
		IsQuestion:  question,
		Phrases:     phrases,
		Keywords:    keywords,
		SearchTerms: terms,
	}
}

func coveredByPhrase(word string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(p, word) {
			return true
		}
	}
	return false
}

// FTSQuery builds an FTS5 MATCH expression from a processed query,
// weighting phrases 2x by repeating them in the OR expression.
func FTSQuery(p Processed) string {
	var parts []string
	for _, ph := range p.Phrases {
		quoted := `"` + strings.ReplaceAll(ph, `"`, ``) + `"`
		parts = append(parts, quoted, quoted) // phrase weighted 2x
	}
	for _, kw := range p.Keywords {
		parts = append(parts, kw)
	}
	return strings.Join(parts, " OR ")
}
