// Package scoring turns a raw conversational turn into a quality score and
// a tier classification, the first gate a candidate memory passes through
// before the dedup/supercede engine ever sees it.
package scoring

import (
	"strings"

	"github.com/coregx/ahocorasick"
)

// Role is the speaker of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is the minimal shape the scorer needs from an observed message.
type Turn struct {
	Role    Role
	Content string
	// SecondsIntoWindow is how far into the current cadence window this
	// turn falls; recency scores higher near the start of the window.
	SecondsIntoWindow float64
	WindowSeconds      float64
}

var tier1Cues = []string{
	"my name is", "i am", "i'm", "i live in", "i work at", "i work as",
	"my job is", "my email is", "i was born", "my birthday",
}

var tier2Cues = []string{
	"i prefer", "i like", "i love", "i hate", "i dislike", "my favorite",
	"i want to", "i plan to", "i'm trying to", "my goal is",
}

var imperativeCues = []string{
	"remember that", "please remember", "note that", "always", "never",
	"make sure", "don't forget",
}

func buildAutomaton(phrases []string) *ahocorasick.Automaton {
	ac, err := ahocorasick.NewBuilder().
		AddStrings(phrases).
		SetMatchKind(ahocorasick.LeftmostLongest).
		SetPrefilter(true).
		Build()
	if err != nil {
		panic("scoring: cue automaton build: " + err.Error())
	}
	return ac
}

var (
	tier1Automaton      = buildAutomaton(tier1Cues)
	tier2Automaton      = buildAutomaton(tier2Cues)
	imperativeAutomaton = buildAutomaton(imperativeCues)
)

// Classifier computes quality scores and tier classifications. It holds no
// mutable state and is safe for concurrent use.
type Classifier struct{}

// New builds a Scorer/Classifier.
func New() *Classifier { return &Classifier{} }

// QualityScore returns a deterministic score in [0,1] for a turn: a
// weighted sum of role, length, lexical salience, and recency within the
// cadence window.
func (c *Classifier) QualityScore(t Turn) float64 {
	lower := strings.ToLower(t.Content)

	roleScore := 0.4
	if t.Role == RoleUser {
		roleScore = 0.7
	}

	length := len(t.Content)
	lengthScore := 1.0
	switch {
	case length < 10:
		lengthScore = 0.1
	case length > 500:
		lengthScore = 0.4
	}

	salience := 0.0
	if len(imperativeAutomaton.FindAllOverlapping([]byte(lower))) > 0 {
		salience += 0.5
	}
	if len(tier1Automaton.FindAllOverlapping([]byte(lower))) > 0 {
		salience += 0.3
	}
	if len(tier2Automaton.FindAllOverlapping([]byte(lower))) > 0 {
		salience += 0.2
	}
	if salience > 1.0 {
		salience = 1.0
	}

	recency := 1.0
	if t.WindowSeconds > 0 {
		recency = 1.0 - (t.SecondsIntoWindow / t.WindowSeconds)
		if recency < 0 {
			recency = 0
		}
	}

	score := 0.25*roleScore + 0.2*lengthScore + 0.4*salience + 0.15*recency
	if score > 1.0 {
		score = 1.0
	}
	if score < 0.0 {
		score = 0.0
	}
	return score
}

// Tier is re-exported here so callers of this package don't need to import
// store just to name a tier; store.Tier and scoring.Tier share the same
// underlying string values by construction.
type Tier string

const (
	T1 Tier = "T1"
	T2 Tier = "T2"
	T3 Tier = "T3"
)

// DetectTier classifies a turn as T1 (cross-thread-worthy identity/durable
// facts), T2 (preferences/goals), or T3 (general). Explicit saves default
// to T1 at the MemoryEngine layer, not here.
func (c *Classifier) DetectTier(t Turn) Tier {
	lower := strings.ToLower(t.Content)
	if len(tier1Automaton.FindAllOverlapping([]byte(lower))) > 0 {
		return T1
	}
	if len(tier2Automaton.FindAllOverlapping([]byte(lower))) > 0 {
		return T2
	}
	return T3
}
