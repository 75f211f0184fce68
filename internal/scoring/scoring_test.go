package scoring

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDetectTierIdentityFacts(t *testing.T) {
	c := New()
	tier := c.DetectTier(Turn{Role: RoleUser, Content: "my name is Alex and I work as a backend engineer"})
	require.Equal(t, T1, tier)
}

func TestDetectTierPreference(t *testing.T) {
	c := New()
	tier := c.DetectTier(Turn{Role: RoleUser, Content: "I prefer dark mode in every editor I use"})
	require.Equal(t, T2, tier)
}

func TestDetectTierGeneralFallsToT3(t *testing.T) {
	c := New()
	tier := c.DetectTier(Turn{Role: RoleUser, Content: "that's an interesting point about compilers"})
	require.Equal(t, T3, tier)
}

func TestQualityScoreFavorsUserRoleOverAssistant(t *testing.T) {
	c := New()
	content := "I work as a backend engineer building distributed systems"
	userScore := c.QualityScore(Turn{Role: RoleUser, Content: content, WindowSeconds: 180, SecondsIntoWindow: 0})
	assistantScore := c.QualityScore(Turn{Role: RoleAssistant, Content: content, WindowSeconds: 180, SecondsIntoWindow: 0})
	require.Greater(t, userScore, assistantScore)
}

func TestQualityScorePenalizesVeryShortTurns(t *testing.T) {
	c := New()
	short := c.QualityScore(Turn{Role: RoleUser, Content: "ok", WindowSeconds: 180, SecondsIntoWindow: 0})
	long := c.QualityScore(Turn{Role: RoleUser, Content: "I live in Seattle and work as a data engineer", WindowSeconds: 180, SecondsIntoWindow: 0})
	require.Less(t, short, long)
}

func TestQualityScoreDecaysWithRecency(t *testing.T) {
	c := New()
	content := "remember that I prefer concise answers"
	early := c.QualityScore(Turn{Role: RoleUser, Content: content, WindowSeconds: 180, SecondsIntoWindow: 0})
	late := c.QualityScore(Turn{Role: RoleUser, Content: content, WindowSeconds: 180, SecondsIntoWindow: 170})
	require.Greater(t, early, late)
}

func TestQualityScoreStaysWithinUnitRange(t *testing.T) {
	c := New()
	score := c.QualityScore(Turn{Role: RoleUser, Content: "my name is Alex, I live in Seattle, I prefer dark mode, always remember that", WindowSeconds: 180, SecondsIntoWindow: 0})
	require.GreaterOrEqual(t, score, 0.0)
	require.LessOrEqual(t, score, 1.0)
}
