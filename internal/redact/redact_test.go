package redact

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRedactEmailAndRestore(t *testing.T) {
	f := New()
	text := "reach me at jane.doe@example.com if you need anything"

	redacted, mapping := f.Redact(text)
	require.NotContains(t, redacted, "jane.doe@example.com")
	require.Len(t, mapping, 1)

	restored := f.Restore(redacted, mapping)
	require.Equal(t, text, restored)
}

func TestRedactPhoneSSNCard(t *testing.T) {
	f := New()
	text := "call 555-123-4567, my ssn is 123-45-6789, card 4111 1111 1111 1111"

	redacted, mapping := f.Redact(text)
	require.Len(t, mapping, 3)
	require.NotContains(t, redacted, "123-45-6789")
	require.NotContains(t, redacted, "4111 1111 1111 1111")
}

func TestRedactLeavesPrivateIPv4Untouched(t *testing.T) {
	f := New()
	text := "the dev box is at 192.168.1.20, prod is at 8.8.8.8"

	redacted, mapping := f.Redact(text)
	require.Contains(t, redacted, "192.168.1.20")
	require.NotContains(t, redacted, "8.8.8.8")
	require.Len(t, mapping, 1)
}

func TestRedactLeavesOrdinaryLongWordsAlone(t *testing.T) {
	f := New()
	text := "supercalifragilisticexpialidocious is just a long word"

	redacted, mapping := f.Redact(text)
	require.Equal(t, text, redacted)
	require.Empty(t, mapping)
}

func TestIsAllRedactedWhenOnlyPIIRemains(t *testing.T) {
	f := New()
	text := "jane.doe@example.com"

	redacted, mapping := f.Redact(text)
	require.True(t, f.IsAllRedacted(redacted, mapping))
}

func TestIsAllRedactedFalseWhenContentSurvives(t *testing.T) {
	f := New()
	text := "email me at jane.doe@example.com about the project plan"

	redacted, mapping := f.Redact(text)
	require.False(t, f.IsAllRedacted(redacted, mapping))
}

func TestRedactRestoreRoundTripIsReversible(t *testing.T) {
	f := New()
	texts := []string{
		"my number is 555-987-6543",
		"token: abcdefghijklmnopqrstuvwxyz012345",
		"nothing sensitive here at all",
	}
	for _, text := range texts {
		redacted, mapping := f.Redact(text)
		require.Equal(t, text, f.Restore(redacted, mapping))
	}
}
