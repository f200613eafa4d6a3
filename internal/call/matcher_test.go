package call

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSubstringMatcher(t *testing.T) {
	m := NewSubstringMatcher([]string{"goodbye", "That's All"})

	require.True(t, m.Match("goodbye"))
	require.True(t, m.Match("ok GOODBYE then"))
	require.True(t, m.Match("I think that's all, thanks"))
	require.False(t, m.Match("good morning"))
	require.False(t, m.Match(""))
}

func TestSubstringMatcherEmptyPhrases(t *testing.T) {
	m := NewSubstringMatcher(nil)
	require.False(t, m.Match("goodbye"))
}
