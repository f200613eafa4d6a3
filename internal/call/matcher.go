package call

import "strings"

// PhraseMatcher decides whether a caller transcript signals that the
// conversation should end. The matching semantics are pluggable so a literal
// matcher can later be swapped for intent-based detection.
type PhraseMatcher interface {
	// Match reports whether the transcript contains a closing phrase.
	Match(transcript string) bool
}

// SubstringMatcher matches any configured phrase as a case-insensitive
// substring of the transcript.
type SubstringMatcher struct {
	phrases []string
}

// NewSubstringMatcher builds a matcher from the configured closing phrases.
// Empty phrases are dropped.
func NewSubstringMatcher(phrases []string) *SubstringMatcher {
	m := &SubstringMatcher{}
	for _, p := range phrases {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			m.phrases = append(m.phrases, p)
		}
	}
	return m
}

// Match reports whether any closing phrase occurs in the transcript.
func (m *SubstringMatcher) Match(transcript string) bool {
	t := strings.ToLower(transcript)
	for _, p := range m.phrases {
		if strings.Contains(t, p) {
			return true
		}
	}
	return false
}
