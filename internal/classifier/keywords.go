package classifier

import (
	"fmt"
	"regexp"
	"strings"
)

// keywordMatcher scans response text for literal error phrases and
// configured regular-expression patterns.
type keywordMatcher struct {
	literals []string
	patterns []*regexp.Regexp
}

func newKeywordMatcher(keywords, patterns []string) (*keywordMatcher, error) {
	m := &keywordMatcher{}
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			m.literals = append(m.literals, kw)
		}
	}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile classifier pattern %q: %w", p, err)
		}
		m.patterns = append(m.patterns, re)
	}
	return m, nil
}

func (m *keywordMatcher) matches(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range m.literals {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	for _, re := range m.patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
