// Package pattern matches bank statement references against the regular
// expressions bound to team accounts.
package pattern

import (
	"fmt"
	"regexp"

	"github.com/Veraticus/the-dues-must-flow/internal/common"
	"github.com/Veraticus/the-dues-must-flow/internal/model"
)

type compiled struct {
	re      *regexp.Regexp
	pattern model.AccountPattern
}

// Matcher evaluates account patterns case-insensitively, in the order they
// were given.
type Matcher struct {
	patterns []compiled
}

// NewMatcher compiles the patterns. An invalid pattern is an error rather
// than silently never matching.
func NewMatcher(patterns []model.AccountPattern) (*Matcher, error) {
	m := &Matcher{patterns: make([]compiled, 0, len(patterns))}
	for _, p := range patterns {
		re, err := common.CompileFold(p.Pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %d %q: %w", p.ID, p.Pattern, err)
		}
		m.patterns = append(m.patterns, compiled{re: re, pattern: p})
	}
	return m, nil
}

// Match returns the distinct accounts whose patterns match reference, in
// pattern order. More than one result means the reference is ambiguous.
func (m *Matcher) Match(reference string) []int64 {
	seen := make(map[int64]bool)
	var accounts []int64
	for _, c := range m.patterns {
		if seen[c.pattern.AccountID] || !c.re.MatchString(reference) {
			continue
		}
		seen[c.pattern.AccountID] = true
		accounts = append(accounts, c.pattern.AccountID)
	}
	return accounts
}

// Len returns the number of compiled patterns.
func (m *Matcher) Len() int {
	return len(m.patterns)
}
