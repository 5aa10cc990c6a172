// Package matcher decides which addresses and display names are reported.
package matcher

import (
	"strings"

	"github.com/lithammer/fuzzysearch/fuzzy"
)

// Kind is the matching strategy.
type Kind uint8

const (
	// Substring accepts candidates containing the pattern.
	Substring Kind = iota
	// Fuzzy accepts candidates containing the pattern's characters in order,
	// not necessarily adjacent.
	Fuzzy
)

func (k Kind) String() string {
	if k == Fuzzy {
		return "fuzzy"
	}
	return "substring"
}

// Options select the matcher variant.
type Options struct {
	IgnoreCase bool
	Fuzzy      bool
}

// Matcher is an immutable predicate over candidate strings. Copies share no
// state and may be used from any number of goroutines.
type Matcher struct {
	kind       Kind
	pattern    string
	ignoreCase bool
}

// New builds the matcher for pattern. An empty pattern matches everything.
func New(pattern string, opts Options) Matcher {
	m := Matcher{pattern: pattern, ignoreCase: opts.IgnoreCase}
	if opts.Fuzzy {
		m.kind = Fuzzy
	}
	if m.ignoreCase {
		m.pattern = strings.ToLower(pattern)
	}
	return m
}

func (m Matcher) Kind() Kind        { return m.kind }
func (m Matcher) Pattern() string   { return m.pattern }
func (m Matcher) IgnoresCase() bool { return m.ignoreCase }

// Matches reports whether candidate is accepted.
func (m Matcher) Matches(candidate string) bool {
	if m.pattern == "" {
		return true
	}
	if m.ignoreCase {
		candidate = strings.ToLower(candidate)
	}
	switch m.kind {
	case Fuzzy:
		return fuzzy.Match(m.pattern, candidate)
	default:
		return strings.Contains(candidate, m.pattern)
	}
}

func (m Matcher) String() string {
	s := m.kind.String() + " " + `"` + m.pattern + `"`
	if m.ignoreCase {
		s += " (ignore case)"
	}
	return s
}
