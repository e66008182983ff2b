// Package scanner implements lexical risk scanning of untrusted source code.
//
// Rules are regular expressions evaluated against the raw text. There is no
// parsing, so a pattern inside a string literal or a comment still matches.
// The standard library RE2 engine guarantees linear-time matching, so a
// hostile input cannot make the scan itself expensive.
package scanner

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/epuerta/codeagent/internal/model"
)

// Family groups rules by the kind of capability they detect
type Family string

const (
	FamilyProcess    Family = "process"
	FamilyEval       Family = "eval"
	FamilyNetwork    Family = "network"
	FamilyFilesystem Family = "filesystem"
	FamilyMarkup     Family = "markup"
	FamilyPolicy     Family = "policy"
)

// AllFamilies lists the built-in families in evaluation order
var AllFamilies = []Family{FamilyProcess, FamilyEval, FamilyNetwork, FamilyFilesystem, FamilyMarkup}

// Rule is a single named pattern
type Rule struct {
	// Name identifies the rule in verdicts, e.g. "process.os-system".
	Name string
	// Family is the capability class the rule belongs to.
	Family Family
	// Languages restricts the rule to these languages. Empty means all.
	Languages []model.Language

	re *regexp.Regexp
}

// NewRule compiles expr into a rule
func NewRule(name string, family Family, expr string, langs ...model.Language) (Rule, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return Rule{}, fmt.Errorf("rule %s: invalid pattern %q: %w", name, expr, err)
	}
	return Rule{Name: name, Family: family, Languages: langs, re: re}, nil
}

// MustRule is NewRule for patterns known at compile time
func MustRule(name string, family Family, expr string, langs ...model.Language) Rule {
	r, err := NewRule(name, family, expr, langs...)
	if err != nil {
		panic(err)
	}
	return r
}

// Pattern returns the source expression of the rule
func (r Rule) Pattern() string {
	if r.re == nil {
		return ""
	}
	return r.re.String()
}

func (r Rule) appliesTo(lang model.Language) bool {
	if len(r.Languages) == 0 {
		return true
	}
	for _, l := range r.Languages {
		if l == lang {
			return true
		}
	}
	return false
}

// Match is one occurrence of a rule in the scanned text.
// Start and End are byte offsets, End exclusive.
type Match struct {
	Name  string
	Start int
	End   int
}

// Overlaps reports whether two matches share at least one byte
func (m Match) Overlaps(o Match) bool {
	return m.Start < o.End && o.Start < m.End
}

// Scanner evaluates an ordered list of rules. It is immutable after
// construction and safe for concurrent use.
type Scanner struct {
	rules []Rule
}

// New creates a scanner over the given rules, evaluated in order
func New(rules ...Rule) *Scanner {
	r := make([]Rule, len(rules))
	copy(r, rules)
	return &Scanner{rules: r}
}

// Rules returns a copy of the scanner's rules
func (s *Scanner) Rules() []Rule {
	r := make([]Rule, len(s.rules))
	copy(r, s.rules)
	return r
}

// Matches returns every match of every applicable rule, in rule order
func (s *Scanner) Matches(code string, lang model.Language) []Match {
	var out []Match
	for _, r := range s.rules {
		if r.re == nil || !r.appliesTo(lang) {
			continue
		}
		for _, loc := range r.re.FindAllStringIndex(code, -1) {
			out = append(out, Match{Name: r.Name, Start: loc[0], End: loc[1]})
		}
	}
	return out
}

// Scan returns the sorted set of rule names that matched
func (s *Scanner) Scan(code string, lang model.Language) []string {
	return Names(s.Matches(code, lang))
}

// Names reduces matches to a sorted set of rule names
func Names(matches []Match) []string {
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		if _, ok := seen[m.Name]; ok {
			continue
		}
		seen[m.Name] = struct{}{}
		names = append(names, m.Name)
	}
	sort.Strings(names)
	return names
}

var defaultScanner = New(Builtin(AllFamilies...)...)

// Scan runs every built-in family over code
func Scan(code string, lang model.Language) []string {
	return defaultScanner.Scan(code, lang)
}
