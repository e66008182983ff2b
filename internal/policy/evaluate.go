package policy

import (
	"fmt"
	"sort"
	"strings"

	"github.com/epuerta/codeagent/internal/model"
	"github.com/epuerta/codeagent/internal/scanner"
)

// Evaluate decides whether block may run under p. When p is nil the
// built-in policy for level is used. Evaluate never fails: problems with
// the inputs produce a denying verdict.
//
// A dangerous match is suppressed when an allowed pattern matches an
// overlapping byte range, so allowed patterns win over dangerous ones on
// the same region of code.
func Evaluate(block model.CodeBlock, level model.SecurityLevel, p *Policy) model.RiskVerdict {
	if len(block.Content) > MaxCodeBytes {
		return model.RiskVerdict{
			Allowed:         false,
			MatchedPatterns: []string{"limit.code-size"},
			Reason:          fmt.Sprintf("code is %d bytes, limit is %d", len(block.Content), MaxCodeBytes),
		}
	}

	if !p.Compiled() {
		bp, err := Builtin(level)
		if err != nil {
			return model.RiskVerdict{Allowed: false, Reason: err.Error()}
		}
		p = bp
	}

	allowed := p.allow.Matches(block.Content, block.Language)
	var blocked []scanner.Match
	for _, d := range p.deny.Matches(block.Content, block.Language) {
		if !overlapsAny(d, allowed) {
			blocked = append(blocked, d)
		}
	}
	names := scanner.Names(blocked)

	if block.Language == model.Bash {
		names = mergeNames(names, p.Terminal.violations(block.Content))
	}

	if len(names) > 0 {
		return model.RiskVerdict{
			Allowed:         false,
			MatchedPatterns: names,
			Reason:          "matched dangerous patterns: " + strings.Join(names, ", "),
		}
	}
	return model.RiskVerdict{Allowed: true}
}

func overlapsAny(m scanner.Match, others []scanner.Match) bool {
	for _, o := range others {
		if m.Overlaps(o) {
			return true
		}
	}
	return false
}

func mergeNames(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, n := range append(append([]string{}, a...), b...) {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
