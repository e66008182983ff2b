package policy

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/epuerta/codeagent/internal/model"
	"github.com/epuerta/codeagent/internal/scanner"
)

var segmentSep = regexp.MustCompile(`\|\||&&|[;|]`)

func (t TerminalRules) rules() ([]scanner.Rule, error) {
	var rules []scanner.Rule
	for _, c := range t.DangerousCommands {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		expr := `(?m)(^\s*|[;&|(]\s*|\$\(\s*)` + regexp.QuoteMeta(c) + `(\s|$)`
		r, err := scanner.NewRule("command:"+c, scanner.FamilyPolicy, expr, model.Bash)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	for _, expr := range t.BlockedPatterns {
		if strings.TrimSpace(expr) == "" {
			continue
		}
		r, err := scanner.NewRule("blocked:"+expr, scanner.FamilyPolicy, expr, model.Bash)
		if err != nil {
			return nil, fmt.Errorf("compile blocked pattern: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// violations checks shell code against the length limit and, when
// required, the command whitelist.
func (t TerminalRules) violations(code string) []string {
	var out []string
	allowed := make(map[string]struct{}, len(t.AllowedCommands))
	for _, c := range t.AllowedCommands {
		allowed[c] = struct{}{}
	}
	whitelist := t.RequireCommandWhitelist && len(allowed) > 0

	tooLong := false
	for _, line := range strings.Split(code, "\n") {
		if t.MaxCommandLength > 0 && len(line) > t.MaxCommandLength && !tooLong {
			out = append(out, "command.too-long")
			tooLong = true
		}
		if !whitelist {
			continue
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		for _, seg := range segmentSep.Split(line, -1) {
			name := commandName(seg)
			if name == "" {
				continue
			}
			if _, ok := allowed[name]; !ok {
				out = append(out, "command.not-allowed:"+name)
			}
		}
	}
	return out
}

// commandName returns the program a shell segment invokes, skipping
// leading variable assignments.
func commandName(seg string) string {
	for _, f := range strings.Fields(seg) {
		if strings.Contains(f, "=") && !strings.HasPrefix(f, "=") {
			continue
		}
		return path.Base(strings.Trim(f, "()"))
	}
	return ""
}
