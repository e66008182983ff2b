package scanner

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epuerta/codeagent/internal/model"
)

func TestScanFamilies(t *testing.T) {
	tests := []struct {
		name string
		code string
		lang model.Language
		want string
	}{
		{"os system", "import os\nos.system('ls')", model.Python, "process.os-system"},
		{"subprocess", "import subprocess\nsubprocess.run(['ls'])", model.Python, "process.subprocess"},
		{"child process", "const cp = require('child_process')", model.JavaScript, "process.child-process"},
		{"go exec", `cmd := exec.Command("ls")`, model.Go, "process.exec-command"},
		{"java runtime", `Runtime.getRuntime().exec("ls");`, model.Java, "process.runtime-exec"},
		{"rm rf", "rm -rf /", model.Bash, "process.destructive-shell"},
		{"chained sudo", "ls && sudo reboot", model.Bash, "process.chained-destructive"},
		{"eval", "eval('1+1')", model.Python, "eval.eval"},
		{"python exec", "exec(code)", model.Python, "eval.exec"},
		{"dunder import", "__import__('os')", model.Python, "eval.dunder-import"},
		{"function ctor", "new Function('return 1')", model.JavaScript, "eval.function-constructor"},
		{"socket", "import socket", model.Python, "network.socket"},
		{"requests", "import requests\nrequests.get('http://x')", model.Python, "network.http-client"},
		{"fetch", "await fetch('https://example.com')", model.TypeScript, "network.fetch"},
		{"curl", "curl http://example.com", model.Bash, "network.transfer-tool"},
		{"blocked dir", "open('/etc/passwd').read()", model.Python, "filesystem.blocked:/etc"},
		{"traversal", "open('../secret.txt')", model.Python, "filesystem.traversal"},
		{"script tag", `html = "<script>alert(1)</script>"`, model.Python, "markup.script-tag"},
		{"cookie", "send(document.cookie)", model.JavaScript, "markup.document-cookie"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, Scan(tt.code, tt.lang), tt.want)
		})
	}
}

func TestScanBenignCode(t *testing.T) {
	code := "import math\n\ndef area(r):\n    return math.pi * r * r\n\nprint(area(2))\n"
	assert.Empty(t, Scan(code, model.Python))

	assert.Empty(t, Scan(`console.log([1,2,3].map(x => x * 2))`, model.JavaScript))
	assert.Empty(t, Scan(`echo "hello" > /dev/null`, model.Bash))
}

func TestLanguageScopedRules(t *testing.T) {
	// exec( is only a dynamic evaluation primitive in Python
	assert.NotContains(t, Scan("exec(cmd)", model.Ruby), "eval.exec")
	assert.Contains(t, Scan("exec(cmd)", model.Ruby), "process.ruby-system")
}

func TestBlockedDirBoundaries(t *testing.T) {
	s := New(FilesystemRules([]string{"/etc"})...)
	assert.Contains(t, s.Scan(`cat("/etc")`, model.Python), "filesystem.blocked:/etc")
	assert.NotContains(t, s.Scan(`path = "/etcetera/x"`, model.Python), "filesystem.blocked:/etc")
	assert.NotContains(t, s.Scan(`path = "./app/etc/x"`, model.Python), "filesystem.blocked:/etc")
}

func TestMatchesRecordSpans(t *testing.T) {
	code := "x = 1\neval(x)"
	matches := New(evalRules...).Matches(code, model.Python)
	require.Len(t, matches, 1)
	m := matches[0]
	assert.Equal(t, "eval.eval", m.Name)
	assert.Equal(t, strings.Index(code, "eval"), m.Start)
	assert.Equal(t, "eval(", code[m.Start:m.End])
}

func TestMatchOverlaps(t *testing.T) {
	a := Match{Start: 0, End: 5}
	assert.True(t, a.Overlaps(Match{Start: 4, End: 8}))
	assert.False(t, a.Overlaps(Match{Start: 5, End: 8}))
	assert.True(t, a.Overlaps(Match{Start: 1, End: 2}))
}

func TestPatternRules(t *testing.T) {
	rules, err := PatternRules("dangerous", FamilyPolicy, []string{`open\s*\(`, ""})
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, `dangerous:open\s*\(`, rules[0].Name)
	assert.Equal(t, `open\s*\(`, rules[0].Pattern())

	_, err = PatternRules("dangerous", FamilyPolicy, []string{`(unclosed`})
	assert.Error(t, err)
}

func TestNamesDeduplicates(t *testing.T) {
	names := Names([]Match{{Name: "b"}, {Name: "a"}, {Name: "b"}})
	assert.Equal(t, []string{"a", "b"}, names)
	assert.Nil(t, Names(nil))
}
