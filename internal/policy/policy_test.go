package policy

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epuerta/codeagent/internal/model"
)

func py(code string) model.CodeBlock {
	return model.CodeBlock{Content: code, Language: model.Python, DeclaredIntent: model.IntentRunCode}
}

func sh(code string) model.CodeBlock {
	return model.CodeBlock{Content: code, Language: model.Bash, DeclaredIntent: model.IntentRunCode}
}

func TestBuiltinLevels(t *testing.T) {
	for _, level := range []model.SecurityLevel{model.Strict, model.Moderate, model.Permissive} {
		p, err := Builtin(level)
		require.NoError(t, err, level)
		assert.Equal(t, level, p.Level)
		assert.NoError(t, p.Limits.Validate(level))
		assert.Empty(t, Validate(p), level)
	}

	strict := MustBuiltin(model.Strict)
	assert.Equal(t, model.NetworkNone, strict.Limits.NetworkPolicy)
	assert.Equal(t, 256, strict.Limits.MemoryMB)
	assert.Equal(t, 15, strict.Limits.TimeoutSeconds)
	assert.Equal(t, "0.5", strict.CPUShare)

	_, err := Builtin(model.Custom)
	assert.ErrorIs(t, err, ErrInvalidPolicy)
}

func TestEvaluateDeniesDangerousCode(t *testing.T) {
	v := Evaluate(py("import os\nos.system('ls')"), model.Moderate, nil)
	assert.False(t, v.Allowed)
	assert.Contains(t, v.MatchedPatterns, "process.os-system")
	assert.Contains(t, v.Reason, "process.os-system")
}

func TestEvaluateAllowsBenignCode(t *testing.T) {
	code := "import math\nfrom datetime import date\nprint(math.sqrt(16), date.today())\n"
	for _, level := range []model.SecurityLevel{model.Strict, model.Moderate, model.Permissive} {
		v := Evaluate(py(code), level, nil)
		assert.True(t, v.Allowed, "%s: %v", level, v.MatchedPatterns)
		assert.Empty(t, v.MatchedPatterns)
	}
}

func TestEvaluateLevelsDiffer(t *testing.T) {
	code := "import os\nprint(os.getcwd())"
	assert.False(t, Evaluate(py(code), model.Strict, nil).Allowed)
	assert.False(t, Evaluate(py(code), model.Moderate, nil).Allowed)
	assert.True(t, Evaluate(py(code), model.Permissive, nil).Allowed)
}

func TestAllowedPatternOverridesDangerousOnSameSpan(t *testing.T) {
	doc := `{
		"security_level": "strict",
		"patterns": {
			"dangerous_patterns": ["open\\s*\\("],
			"allowed_patterns": ["open\\s*\\(\\s*'/tmp/"]
		}
	}`
	p, err := Parse([]byte(doc), "json")
	require.NoError(t, err)

	v := Evaluate(py("data = open('/tmp/input.txt').read()"), model.Strict, p)
	assert.True(t, v.Allowed, v.Reason)

	v = Evaluate(py("data = open('notes.txt').read()"), model.Strict, p)
	assert.False(t, v.Allowed)
	assert.Contains(t, v.MatchedPatterns, `dangerous:open\s*\(`)

	// An allowed match elsewhere in the code does not excuse the dangerous one
	v = Evaluate(py("a = open('/tmp/a')\nb = open('notes.txt')"), model.Strict, p)
	assert.False(t, v.Allowed)
}

func TestContentCeilingAppliesAtEveryLevel(t *testing.T) {
	big := py(strings.Repeat("x = 1\n", MaxCodeBytes/6+1))
	require.Greater(t, len(big.Content), MaxCodeBytes)
	for _, level := range []model.SecurityLevel{model.Strict, model.Moderate, model.Permissive} {
		v := Evaluate(big, level, nil)
		assert.False(t, v.Allowed)
		assert.Equal(t, []string{"limit.code-size"}, v.MatchedPatterns)
	}
}

func TestEvaluateWithoutUsablePolicyDenies(t *testing.T) {
	v := Evaluate(py("print(1)"), model.Custom, nil)
	assert.False(t, v.Allowed)
	assert.NotEmpty(t, v.Reason)
}

func TestTerminalRules(t *testing.T) {
	v := Evaluate(sh("rm -rf build"), model.Moderate, nil)
	assert.False(t, v.Allowed)
	assert.Contains(t, v.MatchedPatterns, "command:rm")

	v = Evaluate(sh("ls -la\necho done"), model.Strict, nil)
	assert.True(t, v.Allowed, v.Reason)

	v = Evaluate(sh("FOO=1 mytool --flag"), model.Strict, nil)
	assert.False(t, v.Allowed)
	assert.Contains(t, v.MatchedPatterns, "command.not-allowed:mytool")

	// whitelist is not required below strict
	v = Evaluate(sh("mytool --flag"), model.Moderate, nil)
	assert.True(t, v.Allowed, v.Reason)

	v = Evaluate(sh(strings.Repeat("a", 600)), model.Strict, nil)
	assert.Contains(t, v.MatchedPatterns, "command.too-long")
}

func TestEvaluateIsSafeForConcurrentUse(t *testing.T) {
	p := MustBuiltin(model.Moderate)
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			code := "print(1)"
			if i%2 == 0 {
				code = "eval('1')"
			}
			v := Evaluate(py(code), model.Moderate, p)
			assert.Equal(t, i%2 != 0, v.Allowed)
		}(i)
	}
	wg.Wait()
}

func TestParseFallsBackToLevelDefaults(t *testing.T) {
	doc := `{
		"security_level": "custom",
		"network_policy": "disabled",
		"resource_limits": {"cpu_limit": 0.25, "memory_limit_mb": 128},
		"some_future_key": {"ignored": true}
	}`
	p, err := Parse([]byte(doc), "json")
	require.NoError(t, err)

	assert.Equal(t, model.Custom, p.Level)
	assert.Equal(t, model.NetworkNone, p.Limits.NetworkPolicy)
	assert.Equal(t, 128, p.Limits.MemoryMB)
	assert.Equal(t, "0.25", p.CPUShare)
	// untouched keys keep the moderate values
	assert.Equal(t, 30, p.Limits.TimeoutSeconds)
	assert.Equal(t, 10, p.Limits.MaxOutputMB)
	assert.Equal(t, moderatePolicy().DangerousPatterns, p.DangerousPatterns)
}

func TestParseRejectsInvalidDocuments(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"strict with open network", `{"security_level": "strict", "network_policy": "allowed"}`},
		{"non-positive limit", `{"resource_limits": {"execution_timeout": 0}}`},
		{"bad regexp", `{"patterns": {"dangerous_patterns": ["(unclosed"]}}`},
		{"bad level", `{"security_level": "paranoid"}`},
		{"bad network", `{"network_policy": "sometimes"}`},
		{"bad cpu", `{"resource_limits": {"cpu_limit": "lots"}}`},
		{"not json", `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc), "json")
			assert.ErrorIs(t, err, ErrInvalidPolicy)
		})
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	doc := `
security_level: permissive
network_policy: restricted
resource_limits:
  cpu_limit: "1.5"
  execution_timeout: 20
patterns:
  custom_patterns:
    - 'shutil\.rmtree'
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

	p, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, model.Permissive, p.Level)
	assert.Equal(t, model.NetworkRestricted, p.Limits.NetworkPolicy)
	assert.Equal(t, "1.5", p.CPUShare)
	assert.Equal(t, 20, p.Limits.TimeoutSeconds)

	v := Evaluate(py("import shutil\nshutil.rmtree('x')"), p.Level, p)
	assert.False(t, v.Allowed)
	assert.Contains(t, v.MatchedPatterns, `custom:shutil\.rmtree`)
}

func TestResolve(t *testing.T) {
	_, err := Resolve(model.Custom, "")
	assert.ErrorIs(t, err, ErrInvalidPolicy)

	p, err := Resolve(model.Strict, "")
	require.NoError(t, err)
	assert.Equal(t, model.Strict, p.Level)

	path := filepath.Join(t.TempDir(), "policy.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"security_level": "custom"}`), 0644))
	p, err = Resolve(model.Strict, path)
	require.NoError(t, err)
	assert.Equal(t, model.Custom, p.Level)

	_, err = Resolve(model.Moderate, filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestTemplateIsALoadablePolicy(t *testing.T) {
	data, err := Template("json")
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "moderate", raw["security_level"])
	assert.Equal(t, "restricted", raw["network_policy"])

	p, err := Parse(data, "json")
	require.NoError(t, err)
	assert.Equal(t, moderatePolicy().Limits, p.Limits)

	data, err = Template("yaml")
	require.NoError(t, err)
	_, err = Parse(data, "yaml")
	require.NoError(t, err)
}

func TestValidateReportsIssues(t *testing.T) {
	p := moderatePolicy()
	p.Level = model.Strict
	p.Limits.NetworkPolicy = model.NetworkOpen
	p.Limits.MemoryMB = 0
	p.DangerousPatterns = nil
	p.AllowedPatterns = []string{"(bad"}

	issues := Validate(p)
	assert.Len(t, issues, 4)
	assert.Error(t, p.Compile())
}

func TestContainerOptions(t *testing.T) {
	strict := MustBuiltin(model.Strict).ContainerOptions()
	assert.True(t, strict.ReadOnlyRootFS)
	assert.Equal(t, "nobody", strict.User)
	assert.Equal(t, "none", strict.Network)
	assert.Equal(t, []string{"ALL"}, strict.CapDrop)
	assert.Equal(t, "rw,size=256m,noexec,nosuid,nodev", strict.Tmpfs["/tmp"])

	permissive := MustBuiltin(model.Permissive).ContainerOptions()
	assert.False(t, permissive.ReadOnlyRootFS)
	assert.Equal(t, "bridge", permissive.Network)
	assert.Equal(t, []string{"SYS_ADMIN", "SYS_MODULE"}, permissive.CapDrop)
}

func TestDisabledScanningKeepsPolicyPatterns(t *testing.T) {
	doc := `{"enable_security_scanning": false, "patterns": {"dangerous_patterns": ["os\\.system"]}}`
	p, err := Parse([]byte(doc), "json")
	require.NoError(t, err)

	v := Evaluate(py("eval('1')"), p.Level, p)
	assert.True(t, v.Allowed)

	v = Evaluate(py("os.system('ls')"), p.Level, p)
	assert.False(t, v.Allowed)
}
