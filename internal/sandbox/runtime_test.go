package sandbox

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/epuerta/codeagent/internal/model"
)

func testProfile() model.ResourceLimitProfile {
	return model.ResourceLimitProfile{
		CPUTimeSeconds: 10,
		MemoryMB:       512,
		DiskMB:         100,
		MaxProcesses:   5,
		MaxOutputMB:    10,
		NetworkPolicy:  model.NetworkNone,
		TimeoutSeconds: 10,
	}
}

func TestRuntimeTableCoversLanguages(t *testing.T) {
	for _, lang := range model.Languages {
		spec, ok := lookupRuntime(lang)
		if !assert.True(t, ok, lang) {
			continue
		}
		assert.Equal(t, lang, spec.Language)
		assert.NotEmpty(t, spec.Binary, lang)
		assert.NotEmpty(t, spec.Run, lang)
	}
}

func TestFileName(t *testing.T) {
	java, _ := lookupRuntime(model.Java)
	name, class := java.fileName("public final class Hello { public static void main(String[] a) {} }")
	assert.Equal(t, "Hello.java", name)
	assert.Equal(t, "Hello", class)

	name, class = java.fileName("class Foo {}")
	assert.Equal(t, "Main.java", name)
	assert.Equal(t, "Main", class)

	python, _ := lookupRuntime(model.Python)
	name, class = python.fileName("print(1)")
	assert.Equal(t, "code.py", name)
	assert.Empty(t, class)
}

func TestExpand(t *testing.T) {
	got := expand([]string{"java", "-Xmx{memory}m", "-cp", "{dir}", "{class}"}, map[string]string{
		"memory": "256",
		"dir":    "/tmp/x",
		"class":  "Main",
	})
	assert.Equal(t, []string{"java", "-Xmx256m", "-cp", "/tmp/x", "Main"}, got)
}

func TestLimitScript(t *testing.T) {
	p := testProfile()

	script := limitScript(p, true)
	assert.Contains(t, script, "ulimit -t 10 ")
	assert.Contains(t, script, "ulimit -f 204800 ")
	assert.Contains(t, script, "ulimit -u 5 ")
	assert.Contains(t, script, "ulimit -v 524288 ")
	assert.True(t, strings.HasSuffix(script, `exec "$@"`))

	assert.NotContains(t, limitScript(p, false), "ulimit -v")
}

func TestSanitizeID(t *testing.T) {
	assert.Equal(t, "abc-123_x", sanitizeID("abc-123_x"))
	assert.Equal(t, "etcpasswd", sanitizeID("../etc/passwd"))
	assert.Len(t, sanitizeID("0123456789012345678901234567890123456789"), 32)
}
