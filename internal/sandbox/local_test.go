package sandbox

import (
	"bytes"
	"context"
	"os/exec"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epuerta/codeagent/internal/model"
)

func requireLocal(t *testing.T) *LocalProcessBackend {
	t.Helper()
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("local backend needs linux or darwin")
	}
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not installed")
	}
	b := NewLocalProcessBackend(nil, LocalConfig{TempDir: t.TempDir()})
	require.NoError(t, b.Available(context.Background()))
	return b
}

func bashRequest(id, code string, stdout, stderr *bytes.Buffer) *Request {
	return &Request{
		ID:      id,
		Block:   model.CodeBlock{Content: code, Language: model.Bash},
		Profile: testProfile(),
		Stdout:  stdout,
		Stderr:  stderr,
	}
}

func TestLocalProcessBackend_Run(t *testing.T) {
	b := requireLocal(t)

	var stdout, stderr bytes.Buffer
	out, err := b.Run(context.Background(), bashRequest("run-ok", `echo hello; echo oops >&2`, &stdout, &stderr))
	require.NoError(t, err)
	assert.Equal(t, 0, out.ExitCode)
	assert.False(t, out.TimedOut)
	assert.Equal(t, "hello\n", stdout.String())
	assert.Equal(t, "oops\n", stderr.String())
}

func TestLocalProcessBackend_NonZeroExit(t *testing.T) {
	b := requireLocal(t)

	var stdout, stderr bytes.Buffer
	out, err := b.Run(context.Background(), bashRequest("run-exit", `exit 3`, &stdout, &stderr))
	require.NoError(t, err)
	assert.Equal(t, 3, out.ExitCode)
	assert.False(t, out.TimedOut)
}

func TestLocalProcessBackend_Timeout(t *testing.T) {
	b := requireLocal(t)

	var stdout, stderr bytes.Buffer
	req := bashRequest("run-timeout", `while :; do :; done`, &stdout, &stderr)
	req.Profile.TimeoutSeconds = 1

	start := time.Now()
	out, err := b.Run(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, out.TimedOut)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestLocalProcessBackend_Terminate(t *testing.T) {
	b := requireLocal(t)

	done := make(chan *Output, 1)
	go func() {
		var stdout, stderr bytes.Buffer
		out, _ := b.Run(context.Background(), bashRequest("run-kill", `while :; do :; done`, &stdout, &stderr))
		done <- out
	}()

	require.Eventually(t, func() bool {
		b.runner.mu.Lock()
		defer b.runner.mu.Unlock()
		cmd, ok := b.runner.active["run-kill"]
		return ok && cmd.Process != nil
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, b.Terminate(context.Background(), "run-kill"))
	select {
	case out := <-done:
		require.NotNil(t, out)
		assert.NotEqual(t, 0, out.ExitCode)
	case <-time.After(5 * time.Second):
		t.Fatal("process was not terminated")
	}

	// Unknown ids are ignored.
	assert.NoError(t, b.Terminate(context.Background(), "missing"))
}

func TestLocalProcessBackend_Languages(t *testing.T) {
	b := NewLocalProcessBackend(nil, LocalConfig{})
	assert.True(t, b.SupportsLanguage(model.Python))
	assert.True(t, b.SupportsLanguage(model.JavaScript))
	assert.True(t, b.SupportsLanguage(model.Bash))
	assert.False(t, b.SupportsLanguage(model.Java))

	_, err := b.Run(context.Background(), &Request{
		ID:      "x",
		Block:   model.CodeBlock{Content: "class A {}", Language: model.Java},
		Profile: testProfile(),
	})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestMultiLanguageBackend(t *testing.T) {
	b := NewMultiLanguageBackend(nil, t.TempDir())
	for _, lang := range model.Languages {
		assert.True(t, b.SupportsLanguage(lang), lang)
	}

	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not installed")
	}
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("process limits need linux or darwin")
	}
	assert.Contains(t, b.InstalledLanguages(), model.Bash)

	var stdout, stderr bytes.Buffer
	out, err := b.Run(context.Background(), bashRequest("multi", `printf '%s' "$CODEAGENT_SANDBOX"`, &stdout, &stderr))
	require.NoError(t, err)
	assert.Equal(t, 0, out.ExitCode)
	assert.Equal(t, "1", stdout.String())
}
