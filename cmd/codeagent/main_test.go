package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cli struct {
	t    *testing.T
	root string
	db   string
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	dir := t.TempDir()
	return &cli{t: t, root: dir, db: filepath.Join(t.TempDir(), "versions.db")}
}

func (c *cli) run(stdin string, args ...string) (string, string, error) {
	c.t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append(args, "--project-root", c.root, "--versions-db", c.db))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func exitCode(err error) int {
	var e *exitError
	if errors.As(err, &e) {
		return e.code
	}
	return -1
}

func TestPolicyTemplateAndValidate(t *testing.T) {
	c := newCLI(t)

	out, _, err := c.run("", "policy", "template", "--format", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "security_level: moderate")

	out, _, err = c.run("", "policy", "template")
	require.NoError(t, err)
	path := filepath.Join(c.root, "policy.json")
	require.NoError(t, os.WriteFile(path, []byte(out), 0644))

	out, _, err = c.run("", "policy", "validate", path)
	require.NoError(t, err)
	assert.Contains(t, out, "valid moderate policy")
}

func TestPolicyCheckDenies(t *testing.T) {
	c := newCLI(t)

	out, _, err := c.run("import os\nos.system('id')\n", "policy", "check", "-l", "python", "-s", "strict")
	assert.Equal(t, 2, exitCode(err))
	assert.Contains(t, out, `"allowed": false`)

	out, _, err = c.run("print(1 + 1)\n", "policy", "check", "-l", "python", "-s", "strict")
	require.NoError(t, err)
	assert.Contains(t, out, `"allowed": true`)
}

func TestRunLocalBash(t *testing.T) {
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not installed")
	}
	c := newCLI(t)

	out, _, err := c.run("echo hello\n", "run", "-m", "sandbox", "-l", "bash")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", out)

	_, _, err = c.run("exit 3\n", "run", "-m", "sandbox", "-l", "bash")
	assert.Equal(t, 3, exitCode(err))
}

func TestRunRequiresLanguageFromStdin(t *testing.T) {
	c := newCLI(t)
	_, _, err := c.run("print(1)", "run")
	assert.ErrorContains(t, err, "--language is required")
}

func TestSnapshotsSurviveInvocations(t *testing.T) {
	c := newCLI(t)

	_, _, err := c.run("", "tool", "call", "write_file", `{"path": "a.txt", "content": "one\n"}`)
	require.NoError(t, err)
	_, _, err = c.run("", "tool", "call", "write_file", `{"path": "a.txt", "content": "two\n"}`)
	require.NoError(t, err)

	out, _, err := c.run("", "history", "a.txt")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Len(t, lines, 3, out)

	out, _, err = c.run("", "diff", "a.txt")
	require.NoError(t, err)
	assert.Contains(t, out, "+two")

	out, _, err = c.run("", "rollback", "a.txt")
	require.NoError(t, err)
	assert.Contains(t, out, "Restored a.txt")

	data, err := os.ReadFile(filepath.Join(c.root, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "one\n", string(data))
}

func TestToolList(t *testing.T) {
	c := newCLI(t)
	out, _, err := c.run("", "tool", "list")
	require.NoError(t, err)
	assert.Contains(t, out, `"name": "execute_code"`)
}

func TestInvalidSecurityLevel(t *testing.T) {
	c := newCLI(t)
	_, _, err := c.run("", "backends", "-s", "paranoid")
	assert.ErrorContains(t, err, "paranoid")
}
