package sandbox

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epuerta/codeagent/internal/model"
	"github.com/epuerta/codeagent/internal/policy"
)

func argValues(args []string, flag string) []string {
	var vals []string
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			vals = append(vals, args[i+1])
		}
	}
	return vals
}

func TestContainerBackend_BuildArgsStrict(t *testing.T) {
	d := NewContainerBackend(nil, ContainerConfig{})
	p := policy.MustBuiltin(model.Strict)
	spec, _ := lookupRuntime(model.Python)
	req := &Request{
		ID:      "exec-1",
		Block:   model.CodeBlock{Content: "print(1)", Language: model.Python},
		Profile: p.Limits,
		Policy:  p,
	}

	args := d.buildArgs("c1", "python:3.12-slim", "/tmp/stage", req, spec, "code.py", "")

	assert.Equal(t, "create", args[0])
	assert.NotContains(t, args, "--rm")
	assert.Equal(t, []string{"256m"}, argValues(args, "--memory"))
	assert.Equal(t, []string{"256m"}, argValues(args, "--memory-swap"))
	assert.Equal(t, []string{"3"}, argValues(args, "--pids-limit"))
	assert.Equal(t, []string{"none"}, argValues(args, "--network"))
	assert.Equal(t, []string{"nobody"}, argValues(args, "--user"))
	assert.Equal(t, []string{"0.5"}, argValues(args, "--cpus"))
	assert.Equal(t, []string{"ALL"}, argValues(args, "--cap-drop"))
	assert.Contains(t, args, "--read-only")
	assert.Contains(t, argValues(args, "--security-opt"), "no-new-privileges")
	assert.Contains(t, argValues(args, "-v"), "/tmp/stage:/code:ro")
	assert.Equal(t, []string{"/code"}, argValues(args, "-w"))

	tail := args[len(args)-4:]
	assert.Equal(t, []string{"python:3.12-slim", "python3", "-I", "/code/code.py"}, tail)
}

func TestContainerBackend_BuildArgsNetwork(t *testing.T) {
	d := NewContainerBackend(nil, ContainerConfig{})
	p := policy.MustBuiltin(model.Permissive)
	spec, _ := lookupRuntime(model.Python)
	req := &Request{
		ID:      "exec-2",
		Block:   model.CodeBlock{Content: "print(1)", Language: model.Python},
		Profile: p.Limits,
		Policy:  p,
		WorkDir: "/home/dev/project",
	}

	args := d.buildArgs("c2", "img", "/tmp/stage", req, spec, "code.py", "")
	assert.Equal(t, []string{"bridge"}, argValues(args, "--network"))
	assert.NotContains(t, args, "--read-only")
	assert.Empty(t, argValues(args, "--user"))
	assert.Equal(t, []string{"SYS_ADMIN", "SYS_MODULE"}, argValues(args, "--cap-drop"))
	assert.Contains(t, argValues(args, "-v"), "/home/dev/project:/workspace")
	assert.Equal(t, []string{"/workspace"}, argValues(args, "-w"))

	// A tightened profile overrides the policy's network grant.
	req.Profile.NetworkPolicy = model.NetworkRestricted
	args = d.buildArgs("c2", "img", "/tmp/stage", req, spec, "code.py", "")
	assert.Equal(t, []string{"none"}, argValues(args, "--network"))
}

func TestContainerBackend_BuildArgsCompiled(t *testing.T) {
	d := NewContainerBackend(nil, ContainerConfig{})
	spec, _ := lookupRuntime(model.Java)
	req := &Request{
		ID:      "exec-3",
		Block:   model.CodeBlock{Content: "public class App {}", Language: model.Java},
		Profile: testProfile(),
	}

	args := d.buildArgs("c3", "jdk", "/tmp/stage", req, spec, "App.java", "App")
	require.GreaterOrEqual(t, len(args), 3)
	assert.Equal(t, "sh", args[len(args)-3])
	assert.Equal(t, "-c", args[len(args)-2])
	script := args[len(args)-1]
	assert.Contains(t, script, "'javac' '-d' '/build' '/code/App.java' && exec 'java'")
	assert.Contains(t, script, "'-Xmx512m'")
	assert.Equal(t, []string{"none"}, argValues(args, "--network"))
}

func TestContainerBackend_MissingBinary(t *testing.T) {
	d := NewContainerBackend(nil, ContainerConfig{Binary: "codeagent-no-such-docker"})
	err := d.Available(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = d.Run(context.Background(), &Request{
		ID:      "x",
		Block:   model.CodeBlock{Content: "x", Language: model.TypeScript},
		Profile: testProfile(),
	})
	assert.ErrorIs(t, err, ErrUnavailable, "no image configured for typescript")
}

// fakeDocker writes a docker stand-in that answers version. A zero
// createExit creates the container and start echoes and exits with
// startExit; otherwise create fails the way the daemon does.
func fakeDocker(t *testing.T, createExit, startExit int) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake CLI needs a POSIX shell")
	}
	create := `  create) echo 4f1c2d ;;`
	if createExit != 0 {
		create = `  create) echo "docker: Error response from daemon: pull access denied" >&2; exit ` + strconv.Itoa(createExit) + ` ;;`
	}
	script := strings.Join([]string{
		"#!/bin/sh",
		`case "$1" in`,
		`  version) echo 24.0.7 ;;`,
		create,
		`  start) echo ran; echo warn >&2; exit ` + strconv.Itoa(startExit) + ` ;;`,
		`  *) exit 0 ;;`,
		"esac",
	}, "\n")
	path := filepath.Join(t.TempDir(), "docker")
	require.NoError(t, os.WriteFile(path, []byte(script+"\n"), 0755))
	return path
}

func TestContainerBackend_RunWithFakeCLI(t *testing.T) {
	d := NewContainerBackend(nil, ContainerConfig{Binary: fakeDocker(t, 0, 0), TempDir: t.TempDir()})
	require.NoError(t, d.Available(context.Background()))

	var stdout, stderr bytes.Buffer
	out, err := d.Run(context.Background(), &Request{
		ID:      "fake",
		Block:   model.CodeBlock{Content: "print(1)", Language: model.Python},
		Profile: testProfile(),
		Stdout:  &stdout,
		Stderr:  &stderr,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, out.ExitCode)
	assert.Equal(t, "ran\n", stdout.String())
	assert.Equal(t, "warn\n", stderr.String())
	assert.Empty(t, d.containers)
}

func TestContainerBackend_StartFailureIsUnavailable(t *testing.T) {
	d := NewContainerBackend(nil, ContainerConfig{Binary: fakeDocker(t, 125, 0), TempDir: t.TempDir()})

	var stdout, stderr bytes.Buffer
	_, err := d.Run(context.Background(), &Request{
		ID:      "fail",
		Block:   model.CodeBlock{Content: "print(1)", Language: model.Python},
		Profile: testProfile(),
		Stdout:  &stdout,
		Stderr:  &stderr,
	})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorContains(t, err, "pull access denied")
	assert.Zero(t, stdout.Len())
	assert.Zero(t, stderr.Len(), "daemon errors must not reach the caller's streams")
}

func TestContainerBackend_ProgramExitCode(t *testing.T) {
	d := NewContainerBackend(nil, ContainerConfig{Binary: fakeDocker(t, 0, 3), TempDir: t.TempDir()})

	var stdout bytes.Buffer
	out, err := d.Run(context.Background(), &Request{
		ID:      "exit3",
		Block:   model.CodeBlock{Content: "raise SystemExit(3)", Language: model.Python},
		Profile: testProfile(),
		Stdout:  &stdout,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, out.ExitCode)
	assert.Equal(t, "ran\n", stdout.String())
}
