package sandbox

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/epuerta/codeagent/internal/model"
	"github.com/epuerta/codeagent/internal/policy"
)

type daytonaAPI struct {
	pollInterval time.Duration
}

type daytonaCreateRequest struct {
	Labels map[string]string `json:"labels"`
	CPU    int               `json:"cpu,omitempty"`
	// Memory and Disk are in GiB.
	Memory int `json:"memory,omitempty"`
	Disk   int `json:"disk,omitempty"`
	// AutoStopInterval is in minutes.
	AutoStopInterval int  `json:"autoStopInterval"`
	NetworkBlockAll  bool `json:"networkBlockAll"`
	Public           bool `json:"public"`
}

type daytonaSandbox struct {
	ID          string `json:"id"`
	State       string `json:"state"`
	ErrorReason string `json:"errorReason"`
}

type daytonaExecuteRequest struct {
	Command string `json:"command"`
	Cwd     string `json:"cwd,omitempty"`
	Timeout int    `json:"timeout,omitempty"`
}

type daytonaExecuteResponse struct {
	ExitCode int    `json:"exitCode"`
	Result   string `json:"result"`
}

func (d daytonaAPI) create(ctx context.Context, r *RemoteSandboxBackend, req *Request, template string, limits policy.RemoteLimits) (remoteSession, error) {
	var sb daytonaSandbox
	err := r.call(ctx, http.MethodPost, "/sandbox", daytonaCreateRequest{
		Labels: map[string]string{
			"code-toolbox-language": template,
			"codeagent.exec":        sanitizeID(req.ID),
			"codeagent.level":       limits.SecurityLevel,
		},
		CPU:              cpuCores(limits.CPU),
		Memory:           gib(limits.MemoryMB),
		Disk:             gib(req.Profile.DiskMB),
		AutoStopInterval: 1 + (limits.TimeoutSeconds+int(remoteSessionGrace/time.Second))/60,
		NetworkBlockAll:  limits.NetworkAccess != string(model.NetworkOpen),
	}, &sb, 1<<20)
	if err != nil {
		return remoteSession{}, err
	}
	if sb.ID == "" {
		return remoteSession{}, fmt.Errorf("%w: %s returned no sandbox id", ErrUnavailable, NameDaytona)
	}
	if err := d.waitStarted(ctx, r, &sb); err != nil {
		r.deleteSession(remoteSession{ID: sb.ID})
		return remoteSession{}, err
	}
	return remoteSession{ID: sb.ID}, nil
}

// waitStarted polls until the sandbox has booted
func (d daytonaAPI) waitStarted(ctx context.Context, r *RemoteSandboxBackend, sb *daytonaSandbox) error {
	for sb.State != "started" {
		switch sb.State {
		case "error", "build_failed", "destroying", "destroyed":
			return fmt.Errorf("%w: sandbox %s is %s: %s", ErrUnavailable, sb.ID, sb.State, sb.ErrorReason)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.pollInterval):
		}
		if err := r.call(ctx, http.MethodGet, "/sandbox/"+sb.ID, nil, sb, 1<<20); err != nil {
			return err
		}
	}
	return nil
}

// execute runs the code through the toolbox, which returns stdout and
// stderr combined once the process exits.
func (daytonaAPI) execute(ctx context.Context, r *RemoteSandboxBackend, s remoteSession, req *Request) (*Output, error) {
	spec, ok := lookupRuntime(req.Block.Language)
	if !ok {
		return nil, fmt.Errorf("%w: language %s not supported by %s", ErrUnavailable, req.Block.Language, NameDaytona)
	}

	var res daytonaExecuteResponse
	err := r.call(ctx, http.MethodPost, "/toolbox/"+s.ID+"/toolbox/process/execute", daytonaExecuteRequest{
		Command: daytonaCommand(req, spec),
		Timeout: req.Profile.TimeoutSeconds,
	}, &res, responseLimit(req.Profile))
	if err != nil {
		return nil, asUnavailable(err)
	}
	_, _ = io.WriteString(writerOrDiscard(req.Stdout), res.Result)
	return &Output{ExitCode: res.ExitCode}, nil
}

func (daytonaAPI) destroy(ctx context.Context, r *RemoteSandboxBackend, s remoteSession) error {
	return r.call(ctx, http.MethodDelete, "/sandbox/"+s.ID+"?force=true", nil, nil, 0)
}

// daytonaCommand writes the code into a private directory in the sandbox,
// compiles it if needed and runs it
func daytonaCommand(req *Request, spec runtimeSpec) string {
	dir := "/tmp/codeagent-" + sanitizeID(req.ID)
	name, class := spec.fileName(req.Block.Content)
	vars := map[string]string{
		"file":   dir + "/" + name,
		"dir":    dir,
		"output": dir + "/program",
		"class":  class,
		"memory": strconv.Itoa(req.Profile.MemoryMB),
	}

	encoded := base64.StdEncoding.EncodeToString([]byte(req.Block.Content))
	steps := []string{
		"mkdir -p " + shellJoin([]string{dir}),
		"printf %s " + shellJoin([]string{encoded}) + " | base64 -d > " + shellJoin([]string{vars["file"]}),
		"cd " + shellJoin([]string{dir}),
	}
	if len(spec.Compile) > 0 {
		steps = append(steps, shellJoin(expand(spec.Compile, vars)))
	}
	steps = append(steps, "exec "+shellJoin(expand(spec.Run, vars)))
	return "sh -c " + shellJoin([]string{strings.Join(steps, " && ")})
}

func cpuCores(share string) int {
	f, err := strconv.ParseFloat(strings.TrimSpace(share), 64)
	if err != nil || f <= 0 {
		return 0
	}
	return int(math.Ceil(f))
}

func gib(mb int) int {
	if mb <= 0 {
		return 0
	}
	return (mb + 1023) / 1024
}
