package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/epuerta/codeagent/internal/model"
	"github.com/epuerta/codeagent/internal/policy"
)

const (
	e2bDefaultDomain = "e2b.app"
	// remoteSessionGrace keeps a session alive past the execution so one
	// whose delete failed still expires on the provider side.
	remoteSessionGrace = 30 * time.Second
)

var e2bLanguages = map[model.Language]string{
	model.Python:     "python",
	model.JavaScript: "js",
	model.TypeScript: "ts",
	model.Bash:       "bash",
}

type e2bAPI struct{}

type e2bCreateRequest struct {
	TemplateID          string            `json:"templateID"`
	Timeout             int               `json:"timeout"`
	Secure              bool              `json:"secure"`
	AllowInternetAccess bool              `json:"allow_internet_access"`
	Metadata            map[string]string `json:"metadata,omitempty"`
}

type e2bSandbox struct {
	SandboxID       string  `json:"sandboxID"`
	EnvdAccessToken string  `json:"envdAccessToken"`
	Domain          *string `json:"domain"`
}

type e2bExecuteRequest struct {
	Code     string `json:"code"`
	Language string `json:"language"`
}

// e2bEvent is one line of the code interpreter's execution stream
type e2bEvent struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	Name      string `json:"name"`
	Value     string `json:"value"`
	Traceback string `json:"traceback"`
}

func (e2bAPI) create(ctx context.Context, r *RemoteSandboxBackend, req *Request, template string, limits policy.RemoteLimits) (remoteSession, error) {
	var sb e2bSandbox
	err := r.call(ctx, http.MethodPost, "/sandboxes", e2bCreateRequest{
		TemplateID:          template,
		Timeout:             limits.TimeoutSeconds + int(remoteSessionGrace/time.Second),
		Secure:              true,
		AllowInternetAccess: limits.NetworkAccess == string(model.NetworkOpen),
		Metadata: map[string]string{
			"execution_id":   req.ID,
			"security_level": limits.SecurityLevel,
		},
	}, &sb, 1<<20)
	if err != nil {
		return remoteSession{}, err
	}
	if sb.SandboxID == "" {
		return remoteSession{}, fmt.Errorf("%w: %s returned no sandbox id", ErrUnavailable, NameE2B)
	}

	domain := e2bDefaultDomain
	if sb.Domain != nil && *sb.Domain != "" {
		domain = *sb.Domain
	}
	url := strings.NewReplacer("{id}", sb.SandboxID, "{domain}", domain).Replace(r.provider.SessionURL)
	return remoteSession{ID: sb.SandboxID, URL: strings.TrimRight(url, "/"), Token: sb.EnvdAccessToken}, nil
}

// execute streams the interpreter's events straight into the request's
// writers.
func (e2bAPI) execute(ctx context.Context, r *RemoteSandboxBackend, s remoteSession, req *Request) (*Output, error) {
	lang, ok := e2bLanguages[req.Block.Language]
	if !ok {
		return nil, fmt.Errorf("%w: language %s not supported by %s", ErrUnavailable, req.Block.Language, NameE2B)
	}
	header := http.Header{}
	if s.Token != "" {
		header.Set("X-Access-Token", s.Token)
	}
	resp, err := r.send(ctx, http.MethodPost, s.URL+"/execute", e2bExecuteRequest{
		Code:     req.Block.Content,
		Language: lang,
	}, header)
	if err != nil {
		return nil, asUnavailable(err)
	}
	defer resp.Body.Close()

	stdout, stderr := writerOrDiscard(req.Stdout), writerOrDiscard(req.Stderr)
	out := &Output{}
	limit := responseLimit(req.Profile)
	lr := &io.LimitedReader{R: resp.Body, N: limit}
	dec := json.NewDecoder(lr)
	for {
		var ev e2bEvent
		if err := dec.Decode(&ev); err != nil {
			if lr.N <= 0 {
				r.logger.Warn("execution stream exceeded the response limit", zap.Int64("limit", limit))
				return out, nil
			}
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return nil, fmt.Errorf("%w: %v", errResponseBody, err)
		}
		switch ev.Type {
		case "stdout":
			_, _ = io.WriteString(stdout, ev.Text)
		case "stderr":
			_, _ = io.WriteString(stderr, ev.Text)
		case "result":
			if ev.Text != "" {
				_, _ = io.WriteString(stdout, ev.Text+"\n")
			}
		case "error":
			out.ExitCode = 1
			msg := ev.Traceback
			if msg == "" {
				msg = ev.Name + ": " + ev.Value
			}
			_, _ = io.WriteString(stderr, msg+"\n")
		case "end_of_execution":
			return out, nil
		}
	}
}

func (e2bAPI) destroy(ctx context.Context, r *RemoteSandboxBackend, s remoteSession) error {
	return r.call(ctx, http.MethodDelete, "/sandboxes/"+s.ID, nil, nil, 0)
}
