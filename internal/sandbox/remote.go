package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/epuerta/codeagent/internal/model"
	"github.com/epuerta/codeagent/internal/policy"
)

// remoteSession is a live sandbox on a provider
type remoteSession struct {
	ID string
	// URL is the in-sandbox endpoint for providers that expose one.
	URL string
	// Token authenticates calls to URL.
	Token string
}

// remoteAPI is the wire protocol of one provider
type remoteAPI interface {
	create(ctx context.Context, r *RemoteSandboxBackend, req *Request, template string, limits policy.RemoteLimits) (remoteSession, error)
	execute(ctx context.Context, r *RemoteSandboxBackend, s remoteSession, req *Request) (*Output, error)
	destroy(ctx context.Context, r *RemoteSandboxBackend, s remoteSession) error
}

// RemoteProvider describes one hosted sandbox service
type RemoteProvider struct {
	Name    string
	BaseURL string
	// SessionURL is the in-sandbox endpoint template. {id} is the sandbox
	// id and {domain} the domain the provider reports for it.
	SessionURL string
	// APIKeyEnv is the environment variable holding the credential.
	APIKeyEnv string
	// AuthHeader is the header carrying the key. "Authorization" sends it
	// as a bearer token.
	AuthHeader string
	// Templates maps languages to the provider's sandbox template names.
	Templates map[model.Language]string

	api remoteAPI
}

// E2BProvider is remote sandbox B. Code runs through the code interpreter
// inside the sandbox.
func E2BProvider() RemoteProvider {
	return RemoteProvider{
		Name:       NameE2B,
		BaseURL:    "https://api.e2b.dev",
		SessionURL: "https://49999-{id}.{domain}",
		APIKeyEnv:  "E2B_API_KEY",
		AuthHeader: "X-API-Key",
		Templates: map[model.Language]string{
			model.Python:     "code-interpreter-v1",
			model.JavaScript: "code-interpreter-v1",
			model.TypeScript: "code-interpreter-v1",
			model.Bash:       "code-interpreter-v1",
		},
		api: e2bAPI{},
	}
}

// DaytonaProvider is remote sandbox A. Code runs through the sandbox
// toolbox process API.
func DaytonaProvider() RemoteProvider {
	return RemoteProvider{
		Name:       NameDaytona,
		BaseURL:    "https://app.daytona.io/api",
		APIKeyEnv:  "DAYTONA_API_KEY",
		AuthHeader: "Authorization",
		Templates: map[model.Language]string{
			model.Python:     "python",
			model.JavaScript: "javascript",
			model.TypeScript: "typescript",
			model.Java:       "java",
			model.Go:         "go",
			model.Rust:       "rust",
			model.Cpp:        "cpp",
		},
		api: daytonaAPI{pollInterval: 500 * time.Millisecond},
	}
}

// RemoteConfig configures a remote sandbox backend
type RemoteConfig struct {
	// BaseURL overrides the provider default.
	BaseURL string
	// SessionURL overrides the provider's in-sandbox endpoint template.
	SessionURL string
	// RequestsPerSecond limits API calls to protect the account quota.
	RequestsPerSecond float64
	// HTTPClient is used for all calls. A default client is built when nil.
	HTTPClient *http.Client
	// Getenv reads the credential. os.Getenv when nil.
	Getenv func(string) string
}

// RemoteSandboxBackend delegates execution to a hosted sandbox service.
// A session is created per execution and deleted afterwards.
type RemoteSandboxBackend struct {
	provider RemoteProvider
	client   *http.Client
	limiter  *rate.Limiter
	getenv   func(string) string
	logger   *zap.Logger

	mu       sync.Mutex
	sessions map[string]remoteSession // exec id -> session
}

// NewRemoteSandboxBackend creates a backend for the given provider
func NewRemoteSandboxBackend(logger *zap.Logger, provider RemoteProvider, cfg RemoteConfig) *RemoteSandboxBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BaseURL != "" {
		provider.BaseURL = cfg.BaseURL
	}
	if cfg.SessionURL != "" {
		provider.SessionURL = cfg.SessionURL
	}
	provider.BaseURL = strings.TrimRight(provider.BaseURL, "/")
	if provider.api == nil {
		provider.api = e2bAPI{}
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	client := cfg.HTTPClient
	if client == nil {
		// Per-call deadlines come from the context.
		client = &http.Client{}
	}
	getenv := cfg.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	return &RemoteSandboxBackend{
		provider: provider,
		client:   client,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		getenv:   getenv,
		logger:   logger.With(zap.String("backend", provider.Name)),
		sessions: make(map[string]remoteSession),
	}
}

// Name returns the provider name
func (r *RemoteSandboxBackend) Name() string {
	return r.provider.Name
}

// SupportsLanguage reports whether the provider has a template for lang
func (r *RemoteSandboxBackend) SupportsLanguage(lang model.Language) bool {
	_, ok := r.provider.Templates[lang]
	return ok
}

// Available requires a credential. Quota and service errors surface from
// Run, before any output is produced.
func (r *RemoteSandboxBackend) Available(ctx context.Context) error {
	if r.apiKey() == "" {
		return fmt.Errorf("%w: %s is not set", ErrUnavailable, r.provider.APIKeyEnv)
	}
	return nil
}

func (r *RemoteSandboxBackend) apiKey() string {
	return strings.TrimSpace(r.getenv(r.provider.APIKeyEnv))
}

// Run creates a session, executes the code in it and deletes the session.
// Any failure before the session exists means nothing ran.
func (r *RemoteSandboxBackend) Run(ctx context.Context, req *Request) (*Output, error) {
	if r.apiKey() == "" {
		return nil, fmt.Errorf("%w: %s is not set", ErrUnavailable, r.provider.APIKeyEnv)
	}
	template, ok := r.provider.Templates[req.Block.Language]
	if !ok {
		return nil, fmt.Errorf("%w: language %s not supported by %s", ErrUnavailable, req.Block.Language, r.provider.Name)
	}

	limits := policy.RemoteLimits{
		TimeoutSeconds: req.Profile.TimeoutSeconds,
		MemoryMB:       req.Profile.MemoryMB,
		MaxOutputMB:    req.Profile.MaxOutputMB,
		MaxProcesses:   req.Profile.MaxProcesses,
		NetworkAccess:  string(req.Profile.NetworkPolicy),
	}
	if req.Policy != nil {
		limits = req.Policy.RemoteLimits(req.Profile)
	}

	session, err := r.provider.api.create(ctx, r, req, template, limits)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !errors.Is(err, ErrUnavailable) {
			err = fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, fmt.Errorf("create %s session: %w", r.provider.Name, err)
	}

	r.mu.Lock()
	r.sessions[req.ID] = session
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.sessions, req.ID)
		r.mu.Unlock()
		r.deleteSession(session)
	}()

	r.logger.Debug("remote session created",
		zap.String("exec_id", req.ID),
		zap.String("session", session.ID),
	)

	runCtx, cancel := context.WithTimeout(ctx, req.Profile.Timeout())
	defer cancel()

	out, err := r.provider.api.execute(runCtx, r, session, req)
	if runCtx.Err() != nil {
		return &Output{ExitCode: -1, TimedOut: ctx.Err() == nil}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("execute in %s session: %w", r.provider.Name, err)
	}
	return out, nil
}

// Terminate deletes the remote session of a running execution
func (r *RemoteSandboxBackend) Terminate(ctx context.Context, id string) error {
	r.mu.Lock()
	session, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	r.deleteSession(session)
	return nil
}

func (r *RemoteSandboxBackend) deleteSession(s remoteSession) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.provider.api.destroy(ctx, r, s); err != nil {
		r.logger.Warn("failed to delete remote session", zap.String("session", s.ID), zap.Error(err))
	}
}

// responseLimit bounds how much of an execute response is read. Output
// beyond it is lost; the engine's own cap is lower.
func responseLimit(p model.ResourceLimitProfile) int64 {
	return 2*int64(p.MaxOutputMB)<<20 + 64<<10
}

// send performs one request and returns the response for the caller to
// read and close. Non-2xx statuses are returned as errors; those that mean
// the service cannot take work (bad credentials, quota, outage) wrap
// ErrUnavailable.
func (r *RemoteSandboxBackend) send(ctx context.Context, method, url string, in any, header http.Header) (*http.Response, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	if in != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		httpReq.Header[k] = v
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	msg := readErrMsg(resp.Body)
	switch {
	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusPaymentRequired,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status=%d msg=%s", ErrUnavailable, resp.StatusCode, msg)
	}
	return nil, fmt.Errorf("status=%d msg=%s", resp.StatusCode, msg)
}

// call sends an API request authenticated with the provider key and
// decodes at most limit bytes of JSON into out
func (r *RemoteSandboxBackend) call(ctx context.Context, method, path string, in, out any, limit int64) error {
	header := http.Header{}
	if r.provider.AuthHeader == "Authorization" {
		header.Set("Authorization", "Bearer "+r.apiKey())
	} else {
		header.Set(r.provider.AuthHeader, r.apiKey())
	}

	resp, err := r.send(ctx, method, r.provider.BaseURL+path, in, header)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		return nil
	}
	lr := &io.LimitedReader{R: resp.Body, N: limit}
	if err := json.NewDecoder(lr).Decode(out); err != nil {
		if lr.N <= 0 {
			return fmt.Errorf("%w: larger than %d bytes", errResponseBody, limit)
		}
		return fmt.Errorf("%w: %v", errResponseBody, err)
	}
	return nil
}

// errResponseBody marks a response that arrived but could not be read.
// By then the remote side has acted on the request.
var errResponseBody = errors.New("invalid response body")

// asUnavailable marks a failed request as the service being unusable,
// unless a response was already received or the caller gave up.
func asUnavailable(err error) error {
	if errors.Is(err, ErrUnavailable) || errors.Is(err, errResponseBody) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func readErrMsg(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, 4096))
	var e struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(data, &e) == nil {
		if e.Message != "" {
			return e.Message
		}
		if e.Error != "" {
			return e.Error
		}
	}
	return strings.TrimSpace(string(data))
}

var _ Backend = (*RemoteSandboxBackend)(nil)
