package selector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epuerta/codeagent/internal/model"
	"github.com/epuerta/codeagent/internal/sandbox"
)

type fakeBackend struct {
	name  string
	langs map[model.Language]bool
}

func (f *fakeBackend) Name() string                              { return f.name }
func (f *fakeBackend) SupportsLanguage(lang model.Language) bool { return f.langs[lang] }
func (f *fakeBackend) Available(ctx context.Context) error       { return nil }
func (f *fakeBackend) Run(ctx context.Context, req *sandbox.Request) (*sandbox.Output, error) {
	return &sandbox.Output{}, nil
}
func (f *fakeBackend) Terminate(ctx context.Context, id string) error { return nil }

func backend(name string, langs ...model.Language) *fakeBackend {
	f := &fakeBackend{name: name, langs: map[model.Language]bool{}}
	for _, l := range langs {
		f.langs[l] = true
	}
	return f
}

func names(bs []sandbox.Backend) []string {
	out := make([]string, 0, len(bs))
	for _, b := range bs {
		out = append(out, b.Name())
	}
	return out
}

func testRegistry() *sandbox.Registry {
	all := model.Languages
	return sandbox.NewRegistry(
		backend(sandbox.NameSandbox, model.Python, model.JavaScript, model.Bash),
		backend(sandbox.NameDocker, model.Python, model.JavaScript, model.Java, model.Go, model.Bash),
		backend(sandbox.NameE2B, model.Python, model.JavaScript, model.TypeScript, model.Bash),
		backend(sandbox.NameDaytona, model.Python, model.JavaScript, model.Java, model.Go, model.Rust),
		backend(sandbox.NameMulti, all...),
	)
}

func TestSelectOrder_Auto(t *testing.T) {
	reg := testRegistry()

	tests := []struct {
		name  string
		level model.SecurityLevel
		lang  model.Language
		want  []string
	}{
		{"strict python", model.Strict, model.Python, []string{"daytona", "e2b", "docker"}},
		{"moderate python", model.Moderate, model.Python, []string{"docker", "daytona", "e2b", "sandbox"}},
		{"permissive python", model.Permissive, model.Python, []string{"multi"}},
		{"custom python", model.Custom, model.Python, []string{"multi"}},
		{"strict rust filters", model.Strict, model.Rust, []string{"daytona"}},
		{"moderate typescript", model.Moderate, model.TypeScript, []string{"e2b"}},
		{"strict powershell none", model.Strict, model.PowerShell, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SelectOrder(tt.level, tt.lang, ModeAuto, "", reg)
			assert.Equal(t, tt.want, names(got))
		})
	}
}

func TestSelectOrder_Preferred(t *testing.T) {
	reg := testRegistry()

	got := SelectOrder(model.Moderate, model.Python, ModeAuto, sandbox.NameE2B, reg)
	assert.Equal(t, []string{"e2b", "docker", "daytona", "sandbox"}, names(got))

	// Preferred backend that cannot run the language is dropped, the rest stays.
	got = SelectOrder(model.Moderate, model.TypeScript, ModeAuto, sandbox.NameDocker, reg)
	assert.Equal(t, []string{"e2b"}, names(got))

	// A backend outside the level's order is never added.
	got = SelectOrder(model.Strict, model.Python, ModeAuto, sandbox.NameSandbox, reg)
	assert.Equal(t, []string{"daytona", "e2b", "docker"}, names(got))

	// Custom policies get their preferred backend ahead of multi.
	got = SelectOrder(model.Custom, model.Python, ModeAuto, sandbox.NameSandbox, reg)
	assert.Equal(t, []string{"sandbox", "multi"}, names(got))

	got = SelectOrder(model.Custom, model.Python, ModeAuto, sandbox.NameMulti, reg)
	assert.Equal(t, []string{"multi"}, names(got))
}

func TestSelectOrder_ForcedMode(t *testing.T) {
	reg := testRegistry()

	got := SelectOrder(model.Strict, model.Python, sandbox.NameSandbox, sandbox.NameE2B, reg)
	assert.Equal(t, []string{"sandbox"}, names(got))

	got = SelectOrder(model.Moderate, model.Java, sandbox.NameE2B, "", reg)
	assert.Empty(t, got)

	got = SelectOrder(model.Moderate, model.Python, "missing", "", reg)
	assert.Empty(t, got)
}

func TestSelectOrder_Unregistered(t *testing.T) {
	reg := sandbox.NewRegistry(backend(sandbox.NameDocker, model.Python))
	got := SelectOrder(model.Strict, model.Python, ModeAuto, "", reg)
	assert.Equal(t, []string{"docker"}, names(got))
}

func TestAutoOrderIsACopy(t *testing.T) {
	order := AutoOrder(model.Strict)
	order[0] = "mutated"
	assert.Equal(t, sandbox.NameDaytona, AutoOrder(model.Strict)[0])
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]string{
		"":         ModeAuto,
		"auto":     ModeAuto,
		"Docker":   sandbox.NameDocker,
		" e2b ":    sandbox.NameE2B,
		"terminal": sandbox.NameSandbox,
		"multi":    sandbox.NameMulti,
	} {
		got, err := ParseMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseMode("kubernetes")
	assert.Error(t, err)
}
