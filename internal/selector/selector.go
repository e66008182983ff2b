// Package selector ranks execution backends for a code block. It performs
// no I/O; availability is checked by the engine when it dispatches.
package selector

import (
	"fmt"
	"strings"

	"github.com/epuerta/codeagent/internal/model"
	"github.com/epuerta/codeagent/internal/sandbox"
)

// ModeAuto lets the security level decide the backend order
const ModeAuto = "auto"

// Registry looks up backends by name
type Registry interface {
	Get(name string) (sandbox.Backend, bool)
}

var autoOrders = map[model.SecurityLevel][]string{
	model.Strict:     {sandbox.NameDaytona, sandbox.NameE2B, sandbox.NameDocker},
	model.Moderate:   {sandbox.NameDocker, sandbox.NameDaytona, sandbox.NameE2B, sandbox.NameSandbox},
	model.Permissive: {sandbox.NameMulti},
	model.Custom:     {sandbox.NameMulti},
}

var modes = []string{
	ModeAuto,
	sandbox.NameDocker,
	sandbox.NameE2B,
	sandbox.NameDaytona,
	sandbox.NameMulti,
	sandbox.NameSandbox,
}

// ParseMode validates an execution mode. "terminal" is accepted as an
// alias of the local sandbox.
func ParseMode(s string) (string, error) {
	m := strings.ToLower(strings.TrimSpace(s))
	switch m {
	case "":
		return ModeAuto, nil
	case "terminal", "local":
		return sandbox.NameSandbox, nil
	}
	for _, known := range modes {
		if m == known {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown execution mode %q (want one of %s)", s, strings.Join(modes, ", "))
}

// AutoOrder returns the backend names tried in auto mode for a level.
// Unknown levels use the moderate order.
func AutoOrder(level model.SecurityLevel) []string {
	order, ok := autoOrders[level]
	if !ok {
		order = autoOrders[model.Moderate]
	}
	return append([]string(nil), order...)
}

// SelectOrder returns the backends to try, in order, for a block of the
// given language. A forced mode yields at most that one backend. Backends
// that are not registered or cannot run the language are dropped. The
// preferred backend is moved to the front when it is part of the level's
// order; it never adds a backend a built-in level does not allow. Custom
// policies name their own backends, so there the preferred one is added in
// front of the custom order.
func SelectOrder(level model.SecurityLevel, lang model.Language, mode, preferred string, reg Registry) []sandbox.Backend {
	var names []string
	if mode == "" || mode == ModeAuto {
		names = AutoOrder(level)
		if preferred != "" && preferred != ModeAuto {
			if level == model.Custom && !contains(names, preferred) {
				names = append([]string{preferred}, names...)
			}
			names = moveToFront(names, preferred)
		}
	} else {
		names = []string{mode}
	}

	backends := make([]sandbox.Backend, 0, len(names))
	for _, name := range names {
		b, ok := reg.Get(name)
		if !ok || !b.SupportsLanguage(lang) {
			continue
		}
		backends = append(backends, b)
	}
	return backends
}

func moveToFront(names []string, first string) []string {
	if !contains(names, first) {
		return names
	}
	out := make([]string, 0, len(names))
	out = append(out, first)
	for _, n := range names {
		if n != first {
			out = append(out, n)
		}
	}
	return out
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}
