// Package functions exposes the executor and the file manager as JSON
// argument functions for an agent layer to call.
package functions

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Function represents a function that can be called by the agent. args is
// a JSON object; the result is text for the model.
type Function func(ctx context.Context, args string) (string, error)

// ToolDefinition represents a tool that can be called by the AI
type ToolDefinition struct {
	Type     string      `json:"type"`
	Function FunctionDef `json:"function"`
}

// FunctionDef represents a function definition
type FunctionDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Registry holds registered functions
type Registry struct {
	mu        sync.RWMutex
	functions map[string]Function
	defs      map[string]FunctionDef
}

// NewRegistry creates a new function registry
func NewRegistry() *Registry {
	return &Registry{
		functions: make(map[string]Function),
		defs:      make(map[string]FunctionDef),
	}
}

// Register adds a function to the registry
func (r *Registry) Register(def FunctionDef, fn Function) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.functions[def.Name] = fn
	r.defs[def.Name] = def
}

// Get retrieves a function from the registry
func (r *Registry) Get(name string) Function {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.functions[name]
}

// Call runs the named function
func (r *Registry) Call(ctx context.Context, name, args string) (string, error) {
	fn := r.Get(name)
	if fn == nil {
		return "", fmt.Errorf("unknown function %q", name)
	}
	return fn(ctx, args)
}

// Definitions lists the registered tools sorted by name
func (r *Registry) Definitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolDefinition, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, ToolDefinition{Type: "function", Function: d})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Function.Name < out[j].Function.Name })
	return out
}

// parseArgs decodes args into params. Empty args leave params untouched.
func parseArgs(args string, params any) error {
	if args == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(args), params); err != nil {
		return fmt.Errorf("failed to parse arguments: %w", err)
	}
	return nil
}

func toJSON(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode result: %w", err)
	}
	return string(data), nil
}

func object(required []string, props map[string]any) map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

func prop(typ, description string) map[string]any {
	return map[string]any{"type": typ, "description": description}
}
