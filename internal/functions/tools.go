package functions

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/epuerta/codeagent/internal/executor"
	"github.com/epuerta/codeagent/internal/fileops"
	"github.com/epuerta/codeagent/internal/model"
	"github.com/epuerta/codeagent/internal/versions"
)

// Tools binds the agent functions to a service
type Tools struct {
	svc *executor.Service
	now func() time.Time
}

// NewDefaultRegistry registers every tool backed by svc
func NewDefaultRegistry(svc *executor.Service) *Registry {
	t := &Tools{svc: svc, now: time.Now}
	r := NewRegistry()

	r.Register(FunctionDef{
		Name:        "execute_code",
		Description: "Run code in an isolated backend chosen by the security policy",
		Parameters: object([]string{"code", "language"}, map[string]any{
			"code":           prop("string", "The source code to run"),
			"language":       prop("string", "Language of the code, e.g. python, javascript, bash"),
			"timeoutSeconds": prop("integer", "Optional lower timeout than the policy grants"),
			"memoryMB":       prop("integer", "Optional lower memory limit than the policy grants"),
			"intent":         prop("string", "What the code is meant to do, e.g. run_code or modify_code"),
			"paths":          map[string]any{"type": "array", "items": prop("string", "Project file"), "description": "Files the code may change; they are snapshotted first"},
			"sessionId":      prop("string", "Conversation identifier"),
		}),
	}, t.ExecuteCode)

	r.Register(FunctionDef{
		Name:        "read_file",
		Description: "Read the contents of a file",
		Parameters:  object([]string{"path"}, map[string]any{"path": prop("string", "The path to the file")}),
	}, t.ReadFile)

	r.Register(FunctionDef{
		Name:        "write_file",
		Description: "Write content to a file, snapshotting the previous version",
		Parameters: object([]string{"path", "content"}, map[string]any{
			"path":    prop("string", "The path to the file"),
			"content": prop("string", "The content to write"),
		}),
	}, t.WriteFile)

	r.Register(FunctionDef{
		Name:        "edit_file",
		Description: "Replace one exact occurrence of text in a file",
		Parameters: object([]string{"path", "old", "new"}, map[string]any{
			"path": prop("string", "The path to the file"),
			"old":  prop("string", "Text to replace; must occur exactly once"),
			"new":  prop("string", "Replacement text"),
		}),
	}, t.EditFile)

	r.Register(FunctionDef{
		Name:        "delete_file",
		Description: "Delete a file, snapshotting it first",
		Parameters:  object([]string{"path"}, map[string]any{"path": prop("string", "The path to the file")}),
	}, t.DeleteFile)

	r.Register(FunctionDef{
		Name:        "list_directory",
		Description: "List the contents of a directory",
		Parameters:  object(nil, map[string]any{"path": prop("string", "The path to the directory")}),
	}, t.ListDirectory)

	r.Register(FunctionDef{
		Name:        "rollback_file",
		Description: "Restore a file from a snapshot, the latest differing one by default",
		Parameters: object([]string{"path"}, map[string]any{
			"path":       prop("string", "The path to the file"),
			"snapshotId": prop("string", "Snapshot to restore, or latest"),
		}),
	}, t.RollbackFile)

	r.Register(FunctionDef{
		Name:        "file_history",
		Description: "List the snapshots of a file, newest first",
		Parameters:  object([]string{"path"}, map[string]any{"path": prop("string", "The path to the file")}),
	}, t.FileHistory)

	r.Register(FunctionDef{
		Name:        "file_diff",
		Description: "Show the changes since the latest snapshot of a file",
		Parameters:  object([]string{"path"}, map[string]any{"path": prop("string", "The path to the file")}),
	}, t.FileDiff)

	r.Register(FunctionDef{
		Name:        "list_backends",
		Description: "Report which execution backends are available",
		Parameters:  object(nil, map[string]any{}),
	}, t.ListBackends)

	return r
}

// ExecuteCode runs code through the executor
func (t *Tools) ExecuteCode(ctx context.Context, args string) (string, error) {
	var req executor.Request
	if err := parseArgs(args, &req); err != nil {
		return "", err
	}
	if req.Code == "" {
		return "", fmt.Errorf("code parameter is required")
	}
	if req.Language == "" {
		return "", fmt.Errorf("language parameter is required")
	}
	return toJSON(t.svc.Execute(ctx, req))
}

// ReadFile reads the contents of a file
func (t *Tools) ReadFile(ctx context.Context, args string) (string, error) {
	var params struct {
		Path string `json:"path"`
	}
	if err := parseArgs(args, &params); err != nil {
		return "", err
	}
	fi, err := t.svc.Files().Read(params.Path)
	if err != nil {
		return "", err
	}
	if !fi.Exists {
		return "", fmt.Errorf("file does not exist: %s", params.Path)
	}
	if fi.IsDir {
		return "", fmt.Errorf("%s is a directory", params.Path)
	}
	return fi.Content, nil
}

// WriteFile writes content to a file
func (t *Tools) WriteFile(ctx context.Context, args string) (string, error) {
	var params struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := parseArgs(args, &params); err != nil {
		return "", err
	}
	op, err := t.svc.Files().Write(ctx, params.Path, params.Content)
	if err != nil {
		return "", err
	}
	return describe(op, fmt.Sprintf("Successfully wrote %d bytes to %s", len(params.Content), params.Path)), nil
}

// EditFile replaces one occurrence of text in a file
func (t *Tools) EditFile(ctx context.Context, args string) (string, error) {
	var params struct {
		Path string `json:"path"`
		Old  string `json:"old"`
		New  string `json:"new"`
	}
	if err := parseArgs(args, &params); err != nil {
		return "", err
	}
	op, err := t.svc.Files().Edit(ctx, params.Path, params.Old, params.New)
	if err != nil {
		return "", err
	}
	return describe(op, "Successfully edited "+params.Path), nil
}

// DeleteFile removes a file
func (t *Tools) DeleteFile(ctx context.Context, args string) (string, error) {
	var params struct {
		Path string `json:"path"`
	}
	if err := parseArgs(args, &params); err != nil {
		return "", err
	}
	op, err := t.svc.Files().Delete(ctx, params.Path)
	if err != nil {
		return "", err
	}
	return describe(op, "Successfully deleted "+params.Path), nil
}

// ListDirectory lists the contents of a directory
func (t *Tools) ListDirectory(ctx context.Context, args string) (string, error) {
	var params struct {
		Path string `json:"path"`
	}
	if err := parseArgs(args, &params); err != nil {
		return "", err
	}
	if params.Path == "" {
		params.Path = "."
	}
	entries, err := t.svc.Files().List(params.Path)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Contents of %s:\n\n", params.Path)
	for _, e := range entries {
		kind := "file"
		if e.IsDir {
			kind = "dir"
		}
		fmt.Fprintf(&b, "[%s] %s (%s, %s)\n", kind, filepath.Base(e.Path), humanSize(e.Size), time.Unix(e.ModTime, 0).Format("2006-01-02 15:04:05"))
	}
	return b.String(), nil
}

// RollbackFile restores a file from a snapshot
func (t *Tools) RollbackFile(ctx context.Context, args string) (string, error) {
	var params struct {
		Path       string `json:"path"`
		SnapshotID string `json:"snapshotId"`
	}
	if err := parseArgs(args, &params); err != nil {
		return "", err
	}
	if params.SnapshotID == "" {
		params.SnapshotID = versions.Latest
	}
	op, err := t.svc.Rollback(ctx, params.Path, params.SnapshotID)
	if err != nil {
		return "", err
	}
	if !op.Restored {
		return "No earlier version of " + params.Path + " to restore", nil
	}
	return describe(op, "Restored "+params.Path), nil
}

type historyEntry struct {
	ID          string `json:"id"`
	Existed     bool   `json:"existed"`
	Size        int    `json:"size"`
	ContentHash string `json:"contentHash"`
	CapturedAt  string `json:"capturedAt"`
	Age         string `json:"age"`
}

// FileHistory lists the snapshots of a file
func (t *Tools) FileHistory(ctx context.Context, args string) (string, error) {
	var params struct {
		Path string `json:"path"`
	}
	if err := parseArgs(args, &params); err != nil {
		return "", err
	}
	abs, err := t.svc.Files().Resolve(params.Path)
	if err != nil {
		return "", err
	}
	history, err := t.svc.Files().Store().History(abs)
	if err != nil {
		return "", err
	}
	now := t.now()
	entries := make([]historyEntry, 0, len(history))
	for _, s := range history {
		entries = append(entries, historyEntry{
			ID:          s.ID,
			Existed:     s.Existed,
			Size:        s.Size(),
			ContentHash: s.ContentHash,
			CapturedAt:  s.CapturedAt.Format(time.RFC3339),
			Age:         s.Age(now).Round(time.Second).String(),
		})
	}
	return toJSON(entries)
}

// FileDiff shows the changes since the latest snapshot
func (t *Tools) FileDiff(ctx context.Context, args string) (string, error) {
	var params struct {
		Path string `json:"path"`
	}
	if err := parseArgs(args, &params); err != nil {
		return "", err
	}
	abs, err := t.svc.Files().Resolve(params.Path)
	if err != nil {
		return "", err
	}
	diff, err := t.svc.Files().Store().Diff(abs)
	if err != nil {
		return "", err
	}
	if diff == "" {
		return "No changes since the latest snapshot of " + params.Path, nil
	}
	return diff, nil
}

// ListBackends probes the execution backends
func (t *Tools) ListBackends(ctx context.Context, args string) (string, error) {
	type backend struct {
		Name      string           `json:"name"`
		Available bool             `json:"available"`
		Reason    string           `json:"reason,omitempty"`
		Languages []model.Language `json:"languages"`
	}
	statuses := t.svc.Backends(ctx)
	out := make([]backend, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, backend{Name: s.Name, Available: s.Available, Reason: s.Reason, Languages: s.Languages})
	}
	return toJSON(out)
}

func describe(op *fileops.Operation, summary string) string {
	if op.SnapshotID != "" {
		summary += fmt.Sprintf(" (snapshot %s)", op.SnapshotID)
	}
	if op.Diff == "" {
		return summary
	}
	return summary + "\n\n" + op.Diff
}

func humanSize(size int64) string {
	switch {
	case size < 1024:
		return fmt.Sprintf("%dB", size)
	case size < 1024*1024:
		return fmt.Sprintf("%.1fKB", float64(size)/1024)
	default:
		return fmt.Sprintf("%.1fMB", float64(size)/(1024*1024))
	}
}
