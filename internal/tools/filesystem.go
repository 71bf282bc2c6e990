package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const fileMaxRead = 100_000

// resolveWorkspacePath confines a tool-supplied path to the workspace.
func resolveWorkspacePath(ctx context.Context, p string) (string, error) {
	ws := WorkspaceFromContext(ctx)
	if ws == "" {
		return "", fmt.Errorf("no workspace configured")
	}
	full := filepath.Join(ws, filepath.Clean("/"+p))
	if !strings.HasPrefix(full, filepath.Clean(ws)+string(os.PathSeparator)) && full != filepath.Clean(ws) {
		return "", fmt.Errorf("path escapes workspace")
	}
	return full, nil
}

// ReadFileTool reads a workspace file.
type ReadFileTool struct{}

func (t *ReadFileTool) Name() string        { return "read_file" }
func (t *ReadFileTool) Description() string { return "Read a file from the workspace." }

func (t *ReadFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "Path relative to the workspace root."},
		},
		"required": []any{"path"},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]any) *Result {
	p, _ := args["path"].(string)
	full, err := resolveWorkspacePath(ctx, p)
	if err != nil {
		return ErrorResult("Error: " + err.Error())
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return ErrorResult("Error: " + err.Error()).WithError(err)
	}
	out := string(data)
	if len(out) > fileMaxRead {
		out = out[:fileMaxRead] + "\n[truncated]"
	}
	return NewResult(out)
}

// WriteFileTool writes a workspace file, creating parent directories.
type WriteFileTool struct{}

func (t *WriteFileTool) Name() string        { return "write_file" }
func (t *WriteFileTool) Description() string { return "Write a file in the workspace, creating directories as needed." }
func (t *WriteFileTool) Permission() string  { return PermWrite }

func (t *WriteFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":    map[string]any{"type": "string", "description": "Path relative to the workspace root."},
			"content": map[string]any{"type": "string", "description": "Full file content."},
		},
		"required": []any{"path", "content"},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]any) *Result {
	p, _ := args["path"].(string)
	content, _ := args["content"].(string)
	full, err := resolveWorkspacePath(ctx, p)
	if err != nil {
		return ErrorResult("Error: " + err.Error())
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return ErrorResult("Error: " + err.Error()).WithError(err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return ErrorResult("Error: " + err.Error()).WithError(err)
	}
	return NewResult(fmt.Sprintf("Wrote %d bytes to %s", len(content), p))
}

// ListDirTool lists a workspace directory.
type ListDirTool struct{}

func (t *ListDirTool) Name() string        { return "list_dir" }
func (t *ListDirTool) Description() string { return "List the entries of a workspace directory." }

func (t *ListDirTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": `Directory relative to the workspace root (default ".").`},
		},
	}
}

func (t *ListDirTool) Execute(ctx context.Context, args map[string]any) *Result {
	p, _ := args["path"].(string)
	if p == "" {
		p = "."
	}
	full, err := resolveWorkspacePath(ctx, p)
	if err != nil {
		return ErrorResult("Error: " + err.Error())
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return ErrorResult("Error: " + err.Error()).WithError(err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return NewResult("(empty)")
	}
	return NewResult(strings.Join(names, "\n"))
}
