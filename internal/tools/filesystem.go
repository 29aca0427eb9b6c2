package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// workspace confines filesystem tools to a single root directory.
type workspace struct {
	root string
}

func newWorkspace(root string) workspace {
	abs, err := filepath.Abs(root)
	if err != nil {
		abs = root
	}
	return workspace{root: abs}
}

// resolve joins a relative path onto the root and rejects escapes.
func (w workspace) resolve(rel string) (string, error) {
	target := filepath.Join(w.root, rel)
	r, err := filepath.Rel(w.root, target)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("unsafe path attempt: %s", rel)
	}
	return target, nil
}

// ListDirectoryTool lists the entries of a workspace directory.
type ListDirectoryTool struct {
	ws workspace
}

func NewListDirectoryTool(root string) *ListDirectoryTool {
	return &ListDirectoryTool{ws: newWorkspace(root)}
}

func (t *ListDirectoryTool) Name() string { return "list_directory" }

func (t *ListDirectoryTool) Description() string {
	return "List the files and folders inside a workspace directory."
}

func (t *ListDirectoryTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Directory relative to the workspace root; defaults to the root",
			},
		},
	}
}

func (t *ListDirectoryTool) Execute(ctx context.Context, params map[string]interface{}) (string, error) {
	rel := "."
	if v, ok := params["path"].(string); ok && v != "" {
		rel = v
	}
	dir, err := t.ws.resolve(rel)
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("list directory: %w", err)
	}
	var b strings.Builder
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		b.WriteString(name)
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// ReadFileTool returns a workspace file's contents.
type ReadFileTool struct {
	ws workspace
}

func NewReadFileTool(root string) *ReadFileTool {
	return &ReadFileTool{ws: newWorkspace(root)}
}

func (t *ReadFileTool) Name() string { return "read_file" }

func (t *ReadFileTool) Description() string {
	return "Read the contents of a file in the workspace."
}

func (t *ReadFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "File relative to the workspace root"},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, params map[string]interface{}) (string, error) {
	rel, err := stringParam(params, "path")
	if err != nil {
		return "", err
	}
	path, err := t.ws.resolve(rel)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	return string(data), nil
}

// WriteFileTool creates or overwrites a workspace file.
type WriteFileTool struct {
	ws workspace
}

func NewWriteFileTool(root string) *WriteFileTool {
	return &WriteFileTool{ws: newWorkspace(root)}
}

func (t *WriteFileTool) Name() string { return "write_file" }

func (t *WriteFileTool) Description() string {
	return "Write content to a file in the workspace, creating parent folders as needed."
}

func (t *WriteFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":    map[string]any{"type": "string", "description": "File relative to the workspace root"},
			"content": map[string]any{"type": "string", "description": "Content to write"},
		},
		"required": []string{"path"},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, params map[string]interface{}) (string, error) {
	rel, err := stringParam(params, "path")
	if err != nil {
		return "", err
	}
	content, _ := params["content"].(string)
	path, err := t.ws.resolve(rel)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create parent: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(content), rel), nil
}

// DeleteFileTool removes a workspace file or folder.
type DeleteFileTool struct {
	ws workspace
}

func NewDeleteFileTool(root string) *DeleteFileTool {
	return &DeleteFileTool{ws: newWorkspace(root)}
}

func (t *DeleteFileTool) Name() string { return "delete_file" }

func (t *DeleteFileTool) Description() string {
	return "Delete a file or folder in the workspace."
}

func (t *DeleteFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "File or folder relative to the workspace root"},
		},
		"required": []string{"path"},
	}
}

func (t *DeleteFileTool) Execute(ctx context.Context, params map[string]interface{}) (string, error) {
	rel, err := stringParam(params, "path")
	if err != nil {
		return "", err
	}
	path, err := t.ws.resolve(rel)
	if err != nil {
		return "", err
	}
	if path == t.ws.root {
		return "", fmt.Errorf("refusing to delete the workspace root")
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("delete: %w", err)
	}
	if err := os.RemoveAll(path); err != nil {
		return "", fmt.Errorf("delete: %w", err)
	}
	return fmt.Sprintf("deleted %s", rel), nil
}
