package tools

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

const maxCommandOutput = 20000

// ExecuteCommandTool runs an allow-listed binary inside the workspace. The
// allow list is matched against the first token only; everything else is
// passed through as arguments.
type ExecuteCommandTool struct {
	ws    workspace
	allow map[string]bool
}

func NewExecuteCommandTool(root string, allow []string) *ExecuteCommandTool {
	m := make(map[string]bool, len(allow))
	for _, a := range allow {
		m[a] = true
	}
	return &ExecuteCommandTool{ws: newWorkspace(root), allow: m}
}

func (t *ExecuteCommandTool) Name() string { return "execute_command" }

func (t *ExecuteCommandTool) Description() string {
	return "Run an allow-listed shell command inside the workspace."
}

func (t *ExecuteCommandTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{"type": "string", "description": "Command line to run"},
		},
		"required": []string{"command"},
	}
}

func (t *ExecuteCommandTool) Execute(ctx context.Context, params map[string]interface{}) (string, error) {
	line, err := stringParam(params, "command")
	if err != nil {
		return "", err
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", fmt.Errorf("empty command")
	}
	if !t.allow[fields[0]] {
		return "", fmt.Errorf("command %q is not allow-listed", fields[0])
	}

	cmd := exec.CommandContext(ctx, fields[0], fields[1:]...)
	cmd.Dir = t.ws.root
	out, err := cmd.CombinedOutput()
	output := string(out)
	if len(output) > maxCommandOutput {
		output = output[:maxCommandOutput] + "\n... (truncated)"
	}
	if err != nil {
		return "", fmt.Errorf("command failed: %v\n%s", err, output)
	}
	return output, nil
}
