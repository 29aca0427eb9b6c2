package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"taskpilot/config"
	"taskpilot/internal/agent/core"
)

// Tool defines the interface for all built-in agent capabilities.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any // JSON Schema for the tool's inputs
	Execute(ctx context.Context, params map[string]interface{}) (string, error)
}

// Registry is the tool catalog: it maps tool names to executable actions and
// renders the textual catalog for prompt injection. Names containing a "/"
// are routed to a namespaced external bridge instead of the local set.
type Registry struct {
	tools   map[string]Tool
	order   []string
	bridges map[string]Bridge
	gated   map[string]bool
}

// NewRegistry creates an empty catalog with the configured approval gates.
func NewRegistry(cfg config.ToolsConfig) *Registry {
	gated := make(map[string]bool, len(cfg.RequireApproval))
	for _, name := range cfg.RequireApproval {
		gated[name] = true
	}
	return &Registry{
		tools:   make(map[string]Tool),
		bridges: make(map[string]Bridge),
		gated:   gated,
	}
}

// Register adds a tool to the catalog. Registration order is preserved for
// prompt rendering.
func (r *Registry) Register(t Tool) {
	if _, exists := r.tools[t.Name()]; !exists {
		r.order = append(r.order, t.Name())
	}
	r.tools[t.Name()] = t
}

// RegisterBridge mounts an external tool bridge under a namespace; a step
// calling "files/search" is dispatched to the bridge registered as "files".
func (r *Registry) RegisterBridge(namespace string, b Bridge) {
	r.bridges[namespace] = b
}

// Execute runs the named tool. A tool-level failure is reported through the
// result, not the error; the error is reserved for catalog-level problems
// such as an unknown name.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]interface{}) (*core.ToolResult, error) {
	if server, tool, ok := strings.Cut(name, "/"); ok {
		return r.executeBridged(ctx, server, tool, params)
	}

	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", name)
	}
	output, err := t.Execute(ctx, params)
	if err != nil {
		return &core.ToolResult{Success: false, Error: err.Error()}, nil
	}
	return &core.ToolResult{Success: true, Output: output}, nil
}

func (r *Registry) executeBridged(ctx context.Context, server, tool string, params map[string]interface{}) (*core.ToolResult, error) {
	b, ok := r.bridges[server]
	if !ok {
		return nil, fmt.Errorf("unknown tool server %q", server)
	}
	out, err := b.CallTool(ctx, tool, params)
	if err != nil {
		return &core.ToolResult{Success: false, Error: err.Error()}, nil
	}
	output := ""
	if v, ok := out["content"].(string); ok {
		output = v
	} else if len(out) > 0 {
		if b, err := json.Marshal(out); err == nil {
			output = string(b)
		}
	}
	return &core.ToolResult{Success: true, Output: output, Data: out}, nil
}

// DescribeForPrompt renders the catalog for the planning prompt.
func (r *Registry) DescribeForPrompt() string {
	var b strings.Builder
	for _, name := range r.order {
		t := r.tools[name]
		fmt.Fprintf(&b, "- %s: %s\n", t.Name(), t.Description())
		if schema := t.Parameters(); len(schema) > 0 {
			if js, err := json.Marshal(schema); err == nil {
				fmt.Fprintf(&b, "  parameters: %s\n", js)
			}
		}
	}
	for ns, bridge := range r.bridges {
		for _, bt := range bridge.Tools() {
			fmt.Fprintf(&b, "- %s/%s: %s\n", ns, bt.Name, bt.Description)
		}
	}
	return b.String()
}

// ApprovalRequired returns the tool names that always need human approval,
// sorted for stable prompt text.
func (r *Registry) ApprovalRequired() []string {
	names := make([]string, 0, len(r.gated))
	for name := range r.gated {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Names returns the canonical local tool names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// NewDefaultRegistry builds the catalog with every built-in tool wired.
func NewDefaultRegistry(cfg config.ToolsConfig) *Registry {
	r := NewRegistry(cfg)
	r.Register(NewListDirectoryTool(cfg.WorkspaceRoot))
	r.Register(NewReadFileTool(cfg.WorkspaceRoot))
	r.Register(NewWriteFileTool(cfg.WorkspaceRoot))
	r.Register(NewDeleteFileTool(cfg.WorkspaceRoot))
	r.Register(NewExecuteCommandTool(cfg.WorkspaceRoot, cfg.CommandAllow))
	r.Register(NewWebFetchTool(cfg.FetchTimeout))
	return r
}

// stringParam extracts a required string parameter.
func stringParam(params map[string]interface{}, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", fmt.Errorf("missing parameter %q", key)
	}
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("parameter %q must be a non-empty string", key)
	}
	return s, nil
}
