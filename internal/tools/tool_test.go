package tools

import (
	"context"
	"errors"
	"strings"
	"testing"

	"taskpilot/config"
)

type echoTool struct {
	name string
	err  error
}

func (t *echoTool) Name() string        { return t.name }
func (t *echoTool) Description() string { return "echoes its input" }
func (t *echoTool) Parameters() map[string]any {
	return map[string]any{"type": "object"}
}
func (t *echoTool) Execute(ctx context.Context, params map[string]interface{}) (string, error) {
	if t.err != nil {
		return "", t.err
	}
	v, _ := params["value"].(string)
	return v, nil
}

func TestRegistryExecuteLocal(t *testing.T) {
	r := NewRegistry(config.ToolsConfig{})
	r.Register(&echoTool{name: "echo"})

	res, err := r.Execute(context.Background(), "echo", map[string]interface{}{"value": "hi"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success || res.Output != "hi" {
		t.Fatalf("result = %+v", res)
	}
}

func TestRegistryUnknownTool(t *testing.T) {
	r := NewRegistry(config.ToolsConfig{})
	if _, err := r.Execute(context.Background(), "nope", nil); err == nil {
		t.Fatalf("unknown tool must be a catalog-level error")
	}
}

func TestRegistryToolFailureIsResultNotError(t *testing.T) {
	r := NewRegistry(config.ToolsConfig{})
	r.Register(&echoTool{name: "broken", err: errors.New("no such file")})

	res, err := r.Execute(context.Background(), "broken", nil)
	if err != nil {
		t.Fatalf("tool failure leaked as error: %v", err)
	}
	if res.Success || res.Error != "no such file" {
		t.Fatalf("result = %+v", res)
	}
}

func TestRegistryApprovalRequiredSorted(t *testing.T) {
	r := NewRegistry(config.ToolsConfig{RequireApproval: []string{"write_file", "delete_file"}})
	got := r.ApprovalRequired()
	if len(got) != 2 || got[0] != "delete_file" || got[1] != "write_file" {
		t.Fatalf("approval list = %v", got)
	}
}

func TestRegistryDescribeForPrompt(t *testing.T) {
	r := NewRegistry(config.ToolsConfig{})
	r.Register(&echoTool{name: "echo"})

	desc := r.DescribeForPrompt()
	if !strings.Contains(desc, "- echo: echoes its input") {
		t.Fatalf("catalog text = %q", desc)
	}
	if !strings.Contains(desc, "parameters:") {
		t.Fatalf("catalog missing schema line: %q", desc)
	}
}

func TestDefaultRegistryNames(t *testing.T) {
	r := NewDefaultRegistry(config.ToolsConfig{WorkspaceRoot: t.TempDir()})
	want := []string{"list_directory", "read_file", "write_file", "delete_file", "execute_command", "web_fetch"}
	got := r.Names()
	if len(got) != len(want) {
		t.Fatalf("names = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("names[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

// fakeBridge stands in for an external stdio tool server.
type fakeBridge struct {
	lastTool string
	lastArgs map[string]any
	result   map[string]any
	err      error
}

func (b *fakeBridge) Tools() []BridgeTool {
	return []BridgeTool{{Name: "search", Description: "search the index"}}
}

func (b *fakeBridge) CallTool(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	b.lastTool = name
	b.lastArgs = args
	return b.result, b.err
}

func (b *fakeBridge) Close() error { return nil }

func TestRegistryBridgedExecution(t *testing.T) {
	bridge := &fakeBridge{result: map[string]any{"content": "three results"}}
	r := NewRegistry(config.ToolsConfig{})
	r.RegisterBridge("files", bridge)

	res, err := r.Execute(context.Background(), "files/search", map[string]interface{}{"query": "report"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success || res.Output != "three results" {
		t.Fatalf("result = %+v", res)
	}
	if bridge.lastTool != "search" || bridge.lastArgs["query"] != "report" {
		t.Fatalf("bridge call = %q %v", bridge.lastTool, bridge.lastArgs)
	}
}

func TestRegistryBridgedUnknownServer(t *testing.T) {
	r := NewRegistry(config.ToolsConfig{})
	if _, err := r.Execute(context.Background(), "ghost/search", nil); err == nil {
		t.Fatalf("unknown bridge namespace must be a catalog-level error")
	}
}

func TestRegistryBridgedFailure(t *testing.T) {
	bridge := &fakeBridge{err: errors.New("server crashed")}
	r := NewRegistry(config.ToolsConfig{})
	r.RegisterBridge("files", bridge)

	res, err := r.Execute(context.Background(), "files/search", nil)
	if err != nil {
		t.Fatalf("bridge failure leaked as error: %v", err)
	}
	if res.Success || res.Error != "server crashed" {
		t.Fatalf("result = %+v", res)
	}
}

func TestRegistryDescribeIncludesBridgedTools(t *testing.T) {
	r := NewRegistry(config.ToolsConfig{})
	r.RegisterBridge("files", &fakeBridge{})
	if !strings.Contains(r.DescribeForPrompt(), "- files/search: search the index") {
		t.Fatalf("bridged tool missing from catalog text")
	}
}
