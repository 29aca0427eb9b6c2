package core

import (
	"encoding/json"
	"testing"
)

func TestRepairStripsCodeFences(t *testing.T) {
	r := NewRepairer(nil)
	got := r.Repair("```json\n{\"goal\": \"x\"}\n```")
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(got), &m); err != nil {
		t.Fatalf("not valid JSON after repair: %v\n%s", err, got)
	}
	if m["goal"] != "x" {
		t.Fatalf("goal = %v", m["goal"])
	}
}

func TestRepairTruncatedResponse(t *testing.T) {
	// Dangling string, unbalanced brackets: the shape a cut-off stream leaves.
	r := NewRepairer(nil)
	in := `{"goal": "demo", "steps": [{"id": "1", "description": "list the files`
	got := r.Repair(in)
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(got), &m); err != nil {
		t.Fatalf("not valid JSON after repair: %v\n%s", err, got)
	}
	steps, ok := m["steps"].([]interface{})
	if !ok || len(steps) != 1 {
		t.Fatalf("steps not recovered: %v", m["steps"])
	}
}

func TestRepairTrailingCommas(t *testing.T) {
	r := NewRepairer(nil)
	in := `{"steps": [{"id": "1", "parameters": {},}, ],}`
	got := r.Repair(in)
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(got), &m); err != nil {
		t.Fatalf("not valid JSON after repair: %v\n%s", err, got)
	}
}

func TestRepairFillsEmptyKeys(t *testing.T) {
	r := NewRepairer(nil)
	in := `{"goal": "g", "": [{"id": "1", "": {"path": "x"}}]}`
	got := r.Repair(in)
	var m struct {
		Steps []struct {
			Parameters map[string]interface{} `json:"parameters"`
		} `json:"steps"`
	}
	if err := json.Unmarshal([]byte(got), &m); err != nil {
		t.Fatalf("not valid JSON after repair: %v\n%s", err, got)
	}
	if len(m.Steps) != 1 || m.Steps[0].Parameters["path"] != "x" {
		t.Fatalf("empty keys not inferred: %s", got)
	}
}

func TestRepairMissingColons(t *testing.T) {
	r := NewRepairer(nil)
	in := `{"id" "1", "tool" "read_file"}`
	got := r.Repair(in)
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(got), &m); err != nil {
		t.Fatalf("not valid JSON after repair: %v\n%s", err, got)
	}
	if m["id"] != "1" || m["tool"] != "read_file" {
		t.Fatalf("colons not inserted: %s", got)
	}
}

func TestRepairQuotesBareTokens(t *testing.T) {
	r := NewRepairer(nil)
	in := `{goal: demo, count: 3, flag: true, tool: list_directory}`
	got := r.Repair(in)
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(got), &m); err != nil {
		t.Fatalf("not valid JSON after repair: %v\n%s", err, got)
	}
	if m["goal"] != "demo" || m["tool"] != "list_directory" {
		t.Fatalf("bare strings not quoted: %s", got)
	}
	// Numbers and booleans keep their JSON type.
	if n, ok := m["count"].(float64); !ok || n != 3 {
		t.Fatalf("count should stay numeric, got %T %v", m["count"], m["count"])
	}
	if b, ok := m["flag"].(bool); !ok || !b {
		t.Fatalf("flag should stay boolean, got %T %v", m["flag"], m["flag"])
	}
}

func TestRepairCanonicalizesToolAliases(t *testing.T) {
	r := NewRepairer(DefaultToolAliases())
	in := `{"steps": [{"tool": "list_dir"}, {"tool": "shell"}, {"tool": "browse"}]}`
	got := r.Repair(in)
	var m struct {
		Steps []struct {
			Tool string `json:"tool"`
		} `json:"steps"`
	}
	if err := json.Unmarshal([]byte(got), &m); err != nil {
		t.Fatalf("not valid JSON after repair: %v\n%s", err, got)
	}
	want := []string{"list_directory", "execute_command", "web_fetch"}
	for i, w := range want {
		if m.Steps[i].Tool != w {
			t.Fatalf("step %d tool = %q, want %q", i, m.Steps[i].Tool, w)
		}
	}
}

func TestRepairIdempotent(t *testing.T) {
	r := NewRepairer(DefaultToolAliases())
	inputs := []string{
		`{"goal": "g", "steps": [{"id": "1", "tool": "read_file", "parameters": {"path": "a.txt"}}]}`,
		"```json\n{\"goal\": \"g\", \"steps\": [{\"id\": \"1\"",
		`{goal: demo, steps: [{id: 1,}`,
		`{"a" "b", "": {"c": null}}`,
	}
	for _, in := range inputs {
		once := r.Repair(in)
		twice := r.Repair(once)
		if once != twice {
			t.Fatalf("repair not idempotent:\nin:    %s\nonce:  %s\ntwice: %s", in, once, twice)
		}
	}
}

func TestRepairPreservesStringContents(t *testing.T) {
	// Brackets, braces and commas inside string literals must pass through.
	r := NewRepairer(DefaultToolAliases())
	in := `{"goal": "rename {old} to [new], then stop", "steps": [{"id": "1", "description": "touch a,b"}]}`
	got := r.Repair(in)
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(got), &m); err != nil {
		t.Fatalf("not valid JSON after repair: %v\n%s", err, got)
	}
	if m["goal"] != "rename {old} to [new], then stop" {
		t.Fatalf("string literal mangled: %v", m["goal"])
	}
}

func TestRepairPassOrder(t *testing.T) {
	r := NewRepairer(nil)
	names := r.PassNames()
	want := []string{
		"strip_code_fences",
		"fill_empty_keys",
		"normalize_delimiters",
		"insert_missing_colons",
		"canonicalize_tool_names",
		"close_dangling_quote",
		"balance_brackets",
		"strip_trailing_commas",
		"quote_bare_tokens",
	}
	if len(names) != len(want) {
		t.Fatalf("pass count = %d, want %d", len(names), len(want))
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("pass %d = %q, want %q", i, names[i], want[i])
		}
	}
}
