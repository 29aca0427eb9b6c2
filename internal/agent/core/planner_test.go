package core

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"taskpilot/config"
)

// stubLLM routes canned responses by model name and records every call.
type stubLLM struct {
	mu           sync.Mutex
	responses    map[string]string
	err          error
	calls        []string
	messages     [][]Message
	repairModels map[string]bool
}

func (s *stubLLM) Complete(ctx context.Context, messages []Message, model string, onToken func(string)) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, model)
	s.messages = append(s.messages, messages)
	if s.err != nil {
		return "", s.err
	}
	return s.responses[model], nil
}

func (s *stubLLM) GenerateWithTokens(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, int64, int64, error) {
	s.mu.Lock()
	s.calls = append(s.calls, model)
	s.messages = append(s.messages, []Message{{Role: "user", Content: prompt}})
	s.mu.Unlock()
	if s.err != nil {
		return "", 0, 0, s.err
	}
	return s.responses[model], 12, 34, nil
}

func (s *stubLLM) GetAvailableModels() []string {
	models := make([]string, 0, len(s.responses))
	for m := range s.responses {
		models = append(models, m)
	}
	return models
}

func (s *stubLLM) GetModelInfo(model string) (ModelInfo, error) {
	info := ModelInfo{Name: model, Provider: "stub"}
	if s.repairModels[model] {
		info.Capabilities = []string{"json_repair"}
	}
	return info, nil
}

func (s *stubLLM) CalculateCost(inputTokens, outputTokens int64, model string) float64 {
	return 0
}

func (s *stubLLM) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// fakeCatalog is a configurable ToolCatalog for planner and engine tests.
type fakeCatalog struct {
	describe string
	approval []string
	exec     func(ctx context.Context, name string, params map[string]interface{}) (*ToolResult, error)

	mu       sync.Mutex
	executed []string
}

func (c *fakeCatalog) Execute(ctx context.Context, name string, params map[string]interface{}) (*ToolResult, error) {
	c.mu.Lock()
	c.executed = append(c.executed, name)
	c.mu.Unlock()
	if c.exec != nil {
		return c.exec(ctx, name, params)
	}
	return &ToolResult{Success: true, Output: "ok"}, nil
}

func (c *fakeCatalog) DescribeForPrompt() string {
	if c.describe != "" {
		return c.describe
	}
	return "- list_directory: list files\n"
}

func (c *fakeCatalog) ApprovalRequired() []string { return c.approval }

func (c *fakeCatalog) Names() []string { return []string{"list_directory"} }

func (c *fakeCatalog) executedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.executed)
}

func testConfig() *config.Config {
	return &config.Config{
		General: config.GeneralConfig{MaxConcurrentRuns: 2},
		LLM: config.LLMConfig{
			Routing: config.LLMRoutingConfig{
				Planning: "plan-model",
				Summary:  "sum-model",
			},
		},
	}
}

func TestCreatePlanConversational(t *testing.T) {
	llm := &stubLLM{responses: map[string]string{
		"plan-model": "Hello! I can list files, read and write them, and fetch web pages.",
	}}
	p := NewPlanner(testConfig(), llm, &fakeCatalog{}, nil)

	plan, err := p.CreatePlan(context.Background(), "what can you do?", nil)
	if err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}
	if !plan.IsConversational() {
		t.Fatalf("expected conversational plan, got %d steps", len(plan.Steps))
	}
	if plan.ConversationalResponse != llm.responses["plan-model"] {
		t.Fatalf("conversational response = %q", plan.ConversationalResponse)
	}
	if plan.EstimatedSteps != 0 {
		t.Fatalf("estimated steps = %d, want 0", plan.EstimatedSteps)
	}
}

func TestCreatePlanSteps(t *testing.T) {
	llm := &stubLLM{responses: map[string]string{
		"plan-model": `{
  "goal": "clean up the downloads folder",
  "steps": [
    {"id": "1", "description": "List the downloads folder", "tool": "list_directory", "parameters": {"path": "downloads"}, "requiresApproval": false},
    {"id": "2", "description": "Delete the old archive", "tool": "delete_file", "parameters": {"path": "downloads/old.zip"}, "requiresApproval": true}
  ]
}`,
	}}
	p := NewPlanner(testConfig(), llm, &fakeCatalog{}, nil)

	plan, err := p.CreatePlan(context.Background(), "clean up downloads", nil)
	if err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}
	if plan.IsConversational() {
		t.Fatalf("expected executable plan, got conversational: %q", plan.ConversationalResponse)
	}
	if len(plan.Steps) != 2 || plan.EstimatedSteps != 2 {
		t.Fatalf("steps = %d, estimated = %d, want 2/2", len(plan.Steps), plan.EstimatedSteps)
	}
	for _, s := range plan.Steps {
		if s.Status != StepPending {
			t.Fatalf("step %s status = %q, want pending", s.ID, s.Status)
		}
	}
	if len(plan.RequiresApproval) != 1 || plan.RequiresApproval[0] != "2" {
		t.Fatalf("requires approval = %v, want [2]", plan.RequiresApproval)
	}
	if !plan.NeedsApproval("2") || plan.NeedsApproval("1") {
		t.Fatalf("approval lookup wrong: %v", plan.RequiresApproval)
	}
}

func TestCreatePlanGatewayFailure(t *testing.T) {
	llm := &stubLLM{err: errors.New("connection refused")}
	p := NewPlanner(testConfig(), llm, &fakeCatalog{}, nil)

	plan, err := p.CreatePlan(context.Background(), "list files", nil)
	if err != nil {
		t.Fatalf("CreatePlan should degrade, not error: %v", err)
	}
	if !plan.IsConversational() {
		t.Fatalf("expected conversational degradation")
	}
	if strings.Contains(plan.ConversationalResponse, "connection refused") {
		t.Fatalf("raw error leaked to the user: %q", plan.ConversationalResponse)
	}
	if plan.ConversationalResponse == "" {
		t.Fatalf("expected a plain failure sentence")
	}
}

func TestCreatePlanEmptyResponse(t *testing.T) {
	llm := &stubLLM{responses: map[string]string{"plan-model": "   \n"}}
	p := NewPlanner(testConfig(), llm, &fakeCatalog{}, nil)

	plan, err := p.CreatePlan(context.Background(), "list files", nil)
	if err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}
	if !plan.IsConversational() || plan.ConversationalResponse == "" {
		t.Fatalf("expected conversational failure sentence, got %+v", plan)
	}
}

func TestCreatePlanAlternateFieldFallback(t *testing.T) {
	llm := &stubLLM{responses: map[string]string{
		"plan-model": `{"response": "I don't need any tools for that, the answer is 4."}`,
	}}
	p := NewPlanner(testConfig(), llm, &fakeCatalog{}, nil)

	plan, err := p.CreatePlan(context.Background(), "what is 2+2?", nil)
	if err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}
	if !plan.IsConversational() {
		t.Fatalf("expected conversational plan")
	}
	want := "I don't need any tools for that, the answer is 4."
	if plan.ConversationalResponse != want {
		t.Fatalf("response = %q, want %q", plan.ConversationalResponse, want)
	}
}

func TestCreatePlanTextBeforeJSONFallback(t *testing.T) {
	llm := &stubLLM{responses: map[string]string{
		"plan-model": "Sure, here is what I found. {\"steps\": []}",
	}}
	p := NewPlanner(testConfig(), llm, &fakeCatalog{}, nil)

	plan, err := p.CreatePlan(context.Background(), "hi", nil)
	if err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}
	if !plan.IsConversational() {
		t.Fatalf("expected conversational plan")
	}
	if plan.ConversationalResponse != "Sure, here is what I found." {
		t.Fatalf("response = %q", plan.ConversationalResponse)
	}
}

func TestCreatePlanRepairsFlaggedModel(t *testing.T) {
	// Truncated response with a fence and an alias tool name. Only a model
	// flagged with the json_repair capability goes through the pipeline.
	malformed := "```json\n{\"goal\": \"show files\", \"steps\": [{\"id\": \"1\", \"description\": \"List the workspace\", \"tool\": \"list_dir\", \"parameters\": {}"
	llm := &stubLLM{
		responses:    map[string]string{"plan-model": malformed},
		repairModels: map[string]bool{"plan-model": true},
	}
	p := NewPlanner(testConfig(), llm, &fakeCatalog{}, nil)

	plan, err := p.CreatePlan(context.Background(), "show files", nil)
	if err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}
	if len(plan.Steps) != 1 {
		t.Fatalf("steps = %d, want 1 (conversational=%q)", len(plan.Steps), plan.ConversationalResponse)
	}
	if plan.Steps[0].Tool != "list_directory" {
		t.Fatalf("tool = %q, want list_directory", plan.Steps[0].Tool)
	}
}

func TestCreatePlanNoRepairForUnflaggedModel(t *testing.T) {
	malformed := `{"goal": "show files", "steps": [{"id": "1", "description": "List", "tool": "list_directory", "parameters": {},}]}`
	llm := &stubLLM{responses: map[string]string{"plan-model": malformed}}
	p := NewPlanner(testConfig(), llm, &fakeCatalog{}, nil)

	plan, err := p.CreatePlan(context.Background(), "show files", nil)
	if err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}
	if !plan.IsConversational() {
		t.Fatalf("unflagged model should not be repaired; got %d steps", len(plan.Steps))
	}
}

func TestPlanningPromptCarriesCatalogAndApprovals(t *testing.T) {
	catalog := &fakeCatalog{
		describe: "- web_fetch: fetch a page\n",
		approval: []string{"delete_file", "execute_command"},
	}
	llm := &stubLLM{responses: map[string]string{"plan-model": "hello"}}
	p := NewPlanner(testConfig(), llm, catalog, nil)

	if _, err := p.CreatePlan(context.Background(), "hi", nil); err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}
	if len(llm.messages) != 1 {
		t.Fatalf("calls = %d, want 1", len(llm.messages))
	}
	system := llm.messages[0][0]
	if system.Role != "system" {
		t.Fatalf("first message role = %q, want system", system.Role)
	}
	if !strings.Contains(system.Content, "web_fetch: fetch a page") {
		t.Fatalf("prompt missing tool catalog")
	}
	if !strings.Contains(system.Content, "delete_file, execute_command") {
		t.Fatalf("prompt missing approval rules")
	}
}

func TestCreatePlanHistoryOrdering(t *testing.T) {
	llm := &stubLLM{responses: map[string]string{"plan-model": "hi"}}
	p := NewPlanner(testConfig(), llm, &fakeCatalog{}, nil)

	history := []Message{
		{Role: "user", Content: "earlier question"},
		{Role: "assistant", Content: "earlier answer"},
	}
	if _, err := p.CreatePlan(context.Background(), "follow-up", history); err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}
	msgs := llm.messages[0]
	if len(msgs) != 4 {
		t.Fatalf("messages = %d, want 4", len(msgs))
	}
	if msgs[1].Content != "earlier question" || msgs[3].Content != "follow-up" {
		t.Fatalf("history not threaded in order: %+v", msgs)
	}
}

func TestNormalizePlanGeneratesMissingIDs(t *testing.T) {
	llm := &stubLLM{responses: map[string]string{
		"plan-model": `{"goal": "g", "steps": [{"description": "List files", "tool": "list_directory"}]}`,
	}}
	p := NewPlanner(testConfig(), llm, &fakeCatalog{}, nil)

	plan, err := p.CreatePlan(context.Background(), "list files", nil)
	if err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}
	if len(plan.Steps) != 1 {
		t.Fatalf("steps = %d, want 1", len(plan.Steps))
	}
	if plan.Steps[0].ID == "" {
		t.Fatalf("step id was not generated")
	}
	if plan.Steps[0].Parameters == nil {
		t.Fatalf("parameters should be initialized, not nil")
	}
}
