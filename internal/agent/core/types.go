package core

import (
	"context"
	"time"
)

// StepStatus tracks an AgentStep through its lifecycle. Transitions are
// monotonic: a step never re-enters pending once it has left it.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepApproved  StepStatus = "approved"
	StepExecuting StepStatus = "executing"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// Terminal reports whether a status is an end state.
func (s StepStatus) Terminal() bool {
	return s == StepCompleted || s == StepFailed
}

// ToolResult is produced exactly once per step by the tool catalog and is
// immutable once attached to a step.
type ToolResult struct {
	Success bool        `json:"success"`
	Output  string      `json:"output"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// AgentStep is one tool invocation tracked through the status state machine.
// It is owned by the ExecutionPlan that created it and mutated only by the
// execution engine.
type AgentStep struct {
	ID          string                 `json:"id"`
	Description string                 `json:"description"`
	Tool        string                 `json:"tool"`
	Parameters  map[string]interface{} `json:"parameters"`
	Status      StepStatus             `json:"status"`
	Result      *ToolResult            `json:"result,omitempty"`
	Error       string                 `json:"error,omitempty"`
	DependsOn   []string               `json:"depends_on,omitempty"`
	CanParallel bool                   `json:"can_parallel,omitempty"`
}

// ExecutionPlan is the structured output of the plan compiler: a goal plus
// an ordered list of steps, or a conversational fallback. Invariant:
// ConversationalResponse is set iff Steps is empty.
type ExecutionPlan struct {
	ID                     string       `json:"id"`
	Goal                   string       `json:"goal"`
	Steps                  []*AgentStep `json:"steps"`
	EstimatedSteps         int          `json:"estimated_steps"`
	RequiresApproval       []string     `json:"requires_approval,omitempty"`
	ConversationalResponse string       `json:"conversational_response,omitempty"`
	CreatedAt              time.Time    `json:"created_at"`
}

// IsConversational reports whether the plan is a chat-only answer.
func (p *ExecutionPlan) IsConversational() bool {
	return len(p.Steps) == 0
}

// NeedsApproval reports whether the given step id is gated.
func (p *ExecutionPlan) NeedsApproval(stepID string) bool {
	for _, id := range p.RequiresApproval {
		if id == stepID {
			return true
		}
	}
	return false
}

// TaskResult is the aggregate outcome of executing one plan.
type TaskResult struct {
	Success        bool   `json:"success"`
	StepsCompleted int    `json:"steps_completed"`
	StepsFailed    int    `json:"steps_failed"`
	FinalOutput    string `json:"final_output"`
}

// Message is one turn of an LLM conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// LLMProvider is the language model gateway. Complete streams tokens through
// onToken (which may be nil); the returned content always reflects the full
// response regardless of token granularity.
type LLMProvider interface {
	Complete(ctx context.Context, messages []Message, model string, onToken func(string)) (string, error)

	// GenerateWithTokens generates from a single prompt and returns token usage.
	GenerateWithTokens(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, int64, int64, error)

	// GetAvailableModels returns the configured model keys.
	GetAvailableModels() []string

	// GetModelInfo returns information about a specific model.
	GetModelInfo(model string) (ModelInfo, error)

	// CalculateCost calculates the cost for a given number of tokens.
	CalculateCost(inputTokens, outputTokens int64, model string) float64
}

// ModelInfo contains information about an LLM model
type ModelInfo struct {
	Name            string   `json:"name"`
	Provider        string   `json:"provider"`
	MaxTokens       int      `json:"max_tokens"`
	CostPer1KInput  float64  `json:"cost_per_1k_input"`
	CostPer1KOutput float64  `json:"cost_per_1k_output"`
	Capabilities    []string `json:"capabilities"`
	Description     string   `json:"description"`
}

// NeedsJSONRepair reports whether the model is flagged as emitting malformed
// plan JSON ("json_repair" capability).
func (m ModelInfo) NeedsJSONRepair() bool {
	for _, c := range m.Capabilities {
		if c == "json_repair" {
			return true
		}
	}
	return false
}

// ToolCatalog maps tool names to executable actions. Names containing a "/"
// are routed to a namespaced external-tool bridge by the implementation.
type ToolCatalog interface {
	// Execute runs a tool and returns its result. A tool-level failure is
	// reported through ToolResult.Success, not through the error.
	Execute(ctx context.Context, name string, params map[string]interface{}) (*ToolResult, error)

	// DescribeForPrompt renders the catalog for prompt injection.
	DescribeForPrompt() string

	// ApprovalRequired returns tool names that always need human approval.
	ApprovalRequired() []string

	// Names returns the canonical tool names.
	Names() []string
}

// ApprovalFunc is the caller-supplied approval gate. It is awaited exactly
// once per gated step and may block indefinitely.
type ApprovalFunc func(ctx context.Context, step *AgentStep) (bool, error)

// ProgressFunc receives every step transition. It must not panic; it is
// invoked synchronously from executing goroutines.
type ProgressFunc func(step *AgentStep, all []*AgentStep)

// ProgressUpdate is the snapshot handed to a TaskReporter at plan creation
// and at every batch boundary.
type ProgressUpdate struct {
	RunID            string      `json:"run_id"`
	TotalSteps       int         `json:"total_steps"`
	CurrentStepLabel string      `json:"current_step_label"`
	ProgressPercent  float64     `json:"progress_percent"`
	Steps            []AgentStep `json:"steps"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// TaskReporter receives progress snapshots for external persistence or UI.
// Implementations must not block the engine for long.
type TaskReporter interface {
	Report(ctx context.Context, update ProgressUpdate)
}

// ProcessingStatus represents the externally visible state of one request.
type ProcessingStatus struct {
	RequestID      string    `json:"request_id"`
	Status         string    `json:"status"`   // pending, planning, executing, summarizing, completed, failed
	Progress       float64   `json:"progress"` // 0.0 to 1.0
	CurrentStep    string    `json:"current_step,omitempty"`
	CompletedSteps int       `json:"completed_steps"`
	TotalSteps     int       `json:"total_steps"`
	Error          string    `json:"error,omitempty"`
	LastUpdated    time.Time `json:"last_updated"`
	CreatedAt      time.Time `json:"created_at"`
}

// snapshotSteps copies step values for observers so they never alias the
// engine-owned structs.
func snapshotSteps(steps []*AgentStep) []AgentStep {
	out := make([]AgentStep, 0, len(steps))
	for _, s := range steps {
		out = append(out, *s)
	}
	return out
}
