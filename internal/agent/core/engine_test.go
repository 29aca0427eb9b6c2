package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

func makePlan(n int, tool string) *ExecutionPlan {
	plan := &ExecutionPlan{ID: uuid.New().String(), Goal: "test", EstimatedSteps: n, CreatedAt: time.Now()}
	for i := 0; i < n; i++ {
		plan.Steps = append(plan.Steps, &AgentStep{
			ID:          fmt.Sprintf("%d", i+1),
			Description: fmt.Sprintf("step %d", i+1),
			Tool:        tool,
			Parameters:  map[string]interface{}{},
			Status:      StepPending,
		})
	}
	return plan
}

func TestExecuteTaskConversational(t *testing.T) {
	catalog := &fakeCatalog{}
	e := NewEngine(catalog, nil, nil)
	plan := &ExecutionPlan{ID: "p", ConversationalResponse: "Just chatting."}

	result := e.ExecuteTask(context.Background(), plan, nil, nil)
	if !result.Success {
		t.Fatalf("conversational run should succeed")
	}
	if result.FinalOutput != "Just chatting." {
		t.Fatalf("final output = %q", result.FinalOutput)
	}
	if result.StepsCompleted != 0 || result.StepsFailed != 0 {
		t.Fatalf("counts = %d/%d, want 0/0", result.StepsCompleted, result.StepsFailed)
	}
	if catalog.executedCount() != 0 {
		t.Fatalf("no tools should run for a conversational plan")
	}
}

func TestExecuteTaskBatchesOfFive(t *testing.T) {
	var current, peak int64
	catalog := &fakeCatalog{
		exec: func(ctx context.Context, name string, params map[string]interface{}) (*ToolResult, error) {
			n := atomic.AddInt64(&current, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt64(&current, -1)
			return &ToolResult{Success: true, Output: "ok"}, nil
		},
	}
	e := NewEngine(catalog, nil, nil)
	plan := makePlan(12, "ok_tool")

	result := e.ExecuteTask(context.Background(), plan, nil, nil)
	if !result.Success || result.StepsCompleted != 12 || result.StepsFailed != 0 {
		t.Fatalf("result = %+v", result)
	}
	if got := atomic.LoadInt64(&peak); got > 5 {
		t.Fatalf("peak concurrency = %d, want <= 5", got)
	}
	if got := atomic.LoadInt64(&peak); got < 2 {
		t.Fatalf("peak concurrency = %d, steps in a batch should overlap", got)
	}
	for _, s := range plan.Steps {
		if s.Status != StepCompleted {
			t.Fatalf("step %s status = %q", s.ID, s.Status)
		}
	}
}

func TestExecuteTaskDeniedApproval(t *testing.T) {
	catalog := &fakeCatalog{}
	e := NewEngine(catalog, nil, nil)
	plan := makePlan(2, "ok_tool")
	plan.RequiresApproval = []string{"2"}

	denyAll := func(ctx context.Context, step *AgentStep) (bool, error) { return false, nil }

	result := e.ExecuteTask(context.Background(), plan, nil, denyAll)
	if result.Success {
		t.Fatalf("a denied step must fail the run")
	}
	if result.StepsCompleted != 1 || result.StepsFailed != 1 {
		t.Fatalf("counts = %d/%d, want 1/1", result.StepsCompleted, result.StepsFailed)
	}
	if plan.Steps[1].Status != StepFailed {
		t.Fatalf("denied step status = %q", plan.Steps[1].Status)
	}
	if plan.Steps[1].Error != "" {
		t.Fatalf("a denial is not an error, got %q", plan.Steps[1].Error)
	}
	if catalog.executedCount() != 1 {
		t.Fatalf("denied step must never reach the tool, executed = %d", catalog.executedCount())
	}
}

func TestExecuteTaskApprovedStepRuns(t *testing.T) {
	catalog := &fakeCatalog{}
	e := NewEngine(catalog, nil, nil)
	plan := makePlan(1, "ok_tool")
	plan.RequiresApproval = []string{"1"}

	var transitions []StepStatus
	var mu sync.Mutex
	onProgress := func(step *AgentStep, all []*AgentStep) {
		mu.Lock()
		transitions = append(transitions, step.Status)
		mu.Unlock()
	}
	approveAll := func(ctx context.Context, step *AgentStep) (bool, error) { return true, nil }

	result := e.ExecuteTask(context.Background(), plan, onProgress, approveAll)
	if !result.Success || result.StepsCompleted != 1 {
		t.Fatalf("result = %+v", result)
	}
	want := []StepStatus{StepApproved, StepExecuting, StepCompleted}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transition %d = %q, want %q", i, transitions[i], want[i])
		}
	}
}

func TestExecuteTaskMissingApprovalHandler(t *testing.T) {
	catalog := &fakeCatalog{}
	e := NewEngine(catalog, nil, nil)
	plan := makePlan(1, "ok_tool")
	plan.RequiresApproval = []string{"1"}

	result := e.ExecuteTask(context.Background(), plan, nil, nil)
	if result.Success || result.StepsFailed != 1 {
		t.Fatalf("result = %+v", result)
	}
	if !strings.Contains(plan.Steps[0].Error, "approval") {
		t.Fatalf("error = %q", plan.Steps[0].Error)
	}
	if catalog.executedCount() != 0 {
		t.Fatalf("gated step ran without approval")
	}
}

func TestExecuteTaskBestEffortFailures(t *testing.T) {
	catalog := &fakeCatalog{
		exec: func(ctx context.Context, name string, params map[string]interface{}) (*ToolResult, error) {
			if name == "bad_tool" {
				return &ToolResult{Success: false, Error: "disk full"}, nil
			}
			return &ToolResult{Success: true, Output: "ok"}, nil
		},
	}
	e := NewEngine(catalog, nil, nil)
	plan := makePlan(3, "ok_tool")
	plan.Steps[1].Tool = "bad_tool"

	result := e.ExecuteTask(context.Background(), plan, nil, nil)
	if result.Success {
		t.Fatalf("run with a failed step must not succeed")
	}
	if result.StepsCompleted != 2 || result.StepsFailed != 1 {
		t.Fatalf("counts = %d/%d, want 2/1", result.StepsCompleted, result.StepsFailed)
	}
	if plan.Steps[1].Status != StepFailed || plan.Steps[1].Error != "disk full" {
		t.Fatalf("failed step = %+v", plan.Steps[1])
	}
	// Steps after the failure still ran.
	if plan.Steps[2].Status != StepCompleted {
		t.Fatalf("step after failure = %q, want completed", plan.Steps[2].Status)
	}
}

func TestExecuteTaskUnknownTool(t *testing.T) {
	catalog := &fakeCatalog{
		exec: func(ctx context.Context, name string, params map[string]interface{}) (*ToolResult, error) {
			return nil, errors.New(`unknown tool "bogus"`)
		},
	}
	e := NewEngine(catalog, nil, nil)
	plan := makePlan(1, "bogus")

	result := e.ExecuteTask(context.Background(), plan, nil, nil)
	if result.Success || result.StepsFailed != 1 {
		t.Fatalf("result = %+v", result)
	}
	if plan.Steps[0].Error == "" {
		t.Fatalf("catalog error should surface on the step")
	}
}

func TestExecuteTaskPanicInTool(t *testing.T) {
	catalog := &fakeCatalog{
		exec: func(ctx context.Context, name string, params map[string]interface{}) (*ToolResult, error) {
			if name == "boom" {
				panic("tool exploded")
			}
			return &ToolResult{Success: true}, nil
		},
	}
	e := NewEngine(catalog, nil, nil)
	plan := makePlan(2, "ok_tool")
	plan.Steps[0].Tool = "boom"

	result := e.ExecuteTask(context.Background(), plan, nil, nil)
	if result.Success {
		t.Fatalf("panicking step must fail the run")
	}
	if result.StepsCompleted != 1 || result.StepsFailed != 1 {
		t.Fatalf("counts = %d/%d, want 1/1", result.StepsCompleted, result.StepsFailed)
	}
	if !strings.Contains(plan.Steps[0].Error, "internal error") {
		t.Fatalf("error = %q", plan.Steps[0].Error)
	}
}

func TestExecuteTaskCancelBetweenBatches(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	catalog := &fakeCatalog{
		exec: func(ctx context.Context, name string, params map[string]interface{}) (*ToolResult, error) {
			cancel()
			return &ToolResult{Success: true}, nil
		},
	}
	e := NewEngine(catalog, nil, nil)
	plan := makePlan(8, "ok_tool")

	result := e.ExecuteTask(ctx, plan, nil, nil)
	// First batch of 5 runs to completion, the remaining 3 never start.
	if result.StepsCompleted != 5 || result.StepsFailed != 3 {
		t.Fatalf("counts = %d/%d, want 5/3", result.StepsCompleted, result.StepsFailed)
	}
	for _, s := range plan.Steps[5:] {
		if s.Status != StepFailed || !strings.Contains(s.Error, "canceled") {
			t.Fatalf("step %s after cancel = %q / %q", s.ID, s.Status, s.Error)
		}
	}
	if catalog.executedCount() != 5 {
		t.Fatalf("executed = %d, want 5", catalog.executedCount())
	}
}

// recordingReporter collects batch snapshots.
type recordingReporter struct {
	mu      sync.Mutex
	updates []ProgressUpdate
}

func (r *recordingReporter) Report(ctx context.Context, update ProgressUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, update)
}

func TestExecuteTaskReportsBatchBoundaries(t *testing.T) {
	reporter := &recordingReporter{}
	e := NewEngine(&fakeCatalog{}, reporter, nil)
	plan := makePlan(7, "ok_tool")

	result := e.ExecuteTask(context.Background(), plan, nil, nil)
	if !result.Success {
		t.Fatalf("result = %+v", result)
	}
	if len(reporter.updates) != 2 {
		t.Fatalf("batch reports = %d, want 2", len(reporter.updates))
	}
	first, last := reporter.updates[0], reporter.updates[1]
	if first.TotalSteps != 7 || first.ProgressPercent <= 0 {
		t.Fatalf("first update = %+v", first)
	}
	if last.ProgressPercent != 100 {
		t.Fatalf("final progress = %v, want 100", last.ProgressPercent)
	}
	if last.CurrentStepLabel != "done" {
		t.Fatalf("final label = %q", last.CurrentStepLabel)
	}
	if len(last.Steps) != 7 {
		t.Fatalf("snapshot steps = %d, want 7", len(last.Steps))
	}
}
