package core

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"taskpilot/internal/agent/telemetry"
)

// batchSize bounds how many steps run concurrently. Batches execute
// sequentially in plan order; steps inside a batch run concurrently.
const batchSize = 5

var engineTracer trace.Tracer = otel.Tracer("taskpilot/internal/agent/core")

// Engine drives every plan step through its state machine: approval gate,
// tool invocation, terminal status. It is best-effort: a failed or denied
// step never aborts the batch or the plan, and no step is retried.
type Engine struct {
	catalog   ToolCatalog
	reporter  TaskReporter
	telemetry *telemetry.Telemetry
	logger    *log.Logger
}

// NewEngine creates an execution engine. reporter may be nil.
func NewEngine(catalog ToolCatalog, reporter TaskReporter, tele *telemetry.Telemetry) *Engine {
	return &Engine{
		catalog:   catalog,
		reporter:  reporter,
		telemetry: tele,
		logger:    log.New(log.Writer(), "[ENGINE] ", log.LstdFlags),
	}
}

// ExecuteTask runs the plan to completion. A conversational plan returns
// immediately with zero counts and no tool calls. Panics anywhere below are
// converted into a failed TaskResult with a plain sentence; the caller never
// sees a stack.
func (e *Engine) ExecuteTask(ctx context.Context, plan *ExecutionPlan, onProgress ProgressFunc, onApproval ApprovalFunc) (result TaskResult) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Printf("execution panic: %v", r)
			result = TaskResult{
				Success:     false,
				FinalOutput: "Something went wrong while running the plan. No further steps were executed.",
			}
		}
	}()

	if plan.IsConversational() {
		return TaskResult{Success: true, FinalOutput: plan.ConversationalResponse}
	}

	ctx, span := engineTracer.Start(ctx, "agent.execute_task",
		trace.WithAttributes(
			attribute.String("plan.id", plan.ID),
			attribute.Int("plan.steps", len(plan.Steps)),
		))
	defer span.End()

	var completed, failed int64

	for start := 0; start < len(plan.Steps); start += batchSize {
		endIdx := min(start+batchSize, len(plan.Steps))
		batch := plan.Steps[start:endIdx]

		if ctx.Err() != nil {
			// Cancellation is only honored between batches: in-flight steps
			// always run to a terminal state.
			for _, step := range batch {
				step.Status = StepFailed
				step.Error = "canceled before execution"
				atomic.AddInt64(&failed, 1)
				e.fireProgress(onProgress, step, plan.Steps)
			}
			continue
		}

		var wg sync.WaitGroup
		for _, step := range batch {
			wg.Add(1)
			go func(step *AgentStep) {
				defer wg.Done()
				e.runStep(ctx, plan, step, onProgress, onApproval, &completed, &failed)
			}(step)
		}
		wg.Wait()

		e.reportBatch(ctx, plan, endIdx)
	}

	done := int(atomic.LoadInt64(&completed))
	bad := int(atomic.LoadInt64(&failed))
	return TaskResult{
		Success:        bad == 0,
		StepsCompleted: done,
		StepsFailed:    bad,
		FinalOutput:    fmt.Sprintf("Completed %d of %d steps.", done, len(plan.Steps)),
	}
}

// runStep takes one step from pending to a terminal state. Concurrent steps
// in a batch mutate disjoint step structs, so no locking is needed; only the
// aggregate counters are shared.
func (e *Engine) runStep(ctx context.Context, plan *ExecutionPlan, step *AgentStep, onProgress ProgressFunc, onApproval ApprovalFunc, completed, failed *int64) {
	defer func() {
		if r := recover(); r != nil {
			step.Status = StepFailed
			step.Error = fmt.Sprintf("internal error: %v", r)
			atomic.AddInt64(failed, 1)
			e.fireProgress(onProgress, step, plan.Steps)
		}
	}()

	startTime := time.Now()

	if plan.NeedsApproval(step.ID) {
		approved, err := e.awaitApproval(ctx, step, onApproval)
		if err != nil {
			step.Status = StepFailed
			step.Error = err.Error()
			atomic.AddInt64(failed, 1)
			e.fireProgress(onProgress, step, plan.Steps)
			return
		}
		if !approved {
			// A denied approval is a normal terminal state, not an error.
			step.Status = StepFailed
			atomic.AddInt64(failed, 1)
			e.fireProgress(onProgress, step, plan.Steps)
			return
		}
		step.Status = StepApproved
		e.fireProgress(onProgress, step, plan.Steps)
	}

	step.Status = StepExecuting
	e.fireProgress(onProgress, step, plan.Steps)

	result, err := e.catalog.Execute(ctx, step.Tool, step.Parameters)
	switch {
	case err != nil:
		step.Status = StepFailed
		step.Error = err.Error()
		atomic.AddInt64(failed, 1)
	case result != nil && result.Success:
		step.Result = result
		step.Status = StepCompleted
		atomic.AddInt64(completed, 1)
	default:
		step.Result = result
		step.Status = StepFailed
		if result != nil {
			step.Error = result.Error
		}
		atomic.AddInt64(failed, 1)
	}
	e.fireProgress(onProgress, step, plan.Steps)

	if e.telemetry != nil {
		e.telemetry.RecordStep(step.Tool, step.Status == StepCompleted, time.Since(startTime))
	}
}

func (e *Engine) awaitApproval(ctx context.Context, step *AgentStep, onApproval ApprovalFunc) (bool, error) {
	if onApproval == nil {
		return false, fmt.Errorf("step %s requires approval but no approval handler is configured", step.ID)
	}
	return onApproval(ctx, step)
}

func (e *Engine) fireProgress(onProgress ProgressFunc, step *AgentStep, all []*AgentStep) {
	if onProgress != nil {
		onProgress(step, all)
	}
}

// reportBatch pushes a snapshot to the task reporter at a batch boundary.
func (e *Engine) reportBatch(ctx context.Context, plan *ExecutionPlan, terminalCount int) {
	if e.reporter == nil {
		return
	}
	label := "done"
	for _, s := range plan.Steps {
		if !s.Status.Terminal() {
			label = s.Description
			break
		}
	}
	e.reporter.Report(ctx, ProgressUpdate{
		RunID:            plan.ID,
		TotalSteps:       len(plan.Steps),
		CurrentStepLabel: label,
		ProgressPercent:  float64(terminalCount) / float64(len(plan.Steps)) * 100,
		Steps:            snapshotSteps(plan.Steps),
		UpdatedAt:        time.Now(),
	})
}
