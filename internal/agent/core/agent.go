package core

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"taskpilot/config"
	"taskpilot/internal/agent/telemetry"
)

var agentTracer trace.Tracer = otel.Tracer("taskpilot/internal/agent")

// Agent wires the planner, engine and summarizer into the full pipeline:
// request -> plan -> gated execution -> report. All collaborators are
// constructor-injected so the pipeline is testable without global state.
type Agent struct {
	config     *config.Config
	logger     *log.Logger
	telemetry  *telemetry.Telemetry
	planner    *Planner
	engine     *Engine
	summarizer *Summarizer
	reporter   TaskReporter

	processing map[string]*ProcessingStatus
	mu         sync.RWMutex

	semaphore chan struct{}
}

// RunOutcome bundles the compiled plan with its execution result.
type RunOutcome struct {
	RequestID      string
	Plan           *ExecutionPlan
	Result         TaskResult
	ProcessingTime time.Duration
}

// NewAgent creates the pipeline. reporter may be nil.
func NewAgent(cfg *config.Config, llm LLMProvider, catalog ToolCatalog, reporter TaskReporter, tele *telemetry.Telemetry) *Agent {
	maxRuns := cfg.General.MaxConcurrentRuns
	if maxRuns <= 0 {
		maxRuns = 4
	}
	return &Agent{
		config:     cfg,
		logger:     log.New(log.Writer(), "[AGENT] ", log.LstdFlags),
		telemetry:  tele,
		planner:    NewPlanner(cfg, llm, catalog, tele),
		engine:     NewEngine(catalog, reporter, tele),
		summarizer: NewSummarizer(cfg, llm, tele),
		reporter:   reporter,
		processing: make(map[string]*ProcessingStatus),
		semaphore:  make(chan struct{}, maxRuns),
	}
}

// ProcessRequest runs one user request end to end. The returned outcome's
// FinalOutput is always a conversational sentence or summary; raw errors and
// JSON never surface here.
func (a *Agent) ProcessRequest(ctx context.Context, requestID, request string, history []Message, onProgress ProgressFunc, onApproval ApprovalFunc) (RunOutcome, error) {
	startTime := time.Now()
	if requestID == "" {
		requestID = uuid.New().String()
	}

	ctx, span := agentTracer.Start(ctx, "agent.process_request",
		trace.WithAttributes(attribute.String("request.id", requestID)))
	defer span.End()

	status := &ProcessingStatus{
		RequestID:   requestID,
		Status:      "pending",
		CreatedAt:   time.Now(),
		LastUpdated: time.Now(),
	}
	a.mu.Lock()
	a.processing[requestID] = status
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.processing, requestID)
		a.mu.Unlock()
	}()

	select {
	case a.semaphore <- struct{}{}:
		defer func() { <-a.semaphore }()
	case <-ctx.Done():
		return RunOutcome{RequestID: requestID}, ctx.Err()
	}

	a.setStatus(requestID, func(s *ProcessingStatus) { s.Status = "planning" })
	plan, err := a.planner.CreatePlan(ctx, request, history)
	if err != nil {
		// CreatePlan degrades internally; an error here is unexpected.
		a.setStatus(requestID, func(s *ProcessingStatus) { s.Status = "failed"; s.Error = err.Error() })
		return RunOutcome{RequestID: requestID}, fmt.Errorf("create plan: %w", err)
	}

	// Progress snapshots and stored runs are keyed by the request id.
	plan.ID = requestID

	a.reportPlanCreated(ctx, plan)
	a.setStatus(requestID, func(s *ProcessingStatus) {
		s.Status = "executing"
		s.TotalSteps = len(plan.Steps)
	})

	result := a.engine.ExecuteTask(ctx, plan, a.trackProgress(requestID, onProgress), onApproval)

	if !plan.IsConversational() {
		a.setStatus(requestID, func(s *ProcessingStatus) { s.Status = "summarizing" })
		result.FinalOutput = a.summarizer.Summarize(ctx, request, plan.Steps)
	}

	processingTime := time.Since(startTime)
	a.setStatus(requestID, func(s *ProcessingStatus) {
		s.Status = "completed"
		s.Progress = 1.0
	})
	if a.telemetry != nil {
		a.telemetry.RecordRequest(result.Success, processingTime)
	}
	a.logger.Printf("request %s done in %v: %d completed, %d failed", requestID, processingTime, result.StepsCompleted, result.StepsFailed)

	return RunOutcome{
		RequestID:      requestID,
		Plan:           plan,
		Result:         result,
		ProcessingTime: processingTime,
	}, nil
}

// GetStatus returns the current status of a request being processed.
func (a *Agent) GetStatus(requestID string) (ProcessingStatus, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.processing[requestID]
	if !ok {
		return ProcessingStatus{}, false
	}
	return *s, true
}

func (a *Agent) setStatus(requestID string, mutate func(*ProcessingStatus)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.processing[requestID]; ok {
		mutate(s)
		s.LastUpdated = time.Now()
	}
}

// trackProgress merges internal status bookkeeping with the caller's
// progress callback. Step goroutines call this concurrently; the shared
// status record is guarded by the agent mutex.
func (a *Agent) trackProgress(requestID string, onProgress ProgressFunc) ProgressFunc {
	return func(step *AgentStep, all []*AgentStep) {
		terminal := 0
		for _, s := range all {
			if s.Status.Terminal() {
				terminal++
			}
		}
		a.setStatus(requestID, func(s *ProcessingStatus) {
			s.CompletedSteps = terminal
			s.CurrentStep = step.Description
			if len(all) > 0 {
				s.Progress = float64(terminal) / float64(len(all))
			}
		})
		if onProgress != nil {
			onProgress(step, all)
		}
	}
}

// reportPlanCreated pushes the initial snapshot before the first batch runs.
func (a *Agent) reportPlanCreated(ctx context.Context, plan *ExecutionPlan) {
	if a.reporter == nil || plan.IsConversational() {
		return
	}
	label := ""
	if len(plan.Steps) > 0 {
		label = plan.Steps[0].Description
	}
	a.reporter.Report(ctx, ProgressUpdate{
		RunID:            plan.ID,
		TotalSteps:       len(plan.Steps),
		CurrentStepLabel: label,
		ProgressPercent:  0,
		Steps:            snapshotSteps(plan.Steps),
		UpdatedAt:        time.Now(),
	})
}
