package telemetry

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"taskpilot/config"
)

// Telemetry provides monitoring and cost tracking for the agent pipeline.
// Counters are kept in memory for the ops endpoints and mirrored into
// prometheus collectors for scraping.
type Telemetry struct {
	config      config.TelemetryConfig
	logger      *log.Logger
	metrics     *Metrics
	costTracker *CostTracker
	mu          sync.RWMutex
}

// Metrics holds aggregate performance metrics.
type Metrics struct {
	mu sync.RWMutex

	TotalRequests         int64
	SuccessfulRequests    int64
	FailedRequests        int64
	AverageProcessingTime time.Duration

	PlansCompiled int64
	PlannedSteps  int64

	StepExecutions   map[string]int64 // tool -> count
	StepFailures     map[string]int64 // tool -> count
	StepAverageTimes map[string]time.Duration

	SummaryCalls map[string]int64 // model -> count
}

// CostTracker tracks LLM spend per model and in total.
type CostTracker struct {
	mu sync.RWMutex

	ModelCosts  map[string]float64
	TotalCost   float64
	TotalTokens int64
}

var (
	promRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskpilot_requests_total",
		Help: "Processed user requests by outcome.",
	}, []string{"outcome"})
	promSteps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskpilot_steps_total",
		Help: "Executed plan steps by tool and outcome.",
	}, []string{"tool", "outcome"})
	promStepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taskpilot_step_duration_seconds",
		Help:    "Step execution latency by tool.",
		Buckets: prometheus.DefBuckets,
	}, []string{"tool"})
	promPlans = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskpilot_plans_compiled_total",
		Help: "Compiled plans by model.",
	}, []string{"model"})
	promSummaries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskpilot_summaries_total",
		Help: "Model-backed summaries by model.",
	}, []string{"model"})
	promLLMCost = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskpilot_llm_cost_dollars_total",
		Help: "Accumulated LLM cost by model.",
	}, []string{"model"})
)

// NewTelemetry creates a new telemetry instance
func NewTelemetry(cfg config.TelemetryConfig) *Telemetry {
	return &Telemetry{
		config: cfg,
		logger: log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		metrics: &Metrics{
			StepExecutions:   make(map[string]int64),
			StepFailures:     make(map[string]int64),
			StepAverageTimes: make(map[string]time.Duration),
			SummaryCalls:     make(map[string]int64),
		},
		costTracker: &CostTracker{
			ModelCosts: make(map[string]float64),
		},
	}
}

// RecordRequest records one processed user request.
func (t *Telemetry) RecordRequest(success bool, duration time.Duration) {
	if !t.config.Enabled {
		return
	}
	m := t.metrics
	m.mu.Lock()
	m.TotalRequests++
	if success {
		m.SuccessfulRequests++
	} else {
		m.FailedRequests++
	}
	// running average
	n := m.TotalRequests
	m.AverageProcessingTime = time.Duration((int64(m.AverageProcessingTime)*(n-1) + int64(duration)) / n)
	m.mu.Unlock()

	outcome := "success"
	if !success {
		outcome = "failure"
	}
	promRequests.WithLabelValues(outcome).Inc()
}

// RecordPlanCompiled records one planning call and its resulting step count.
func (t *Telemetry) RecordPlanCompiled(model string, steps int, duration time.Duration) {
	if !t.config.Enabled {
		return
	}
	m := t.metrics
	m.mu.Lock()
	m.PlansCompiled++
	m.PlannedSteps += int64(steps)
	m.mu.Unlock()
	promPlans.WithLabelValues(model).Inc()
}

// RecordStep records one executed step.
func (t *Telemetry) RecordStep(tool string, success bool, duration time.Duration) {
	if !t.config.Enabled {
		return
	}
	m := t.metrics
	m.mu.Lock()
	m.StepExecutions[tool]++
	if !success {
		m.StepFailures[tool]++
	}
	n := m.StepExecutions[tool]
	prev := m.StepAverageTimes[tool]
	m.StepAverageTimes[tool] = time.Duration((int64(prev)*(n-1) + int64(duration)) / n)
	m.mu.Unlock()

	outcome := "completed"
	if !success {
		outcome = "failed"
	}
	promSteps.WithLabelValues(tool, outcome).Inc()
	promStepDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordSummary records one model-backed summary call.
func (t *Telemetry) RecordSummary(model string, duration time.Duration) {
	if !t.config.Enabled {
		return
	}
	m := t.metrics
	m.mu.Lock()
	m.SummaryCalls[model]++
	m.mu.Unlock()
	promSummaries.WithLabelValues(model).Inc()
}

// RecordLLMCost accumulates spend for one gateway call.
func (t *Telemetry) RecordLLMCost(model string, tokens int64, cost float64) {
	if !t.config.Enabled || !t.config.CostTracking {
		return
	}
	c := t.costTracker
	c.mu.Lock()
	c.ModelCosts[model] += cost
	c.TotalCost += cost
	c.TotalTokens += tokens
	c.mu.Unlock()
	promLLMCost.WithLabelValues(model).Add(cost)
}

// Snapshot returns a copy of the aggregate metrics for the ops endpoint.
func (t *Telemetry) Snapshot() map[string]interface{} {
	m := t.metrics
	m.mu.RLock()
	steps := make(map[string]int64, len(m.StepExecutions))
	for k, v := range m.StepExecutions {
		steps[k] = v
	}
	failures := make(map[string]int64, len(m.StepFailures))
	for k, v := range m.StepFailures {
		failures[k] = v
	}
	out := map[string]interface{}{
		"total_requests":      m.TotalRequests,
		"successful_requests": m.SuccessfulRequests,
		"failed_requests":     m.FailedRequests,
		"avg_processing_time": m.AverageProcessingTime.String(),
		"plans_compiled":      m.PlansCompiled,
		"planned_steps":       m.PlannedSteps,
		"step_executions":     steps,
		"step_failures":       failures,
	}
	m.mu.RUnlock()

	c := t.costTracker
	c.mu.RLock()
	out["total_cost"] = c.TotalCost
	out["total_tokens"] = c.TotalTokens
	c.mu.RUnlock()
	return out
}

// CostReport renders a one-line spend summary for periodic logging.
func (t *Telemetry) CostReport() string {
	c := t.costTracker
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf("total cost $%.4f across %d tokens", c.TotalCost, c.TotalTokens)
}

// Shutdown flushes any pending telemetry state.
func (t *Telemetry) Shutdown() {
	if t.config.Enabled && t.config.CostTracking {
		t.logger.Printf("%s", t.CostReport())
	}
}
