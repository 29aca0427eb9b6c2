package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"taskpilot/config"
	"taskpilot/internal/agent/telemetry"
)

// Planner compiles a free-form user request into an ExecutionPlan through a
// single call to the language model gateway. The model answers either with
// free text (a conversational turn) or with one JSON object describing the
// plan; the planner classifies, repairs and normalizes that answer.
type Planner struct {
	config    *config.Config
	llm       LLMProvider
	catalog   ToolCatalog
	telemetry *telemetry.Telemetry
	repairer  *Repairer
	logger    *log.Logger
}

// NewPlanner creates a new planner instance.
func NewPlanner(cfg *config.Config, llm LLMProvider, catalog ToolCatalog, tele *telemetry.Telemetry) *Planner {
	return &Planner{
		config:    cfg,
		llm:       llm,
		catalog:   catalog,
		telemetry: tele,
		repairer:  NewRepairer(DefaultToolAliases()),
		logger:    log.New(log.Writer(), "[PLANNER] ", log.LstdFlags),
	}
}

// CreatePlan issues one planning call and returns a normalized plan. A
// gateway failure or empty response degrades to a conversational plan with a
// plain failure sentence; the caller never sees a raw error or stack.
func (p *Planner) CreatePlan(ctx context.Context, request string, history []Message) (*ExecutionPlan, error) {
	startTime := time.Now()
	model := p.config.LLM.Routing.Planning

	messages := make([]Message, 0, len(history)+2)
	messages = append(messages, Message{Role: "system", Content: p.createPlanningPrompt()})
	messages = append(messages, history...)
	messages = append(messages, Message{Role: "user", Content: request})

	content, err := p.llm.Complete(ctx, messages, model, nil)
	if err != nil || strings.TrimSpace(content) == "" {
		if err != nil {
			p.logger.Printf("planning call failed: %v", err)
		}
		return p.conversationalPlan(request, "I couldn't reach the model to plan this request. Please try again."), nil
	}

	plan := p.compile(request, content, model)
	if p.telemetry != nil {
		p.telemetry.RecordPlanCompiled(model, len(plan.Steps), time.Since(startTime))
	}
	p.logger.Printf("planning completed in %v with %d steps", time.Since(startTime), len(plan.Steps))
	return plan, nil
}

// createPlanningPrompt renders the system prompt: the tool catalog, the
// approval rules and the decision rule for plan-vs-conversation output.
func (p *Planner) createPlanningPrompt() string {
	approval := p.catalog.ApprovalRequired()
	approvalBlock := "none"
	if len(approval) > 0 {
		approvalBlock = strings.Join(approval, ", ")
	}

	return fmt.Sprintf(`You are taskpilot, an on-device assistant that turns user requests into tool invocations.

AVAILABLE TOOLS:
%s

TOOLS THAT ALWAYS REQUIRE USER APPROVAL: %s
Mark such steps with "requiresApproval": true.

DECISION RULE:
- If the request is a question, greeting or anything that needs no tools, answer in plain text. Do not emit JSON.
- If the request needs tools, answer with exactly one JSON object and nothing else:

{
  "goal": "short restatement of what the user wants",
  "steps": [
    {
      "id": "1",
      "description": "what this step does, in user terms",
      "tool": "tool_name",
      "parameters": {},
      "requiresApproval": false
    }
  ]
}

Use only tool names from the catalog above. Keep steps minimal and ordered; a step that depends on another must come after it.`, p.catalog.DescribeForPrompt(), approvalBlock)
}

// rawStep mirrors the step shape the model is instructed to emit.
type rawStep struct {
	ID               string                 `json:"id"`
	Description      string                 `json:"description"`
	Tool             string                 `json:"tool"`
	Parameters       map[string]interface{} `json:"parameters"`
	RequiresApproval bool                   `json:"requiresApproval"`
	DependsOn        []string               `json:"dependsOn"`
}

type rawPlan struct {
	Goal  string    `json:"goal"`
	Steps []rawStep `json:"steps"`
}

// compile classifies the model response as plan or conversation and
// normalizes the result.
func (p *Planner) compile(request, response, model string) *ExecutionPlan {
	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start == -1 || end == -1 || end < start {
		return p.conversationalPlan(request, strings.TrimSpace(response))
	}

	jsonStr := response[start : end+1]
	if p.modelNeedsRepair(model) {
		jsonStr = p.repairer.Repair(jsonStr)
	}

	var raw rawPlan
	parseErr := json.Unmarshal([]byte(jsonStr), &raw)
	if parseErr != nil || len(raw.Steps) == 0 {
		if parseErr != nil {
			p.logger.Printf("plan JSON unparseable after repair: %v", parseErr)
		}
		return p.conversationalPlan(request, p.fallbackResponse(response, start, end, jsonStr))
	}

	return p.normalizePlan(request, raw)
}

// fallbackResponse picks the best conversational text when the JSON span is
// unusable: text before the span, text after it, a known alternate field
// inside the parsed object, or the full raw text as last resort.
func (p *Planner) fallbackResponse(response string, start, end int, jsonStr string) string {
	if before := strings.TrimSpace(response[:start]); before != "" {
		return before
	}
	if after := strings.TrimSpace(response[end+1:]); after != "" {
		return after
	}
	var generic map[string]interface{}
	if err := json.Unmarshal([]byte(jsonStr), &generic); err == nil {
		for _, key := range []string{"response", "message", "text", "content", "answer"} {
			if v, ok := generic[key].(string); ok && strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v)
			}
		}
	}
	return strings.TrimSpace(response)
}

// normalizePlan stamps every step pending, generates missing ids and
// collects the approval list from the per-step flags.
func (p *Planner) normalizePlan(request string, raw rawPlan) *ExecutionPlan {
	plan := &ExecutionPlan{
		ID:             uuid.New().String(),
		Goal:           raw.Goal,
		EstimatedSteps: len(raw.Steps),
		CreatedAt:      time.Now(),
	}
	if plan.Goal == "" {
		plan.Goal = request
	}
	for _, rs := range raw.Steps {
		step := &AgentStep{
			ID:          rs.ID,
			Description: rs.Description,
			Tool:        rs.Tool,
			Parameters:  rs.Parameters,
			Status:      StepPending,
			DependsOn:   rs.DependsOn,
		}
		if step.ID == "" {
			step.ID = uuid.New().String()
		}
		if step.Parameters == nil {
			step.Parameters = map[string]interface{}{}
		}
		plan.Steps = append(plan.Steps, step)
		if rs.RequiresApproval {
			plan.RequiresApproval = append(plan.RequiresApproval, step.ID)
		}
	}
	return plan
}

func (p *Planner) conversationalPlan(request, text string) *ExecutionPlan {
	return &ExecutionPlan{
		ID:                     uuid.New().String(),
		Goal:                   request,
		ConversationalResponse: text,
		CreatedAt:              time.Now(),
	}
}

func (p *Planner) modelNeedsRepair(model string) bool {
	info, err := p.llm.GetModelInfo(model)
	if err != nil {
		return false
	}
	return info.NeedsJSONRepair()
}
