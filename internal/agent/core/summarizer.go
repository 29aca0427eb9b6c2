package core

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"taskpilot/config"
	"taskpilot/internal/agent/telemetry"
)

// summaryModelThreshold is the completed-step count at which narrating the
// run is worth a model call. Below it (with zero failures) a template is
// used instead. This is a hard contract, not a tuning knob: callers rely on
// no model traffic occurring under the threshold.
const summaryModelThreshold = 3

// Summarizer turns an executed plan into a user-facing report, either via a
// cheap template or a second model call.
type Summarizer struct {
	config    *config.Config
	llm       LLMProvider
	telemetry *telemetry.Telemetry
	logger    *log.Logger
}

// NewSummarizer creates a summarizer instance.
func NewSummarizer(cfg *config.Config, llm LLMProvider, tele *telemetry.Telemetry) *Summarizer {
	return &Summarizer{
		config:    cfg,
		llm:       llm,
		telemetry: tele,
		logger:    log.New(log.Writer(), "[SUMMARY] ", log.LstdFlags),
	}
}

// Summarize produces the final natural-language report for a run.
func (s *Summarizer) Summarize(ctx context.Context, request string, steps []*AgentStep) string {
	var completed, failed []*AgentStep
	for _, step := range steps {
		switch step.Status {
		case StepCompleted:
			completed = append(completed, step)
		case StepFailed:
			failed = append(failed, step)
		}
	}

	if len(completed) < summaryModelThreshold && len(failed) == 0 {
		return s.templateSummary(completed)
	}
	return s.modelSummary(ctx, request, steps, len(completed), len(failed))
}

// templateSummary joins the completed step descriptions; no model call.
func (s *Summarizer) templateSummary(completed []*AgentStep) string {
	if len(completed) == 0 {
		return "Nothing was executed."
	}
	parts := make([]string, len(completed))
	for i, step := range completed {
		parts[i] = step.Description
	}
	return strings.Join(parts, ". ")
}

// modelSummary issues one narration call. The transcript carries only step
// descriptions and success flags, never raw tool output, so file contents
// can't leak into the narrative. A gateway failure falls back to the
// template.
func (s *Summarizer) modelSummary(ctx context.Context, request string, steps []*AgentStep, completed, failed int) string {
	startTime := time.Now()

	var transcript strings.Builder
	for _, step := range steps {
		flag := "ok"
		if step.Status == StepFailed {
			flag = "failed"
		}
		fmt.Fprintf(&transcript, "- %s: %s\n", step.Description, flag)
	}

	prompt := fmt.Sprintf(`The user asked: %q

These steps were executed:
%s
Write 2-3 friendly sentences telling the user what was done and whether anything failed. Use everyday language only; no technical vocabulary, no tool names, no JSON.`, request, transcript.String())

	model := s.config.LLM.Routing.Summary
	if model == "" {
		model = s.config.LLM.Routing.Fallback
	}
	if model == "" {
		model = s.config.LLM.Routing.Planning
	}

	content, inTokens, outTokens, err := s.llm.GenerateWithTokens(ctx, prompt, model, nil)
	if err != nil || strings.TrimSpace(content) == "" {
		if err != nil {
			s.logger.Printf("summary call failed, using template: %v", err)
		}
		var done []*AgentStep
		for _, step := range steps {
			if step.Status == StepCompleted {
				done = append(done, step)
			}
		}
		text := s.templateSummary(done)
		if failed > 0 {
			text = fmt.Sprintf("%s %d step(s) failed.", text, failed)
		}
		return text
	}

	if s.telemetry != nil {
		s.telemetry.RecordSummary(model, time.Since(startTime))
		s.telemetry.RecordLLMCost(model, inTokens+outTokens, s.llm.CalculateCost(inTokens, outTokens, model))
	}
	return strings.TrimSpace(content)
}
