package core

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"taskpilot/config"
)

// NewLLMProvider creates the language model gateway from configuration.
// With several providers configured the gateway routes each model key to
// the provider that declares it.
func NewLLMProvider(cfg config.LLMConfig) (LLMProvider, error) {
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("no LLM providers configured")
	}

	providers := make(map[string]LLMProvider) // model key -> provider
	var any LLMProvider
	for name, pc := range cfg.Providers {
		var p LLMProvider
		switch pc.Type {
		case "openai":
			p = NewOpenAIProvider(pc)
		case "anthropic":
			p = NewAnthropicProvider(pc)
		default:
			return nil, fmt.Errorf("unsupported LLM provider type %q for %s", pc.Type, name)
		}
		any = p
		for model := range pc.Models {
			providers[model] = p
		}
	}
	if len(cfg.Providers) == 1 {
		return any, nil
	}
	return &routingProvider{byModel: providers}, nil
}

// routingProvider dispatches each call to the provider owning the model key.
type routingProvider struct {
	byModel map[string]LLMProvider
}

func (r *routingProvider) pick(model string) (LLMProvider, error) {
	p, ok := r.byModel[model]
	if !ok {
		return nil, fmt.Errorf("model %s not configured", model)
	}
	return p, nil
}

func (r *routingProvider) Complete(ctx context.Context, messages []Message, model string, onToken func(string)) (string, error) {
	p, err := r.pick(model)
	if err != nil {
		return "", err
	}
	return p.Complete(ctx, messages, model, onToken)
}

func (r *routingProvider) GenerateWithTokens(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, int64, int64, error) {
	p, err := r.pick(model)
	if err != nil {
		return "", 0, 0, err
	}
	return p.GenerateWithTokens(ctx, prompt, model, options)
}

func (r *routingProvider) GetAvailableModels() []string {
	var models []string
	for name := range r.byModel {
		models = append(models, name)
	}
	return models
}

func (r *routingProvider) GetModelInfo(model string) (ModelInfo, error) {
	p, err := r.pick(model)
	if err != nil {
		return ModelInfo{}, err
	}
	return p.GetModelInfo(model)
}

func (r *routingProvider) CalculateCost(inputTokens, outputTokens int64, model string) float64 {
	p, err := r.pick(model)
	if err != nil {
		return 0.0
	}
	return p.CalculateCost(inputTokens, outputTokens, model)
}

// OpenAIProvider implements LLMProvider over the OpenAI chat completions API.
type OpenAIProvider struct {
	config    config.LLMProvider
	models    map[string]ModelInfo
	rawModels map[string]config.LLMModel
	client    *http.Client
}

// NewOpenAIProvider creates a new OpenAI provider
func NewOpenAIProvider(cfg config.LLMProvider) *OpenAIProvider {
	provider := &OpenAIProvider{
		config:    cfg,
		models:    make(map[string]ModelInfo),
		rawModels: cfg.Models,
		client:    &http.Client{Timeout: cfg.Timeout},
	}
	for key, model := range cfg.Models {
		provider.models[key] = ModelInfo{
			Name:            model.Name,
			Provider:        "openai",
			MaxTokens:       model.MaxTokens,
			CostPer1KInput:  model.CostPer1K,
			CostPer1KOutput: model.CostPer1KOutput,
			Capabilities:    model.Capabilities,
			Description:     fmt.Sprintf("OpenAI %s model", model.Name),
		}
	}
	return provider
}

type openAIChatMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatReq struct {
	Model       string          `json:"model"`
	Messages    []openAIChatMsg `json:"messages"`
	Temperature float64         `json:"temperature,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

func (p *OpenAIProvider) resolve(model string) (config.LLMModel, string, error) {
	apiKey := p.config.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return config.LLMModel{}, "", fmt.Errorf("OpenAI API key not configured")
	}
	m, ok := p.rawModels[model]
	if !ok {
		return config.LLMModel{}, "", fmt.Errorf("model %s not configured", model)
	}
	return m, apiKey, nil
}

func (p *OpenAIProvider) baseURL() string {
	if p.config.BaseURL != "" {
		return p.config.BaseURL
	}
	return "https://api.openai.com/v1"
}

// Complete sends a chat conversation and streams tokens through onToken.
// The returned string always carries the full content; token granularity is
// an optimization, not a correctness concern.
func (p *OpenAIProvider) Complete(ctx context.Context, messages []Message, model string, onToken func(string)) (string, error) {
	m, apiKey, err := p.resolve(model)
	if err != nil {
		return "", err
	}
	apiModel := m.APIName
	if apiModel == "" {
		apiModel = m.Name
	}

	msgs := make([]openAIChatMsg, len(messages))
	for i, msg := range messages {
		msgs[i] = openAIChatMsg{Role: msg.Role, Content: msg.Content}
	}
	body, err := json.Marshal(openAIChatReq{
		Model:       apiModel,
		Messages:    msgs,
		Temperature: m.Temperature,
		MaxTokens:   m.MaxTokens,
		Stream:      onToken != nil,
	})
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.baseURL()+"/chat/completions", bytes.NewBuffer(body))
	if err != nil {
		return "", fmt.Errorf("request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("OpenAI status %d", resp.StatusCode)
	}

	if onToken == nil {
		var out struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", fmt.Errorf("decode: %w", err)
		}
		if len(out.Choices) == 0 {
			return "", fmt.Errorf("no choices")
		}
		return out.Choices[0].Message.Content, nil
	}

	// SSE stream: one "data: {...}" line per chunk, terminated by [DONE].
	var full strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			break
		}
		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			full.WriteString(chunk.Choices[0].Delta.Content)
			onToken(chunk.Choices[0].Delta.Content)
		}
	}
	if err := scanner.Err(); err != nil {
		return full.String(), fmt.Errorf("stream: %w", err)
	}
	return full.String(), nil
}

// GenerateWithTokens generates from a single prompt and returns token usage.
func (p *OpenAIProvider) GenerateWithTokens(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, int64, int64, error) {
	m, apiKey, err := p.resolve(model)
	if err != nil {
		return "", 0, 0, err
	}
	apiModel := m.APIName
	if apiModel == "" {
		apiModel = m.Name
	}

	temperature := m.Temperature
	if t, ok := options["temperature"].(float64); ok {
		temperature = t
	}
	maxTokens := m.MaxTokens
	if mt, ok := options["max_tokens"].(int); ok {
		maxTokens = mt
	}

	body, err := json.Marshal(openAIChatReq{
		Model:       apiModel,
		Messages:    []openAIChatMsg{{Role: "user", Content: prompt}},
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", 0, 0, fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.baseURL()+"/chat/completions", bytes.NewBuffer(body))
	if err != nil {
		return "", 0, 0, fmt.Errorf("request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", 0, 0, fmt.Errorf("do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", 0, 0, fmt.Errorf("OpenAI status %d", resp.StatusCode)
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", 0, 0, fmt.Errorf("decode: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", 0, 0, fmt.Errorf("no choices")
	}
	return out.Choices[0].Message.Content, int64(out.Usage.PromptTokens), int64(out.Usage.CompletionTokens), nil
}

// GetAvailableModels returns available models
func (p *OpenAIProvider) GetAvailableModels() []string {
	var models []string
	for name := range p.models {
		models = append(models, name)
	}
	return models
}

// GetModelInfo returns information about a specific model
func (p *OpenAIProvider) GetModelInfo(model string) (ModelInfo, error) {
	info, exists := p.models[model]
	if !exists {
		return ModelInfo{}, fmt.Errorf("model not found: %s", model)
	}
	return info, nil
}

// CalculateCost calculates the cost for a given number of tokens
func (p *OpenAIProvider) CalculateCost(inputTokens, outputTokens int64, model string) float64 {
	info, err := p.GetModelInfo(model)
	if err != nil {
		return 0.0
	}
	inputCost := float64(inputTokens) / 1000.0 * info.CostPer1KInput
	outputCost := float64(outputTokens) / 1000.0 * info.CostPer1KOutput
	return inputCost + outputCost
}

// AnthropicProvider implements LLMProvider over the Anthropic messages API.
type AnthropicProvider struct {
	config    config.LLMProvider
	models    map[string]ModelInfo
	rawModels map[string]config.LLMModel
	client    *http.Client
}

// NewAnthropicProvider creates a new Anthropic provider
func NewAnthropicProvider(cfg config.LLMProvider) *AnthropicProvider {
	provider := &AnthropicProvider{
		config:    cfg,
		models:    make(map[string]ModelInfo),
		rawModels: cfg.Models,
		client:    &http.Client{Timeout: cfg.Timeout},
	}
	for name, model := range cfg.Models {
		provider.models[name] = ModelInfo{
			Name:            model.Name,
			Provider:        "anthropic",
			MaxTokens:       model.MaxTokens,
			CostPer1KInput:  model.CostPer1K,
			CostPer1KOutput: model.CostPer1KOutput,
			Capabilities:    model.Capabilities,
			Description:     fmt.Sprintf("Anthropic %s model", name),
		}
	}
	return provider
}

func (p *AnthropicProvider) resolve(model string) (config.LLMModel, string, error) {
	apiKey := p.config.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return config.LLMModel{}, "", fmt.Errorf("Anthropic API key not configured")
	}
	m, ok := p.rawModels[model]
	if !ok {
		return config.LLMModel{}, "", fmt.Errorf("model %s not configured", model)
	}
	return m, apiKey, nil
}

func (p *AnthropicProvider) baseURL() string {
	if p.config.BaseURL != "" {
		return p.config.BaseURL
	}
	return "https://api.anthropic.com/v1"
}

type anthropicReq struct {
	Model     string          `json:"model"`
	System    string          `json:"system,omitempty"`
	Messages  []openAIChatMsg `json:"messages"`
	MaxTokens int             `json:"max_tokens"`
	Stream    bool            `json:"stream,omitempty"`
}

// Complete sends a conversation to the messages API. System-role turns are
// folded into the dedicated system field Anthropic expects.
func (p *AnthropicProvider) Complete(ctx context.Context, messages []Message, model string, onToken func(string)) (string, error) {
	m, apiKey, err := p.resolve(model)
	if err != nil {
		return "", err
	}
	apiModel := m.APIName
	if apiModel == "" {
		apiModel = m.Name
	}
	maxTokens := m.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	var system string
	var msgs []openAIChatMsg
	for _, msg := range messages {
		if msg.Role == "system" {
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content
			continue
		}
		msgs = append(msgs, openAIChatMsg{Role: msg.Role, Content: msg.Content})
	}

	body, err := json.Marshal(anthropicReq{
		Model:     apiModel,
		System:    system,
		Messages:  msgs,
		MaxTokens: maxTokens,
		Stream:    onToken != nil,
	})
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.baseURL()+"/messages", bytes.NewBuffer(body))
	if err != nil {
		return "", fmt.Errorf("request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("Anthropic status %d", resp.StatusCode)
	}

	if onToken == nil {
		var out struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", fmt.Errorf("decode: %w", err)
		}
		var full strings.Builder
		for _, block := range out.Content {
			if block.Type == "text" {
				full.WriteString(block.Text)
			}
		}
		return full.String(), nil
	}

	var full strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		var chunk struct {
			Type  string `json:"type"`
			Delta struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"delta"`
		}
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		if chunk.Type == "content_block_delta" && chunk.Delta.Text != "" {
			full.WriteString(chunk.Delta.Text)
			onToken(chunk.Delta.Text)
		}
	}
	if err := scanner.Err(); err != nil {
		return full.String(), fmt.Errorf("stream: %w", err)
	}
	return full.String(), nil
}

// GenerateWithTokens generates from a single prompt. Anthropic reports usage
// in the response envelope.
func (p *AnthropicProvider) GenerateWithTokens(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, int64, int64, error) {
	m, apiKey, err := p.resolve(model)
	if err != nil {
		return "", 0, 0, err
	}
	apiModel := m.APIName
	if apiModel == "" {
		apiModel = m.Name
	}
	maxTokens := m.MaxTokens
	if mt, ok := options["max_tokens"].(int); ok {
		maxTokens = mt
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	body, err := json.Marshal(anthropicReq{
		Model:     apiModel,
		Messages:  []openAIChatMsg{{Role: "user", Content: prompt}},
		MaxTokens: maxTokens,
	})
	if err != nil {
		return "", 0, 0, fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.baseURL()+"/messages", bytes.NewBuffer(body))
	if err != nil {
		return "", 0, 0, fmt.Errorf("request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", 0, 0, fmt.Errorf("do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", 0, 0, fmt.Errorf("Anthropic status %d", resp.StatusCode)
	}

	var out struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", 0, 0, fmt.Errorf("decode: %w", err)
	}
	var full strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			full.WriteString(block.Text)
		}
	}
	return full.String(), int64(out.Usage.InputTokens), int64(out.Usage.OutputTokens), nil
}

// GetAvailableModels returns available models
func (p *AnthropicProvider) GetAvailableModels() []string {
	var models []string
	for name := range p.models {
		models = append(models, name)
	}
	return models
}

// GetModelInfo returns information about a specific model
func (p *AnthropicProvider) GetModelInfo(model string) (ModelInfo, error) {
	info, exists := p.models[model]
	if !exists {
		return ModelInfo{}, fmt.Errorf("model not found: %s", model)
	}
	return info, nil
}

// CalculateCost calculates the cost for a given number of tokens
func (p *AnthropicProvider) CalculateCost(inputTokens, outputTokens int64, model string) float64 {
	info, err := p.GetModelInfo(model)
	if err != nil {
		return 0.0
	}
	inputCost := float64(inputTokens) / 1000.0 * info.CostPer1KInput
	outputCost := float64(outputTokens) / 1000.0 * info.CostPer1KOutput
	return inputCost + outputCost
}
