// Package openai 实现 strict-object 协议族的后端适配器。
//
// 该族的硬约束：下发的每个工具 Schema 的 object 节点都必须携带
// additionalProperties:false 且 required 覆盖全部属性键（由 llm/schema
// 编译保证）；推理模型没有温度参数，网关侧一律省略。
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kodonghui/CORTHEX-HQ-sub001/llm"
	"github.com/kodonghui/CORTHEX-HQ-sub001/llm/providers"
	"github.com/kodonghui/CORTHEX-HQ-sub001/llm/schema"
	"github.com/kodonghui/CORTHEX-HQ-sub001/types"
)

// Provider strict-object 族适配器。
type Provider struct {
	cfg    providers.Config
	client *http.Client
	logger *zap.Logger
}

// New 创建适配器。
func New(cfg providers.Config, logger *zap.Logger) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 90 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With(zap.String("backend", "openai")),
	}
}

func (p *Provider) Name() string               { return "openai" }
func (p *Provider) Family() types.BackendFamily { return types.FamilyStrictObject }

// ====== 线协议结构 ======

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Name       string         `json:"name,omitempty"`
}

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type wireTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters"`
		Strict      bool            `json:"strict"`
	} `json:"function"`
}

type wireRequest struct {
	Model               string        `json:"model"`
	Messages            []wireMessage `json:"messages"`
	MaxCompletionTokens int           `json:"max_completion_tokens,omitempty"`
	Temperature         *float32      `json:"temperature,omitempty"`
	ReasoningEffort     string        `json:"reasoning_effort,omitempty"`
	Tools               []wireTool    `json:"tools,omitempty"`
}

type wireResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		FinishReason string      `json:"finish_reason"`
		Message      wireMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// reasoningEffort 把统一推理深度映射到该族的 reasoning_effort 取值。
func reasoningEffort(depth types.ReasoningDepth) string {
	switch depth {
	case types.ReasoningLow:
		return "low"
	case types.ReasoningMedium:
		return "medium"
	case types.ReasoningHigh:
		return "high"
	case types.ReasoningXHigh:
		return "high" // 该族没有更高一档，封顶
	default:
		return ""
	}
}

func toWireMessages(msgs []types.Message) []wireMessage {
	out := make([]wireMessage, 0, len(msgs))
	for _, m := range msgs {
		wm := wireMessage{Role: string(m.Role), Content: m.Content, Name: m.Name, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			wtc := wireToolCall{ID: tc.ID, Type: "function"}
			wtc.Function.Name = tc.Name
			wtc.Function.Arguments = string(tc.Arguments)
			wm.ToolCalls = append(wm.ToolCalls, wtc)
		}
		out = append(out, wm)
	}
	return out
}

// Completion 实现 llm.Provider。
func (p *Provider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	wreq := wireRequest{
		Model:               req.Model,
		Messages:            toWireMessages(req.Messages),
		MaxCompletionTokens: req.MaxTokens,
		Temperature:         req.Temperature,
		ReasoningEffort:     reasoningEffort(req.ReasoningDepth),
	}
	for _, compiled := range schema.CompileAll(req.Tools, p.Family(), p.logger) {
		wt := wireTool{Type: "function"}
		wt.Function.Name = compiled.Name
		wt.Function.Description = compiled.Description
		wt.Function.Parameters = compiled.Parameters
		wt.Function.Strict = true
		wreq.Tools = append(wreq.Tools, wt)
	}

	body, err := json.Marshal(wreq)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, "marshal request").WithCause(err)
	}

	endpoint := strings.TrimRight(p.cfg.BaseURL, "/") + "/v1/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, "build request").WithCause(err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, providers.MapTransportError(err, p.Name())
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, providers.MapHTTPError(resp.StatusCode, providers.ReadBody(resp.Body), p.Name())
	}

	var wresp wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wresp); err != nil {
		return nil, types.NewError(types.ErrUpstreamError, "decode response").
			WithBackend(p.Name()).WithRetryable(true).WithCause(err)
	}
	if wresp.Error != nil {
		return nil, types.NewError(types.ErrUpstreamError, wresp.Error.Message).WithBackend(p.Name())
	}
	if len(wresp.Choices) == 0 {
		return nil, types.NewError(types.ErrUpstreamError, "no choices in response").
			WithBackend(p.Name()).WithRetryable(true)
	}

	choice := wresp.Choices[0]
	out := &llm.ChatResponse{
		ID:           wresp.ID,
		Model:        wresp.Model,
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
		Usage: llm.ChatUsage{
			PromptTokens:     wresp.Usage.PromptTokens,
			CompletionTokens: wresp.Usage.CompletionTokens,
			TotalTokens:      wresp.Usage.TotalTokens,
		},
		CreatedAt: time.Now(),
	}
	for _, wtc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, types.ToolCall{
			ID:        wtc.ID,
			Name:      wtc.Function.Name,
			Arguments: json.RawMessage(wtc.Function.Arguments),
		})
	}
	return out, nil
}

// HealthCheck 实现 llm.Provider。
func (p *Provider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	start := time.Now()
	endpoint := strings.TrimRight(p.cfg.BaseURL, "/") + "/v1/models"
	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return &llm.HealthStatus{Healthy: false, Latency: latency}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &llm.HealthStatus{Healthy: false, Latency: latency},
			fmt.Errorf("health check failed: status=%d", resp.StatusCode)
	}
	return &llm.HealthStatus{Healthy: true, Latency: latency}, nil
}
