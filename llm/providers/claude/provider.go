// Package claude 实现 unrestricted 协议族的后端适配器。
//
// 该族对工具 Schema 没有结构性限制，编译阶段原样透传；但采样规则
// 禁止温度与扩展思考同时出现（网关侧已裁决，这里只负责忠实下发）。
// 消息映射的特殊点：system 独立成字段，工具结果以 user 角色的
// tool_result 内容块回传。
package claude

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

const apiVersion = "2023-06-01"

// Provider unrestricted 族适配器。
type Provider struct {
	cfg    providers.Config
	client *http.Client
	logger *zap.Logger
}

// New 创建适配器。
func New(cfg providers.Config, logger *zap.Logger) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.anthropic.com"
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
		logger: logger.With(zap.String("backend", "claude")),
	}
}

func (p *Provider) Name() string                { return "claude" }
func (p *Provider) Family() types.BackendFamily { return types.FamilyUnrestricted }

// ====== 线协议结构 ======

type wireContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	// tool_use 块
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
	// tool_result 块
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

type wireMessage struct {
	Role    string             `json:"role"`
	Content []wireContentBlock `json:"content"`
}

type wireTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type wireThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

type wireRequest struct {
	Model       string        `json:"model"`
	System      string        `json:"system,omitempty"`
	Messages    []wireMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature *float32      `json:"temperature,omitempty"`
	Thinking    *wireThinking `json:"thinking,omitempty"`
	Tools       []wireTool    `json:"tools,omitempty"`
}

type wireResponse struct {
	ID         string             `json:"id"`
	Model      string             `json:"model"`
	Content    []wireContentBlock `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// thinkingBudget 把统一推理深度映射为扩展思考的 token 预算。
func thinkingBudget(depth types.ReasoningDepth) int {
	switch depth {
	case types.ReasoningLow:
		return 2048
	case types.ReasoningMedium:
		return 8192
	case types.ReasoningHigh:
		return 16384
	case types.ReasoningXHigh:
		return 32768
	default:
		return 0
	}
}

// toWireMessages 把统一消息序列映射为该族的消息序列。
// system 消息被抽出返回，工具结果消息折叠为 user 角色的 tool_result 块。
func toWireMessages(msgs []types.Message) (string, []wireMessage) {
	var system strings.Builder
	out := make([]wireMessage, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case types.RoleSystem:
			if system.Len() > 0 {
				system.WriteString("\n\n")
			}
			system.WriteString(m.Content)
		case types.RoleTool:
			out = append(out, wireMessage{
				Role: "user",
				Content: []wireContentBlock{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
				}},
			})
		case types.RoleAssistant:
			blocks := make([]wireContentBlock, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, wireContentBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, wireContentBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: tc.Arguments,
				})
			}
			out = append(out, wireMessage{Role: "assistant", Content: blocks})
		default:
			out = append(out, wireMessage{
				Role:    "user",
				Content: []wireContentBlock{{Type: "text", Text: m.Content}},
			})
		}
	}
	return system.String(), out
}

// Completion 实现 llm.Provider。
func (p *Provider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	system, messages := toWireMessages(req.Messages)

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096 // 该族的 max_tokens 是必填字段
	}

	wreq := wireRequest{
		Model:       req.Model,
		System:      system,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	}
	if budget := thinkingBudget(req.ReasoningDepth); budget > 0 {
		wreq.Thinking = &wireThinking{Type: "enabled", BudgetTokens: budget}
		if wreq.MaxTokens <= budget {
			wreq.MaxTokens = budget + 4096
		}
	}
	for _, compiled := range schema.CompileAll(req.Tools, p.Family(), p.logger) {
		wreq.Tools = append(wreq.Tools, wireTool{
			Name:        compiled.Name,
			Description: compiled.Description,
			InputSchema: compiled.Parameters,
		})
	}

	body, err := json.Marshal(wreq)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, "marshal request").WithCause(err)
	}

	endpoint := strings.TrimRight(p.cfg.BaseURL, "/") + "/v1/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, "build request").WithCause(err)
	}
	httpReq.Header.Set("x-api-key", p.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", apiVersion)
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

	out := &llm.ChatResponse{
		ID:           wresp.ID,
		Model:        wresp.Model,
		FinishReason: wresp.StopReason,
		Usage: llm.ChatUsage{
			PromptTokens:     wresp.Usage.InputTokens,
			CompletionTokens: wresp.Usage.OutputTokens,
			TotalTokens:      wresp.Usage.InputTokens + wresp.Usage.OutputTokens,
		},
		CreatedAt: time.Now(),
	}
	var text strings.Builder
	for _, block := range wresp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, types.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: block.Input,
			})
		}
	}
	out.Content = text.String()
	return out, nil
}

// HealthCheck 实现 llm.Provider。该族没有轻量探活端点，
// 用最小消息请求探测（失败即视为不健康）。
func (p *Provider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	start := time.Now()
	probe := wireRequest{
		Model:     "claude-3-5-haiku-latest",
		Messages:  []wireMessage{{Role: "user", Content: []wireContentBlock{{Type: "text", Text: "ping"}}}},
		MaxTokens: 1,
	}
	body, _ := json.Marshal(probe)

	endpoint := strings.TrimRight(p.cfg.BaseURL, "/") + "/v1/messages"
	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	httpReq.Header.Set("x-api-key", p.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", apiVersion)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return &llm.HealthStatus{Healthy: false, Latency: latency}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusUnauthorized {
		return &llm.HealthStatus{Healthy: false, Latency: latency},
			fmt.Errorf("health check failed: status=%d", resp.StatusCode)
	}
	return &llm.HealthStatus{Healthy: true, Latency: latency}, nil
}
