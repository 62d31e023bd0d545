// Package gemini 实现 no-union 协议族的后端适配器。
//
// 该族的限制在编译阶段处理（类型联合压平、自引用降级，见 llm/schema）。
// 线协议的特殊点：函数调用没有原生 ID，这里为每个调用生成 UUID，
// 回传结果时按工具名匹配；工具调用是顺序语义，上层循环不做并行。
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kodonghui/CORTHEX-HQ-sub001/llm"
	"github.com/kodonghui/CORTHEX-HQ-sub001/llm/providers"
	"github.com/kodonghui/CORTHEX-HQ-sub001/llm/schema"
	"github.com/kodonghui/CORTHEX-HQ-sub001/types"
)

// Provider no-union 族适配器。
type Provider struct {
	cfg    providers.Config
	client *http.Client
	logger *zap.Logger
}

// New 创建适配器。
func New(cfg providers.Config, logger *zap.Logger) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://generativelanguage.googleapis.com"
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
		logger: logger.With(zap.String("backend", "gemini")),
	}
}

func (p *Provider) Name() string                { return "gemini" }
func (p *Provider) Family() types.BackendFamily { return types.FamilyNoUnion }

// ====== 线协议结构 ======

type wirePart struct {
	Text             string                `json:"text,omitempty"`
	FunctionCall     *wireFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *wireFunctionResponse `json:"functionResponse,omitempty"`
}

type wireFunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type wireFunctionResponse struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`
}

type wireContent struct {
	Role  string     `json:"role,omitempty"`
	Parts []wirePart `json:"parts"`
}

type wireFunctionDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type wireGenerationConfig struct {
	Temperature     *float32            `json:"temperature,omitempty"`
	MaxOutputTokens int                 `json:"maxOutputTokens,omitempty"`
	ThinkingConfig  *wireThinkingConfig `json:"thinkingConfig,omitempty"`
}

type wireThinkingConfig struct {
	ThinkingBudget int `json:"thinkingBudget"`
}

type wireRequest struct {
	Contents          []wireContent `json:"contents"`
	SystemInstruction *wireContent  `json:"systemInstruction,omitempty"`
	Tools             []struct {
		FunctionDeclarations []wireFunctionDecl `json:"functionDeclarations"`
	} `json:"tools,omitempty"`
	GenerationConfig wireGenerationConfig `json:"generationConfig"`
}

type wireResponse struct {
	Candidates []struct {
		Content      wireContent `json:"content"`
		FinishReason string      `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// thinkingBudget 把统一推理深度映射为思考 token 预算。
func thinkingBudget(depth types.ReasoningDepth) int {
	switch depth {
	case types.ReasoningLow:
		return 1024
	case types.ReasoningMedium:
		return 8192
	case types.ReasoningHigh:
		return 16384
	case types.ReasoningXHigh:
		return 24576
	default:
		return 0
	}
}

// toWireContents 把统一消息序列映射为该族的 contents。
// 工具结果消息按工具名回填 functionResponse（该族没有调用 ID）。
func toWireContents(msgs []types.Message) (*wireContent, []wireContent) {
	var system *wireContent
	out := make([]wireContent, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case types.RoleSystem:
			if system == nil {
				system = &wireContent{}
			}
			system.Parts = append(system.Parts, wirePart{Text: m.Content})
		case types.RoleTool:
			payload, err := json.Marshal(map[string]string{"result": m.Content})
			if err != nil {
				payload = []byte(`{"result":""}`)
			}
			out = append(out, wireContent{
				Role: "user",
				Parts: []wirePart{{FunctionResponse: &wireFunctionResponse{
					Name:     m.Name,
					Response: payload,
				}}},
			})
		case types.RoleAssistant:
			parts := make([]wirePart, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				parts = append(parts, wirePart{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				parts = append(parts, wirePart{FunctionCall: &wireFunctionCall{
					Name: tc.Name,
					Args: tc.Arguments,
				}})
			}
			out = append(out, wireContent{Role: "model", Parts: parts})
		default:
			out = append(out, wireContent{Role: "user", Parts: []wirePart{{Text: m.Content}}})
		}
	}
	return system, out
}

// Completion 实现 llm.Provider。
func (p *Provider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	system, contents := toWireContents(req.Messages)

	wreq := wireRequest{
		Contents:          contents,
		SystemInstruction: system,
		GenerationConfig: wireGenerationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
		},
	}
	if budget := thinkingBudget(req.ReasoningDepth); budget > 0 {
		wreq.GenerationConfig.ThinkingConfig = &wireThinkingConfig{ThinkingBudget: budget}
	}
	if compiled := schema.CompileAll(req.Tools, p.Family(), p.logger); len(compiled) > 0 {
		decls := make([]wireFunctionDecl, 0, len(compiled))
		for _, c := range compiled {
			decls = append(decls, wireFunctionDecl{
				Name:        c.Name,
				Description: c.Description,
				Parameters:  c.Parameters,
			})
		}
		wreq.Tools = append(wreq.Tools, struct {
			FunctionDeclarations []wireFunctionDecl `json:"functionDeclarations"`
		}{FunctionDeclarations: decls})
	}

	body, err := json.Marshal(wreq)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, "marshal request").WithCause(err)
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent",
		strings.TrimRight(p.cfg.BaseURL, "/"), req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, "build request").WithCause(err)
	}
	httpReq.Header.Set("x-goog-api-key", p.cfg.APIKey)
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
	if len(wresp.Candidates) == 0 {
		return nil, types.NewError(types.ErrContentFiltered, "no candidates in response").
			WithBackend(p.Name())
	}

	candidate := wresp.Candidates[0]
	out := &llm.ChatResponse{
		ID:           uuid.NewString(),
		Model:        req.Model,
		FinishReason: strings.ToLower(candidate.FinishReason),
		Usage: llm.ChatUsage{
			PromptTokens:     wresp.UsageMetadata.PromptTokenCount,
			CompletionTokens: wresp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      wresp.UsageMetadata.TotalTokenCount,
		},
		CreatedAt: time.Now(),
	}
	var text strings.Builder
	for _, part := range candidate.Content.Parts {
		if part.Text != "" {
			text.WriteString(part.Text)
		}
		if part.FunctionCall != nil {
			args := part.FunctionCall.Args
			if len(args) == 0 {
				args = json.RawMessage(`{}`)
			}
			out.ToolCalls = append(out.ToolCalls, types.ToolCall{
				// 该族没有原生调用 ID，本地生成以维持统一的回传协议
				ID:        "call_" + uuid.NewString(),
				Name:      part.FunctionCall.Name,
				Arguments: args,
			})
		}
	}
	out.Content = text.String()
	return out, nil
}

// HealthCheck 实现 llm.Provider。
func (p *Provider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	start := time.Now()
	endpoint := strings.TrimRight(p.cfg.BaseURL, "/") + "/v1beta/models"
	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	httpReq.Header.Set("x-goog-api-key", p.cfg.APIKey)

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
