package llm

import (
	"context"
	"time"

	"github.com/kodonghui/CORTHEX-HQ-sub001/types"
)

// ChatRequest 统一的推理请求。每次调用创建一个，用完即弃。
// Temperature 为 nil 表示请求体中完全省略温度字段（由网关按采样兼容规则决定）。
type ChatRequest struct {
	TraceID        string               `json:"trace_id,omitempty"`
	Model          string               `json:"model"`
	Messages       []types.Message      `json:"messages"`
	MaxTokens      int                  `json:"max_tokens,omitempty"`
	Temperature    *float32             `json:"temperature,omitempty"`
	ReasoningDepth types.ReasoningDepth `json:"reasoning_depth,omitempty"`
	Tools          []types.ToolSpec     `json:"tools,omitempty"`
	Timeout        time.Duration        `json:"timeout,omitempty"`
	Metadata       map[string]string    `json:"metadata,omitempty"`
}

// Clone 返回浅拷贝（Messages 切片独立，元素共享）。
// 网关在失败转移时会修改 Temperature，必须在副本上进行。
func (r *ChatRequest) Clone() *ChatRequest {
	dup := *r
	dup.Messages = append([]types.Message(nil), r.Messages...)
	return &dup
}

// ChatUsage 推理用量计数。
type ChatUsage struct {
	PromptTokens     int     `json:"prompt_tokens,omitempty"`
	CompletionTokens int     `json:"completion_tokens,omitempty"`
	TotalTokens      int     `json:"total_tokens,omitempty"`
	Cost             float64 `json:"cost,omitempty"`
}

// ChatResponse 统一的推理响应。
// ToolCalls 非空表示模型请求执行工具（continue）；为空表示终止响应（terminal）。
type ChatResponse struct {
	ID           string              `json:"id,omitempty"`
	Backend      string              `json:"backend,omitempty"`
	Family       types.BackendFamily `json:"family,omitempty"`
	Model        string              `json:"model"`
	Content      string              `json:"content,omitempty"`
	ToolCalls    []types.ToolCall    `json:"tool_calls,omitempty"`
	FinishReason string              `json:"finish_reason,omitempty"`
	Usage        ChatUsage           `json:"usage,omitempty"`
	// BackendsTried 记录本次调用内部尝试过的后端集合（按尝试顺序）。
	// 计费只落在最后一次成功的后端上。
	BackendsTried []string  `json:"backends_tried,omitempty"`
	CreatedAt     time.Time `json:"created_at,omitempty"`
}

// Terminal 报告该响应是否为终止响应（不再请求工具调用）。
func (r *ChatResponse) Terminal() bool { return len(r.ToolCalls) == 0 }

// HealthStatus 表示后端健康检查结果。
type HealthStatus struct {
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
}

// Provider 定义统一的推理后端适配接口。
// 适配器负责把 ChatRequest 翻译成各家线协议并把响应解析回统一格式；
// 工具 Schema 在适配器内部按自身 family 经 llm/schema 编译。
type Provider interface {
	// Completion 发起同步推理请求，返回完整响应
	Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// HealthCheck 执行轻量级健康检查（用于网关探活），返回延迟与可用性信息
	HealthCheck(ctx context.Context) (*HealthStatus, error)

	// Name 返回后端唯一标识
	Name() string

	// Family 返回后端所属协议族
	Family() types.BackendFamily
}

// Caller 是上层组件（工具循环、Agent 运行时、质量门）依赖的最小推理入口。
// *Gateway 实现了该接口。
type Caller interface {
	Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
}
