// Package tools 提供工具注册表与工具调用循环。
//
// 循环是后端无关的：工具 Schema 的族适配发生在 provider 层，
// 这里只负责迭代控制、结果截断与并行裁决。
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kodonghui/CORTHEX-HQ-sub001/types"
)

// Registry 工具注册表：按 ID 存取工具声明与执行器。
type Registry struct {
	mu       sync.RWMutex
	specs    map[string]types.ToolSpec
	invokers map[string]Invoker
}

// NewRegistry 创建空注册表。
func NewRegistry() *Registry {
	return &Registry{
		specs:    make(map[string]types.ToolSpec),
		invokers: make(map[string]Invoker),
	}
}

// Register 注册工具。重复 ID 视为配置错误。
func (r *Registry) Register(spec types.ToolSpec, invoker Invoker) error {
	if spec.ID == "" {
		return types.NewError(types.ErrConfigInvalid, "tool spec has empty id")
	}
	if invoker == nil {
		return types.NewError(types.ErrConfigInvalid, fmt.Sprintf("tool %q has no invoker", spec.ID))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.specs[spec.ID]; dup {
		return types.NewError(types.ErrConfigInvalid, fmt.Sprintf("duplicate tool id %q", spec.ID))
	}
	r.specs[spec.ID] = spec
	r.invokers[spec.ID] = invoker
	return nil
}

// MustRegister 注册工具，失败即 panic（仅用于启动期装配）。
func (r *Registry) MustRegister(spec types.ToolSpec, invoker Invoker) {
	if err := r.Register(spec, invoker); err != nil {
		panic(err)
	}
}

// Spec 按 ID 查找工具声明。
func (r *Registry) Spec(id string) (types.ToolSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[id]
	return spec, ok
}

// Invoker 按 ID 查找执行器。
func (r *Registry) Invoker(id string) (Invoker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inv, ok := r.invokers[id]
	return inv, ok
}

// Subset 返回指定 ID 的工具声明子集；未注册的 ID 被静默跳过
// （配置校验在装配期完成，运行期宽容）。
func (r *Registry) Subset(ids []string) []types.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.ToolSpec, 0, len(ids))
	for _, id := range ids {
		if spec, ok := r.specs[id]; ok {
			out = append(out, spec)
		}
	}
	return out
}

// IDs 返回全部已注册工具 ID（字典序，便于确定性输出）。
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.specs))
	for id := range r.specs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// InvokeResult 工具执行结果。OK=false 的结果不是循环错误：
// 它会作为工具消息回灌给模型，让模型自行决定修正或放弃。
type InvokeResult struct {
	OK        bool
	Data      string
	ErrorKind string
	Message   string
}

// Invoker 工具执行器契约。实现方应尊重 ctx 取消，
// 返回的 error 保留给基础设施故障；业务失败用 OK=false 表达。
type Invoker interface {
	Invoke(ctx context.Context, call types.ToolCall) (InvokeResult, error)
}

// InvokerFunc 函数式 Invoker 适配器。
type InvokerFunc func(ctx context.Context, call types.ToolCall) (InvokeResult, error)

func (f InvokerFunc) Invoke(ctx context.Context, call types.ToolCall) (InvokeResult, error) {
	return f(ctx, call)
}
