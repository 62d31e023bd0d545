package tools

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kodonghui/CORTHEX-HQ-sub001/llm"
	"github.com/kodonghui/CORTHEX-HQ-sub001/types"
)

// truncationMarker 截断标记，计入字符预算。
const truncationMarker = "...[truncated]"

// LoopOptions 循环配置。
type LoopOptions struct {
	// MaxIterations 最大模型往返次数（到顶不报错，带标记返回部分结果）。
	MaxIterations int
	// ResultCharBudget 单条工具结果回灌的字符预算（含截断标记）。
	ResultCharBudget int
	// WallClock 整个循环的墙钟上限。
	WallClock time.Duration
	// MaxParallel 并行执行工具调用的并发上限。
	MaxParallel int
	Logger      *zap.Logger
}

func normalizeLoopOptions(opts LoopOptions) LoopOptions {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 8
	}
	if opts.ResultCharBudget <= 0 {
		opts.ResultCharBudget = 4000
	}
	if opts.WallClock <= 0 {
		opts.WallClock = 5 * time.Minute
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 4
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return opts
}

// Outcome 循环终态。Marker 为空表示模型自然收敛；
// "iteration-limit" 表示迭代到顶、Text 是截至当时的部分结果。
type Outcome struct {
	Text          string
	Marker        string
	Iterations    int
	ToolCalls     int
	Usage         llm.ChatUsage
	BackendsTried []string
}

// Loop 工具调用循环：模型给出工具调用 → 执行 → 结果回灌，
// 直到模型给出纯文本或触达迭代/墙钟上限。
type Loop struct {
	caller   llm.Caller
	registry *Registry
	opts     LoopOptions
}

// NewLoop 创建循环。
func NewLoop(caller llm.Caller, registry *Registry, opts LoopOptions) *Loop {
	return &Loop{
		caller:   caller,
		registry: registry,
		opts:     normalizeLoopOptions(opts),
	}
}

// Run 执行循环。req 的消息序列会被原地追加（调用方应传入副本）。
func (l *Loop) Run(ctx context.Context, req *llm.ChatRequest) (*Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, l.opts.WallClock)
	defer cancel()

	// 本次请求声明的工具子集就是执行许可：注册表是全局共享的，
	// 模型点名子集之外的工具一律拒绝并回灌。
	allowed := make(map[string]bool, len(req.Tools))
	for _, t := range req.Tools {
		allowed[t.ID] = true
	}

	outcome := &Outcome{}
	tried := map[string]bool{}
	lastText := ""

	for iteration := 1; iteration <= l.opts.MaxIterations; iteration++ {
		resp, err := l.caller.Completion(ctx, req)
		if err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				return nil, types.NewError(types.ErrTimeout, "tool loop exceeded wall clock limit").WithCause(err)
			}
			return nil, err
		}

		outcome.Iterations = iteration
		outcome.Usage.PromptTokens += resp.Usage.PromptTokens
		outcome.Usage.CompletionTokens += resp.Usage.CompletionTokens
		outcome.Usage.TotalTokens += resp.Usage.TotalTokens
		for _, b := range resp.BackendsTried {
			if !tried[b] {
				tried[b] = true
				outcome.BackendsTried = append(outcome.BackendsTried, b)
			}
		}
		if resp.Content != "" {
			lastText = resp.Content
		}

		if resp.Terminal() {
			outcome.Text = resp.Content
			return outcome, nil
		}

		// 把模型的工具调用意图追加进对话历史
		assistant := types.NewAssistantMessage(resp.Content).WithToolCalls(resp.ToolCalls)
		req.Messages = append(req.Messages, assistant)

		results, err := l.execute(ctx, resp, allowed)
		if err != nil {
			return nil, err
		}
		req.Messages = append(req.Messages, results...)
		outcome.ToolCalls += len(resp.ToolCalls)
	}

	l.opts.Logger.Warn("tool loop hit iteration limit",
		zap.Int("max_iterations", l.opts.MaxIterations),
		zap.Int("tool_calls", outcome.ToolCalls),
	)
	outcome.Text = lastText
	outcome.Marker = "iteration-limit"
	return outcome, nil
}

// execute 执行一轮工具调用。并行与否由后端族裁决：
// 顺序语义的族逐个执行，其余族在并发上限内并行。
func (l *Loop) execute(ctx context.Context, resp *llm.ChatResponse, allowed map[string]bool) ([]types.Message, error) {
	results := make([]types.Message, len(resp.ToolCalls))

	if !resp.Family.SupportsParallelToolCalls() || len(resp.ToolCalls) == 1 {
		for i, call := range resp.ToolCalls {
			if ctx.Err() == context.DeadlineExceeded {
				return nil, types.NewError(types.ErrTimeout, "tool loop exceeded wall clock limit")
			}
			results[i] = l.invokeOne(ctx, call, allowed)
		}
		return results, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.opts.MaxParallel)
	for i, call := range resp.ToolCalls {
		g.Go(func() error {
			results[i] = l.invokeOne(gctx, call, allowed)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if ctx.Err() == context.DeadlineExceeded {
		return nil, types.NewError(types.ErrTimeout, "tool loop exceeded wall clock limit")
	}
	return results, nil
}

// invokeOne 执行单个工具调用并折叠为工具消息。
// 任何失败（越权、未注册、执行器报错、业务失败）都回灌给模型而不是中断循环。
func (l *Loop) invokeOne(ctx context.Context, call types.ToolCall, allowed map[string]bool) types.Message {
	if !allowed[call.Name] {
		l.opts.Logger.Warn("tool call outside the advertised subset refused",
			zap.String("tool", call.Name),
		)
		return types.NewToolMessage(call.ID, call.Name,
			fmt.Sprintf("error[%s]: tool %q is not permitted for this request", types.ErrToolInvocation, call.Name))
	}

	invoker, ok := l.registry.Invoker(call.Name)
	if !ok {
		return types.NewToolMessage(call.ID, call.Name,
			fmt.Sprintf("error[%s]: tool %q is not available", types.ErrToolInvocation, call.Name))
	}

	result, err := invoker.Invoke(ctx, call)
	if err != nil {
		l.opts.Logger.Warn("tool invoker failed",
			zap.String("tool", call.Name),
			zap.Error(err),
		)
		return types.NewToolMessage(call.ID, call.Name,
			l.truncate(fmt.Sprintf("error[%s]: %v", types.ErrToolInvocation, err)))
	}
	if !result.OK {
		kind := result.ErrorKind
		if kind == "" {
			kind = string(types.ErrToolInvocation)
		}
		return types.NewToolMessage(call.ID, call.Name,
			l.truncate(fmt.Sprintf("error[%s]: %s", kind, result.Message)))
	}
	return types.NewToolMessage(call.ID, call.Name, l.truncate(result.Data))
}

// truncate 把结果压进字符预算，截断标记计入预算。
// 截断点回退到 rune 边界，绝不把残缺的多字节序列回灌进历史。
func (l *Loop) truncate(s string) string {
	budget := l.opts.ResultCharBudget
	if len(s) <= budget {
		return s
	}
	keep := budget - len(truncationMarker)
	if keep < 0 {
		keep = 0
	}
	for keep > 0 && !utf8.RuneStart(s[keep]) {
		keep--
	}
	return s[:keep] + truncationMarker
}
