package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"

	"github.com/kodonghui/CORTHEX-HQ-sub001/llm"
	"github.com/kodonghui/CORTHEX-HQ-sub001/llm/tools"
	"github.com/kodonghui/CORTHEX-HQ-sub001/types"
)

// Pricing 每百万 token 的价格（美元），用于用量记录的成本估算。
type Pricing struct {
	PromptPerMTok     float64
	CompletionPerMTok float64
}

// RuntimeOptions 运行时配置。
type RuntimeOptions struct {
	Loop tools.LoopOptions
	// ExtractModel 记忆抽取用的廉价模型；为空则关闭抽取。
	ExtractModel string
	// ExtractTimeout 异步抽取调用的超时。
	ExtractTimeout time.Duration
	Pricing        Pricing
	Sink           types.UsageSink
	Logger         *zap.Logger
}

// Result 单次执行结果。
type Result struct {
	Text   string
	Marker string
	Usage  llm.ChatUsage
}

// Runtime 单个智能体的运行时：组装上下文、驱动工具循环、
// 记录用量、异步抽取记忆。
type Runtime struct {
	def      *Definition
	caller   llm.Caller
	registry *tools.Registry
	memory   *MemoryStore
	opts     RuntimeOptions
	logger   *zap.Logger

	encOnce sync.Once
	enc     *tiktoken.Tiktoken
}

// NewRuntime 创建运行时。
func NewRuntime(def *Definition, caller llm.Caller, registry *tools.Registry, memory *MemoryStore, opts RuntimeOptions) *Runtime {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ExtractTimeout <= 0 {
		opts.ExtractTimeout = 30 * time.Second
	}
	return &Runtime{
		def:      def,
		caller:   caller,
		registry: registry,
		memory:   memory,
		opts:     opts,
		logger:   opts.Logger.With(zap.String("agent", def.ID)),
	}
}

// Definition 返回该运行时承载的智能体声明。
func (r *Runtime) Definition() *Definition { return r.def }

// Perform 执行一条指令。每次调用恰好产出一条用量记录，
// 无论中途经历了多少次失败转移。
func (r *Runtime) Perform(ctx context.Context, taskID, instruction string) (*Result, error) {
	system := r.def.Persona
	if r.memory != nil {
		if notes := r.memory.Render(r.def.ID); notes != "" {
			system = system + "\n\n" + notes
		}
	}

	req := &llm.ChatRequest{
		TraceID:        taskID,
		Model:          r.def.Model,
		ReasoningDepth: r.def.Reasoning,
		Messages: []types.Message{
			types.NewSystemMessage(system),
			types.NewUserMessage(instruction),
		},
	}
	if r.registry != nil && len(r.def.Tools) > 0 {
		req.Tools = r.registry.Subset(r.def.Tools)
	}

	loop := tools.NewLoop(r.caller, r.registry, r.opts.Loop)
	start := time.Now()
	outcome, err := loop.Run(ctx, req)
	elapsed := time.Since(start)

	if err != nil {
		r.record(taskID, llm.ChatUsage{}, nil, elapsed)
		return nil, err
	}

	usage := outcome.Usage
	if usage.TotalTokens == 0 {
		// 上游未上报用量时用本地分词器估算，保证记录永远有数
		usage = r.estimateUsage(req.Messages, outcome.Text)
	}
	r.record(taskID, usage, outcome.BackendsTried, elapsed)

	r.extractMemoryAsync(taskID, instruction, outcome.Text)

	return &Result{Text: outcome.Text, Marker: outcome.Marker, Usage: usage}, nil
}

// record 产出唯一一条用量记录。
func (r *Runtime) record(taskID string, usage llm.ChatUsage, backendsTried []string, elapsed time.Duration) {
	if r.opts.Sink == nil {
		return
	}
	backend := ""
	if len(backendsTried) > 0 {
		backend = backendsTried[len(backendsTried)-1]
	}
	cost := float64(usage.PromptTokens)/1e6*r.opts.Pricing.PromptPerMTok +
		float64(usage.CompletionTokens)/1e6*r.opts.Pricing.CompletionPerMTok
	r.opts.Sink.Record(types.UsageRecord{
		AgentID:          r.def.ID,
		TaskID:           taskID,
		Model:            r.def.Model,
		Backend:          backend,
		BackendsTried:    backendsTried,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.TotalTokens,
		Cost:             cost,
		Elapsed:          elapsed,
		Timestamp:        time.Now(),
	})
}

// estimateUsage 本地估算 token 用量（cl100k_base 与主流后端偏差可接受）。
func (r *Runtime) estimateUsage(msgs []types.Message, completion string) llm.ChatUsage {
	r.encOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			r.logger.Warn("tokenizer unavailable, usage estimation disabled", zap.Error(err))
			return
		}
		r.enc = enc
	})
	if r.enc == nil {
		return llm.ChatUsage{}
	}
	prompt := 0
	for _, m := range msgs {
		prompt += len(r.enc.Encode(m.Content, nil, nil)) + 4 // 消息包装的固定开销
	}
	out := len(r.enc.Encode(completion, nil, nil))
	return llm.ChatUsage{
		PromptTokens:     prompt,
		CompletionTokens: out,
		TotalTokens:      prompt + out,
	}
}

// extractMemoryAsync 异步抽取可复用的工作记忆。
// 抽取失败只记日志，绝不影响主流程；goroutine 里兜底 recover。
func (r *Runtime) extractMemoryAsync(taskID, instruction, answer string) {
	if r.opts.ExtractModel == "" || r.memory == nil || answer == "" {
		return
	}
	go func() {
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("memory extraction panicked", zap.Any("panic", p))
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.ExtractTimeout)
		defer cancel()

		prompt := fmt.Sprintf(
			"Task: %s\n\nAnswer produced: %s\n\nExtract at most one short, reusable working note for future tasks of this kind. Reply with the note only, or NONE if nothing is worth keeping.",
			instruction, answer,
		)
		resp, err := r.caller.Completion(ctx, &llm.ChatRequest{
			TraceID:  taskID,
			Model:    r.opts.ExtractModel,
			Messages: []types.Message{types.NewUserMessage(prompt)},
		})
		if err != nil {
			r.logger.Debug("memory extraction failed", zap.Error(err))
			return
		}
		note := strings.TrimSpace(resp.Content)
		if note == "" || strings.EqualFold(note, "NONE") {
			return
		}
		r.memory.Append(r.def.ID, note)
	}()
}
