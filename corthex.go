// Package corthex 装配整个系统：推理网关、工具注册表、智能体层级、
// 委派引擎与质量门。调用方只面对 Submit / Status / Cancel。
package corthex

import (
	"context"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/kodonghui/CORTHEX-HQ-sub001/agent"
	"github.com/kodonghui/CORTHEX-HQ-sub001/config"
	"github.com/kodonghui/CORTHEX-HQ-sub001/delegation"
	"github.com/kodonghui/CORTHEX-HQ-sub001/internal/metrics"
	"github.com/kodonghui/CORTHEX-HQ-sub001/llm"
	"github.com/kodonghui/CORTHEX-HQ-sub001/llm/providers"
	"github.com/kodonghui/CORTHEX-HQ-sub001/llm/providers/claude"
	"github.com/kodonghui/CORTHEX-HQ-sub001/llm/providers/gemini"
	"github.com/kodonghui/CORTHEX-HQ-sub001/llm/providers/openai"
	"github.com/kodonghui/CORTHEX-HQ-sub001/llm/tools"
	"github.com/kodonghui/CORTHEX-HQ-sub001/quality"
	"github.com/kodonghui/CORTHEX-HQ-sub001/types"
)

// Options 装配选项。
type Options struct {
	// Registry 工具注册表；nil 创建空表。delegate 工具由装配自动注册。
	Registry *tools.Registry
	// Registerer Prometheus 注册表；nil 使用默认注册表。
	Registerer prometheus.Registerer
	Logger     *zap.Logger
}

// System 装配完成的 CORTHEX HQ 实例。
type System struct {
	cfg       *config.Config
	logger    *zap.Logger
	gateway   *llm.Gateway
	registry  *tools.Registry
	tree      *agent.Tree
	memory    *agent.MemoryStore
	engine    *delegation.Engine
	collector *metrics.Collector
}

// New 按配置装配系统。配置校验失败立即返回错误。
func New(cfg *config.Config, opts Options) (*System, error) {
	if cfg == nil {
		return nil, types.NewError(types.ErrConfigInvalid, "config is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	registry := opts.Registry
	if registry == nil {
		registry = tools.NewRegistry()
	}
	collector := metrics.NewCollector(opts.Registerer)

	gateway, err := buildGateway(cfg, collector, logger)
	if err != nil {
		return nil, err
	}

	tree, err := agent.BuildTree(cfg.AgentDefinitions())
	if err != nil {
		return nil, err
	}

	memory := agent.NewMemoryStore(cfg.Memory.CapPerAgent)
	performers := buildPerformers(cfg, tree, gateway, registry, memory, collector, logger)

	var reviewer quality.Reviewer
	if cfg.Quality.Enabled {
		rubric := quality.DefaultRubric()
		if cfg.Quality.Threshold > 0 {
			rubric.Threshold = cfg.Quality.Threshold
		}
		gate, err := quality.NewGate(gateway, rubric, quality.GateOptions{
			Model:  cfg.Quality.Model,
			Logger: logger,
		})
		if err != nil {
			return nil, err
		}
		reviewer = gate
	}

	classifier := delegation.NewLLMClassifier(gateway, tree, cfg.Delegation.ClassifierModel, logger)
	engine, err := delegation.NewEngine(tree, performers, classifier, delegation.EngineOptions{
		MaxParallel:  cfg.Delegation.MaxParallel,
		DebateRounds: cfg.Delegation.DebateRounds,
		ReworkLimit:  cfg.Delegation.ReworkLimit,
		TaskTTL:      cfg.Delegation.TaskTTL,
		Reviewer:     reviewer,
		Tracer:       otel.Tracer("corthex/delegation"),
		Observer:     collector,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	// manager 的动态派生走统一的 delegate 工具
	spec, invoker := engine.DelegateTool()
	if _, exists := registry.Spec(spec.ID); !exists {
		if err := registry.Register(spec, invoker); err != nil {
			return nil, err
		}
	}

	return &System{
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "corthex")),
		gateway:   gateway,
		registry:  registry,
		tree:      tree,
		memory:    memory,
		engine:    engine,
		collector: collector,
	}, nil
}

// buildGateway 按族实例化后端适配器并组装网关。
func buildGateway(cfg *config.Config, collector *metrics.Collector, logger *zap.Logger) (*llm.Gateway, error) {
	routes := make([]llm.BackendRoute, 0, len(cfg.Gateway.Backends))
	for _, b := range cfg.Gateway.Backends {
		pcfg := providers.Config{
			APIKey:  os.Getenv(b.APIKeyEnv),
			BaseURL: b.BaseURL,
			Timeout: cfg.Gateway.CallTimeout,
		}

		var provider llm.Provider
		switch types.BackendFamily(b.Family) {
		case types.FamilyStrictObject:
			provider = openai.New(pcfg, logger)
		case types.FamilyNoUnion:
			provider = gemini.New(pcfg, logger)
		case types.FamilyUnrestricted:
			provider = claude.New(pcfg, logger)
		default:
			return nil, types.NewError(types.ErrConfigInvalid,
				fmt.Sprintf("backend %q has unknown family %q", b.Name, b.Family))
		}

		maxReasoning := types.ReasoningDepth(b.MaxReasoning)
		if b.MaxReasoning == "" {
			maxReasoning = types.ReasoningXHigh
		}
		routes = append(routes, llm.BackendRoute{
			Name:               b.Name,
			Provider:           provider,
			MaxReasoning:       maxReasoning,
			DefaultModel:       b.DefaultModel,
			DefaultTemperature: b.DefaultTemperature,
			Priority:           b.Priority,
			QPS:                b.QPS,
			Cooldown:           b.Cooldown,
		})
	}

	return llm.NewGateway(routes, cfg.Gateway.ModelPrefixes, llm.GatewayOptions{
		DefaultCooldown: cfg.Gateway.DefaultCooldown,
		CallTimeout:     cfg.Gateway.CallTimeout,
		Observer:        collector,
		Logger:          logger,
	})
}

// buildPerformers 为树中每个智能体创建运行时。
func buildPerformers(cfg *config.Config, tree *agent.Tree, gateway *llm.Gateway, registry *tools.Registry, memory *agent.MemoryStore, collector *metrics.Collector, logger *zap.Logger) map[string]delegation.Performer {
	performers := make(map[string]delegation.Performer, tree.Size())
	var walk func(d *agent.Definition)
	walk = func(d *agent.Definition) {
		// AutoSpawn 的 manager 自动获得 delegate 工具
		if d.AutoSpawn && !containsString(d.Tools, delegation.DelegateToolID) {
			d.Tools = append(d.Tools, delegation.DelegateToolID)
		}
		performers[d.ID] = agent.NewRuntime(d, gateway, registry, memory, agent.RuntimeOptions{
			Loop: tools.LoopOptions{
				MaxIterations:    cfg.Loop.MaxIterations,
				ResultCharBudget: cfg.Loop.ResultCharBudget,
				WallClock:        cfg.Loop.WallClock,
				MaxParallel:      cfg.Loop.MaxParallel,
				Logger:           logger,
			},
			ExtractModel: cfg.Memory.ExtractModel,
			Sink:         collector,
			Logger:       logger,
		})
		for _, sub := range tree.Subordinates(d.ID) {
			walk(sub)
		}
	}
	walk(tree.Root())
	return performers
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

// Submit 提交一条指令。
func (s *System) Submit(command string, opts delegation.SubmitOptions) (*delegation.Handle, error) {
	return s.engine.Submit(command, opts)
}

// Status 查询任务快照。
func (s *System) Status(taskID string) (delegation.Snapshot, error) {
	return s.engine.Status(taskID)
}

// Cancel 取消任务。
func (s *System) Cancel(taskID string) error {
	return s.engine.Cancel(taskID)
}

// Registry 返回工具注册表（装配期注册业务工具用）。
func (s *System) Registry() *tools.Registry { return s.registry }

// Gateway 返回推理网关（运维查询健康状态用）。
func (s *System) Gateway() *llm.Gateway { return s.gateway }

// HealthSnapshot 返回全部后端的健康快照。
func (s *System) HealthSnapshot() []llm.BackendHealthStat {
	return s.gateway.HealthSnapshot()
}

// Close 优雅关闭：排空在途任务。
func (s *System) Close(ctx context.Context) error {
	return s.engine.Close(ctx)
}
