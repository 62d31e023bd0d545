package llm

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kodonghui/CORTHEX-HQ-sub001/llm/retry"
	"github.com/kodonghui/CORTHEX-HQ-sub001/types"
)

// BackendRoute 描述一个可路由的后端及其能力。
type BackendRoute struct {
	Name     string
	Provider Provider
	// MaxReasoning 该后端可提供的最高推理深度；失败转移只会落到
	// 推理能力不低于请求深度的后端上。
	MaxReasoning types.ReasoningDepth
	// DefaultModel 失败转移到该后端时使用的模型（为空则沿用请求模型）。
	DefaultModel string
	// DefaultTemperature SamplingModelDefault 决策下发出的模型默认温度。
	DefaultTemperature float32
	// Priority 越小越优先。
	Priority int
	// QPS 本地令牌桶限速（0 表示不限制）。
	QPS float64
	// Cooldown 限流/耗尽后的冷却窗口（0 使用网关默认值）。
	Cooldown time.Duration
}

// GatewayObserver 接收网关的观测事件（指标采集方实现）。
type GatewayObserver interface {
	ObserveCompletion(backend, model, outcome string, elapsed time.Duration, usage ChatUsage)
	ObserveFailover(from, to string)
}

// GatewayOptions 网关配置。
type GatewayOptions struct {
	// DefaultCooldown 后端耗尽后的默认冷却窗口。
	DefaultCooldown time.Duration
	// CallTimeout 单次后端调用的墙钟超时。
	CallTimeout time.Duration
	// RetryPolicy 同后端瞬态错误的有界重试策略。
	RetryPolicy *retry.Policy
	Observer    GatewayObserver
	Logger      *zap.Logger
}

func normalizeGatewayOptions(opts GatewayOptions) GatewayOptions {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.DefaultCooldown <= 0 {
		opts.DefaultCooldown = 60 * time.Second
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 90 * time.Second
	}
	if opts.RetryPolicy == nil {
		opts.RetryPolicy = retry.DefaultPolicy()
		opts.RetryPolicy.Retryable = func(err error) bool {
			// 仅瞬态上游错误在同一后端上重试；
			// 耗尽走失败转移，校验错误立即上抛。
			code := types.GetErrorCode(err)
			return (code == types.ErrUpstreamTimeout || code == types.ErrUpstreamError) && types.IsRetryable(err)
		}
	}
	return opts
}

// Gateway 多后端推理网关：解析模型归属、应用采样兼容规则、
// 在限流/耗尽时按优先级失败转移。实现 Caller 接口。
type Gateway struct {
	routes   []BackendRoute // 按 Priority 升序
	prefixes map[string]string
	health   *HealthBoard
	retryer  retry.Retryer
	limiters map[string]*rate.Limiter
	observer GatewayObserver
	logger   *zap.Logger

	defaultCooldown time.Duration
	callTimeout     time.Duration
}

// NewGateway 创建网关。prefixes 将模型名前缀映射到后端名
// （最长前缀优先）；未命中的模型落到优先级最高的后端。
func NewGateway(routes []BackendRoute, prefixes map[string]string, opts GatewayOptions) (*Gateway, error) {
	if len(routes) == 0 {
		return nil, types.NewError(types.ErrConfigInvalid, "gateway requires at least one backend route")
	}
	opts = normalizeGatewayOptions(opts)

	sorted := append([]BackendRoute(nil), routes...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	byName := make(map[string]struct{}, len(sorted))
	limiters := make(map[string]*rate.Limiter)
	for _, r := range sorted {
		if r.Provider == nil {
			return nil, types.NewError(types.ErrConfigInvalid, fmt.Sprintf("backend %q has no provider", r.Name))
		}
		if _, dup := byName[r.Name]; dup {
			return nil, types.NewError(types.ErrConfigInvalid, fmt.Sprintf("duplicate backend name %q", r.Name))
		}
		byName[r.Name] = struct{}{}
		if r.QPS > 0 {
			limiters[r.Name] = rate.NewLimiter(rate.Limit(r.QPS), int(r.QPS)+1)
		}
	}
	for prefix, backend := range prefixes {
		if _, ok := byName[backend]; !ok {
			return nil, types.NewError(types.ErrConfigInvalid, fmt.Sprintf("model prefix %q routes to unknown backend %q", prefix, backend))
		}
	}

	return &Gateway{
		routes:          sorted,
		prefixes:        prefixes,
		health:          NewHealthBoard(opts.Logger),
		retryer:         retry.NewBackoffRetryer(opts.RetryPolicy, opts.Logger),
		limiters:        limiters,
		observer:        opts.Observer,
		logger:          opts.Logger.With(zap.String("component", "gateway")),
		defaultCooldown: opts.DefaultCooldown,
		callTimeout:     opts.CallTimeout,
	}, nil
}

// Health 返回健康状态板（运维查询与显式重置入口）。
func (g *Gateway) Health() *HealthBoard { return g.health }

// ResetBackend 运维显式恢复某个后端。
func (g *Gateway) ResetBackend(backend string) { g.health.Reset(backend) }

// HealthSnapshot 返回全部后端的健康快照。
func (g *Gateway) HealthSnapshot() []BackendHealthStat { return g.health.Snapshot() }

// ResolveBackend 按模型名前缀解析归属后端（最长前缀优先）。
func (g *Gateway) ResolveBackend(model string) *BackendRoute {
	bestLen := -1
	bestBackend := ""
	for prefix, backend := range g.prefixes {
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			bestLen = len(prefix)
			bestBackend = backend
		}
	}
	if bestBackend != "" {
		for i := range g.routes {
			if g.routes[i].Name == bestBackend {
				return &g.routes[i]
			}
		}
	}
	return &g.routes[0]
}

// candidates 返回主后端 + 可失败转移的后端（优先级序，推理能力达标）。
func (g *Gateway) candidates(primary *BackendRoute, depth types.ReasoningDepth) []*BackendRoute {
	out := []*BackendRoute{primary}
	for i := range g.routes {
		r := &g.routes[i]
		if r.Name == primary.Name {
			continue
		}
		if !r.MaxReasoning.AtLeast(depth) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// applySampling 按 (family, depth) 的纯函数决定温度字段的去留。
func applySampling(req *ChatRequest, route *BackendRoute) {
	rule := ResolveSampling(route.Provider.Family(), req.ReasoningDepth)
	switch rule.Decision {
	case SamplingOmit:
		req.Temperature = nil
	case SamplingModelDefault:
		t := route.DefaultTemperature
		if t == 0 {
			t = defaultFixedTemperature
		}
		req.Temperature = &t
	case SamplingFixed:
		t := rule.Temperature
		req.Temperature = &t
	}
}

// Completion 解析后端并发起调用。瞬态错误在同一后端上做有界退避重试；
// 限流/耗尽错误把该后端标记冷却后立即转移到下一候选；校验错误绝不转移。
func (g *Gateway) Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if req == nil || req.Model == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "request model is required")
	}
	if req.ReasoningDepth != "" && !req.ReasoningDepth.Valid() {
		return nil, types.NewError(types.ErrInvalidRequest, fmt.Sprintf("unknown reasoning depth %q", req.ReasoningDepth))
	}

	primary := g.ResolveBackend(req.Model)
	if !primary.MaxReasoning.AtLeast(req.ReasoningDepth) {
		return nil, types.NewError(types.ErrRoutingUnavailable,
			fmt.Sprintf("backend %q cannot serve reasoning depth %q", primary.Name, req.ReasoningDepth))
	}

	var tried []string
	var lastErr error

	for _, route := range g.candidates(primary, req.ReasoningDepth) {
		if g.health.Exhausted(route.Name) {
			g.logger.Debug("skipping exhausted backend", zap.String("backend", route.Name))
			continue
		}
		if limiter, ok := g.limiters[route.Name]; ok && !limiter.Allow() {
			// 本地限速触顶与上游限流同等对待：冷却一个限速间隔后恢复
			g.logger.Debug("local rate limit reached", zap.String("backend", route.Name))
			continue
		}

		attempt := req.Clone()
		if route.Name != primary.Name && route.DefaultModel != "" {
			attempt.Model = route.DefaultModel
		}
		applySampling(attempt, route)

		if len(tried) > 0 && g.observer != nil {
			g.observer.ObserveFailover(tried[len(tried)-1], route.Name)
		}
		tried = append(tried, route.Name)

		resp, err := g.callBackend(ctx, route, attempt)
		if err == nil {
			g.health.NoteSuccess(route.Name)
			resp.Backend = route.Name
			resp.Family = route.Provider.Family()
			resp.BackendsTried = append([]string(nil), tried...)
			return resp, nil
		}
		lastErr = err

		switch types.GetErrorCode(err) {
		case types.ErrBackendValidation:
			// Schema 缺陷不是瞬态容量问题：立即上抛，附带完整 schema 上下文
			g.logger.Error("backend rejected compiled schema",
				zap.String("backend", route.Name),
				zap.Error(err),
			)
			return nil, err
		case types.ErrBackendExhausted:
			cooldown := route.Cooldown
			if cooldown <= 0 {
				cooldown = g.defaultCooldown
			}
			g.health.MarkExhausted(route.Name, cooldown)
		default:
			g.health.NoteFailure(route.Name)
			g.logger.Warn("backend call failed, escalating to failover",
				zap.String("backend", route.Name),
				zap.Error(err),
			)
		}
	}

	if lastErr != nil {
		return nil, types.NewError(types.ErrBackendExhausted, "all candidate backends failed").
			WithCause(lastErr)
	}
	return nil, types.NewError(types.ErrBackendExhausted, "all candidate backends are exhausted or rate limited")
}

// callBackend 单后端调用：墙钟超时 + 瞬态错误的同后端有界重试。
func (g *Gateway) callBackend(ctx context.Context, route *BackendRoute, req *ChatRequest) (*ChatResponse, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = g.callTimeout
	}

	var resp *ChatResponse
	start := time.Now()
	err := g.retryer.Do(ctx, func() error {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		var callErr error
		resp, callErr = route.Provider.Completion(callCtx, req)
		return callErr
	})
	elapsed := time.Since(start)

	if g.observer != nil {
		outcome := "success"
		if err != nil {
			outcome = string(types.GetErrorCode(err))
			if outcome == "" {
				outcome = "error"
			}
		}
		var usage ChatUsage
		if resp != nil {
			usage = resp.Usage
		}
		g.observer.ObserveCompletion(route.Name, req.Model, outcome, elapsed, usage)
	}
	return resp, err
}
