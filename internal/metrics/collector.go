// Package metrics 汇集 Prometheus 指标采集：网关调用、失败转移、
// 用量记录与委派任务走向。
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kodonghui/CORTHEX-HQ-sub001/llm"
	"github.com/kodonghui/CORTHEX-HQ-sub001/types"
)

// Collector 同时实现网关、委派引擎的观测接口与用量记录接收器。
type Collector struct {
	llmRequests  *prometheus.CounterVec
	llmDuration  *prometheus.HistogramVec
	llmTokens    *prometheus.CounterVec
	llmFailovers *prometheus.CounterVec

	usageCost   *prometheus.CounterVec
	usageTokens *prometheus.CounterVec

	tasks          *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec
	branches       *prometheus.CounterVec
	branchDuration *prometheus.HistogramVec
}

// NewCollector 创建采集器并注册全部指标。reg 为 nil 使用默认注册表。
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		llmRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "corthex_llm_requests_total",
			Help: "LLM completion calls by backend, model and outcome",
		}, []string{"backend", "model", "outcome"}),
		llmDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "corthex_llm_request_duration_seconds",
			Help:    "LLM completion call latency",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"backend"}),
		llmTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "corthex_llm_tokens_total",
			Help: "Tokens consumed by backend and kind (prompt/completion)",
		}, []string{"backend", "kind"}),
		llmFailovers: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "corthex_llm_failovers_total",
			Help: "Failover transitions between backends",
		}, []string{"from", "to"}),
		usageCost: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "corthex_usage_cost_usd_total",
			Help: "Estimated spend by agent and model",
		}, []string{"agent", "model"}),
		usageTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "corthex_usage_tokens_total",
			Help: "Tokens billed per agent and kind",
		}, []string{"agent", "kind"}),
		tasks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "corthex_delegation_tasks_total",
			Help: "Delegation tasks by routing level and final status",
		}, []string{"level", "status"}),
		taskDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "corthex_delegation_task_duration_seconds",
			Help:    "End-to-end delegation task latency by routing level",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"level"}),
		branches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "corthex_delegation_branches_total",
			Help: "Delegation branches by agent and status",
		}, []string{"agent", "status"}),
		branchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "corthex_delegation_branch_duration_seconds",
			Help:    "Single branch latency",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"agent"}),
	}
}

// ObserveCompletion 实现 llm.GatewayObserver。
func (c *Collector) ObserveCompletion(backend, model, outcome string, elapsed time.Duration, usage llm.ChatUsage) {
	c.llmRequests.WithLabelValues(backend, model, outcome).Inc()
	c.llmDuration.WithLabelValues(backend).Observe(elapsed.Seconds())
	if usage.PromptTokens > 0 {
		c.llmTokens.WithLabelValues(backend, "prompt").Add(float64(usage.PromptTokens))
	}
	if usage.CompletionTokens > 0 {
		c.llmTokens.WithLabelValues(backend, "completion").Add(float64(usage.CompletionTokens))
	}
}

// ObserveFailover 实现 llm.GatewayObserver。
func (c *Collector) ObserveFailover(from, to string) {
	c.llmFailovers.WithLabelValues(from, to).Inc()
}

// Record 实现 types.UsageSink。
func (c *Collector) Record(r types.UsageRecord) {
	if r.Cost > 0 {
		c.usageCost.WithLabelValues(r.AgentID, r.Model).Add(r.Cost)
	}
	if r.PromptTokens > 0 {
		c.usageTokens.WithLabelValues(r.AgentID, "prompt").Add(float64(r.PromptTokens))
	}
	if r.CompletionTokens > 0 {
		c.usageTokens.WithLabelValues(r.AgentID, "completion").Add(float64(r.CompletionTokens))
	}
}

// ObserveTask 实现 delegation.EngineObserver。
func (c *Collector) ObserveTask(level int, status string, elapsed time.Duration) {
	l := strconv.Itoa(level)
	c.tasks.WithLabelValues(l, status).Inc()
	c.taskDuration.WithLabelValues(l).Observe(elapsed.Seconds())
}

// ObserveBranch 实现 delegation.EngineObserver。
func (c *Collector) ObserveBranch(agentID, status string, elapsed time.Duration) {
	c.branches.WithLabelValues(agentID, status).Inc()
	c.branchDuration.WithLabelValues(agentID).Observe(elapsed.Seconds())
}
