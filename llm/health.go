package llm

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// backendHealth 单个后端的健康状态。
// 每个后端持有自己的锁：不同后端之间的状态变更互不阻塞。
type backendHealth struct {
	mu                  sync.Mutex
	exhaustedUntil      time.Time
	consecutiveFailures int
}

// BackendHealthStat 健康状态快照（供运维查询）。
type BackendHealthStat struct {
	Backend             string    `json:"backend"`
	Exhausted           bool      `json:"exhausted"`
	ExhaustedUntil      time.Time `json:"exhausted_until,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// HealthBoard 维护进程内全部后端的健康状态。
// 外层读写锁只保护 map 结构本身；单个后端的状态变更走各自的细粒度锁，
// 绝不使用跨越无关后端的全局锁。
type HealthBoard struct {
	mu       sync.RWMutex
	backends map[string]*backendHealth
	logger   *zap.Logger
	now      func() time.Time // 测试注入
}

// NewHealthBoard 创建健康状态板。
func NewHealthBoard(logger *zap.Logger) *HealthBoard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthBoard{
		backends: make(map[string]*backendHealth),
		logger:   logger.With(zap.String("component", "health_board")),
		now:      time.Now,
	}
}

func (b *HealthBoard) get(backend string) *backendHealth {
	b.mu.RLock()
	h, ok := b.backends[backend]
	b.mu.RUnlock()
	if ok {
		return h
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if h, ok = b.backends[backend]; ok {
		return h
	}
	h = &backendHealth{}
	b.backends[backend] = h
	return h
}

// MarkExhausted 标记后端限流/配额耗尽，进入冷却窗口。
func (b *HealthBoard) MarkExhausted(backend string, cooldown time.Duration) {
	h := b.get(backend)
	h.mu.Lock()
	h.exhaustedUntil = b.now().Add(cooldown)
	h.consecutiveFailures++
	failures := h.consecutiveFailures
	h.mu.Unlock()

	b.logger.Warn("backend marked exhausted",
		zap.String("backend", backend),
		zap.Duration("cooldown", cooldown),
		zap.Int("consecutive_failures", failures),
	)
}

// NoteFailure 记录一次非耗尽类失败。
func (b *HealthBoard) NoteFailure(backend string) {
	h := b.get(backend)
	h.mu.Lock()
	h.consecutiveFailures++
	h.mu.Unlock()
}

// NoteSuccess 记录一次成功，清零连续失败计数。
func (b *HealthBoard) NoteSuccess(backend string) {
	h := b.get(backend)
	h.mu.Lock()
	h.consecutiveFailures = 0
	h.mu.Unlock()
}

// Exhausted 报告后端当前是否处于冷却窗口内。窗口到期自动恢复。
func (b *HealthBoard) Exhausted(backend string) bool {
	h := b.get(backend)
	h.mu.Lock()
	defer h.mu.Unlock()
	return b.now().Before(h.exhaustedUntil)
}

// Reset 运维显式重置某个后端的耗尽状态。
func (b *HealthBoard) Reset(backend string) {
	h := b.get(backend)
	h.mu.Lock()
	h.exhaustedUntil = time.Time{}
	h.consecutiveFailures = 0
	h.mu.Unlock()

	b.logger.Info("backend health reset", zap.String("backend", backend))
}

// Snapshot 返回全部后端的健康快照。
func (b *HealthBoard) Snapshot() []BackendHealthStat {
	b.mu.RLock()
	names := make([]string, 0, len(b.backends))
	for name := range b.backends {
		names = append(names, name)
	}
	b.mu.RUnlock()

	stats := make([]BackendHealthStat, 0, len(names))
	for _, name := range names {
		h := b.get(name)
		h.mu.Lock()
		stats = append(stats, BackendHealthStat{
			Backend:             name,
			Exhausted:           b.now().Before(h.exhaustedUntil),
			ExhaustedUntil:      h.exhaustedUntil,
			ConsecutiveFailures: h.consecutiveFailures,
		})
		h.mu.Unlock()
	}
	return stats
}
