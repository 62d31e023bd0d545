package delegation

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Store 进程内任务表。终态任务按 TTL 清扫，
// 已完成任务的无界堆积是被明确防御的缺陷类别。
type Store struct {
	mu     sync.RWMutex
	tasks  map[string]*Task
	ttl    time.Duration
	logger *zap.Logger

	stopOnce sync.Once
	stop     chan struct{}
}

// NewStore 创建任务表并启动清扫循环。ttl<=0 使用 30 分钟。
func NewStore(ttl time.Duration, logger *zap.Logger) *Store {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		tasks:  make(map[string]*Task),
		ttl:    ttl,
		logger: logger.With(zap.String("component", "task_store")),
		stop:   make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// Put 登记任务。
func (s *Store) Put(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID()] = t
}

// Get 按 ID 查找任务。
func (s *Store) Get(taskID string) (*Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	return t, ok
}

// Len 返回在表任务数。
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

// Close 停止清扫循环。
func (s *Store) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Store) sweepLoop() {
	interval := s.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep(time.Now())
		}
	}
}

// sweep 移除终态已超过 TTL 的任务。
func (s *Store) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, t := range s.tasks {
		snap := t.Snapshot()
		if snap.Status.Terminal() && now.Sub(snap.UpdatedAt) > s.ttl {
			delete(s.tasks, id)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Debug("swept completed tasks",
			zap.Int("removed", removed),
			zap.Int("remaining", len(s.tasks)),
		)
	}
}
