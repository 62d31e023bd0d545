package agent

import (
	"strings"
	"sync"
	"time"
)

// MemoryNote 单条长期记忆。
type MemoryNote struct {
	Text      string
	CreatedAt time.Time
}

// defaultMemoryCap 每个智能体保留的记忆条数上限，超出淘汰最旧的。
const defaultMemoryCap = 50

// MemoryStore 进程内的智能体长期记忆。
// 记忆抽取异步写入，读取发生在每次执行开始时，锁粒度按整表即可。
type MemoryStore struct {
	mu    sync.RWMutex
	notes map[string][]MemoryNote
	cap   int
	now   func() time.Time
}

// NewMemoryStore 创建记忆存储。capPerAgent<=0 使用默认上限。
func NewMemoryStore(capPerAgent int) *MemoryStore {
	if capPerAgent <= 0 {
		capPerAgent = defaultMemoryCap
	}
	return &MemoryStore{
		notes: make(map[string][]MemoryNote),
		cap:   capPerAgent,
		now:   time.Now,
	}
}

// Append 追加一条记忆，超出上限时淘汰最旧的。空白内容被忽略。
func (s *MemoryStore) Append(agentID, text string) {
	text = strings.TrimSpace(text)
	if agentID == "" || text == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	list := append(s.notes[agentID], MemoryNote{Text: text, CreatedAt: s.now()})
	if len(list) > s.cap {
		list = list[len(list)-s.cap:]
	}
	s.notes[agentID] = list
}

// Notes 返回某智能体的全部记忆（旧到新）。
func (s *MemoryStore) Notes(agentID string) []MemoryNote {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]MemoryNote(nil), s.notes[agentID]...)
}

// Render 把记忆渲染成可注入 system 消息的文本段；无记忆返回空串。
func (s *MemoryStore) Render(agentID string) string {
	notes := s.Notes(agentID)
	if len(notes) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Working notes from previous tasks:")
	for _, n := range notes {
		b.WriteString("\n- ")
		b.WriteString(n.Text)
	}
	return b.String()
}

// Forget 清空某智能体的记忆。
func (s *MemoryStore) Forget(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.notes, agentID)
}
