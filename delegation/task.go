// Package delegation 实现委派引擎：指令分类、分支扇出、辩论、
// 综合与质量评审的状态机。
package delegation

import (
	"context"
	"sync"
	"time"
)

// State 任务状态机状态。
type State string

const (
	StateClassifying       State = "classifying"
	StateDispatched        State = "dispatched"
	StateSynthesizing      State = "synthesizing"
	StateQualityReview     State = "quality_review"
	StateRejectedReworking State = "rejected_reworking"
	StateDone              State = "done"
)

// Status 任务最终走向。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal 判断是否终态。
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// BranchStatus 分支状态。
type BranchStatus string

const (
	BranchRunning   BranchStatus = "running"
	BranchSucceeded BranchStatus = "succeeded"
	BranchFailed    BranchStatus = "failed"
	BranchCancelled BranchStatus = "cancelled"
)

// Branch 一条并发执行的分支及其结果。
type Branch struct {
	ID        string
	AgentID   string
	Status    BranchStatus
	Output    string
	Marker    string
	ErrorCode string
	ErrorMsg  string
	Elapsed   time.Duration
}

// Contribution 辩论中单个参与者的一次发言。
type Contribution struct {
	AgentID string
	Text    string
	Failed  bool
}

// DebateRound 一轮辩论的全部发言（发言序）。
type DebateRound struct {
	Round         int
	Contributions []Contribution
}

// Report 综合产出：协调者裁断与下级汇总是两个显式区隔的部分，
// 绝不混写。Marker 标注非常规收敛（quality-gate-exhausted 等）。
type Report struct {
	CoordinatorJudgment string
	SubordinateSummary  string
	Marker              string
	QualityScore        float64
	ReworkCycles        int
}

// Snapshot 任务状态的确定性只读副本。
type Snapshot struct {
	TaskID    string
	Command   string
	Level     int
	State     State
	Status    Status
	Branches  []Branch
	Rounds    []DebateRound
	Report    *Report
	ErrorCode string
	ErrorMsg  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Task 一个流经路由、扇出与综合的工作单元。
// 所有可变字段都在 mu 保护下修改；对外只暴露 Snapshot。
type Task struct {
	mu sync.Mutex

	id      string
	command string
	level   int
	state   State
	status  Status

	branches []Branch
	rounds   []DebateRound
	report   *Report

	errCode string
	errMsg  string

	createdAt time.Time
	updatedAt time.Time

	cancel context.CancelFunc
	done   chan struct{}
	now    func() time.Time
}

func newTask(id, command string, cancel context.CancelFunc, now func() time.Time) *Task {
	if now == nil {
		now = time.Now
	}
	t := now()
	return &Task{
		id:        id,
		command:   command,
		state:     StateClassifying,
		status:    StatusPending,
		createdAt: t,
		updatedAt: t,
		cancel:    cancel,
		done:      make(chan struct{}),
		now:       now,
	}
}

// ID 返回任务 ID。
func (t *Task) ID() string { return t.id }

// Done 返回任务终态信号通道。
func (t *Task) Done() <-chan struct{} { return t.done }

func (t *Task) setState(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
	if t.status == StatusPending {
		t.status = StatusRunning
	}
	t.updatedAt = t.now()
}

func (t *Task) setLevel(level int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.level = level
	t.updatedAt = t.now()
}

// addBranch 登记一条新分支，返回其下标。
func (t *Task) addBranch(b Branch) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	b.Status = BranchRunning
	t.branches = append(t.branches, b)
	t.updatedAt = t.now()
	return len(t.branches) - 1
}

func (t *Task) finishBranch(idx int, b Branch) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b.ID = t.branches[idx].ID
	b.AgentID = t.branches[idx].AgentID
	t.branches[idx] = b
	t.updatedAt = t.now()
}

func (t *Task) addRound(r DebateRound) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rounds = append(t.rounds, r)
	t.updatedAt = t.now()
}

// resetBranches 返工重派前清空上一轮分支记录。
func (t *Task) resetBranches() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.branches = nil
	t.rounds = nil
	t.updatedAt = t.now()
}

// succeededBranches 返回成功分支（登记序）。
func (t *Task) succeededBranches() []Branch {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Branch
	for _, b := range t.branches {
		if b.Status == BranchSucceeded {
			out = append(out, b)
		}
	}
	return out
}

func (t *Task) partialFailures() []Branch {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Branch
	for _, b := range t.branches {
		if b.Status == BranchFailed {
			out = append(out, b)
		}
	}
	return out
}

func (t *Task) finish(status Status, report *Report, errCode, errMsg string) {
	t.mu.Lock()
	alreadyDone := t.status.Terminal()
	if !alreadyDone {
		t.state = StateDone
		t.status = status
		t.report = report
		t.errCode = errCode
		t.errMsg = errMsg
		t.updatedAt = t.now()
	}
	t.mu.Unlock()
	if !alreadyDone {
		close(t.done)
	}
}

// Snapshot 返回确定性的深拷贝：无状态变更时两次快照逐字段相等。
func (t *Task) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := Snapshot{
		TaskID:    t.id,
		Command:   t.command,
		Level:     t.level,
		State:     t.state,
		Status:    t.status,
		ErrorCode: t.errCode,
		ErrorMsg:  t.errMsg,
		CreatedAt: t.createdAt,
		UpdatedAt: t.updatedAt,
	}
	snap.Branches = append([]Branch(nil), t.branches...)
	for _, r := range t.rounds {
		snap.Rounds = append(snap.Rounds, DebateRound{
			Round:         r.Round,
			Contributions: append([]Contribution(nil), r.Contributions...),
		})
	}
	if t.report != nil {
		cp := *t.report
		snap.Report = &cp
	}
	return snap
}

// Handle 提交任务后返回给调用方的句柄。
type Handle struct {
	TaskID string
	task   *Task
}

// Done 返回终态信号通道。
func (h *Handle) Done() <-chan struct{} { return h.task.Done() }

// Wait 阻塞到任务终态或 ctx 取消。
func (h *Handle) Wait(ctx context.Context) (Snapshot, error) {
	select {
	case <-ctx.Done():
		return h.task.Snapshot(), ctx.Err()
	case <-h.task.Done():
		return h.task.Snapshot(), nil
	}
}
