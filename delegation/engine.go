package delegation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kodonghui/CORTHEX-HQ-sub001/agent"
	"github.com/kodonghui/CORTHEX-HQ-sub001/llm/tools"
	"github.com/kodonghui/CORTHEX-HQ-sub001/quality"
	"github.com/kodonghui/CORTHEX-HQ-sub001/types"
)

// Performer 分支执行契约。生产实现是 agent.Runtime；
// 测试用桩实现替换。
type Performer interface {
	Perform(ctx context.Context, taskID, instruction string) (*agent.Result, error)
}

// Decision 分类结果。
type Decision struct {
	// Level 路由级别：1=协调者直答；2=指定单个下级；
	// 3=单个 manager（可自行派生 specialist）；4=全体 manager 并行。
	Level int
	// Target 级别 2/3 的目标智能体 ID。
	Target string
	// Debate 以辩论模式执行（级别 4 的变体）。
	Debate bool
}

// Classifier 指令分类契约。
type Classifier interface {
	Classify(ctx context.Context, command string) (Decision, error)
}

// EngineObserver 接收委派引擎的观测事件（指标采集方实现）。
type EngineObserver interface {
	ObserveTask(level int, status string, elapsed time.Duration)
	ObserveBranch(agentID, status string, elapsed time.Duration)
}

// EngineOptions 引擎配置。
type EngineOptions struct {
	// MaxParallel 静态扇出的并发上限。
	MaxParallel int
	// DebateRounds 辩论模式的固定轮数。
	DebateRounds int
	// Rotation 辩论轮转顺序（nil 使用 DefaultRotation）。
	Rotation RotationFunc
	// ReworkLimit 质量门拒绝后的最大返工次数。
	ReworkLimit int
	// TaskTTL 终态任务在状态表里的保留时长。
	TaskTTL time.Duration
	// Reviewer 质量门（nil 表示关闭评审）。
	Reviewer quality.Reviewer
	Tracer   trace.Tracer
	Observer EngineObserver
	Logger   *zap.Logger
}

func normalizeEngineOptions(opts EngineOptions) EngineOptions {
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 8
	}
	if opts.DebateRounds <= 0 {
		opts.DebateRounds = 2
	}
	if opts.ReworkLimit <= 0 {
		opts.ReworkLimit = 2
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("delegation")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return opts
}

// Engine 委派引擎：Submit 驱动任务走完
// Classifying → Dispatched → Synthesizing → (QualityReview) → Done 状态机。
type Engine struct {
	tree       *agent.Tree
	performers map[string]Performer
	classifier Classifier
	store      *Store
	opts       EngineOptions
	logger     *zap.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewEngine 创建引擎。performers 必须覆盖树中全部智能体。
func NewEngine(tree *agent.Tree, performers map[string]Performer, classifier Classifier, opts EngineOptions) (*Engine, error) {
	if tree == nil {
		return nil, types.NewError(types.ErrConfigInvalid, "engine requires an agent tree")
	}
	for _, id := range treeIDs(tree) {
		if _, ok := performers[id]; !ok {
			return nil, types.NewError(types.ErrConfigInvalid,
				fmt.Sprintf("agent %q has no performer", id))
		}
	}
	opts = normalizeEngineOptions(opts)
	return &Engine{
		tree:       tree,
		performers: performers,
		classifier: classifier,
		store:      NewStore(opts.TaskTTL, opts.Logger),
		opts:       opts,
		logger:     opts.Logger.With(zap.String("component", "delegation_engine")),
	}, nil
}

func treeIDs(tree *agent.Tree) []string {
	var out []string
	var walk func(d *agent.Definition)
	walk = func(d *agent.Definition) {
		out = append(out, d.ID)
		for _, sub := range tree.Subordinates(d.ID) {
			walk(sub)
		}
	}
	walk(tree.Root())
	return out
}

// SubmitOptions 提交时的路由提示。显式提示优先于分类器。
type SubmitOptions struct {
	// TargetAgentID 直接指定目标（等价于级别 2）。
	TargetAgentID string
	// Level 显式路由级别（0 表示交给分类器）。
	Level int
	// Debate 强制辩论模式。
	Debate bool
}

// Submit 提交一条指令，任务异步执行。
func (e *Engine) Submit(command string, opts SubmitOptions) (*Handle, error) {
	if strings.TrimSpace(command) == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "command is empty")
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, types.NewError(types.ErrInternalError, "engine is shut down")
	}
	e.wg.Add(1)
	e.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	task := newTask("task_"+uuid.NewString(), command, cancel, nil)
	e.store.Put(task)

	go func() {
		defer e.wg.Done()
		e.run(ctx, task, opts)
	}()

	return &Handle{TaskID: task.ID(), task: task}, nil
}

// Status 返回任务快照。
func (e *Engine) Status(taskID string) (Snapshot, error) {
	task, ok := e.store.Get(taskID)
	if !ok {
		return Snapshot{}, types.NewError(types.ErrInvalidRequest, fmt.Sprintf("unknown task %q", taskID))
	}
	return task.Snapshot(), nil
}

// Cancel 取消任务：向所有在途分支传播取消信号。
// 取消分支的部分输出被丢弃，绝不进入综合。
func (e *Engine) Cancel(taskID string) error {
	task, ok := e.store.Get(taskID)
	if !ok {
		return types.NewError(types.ErrInvalidRequest, fmt.Sprintf("unknown task %q", taskID))
	}
	task.cancel()
	return nil
}

// Close 优雅关闭：拒绝新任务，排空在途任务。
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		e.store.Close()
		return nil
	}
}

// ====== 任务执行 ======

func (e *Engine) run(ctx context.Context, task *Task, opts SubmitOptions) {
	start := time.Now()
	ctx, span := e.opts.Tracer.Start(ctx, "delegation.task",
		trace.WithAttributes(attribute.String("task.id", task.ID())))
	defer span.End()

	status := e.execute(ctx, task, opts)

	snap := task.Snapshot()
	span.SetAttributes(
		attribute.Int("task.level", snap.Level),
		attribute.String("task.status", string(status)),
	)
	if e.opts.Observer != nil {
		e.opts.Observer.ObserveTask(snap.Level, string(status), time.Since(start))
	}
}

// execute 驱动状态机到终态，返回最终走向。
func (e *Engine) execute(ctx context.Context, task *Task, opts SubmitOptions) Status {
	decision, err := e.classify(ctx, task, opts)
	if err != nil {
		return e.fail(task, err)
	}
	task.setLevel(decision.Level)

	instruction := task.command
	var best *Report
	bestScore := -1.0

	for cycle := 0; ; cycle++ {
		task.setState(StateDispatched)
		synthesisInput, err := e.dispatch(ctx, task, decision, instruction)
		if ctx.Err() != nil {
			return e.cancelled(task)
		}
		if err != nil {
			return e.fail(task, err)
		}

		task.setState(StateSynthesizing)
		report, err := e.synthesize(ctx, task, synthesisInput)
		if ctx.Err() != nil {
			return e.cancelled(task)
		}
		if err != nil {
			return e.fail(task, err)
		}
		report.ReworkCycles = cycle

		if e.opts.Reviewer == nil {
			task.finish(StatusSucceeded, report, "", "")
			return StatusSucceeded
		}

		task.setState(StateQualityReview)
		verdict, err := e.opts.Reviewer.Review(ctx, task.command, report.CoordinatorJudgment+"\n\n"+report.SubordinateSummary)
		if ctx.Err() != nil {
			return e.cancelled(task)
		}
		if err != nil {
			// 评审自身故障不应毁掉一个已综合的结果
			e.logger.Warn("quality review unavailable, accepting draft",
				zap.String("task", task.ID()), zap.Error(err))
			task.finish(StatusSucceeded, report, "", "")
			return StatusSucceeded
		}
		report.QualityScore = verdict.Score

		if verdict.Pass {
			task.finish(StatusSucceeded, report, "", "")
			return StatusSucceeded
		}
		if best == nil || verdict.Score > bestScore {
			bestScore = verdict.Score
			best = report
		}
		if cycle >= e.opts.ReworkLimit {
			best.Marker = "quality-gate-exhausted"
			task.finish(StatusSucceeded, best, string(types.ErrQualityGateExhausted),
				fmt.Sprintf("best-available result after %d rework cycles", cycle+1))
			return StatusSucceeded
		}

		e.logger.Info("quality gate rejected draft, reworking",
			zap.String("task", task.ID()),
			zap.Float64("score", verdict.Score),
			zap.Int("cycle", cycle+1),
		)
		task.setState(StateRejectedReworking)
		task.resetBranches()
		instruction = fmt.Sprintf(
			"%s\n\nA previous attempt was rejected by quality review (score %.2f): %s\nAddress the rejection explicitly.",
			task.command, verdict.Score, verdict.Reason,
		)
	}
}

func (e *Engine) fail(task *Task, err error) Status {
	task.finish(StatusFailed, nil, string(types.GetErrorCode(err)), err.Error())
	return StatusFailed
}

func (e *Engine) cancelled(task *Task) Status {
	task.finish(StatusCancelled, nil, string(types.ErrTaskCancelled), "task cancelled")
	return StatusCancelled
}

// classify 决定路由级别：显式提示 > 分类器 > 兜底直答。
func (e *Engine) classify(ctx context.Context, task *Task, opts SubmitOptions) (Decision, error) {
	task.setState(StateClassifying)

	if opts.TargetAgentID != "" {
		if _, ok := e.tree.Get(opts.TargetAgentID); !ok {
			return Decision{}, types.NewError(types.ErrInvalidRequest,
				fmt.Sprintf("unknown target agent %q", opts.TargetAgentID))
		}
		return Decision{Level: 2, Target: opts.TargetAgentID, Debate: opts.Debate}, nil
	}
	if opts.Level >= 1 && opts.Level <= 4 {
		d := Decision{Level: opts.Level, Debate: opts.Debate}
		if d.Level == 3 {
			managers := e.tree.Managers()
			if len(managers) == 0 {
				return Decision{}, types.NewError(types.ErrConfigInvalid, "level 3 routing requires a manager")
			}
			d.Target = managers[0].ID
		}
		return d, nil
	}
	if e.classifier == nil {
		return Decision{Level: 1, Debate: opts.Debate}, nil
	}

	decision, err := e.classifier.Classify(ctx, task.command)
	if err != nil {
		e.logger.Warn("classification failed, coordinator answers directly",
			zap.String("task", task.ID()), zap.Error(err))
		return Decision{Level: 1}, nil
	}
	if decision.Level < 1 || decision.Level > 4 {
		decision.Level = 1
	}
	// 分类只是路由提示：目标缺失或不在树中不值得让任务失败，降级直答
	if decision.Level == 2 {
		if _, ok := e.tree.Get(decision.Target); !ok {
			e.logger.Warn("classifier target unusable, coordinator answers directly",
				zap.String("task", task.ID()), zap.String("target", decision.Target))
			decision.Level = 1
			decision.Target = ""
		}
	}
	if decision.Level == 3 && decision.Target == "" {
		managers := e.tree.Managers()
		if len(managers) > 0 {
			decision.Target = managers[0].ID
		} else {
			decision.Level = 1
		}
	}
	decision.Debate = decision.Debate || opts.Debate
	return decision, nil
}

// dispatch 按级别扇出分支并等待全部完成，返回综合输入。
func (e *Engine) dispatch(ctx context.Context, task *Task, decision Decision, instruction string) (string, error) {
	if decision.Debate {
		return e.dispatchDebate(ctx, task, instruction)
	}

	switch decision.Level {
	case 1:
		e.runSingle(ctx, task, e.tree.Root().ID, instruction)
	case 2:
		if _, ok := e.tree.Get(decision.Target); !ok {
			return "", types.NewError(types.ErrConfigInvalid,
				fmt.Sprintf("routing target %q not in agent tree", decision.Target))
		}
		e.runSingle(ctx, task, decision.Target, instruction)
	case 3:
		manager, ok := e.tree.Get(decision.Target)
		if !ok || manager.Tier != agent.TierManager {
			return "", types.NewError(types.ErrConfigInvalid,
				fmt.Sprintf("level 3 target %q is not a manager", decision.Target))
		}
		e.fanOut(ctx, task, []*agent.Definition{manager}, instruction)
	case 4:
		managers := e.tree.Managers()
		if len(managers) == 0 {
			return "", types.NewError(types.ErrConfigInvalid, "level 4 routing requires managers")
		}
		e.fanOut(ctx, task, managers, instruction)
	default:
		return "", types.NewError(types.ErrInternalError, fmt.Sprintf("unknown routing level %d", decision.Level))
	}

	if ctx.Err() != nil {
		return "", nil
	}
	successes := task.succeededBranches()
	if len(successes) == 0 {
		return "", types.NewError(types.ErrNoSuccessfulBranch, "no branch produced a result").
			WithContext(fmt.Sprintf("%d branches failed", len(task.partialFailures())))
	}
	return renderContributions(successes, task.partialFailures()), nil
}

// dispatchDebate 辩论变体：参与者为全体 manager。
func (e *Engine) dispatchDebate(ctx context.Context, task *Task, instruction string) (string, error) {
	managers := e.tree.Managers()
	if len(managers) < 2 {
		return "", types.NewError(types.ErrConfigInvalid, "debate requires at least two managers")
	}
	participants := make([]debateParticipant, 0, len(managers))
	for _, m := range managers {
		participants = append(participants, debateParticipant{agentID: m.ID, performer: e.performers[m.ID]})
	}

	d := &debate{
		participants: participants,
		rounds:       e.opts.DebateRounds,
		rotation:     e.opts.Rotation,
		maxParallel:  e.opts.MaxParallel,
		logger:       e.logger,
	}
	transcript, err := d.run(ctx, task, instruction)
	if err != nil {
		return "", err
	}

	succeeded := 0
	for _, r := range transcript {
		for _, c := range r.Contributions {
			if !c.Failed {
				succeeded++
			}
		}
	}
	if succeeded == 0 {
		return "", types.NewError(types.ErrNoSuccessfulBranch, "no debate participant produced a contribution")
	}
	return "Debate transcript:\n" + renderTranscript(transcript), nil
}

// runSingle 单分支执行（级别 1/2）。
func (e *Engine) runSingle(ctx context.Context, task *Task, agentID, instruction string) {
	idx := task.addBranch(Branch{ID: "branch_" + uuid.NewString(), AgentID: agentID})
	e.runBranch(ctx, task, idx, agentID, instruction)
}

// fanOut 级别 3/4 扇出：每个 manager 一条分支，并为其注入派生器，
// manager 在执行中通过 delegate 工具派生的 specialist 分支与
// manager 自身并发运行——manager 是平级贡献者，不是聚合器。
func (e *Engine) fanOut(ctx context.Context, task *Task, managers []*agent.Definition, instruction string) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.MaxParallel)

	// Spawned specialist branches outlive the manager fan-out, so they run
	// under the dispatch context, not the errgroup context (which is
	// cancelled as soon as g.Wait returns).
	var spawned sync.WaitGroup
	for _, m := range managers {
		sp := &spawner{engine: e, task: task, ctx: ctx, wg: &spawned, manager: m}
		mctx := withSpawner(gctx, sp)
		idx := task.addBranch(Branch{ID: "branch_" + uuid.NewString(), AgentID: m.ID})
		g.Go(func() error {
			e.runBranch(mctx, task, idx, m.ID, e.managerInstruction(m, instruction))
			return nil
		})
	}
	_ = g.Wait()
	spawned.Wait()
}

// managerInstruction 提示 manager 可以派生下级。
func (e *Engine) managerInstruction(m *agent.Definition, instruction string) string {
	if !m.AutoSpawn || len(m.Subordinates) == 0 {
		return instruction
	}
	return fmt.Sprintf(
		"%s\n\nYou may dispatch any of your specialists (%s) with the %q tool; they run concurrently with you and report separately. Contribute your own analysis as well.",
		instruction, strings.Join(m.Subordinates, ", "), DelegateToolID,
	)
}

// runBranch 执行一条分支并记录结果。分支自身绝不向上抛错：
// 后端耗尽等失败记为部分失败，由 dispatch 统一裁决。
func (e *Engine) runBranch(ctx context.Context, task *Task, idx int, agentID, instruction string) {
	start := time.Now()
	bctx, span := e.opts.Tracer.Start(ctx, "delegation.branch",
		trace.WithAttributes(attribute.String("agent.id", agentID)))
	defer span.End()

	res, err := e.performers[agentID].Perform(bctx, task.ID(), instruction)
	elapsed := time.Since(start)

	b := Branch{Elapsed: elapsed}
	switch {
	case ctx.Err() != nil:
		// 取消分支的部分输出一律丢弃
		b.Status = BranchCancelled
		b.ErrorCode = string(types.ErrTaskCancelled)
	case err != nil:
		b.Status = BranchFailed
		b.ErrorCode = string(types.GetErrorCode(err))
		b.ErrorMsg = err.Error()
		e.logger.Warn("branch failed",
			zap.String("task", task.ID()),
			zap.String("agent", agentID),
			zap.String("code", b.ErrorCode),
		)
	default:
		b.Status = BranchSucceeded
		b.Output = res.Text
		b.Marker = res.Marker
	}
	task.finishBranch(idx, b)

	if e.opts.Observer != nil {
		e.opts.Observer.ObserveBranch(agentID, string(b.Status), elapsed)
	}
}

// synthesize 由协调者产出最终结果，显式区隔两个部分。
func (e *Engine) synthesize(ctx context.Context, task *Task, synthesisInput string) (*Report, error) {
	coordinator := e.tree.Root()
	instruction := fmt.Sprintf(
		"Original command:\n%s\n\nMaterial from your subordinates:\n%s\n\nProduce the final answer as exactly two sections with these literal headers:\n%s\nYour own independent judgment of the command, informed by but not limited to the material.\n%s\nA faithful summary of what the subordinates contributed, including partial failures.",
		task.command, synthesisInput, judgmentHeader, summaryHeader,
	)

	res, err := e.performers[coordinator.ID].Perform(ctx, task.ID(), instruction)
	if err != nil {
		return nil, err
	}
	return parseReport(res.Text, synthesisInput), nil
}

const (
	judgmentHeader = "COORDINATOR JUDGMENT:"
	summaryHeader  = "SUBORDINATE SUMMARY:"
)

// parseReport 解析两段式产出；模型没按格式来时退回确定性兜底，
// 两个部分仍然保持区隔。
func parseReport(text, synthesisInput string) *Report {
	ji := strings.Index(text, judgmentHeader)
	si := strings.Index(text, summaryHeader)
	if ji >= 0 && si > ji {
		return &Report{
			CoordinatorJudgment: strings.TrimSpace(text[ji+len(judgmentHeader) : si]),
			SubordinateSummary:  strings.TrimSpace(text[si+len(summaryHeader):]),
		}
	}
	return &Report{
		CoordinatorJudgment: strings.TrimSpace(text),
		SubordinateSummary:  strings.TrimSpace(synthesisInput),
	}
}

// renderContributions 渲染成功分支与部分失败清单作为综合输入。
func renderContributions(successes, failures []Branch) string {
	var b strings.Builder
	for _, br := range successes {
		fmt.Fprintf(&b, "[%s]\n%s\n\n", br.AgentID, br.Output)
	}
	if len(failures) > 0 {
		b.WriteString("Partial failures:\n")
		for _, br := range failures {
			fmt.Fprintf(&b, "- %s: %s\n", br.AgentID, br.ErrorCode)
		}
	}
	return strings.TrimSpace(b.String())
}

// ====== AutoSpawn：manager 执行中派生 specialist ======

// DelegateToolID manager 动态派生下级用的内部工具 ID。
const DelegateToolID = "delegate"

type spawnerCtxKey struct{}

// spawner 把 manager 的派生请求接回本次扇出的分支机制。
type spawner struct {
	engine  *Engine
	task    *Task
	ctx     context.Context
	wg      *sync.WaitGroup
	manager *agent.Definition
}

func withSpawner(ctx context.Context, s *spawner) context.Context {
	return context.WithValue(ctx, spawnerCtxKey{}, s)
}

func spawnerFrom(ctx context.Context) (*spawner, bool) {
	s, ok := ctx.Value(spawnerCtxKey{}).(*spawner)
	return s, ok
}

// spawn 校验目标并异步启动 specialist 分支；立即返回，
// 让 manager 继续自己的分析。
func (s *spawner) spawn(agentID, instruction string) error {
	def, ok := s.engine.tree.Get(agentID)
	if !ok {
		return fmt.Errorf("unknown agent %q", agentID)
	}
	if def.Superior != s.manager.ID {
		return fmt.Errorf("agent %q is not a subordinate of %q", agentID, s.manager.ID)
	}
	if !s.manager.AutoSpawn {
		return fmt.Errorf("manager %q is not allowed to spawn subordinates", s.manager.ID)
	}

	idx := s.task.addBranch(Branch{ID: "branch_" + uuid.NewString(), AgentID: agentID})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.engine.runBranch(s.ctx, s.task, idx, agentID, instruction)
	}()
	return nil
}

// DelegateTool 返回 delegate 工具的声明与执行器，
// 在装配期注册到 manager 可见的工具注册表。
func (e *Engine) DelegateTool() (types.ToolSpec, tools.Invoker) {
	spec := types.ToolSpec{
		ID:          DelegateToolID,
		Description: "Dispatch one of your specialists to work on a sub-task concurrently with you. Returns immediately; the specialist reports separately.",
		Fields: []types.ToolField{
			{Name: "agent_id", Type: types.SchemaTypeString, Description: "ID of the specialist to dispatch", Required: true},
			{Name: "instruction", Type: types.SchemaTypeString, Description: "Sub-task instruction for the specialist", Required: true},
		},
	}
	invoker := tools.InvokerFunc(func(ctx context.Context, call types.ToolCall) (tools.InvokeResult, error) {
		sp, ok := spawnerFrom(ctx)
		if !ok {
			return tools.InvokeResult{OK: false, ErrorKind: string(types.ErrToolInvocation),
				Message: "delegation is not available in this context"}, nil
		}
		var args struct {
			AgentID     string `json:"agent_id"`
			Instruction string `json:"instruction"`
		}
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			return tools.InvokeResult{OK: false, ErrorKind: string(types.ErrToolInvocation),
				Message: "invalid delegate arguments: " + err.Error()}, nil
		}
		if err := sp.spawn(args.AgentID, args.Instruction); err != nil {
			return tools.InvokeResult{OK: false, ErrorKind: string(types.ErrToolInvocation),
				Message: err.Error()}, nil
		}
		return tools.InvokeResult{OK: true, Data: "dispatched: " + args.AgentID}, nil
	})
	return spec, invoker
}
