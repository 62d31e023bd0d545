package delegation

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// RotationFunc 决定第 round 轮（round>=2）的发言顺序：
// 返回 participants 下标的一个排列。
type RotationFunc func(round, n int) []int

// DefaultRotation 按轮次偏移的确定性轮转：participants[(i+round-1)%n]。
func DefaultRotation(round, n int) []int {
	out := make([]int, n)
	for i := 0; i < n; i++ {
		out[i] = (i + round - 1) % n
	}
	return out
}

// debateParticipant 一名辩论参与者。
type debateParticipant struct {
	agentID   string
	performer Performer
}

// debate 多轮辩论执行器。
// 第 1 轮所有参与者并行、互不可见；第 ≥2 轮按轮转顺序串行，
// 每人拿到完整历史发言并被要求提出具体异议——禁止空洞附和。
type debate struct {
	participants []debateParticipant
	rounds       int
	rotation     RotationFunc
	maxParallel  int
	logger       *zap.Logger
}

// run 执行全部轮次，把每轮结果登记到 task，返回完整辩论记录。
func (d *debate) run(ctx context.Context, task *Task, command string) ([]DebateRound, error) {
	rotation := d.rotation
	if rotation == nil {
		rotation = DefaultRotation
	}
	n := len(d.participants)
	var transcript []DebateRound

	// 第 1 轮：并行、隔离
	first := DebateRound{Round: 1, Contributions: make([]Contribution, n)}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.maxParallel)
	for i, p := range d.participants {
		g.Go(func() error {
			instruction := fmt.Sprintf(
				"Command under debate:\n%s\n\nGive your independent analysis. You have not seen anyone else's position.",
				command,
			)
			first.Contributions[i] = d.contribute(gctx, task.ID(), p, instruction)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return transcript, err
	}
	transcript = append(transcript, first)
	task.addRound(first)

	// 第 ≥2 轮：严格串行，轮转顺序逐轮变化
	for round := 2; round <= d.rounds; round++ {
		current := DebateRound{Round: round}
		for _, idx := range rotation(round, n) {
			if err := ctx.Err(); err != nil {
				return transcript, err
			}
			p := d.participants[idx]
			instruction := fmt.Sprintf(
				"Command under debate:\n%s\n\nFull transcript so far:\n%s\n\nThis is round %d. Bare agreement is disallowed: your contribution must state at least one concrete objection to a prior contribution, introduced with \"Objection:\". Then give your updated position.",
				command,
				renderTranscript(append(transcript, current)),
				round,
			)
			current.Contributions = append(current.Contributions, d.contribute(ctx, task.ID(), p, instruction))
		}
		transcript = append(transcript, current)
		task.addRound(current)
	}
	return transcript, nil
}

// contribute 执行单次发言；失败记为 Failed 发言而不是中断辩论。
func (d *debate) contribute(ctx context.Context, taskID string, p debateParticipant, instruction string) Contribution {
	res, err := p.performer.Perform(ctx, taskID, instruction)
	if err != nil {
		d.logger.Warn("debate contribution failed",
			zap.String("agent", p.agentID),
			zap.Error(err),
		)
		return Contribution{AgentID: p.agentID, Text: err.Error(), Failed: true}
	}
	return Contribution{AgentID: p.agentID, Text: res.Text}
}

// renderTranscript 渲染历史发言为可回灌的文本。
func renderTranscript(rounds []DebateRound) string {
	var b strings.Builder
	for _, r := range rounds {
		if len(r.Contributions) == 0 {
			continue
		}
		fmt.Fprintf(&b, "=== Round %d ===\n", r.Round)
		for _, c := range r.Contributions {
			if c.Failed {
				fmt.Fprintf(&b, "[%s] (no contribution: backend failure)\n", c.AgentID)
				continue
			}
			fmt.Fprintf(&b, "[%s]\n%s\n", c.AgentID, c.Text)
		}
	}
	return b.String()
}
