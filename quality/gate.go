// Package quality 实现结果质量门：用评审模型按评分量表给草稿打分，
// 低于阈值的草稿带着拒绝理由退回返工。
//
// 量表是数据而不是代码：维度名称、说明、权重全部可插拔，
// 默认量表只是一个合理起点。
package quality

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"go.uber.org/zap"

	"github.com/kodonghui/CORTHEX-HQ-sub001/llm"
	"github.com/kodonghui/CORTHEX-HQ-sub001/types"
)

// Dimension 评分维度。
type Dimension struct {
	Name        string  `json:"name" yaml:"name"`
	Description string  `json:"description" yaml:"description"`
	Weight      float64 `json:"weight" yaml:"weight"`
}

// Rubric 评分量表：带权维度 + 通过阈值。
type Rubric struct {
	Dimensions []Dimension `json:"dimensions" yaml:"dimensions"`
	// Threshold 加权总分（0~1）不低于该值视为通过。
	Threshold float64 `json:"threshold" yaml:"threshold"`
}

// DefaultRubric 默认三维量表。
func DefaultRubric() Rubric {
	return Rubric{
		Dimensions: []Dimension{
			{Name: "accuracy", Description: "Claims are factually correct and internally consistent", Weight: 0.4},
			{Name: "completeness", Description: "All parts of the command are addressed", Weight: 0.35},
			{Name: "actionability", Description: "The answer is concrete enough to act on", Weight: 0.25},
		},
		Threshold: 0.7,
	}
}

// Validate 校验量表：维度非空、权重为正。
func (r Rubric) Validate() error {
	if len(r.Dimensions) == 0 {
		return types.NewError(types.ErrConfigInvalid, "rubric has no dimensions")
	}
	if r.Threshold <= 0 || r.Threshold > 1 {
		return types.NewError(types.ErrConfigInvalid, fmt.Sprintf("rubric threshold %v out of (0,1]", r.Threshold))
	}
	for _, d := range r.Dimensions {
		if d.Name == "" {
			return types.NewError(types.ErrConfigInvalid, "rubric dimension has empty name")
		}
		if d.Weight <= 0 {
			return types.NewError(types.ErrConfigInvalid, fmt.Sprintf("rubric dimension %q has non-positive weight", d.Name))
		}
	}
	return nil
}

// Verdict 评审结论。
type Verdict struct {
	Pass   bool
	Score  float64
	Scores map[string]float64
	Reason string
}

// Reviewer 评审接口（委派引擎消费）。
type Reviewer interface {
	Review(ctx context.Context, command, draft string) (*Verdict, error)
}

// judgePromptText 评审提示词。要求只输出 JSON，便于解析。
const judgePromptText = `You are a strict quality reviewer.

Original command:
{{.Command}}

Draft answer under review:
{{.Draft}}

Score the draft on each dimension from 0.0 to 1.0:
{{range .Dimensions}}- {{.Name}}: {{.Description}}
{{end}}
Respond with JSON only, no prose:
{"scores": { {{range $i, $d := .Dimensions}}{{if $i}}, {{end}}"{{$d.Name}}": 0.0{{end}} }, "reason": "one short sentence"}`

var judgePrompt = template.Must(template.New("judge").Parse(judgePromptText))

// GateOptions 质量门配置。
type GateOptions struct {
	// Model 评审模型。
	Model string
	// Reasoning 评审调用的推理深度。
	Reasoning types.ReasoningDepth
	Logger    *zap.Logger
}

// Gate 基于评审模型的质量门，实现 Reviewer。
type Gate struct {
	caller llm.Caller
	rubric Rubric
	opts   GateOptions
	logger *zap.Logger
}

// NewGate 创建质量门。
func NewGate(caller llm.Caller, rubric Rubric, opts GateOptions) (*Gate, error) {
	if caller == nil {
		return nil, types.NewError(types.ErrConfigInvalid, "quality gate requires a caller")
	}
	if opts.Model == "" {
		return nil, types.NewError(types.ErrConfigInvalid, "quality gate requires a judge model")
	}
	if err := rubric.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Gate{
		caller: caller,
		rubric: rubric,
		opts:   opts,
		logger: opts.Logger.With(zap.String("component", "quality_gate")),
	}, nil
}

// Rubric 返回生效的量表。
func (g *Gate) Rubric() Rubric { return g.rubric }

// Review 实现 Reviewer：渲染评审提示、调用评审模型、解析 JSON 评分。
// 评分缺失的维度按 0 计——评审模型漏评不应该让劣质草稿溜过去。
func (g *Gate) Review(ctx context.Context, command, draft string) (*Verdict, error) {
	var buf bytes.Buffer
	err := judgePrompt.Execute(&buf, struct {
		Command    string
		Draft      string
		Dimensions []Dimension
	}{Command: command, Draft: draft, Dimensions: g.rubric.Dimensions})
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "render judge prompt").WithCause(err)
	}

	resp, err := g.caller.Completion(ctx, &llm.ChatRequest{
		Model:          g.opts.Model,
		ReasoningDepth: g.opts.Reasoning,
		Messages:       []types.Message{types.NewUserMessage(buf.String())},
	})
	if err != nil {
		return nil, err
	}

	verdict, err := g.parse(resp.Content)
	if err != nil {
		g.logger.Warn("judge response unparsable", zap.Error(err))
		return nil, err
	}
	g.logger.Debug("quality verdict",
		zap.Bool("pass", verdict.Pass),
		zap.Float64("score", verdict.Score),
	)
	return verdict, nil
}

type judgeReply struct {
	Scores map[string]float64 `json:"scores"`
	Reason string             `json:"reason"`
}

func (g *Gate) parse(content string) (*Verdict, error) {
	// 评审模型偶尔会包一层说明文字，截取首尾花括号之间的 JSON
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil, types.NewError(types.ErrUpstreamError, "judge reply contains no JSON")
	}
	var reply judgeReply
	if err := json.Unmarshal([]byte(content[start:end+1]), &reply); err != nil {
		return nil, types.NewError(types.ErrUpstreamError, "judge reply is not valid JSON").WithCause(err)
	}

	totalWeight := 0.0
	weighted := 0.0
	scores := make(map[string]float64, len(g.rubric.Dimensions))
	for _, d := range g.rubric.Dimensions {
		s := clamp01(reply.Scores[d.Name])
		scores[d.Name] = s
		weighted += s * d.Weight
		totalWeight += d.Weight
	}
	score := weighted / totalWeight

	return &Verdict{
		Pass:   score >= g.rubric.Threshold,
		Score:  score,
		Scores: scores,
		Reason: reply.Reason,
	}, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
