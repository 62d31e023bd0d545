package delegation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/kodonghui/CORTHEX-HQ-sub001/agent"
	"github.com/kodonghui/CORTHEX-HQ-sub001/llm"
	"github.com/kodonghui/CORTHEX-HQ-sub001/types"
)

// LLMClassifier 用协调者模型给指令定级。
// 分类只是路由提示，解析失败由引擎兜底为直答，不在这里吞错。
type LLMClassifier struct {
	caller llm.Caller
	tree   *agent.Tree
	model  string
	logger *zap.Logger
}

// NewLLMClassifier 创建分类器。model 为空时使用协调者的模型。
func NewLLMClassifier(caller llm.Caller, tree *agent.Tree, model string, logger *zap.Logger) *LLMClassifier {
	if model == "" {
		model = tree.Root().Model
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMClassifier{
		caller: caller,
		tree:   tree,
		model:  model,
		logger: logger.With(zap.String("component", "classifier")),
	}
}

// Classify 实现 Classifier。
func (c *LLMClassifier) Classify(ctx context.Context, command string) (Decision, error) {
	var roster strings.Builder
	for _, m := range c.tree.Managers() {
		fmt.Fprintf(&roster, "- %s (%s): specialists %s\n", m.ID, m.Name, strings.Join(m.Subordinates, ", "))
	}

	prompt := fmt.Sprintf(
		`Classify the routing level for this command.

Command:
%s

Available managers:
%s
Levels:
1 = trivial, answer directly without delegation
2 = one specific agent should handle it alone (set "target")
3 = one manager and possibly its specialists (set "target" to the manager)
4 = broad question, fan out to every manager

Respond with JSON only: {"level": 1, "target": "", "debate": false}`,
		command, roster.String(),
	)

	resp, err := c.caller.Completion(ctx, &llm.ChatRequest{
		Model:    c.model,
		Messages: []types.Message{types.NewUserMessage(prompt)},
	})
	if err != nil {
		return Decision{}, err
	}

	start := strings.Index(resp.Content, "{")
	end := strings.LastIndex(resp.Content, "}")
	if start < 0 || end <= start {
		return Decision{}, types.NewError(types.ErrUpstreamError, "classifier reply contains no JSON")
	}
	var reply struct {
		Level  int    `json:"level"`
		Target string `json:"target"`
		Debate bool   `json:"debate"`
	}
	if err := json.Unmarshal([]byte(resp.Content[start:end+1]), &reply); err != nil {
		return Decision{}, types.NewError(types.ErrUpstreamError, "classifier reply is not valid JSON").WithCause(err)
	}

	d := Decision{Level: reply.Level, Target: reply.Target, Debate: reply.Debate}
	if d.Level == 3 && d.Target == "" {
		managers := c.tree.Managers()
		if len(managers) > 0 {
			d.Target = managers[0].ID
		}
	}
	c.logger.Debug("command classified",
		zap.Int("level", d.Level),
		zap.String("target", d.Target),
		zap.Bool("debate", d.Debate),
	)
	return d, nil
}
