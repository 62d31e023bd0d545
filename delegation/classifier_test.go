package delegation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kodonghui/CORTHEX-HQ-sub001/llm"
	"github.com/kodonghui/CORTHEX-HQ-sub001/types"
)

type classifierCaller struct {
	reply   string
	err     error
	lastReq *llm.ChatRequest
}

func (c *classifierCaller) Completion(_ context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	c.lastReq = req
	if c.err != nil {
		return nil, c.err
	}
	return &llm.ChatResponse{Content: c.reply}, nil
}

func TestClassifierParsesDecision(t *testing.T) {
	tree := flatTree(t, 2)
	caller := &classifierCaller{reply: `Here you go: {"level": 2, "target": "mgr-1", "debate": false}`}
	c := NewLLMClassifier(caller, tree, "cheap-model", nil)

	d, err := c.Classify(context.Background(), "route me")
	require.NoError(t, err)
	assert.Equal(t, Decision{Level: 2, Target: "mgr-1"}, d)
	assert.Equal(t, "cheap-model", caller.lastReq.Model)
}

func TestClassifierPromptListsManagers(t *testing.T) {
	tree := flatTree(t, 2)
	caller := &classifierCaller{reply: `{"level": 1}`}
	c := NewLLMClassifier(caller, tree, "", nil)

	_, err := c.Classify(context.Background(), "some command")
	require.NoError(t, err)

	prompt := caller.lastReq.Messages[0].Content
	assert.Contains(t, prompt, "mgr-0")
	assert.Contains(t, prompt, "mgr-1")
	assert.Contains(t, prompt, "some command")
	assert.Equal(t, "m", caller.lastReq.Model, "empty model falls back to the coordinator's")
}

func TestClassifierLevelThreeDefaultsToFirstManager(t *testing.T) {
	tree := flatTree(t, 3)
	caller := &classifierCaller{reply: `{"level": 3}`}
	c := NewLLMClassifier(caller, tree, "m", nil)

	d, err := c.Classify(context.Background(), "cmd")
	require.NoError(t, err)
	assert.Equal(t, 3, d.Level)
	assert.Equal(t, "mgr-0", d.Target)
}

func TestClassifierUnparsableReply(t *testing.T) {
	tree := flatTree(t, 1)
	caller := &classifierCaller{reply: "no json here"}
	c := NewLLMClassifier(caller, tree, "m", nil)

	_, err := c.Classify(context.Background(), "cmd")
	require.Error(t, err)
	assert.Equal(t, types.ErrUpstreamError, types.GetErrorCode(err))
}
