package quality

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kodonghui/CORTHEX-HQ-sub001/llm"
	"github.com/kodonghui/CORTHEX-HQ-sub001/types"
)

type judgeStub struct {
	reply   string
	err     error
	lastReq *llm.ChatRequest
}

func (j *judgeStub) Completion(_ context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	j.lastReq = req
	if j.err != nil {
		return nil, j.err
	}
	return &llm.ChatResponse{Content: j.reply}, nil
}

func newGate(t *testing.T, judge *judgeStub, rubric Rubric) *Gate {
	t.Helper()
	g, err := NewGate(judge, rubric, GateOptions{Model: "judge-model"})
	require.NoError(t, err)
	return g
}

func TestGateWeightedScoringPasses(t *testing.T) {
	judge := &judgeStub{reply: `{"scores": {"accuracy": 0.9, "completeness": 0.8, "actionability": 0.7}, "reason": "solid"}`}
	g := newGate(t, judge, DefaultRubric())

	v, err := g.Review(context.Background(), "cmd", "draft")
	require.NoError(t, err)

	// 0.9*0.4 + 0.8*0.35 + 0.7*0.25 = 0.815
	assert.InDelta(t, 0.815, v.Score, 1e-9)
	assert.True(t, v.Pass)
	assert.Equal(t, "solid", v.Reason)
}

func TestGateBelowThresholdFails(t *testing.T) {
	judge := &judgeStub{reply: `{"scores": {"accuracy": 0.5, "completeness": 0.5, "actionability": 0.5}, "reason": "thin"}`}
	g := newGate(t, judge, DefaultRubric())

	v, err := g.Review(context.Background(), "cmd", "draft")
	require.NoError(t, err)
	assert.False(t, v.Pass)
	assert.InDelta(t, 0.5, v.Score, 1e-9)
}

func TestGateMissingDimensionScoresZero(t *testing.T) {
	judge := &judgeStub{reply: `{"scores": {"accuracy": 1.0}, "reason": "partial"}`}
	g := newGate(t, judge, DefaultRubric())

	v, err := g.Review(context.Background(), "cmd", "draft")
	require.NoError(t, err)
	assert.InDelta(t, 0.4, v.Score, 1e-9, "unscored dimensions count as zero")
	assert.False(t, v.Pass)
	assert.Zero(t, v.Scores["completeness"])
}

func TestGateClampsOutOfRangeScores(t *testing.T) {
	judge := &judgeStub{reply: `{"scores": {"accuracy": 7.0, "completeness": -3.0, "actionability": 1.0}}`}
	g := newGate(t, judge, DefaultRubric())

	v, err := g.Review(context.Background(), "cmd", "draft")
	require.NoError(t, err)
	assert.Equal(t, 1.0, v.Scores["accuracy"])
	assert.Equal(t, 0.0, v.Scores["completeness"])
}

func TestGateParsesJSONWrappedInProse(t *testing.T) {
	judge := &judgeStub{reply: "Sure, here is my assessment:\n" +
		`{"scores": {"accuracy": 0.8, "completeness": 0.8, "actionability": 0.8}, "reason": "fine"}` +
		"\nLet me know if you need more."}
	g := newGate(t, judge, DefaultRubric())

	v, err := g.Review(context.Background(), "cmd", "draft")
	require.NoError(t, err)
	assert.True(t, v.Pass)
}

func TestGateUnparsableReplyIsUpstreamError(t *testing.T) {
	judge := &judgeStub{reply: "I refuse to answer in JSON."}
	g := newGate(t, judge, DefaultRubric())

	_, err := g.Review(context.Background(), "cmd", "draft")
	require.Error(t, err)
	assert.Equal(t, types.ErrUpstreamError, types.GetErrorCode(err))
}

func TestGatePromptCarriesRubricAndDraft(t *testing.T) {
	judge := &judgeStub{reply: `{"scores": {"accuracy": 1, "completeness": 1, "actionability": 1}}`}
	g := newGate(t, judge, DefaultRubric())

	_, err := g.Review(context.Background(), "the original command", "the draft text")
	require.NoError(t, err)

	require.NotNil(t, judge.lastReq)
	assert.Equal(t, "judge-model", judge.lastReq.Model)
	prompt := judge.lastReq.Messages[0].Content
	assert.Contains(t, prompt, "the original command")
	assert.Contains(t, prompt, "the draft text")
	for _, d := range DefaultRubric().Dimensions {
		assert.Contains(t, prompt, d.Name)
	}
	assert.True(t, strings.Contains(prompt, "JSON only"))
}

func TestRubricValidate(t *testing.T) {
	tests := []struct {
		name   string
		rubric Rubric
		ok     bool
	}{
		{"default", DefaultRubric(), true},
		{"no dimensions", Rubric{Threshold: 0.5}, false},
		{"zero threshold", Rubric{Dimensions: []Dimension{{Name: "x", Weight: 1}}}, false},
		{"threshold above one", Rubric{Dimensions: []Dimension{{Name: "x", Weight: 1}}, Threshold: 1.1}, false},
		{"negative weight", Rubric{Dimensions: []Dimension{{Name: "x", Weight: -1}}, Threshold: 0.5}, false},
		{"unnamed dimension", Rubric{Dimensions: []Dimension{{Weight: 1}}, Threshold: 0.5}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rubric.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestNewGateRequiresModel(t *testing.T) {
	_, err := NewGate(&judgeStub{}, DefaultRubric(), GateOptions{})
	require.Error(t, err)
	assert.Equal(t, types.ErrConfigInvalid, types.GetErrorCode(err))
}
