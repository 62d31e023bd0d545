package delegation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kodonghui/CORTHEX-HQ-sub001/agent"
	"github.com/kodonghui/CORTHEX-HQ-sub001/quality"
	"github.com/kodonghui/CORTHEX-HQ-sub001/types"
)

type performFunc func(ctx context.Context, taskID, instruction string) (*agent.Result, error)

func (f performFunc) Perform(ctx context.Context, taskID, instruction string) (*agent.Result, error) {
	return f(ctx, taskID, instruction)
}

func textPerformer(text string) Performer {
	return performFunc(func(context.Context, string, string) (*agent.Result, error) {
		return &agent.Result{Text: text}, nil
	})
}

// recordingPerformer keeps every instruction it receives.
type recordingPerformer struct {
	mu           sync.Mutex
	instructions []string
	reply        func(instruction string) (*agent.Result, error)
}

func (p *recordingPerformer) Perform(_ context.Context, _ string, instruction string) (*agent.Result, error) {
	p.mu.Lock()
	p.instructions = append(p.instructions, instruction)
	p.mu.Unlock()
	if p.reply != nil {
		return p.reply(instruction)
	}
	return &agent.Result{Text: "ok"}, nil
}

func (p *recordingPerformer) all() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.instructions...)
}

// flatTree builds a coordinator with n managers and no specialists.
func flatTree(t *testing.T, n int) *agent.Tree {
	t.Helper()
	defs := []agent.Definition{{ID: "hq", Tier: agent.TierCoordinator, Model: "m"}}
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("mgr-%d", i)
		defs[0].Subordinates = append(defs[0].Subordinates, id)
		defs = append(defs, agent.Definition{ID: id, Tier: agent.TierManager, Model: "m", Superior: "hq"})
	}
	tree, err := agent.BuildTree(defs)
	require.NoError(t, err)
	return tree
}

func synthesisReply(judgment, summary string) string {
	return judgmentHeader + " " + judgment + "\n" + summaryHeader + " " + summary
}

func newTestEngine(t *testing.T, tree *agent.Tree, performers map[string]Performer, opts EngineOptions) *Engine {
	t.Helper()
	e, err := NewEngine(tree, performers, nil, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Close(ctx)
	})
	return e
}

func waitDone(t *testing.T, h *Handle) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	snap, err := h.Wait(ctx)
	require.NoError(t, err)
	return snap
}

func TestEngineRequiresPerformerPerAgent(t *testing.T) {
	tree := flatTree(t, 1)
	_, err := NewEngine(tree, map[string]Performer{"hq": textPerformer("x")}, nil, EngineOptions{})
	require.Error(t, err)
	assert.Equal(t, types.ErrConfigInvalid, types.GetErrorCode(err))
}

func TestEngineRejectsEmptyCommand(t *testing.T) {
	tree := flatTree(t, 1)
	e := newTestEngine(t, tree, map[string]Performer{
		"hq":    textPerformer("x"),
		"mgr-0": textPerformer("x"),
	}, EngineOptions{})

	_, err := e.Submit("   ", SubmitOptions{})
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidRequest, types.GetErrorCode(err))
}

// One failed branch out of five is a partial failure: the remaining four
// results still reach synthesis, and the failure is reported there.
func TestEnginePartialFailureStillSynthesizes(t *testing.T) {
	tree := flatTree(t, 5)
	coordinator := &recordingPerformer{reply: func(string) (*agent.Result, error) {
		return &agent.Result{Text: synthesisReply("the verdict", "what they said")}, nil
	}}
	performers := map[string]Performer{"hq": coordinator}
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("mgr-%d", i)
		if i == 2 {
			performers[id] = performFunc(func(context.Context, string, string) (*agent.Result, error) {
				return nil, types.NewError(types.ErrBackendExhausted, "all backends down")
			})
			continue
		}
		performers[id] = textPerformer("finding from " + id)
	}

	e := newTestEngine(t, tree, performers, EngineOptions{})
	h, err := e.Submit("investigate the outage", SubmitOptions{Level: 4})
	require.NoError(t, err)
	snap := waitDone(t, h)

	assert.Equal(t, StatusSucceeded, snap.Status)
	assert.Equal(t, 4, snap.Level)
	require.NotNil(t, snap.Report)
	assert.Equal(t, "the verdict", snap.Report.CoordinatorJudgment)

	failed := 0
	for _, b := range snap.Branches {
		if b.Status == BranchFailed {
			failed++
			assert.Equal(t, "mgr-2", b.AgentID)
			assert.Equal(t, string(types.ErrBackendExhausted), b.ErrorCode)
		}
	}
	assert.Equal(t, 1, failed)

	// The coordinator must see the four surviving results and the failure list.
	inputs := coordinator.all()
	require.Len(t, inputs, 1)
	for _, id := range []string{"mgr-0", "mgr-1", "mgr-3", "mgr-4"} {
		assert.Contains(t, inputs[0], "finding from "+id)
	}
	assert.Contains(t, inputs[0], "Partial failures:")
	assert.Contains(t, inputs[0], "mgr-2")
}

func TestEngineAllBranchesFailedIsHardFailure(t *testing.T) {
	tree := flatTree(t, 3)
	performers := map[string]Performer{"hq": textPerformer("never called")}
	for i := 0; i < 3; i++ {
		performers[fmt.Sprintf("mgr-%d", i)] = performFunc(func(context.Context, string, string) (*agent.Result, error) {
			return nil, types.NewError(types.ErrBackendExhausted, "down")
		})
	}

	e := newTestEngine(t, tree, performers, EngineOptions{})
	h, err := e.Submit("anything", SubmitOptions{Level: 4})
	require.NoError(t, err)
	snap := waitDone(t, h)

	assert.Equal(t, StatusFailed, snap.Status)
	assert.Nil(t, snap.Report)
	assert.Equal(t, string(types.ErrNoSuccessfulBranch), snap.ErrorCode)
}

func TestEngineStatusIsIdempotent(t *testing.T) {
	tree := flatTree(t, 1)
	e := newTestEngine(t, tree, map[string]Performer{
		"hq":    textPerformer(synthesisReply("j", "s")),
		"mgr-0": textPerformer("work"),
	}, EngineOptions{})

	h, err := e.Submit("do it", SubmitOptions{Level: 2, TargetAgentID: "mgr-0"})
	require.NoError(t, err)
	waitDone(t, h)

	first, err := e.Status(h.TaskID)
	require.NoError(t, err)
	second, err := e.Status(h.TaskID)
	require.NoError(t, err)
	assert.Equal(t, first, second, "status without state change must be identical")
}

func TestEngineCancelDiscardsPendingBranches(t *testing.T) {
	tree := flatTree(t, 3)
	firstDone := make(chan struct{})
	blocker := performFunc(func(ctx context.Context, _, _ string) (*agent.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	performers := map[string]Performer{
		"hq": textPerformer("unreachable"),
		"mgr-0": performFunc(func(context.Context, string, string) (*agent.Result, error) {
			defer close(firstDone)
			return &agent.Result{Text: "early finding"}, nil
		}),
		"mgr-1": blocker,
		"mgr-2": blocker,
	}

	e := newTestEngine(t, tree, performers, EngineOptions{})
	h, err := e.Submit("long running", SubmitOptions{Level: 4})
	require.NoError(t, err)

	select {
	case <-firstDone:
	case <-time.After(5 * time.Second):
		t.Fatal("first branch never completed")
	}
	require.NoError(t, e.Cancel(h.TaskID))
	snap := waitDone(t, h)

	assert.Equal(t, StatusCancelled, snap.Status)
	assert.Nil(t, snap.Report, "cancelled tasks never synthesize")
	for _, b := range snap.Branches {
		if b.AgentID == "mgr-0" {
			continue
		}
		assert.Equal(t, BranchCancelled, b.Status)
		assert.Empty(t, b.Output, "partial output of cancelled branches is discarded")
	}
}

func TestEngineLevelOneCoordinatorAnswersDirectly(t *testing.T) {
	tree := flatTree(t, 2)
	coordinator := &recordingPerformer{reply: func(instruction string) (*agent.Result, error) {
		if strings.Contains(instruction, judgmentHeader) {
			return &agent.Result{Text: synthesisReply("direct answer", "own work")}, nil
		}
		return &agent.Result{Text: "raw analysis"}, nil
	}}
	manager := &recordingPerformer{}
	e := newTestEngine(t, tree, map[string]Performer{
		"hq": coordinator, "mgr-0": manager, "mgr-1": manager,
	}, EngineOptions{})

	h, err := e.Submit("what time is it", SubmitOptions{Level: 1})
	require.NoError(t, err)
	snap := waitDone(t, h)

	assert.Equal(t, StatusSucceeded, snap.Status)
	assert.Equal(t, 1, snap.Level)
	assert.Empty(t, manager.all(), "level 1 never reaches managers")
}

func TestEngineClassifierFailureFallsBackToLevelOne(t *testing.T) {
	tree := flatTree(t, 1)
	performers := map[string]Performer{
		"hq":    textPerformer(synthesisReply("fallback answer", "none")),
		"mgr-0": textPerformer("unused"),
	}
	classifier := classifierFunc(func(context.Context, string) (Decision, error) {
		return Decision{}, types.NewError(types.ErrUpstreamError, "classifier model down")
	})

	e, err := NewEngine(tree, performers, classifier, EngineOptions{})
	require.NoError(t, err)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Close(ctx)
	}()

	h, err := e.Submit("unclear request", SubmitOptions{})
	require.NoError(t, err)
	snap := waitDone(t, h)

	assert.Equal(t, StatusSucceeded, snap.Status)
	assert.Equal(t, 1, snap.Level, "a broken classifier degrades to a direct answer")
}

func TestEngineClassifierTargetlessLevelTwoDegrades(t *testing.T) {
	for name, decision := range map[string]Decision{
		"empty target":   {Level: 2},
		"unknown target": {Level: 2, Target: "ghost"},
	} {
		t.Run(name, func(t *testing.T) {
			tree := flatTree(t, 1)
			manager := &recordingPerformer{}
			classifier := classifierFunc(func(context.Context, string) (Decision, error) {
				return decision, nil
			})

			e, err := NewEngine(tree, map[string]Performer{
				"hq":    textPerformer(synthesisReply("direct", "none")),
				"mgr-0": manager,
			}, classifier, EngineOptions{})
			require.NoError(t, err)
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = e.Close(ctx)
			}()

			h, err := e.Submit("route me somewhere", SubmitOptions{})
			require.NoError(t, err)
			snap := waitDone(t, h)

			assert.Equal(t, StatusSucceeded, snap.Status, "an unusable routing hint never fails the task")
			assert.Equal(t, 1, snap.Level)
			assert.Empty(t, manager.all())
		})
	}
}

type classifierFunc func(ctx context.Context, command string) (Decision, error)

func (f classifierFunc) Classify(ctx context.Context, command string) (Decision, error) {
	return f(ctx, command)
}

type scriptedReviewer struct {
	mu       sync.Mutex
	verdicts []*quality.Verdict
	calls    int
}

func (r *scriptedReviewer) Review(context.Context, string, string) (*quality.Verdict, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := r.verdicts[r.calls]
	r.calls++
	return v, nil
}

func TestEngineQualityGateReworkThenPass(t *testing.T) {
	tree := flatTree(t, 1)
	manager := &recordingPerformer{reply: func(string) (*agent.Result, error) {
		return &agent.Result{Text: "draft"}, nil
	}}
	reviewer := &scriptedReviewer{verdicts: []*quality.Verdict{
		{Pass: false, Score: 0.4, Reason: "too shallow"},
		{Pass: true, Score: 0.9},
	}}

	e := newTestEngine(t, tree, map[string]Performer{
		"hq":    textPerformer(synthesisReply("j", "s")),
		"mgr-0": manager,
	}, EngineOptions{Reviewer: reviewer})

	h, err := e.Submit("analyze", SubmitOptions{Level: 2, TargetAgentID: "mgr-0"})
	require.NoError(t, err)
	snap := waitDone(t, h)

	assert.Equal(t, StatusSucceeded, snap.Status)
	require.NotNil(t, snap.Report)
	assert.Equal(t, 1, snap.Report.ReworkCycles)
	assert.Empty(t, snap.Report.Marker)

	inputs := manager.all()
	require.Len(t, inputs, 2)
	assert.Contains(t, inputs[1], "rejected by quality review")
	assert.Contains(t, inputs[1], "too shallow")
}

func TestEngineQualityGateExhaustedKeepsBestDraft(t *testing.T) {
	tree := flatTree(t, 1)
	reviewer := &scriptedReviewer{verdicts: []*quality.Verdict{
		{Pass: false, Score: 0.5, Reason: "weak"},
		{Pass: false, Score: 0.3, Reason: "worse"},
	}}

	e := newTestEngine(t, tree, map[string]Performer{
		"hq":    textPerformer(synthesisReply("j", "s")),
		"mgr-0": textPerformer("draft"),
	}, EngineOptions{Reviewer: reviewer, ReworkLimit: 1})

	h, err := e.Submit("analyze", SubmitOptions{Level: 2, TargetAgentID: "mgr-0"})
	require.NoError(t, err)
	snap := waitDone(t, h)

	assert.Equal(t, StatusSucceeded, snap.Status, "exhaustion delivers the best draft, not a failure")
	require.NotNil(t, snap.Report)
	assert.Equal(t, "quality-gate-exhausted", snap.Report.Marker)
	assert.InDelta(t, 0.5, snap.Report.QualityScore, 1e-9, "the highest-scoring draft wins")
	assert.Equal(t, string(types.ErrQualityGateExhausted), snap.ErrorCode)
}

func TestEngineQualityGateExhaustedWithOutOfRangeScores(t *testing.T) {
	tree := flatTree(t, 1)
	// A custom reviewer is free to return scores outside [0,1]; exhaustion
	// must still deliver a report instead of panicking.
	reviewer := reviewerFunc(func(context.Context, string, string) (*quality.Verdict, error) {
		return &quality.Verdict{Pass: false, Score: -5, Reason: "hostile scale"}, nil
	})

	e := newTestEngine(t, tree, map[string]Performer{
		"hq":    textPerformer(synthesisReply("j", "s")),
		"mgr-0": textPerformer("draft"),
	}, EngineOptions{Reviewer: reviewer, ReworkLimit: 1})

	h, err := e.Submit("analyze", SubmitOptions{Level: 2, TargetAgentID: "mgr-0"})
	require.NoError(t, err)
	snap := waitDone(t, h)

	assert.Equal(t, StatusSucceeded, snap.Status)
	require.NotNil(t, snap.Report)
	assert.Equal(t, "quality-gate-exhausted", snap.Report.Marker)
}

func TestEngineReviewerOutageAcceptsDraft(t *testing.T) {
	tree := flatTree(t, 1)
	reviewer := reviewerFunc(func(context.Context, string, string) (*quality.Verdict, error) {
		return nil, types.NewError(types.ErrUpstreamError, "judge backend down")
	})

	e := newTestEngine(t, tree, map[string]Performer{
		"hq":    textPerformer(synthesisReply("j", "s")),
		"mgr-0": textPerformer("draft"),
	}, EngineOptions{Reviewer: reviewer})

	h, err := e.Submit("analyze", SubmitOptions{Level: 2, TargetAgentID: "mgr-0"})
	require.NoError(t, err)
	snap := waitDone(t, h)

	assert.Equal(t, StatusSucceeded, snap.Status)
	require.NotNil(t, snap.Report)
	assert.Empty(t, snap.Report.Marker)
}

type reviewerFunc func(ctx context.Context, command, draft string) (*quality.Verdict, error)

func (f reviewerFunc) Review(ctx context.Context, command, draft string) (*quality.Verdict, error) {
	return f(ctx, command, draft)
}

func TestEngineSpawnedSpecialistRunsConcurrently(t *testing.T) {
	defs := []agent.Definition{
		{ID: "hq", Tier: agent.TierCoordinator, Model: "m", Subordinates: []string{"mgr"}},
		{ID: "mgr", Tier: agent.TierManager, Model: "m", Superior: "hq",
			Subordinates: []string{"spec"}, AutoSpawn: true},
		{ID: "spec", Tier: agent.TierSpecialist, Model: "m", Superior: "mgr"},
	}
	tree, err := agent.BuildTree(defs)
	require.NoError(t, err)

	var e *Engine
	manager := performFunc(func(ctx context.Context, _, _ string) (*agent.Result, error) {
		// The manager dispatches its specialist mid-execution via the
		// delegate tool, then contributes its own analysis.
		_, invoker := e.DelegateTool()
		args, _ := json.Marshal(map[string]string{
			"agent_id":    "spec",
			"instruction": "dig into the details",
		})
		res, err := invoker.Invoke(ctx, types.ToolCall{ID: "c1", Name: DelegateToolID, Arguments: args})
		if err != nil || !res.OK {
			return nil, fmt.Errorf("delegate failed: %v %s", err, res.Message)
		}
		return &agent.Result{Text: "manager view"}, nil
	})

	specialist := &recordingPerformer{reply: func(string) (*agent.Result, error) {
		return &agent.Result{Text: "specialist detail"}, nil
	}}
	coordinator := &recordingPerformer{reply: func(string) (*agent.Result, error) {
		return &agent.Result{Text: synthesisReply("combined", "both views")}, nil
	}}

	e = newTestEngine(t, tree, map[string]Performer{
		"hq": coordinator, "mgr": manager, "spec": specialist,
	}, EngineOptions{})

	h, err := e.Submit("deep investigation", SubmitOptions{Level: 3})
	require.NoError(t, err)
	snap := waitDone(t, h)

	assert.Equal(t, StatusSucceeded, snap.Status)
	require.Len(t, snap.Branches, 2, "manager and spawned specialist are peer branches")
	byAgent := map[string]Branch{}
	for _, b := range snap.Branches {
		byAgent[b.AgentID] = b
	}
	assert.Equal(t, BranchSucceeded, byAgent["mgr"].Status)
	assert.Equal(t, BranchSucceeded, byAgent["spec"].Status)

	// Both contributions reach synthesis.
	inputs := coordinator.all()
	require.Len(t, inputs, 1)
	assert.Contains(t, inputs[0], "manager view")
	assert.Contains(t, inputs[0], "specialist detail")

	specIn := specialist.all()
	require.Len(t, specIn, 1)
	assert.Equal(t, "dig into the details", specIn[0])
}

func TestEngineDelegateOutsideFanOutRefused(t *testing.T) {
	tree := flatTree(t, 1)
	e := newTestEngine(t, tree, map[string]Performer{
		"hq": textPerformer("x"), "mgr-0": textPerformer("x"),
	}, EngineOptions{})

	_, invoker := e.DelegateTool()
	args, _ := json.Marshal(map[string]string{"agent_id": "mgr-0", "instruction": "x"})
	res, err := invoker.Invoke(context.Background(), types.ToolCall{ID: "c", Name: DelegateToolID, Arguments: args})
	require.NoError(t, err)
	assert.False(t, res.OK)
}

func TestEngineSubmitAfterCloseRefused(t *testing.T) {
	tree := flatTree(t, 1)
	e, err := NewEngine(tree, map[string]Performer{
		"hq": textPerformer("x"), "mgr-0": textPerformer("x"),
	}, nil, EngineOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Close(ctx))

	_, err = e.Submit("late", SubmitOptions{})
	require.Error(t, err)
}
