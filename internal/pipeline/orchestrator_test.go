package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoloop/autoloop/internal/agent"
	"github.com/autoloop/autoloop/internal/config"
	apperrors "github.com/autoloop/autoloop/internal/errors"
	"github.com/autoloop/autoloop/internal/events"
	"github.com/autoloop/autoloop/internal/feature"
	"github.com/autoloop/autoloop/internal/lease"
	"github.com/autoloop/autoloop/internal/merge"
	"github.com/autoloop/autoloop/internal/state"
	"github.com/autoloop/autoloop/internal/testrun"
)

type fakeAgent struct {
	mu      sync.Mutex
	prompts []string
	err     error
}

func (a *fakeAgent) Run(ctx context.Context, req agent.RunRequest) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.prompts = append(a.prompts, req.Prompt)
	return a.err
}

func (a *fakeAgent) fixPromptCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, p := range a.prompts {
		if strings.Contains(p, "Do not modify the tests themselves") {
			n++
		}
	}
	return n
}

// fakeTests serves one scripted outcome per Start call, in order.
type fakeTests struct {
	mu       sync.Mutex
	passes   []bool
	outputs  []string
	startErr string
	starts   int
}

func (t *fakeTests) Start(workDir string, opts testrun.StartOptions) (testrun.StartResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.startErr != "" {
		return testrun.StartResult{Success: false, Error: t.startErr}, nil
	}
	id := fmt.Sprintf("session-%d", t.starts)
	t.starts++
	return testrun.StartResult{Success: true, SessionID: id}, nil
}

func (t *fakeTests) attempt(sessionID string) int {
	var n int
	fmt.Sscanf(sessionID, "session-%d", &n)
	return n
}

func (t *fakeTests) GetSession(sessionID string) (testrun.Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.passes[t.attempt(sessionID)] {
		return testrun.Session{Status: testrun.StatusPassed}, nil
	}
	return testrun.Session{Status: testrun.StatusFailed, ExitCode: 1}, nil
}

func (t *fakeTests) GetSessionOutput(sessionID string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outputs[t.attempt(sessionID)], nil
}

type fakeMerger struct {
	mu      sync.Mutex
	result  merge.Result
	err     error
	calls   int
	lastReq merge.Request
}

func (m *fakeMerger) Merge(ctx context.Context, req merge.Request) (merge.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.lastReq = req
	return m.result, m.err
}

type recordedEvent struct {
	Type events.EventType
	Data any
}

type recordingBus struct {
	events.Bus
	mu     sync.Mutex
	record []recordedEvent
}

func newRecordingBus() *recordingBus {
	return &recordingBus{Bus: events.NewNopBus()}
}

func (b *recordingBus) Emit(eventType events.EventType, featureID string, data any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record = append(b.record, recordedEvent{Type: eventType, Data: data})
}

func (b *recordingBus) ofType(t events.EventType) []recordedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []recordedEvent
	for _, e := range b.record {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	project string
	store   *state.Manager
	leases  *lease.Manager
	bus     *recordingBus
	agent   *fakeAgent
	tests   *fakeTests
	merger  *fakeMerger
	orch    *Orchestrator
	pctx    *Context
}

func newFixture(t *testing.T, f *feature.Feature, steps []config.StepConfig) *fixture {
	t.Helper()
	fx := &fixture{
		project: t.TempDir(),
		store:   state.NewManager(),
		leases:  lease.NewManager(),
		bus:     newRecordingBus(),
		agent:   &fakeAgent{},
		tests:   &fakeTests{},
		merger:  &fakeMerger{result: merge.Result{Success: true}},
	}
	require.NoError(t, fx.store.CreateFeature(fx.project, f))

	rf, err := fx.leases.Acquire(lease.AcquireOptions{FeatureID: f.ID, ProjectPath: fx.project})
	require.NoError(t, err)
	t.Cleanup(func() { fx.leases.Release(rf, lease.ReleaseOptions{Force: true}) })

	fx.orch = NewOrchestrator(fx.store, fx.bus, fx.agent, fx.tests, fx.merger,
		WithPollInterval(time.Millisecond))
	fx.pctx = &Context{
		ProjectPath: fx.project,
		Feature:     f,
		Steps:       steps,
		WorkDir:     fx.project,
		BranchName:  f.BranchName,
		Lease:       rf,
	}
	return fx
}

func (fx *fixture) status(t *testing.T) string {
	t.Helper()
	f, err := fx.store.GetFeature(fx.project, fx.pctx.Feature.ID)
	require.NoError(t, err)
	return f.Status
}

func agentSteps(ids ...string) []config.StepConfig {
	steps := make([]config.StepConfig, len(ids))
	for i, id := range ids {
		steps[i] = config.StepConfig{ID: id, Name: "Step " + id, Order: i + 1, Instructions: "do " + id}
	}
	return steps
}

func testStep(id string) config.StepConfig {
	return config.StepConfig{ID: id, Name: "Tests", Order: 99, Type: TestStepType, Command: "go test ./..."}
}

func TestExecutePipelineRunsStepsInOrder(t *testing.T) {
	fx := newFixture(t, &feature.Feature{ID: "f1", Title: "T"}, agentSteps("lint", "docs"))

	merged, err := fx.orch.ExecutePipeline(fx.pctx)
	require.NoError(t, err)
	assert.False(t, merged)

	require.Len(t, fx.agent.prompts, 2)
	assert.Contains(t, fx.agent.prompts[0], "do lint")
	assert.Contains(t, fx.agent.prompts[1], "do docs")

	starts := fx.bus.ofType(events.EventPipelineStepStart)
	require.Len(t, starts, 2)
	assert.Equal(t, "lint", starts[0].Data.(events.StepData).StepID)
	assert.Equal(t, "docs", starts[1].Data.(events.StepData).StepID)
	assert.Len(t, fx.bus.ofType(events.EventPipelineStepComplete), 2)

	// No branch, so no merge attempt.
	assert.Zero(t, fx.merger.calls)
	assert.Equal(t, "pipeline_docs", fx.status(t))
}

func TestExecutePipelineStopped(t *testing.T) {
	fx := newFixture(t, &feature.Feature{ID: "f1", Title: "T"}, agentSteps("lint"))
	fx.leases.Stop("f1")

	_, err := fx.orch.ExecutePipeline(fx.pctx)
	assert.ErrorIs(t, err, &apperrors.Error{Code: apperrors.CodeStopped})
	assert.Empty(t, fx.agent.prompts)
}

func TestTestFixLoopExhaustsAttempts(t *testing.T) {
	fx := newFixture(t, &feature.Feature{ID: "f1", Title: "T"}, []config.StepConfig{testStep("tests")})
	fx.pctx.MaxTestAttempts = 5
	fx.tests.passes = []bool{false, false, false, false, false}
	fx.tests.outputs = []string{
		"FAIL TestAlpha", "FAIL TestAlpha", "FAIL TestAlpha", "FAIL TestAlpha", "FAIL TestAlpha",
	}

	_, err := fx.orch.ExecutePipeline(fx.pctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, &apperrors.Error{Code: apperrors.CodeTestsFailed})
	assert.Contains(t, err.Error(), "Tests failed after 5 attempts")

	// A fix prompt after every failed attempt except the last.
	assert.Equal(t, 5, fx.tests.starts)
	assert.Equal(t, 4, fx.agent.fixPromptCount())
	assert.Len(t, fx.agent.prompts, 4)

	failures := fx.bus.ofType(events.EventPipelineTestFailed)
	require.Len(t, failures, 5)
	for i, e := range failures {
		data := e.Data.(events.TestFailureData)
		assert.Equal(t, i+1, data.Attempt)
		assert.Equal(t, 5, data.MaxAttempts)
		assert.Equal(t, []string{"TestAlpha"}, data.FailingTests)
	}
}

func TestTestFixLoopRecovers(t *testing.T) {
	fx := newFixture(t, &feature.Feature{ID: "f1", Title: "T"}, []config.StepConfig{testStep("tests")})
	fx.pctx.MaxTestAttempts = 5
	fx.tests.passes = []bool{false, false, true}
	fx.tests.outputs = []string{"FAIL TestAlpha\nFAIL TestBeta", "FAIL TestBeta", "PASS"}

	merged, err := fx.orch.ExecutePipeline(fx.pctx)
	require.NoError(t, err)
	assert.False(t, merged)

	assert.Equal(t, 3, fx.tests.starts)
	assert.Equal(t, 2, fx.agent.fixPromptCount())
	assert.Len(t, fx.bus.ofType(events.EventPipelineTestFailed), 2)
	assert.Len(t, fx.bus.ofType(events.EventPipelineStepComplete), 1)
}

func TestTestStartFailureNotRetried(t *testing.T) {
	fx := newFixture(t, &feature.Feature{ID: "f1", Title: "T"}, []config.StepConfig{testStep("tests")})
	fx.tests.startErr = "sh: command not found"

	_, err := fx.orch.ExecutePipeline(fx.pctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, &apperrors.Error{Code: apperrors.CodeTestsFailed})
	assert.Contains(t, err.Error(), "could not be started")
	assert.Empty(t, fx.agent.prompts, "a run that cannot start gets no fix attempts")
}

func TestMergeSuccess(t *testing.T) {
	fx := newFixture(t, &feature.Feature{ID: "f1", Title: "T", BranchName: "feature/f1"}, agentSteps("lint"))

	merged, err := fx.orch.ExecutePipeline(fx.pctx)
	require.NoError(t, err)
	assert.True(t, merged)

	require.Equal(t, 1, fx.merger.calls)
	assert.Equal(t, "feature/f1", fx.merger.lastReq.BranchName)
	assert.Equal(t, "main", fx.merger.lastReq.TargetBranch)
	assert.False(t, fx.merger.lastReq.Options.DeleteBranch)
	assert.False(t, fx.merger.lastReq.Options.RemoveWorktree)
	assert.False(t, fx.merger.lastReq.Options.SquashMerge)
}

func TestMergeConflict(t *testing.T) {
	fx := newFixture(t, &feature.Feature{ID: "f1", Title: "T", BranchName: "feature/f1"}, agentSteps("lint"))
	fx.merger.result = merge.Result{Success: false, HasConflicts: true, Error: "conflict in main.go"}

	merged, err := fx.orch.ExecutePipeline(fx.pctx)
	assert.False(t, merged)
	require.Error(t, err)
	assert.ErrorIs(t, err, &apperrors.Error{Code: apperrors.CodeMergeConflict})

	assert.Equal(t, "merge_conflict", fx.status(t))
	require.Len(t, fx.bus.ofType(events.EventMergeConflict), 1)
}

func TestMergeFailureLeavesStatus(t *testing.T) {
	fx := newFixture(t, &feature.Feature{ID: "f1", Title: "T", BranchName: "feature/f1"}, agentSteps("lint"))
	fx.merger.result = merge.Result{Success: false, Error: "remote unreachable"}

	merged, err := fx.orch.ExecutePipeline(fx.pctx)
	assert.False(t, merged)
	require.Error(t, err)
	assert.ErrorIs(t, err, &apperrors.Error{Code: apperrors.CodeMergeFailed})

	// Non-conflict merge failures leave the feature at its pre-merge status.
	assert.Equal(t, "pipeline_lint", fx.status(t))
	assert.Empty(t, fx.bus.ofType(events.EventMergeConflict))
}

func TestResumeFromStatusMidPipeline(t *testing.T) {
	fx := newFixture(t, &feature.Feature{ID: "f1", Title: "T", Status: "pipeline_b"}, agentSteps("a", "b", "c"))

	merged, err := fx.orch.ResumeFromStatus(fx.pctx, feature.ParseStatus("pipeline_b"))
	require.NoError(t, err)
	assert.False(t, merged)

	require.Len(t, fx.agent.prompts, 2, "resume reruns the interrupted step, then the rest")
	assert.Contains(t, fx.agent.prompts[0], "do b")
	assert.Contains(t, fx.agent.prompts[1], "do c")
}

func TestResumeFromStatusVanishedStep(t *testing.T) {
	f := &feature.Feature{ID: "f1", Title: "T", Status: "pipeline_gone", BranchName: "feature/f1"}
	fx := newFixture(t, f, agentSteps("a", "b"))

	merged, err := fx.orch.ResumeFromStatus(fx.pctx, feature.ParseStatus("pipeline_gone"))
	require.NoError(t, err)
	assert.True(t, merged, "a vanished step means the pipeline is complete, only the merge remains")
	assert.Empty(t, fx.agent.prompts)
	assert.Equal(t, 1, fx.merger.calls)
}

func TestResumeFromStatusNoConfig(t *testing.T) {
	fx := newFixture(t, &feature.Feature{ID: "f1", Title: "T"}, nil)

	_, err := fx.orch.ResumeFromStatus(fx.pctx, feature.ParseStatus("pipeline_a"))
	assert.ErrorIs(t, err, &apperrors.Error{Code: apperrors.CodePipelineConfigMissing})
}

func TestResumeFromStatusSkipsExcludedSteps(t *testing.T) {
	f := &feature.Feature{
		ID: "f1", Title: "T", Status: "pipeline_a",
		ExcludedPipelineSteps: []string{"b"},
	}
	fx := newFixture(t, f, agentSteps("a", "b", "c"))

	merged, err := fx.orch.ResumeFromStatus(fx.pctx, feature.ParseStatus("pipeline_a"))
	require.NoError(t, err)
	assert.False(t, merged)
	require.Len(t, fx.agent.prompts, 2)
	assert.Contains(t, fx.agent.prompts[0], "do a")
	assert.Contains(t, fx.agent.prompts[1], "do c")
}

func TestResumeFromStepAllRemainingSkipped(t *testing.T) {
	f := &feature.Feature{
		ID: "f1", Title: "T", BranchName: "feature/f1",
		ExcludedPipelineSteps: []string{"a", "b"},
	}
	fx := newFixture(t, f, agentSteps("a", "b"))

	merged, err := fx.orch.ResumeFromStep(fx.pctx, 0)
	require.NoError(t, err)
	assert.True(t, merged)
	assert.Empty(t, fx.agent.prompts)
}

func TestResumeFromStepIndexOutOfRange(t *testing.T) {
	fx := newFixture(t, &feature.Feature{ID: "f1", Title: "T"}, agentSteps("a"))

	_, err := fx.orch.ResumeFromStep(fx.pctx, 5)
	assert.ErrorIs(t, err, &apperrors.Error{Code: apperrors.CodeInvalidStepIndex})
	_, err = fx.orch.ResumeFromStep(fx.pctx, -1)
	assert.ErrorIs(t, err, &apperrors.Error{Code: apperrors.CodeInvalidStepIndex})
}

func TestParseFailingTests(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   []string
	}{
		{"go style", "--- FAIL: TestAlpha (0.01s)\nFAIL github.com/x/y 0.1s", []string{"TestAlpha", "github.com/x/y"}},
		{"failed keyword", "FAILED TestBeta\nFAILED: TestGamma", []string{"TestBeta", "TestGamma"}},
		{"dedupe", "FAIL TestAlpha\nFAIL TestAlpha", []string{"TestAlpha"}},
		{"case sensitive", "fail TestAlpha\nFailed TestBeta", nil},
		{"trailing marker", "something FAIL", nil},
		{"empty", "", nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ParseFailingTests(tc.output))
		})
	}
}

func TestStepHelpers(t *testing.T) {
	steps := []config.StepConfig{
		{ID: "c", Order: 3},
		{ID: "a", Order: 1, Type: TestStepType},
		{ID: "b", Order: 2},
	}
	sorted := SortedSteps(&config.PipelineConfig{Steps: steps})
	assert.Equal(t, "a", sorted[0].ID)
	assert.Equal(t, "c", sorted[2].ID)

	assert.Equal(t, 1, StepIndex(sorted, "b"))
	assert.Equal(t, -1, StepIndex(sorted, "zz"))

	f := &feature.Feature{ID: "f1", SkipTests: true}
	runnable := RunnableSteps(f, sorted)
	require.Len(t, runnable, 2, "test steps are skipped when the feature skips tests")
	assert.Equal(t, "b", runnable[0].ID)

	assert.Equal(t, feature.Simple(feature.StatusWaitingApproval), FinalStatus(true))
	assert.Equal(t, feature.Simple(feature.StatusVerified), FinalStatus(false))
}
