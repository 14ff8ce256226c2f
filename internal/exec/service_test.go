package exec

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoloop/autoloop/internal/agent"
	"github.com/autoloop/autoloop/internal/approval"
	"github.com/autoloop/autoloop/internal/config"
	apperrors "github.com/autoloop/autoloop/internal/errors"
	"github.com/autoloop/autoloop/internal/events"
	"github.com/autoloop/autoloop/internal/feature"
	"github.com/autoloop/autoloop/internal/git"
	"github.com/autoloop/autoloop/internal/lease"
	"github.com/autoloop/autoloop/internal/merge"
	"github.com/autoloop/autoloop/internal/pipeline"
	"github.com/autoloop/autoloop/internal/state"
	"github.com/autoloop/autoloop/internal/testrun"
)

type scriptedAgent struct {
	mu         sync.Mutex
	prompts    []string
	err        error
	transcript string // written to the feature transcript on each run
	project    string
}

func (a *scriptedAgent) Run(ctx context.Context, req agent.RunRequest) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.prompts = append(a.prompts, req.Prompt)
	if a.err != nil {
		return a.err
	}
	if a.transcript != "" {
		path := agent.TranscriptPath(a.project, req.FeatureID)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		return os.WriteFile(path, []byte(a.transcript), 0o644)
	}
	return nil
}

type stubTests struct{}

func (stubTests) Start(workDir string, opts testrun.StartOptions) (testrun.StartResult, error) {
	return testrun.StartResult{Success: true, SessionID: "s"}, nil
}
func (stubTests) GetSession(sessionID string) (testrun.Session, error) {
	return testrun.Session{Status: testrun.StatusPassed}, nil
}
func (stubTests) GetSessionOutput(sessionID string) (string, error) { return "PASS", nil }

type stubMerger struct {
	result merge.Result
}

func (m stubMerger) Merge(ctx context.Context, req merge.Request) (merge.Result, error) {
	return m.result, nil
}

type stubSettings struct {
	cfg *config.Config
	err error
}

func (s stubSettings) ProjectConfig(projectPath string) (*config.Config, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.cfg, nil
}

type stubResumer struct {
	mu    sync.Mutex
	calls []string
}

func (r *stubResumer) ResumeFeature(projectPath, featureID string, useWorktrees, calledInternally bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, featureID)
	return nil
}

type captureBus struct {
	events.Bus
	mu     sync.Mutex
	record []events.Event
}

func newCaptureBus() *captureBus { return &captureBus{Bus: events.NewNopBus()} }

func (b *captureBus) Emit(eventType events.EventType, featureID string, data any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record = append(b.record, events.Event{Type: eventType, FeatureID: featureID, Data: data})
}

func (b *captureBus) types() []events.EventType {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]events.EventType, len(b.record))
	for i, e := range b.record {
		out[i] = e.Type
	}
	return out
}

func (b *captureBus) last(t events.EventType) (events.Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.record) - 1; i >= 0; i-- {
		if b.record[i].Type == t {
			return b.record[i], true
		}
	}
	return events.Event{}, false
}

type execFixture struct {
	project   string
	store     *state.Manager
	leases    *lease.Manager
	bus       *captureBus
	agent     *scriptedAgent
	approvals *approval.Service
	svc       *Service
}

func newExecFixture(t *testing.T, f *feature.Feature, cfg *config.Config) *execFixture {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
		cfg.Pipeline.Steps = nil
	}
	fx := &execFixture{
		project: t.TempDir(),
		store:   state.NewManager(),
		leases:  lease.NewManager(),
		bus:     newCaptureBus(),
	}
	fx.agent = &scriptedAgent{project: fx.project}
	require.NoError(t, fx.store.CreateFeature(fx.project, f))

	orch := pipeline.NewOrchestrator(fx.store, fx.bus, fx.agent, stubTests{}, stubMerger{result: merge.Result{Success: true}},
		pipeline.WithPollInterval(time.Millisecond))
	fx.approvals = approval.NewService(fx.store, stubSettings{cfg: cfg},
		approval.WithBus(fx.bus))
	fx.svc = NewService(fx.leases, fx.store, fx.bus, fx.agent, orch, stubSettings{cfg: cfg}, git.NewResolver(),
		WithFailureTracker(NewFailureTracker(fx.bus, 1)),
		WithApprovalGate(fx.approvals))
	return fx
}

func (fx *execFixture) status(t *testing.T, id string) string {
	t.Helper()
	f, err := fx.store.GetFeature(fx.project, id)
	require.NoError(t, err)
	return f.Status
}

func TestExecuteFeatureHappyPath(t *testing.T) {
	fx := newExecFixture(t, &feature.Feature{ID: "f1", Title: "Add search"}, nil)
	fx.agent.transcript = "did the work\n<summary>Added search endpoint</summary>\n"

	require.NoError(t, fx.svc.ExecuteFeature(fx.project, "f1", ExecuteOptions{}))

	assert.Equal(t, "verified", fx.status(t, "f1"))

	f, err := fx.store.GetFeature(fx.project, "f1")
	require.NoError(t, err)
	assert.Equal(t, "Added search endpoint", f.Summary)

	types := fx.bus.types()
	assert.Contains(t, types, events.EventFeatureStart)
	complete, ok := fx.bus.last(events.EventFeatureComplete)
	require.True(t, ok)
	data := complete.Data.(events.CompleteData)
	assert.Equal(t, "verified", data.Status)
	assert.False(t, data.Merged)

	// Lease released after the run.
	assert.Nil(t, fx.leases.GetRunningFeature("f1"))

	require.Len(t, fx.agent.prompts, 1)
	assert.Contains(t, fx.agent.prompts[0], "Add search")
}

func TestExecuteFeatureSkipTests(t *testing.T) {
	fx := newExecFixture(t, &feature.Feature{ID: "f1", Title: "T", SkipTests: true}, nil)

	require.NoError(t, fx.svc.ExecuteFeature(fx.project, "f1", ExecuteOptions{}))
	assert.Equal(t, "waiting_approval", fx.status(t, "f1"))
}

func TestExecuteFeatureAgentFailure(t *testing.T) {
	fx := newExecFixture(t, &feature.Feature{ID: "f1", Title: "T"}, nil)
	fx.agent.err = assert.AnError

	err := fx.svc.ExecuteFeature(fx.project, "f1", ExecuteOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, &apperrors.Error{Code: apperrors.CodeAgentFailed})

	assert.Equal(t, "backlog", fx.status(t, "f1"), "genuine failure reverts to backlog")

	errEvent, ok := fx.bus.last(events.EventFeatureError)
	require.True(t, ok)
	assert.Equal(t, string(apperrors.CodeAgentFailed), errEvent.Data.(events.ErrorData).Kind)

	// Threshold 1: the first failure pauses the auto loop.
	assert.True(t, fx.svc.FailureTracker().Paused())
	assert.Contains(t, fx.bus.types(), events.EventAutoLoopPaused)

	assert.Nil(t, fx.leases.GetRunningFeature("f1"))
}

func TestExecuteFeatureStopped(t *testing.T) {
	fx := newExecFixture(t, &feature.Feature{ID: "f1", Title: "T"}, nil)
	fx.agent.err = context.Canceled

	err := fx.svc.ExecuteFeature(fx.project, "f1", ExecuteOptions{})
	require.Error(t, err)
	assert.True(t, apperrors.IsStopped(err))

	// A stop is benign: no backlog revert, no error event, no failure count.
	assert.Equal(t, "in_progress", fx.status(t, "f1"))
	_, hasErr := fx.bus.last(events.EventFeatureError)
	assert.False(t, hasErr)
	_, hasStop := fx.bus.last(events.EventFeatureStopped)
	assert.True(t, hasStop)
	assert.False(t, fx.svc.FailureTracker().Paused())
}

func TestExecuteFeatureAlreadyRunning(t *testing.T) {
	fx := newExecFixture(t, &feature.Feature{ID: "f1", Title: "T"}, nil)
	_, err := fx.leases.Acquire(lease.AcquireOptions{FeatureID: "f1", ProjectPath: fx.project})
	require.NoError(t, err)

	err = fx.svc.ExecuteFeature(fx.project, "f1", ExecuteOptions{})
	assert.ErrorIs(t, err, &apperrors.Error{Code: apperrors.CodeFeatureRunning})
}

func TestExecuteFeatureApprovedPlanContinuation(t *testing.T) {
	f := &feature.Feature{
		ID: "f1", Title: "T", Status: "ready",
		PlanSpec: &feature.PlanSpec{Status: feature.PlanApproved, Version: 2, Content: "1. build it"},
	}
	fx := newExecFixture(t, f, nil)

	require.NoError(t, fx.svc.ExecuteFeature(fx.project, "f1", ExecuteOptions{}))

	require.Len(t, fx.agent.prompts, 1)
	assert.Contains(t, fx.agent.prompts[0], "1. build it")
	assert.Contains(t, fx.agent.prompts[0], "has been approved")
	assert.Equal(t, "verified", fx.status(t, "f1"))
}

func TestExecuteFeaturePlanApproved(t *testing.T) {
	cfg := config.Default()
	cfg.Pipeline.Steps = nil
	cfg.RequirePlanApproval = true
	fx := newExecFixture(t, &feature.Feature{ID: "f1", Title: "Add search"}, cfg)
	fx.agent.transcript = "studied the codebase\n<plan>1. add handler\n2. add tests</plan>\n"

	done := make(chan error, 1)
	go func() { done <- fx.svc.ExecuteFeature(fx.project, "f1", ExecuteOptions{}) }()

	require.Eventually(t, func() bool {
		return fx.approvals.HasPendingApproval("f1")
	}, time.Second, time.Millisecond)

	// The generated plan is persisted before the run blocks on approval.
	f, err := fx.store.GetFeature(fx.project, "f1")
	require.NoError(t, err)
	require.NotNil(t, f.PlanSpec)
	assert.Equal(t, feature.PlanGenerated, f.PlanSpec.Status)
	assert.Contains(t, f.PlanSpec.Content, "1. add handler")

	_, err = fx.approvals.ResolveApproval("f1", true, approval.ResolveOptions{})
	require.NoError(t, err)
	require.NoError(t, <-done)

	require.Len(t, fx.agent.prompts, 2, "planning run plus implementation run")
	assert.Contains(t, fx.agent.prompts[0], "implementation plan")
	assert.Contains(t, fx.agent.prompts[1], "1. add handler")
	assert.Contains(t, fx.agent.prompts[1], "has been approved")
	assert.Equal(t, "verified", fx.status(t, "f1"))

	f, err = fx.store.GetFeature(fx.project, "f1")
	require.NoError(t, err)
	assert.Equal(t, feature.PlanApproved, f.PlanSpec.Status)
}

func TestExecuteFeaturePlanRejected(t *testing.T) {
	cfg := config.Default()
	cfg.Pipeline.Steps = nil
	cfg.RequirePlanApproval = true
	fx := newExecFixture(t, &feature.Feature{ID: "f1", Title: "Add search"}, cfg)
	fx.agent.transcript = "<plan>1. rewrite everything</plan>"

	done := make(chan error, 1)
	go func() { done <- fx.svc.ExecuteFeature(fx.project, "f1", ExecuteOptions{}) }()

	require.Eventually(t, func() bool {
		return fx.approvals.HasPendingApproval("f1")
	}, time.Second, time.Millisecond)
	_, err := fx.approvals.ResolveApproval("f1", false, approval.ResolveOptions{Feedback: "too broad"})
	require.NoError(t, err)
	require.NoError(t, <-done)

	assert.Len(t, fx.agent.prompts, 1, "rejected plans never reach implementation")
	assert.Equal(t, "backlog", fx.status(t, "f1"))
	assert.Nil(t, fx.leases.GetRunningFeature("f1"))
}

func TestExecuteFeaturePlanMissingFromTranscript(t *testing.T) {
	cfg := config.Default()
	cfg.Pipeline.Steps = nil
	cfg.RequirePlanApproval = true
	fx := newExecFixture(t, &feature.Feature{ID: "f1", Title: "Add search"}, cfg)
	fx.agent.transcript = "no plan tags here"

	err := fx.svc.ExecuteFeature(fx.project, "f1", ExecuteOptions{})
	assert.ErrorIs(t, err, &apperrors.Error{Code: apperrors.CodeAgentFailed})
	assert.Equal(t, "backlog", fx.status(t, "f1"))
}

func TestExecuteFeatureDelegatesToResumer(t *testing.T) {
	fx := newExecFixture(t, &feature.Feature{ID: "f1", Title: "T"}, nil)
	resumer := &stubResumer{}
	fx.svc.SetRecovery(nil, resumer)

	// Existing transcript means the run can continue instead of restarting.
	path := agent.TranscriptPath(fx.project, "f1")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("prior work"), 0o644))

	require.NoError(t, fx.svc.ExecuteFeature(fx.project, "f1", ExecuteOptions{}))
	assert.Equal(t, []string{"f1"}, resumer.calls)
	assert.Empty(t, fx.agent.prompts, "delegated runs invoke no agent directly")
}

func TestExecuteFeatureRunsPipelineSteps(t *testing.T) {
	cfg := config.Default()
	cfg.Pipeline.Steps = []config.StepConfig{
		{ID: "lint", Name: "Lint", Order: 1, Instructions: "lint it"},
	}
	fx := newExecFixture(t, &feature.Feature{ID: "f1", Title: "T"}, cfg)

	require.NoError(t, fx.svc.ExecuteFeature(fx.project, "f1", ExecuteOptions{}))

	require.Len(t, fx.agent.prompts, 2, "feature prompt plus one step prompt")
	assert.Contains(t, fx.agent.prompts[1], "lint it")
	assert.Equal(t, "verified", fx.status(t, "f1"))
}

func TestResumePipelineRequiresPipelineStatus(t *testing.T) {
	fx := newExecFixture(t, &feature.Feature{ID: "f1", Title: "T", Status: "backlog"}, nil)

	err := fx.svc.ResumePipeline(fx.project, "f1", false)
	assert.ErrorIs(t, err, &apperrors.Error{Code: apperrors.CodeInvalidStepIndex})
}

func TestResumePipelineFinishesRemainingSteps(t *testing.T) {
	cfg := config.Default()
	cfg.Pipeline.Steps = []config.StepConfig{
		{ID: "a", Name: "A", Order: 1, Instructions: "do a"},
		{ID: "b", Name: "B", Order: 2, Instructions: "do b"},
	}
	fx := newExecFixture(t, &feature.Feature{ID: "f1", Title: "T", Status: "pipeline_b"}, cfg)

	require.NoError(t, fx.svc.ResumePipeline(fx.project, "f1", false))

	require.Len(t, fx.agent.prompts, 1, "only the interrupted step and later run")
	assert.Contains(t, fx.agent.prompts[0], "do b")
	assert.Equal(t, "verified", fx.status(t, "f1"))
	assert.Nil(t, fx.leases.GetRunningFeature("f1"))
}

func TestResumePipelineSettingsFailure(t *testing.T) {
	fx := newExecFixture(t, &feature.Feature{ID: "f1", Title: "T", Status: "pipeline_a"}, nil)
	orch := pipeline.NewOrchestrator(fx.store, fx.bus, fx.agent, stubTests{}, stubMerger{})
	fx.svc = NewService(fx.leases, fx.store, fx.bus, fx.agent, orch,
		stubSettings{err: assert.AnError}, git.NewResolver(),
		WithFailureTracker(NewFailureTracker(fx.bus, 1)))

	err := fx.svc.ResumePipeline(fx.project, "f1", false)
	assert.ErrorIs(t, err, &apperrors.Error{Code: apperrors.CodePipelineConfigMissing})
	assert.Equal(t, "backlog", fx.status(t, "f1"))
}

func TestStopFeature(t *testing.T) {
	fx := newExecFixture(t, &feature.Feature{ID: "f1", Title: "T"}, nil)
	assert.False(t, fx.svc.StopFeature("f1"))

	rf, err := fx.leases.Acquire(lease.AcquireOptions{FeatureID: "f1", ProjectPath: fx.project})
	require.NoError(t, err)
	assert.True(t, fx.svc.StopFeature("f1"))
	assert.True(t, rf.Cancelled())
}

func TestFailureTrackerPauseAndResume(t *testing.T) {
	bus := newCaptureBus()
	tracker := NewFailureTracker(bus, 2)

	tracker.RecordFailure("f1")
	assert.False(t, tracker.Paused())
	tracker.RecordSuccess()
	tracker.RecordFailure("f1")
	assert.False(t, tracker.Paused(), "success resets the consecutive count")

	tracker.RecordFailure("f2")
	assert.True(t, tracker.Paused())
	assert.Len(t, bus.types(), 1, "the pause event fires once")

	tracker.Resume()
	assert.False(t, tracker.Paused())
}
