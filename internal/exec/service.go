// Package exec drives the feature lifecycle state machine: lease
// acquisition, worktree resolution, agent invocation, pipeline delegation,
// finalization, and failure classification.
package exec

import (
	goerrors "errors"
	"log/slog"

	"github.com/autoloop/autoloop/internal/agent"
	"github.com/autoloop/autoloop/internal/approval"
	"github.com/autoloop/autoloop/internal/config"
	apperrors "github.com/autoloop/autoloop/internal/errors"
	"github.com/autoloop/autoloop/internal/events"
	"github.com/autoloop/autoloop/internal/feature"
	"github.com/autoloop/autoloop/internal/git"
	"github.com/autoloop/autoloop/internal/lease"
	"github.com/autoloop/autoloop/internal/pipeline"
	"github.com/autoloop/autoloop/internal/prompt"
	"github.com/autoloop/autoloop/internal/state"
)

// Snapshotter persists which features are running for a (project, worktree)
// pair, for crash recovery. Implemented by the recovery service.
type Snapshotter interface {
	SaveExecutionState(projectPath, branchName string) error
}

// Resumer continues a feature from its persisted state. Implemented by the
// recovery service; the execution service delegates to it when agent context
// already exists on disk.
type Resumer interface {
	ResumeFeature(projectPath, featureID string, useWorktrees, calledInternally bool) error
}

// ApprovalGate blocks a planning execution until its generated plan is
// approved or rejected. Implemented by the approval service.
type ApprovalGate interface {
	WaitForApproval(featureID, projectPath string) (approval.Decision, error)
	CancelApproval(featureID string)
}

// ExecuteOptions configure one feature execution.
type ExecuteOptions struct {
	UseWorktrees bool
	IsAutoMode   bool
	WorktreePath string

	// ContinuationPrompt replaces the initial feature prompt when set; used
	// for post-approval continuations and resumed runs.
	ContinuationPrompt string

	// CalledInternally marks chained invocations that may reuse an existing
	// lease instead of failing on it.
	CalledInternally bool
}

// Service executes features end to end.
type Service struct {
	leases    *lease.Manager
	store     *state.Manager
	bus       events.Bus
	agent     agent.Runner
	pipeline  *pipeline.Orchestrator
	settings  config.Provider
	worktrees *git.Resolver
	failures  *FailureTracker
	gate      ApprovalGate
	logger    *slog.Logger

	snapshotter Snapshotter
	resumer     Resumer
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

// WithFailureTracker sets the consecutive-failure tracker.
func WithFailureTracker(t *FailureTracker) Option {
	return func(s *Service) {
		s.failures = t
	}
}

// WithApprovalGate sets the plan approval gate. Without one, runs skip the
// planning phase even when settings require it.
func WithApprovalGate(g ApprovalGate) Option {
	return func(s *Service) {
		s.gate = g
	}
}

// NewService creates an execution service. The snapshotter and resumer are
// wired afterwards via SetRecovery: the recovery service depends on this one,
// so the loop is closed once at startup.
func NewService(leases *lease.Manager, store *state.Manager, bus events.Bus, agentRunner agent.Runner, orch *pipeline.Orchestrator, settings config.Provider, worktrees *git.Resolver, opts ...Option) *Service {
	s := &Service{
		leases:    leases,
		store:     store,
		bus:       bus,
		agent:     agentRunner,
		pipeline:  orch,
		settings:  settings,
		worktrees: worktrees,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.failures == nil {
		s.failures = NewFailureTracker(bus, 0)
	}
	return s
}

// SetRecovery wires the recovery collaborators.
func (s *Service) SetRecovery(snap Snapshotter, res Resumer) {
	s.snapshotter = snap
	s.resumer = res
}

// ExecuteFeature runs one feature: agent, pipeline steps, merge, final
// status. Errors are classified before being returned: cooperative
// cancellation reports a benign stop, genuine failure reverts the feature to
// backlog and feeds the failure tracker.
func (s *Service) ExecuteFeature(projectPath, featureID string, opts ExecuteOptions) (retErr error) {
	rf, err := s.leases.Acquire(lease.AcquireOptions{
		FeatureID:    featureID,
		ProjectPath:  projectPath,
		WorktreePath: opts.WorktreePath,
		IsAutoMode:   opts.IsAutoMode,
		AllowReuse:   opts.CalledInternally,
	})
	if err != nil {
		return err
	}

	defer func() {
		s.leases.Release(rf, lease.ReleaseOptions{
			Force: retErr != nil && !apperrors.IsStopped(retErr),
		})
		if opts.IsAutoMode {
			s.snapshot(projectPath, rf.BranchName)
		}
	}()

	f, err := s.store.GetFeature(projectPath, featureID)
	if err != nil {
		return err
	}

	if !opts.CalledInternally {
		if kind := f.CurrentStatus().Kind; f.HasApprovedPlan() &&
			(kind == feature.StatusReady || kind == feature.StatusBacklog) {
			cont := prompt.BuildContinuationPrompt(f, "")
			return s.ExecuteFeature(projectPath, featureID, ExecuteOptions{
				UseWorktrees:       opts.UseWorktrees,
				IsAutoMode:         opts.IsAutoMode,
				WorktreePath:       opts.WorktreePath,
				ContinuationPrompt: cont,
				CalledInternally:   true,
			})
		}
		if agent.ContextExists(projectPath, featureID) && s.resumer != nil {
			return s.resumer.ResumeFeature(projectPath, featureID, opts.UseWorktrees, true)
		}
	}

	cfg, err := s.settings.ProjectConfig(projectPath)
	if err != nil {
		cfg = config.Default()
		s.logger.Warn("settings unavailable, using defaults", "project", projectPath, "error", err)
	}

	workDir := projectPath
	worktreePath := opts.WorktreePath
	if opts.UseWorktrees && f.BranchName != "" {
		if wt := s.worktrees.FindWorktreeForBranch(rf.Context(), projectPath, f.BranchName); wt != "" {
			workDir = wt
			worktreePath = wt
		}
	}
	s.leases.SetWorkspace(featureID, worktreePath, f.BranchName)

	// Snapshot before the agent starts so a crash mid-run still knows this
	// feature was in flight, partitioned under its resolved branch.
	if opts.IsAutoMode {
		s.snapshot(projectPath, f.BranchName)
	}

	if _, err := s.store.UpdateFeatureStatus(projectPath, featureID, feature.Simple(feature.StatusInProgress)); err != nil {
		return err
	}
	s.bus.Emit(events.EventFeatureStart, featureID, nil)

	runErr := s.run(rf, f, cfg, projectPath, workDir, worktreePath, opts.ContinuationPrompt)
	if runErr != nil {
		s.classifyAndReport(projectPath, f, runErr)
		return runErr
	}
	return nil
}

// run performs the planning phase (when required), the agent invocation,
// pipeline delegation, and finalization.
func (s *Service) run(rf *lease.RunningFeature, f *feature.Feature, cfg *config.Config, projectPath, workDir, worktreePath, continuation string) error {
	p := continuation
	if p == "" && s.gate != nil && cfg.RequirePlanApproval && !f.HasApprovedPlan() {
		approvedPrompt, rejected, err := s.planAndAwaitApproval(rf, f, cfg, projectPath, workDir)
		if err != nil {
			return err
		}
		if rejected {
			// The feature is already back in the backlog and the
			// rejection event was emitted by the gate.
			return nil
		}
		p = approvedPrompt
	}
	if p == "" {
		p = prompt.BuildFeaturePrompt(f)
	}
	if memory := loadMemoryContext(projectPath, cfg.Memory, s.logger); memory != "" {
		p = memory + "\n" + p
	}

	model := f.Model
	if model == "" {
		model = cfg.Model
	}

	if err := s.agent.Run(rf.Context(), agent.RunRequest{
		WorkDir:     workDir,
		FeatureID:   f.ID,
		Prompt:      p,
		ProjectPath: projectPath,
		ImagePaths:  f.Images,
		Model:       model,
		Options: agent.RunOptions{
			BranchName: f.BranchName,
		},
	}); err != nil {
		if apperrors.IsStopped(err) {
			return apperrors.ErrStopped(f.ID)
		}
		return &apperrors.Error{
			Code:  apperrors.CodeAgentFailed,
			What:  "agent run failed",
			Cause: err,
		}
	}

	merged := false
	steps := pipeline.RunnableSteps(f, pipeline.SortedSteps(&cfg.Pipeline))
	if len(steps) > 0 {
		var err error
		merged, err = s.pipeline.ExecutePipeline(&pipeline.Context{
			ProjectPath:     projectPath,
			Feature:         f,
			Steps:           steps,
			WorkDir:         workDir,
			WorktreePath:    worktreePath,
			BranchName:      f.BranchName,
			Lease:           rf,
			MaxTestAttempts: cfg.MaxTestAttempts,
		})
		if err != nil {
			return err
		}
	}

	return s.finalize(projectPath, f, merged)
}

// planAndAwaitApproval runs the agent in planning mode, persists the
// generated plan, and blocks on the approval gate. On approval it returns the
// continuation prompt built from the (possibly edited) approved plan; on
// rejection it reverts the feature to the backlog and reports rejected. A
// stop while waiting cancels the pending approval.
func (s *Service) planAndAwaitApproval(rf *lease.RunningFeature, f *feature.Feature, cfg *config.Config, projectPath, workDir string) (approvedPrompt string, rejected bool, err error) {
	if _, err := s.store.UpdateFeaturePlanSpec(projectPath, f.ID, feature.PlanSpecPatch{
		Status: feature.PlanStatusPtr(feature.PlanGenerating),
	}); err != nil {
		return "", false, err
	}

	model := f.Model
	if model == "" {
		model = cfg.Model
	}
	if err := s.agent.Run(rf.Context(), agent.RunRequest{
		WorkDir:     workDir,
		FeatureID:   f.ID,
		Prompt:      prompt.BuildPlanningPrompt(f),
		ProjectPath: projectPath,
		ImagePaths:  f.Images,
		Model:       model,
		Options: agent.RunOptions{
			PlanningMode:        true,
			RequirePlanApproval: true,
			BranchName:          f.BranchName,
		},
	}); err != nil {
		if apperrors.IsStopped(err) {
			return "", false, apperrors.ErrStopped(f.ID)
		}
		return "", false, &apperrors.Error{
			Code:  apperrors.CodeAgentFailed,
			What:  "plan generation failed",
			Cause: err,
		}
	}

	plan := prompt.ExtractPlan(agent.ReadTranscript(projectPath, f.ID))
	if plan == "" {
		return "", false, &apperrors.Error{
			Code: apperrors.CodeAgentFailed,
			What: "planning run produced no plan",
			Fix:  "Inspect the agent transcript and retry the feature",
		}
	}

	if _, err := s.store.UpdateFeaturePlanSpec(projectPath, f.ID, feature.PlanSpecPatch{
		Status:  feature.PlanStatusPtr(feature.PlanGenerated),
		Content: feature.StringPtr(plan),
	}); err != nil {
		return "", false, err
	}

	waitDone := make(chan struct{})
	go func() {
		select {
		case <-rf.Context().Done():
			s.gate.CancelApproval(f.ID)
		case <-waitDone:
		}
	}()
	dec, err := s.gate.WaitForApproval(f.ID, projectPath)
	close(waitDone)
	if err != nil {
		if rf.Cancelled() {
			return "", false, apperrors.ErrStopped(f.ID)
		}
		return "", false, err
	}

	if !dec.Approved {
		if _, uerr := s.store.UpdateFeatureStatus(projectPath, f.ID, feature.Simple(feature.StatusBacklog)); uerr != nil {
			s.logger.Error("failed to revert rejected feature to backlog", "feature", f.ID, "error", uerr)
		}
		s.logger.Info("plan rejected", "feature", f.ID, "feedback", dec.Feedback)
		return "", true, nil
	}

	// Reload: the decision may have persisted an edited plan.
	updated, err := s.store.GetFeature(projectPath, f.ID)
	if err != nil {
		return "", false, err
	}
	*f = *updated
	return prompt.BuildContinuationPrompt(updated, ""), false, nil
}

// finalize persists the terminal status, saves the agent summary, and emits
// the completion event.
func (s *Service) finalize(projectPath string, f *feature.Feature, merged bool) error {
	final := pipeline.FinalStatus(f.SkipTests)
	if _, err := s.store.UpdateFeatureStatus(projectPath, f.ID, final); err != nil {
		return err
	}

	s.failures.RecordSuccess()

	if summary := prompt.ExtractSummary(agent.ReadTranscript(projectPath, f.ID)); summary != "" {
		if err := s.store.SaveFeatureSummary(projectPath, f.ID, summary); err != nil {
			s.logger.Warn("failed to save feature summary", "feature", f.ID, "error", err)
		}
	}

	message := "completed"
	if merged {
		message = "completed and merged"
	}
	s.bus.Emit(events.EventFeatureComplete, f.ID, events.CompleteData{
		Status:  final.String(),
		Message: message,
		Merged:  merged,
	})
	return nil
}

// classifyAndReport sorts an execution error into the stop / merge-conflict /
// merge-failure / genuine-failure buckets and emits accordingly. Only genuine
// failures revert the feature to backlog and count toward the auto-loop
// pause.
func (s *Service) classifyAndReport(projectPath string, f *feature.Feature, err error) {
	if apperrors.IsStopped(err) {
		s.bus.Emit(events.EventFeatureStopped, f.ID, events.CompleteData{
			Status:  f.Status,
			Message: "stopped by user",
		})
		return
	}

	var structured *apperrors.Error
	if goerrors.As(err, &structured) {
		switch structured.Code {
		case apperrors.CodeMergeConflict:
			// Status and conflict event were already handled by the merge
			// attempt; nothing further to mutate.
			return
		case apperrors.CodeMergeFailed:
			s.bus.Emit(events.EventFeatureError, f.ID, events.ErrorData{
				Message: structured.Error(),
				Kind:    string(structured.Code),
			})
			return
		}
	}

	if _, uerr := s.store.UpdateFeatureStatus(projectPath, f.ID, feature.Simple(feature.StatusBacklog)); uerr != nil {
		s.logger.Error("failed to revert feature to backlog", "feature", f.ID, "error", uerr)
	}

	kind := ""
	if structured != nil {
		kind = string(structured.Code)
	}
	s.bus.Emit(events.EventFeatureError, f.ID, events.ErrorData{
		Message: err.Error(),
		Kind:    kind,
	})
	s.failures.RecordFailure(f.ID)
}

// ResumePipeline picks the pipeline back up from the step encoded in the
// feature's persisted status. The lease is acquired with reuse allowed, the
// machinery after the agent phase runs as in ExecuteFeature, and errors are
// classified identically.
func (s *Service) ResumePipeline(projectPath, featureID string, useWorktrees bool) (retErr error) {
	f, err := s.store.GetFeature(projectPath, featureID)
	if err != nil {
		return err
	}
	st := f.CurrentStatus()
	if !st.IsPipeline() {
		return &apperrors.Error{
			Code: apperrors.CodeInvalidStepIndex,
			What: "feature is not in a pipeline step",
			Why:  "status " + f.Status + " does not encode a pipeline step",
		}
	}

	rf, err := s.leases.Acquire(lease.AcquireOptions{
		FeatureID:   featureID,
		ProjectPath: projectPath,
		BranchName:  f.BranchName,
		AllowReuse:  true,
	})
	if err != nil {
		return err
	}
	defer func() {
		s.leases.Release(rf, lease.ReleaseOptions{
			Force: retErr != nil && !apperrors.IsStopped(retErr),
		})
	}()

	cfg, err := s.settings.ProjectConfig(projectPath)
	if err != nil {
		retErr = apperrors.ErrPipelineConfigMissing(projectPath).WithCause(err)
		s.classifyAndReport(projectPath, f, retErr)
		return retErr
	}

	workDir := projectPath
	worktreePath := ""
	if useWorktrees && f.BranchName != "" {
		if wt := s.worktrees.FindWorktreeForBranch(rf.Context(), projectPath, f.BranchName); wt != "" {
			workDir = wt
			worktreePath = wt
		}
	}
	s.leases.SetWorkspace(featureID, worktreePath, f.BranchName)

	merged, err := s.pipeline.ResumeFromStatus(&pipeline.Context{
		ProjectPath:     projectPath,
		Feature:         f,
		Steps:           pipeline.SortedSteps(&cfg.Pipeline),
		WorkDir:         workDir,
		WorktreePath:    worktreePath,
		BranchName:      f.BranchName,
		Lease:           rf,
		MaxTestAttempts: cfg.MaxTestAttempts,
	}, st)
	if err != nil {
		s.classifyAndReport(projectPath, f, err)
		return err
	}

	return s.finalize(projectPath, f, merged)
}

// StopFeature cancels a running feature's lease. Returns whether a running
// feature was found.
func (s *Service) StopFeature(featureID string) bool {
	return s.leases.Stop(featureID)
}

// FailureTracker exposes the auto-loop failure tracker for wiring and status.
func (s *Service) FailureTracker() *FailureTracker {
	return s.failures
}

func (s *Service) snapshot(projectPath, branchName string) {
	if s.snapshotter == nil {
		return
	}
	if err := s.snapshotter.SaveExecutionState(projectPath, branchName); err != nil {
		s.logger.Warn("failed to snapshot execution state", "project", projectPath, "error", err)
	}
}
