package pipeline

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/autoloop/autoloop/internal/agent"
	"github.com/autoloop/autoloop/internal/config"
	apperrors "github.com/autoloop/autoloop/internal/errors"
	"github.com/autoloop/autoloop/internal/events"
	"github.com/autoloop/autoloop/internal/feature"
	"github.com/autoloop/autoloop/internal/lease"
	"github.com/autoloop/autoloop/internal/merge"
	"github.com/autoloop/autoloop/internal/prompt"
	"github.com/autoloop/autoloop/internal/state"
	"github.com/autoloop/autoloop/internal/testrun"
)

const (
	// defaultMaxTestAttempts bounds the test-fix retry loop.
	defaultMaxTestAttempts = 5

	// defaultPollInterval is how often a running test session is polled.
	defaultPollInterval = 2 * time.Second

	// testRunCeiling is the hard deadline for one test run, independent of
	// the attempt count. A run still not terminal at the ceiling is treated
	// as failed.
	testRunCeiling = 10 * time.Minute

	// maxEventFailures caps failing-test names carried on a test-failed event.
	maxEventFailures = 20
)

// Context is the ephemeral per-run aggregate for one pipeline invocation.
// It is owned by a single ExecutePipeline call and never persisted as a
// unit; progress is persisted incrementally as pipeline_<stepId> statuses.
type Context struct {
	ProjectPath  string
	Feature      *feature.Feature
	Steps        []config.StepConfig
	WorkDir      string
	WorktreePath string
	BranchName   string
	Lease        *lease.RunningFeature

	MaxTestAttempts int
}

// Orchestrator runs pipeline steps for a feature.
type Orchestrator struct {
	store  *state.Manager
	bus    events.Bus
	agent  agent.Runner
	tests  testrun.Runner
	merger merge.Merger
	logger *slog.Logger

	pollInterval time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

// WithPollInterval overrides the test session poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.pollInterval = d
	}
}

// NewOrchestrator creates a pipeline orchestrator.
func NewOrchestrator(store *state.Manager, bus events.Bus, agentRunner agent.Runner, tests testrun.Runner, merger merge.Merger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:        store,
		bus:          bus,
		agent:        agentRunner,
		tests:        tests,
		merger:       merger,
		logger:       slog.Default(),
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ExecutePipeline runs every step in pctx.Steps in order, then attempts the
// post-pipeline merge when the feature carries a branch. Returns whether the
// branch was merged. A merge conflict is returned as a structured error after
// the feature has been moved to merge_conflict; the caller must not finalize.
func (o *Orchestrator) ExecutePipeline(pctx *Context) (merged bool, err error) {
	f := pctx.Feature
	previousWork := agent.ReadTranscript(pctx.ProjectPath, f.ID)

	for _, step := range pctx.Steps {
		if pctx.Lease.Cancelled() {
			return false, apperrors.ErrStopped(f.ID)
		}

		// Persist the in-flight step before announcing it, so a crash
		// between the two leaves a resumable status on disk.
		if _, err := o.store.UpdateFeatureStatus(pctx.ProjectPath, f.ID, feature.PipelineStep(step.ID)); err != nil {
			return false, fmt.Errorf("persist step status: %w", err)
		}
		o.bus.Emit(events.EventPipelineStepStart, f.ID, events.StepData{StepID: step.ID, Name: step.Name})

		if step.Type == TestStepType {
			err = o.executeTestStep(pctx, step)
		} else {
			err = o.runStepAgent(pctx, step, previousWork)
		}
		if err != nil {
			return false, err
		}

		// A failed reload only costs the next step its previous-work
		// context, never the pipeline.
		previousWork = agent.ReadTranscript(pctx.ProjectPath, f.ID)

		o.bus.Emit(events.EventPipelineStepComplete, f.ID, events.StepData{StepID: step.ID, Name: step.Name})
	}

	if pctx.BranchName != "" {
		return o.attemptMerge(pctx)
	}
	return false, nil
}

// ResumeFromStep resumes the pipeline at the given step index, advancing past
// skipped steps first. When every remaining step is skipped, no agent runs;
// only the merge attempt (if a branch exists) happens before the caller
// finalizes.
func (o *Orchestrator) ResumeFromStep(pctx *Context, stepIndex int) (merged bool, err error) {
	if stepIndex < 0 || stepIndex >= len(pctx.Steps) {
		return false, apperrors.ErrInvalidStepIndex(stepIndex, len(pctx.Steps))
	}

	start := NextRunnableIndex(pctx.Feature, pctx.Steps, stepIndex)
	if start >= len(pctx.Steps) {
		// Every remaining step is skipped; only the merge attempt is left.
		if pctx.BranchName != "" {
			return o.attemptMerge(pctx)
		}
		return false, nil
	}

	// Skipped steps after the resume point stay skipped too.
	run := *pctx
	run.Steps = RunnableSteps(pctx.Feature, pctx.Steps[start:])
	return o.ExecutePipeline(&run)
}

// ResumeFromStatus locates the persisted pipeline step in the configured
// steps and resumes from it. A step that vanished from the config means the
// pipeline is complete: only the merge attempt remains.
func (o *Orchestrator) ResumeFromStatus(pctx *Context, st feature.Status) (merged bool, err error) {
	if len(pctx.Steps) == 0 {
		return false, apperrors.ErrPipelineConfigMissing(pctx.ProjectPath)
	}

	idx := StepIndex(pctx.Steps, st.StepID)
	if idx < 0 {
		o.logger.Warn("pipeline step no longer configured, treating pipeline as complete",
			"feature", pctx.Feature.ID,
			"step", st.StepID)
		if pctx.BranchName != "" {
			return o.attemptMerge(pctx)
		}
		return false, nil
	}
	return o.ResumeFromStep(pctx, idx)
}

func (o *Orchestrator) runStepAgent(pctx *Context, step config.StepConfig, previousWork string) error {
	p := prompt.BuildStepPrompt(pctx.Feature, step, previousWork)
	err := o.agent.Run(pctx.Lease.Context(), agent.RunRequest{
		WorkDir:     pctx.WorkDir,
		FeatureID:   pctx.Feature.ID,
		Prompt:      p,
		ProjectPath: pctx.ProjectPath,
		Model:       pctx.Feature.Model,
		Options: agent.RunOptions{
			BranchName: pctx.BranchName,
		},
	})
	if err != nil {
		if apperrors.IsStopped(err) {
			return apperrors.ErrStopped(pctx.Feature.ID)
		}
		return &apperrors.Error{
			Code:  apperrors.CodeAgentFailed,
			What:  fmt.Sprintf("pipeline step %s failed", step.ID),
			Cause: err,
		}
	}
	return nil
}

// executeTestStep runs the test-fix retry loop: up to MaxTestAttempts test
// runs, with a fix prompt sent to the agent after every failed attempt except
// the last.
func (o *Orchestrator) executeTestStep(pctx *Context, step config.StepConfig) error {
	f := pctx.Feature
	maxAttempts := pctx.MaxTestAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxTestAttempts
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if pctx.Lease.Cancelled() {
			return apperrors.ErrStopped(f.ID)
		}

		start, err := o.tests.Start(pctx.WorkDir, testrun.StartOptions{Command: step.Command})
		if err != nil || !start.Success {
			// A run that cannot even start is not retried.
			why := start.Error
			if err != nil {
				why = err.Error()
			}
			return &apperrors.Error{
				Code: apperrors.CodeTestsFailed,
				What: "test run could not be started",
				Why:  why,
			}
		}

		session, err := o.waitForSession(pctx, start.SessionID)
		if err != nil {
			return err
		}

		if session.Status == testrun.StatusPassed {
			return nil
		}

		output, outErr := o.tests.GetSessionOutput(start.SessionID)
		if outErr != nil {
			output = ""
		}
		failing := ParseFailingTests(output)

		eventFailing := failing
		if len(eventFailing) > maxEventFailures {
			eventFailing = eventFailing[:maxEventFailures]
		}
		// Emitted on the last attempt too: the returned error names only the
		// attempt count, this event carries the failing test names.
		o.bus.Emit(events.EventPipelineTestFailed, f.ID, events.TestFailureData{
			Attempt:      attempt,
			MaxAttempts:  maxAttempts,
			FailingTests: eventFailing,
		})

		if attempt == maxAttempts {
			break
		}

		fix := prompt.BuildFixPrompt(prompt.FixPromptData{
			Passed:     countPassing(output),
			Failed:     len(failing),
			Signatures: failing,
			RawOutput:  output,
		})
		if err := o.agent.Run(pctx.Lease.Context(), agent.RunRequest{
			WorkDir:     pctx.WorkDir,
			FeatureID:   f.ID,
			Prompt:      fix,
			ProjectPath: pctx.ProjectPath,
			Model:       f.Model,
			Options: agent.RunOptions{
				BranchName: pctx.BranchName,
			},
		}); err != nil {
			if apperrors.IsStopped(err) {
				return apperrors.ErrStopped(f.ID)
			}
			return &apperrors.Error{
				Code:  apperrors.CodeAgentFailed,
				What:  fmt.Sprintf("fix attempt %d failed", attempt),
				Cause: err,
			}
		}
	}

	return &apperrors.Error{
		Code: apperrors.CodeTestsFailed,
		What: fmt.Sprintf("Tests failed after %d attempts", maxAttempts),
	}
}

// waitForSession polls the test session until it reaches a terminal state or
// the hard ceiling elapses. The ceiling forces a failed result rather than an
// error: a hung test run is a test failure, not an orchestration fault.
func (o *Orchestrator) waitForSession(pctx *Context, sessionID string) (testrun.Session, error) {
	deadline := time.NewTimer(testRunCeiling)
	defer deadline.Stop()
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for {
		session, err := o.tests.GetSession(sessionID)
		if err == nil && session.Status.Terminal() {
			return session, nil
		}

		select {
		case <-pctx.Lease.Context().Done():
			return testrun.Session{}, apperrors.ErrStopped(pctx.Feature.ID)
		case <-deadline.C:
			o.logger.Warn("test run exceeded hard ceiling, forcing failure",
				"feature", pctx.Feature.ID,
				"session", sessionID)
			return testrun.Session{Status: testrun.StatusFailed}, nil
		case <-ticker.C:
		}
	}
}

// attemptMerge posts a non-destructive merge for the feature branch. A
// conflict moves the feature to merge_conflict and is returned as a
// structured error so the caller skips finalization; any other non-success
// leaves the feature at its pre-merge status.
func (o *Orchestrator) attemptMerge(pctx *Context) (bool, error) {
	f := pctx.Feature

	result, err := o.merger.Merge(pctx.Lease.Context(), merge.Request{
		ProjectPath:  pctx.ProjectPath,
		BranchName:   pctx.BranchName,
		WorktreePath: pctx.WorktreePath,
		TargetBranch: "main",
		Options: merge.Options{
			DeleteBranch:   false,
			RemoveWorktree: false,
			SquashMerge:    false,
		},
	})
	if err != nil {
		return false, &apperrors.Error{
			Code:  apperrors.CodeMergeFailed,
			What:  fmt.Sprintf("merge of branch %s failed", pctx.BranchName),
			Cause: err,
		}
	}

	if result.HasConflicts {
		if _, err := o.store.UpdateFeatureStatus(pctx.ProjectPath, f.ID, feature.Simple(feature.StatusMergeConflict)); err != nil {
			o.logger.Error("failed to persist merge_conflict status", "feature", f.ID, "error", err)
		}
		o.bus.Emit(events.EventMergeConflict, f.ID, events.ErrorData{
			Message: fmt.Sprintf("merge of branch %s into main has conflicts", pctx.BranchName),
			Kind:    string(apperrors.CodeMergeConflict),
		})
		return false, &apperrors.Error{
			Code: apperrors.CodeMergeConflict,
			What: fmt.Sprintf("merge of branch %s has conflicts", pctx.BranchName),
			Why:  result.Error,
			Fix:  "Resolve the conflicts manually or with agent assistance, then retry",
		}
	}

	if !result.Success {
		return false, &apperrors.Error{
			Code: apperrors.CodeMergeFailed,
			What: fmt.Sprintf("merge of branch %s failed", pctx.BranchName),
			Why:  result.Error,
		}
	}

	return true, nil
}

// ParseFailingTests extracts deduplicated failing-test names from test
// scrollback: any whitespace-separated token following a literal FAIL or
// FAILED token on a line. The match is case-sensitive.
func ParseFailingTests(output string) []string {
	seen := make(map[string]struct{})
	var names []string

	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		for i, tok := range fields {
			if tok != "FAIL" && tok != "FAILED" && tok != "FAIL:" && tok != "FAILED:" {
				continue
			}
			if i+1 >= len(fields) {
				break
			}
			name := fields[i+1]
			if _, ok := seen[name]; !ok {
				seen[name] = struct{}{}
				names = append(names, name)
			}
			break
		}
	}
	return names
}

// countPassing counts PASS markers in test scrollback, used only to give the
// fix prompt a rough pass tally.
func countPassing(output string) int {
	count := 0
	for _, line := range strings.Split(output, "\n") {
		for _, tok := range strings.Fields(line) {
			if tok == "PASS" || tok == "PASSED" || tok == "PASS:" || tok == "PASSED:" {
				count++
				break
			}
		}
	}
	return count
}
