// Package recovery restores execution after a process restart: it snapshots
// which features are running per (project, worktree), and resumes features
// whose persisted status shows they were in flight.
package recovery

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/autoloop/autoloop/internal/agent"
	"github.com/autoloop/autoloop/internal/config"
	"github.com/autoloop/autoloop/internal/events"
	"github.com/autoloop/autoloop/internal/exec"
	"github.com/autoloop/autoloop/internal/feature"
	"github.com/autoloop/autoloop/internal/lease"
	"github.com/autoloop/autoloop/internal/prompt"
	"github.com/autoloop/autoloop/internal/state"
	"github.com/autoloop/autoloop/internal/util"
)

// snapshotVersion is bumped when the snapshot format changes.
const snapshotVersion = 1

// Snapshot records which features were running for one (project, worktree)
// pair. Written on every feature start/stop and before auto-loop state
// changes; read once at startup.
type Snapshot struct {
	Version            int       `json:"version"`
	AutoLoopWasRunning bool      `json:"auto_loop_was_running"`
	MaxConcurrency     int       `json:"max_concurrency"`
	ProjectPath        string    `json:"project_path"`
	BranchName         string    `json:"branch_name,omitempty"`
	RunningFeatureIDs  []string  `json:"running_feature_ids"`
	SavedAt            time.Time `json:"saved_at"`
}

// Service implements crash recovery. It satisfies exec.Snapshotter and
// exec.Resumer.
type Service struct {
	leases   *lease.Manager
	store    *state.Manager
	bus      events.Bus
	exec     *exec.Service
	settings config.Provider
	logger   *slog.Logger

	// autoLoopRunning reports whether the auto loop is active at snapshot
	// time; wired from the loop controller.
	autoLoopRunning func() bool
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

// WithAutoLoopProbe wires the auto-loop activity probe recorded in snapshots.
func WithAutoLoopProbe(probe func() bool) Option {
	return func(s *Service) {
		s.autoLoopRunning = probe
	}
}

// NewService creates a recovery service.
func NewService(leases *lease.Manager, store *state.Manager, bus events.Bus, execSvc *exec.Service, settings config.Provider, opts ...Option) *Service {
	s := &Service{
		leases:          leases,
		store:           store,
		bus:             bus,
		exec:            execSvc,
		settings:        settings,
		logger:          slog.Default(),
		autoLoopRunning: func() bool { return false },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// snapshotPath returns the snapshot file for a (project, branch) pair. The
// empty branch denotes the main worktree.
func snapshotPath(projectPath, branchName string) string {
	name := "execution-state.json"
	if branchName != "" {
		name = fmt.Sprintf("execution-state-%s.json", strings.ReplaceAll(branchName, "/", "-"))
	}
	return filepath.Join(projectPath, config.Dir, name)
}

// SaveExecutionState snapshots the features currently running for the exact
// (project, branch) pair.
func (s *Service) SaveExecutionState(projectPath, branchName string) error {
	var ids []string
	for _, rf := range s.leases.GetAllRunning() {
		if rf.ProjectPath == projectPath && rf.BranchName == branchName {
			ids = append(ids, rf.FeatureID)
		}
	}

	maxConcurrency := config.Default().MaxConcurrency
	if cfg, err := s.settings.ProjectConfig(projectPath); err == nil {
		maxConcurrency = cfg.MaxConcurrency
	}

	snap := Snapshot{
		Version:            snapshotVersion,
		AutoLoopWasRunning: s.autoLoopRunning(),
		MaxConcurrency:     maxConcurrency,
		ProjectPath:        projectPath,
		BranchName:         branchName,
		RunningFeatureIDs:  ids,
		SavedAt:            time.Now(),
	}
	return util.AtomicWriteJSON(snapshotPath(projectPath, branchName), &snap, 1)
}

// LoadExecutionState reads the snapshot for a (project, branch) pair. A
// missing file means "no prior run" and yields defaults, not an error.
func (s *Service) LoadExecutionState(projectPath, branchName string) (*Snapshot, error) {
	snap := &Snapshot{
		Version:        snapshotVersion,
		MaxConcurrency: config.Default().MaxConcurrency,
		ProjectPath:    projectPath,
		BranchName:     branchName,
	}
	err := util.ReadJSONWithRecovery(snapshotPath(projectPath, branchName), snap, nil)
	if err != nil {
		if os.IsNotExist(err) {
			return snap, nil
		}
		return nil, fmt.Errorf("load execution state: %w", err)
	}
	return snap, nil
}

// ClearExecutionState removes the snapshot; a missing file is fine.
func (s *Service) ClearExecutionState(projectPath, branchName string) error {
	err := os.Remove(snapshotPath(projectPath, branchName))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear execution state: %w", err)
	}
	return nil
}

// ContextExists reports whether the feature's agent transcript is on disk.
func (s *Service) ContextExists(projectPath, featureID string) bool {
	return agent.ContextExists(projectPath, featureID)
}

// ResumeFeature continues one feature from its persisted state. Idempotent
// for external callers: a feature that already holds a lease is left alone.
// Internal callers already hold that lease (the execution service delegates
// here mid-acquisition), so calledInternally skips the check and the chained
// ExecuteFeature reuses the lease instead.
func (s *Service) ResumeFeature(projectPath, featureID string, useWorktrees, calledInternally bool) error {
	if !calledInternally && s.leases.GetRunningFeature(featureID) != nil {
		s.logger.Debug("feature already running, skipping resume", "feature", featureID)
		return nil
	}

	f, err := s.store.GetFeature(projectPath, featureID)
	if err != nil {
		return err
	}

	ctxExists := agent.ContextExists(projectPath, featureID)
	s.bus.Emit(events.EventResuming, featureID, events.ResumingData{
		Features: []events.ResumingFeature{{
			FeatureID:     featureID,
			Status:        f.Status,
			ContextExists: ctxExists,
		}},
	})

	if f.CurrentStatus().IsPipeline() {
		return s.exec.ResumePipeline(projectPath, featureID, useWorktrees)
	}

	continuation := ""
	if ctxExists || f.HasApprovedPlan() {
		transcript := ""
		if ctxExists {
			transcript = agent.ReadTranscript(projectPath, featureID)
		}
		continuation = prompt.BuildContinuationPrompt(f, transcript)
	}

	return s.exec.ExecuteFeature(projectPath, featureID, exec.ExecuteOptions{
		UseWorktrees:       useWorktrees,
		ContinuationPrompt: continuation,
		CalledInternally:   true,
	})
}

// ResumeFromSnapshot consumes the startup snapshot for a (project, branch)
// pair: every feature it lists is resumed, the snapshot file is removed, and
// the snapshot is returned so the caller can restore auto-loop state and
// concurrency. A missing snapshot yields defaults with nothing to resume.
func (s *Service) ResumeFromSnapshot(projectPath, branchName string, useWorktrees bool) (*Snapshot, error) {
	snap, err := s.LoadExecutionState(projectPath, branchName)
	if err != nil {
		return nil, err
	}

	for _, id := range snap.RunningFeatureIDs {
		if err := s.ResumeFeature(projectPath, id, useWorktrees, false); err != nil {
			s.logger.Error("failed to resume snapshotted feature", "feature", id, "error", err)
		}
	}

	if err := s.ClearExecutionState(projectPath, branchName); err != nil {
		s.logger.Warn("failed to clear execution state", "project", projectPath, "error", err)
	}
	return snap, nil
}

// ResumeInterruptedFeatures scans the project's features and resumes every
// one whose status shows it was in flight. One feature failing to resume
// never blocks the rest.
func (s *Service) ResumeInterruptedFeatures(projectPath string, useWorktrees bool) error {
	feats, err := s.store.ListFeatures(projectPath)
	if err != nil {
		return err
	}

	var selected []*feature.Feature
	var batch []events.ResumingFeature
	for _, f := range feats {
		st := f.CurrentStatus()
		if st.Kind != feature.StatusInProgress && !st.IsPipeline() {
			continue
		}
		selected = append(selected, f)
		batch = append(batch, events.ResumingFeature{
			FeatureID:     f.ID,
			Status:        f.Status,
			ContextExists: agent.ContextExists(projectPath, f.ID),
		})
	}
	if len(selected) == 0 {
		return nil
	}

	s.bus.Emit(events.EventResuming, events.GlobalFeatureID, events.ResumingData{Features: batch})

	limit := config.Default().MaxConcurrency
	if cfg, err := s.settings.ProjectConfig(projectPath); err == nil && cfg.MaxConcurrency > 0 {
		limit = cfg.MaxConcurrency
	}

	var g errgroup.Group
	g.SetLimit(limit)
	for _, f := range selected {
		f := f
		g.Go(func() error {
			if err := s.ResumeFeature(projectPath, f.ID, useWorktrees, false); err != nil {
				s.logger.Error("failed to resume feature", "feature", f.ID, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}
