// Package lease provides running-feature leases for autoloop.
//
// A lease is the exclusive (or reuse-counted) claim a running feature holds
// on its feature id. It carries the cancellation token observed cooperatively
// by every suspend point in the execution and pipeline services.
package lease

import (
	"context"
	"log/slog"
	"sync"
	"time"

	apperrors "github.com/autoloop/autoloop/internal/errors"
)

// RunningFeature is the lease for one executing feature.
type RunningFeature struct {
	FeatureID    string
	ProjectPath  string
	WorktreePath string // "" for the main worktree
	BranchName   string
	StartTime    time.Time
	IsAutoMode   bool
	Model        string
	Provider     string

	ctx    context.Context
	cancel context.CancelFunc

	// leaseCount supports reentrant acquisition for internally chained
	// continuations. Guarded by the manager mutex.
	leaseCount int
}

// Context returns the lease's cancellation context. All external calls made
// on behalf of this feature must propagate it.
func (r *RunningFeature) Context() context.Context {
	return r.ctx
}

// Cancelled reports whether the lease's cancellation token has fired.
func (r *RunningFeature) Cancelled() bool {
	return r.ctx.Err() != nil
}

// AcquireOptions configures lease acquisition.
type AcquireOptions struct {
	FeatureID    string
	ProjectPath  string
	WorktreePath string
	BranchName   string
	IsAutoMode   bool
	Model        string
	Provider     string

	// AllowReuse increments the lease count of an existing lease instead of
	// failing. Used only for internally chained continuations.
	AllowReuse bool
}

// ReleaseOptions configures lease release.
type ReleaseOptions struct {
	// Force removes the lease regardless of its count. Used by explicit
	// stop and error paths.
	Force bool
}

// Manager enforces per-feature uniqueness and per-worktree concurrency caps.
type Manager struct {
	mu      sync.RWMutex
	running map[string]*RunningFeature

	// maxPerWorktree caps concurrent leases per worktree path; 0 disables
	// the cap.
	maxPerWorktree int
	logger         *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithMaxPerWorktree sets the per-worktree concurrency cap.
func WithMaxPerWorktree(n int) Option {
	return func(m *Manager) {
		m.maxPerWorktree = n
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// NewManager creates a lease manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		running: make(map[string]*RunningFeature),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire returns a lease for the feature. If a lease already exists and
// AllowReuse is set, the existing lease is returned with its count
// incremented; a second cancellation token is never created. Otherwise an
// existing lease means the feature is already running.
func (m *Manager) Acquire(opts AcquireOptions) (*RunningFeature, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.running[opts.FeatureID]; ok {
		if !opts.AllowReuse {
			return nil, apperrors.ErrFeatureRunning(opts.FeatureID)
		}
		existing.leaseCount++
		m.logger.Debug("lease reused",
			"feature", opts.FeatureID,
			"count", existing.leaseCount)
		return existing, nil
	}

	if m.maxPerWorktree > 0 {
		count := m.countForWorktreeLocked(opts.WorktreePath)
		if count >= m.maxPerWorktree {
			return nil, apperrors.ErrWorktreeBusy(opts.WorktreePath, m.maxPerWorktree)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	rf := &RunningFeature{
		FeatureID:    opts.FeatureID,
		ProjectPath:  opts.ProjectPath,
		WorktreePath: opts.WorktreePath,
		BranchName:   opts.BranchName,
		StartTime:    time.Now(),
		IsAutoMode:   opts.IsAutoMode,
		Model:        opts.Model,
		Provider:     opts.Provider,
		ctx:          ctx,
		cancel:       cancel,
		leaseCount:   1,
	}
	m.running[opts.FeatureID] = rf

	m.logger.Debug("lease acquired",
		"feature", opts.FeatureID,
		"worktree", opts.WorktreePath,
		"auto_mode", opts.IsAutoMode)
	return rf, nil
}

// Release decrements the lease count; the lease is removed only when the
// count reaches zero or Force is set. Returns true if the lease was removed.
// A lease that is no longer the current one for its feature (a newer run
// replaced it after a stop) is left untouched, so a late deferred release
// can never cancel the replacement.
func (m *Manager) Release(rf *RunningFeature, opts ReleaseOptions) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.running[rf.FeatureID]
	if !ok || current != rf {
		return false
	}

	rf.leaseCount--
	if rf.leaseCount > 0 && !opts.Force {
		m.logger.Debug("lease released (held)",
			"feature", rf.FeatureID,
			"count", rf.leaseCount)
		return false
	}

	delete(m.running, rf.FeatureID)
	rf.cancel()
	m.logger.Debug("lease removed", "feature", rf.FeatureID, "forced", opts.Force)
	return true
}

// Stop triggers the lease's cancellation token and force-releases it.
// Returns whether a running feature was found.
func (m *Manager) Stop(featureID string) bool {
	m.mu.Lock()
	rf, ok := m.running[featureID]
	m.mu.Unlock()
	if !ok {
		return false
	}

	rf.cancel()
	m.Release(rf, ReleaseOptions{Force: true})
	return true
}

// SetWorkspace records the resolved worktree path and branch on the feature's
// active lease, once resolution has happened. No-op when nothing is running.
func (m *Manager) SetWorkspace(featureID, worktreePath, branchName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rf, ok := m.running[featureID]; ok {
		rf.WorktreePath = worktreePath
		rf.BranchName = branchName
	}
}

// GetRunningFeature returns the lease for a feature, or nil.
func (m *Manager) GetRunningFeature(featureID string) *RunningFeature {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running[featureID]
}

// GetAllRunning returns all active leases.
func (m *Manager) GetAllRunning() []*RunningFeature {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*RunningFeature, 0, len(m.running))
	for _, rf := range m.running {
		out = append(out, rf)
	}
	return out
}

// GetRunningForProject returns the feature IDs running for an exact
// (projectPath, worktreePath) pair.
func (m *Manager) GetRunningForProject(projectPath, worktreePath string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []string
	for id, rf := range m.running {
		if rf.ProjectPath == projectPath && rf.WorktreePath == worktreePath {
			ids = append(ids, id)
		}
	}
	return ids
}

// GetRunningCountForWorktree returns how many leases are held for a worktree.
func (m *Manager) GetRunningCountForWorktree(worktreePath string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.countForWorktreeLocked(worktreePath)
}

func (m *Manager) countForWorktreeLocked(worktreePath string) int {
	count := 0
	for _, rf := range m.running {
		if rf.WorktreePath == worktreePath {
			count++
		}
	}
	return count
}
