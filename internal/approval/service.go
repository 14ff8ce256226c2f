// Package approval provides the plan approval gate for autoloop.
//
// The in-memory pending map handles the common case; the persisted plan spec
// status is the source of truth for crash recovery. A process restart loses
// every pending entry, so ResolveApproval falls back to the feature record on
// disk when the plan was already generated.
package approval

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/autoloop/autoloop/internal/config"
	apperrors "github.com/autoloop/autoloop/internal/errors"
	"github.com/autoloop/autoloop/internal/events"
	"github.com/autoloop/autoloop/internal/feature"
)

// Decision is the outcome delivered to a waiting execution.
type Decision struct {
	Approved   bool
	EditedPlan string
	Feedback   string
}

// ResolveOptions configures ResolveApproval.
type ResolveOptions struct {
	EditedPlan  string
	Feedback    string
	ProjectPath string
}

// ResolveResult reports how an approval was resolved.
type ResolveResult struct {
	Approved bool
	// NeedsRecovery signals that no in-memory execution is waiting to
	// resume: the approval was applied directly to the persisted record and
	// the caller must separately trigger resumption.
	NeedsRecovery bool
}

// FeatureStore is the subset of the state manager the gate needs.
type FeatureStore interface {
	GetFeature(projectPath, featureID string) (*feature.Feature, error)
	UpdateFeaturePlanSpec(projectPath, featureID string, patch feature.PlanSpecPatch) (*feature.Feature, error)
	UpdateFeatureStatus(projectPath, featureID string, st feature.Status) (*feature.Feature, error)
}

type pendingApproval struct {
	featureID   string
	projectPath string
	done        chan Decision
	err         chan error
	timer       *time.Timer
}

// Service is the plan approval gate.
type Service struct {
	mu      sync.Mutex
	pending map[string]*pendingApproval

	store    FeatureStore
	settings config.Provider
	bus      events.Bus
	logger   *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithBus sets the event bus.
func WithBus(b events.Bus) Option {
	return func(s *Service) { s.bus = b }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a plan approval service.
func NewService(store FeatureStore, settings config.Provider, opts ...Option) *Service {
	s := &Service{
		pending:  make(map[string]*pendingApproval),
		store:    store,
		settings: settings,
		bus:      events.NewNopBus(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// timeoutFor reads the project's approval timeout, falling back to the
// 30-minute default when settings are unset, invalid, or unreadable.
func (s *Service) timeoutFor(projectPath string) time.Duration {
	cfg, err := s.settings.ProjectConfig(projectPath)
	if err != nil {
		s.logger.Warn("settings unavailable, using default approval timeout", "error", err)
		return (&config.Config{}).PlanApprovalTimeout()
	}
	return cfg.PlanApprovalTimeout()
}

// WaitForApproval registers a pending approval for the feature and blocks
// until it is resolved, cancelled, or times out. The returned decision is
// delivered exactly once.
func (s *Service) WaitForApproval(featureID, projectPath string) (Decision, error) {
	timeout := s.timeoutFor(projectPath)

	p := &pendingApproval{
		featureID:   featureID,
		projectPath: projectPath,
		done:        make(chan Decision, 1),
		err:         make(chan error, 1),
	}

	s.mu.Lock()
	if _, exists := s.pending[featureID]; exists {
		s.mu.Unlock()
		return Decision{}, fmt.Errorf("approval already pending for feature %s", featureID)
	}
	p.timer = time.AfterFunc(timeout, func() {
		s.timeOut(featureID, timeout)
	})
	s.pending[featureID] = p
	s.mu.Unlock()

	select {
	case d := <-p.done:
		return d, nil
	case err := <-p.err:
		return Decision{}, err
	}
}

// timeOut rejects a pending approval after its deadline.
func (s *Service) timeOut(featureID string, timeout time.Duration) {
	s.mu.Lock()
	p, ok := s.pending[featureID]
	if ok {
		delete(s.pending, featureID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	p.err <- &apperrors.Error{
		Code: apperrors.CodeApprovalTimeout,
		What: fmt.Sprintf("plan approval for feature %s timed out after %d minutes", featureID, int(timeout.Minutes())),
	}
}

// ResolveApproval resolves a pending approval, or applies the decision
// directly to the persisted record when the in-memory entry was lost to a
// restart. The plan's new status is persisted with reviewedByUser set before
// any event is emitted.
func (s *Service) ResolveApproval(featureID string, approved bool, opts ResolveOptions) (ResolveResult, error) {
	s.mu.Lock()
	p, ok := s.pending[featureID]
	if ok {
		delete(s.pending, featureID)
		p.timer.Stop()
	}
	s.mu.Unlock()

	if ok {
		if err := s.persistDecision(p.projectPath, featureID, approved, opts); err != nil {
			return ResolveResult{}, err
		}
		p.done <- Decision{Approved: approved, EditedPlan: opts.EditedPlan, Feedback: opts.Feedback}
		return ResolveResult{Approved: approved}, nil
	}

	// Crash-recovery path: no in-memory entry, but a generated plan on disk
	// means a restart lost the waiting execution.
	projectPath := opts.ProjectPath
	if projectPath == "" {
		return ResolveResult{}, apperrors.ErrNoPendingApproval(featureID)
	}
	f, err := s.store.GetFeature(projectPath, featureID)
	if err != nil {
		return ResolveResult{}, err
	}
	if f.PlanSpec == nil || f.PlanSpec.Status != feature.PlanGenerated {
		return ResolveResult{}, apperrors.ErrNoPendingApproval(featureID)
	}

	if err := s.persistDecision(projectPath, featureID, approved, opts); err != nil {
		return ResolveResult{}, err
	}
	if !approved {
		if _, err := s.store.UpdateFeatureStatus(projectPath, featureID, feature.Simple(feature.StatusBacklog)); err != nil {
			return ResolveResult{}, err
		}
	}

	s.logger.Info("approval resolved via recovery path",
		"feature", featureID,
		"approved", approved)
	return ResolveResult{Approved: approved, NeedsRecovery: true}, nil
}

// persistDecision writes the plan's new status (and edited content on
// approval), then emits a rejection event if needed. Persistence precedes
// emission.
func (s *Service) persistDecision(projectPath, featureID string, approved bool, opts ResolveOptions) error {
	patch := feature.PlanSpecPatch{
		ReviewedByUser: feature.BoolPtr(true),
	}
	if approved {
		patch.Status = feature.PlanStatusPtr(feature.PlanApproved)
		if opts.EditedPlan != "" {
			patch.Content = feature.StringPtr(opts.EditedPlan)
		}
	} else {
		patch.Status = feature.PlanStatusPtr(feature.PlanRejected)
	}

	if _, err := s.store.UpdateFeaturePlanSpec(projectPath, featureID, patch); err != nil {
		return fmt.Errorf("persist approval decision: %w", err)
	}

	if !approved {
		s.bus.Emit(events.EventPlanRejected, featureID, map[string]any{"feedback": opts.Feedback})
	}
	return nil
}

// CancelApproval rejects a pending approval with a cancellation error and
// clears its timeout. No-op when nothing is pending.
func (s *Service) CancelApproval(featureID string) {
	s.mu.Lock()
	p, ok := s.pending[featureID]
	if ok {
		delete(s.pending, featureID)
		p.timer.Stop()
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	p.err <- &apperrors.Error{
		Code: apperrors.CodeApprovalCancelled,
		What: fmt.Sprintf("plan approval for feature %s was cancelled", featureID),
	}
}

// HasPendingApproval reports whether an approval is waiting for the feature.
func (s *Service) HasPendingApproval(featureID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[featureID]
	return ok
}
