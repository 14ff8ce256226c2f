// Package state provides the durable feature store for autoloop.
//
// Every mutating operation follows the same sequence: read with backup
// recovery, mutate in memory, atomic write with backup retention, and only
// then emit domain events or create notifications. The ordering is
// load-bearing: a client refresh between write and emit must never observe
// stale data.
package state

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/autoloop/autoloop/internal/config"
	apperrors "github.com/autoloop/autoloop/internal/errors"
	"github.com/autoloop/autoloop/internal/events"
	"github.com/autoloop/autoloop/internal/feature"
	"github.com/autoloop/autoloop/internal/notify"
	"github.com/autoloop/autoloop/internal/util"
)

const (
	// FeaturesDir is the per-project features directory under .autoloop.
	FeaturesDir = "features"
	// FeatureFileName is the feature record file inside a feature directory.
	FeatureFileName = "feature.json"
	// SpecDocFileName is the project-level spec document synced on completion.
	SpecDocFileName = "SPEC.md"
)

// Manager is the feature state manager.
type Manager struct {
	bus      events.Bus
	notifier notify.Service
	logger   *slog.Logger
	backups  int
}

// Option configures a Manager.
type Option func(*Manager)

// WithBus sets the event bus.
func WithBus(b events.Bus) Option {
	return func(m *Manager) { m.bus = b }
}

// WithNotifier sets the notification service.
func WithNotifier(n notify.Service) Option {
	return func(m *Manager) { m.notifier = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithBackups sets the rolling backup count for feature writes.
func WithBackups(n int) Option {
	return func(m *Manager) { m.backups = n }
}

// NewManager creates a feature state manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		bus:      events.NewNopBus(),
		notifier: notify.NopService{},
		logger:   slog.Default(),
		backups:  util.DefaultBackupCount,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// FeaturesPath returns the features directory for a project.
func FeaturesPath(projectPath string) string {
	return filepath.Join(projectPath, config.Dir, FeaturesDir)
}

// FeatureDir returns the directory holding one feature's files.
func FeatureDir(projectPath, featureID string) string {
	return filepath.Join(FeaturesPath(projectPath), featureID)
}

func featurePath(projectPath, featureID string) string {
	return filepath.Join(FeatureDir(projectPath, featureID), FeatureFileName)
}

// GetFeature loads a feature, recovering from backups when the primary file
// is corrupted.
func (m *Manager) GetFeature(projectPath, featureID string) (*feature.Feature, error) {
	var f feature.Feature
	err := util.ReadJSONWithRecovery(featurePath(projectPath, featureID), &f, m.recoveryWarning)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.ErrFeatureNotFound(featureID)
		}
		return nil, fmt.Errorf("load feature %s: %w", featureID, err)
	}
	return &f, nil
}

// ListFeatures loads all features in a project. A missing features directory
// is not an error.
func (m *Manager) ListFeatures(projectPath string) ([]*feature.Feature, error) {
	entries, err := os.ReadDir(FeaturesPath(projectPath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read features directory: %w", err)
	}

	var out []*feature.Feature
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		f, err := m.GetFeature(projectPath, entry.Name())
		if err != nil {
			m.logger.Warn("skipping unreadable feature", "feature", entry.Name(), "error", err)
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

// CreateFeature persists a new feature record.
func (m *Manager) CreateFeature(projectPath string, f *feature.Feature) error {
	if f.Status == "" {
		f.SetStatus(feature.Simple(feature.StatusBacklog))
	}
	f.UpdatedAt = time.Now()
	if err := m.persist(projectPath, f); err != nil {
		return err
	}
	m.bus.Emit(events.EventFeatureUpdated, f.ID, nil)
	return nil
}

// persist atomically writes the feature record with backups. Persistence
// always completes before any event is emitted.
func (m *Manager) persist(projectPath string, f *feature.Feature) error {
	if err := util.AtomicWriteJSON(featurePath(projectPath, f.ID), f, m.backups); err != nil {
		return fmt.Errorf("persist feature %s: %w", f.ID, err)
	}
	return nil
}

func (m *Manager) recoveryWarning(path, backup string, cause error) {
	m.logger.Warn("feature file corrupted, recovered from backup",
		"path", path,
		"backup", backup,
		"error", cause)
}

// UpdateFeatureStatus sets the feature status and updatedAt timestamp. A
// transition to waiting_approval sets justFinishedAt (cleared by any other
// transition). Review/verified notifications are created after the write, and
// a verified/completed transition best-effort syncs the feature into the
// project spec document.
func (m *Manager) UpdateFeatureStatus(projectPath, featureID string, st feature.Status) (*feature.Feature, error) {
	f, err := m.GetFeature(projectPath, featureID)
	if err != nil {
		return nil, err
	}

	f.SetStatus(st)
	f.UpdatedAt = time.Now()
	if st.Kind == feature.StatusWaitingApproval {
		now := time.Now()
		f.JustFinishedAt = &now
	} else {
		f.JustFinishedAt = nil
	}

	if err := m.persist(projectPath, f); err != nil {
		return nil, err
	}

	// Everything below happens strictly after persistence.
	switch st.Kind {
	case feature.StatusWaitingApproval:
		m.createNotification(projectPath, f, "review", "Feature ready for review",
			fmt.Sprintf("%s finished and is waiting for review", f.Title))
	case feature.StatusVerified:
		m.createNotification(projectPath, f, "verified", "Feature verified",
			fmt.Sprintf("%s completed verification", f.Title))
	}

	if st.Kind == feature.StatusVerified || st.Kind == feature.StatusCompleted {
		if err := m.syncSpecDoc(projectPath, f); err != nil {
			// Sync failure never fails the status update.
			m.logger.Warn("spec document sync failed", "feature", featureID, "error", err)
		}
	}

	m.bus.Emit(events.EventFeatureUpdated, featureID, map[string]any{"status": f.Status})
	return f, nil
}

func (m *Manager) createNotification(projectPath string, f *feature.Feature, typ, title, message string) {
	err := m.notifier.CreateNotification(notify.Notification{
		Type:        typ,
		Title:       title,
		Message:     message,
		FeatureID:   f.ID,
		ProjectPath: projectPath,
	})
	if err != nil {
		m.logger.Warn("create notification failed", "feature", f.ID, "error", err)
	}
}

// syncSpecDoc merges the feature into the project-level spec document.
func (m *Manager) syncSpecDoc(projectPath string, f *feature.Feature) error {
	path := filepath.Join(projectPath, config.Dir, SpecDocFileName)

	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	header := fmt.Sprintf("## %s (%s)", f.Title, f.ID)
	var section strings.Builder
	section.WriteString(header + "\n\n")
	if f.Description != "" {
		section.WriteString(f.Description + "\n\n")
	}
	if f.Summary != "" {
		section.WriteString(f.Summary + "\n\n")
	}

	doc := string(existing)
	if idx := strings.Index(doc, header); idx >= 0 {
		end := len(doc)
		if next := strings.Index(doc[idx+len(header):], "\n## "); next >= 0 {
			end = idx + len(header) + next + 1
		}
		doc = doc[:idx] + section.String() + doc[end:]
	} else {
		if doc != "" && !strings.HasSuffix(doc, "\n") {
			doc += "\n"
		}
		doc += section.String()
	}

	return util.AtomicWriteFile(path, []byte(doc), 0644)
}

// MarkFeatureInterrupted sets a feature's status to interrupted, unless the
// current status encodes an in-flight pipeline step. Pipeline statuses are
// preserved so resumption can locate the exact step after a restart.
func (m *Manager) MarkFeatureInterrupted(projectPath, featureID string) error {
	f, err := m.GetFeature(projectPath, featureID)
	if err != nil {
		return err
	}

	if feature.IsPipelineStatus(f.Status) {
		m.logger.Info("preserving pipeline status across interrupt",
			"feature", featureID,
			"status", f.Status)
		return nil
	}

	_, err = m.UpdateFeatureStatus(projectPath, featureID, feature.Simple(feature.StatusInterrupted))
	return err
}

// ResetStuckFeatures is the startup cleanup pass. For every feature on disk:
// in_progress reverts to ready (plan approved) or backlog; a generating plan
// spec reverts to pending; an in_progress task reverts to pending, clearing
// currentTaskId when it pointed at the reverted task. Each reverted feature
// is persisted individually. A missing features directory is not an error.
func (m *Manager) ResetStuckFeatures(projectPath string) error {
	features, err := m.ListFeatures(projectPath)
	if err != nil {
		return err
	}

	for _, f := range features {
		changed := false

		if f.CurrentStatus().Kind == feature.StatusInProgress {
			if f.HasApprovedPlan() {
				f.SetStatus(feature.Simple(feature.StatusReady))
			} else {
				f.SetStatus(feature.Simple(feature.StatusBacklog))
			}
			changed = true
		}

		if f.PlanSpec != nil {
			if f.PlanSpec.Status == feature.PlanGenerating {
				f.PlanSpec.Status = feature.PlanPending
				changed = true
			}
			for i := range f.PlanSpec.Tasks {
				if f.PlanSpec.Tasks[i].Status == feature.TaskInProgress {
					f.PlanSpec.Tasks[i].Status = feature.TaskPending
					if f.PlanSpec.CurrentTaskID == f.PlanSpec.Tasks[i].ID {
						f.PlanSpec.CurrentTaskID = ""
					}
					changed = true
				}
			}
		}

		if changed {
			f.UpdatedAt = time.Now()
			if err := m.persist(projectPath, f); err != nil {
				m.logger.Warn("reset stuck feature failed", "feature", f.ID, "error", err)
				continue
			}
			m.logger.Info("reset stuck feature", "feature", f.ID, "status", f.Status)
		}
	}
	return nil
}

// UpdateFeaturePlanSpec merges a partial update into the feature's plan spec,
// creating a default spec when absent. The version increments iff content
// changed; it never decreases.
func (m *Manager) UpdateFeaturePlanSpec(projectPath, featureID string, patch feature.PlanSpecPatch) (*feature.Feature, error) {
	f, err := m.GetFeature(projectPath, featureID)
	if err != nil {
		return nil, err
	}

	if f.PlanSpec == nil {
		f.PlanSpec = feature.NewPlanSpec()
	}
	if patch.Apply(f.PlanSpec) {
		f.PlanSpec.Version++
	}
	f.UpdatedAt = time.Now()

	if err := m.persist(projectPath, f); err != nil {
		return nil, err
	}
	m.bus.Emit(events.EventFeatureUpdated, featureID, map[string]any{"plan_status": string(f.PlanSpec.Status)})
	return f, nil
}

// UpdateTaskStatus sets the status of one parsed plan task.
func (m *Manager) UpdateTaskStatus(projectPath, featureID, taskID string, status feature.TaskStatus) error {
	f, err := m.GetFeature(projectPath, featureID)
	if err != nil {
		return err
	}
	if f.PlanSpec == nil {
		return fmt.Errorf("feature %s has no plan spec", featureID)
	}

	found := false
	for i := range f.PlanSpec.Tasks {
		if f.PlanSpec.Tasks[i].ID == taskID {
			f.PlanSpec.Tasks[i].Status = status
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("task %s not found in feature %s", taskID, featureID)
	}
	if status == feature.TaskInProgress {
		f.PlanSpec.CurrentTaskID = taskID
	}
	f.UpdatedAt = time.Now()

	if err := m.persist(projectPath, f); err != nil {
		return err
	}
	m.bus.Emit(events.EventFeatureUpdated, featureID, map[string]any{"task_id": taskID, "task_status": string(status)})
	return nil
}

// SaveFeatureSummary stores the extracted agent summary on the feature.
func (m *Manager) SaveFeatureSummary(projectPath, featureID, summary string) error {
	f, err := m.GetFeature(projectPath, featureID)
	if err != nil {
		return err
	}
	f.Summary = summary
	f.UpdatedAt = time.Now()

	if err := m.persist(projectPath, f); err != nil {
		return err
	}
	m.bus.Emit(events.EventFeatureUpdated, featureID, nil)
	return nil
}
