package state

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/autoloop/autoloop/internal/errors"
	"github.com/autoloop/autoloop/internal/events"
	"github.com/autoloop/autoloop/internal/feature"
)

// recordingBus captures emits and, via onEmit, lets tests observe on-disk
// state at the exact moment an event fires.
type recordingBus struct {
	events []events.Event
	onEmit func(events.Event)
}

func (b *recordingBus) Emit(eventType events.EventType, featureID string, data any) {
	e := events.NewEvent(eventType, featureID, data)
	b.events = append(b.events, e)
	if b.onEmit != nil {
		b.onEmit(e)
	}
}

func (b *recordingBus) Subscribe(featureID string) *events.Subscription { return nil }
func (b *recordingBus) Close()                                          {}

func newTestManager(t *testing.T, bus events.Bus) (*Manager, string) {
	t.Helper()
	if bus == nil {
		bus = events.NewNopBus()
	}
	return NewManager(WithBus(bus)), t.TempDir()
}

func createFeature(t *testing.T, m *Manager, project string, f *feature.Feature) {
	t.Helper()
	require.NoError(t, m.CreateFeature(project, f))
}

func TestGetFeatureNotFound(t *testing.T) {
	m, project := newTestManager(t, nil)
	_, err := m.GetFeature(project, "missing")
	assert.ErrorIs(t, err, &apperrors.Error{Code: apperrors.CodeFeatureNotFound})
}

func TestPersistCompletesBeforeEmit(t *testing.T) {
	bus := &recordingBus{}
	m, project := newTestManager(t, bus)
	createFeature(t, m, project, &feature.Feature{ID: "f1", Title: "T"})

	var statusAtEmit string
	bus.onEmit = func(e events.Event) {
		if e.Type != events.EventFeatureUpdated {
			return
		}
		data, err := os.ReadFile(FeatureDir(project, "f1") + "/" + FeatureFileName)
		require.NoError(t, err)
		var onDisk feature.Feature
		require.NoError(t, json.Unmarshal(data, &onDisk))
		statusAtEmit = onDisk.Status
	}

	_, err := m.UpdateFeatureStatus(project, "f1", feature.Simple(feature.StatusInProgress))
	require.NoError(t, err)
	assert.Equal(t, "in_progress", statusAtEmit,
		"the on-disk record must already hold the new status when the event fires")
}

func TestUpdateFeatureStatusJustFinishedAt(t *testing.T) {
	m, project := newTestManager(t, nil)
	createFeature(t, m, project, &feature.Feature{ID: "f1", Title: "T"})

	f, err := m.UpdateFeatureStatus(project, "f1", feature.Simple(feature.StatusWaitingApproval))
	require.NoError(t, err)
	require.NotNil(t, f.JustFinishedAt, "waiting_approval sets justFinishedAt")

	f, err = m.UpdateFeatureStatus(project, "f1", feature.Simple(feature.StatusVerified))
	require.NoError(t, err)
	assert.Nil(t, f.JustFinishedAt, "any other transition clears justFinishedAt")
}

func TestMarkFeatureInterruptedPreservesPipelineStatus(t *testing.T) {
	m, project := newTestManager(t, nil)
	createFeature(t, m, project, &feature.Feature{ID: "f1", Title: "T", Status: "pipeline_step2"})

	require.NoError(t, m.MarkFeatureInterrupted(project, "f1"))
	f, err := m.GetFeature(project, "f1")
	require.NoError(t, err)
	assert.Equal(t, "pipeline_step2", f.Status, "pipeline statuses must survive interrupts for resumption")

	createFeature(t, m, project, &feature.Feature{ID: "f2", Title: "T", Status: "in_progress"})
	require.NoError(t, m.MarkFeatureInterrupted(project, "f2"))
	f, err = m.GetFeature(project, "f2")
	require.NoError(t, err)
	assert.Equal(t, "interrupted", f.Status)
}

func TestResetStuckFeatures(t *testing.T) {
	m, project := newTestManager(t, nil)

	createFeature(t, m, project, &feature.Feature{
		ID: "approved", Title: "T", Status: "in_progress",
		PlanSpec: &feature.PlanSpec{Status: feature.PlanApproved, Version: 2},
	})
	createFeature(t, m, project, &feature.Feature{
		ID: "unapproved", Title: "T", Status: "in_progress",
	})
	createFeature(t, m, project, &feature.Feature{
		ID: "generating", Title: "T", Status: "backlog",
		PlanSpec: &feature.PlanSpec{Status: feature.PlanGenerating, Version: 1},
	})
	createFeature(t, m, project, &feature.Feature{
		ID: "tasked", Title: "T", Status: "ready",
		PlanSpec: &feature.PlanSpec{
			Status:  feature.PlanApproved,
			Version: 1,
			Tasks: []feature.ParsedTask{
				{ID: "t1", Status: feature.TaskCompleted},
				{ID: "t2", Status: feature.TaskInProgress},
			},
			CurrentTaskID: "t2",
		},
	})

	require.NoError(t, m.ResetStuckFeatures(project))

	f, _ := m.GetFeature(project, "approved")
	assert.Equal(t, "ready", f.Status, "in_progress with approved plan reverts to ready")

	f, _ = m.GetFeature(project, "unapproved")
	assert.Equal(t, "backlog", f.Status, "in_progress without approved plan reverts to backlog")

	f, _ = m.GetFeature(project, "generating")
	assert.Equal(t, feature.PlanPending, f.PlanSpec.Status)

	f, _ = m.GetFeature(project, "tasked")
	assert.Equal(t, feature.TaskPending, f.PlanSpec.Tasks[1].Status)
	assert.Equal(t, feature.TaskCompleted, f.PlanSpec.Tasks[0].Status)
	assert.Empty(t, f.PlanSpec.CurrentTaskID, "currentTaskId pointing at the reverted task is cleared")
}

func TestResetStuckFeaturesMissingDirectory(t *testing.T) {
	m, project := newTestManager(t, nil)
	assert.NoError(t, m.ResetStuckFeatures(project))
}

func TestUpdateFeaturePlanSpecVersioning(t *testing.T) {
	m, project := newTestManager(t, nil)
	createFeature(t, m, project, &feature.Feature{ID: "f1", Title: "T"})

	// First update creates the default spec.
	f, err := m.UpdateFeaturePlanSpec(project, "f1", feature.PlanSpecPatch{
		Status: feature.PlanStatusPtr(feature.PlanGenerating),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, f.PlanSpec.Version, "status change does not bump the version")

	f, err = m.UpdateFeaturePlanSpec(project, "f1", feature.PlanSpecPatch{
		Content: feature.StringPtr("the plan"),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, f.PlanSpec.Version, "content change bumps the version")

	f, err = m.UpdateFeaturePlanSpec(project, "f1", feature.PlanSpecPatch{
		Content: feature.StringPtr("the plan"),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, f.PlanSpec.Version, "identical content does not bump the version")
}

func TestUpdateTaskStatusAndSummary(t *testing.T) {
	m, project := newTestManager(t, nil)
	createFeature(t, m, project, &feature.Feature{
		ID: "f1", Title: "T",
		PlanSpec: &feature.PlanSpec{
			Status:  feature.PlanApproved,
			Version: 1,
			Tasks:   []feature.ParsedTask{{ID: "t1", Status: feature.TaskPending}},
		},
	})

	require.NoError(t, m.UpdateTaskStatus(project, "f1", "t1", feature.TaskInProgress))
	f, _ := m.GetFeature(project, "f1")
	assert.Equal(t, feature.TaskInProgress, f.PlanSpec.Tasks[0].Status)
	assert.Equal(t, "t1", f.PlanSpec.CurrentTaskID)

	require.Error(t, m.UpdateTaskStatus(project, "f1", "missing", feature.TaskCompleted))

	require.NoError(t, m.SaveFeatureSummary(project, "f1", "did the work"))
	f, _ = m.GetFeature(project, "f1")
	assert.Equal(t, "did the work", f.Summary)
}

func TestListFeaturesMissingDirectory(t *testing.T) {
	m, project := newTestManager(t, nil)
	feats, err := m.ListFeatures(project)
	require.NoError(t, err)
	assert.Empty(t, feats)
}
