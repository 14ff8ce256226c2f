// Package events provides event types and publishing infrastructure for autoloop.
package events

import (
	"time"
)

// EventType defines the type of auto-mode event.
type EventType string

const (
	// EventFeatureStart indicates feature execution began.
	EventFeatureStart EventType = "feature_start"
	// EventFeatureComplete indicates feature execution finished.
	EventFeatureComplete EventType = "feature_complete"
	// EventFeatureError indicates feature execution failed.
	EventFeatureError EventType = "feature_error"
	// EventFeatureStopped indicates feature execution was stopped by the user.
	EventFeatureStopped EventType = "feature_stopped"

	// EventPipelineStepStart indicates a pipeline step began.
	EventPipelineStepStart EventType = "pipeline_step_start"
	// EventPipelineStepComplete indicates a pipeline step finished.
	EventPipelineStepComplete EventType = "pipeline_step_complete"
	// EventPipelineTestFailed indicates a test attempt inside the fix loop failed.
	EventPipelineTestFailed EventType = "pipeline_test_failed"

	// EventMergeConflict indicates the post-pipeline merge hit conflicts.
	EventMergeConflict EventType = "merge_conflict"
	// EventPlanRejected indicates a generated plan was rejected.
	EventPlanRejected EventType = "plan_rejected"
	// EventResuming indicates interrupted features are being resumed at startup.
	EventResuming EventType = "resuming"
	// EventFeatureUpdated indicates feature data changed (UI refresh signal).
	EventFeatureUpdated EventType = "feature_updated"
	// EventAutoLoopPaused indicates the auto loop was paused after repeated failures.
	EventAutoLoopPaused EventType = "auto_loop_paused"
)

// Event represents a published auto-mode event.
type Event struct {
	Type      EventType `json:"type"`
	FeatureID string    `json:"feature_id"`
	Data      any       `json:"data,omitempty"`
	Time      time.Time `json:"time"`
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(eventType EventType, featureID string, data any) Event {
	return Event{
		Type:      eventType,
		FeatureID: featureID,
		Data:      data,
		Time:      time.Now(),
	}
}

// CompleteData carries completion information.
type CompleteData struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Merged  bool   `json:"merged,omitempty"`
}

// ErrorData carries error information.
type ErrorData struct {
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
}

// StepData carries pipeline step information.
type StepData struct {
	StepID string `json:"step_id"`
	Name   string `json:"name,omitempty"`
}

// TestFailureData carries failing test information for one attempt.
type TestFailureData struct {
	Attempt      int      `json:"attempt"`
	MaxAttempts  int      `json:"max_attempts"`
	FailingTests []string `json:"failing_tests,omitempty"`
}

// ResumingData lists the features selected for startup resumption.
type ResumingData struct {
	Features []ResumingFeature `json:"features"`
}

// ResumingFeature describes one feature being resumed.
type ResumingFeature struct {
	FeatureID     string `json:"feature_id"`
	Status        string `json:"status"`
	ContextExists bool   `json:"context_exists"`
}
