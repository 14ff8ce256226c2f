// Package feature defines the feature data model for autoloop.
package feature

import (
	"time"
)

// PlanStatus enumerates plan spec states.
type PlanStatus string

const (
	PlanPending    PlanStatus = "pending"
	PlanGenerating PlanStatus = "generating"
	PlanGenerated  PlanStatus = "generated"
	PlanApproved   PlanStatus = "approved"
	PlanRejected   PlanStatus = "rejected"
)

// TaskStatus enumerates parsed plan task states.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
)

// ParsedTask is one task parsed out of an approved plan.
type ParsedTask struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	FilePath    string     `json:"file_path,omitempty"`
	Phase       string     `json:"phase,omitempty"`
	Status      TaskStatus `json:"status"`
}

// PlanSpec is the nested plan entity attached to a feature.
type PlanSpec struct {
	Status         PlanStatus   `json:"status"`
	Version        int          `json:"version"`
	Content        string       `json:"content,omitempty"`
	ReviewedByUser bool         `json:"reviewed_by_user"`
	Tasks          []ParsedTask `json:"tasks,omitempty"`
	CurrentTaskID  string       `json:"current_task_id,omitempty"`
}

// NewPlanSpec returns the default plan spec created on first plan update.
func NewPlanSpec() *PlanSpec {
	return &PlanSpec{
		Status:         PlanPending,
		Version:        1,
		ReviewedByUser: false,
	}
}

// Feature is a unit of requested work tracked through a status lifecycle.
// Owned by on-disk persistent storage; mutated exclusively through the
// state manager.
type Feature struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Spec        string   `json:"spec,omitempty"`
	Images      []string `json:"images,omitempty"`

	Status   string    `json:"status"`
	PlanSpec *PlanSpec `json:"plan_spec,omitempty"`

	BranchName            string   `json:"branch_name,omitempty"`
	ExcludedPipelineSteps []string `json:"excluded_pipeline_steps,omitempty"`
	SkipTests             bool     `json:"skip_tests,omitempty"`
	Model                 string   `json:"model,omitempty"`
	Summary               string   `json:"summary,omitempty"`

	UpdatedAt      time.Time  `json:"updated_at"`
	JustFinishedAt *time.Time `json:"just_finished_at,omitempty"`
}

// CurrentStatus decodes the persisted status string into the tagged variant.
func (f *Feature) CurrentStatus() Status {
	return ParseStatus(f.Status)
}

// SetStatus encodes a tagged status into the persisted representation.
func (f *Feature) SetStatus(s Status) {
	f.Status = s.String()
}

// IsStepExcluded reports whether a pipeline step id is excluded for this feature.
func (f *Feature) IsStepExcluded(stepID string) bool {
	for _, id := range f.ExcludedPipelineSteps {
		if id == stepID {
			return true
		}
	}
	return false
}

// HasApprovedPlan reports whether the feature carries an approved plan.
func (f *Feature) HasApprovedPlan() bool {
	return f.PlanSpec != nil && f.PlanSpec.Status == PlanApproved
}
