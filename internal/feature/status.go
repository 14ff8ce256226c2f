package feature

import "strings"

// StatusKind enumerates the feature lifecycle states.
type StatusKind int

const (
	StatusBacklog StatusKind = iota
	StatusReady
	StatusInProgress
	StatusPipelineStep
	StatusWaitingApproval
	StatusVerified
	StatusCompleted
	StatusMergeConflict
	StatusInterrupted
)

// pipelinePrefix is the persisted encoding prefix for pipeline sub-states.
const pipelinePrefix = "pipeline_"

// Status is a tagged variant over the feature lifecycle. The persisted wire
// form is a plain string ("in_progress", "pipeline_<stepId>", ...); decoding
// and encoding happen only at the persistence boundary.
type Status struct {
	Kind   StatusKind
	StepID string // set only when Kind == StatusPipelineStep
}

var statusNames = map[StatusKind]string{
	StatusBacklog:         "backlog",
	StatusReady:           "ready",
	StatusInProgress:      "in_progress",
	StatusWaitingApproval: "waiting_approval",
	StatusVerified:        "verified",
	StatusCompleted:       "completed",
	StatusMergeConflict:   "merge_conflict",
	StatusInterrupted:     "interrupted",
}

var statusKinds = func() map[string]StatusKind {
	m := make(map[string]StatusKind, len(statusNames))
	for k, v := range statusNames {
		m[v] = k
	}
	return m
}()

// PipelineStep returns the status for an in-flight pipeline step.
func PipelineStep(stepID string) Status {
	return Status{Kind: StatusPipelineStep, StepID: stepID}
}

// Simple returns a status without a step payload.
func Simple(kind StatusKind) Status {
	return Status{Kind: kind}
}

// String returns the persisted encoding of the status.
func (s Status) String() string {
	if s.Kind == StatusPipelineStep {
		return pipelinePrefix + s.StepID
	}
	if name, ok := statusNames[s.Kind]; ok {
		return name
	}
	return "backlog"
}

// IsPipeline reports whether the status encodes an in-flight pipeline step.
func (s Status) IsPipeline() bool {
	return s.Kind == StatusPipelineStep
}

// IsTerminal reports whether the status is a terminal lifecycle state.
func (s Status) IsTerminal() bool {
	switch s.Kind {
	case StatusVerified, StatusCompleted, StatusWaitingApproval, StatusMergeConflict:
		return true
	}
	return false
}

// ParseStatus decodes a persisted status string. Unknown strings decode to
// backlog rather than failing: a feature with a status written by a newer
// version must still load.
func ParseStatus(raw string) Status {
	if strings.HasPrefix(raw, pipelinePrefix) {
		return PipelineStep(strings.TrimPrefix(raw, pipelinePrefix))
	}
	if kind, ok := statusKinds[raw]; ok {
		return Status{Kind: kind}
	}
	return Status{Kind: StatusBacklog}
}

// IsPipelineStatus reports whether a raw persisted status encodes a pipeline step.
func IsPipelineStatus(raw string) bool {
	return strings.HasPrefix(raw, pipelinePrefix)
}

// StepIDFromStatus extracts the step id from a raw pipeline status, or "".
func StepIDFromStatus(raw string) string {
	if !IsPipelineStatus(raw) {
		return ""
	}
	return strings.TrimPrefix(raw, pipelinePrefix)
}
