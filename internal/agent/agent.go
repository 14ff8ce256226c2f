// Package agent defines the external agent runner contract.
//
// The agent execution engine itself is an external collaborator: autoloop
// drives it through this interface and reads the transcript artifact it
// writes as a side effect.
package agent

import (
	"context"
	"os"
	"path/filepath"

	"github.com/autoloop/autoloop/internal/state"
)

// TranscriptFileName is the per-feature agent transcript artifact.
const TranscriptFileName = "agent-output.md"

// RunOptions are the side-channel options passed to the agent.
type RunOptions struct {
	PlanningMode        bool
	RequirePlanApproval bool
	SystemPrompt        string
	ThinkingLevel       string
	BranchName          string
}

// RunRequest describes one agent invocation.
type RunRequest struct {
	WorkDir     string
	FeatureID   string
	Prompt      string
	ProjectPath string
	ImagePaths  []string
	Model       string
	Options     RunOptions
}

// Runner invokes the external agent process. The run writes its transcript
// to the feature's artifact path as a side effect; cancellation is honored
// through ctx.
type Runner interface {
	Run(ctx context.Context, req RunRequest) error
}

// TranscriptPath returns the transcript artifact path for a feature.
func TranscriptPath(projectPath, featureID string) string {
	return filepath.Join(state.FeatureDir(projectPath, featureID), TranscriptFileName)
}

// ReadTranscript returns the accumulated agent output for a feature. A
// missing transcript yields "" rather than an error: absent context means
// "fresh start", never failure.
func ReadTranscript(projectPath, featureID string) string {
	data, err := os.ReadFile(TranscriptPath(projectPath, featureID))
	if err != nil {
		return ""
	}
	return string(data)
}

// ContextExists reports whether the feature's agent transcript is present on
// disk - the signal distinguishing "needs fresh start" from "can continue".
func ContextExists(projectPath, featureID string) bool {
	info, err := os.Stat(TranscriptPath(projectPath, featureID))
	return err == nil && !info.IsDir()
}
