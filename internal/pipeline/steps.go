// Package pipeline runs the ordered post-agent step sequence for a feature,
// including the test-fix retry loop and the post-pipeline merge attempt.
package pipeline

import (
	"sort"

	"github.com/autoloop/autoloop/internal/config"
	"github.com/autoloop/autoloop/internal/feature"
)

// TestStepType marks a step executed through the external test runner
// instead of the agent.
const TestStepType = "test"

// SortedSteps returns the configured pipeline steps in ascending order.
func SortedSteps(cfg *config.PipelineConfig) []config.StepConfig {
	steps := make([]config.StepConfig, len(cfg.Steps))
	copy(steps, cfg.Steps)
	sort.SliceStable(steps, func(i, j int) bool {
		return steps[i].Order < steps[j].Order
	})
	return steps
}

// StepIndex returns the index of stepID in steps, or -1 when the step is not
// configured (the config changed since the status was persisted).
func StepIndex(steps []config.StepConfig, stepID string) int {
	for i, s := range steps {
		if s.ID == stepID {
			return i
		}
	}
	return -1
}

// stepSkipped reports whether a step is skipped for this feature, either by
// explicit exclusion or because test steps are disabled.
func stepSkipped(f *feature.Feature, step config.StepConfig) bool {
	if f.IsStepExcluded(step.ID) {
		return true
	}
	return f.SkipTests && step.Type == TestStepType
}

// NextRunnableIndex returns the first index at or after from whose step is
// not skipped for the feature. Returns len(steps) when none remain.
func NextRunnableIndex(f *feature.Feature, steps []config.StepConfig, from int) int {
	for i := from; i < len(steps); i++ {
		if !stepSkipped(f, steps[i]) {
			return i
		}
	}
	return len(steps)
}

// RunnableSteps filters steps down to the ones the feature will actually
// run, dropping excluded steps and, when tests are skipped, test steps.
func RunnableSteps(f *feature.Feature, steps []config.StepConfig) []config.StepConfig {
	var out []config.StepConfig
	for _, s := range steps {
		if !stepSkipped(f, s) {
			out = append(out, s)
		}
	}
	return out
}

// FinalStatus is the status a feature lands on when its pipeline completes:
// features that skip tests wait for a human review pass, the rest are
// considered verified.
func FinalStatus(skipTests bool) feature.Status {
	if skipTests {
		return feature.Simple(feature.StatusWaitingApproval)
	}
	return feature.Simple(feature.StatusVerified)
}

// NextStatus computes the status following current for the given feature and
// step list: the next non-skipped pipeline step, or the final status when no
// runnable step remains. A non-pipeline current status yields the first
// runnable step.
func NextStatus(f *feature.Feature, current feature.Status, steps []config.StepConfig) feature.Status {
	start := 0
	if current.IsPipeline() {
		idx := StepIndex(steps, current.StepID)
		if idx < 0 {
			return FinalStatus(f.SkipTests)
		}
		start = idx + 1
	}
	for i := start; i < len(steps); i++ {
		if !stepSkipped(f, steps[i]) {
			return feature.PipelineStep(steps[i].ID)
		}
	}
	return FinalStatus(f.SkipTests)
}
