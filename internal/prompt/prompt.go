// Package prompt builds the agent prompts used across the feature
// lifecycle: initial implementation, pipeline steps, test-fix retries,
// and continuation after an approved plan or interrupted run.
package prompt

import (
	"fmt"
	"strings"

	"github.com/autoloop/autoloop/internal/config"
	"github.com/autoloop/autoloop/internal/feature"
)

// maxFixSignatures caps the deduplicated failure lines included in a fix prompt.
const maxFixSignatures = 10

// maxRawOutputChars caps the raw test output tail included in a fix prompt.
const maxRawOutputChars = 2000

// BuildFeaturePrompt constructs the initial implementation prompt for a
// feature. Verification instructions are omitted when the feature skips tests.
func BuildFeaturePrompt(f *feature.Feature) string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("# Feature: %s\n\n", f.Title))

	if f.Description != "" {
		b.WriteString("## Description\n\n")
		b.WriteString(f.Description)
		b.WriteString("\n\n")
	}

	if f.Spec != "" {
		b.WriteString("## Specification\n\n")
		b.WriteString(f.Spec)
		b.WriteString("\n\n")
	}

	if len(f.Images) > 0 {
		b.WriteString("## Attached Images\n\n")
		for i, img := range f.Images {
			b.WriteString(fmt.Sprintf("%d. %s\n", i+1, img))
		}
		b.WriteString("\n")
	}

	b.WriteString("## Instructions\n\n")
	b.WriteString("Implement this feature completely. Follow the existing code style and conventions of the project.\n")
	if !f.SkipTests {
		b.WriteString("Verify your work: run the project's tests and make sure they pass before finishing.\n")
	}
	b.WriteString("\nWhen finished, include a short summary of what you changed inside <summary></summary> tags.\n")

	return b.String()
}

// BuildStepPrompt constructs the prompt for one pipeline step, carrying the
// feature context and the accumulated output of prior steps as previous work.
func BuildStepPrompt(f *feature.Feature, step config.StepConfig, previousWork string) string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("# Pipeline Step: %s\n\n", step.Name))
	b.WriteString(fmt.Sprintf("Feature: %s\n", f.Title))
	if f.Description != "" {
		b.WriteString(fmt.Sprintf("Description: %s\n", f.Description))
	}
	b.WriteString("\n")

	if previousWork != "" {
		b.WriteString("## Previous Work\n\n")
		b.WriteString(previousWork)
		b.WriteString("\n\n")
	}

	if step.Instructions != "" {
		b.WriteString("## Step Instructions\n\n")
		b.WriteString(step.Instructions)
		b.WriteString("\n")
	}

	return b.String()
}

// FixPromptData carries the parsed results of a failed test run.
type FixPromptData struct {
	Passed     int
	Failed     int
	Signatures []string
	RawOutput  string
}

// BuildFixPrompt constructs the prompt sent to the agent after a failed test
// attempt. Failure signatures are deduplicated and capped, and only the tail
// of the raw output is included.
func BuildFixPrompt(data FixPromptData) string {
	var b strings.Builder

	b.WriteString("# Test Failures\n\n")
	b.WriteString(fmt.Sprintf("The test run finished with %d passed and %d failed.\n\n", data.Passed, data.Failed))

	sigs := dedupe(data.Signatures)
	if len(sigs) > maxFixSignatures {
		sigs = sigs[:maxFixSignatures]
	}
	if len(sigs) > 0 {
		b.WriteString("## Failing Tests\n\n")
		for _, s := range sigs {
			b.WriteString(fmt.Sprintf("- %s\n", s))
		}
		b.WriteString("\n")
	}

	if data.RawOutput != "" {
		tail := data.RawOutput
		if len(tail) > maxRawOutputChars {
			tail = tail[len(tail)-maxRawOutputChars:]
		}
		b.WriteString("## Test Output (tail)\n\n")
		b.WriteString("```\n")
		b.WriteString(tail)
		if !strings.HasSuffix(tail, "\n") {
			b.WriteString("\n")
		}
		b.WriteString("```\n\n")
	}

	b.WriteString("## Instructions\n\n")
	b.WriteString("Fix the implementation so these tests pass. Do not modify the tests themselves unless a test is clearly wrong.\n")

	return b.String()
}

// BuildContinuationPrompt constructs the prompt used to continue a feature,
// either from an approved plan or from a prior agent transcript.
func BuildContinuationPrompt(f *feature.Feature, priorTranscript string) string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("# Continue Feature: %s\n\n", f.Title))

	if f.HasApprovedPlan() && f.PlanSpec.Content != "" {
		b.WriteString("## Approved Plan\n\n")
		b.WriteString(f.PlanSpec.Content)
		b.WriteString("\n\n")
		b.WriteString("The plan above has been approved. Implement it.\n\n")
	}

	if priorTranscript != "" {
		b.WriteString("## Previous Session\n\n")
		b.WriteString("The previous session was interrupted. Its output so far:\n\n")
		b.WriteString(priorTranscript)
		b.WriteString("\n\n")
		b.WriteString("Pick up where the previous session left off. Do not redo completed work.\n\n")
	}

	if !f.SkipTests {
		b.WriteString("Verify your work: run the project's tests and make sure they pass before finishing.\n")
	}
	b.WriteString("\nWhen finished, include a short summary of what you changed inside <summary></summary> tags.\n")

	return b.String()
}

// BuildPlanningPrompt constructs the planning-mode prompt: the agent is asked
// for an implementation plan only, not code changes.
func BuildPlanningPrompt(f *feature.Feature) string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("# Plan Feature: %s\n\n", f.Title))

	if f.Description != "" {
		b.WriteString("## Description\n\n")
		b.WriteString(f.Description)
		b.WriteString("\n\n")
	}

	if f.Spec != "" {
		b.WriteString("## Specification\n\n")
		b.WriteString(f.Spec)
		b.WriteString("\n\n")
	}

	if len(f.Images) > 0 {
		b.WriteString("## Attached Images\n\n")
		for i, img := range f.Images {
			b.WriteString(fmt.Sprintf("%d. %s\n", i+1, img))
		}
		b.WriteString("\n")
	}

	b.WriteString("## Instructions\n\n")
	b.WriteString("Do NOT implement anything yet. Study the codebase and produce a concrete, step-by-step implementation plan for this feature.\n")
	b.WriteString("\nPut the complete plan inside <plan></plan> tags.\n")

	return b.String()
}

// ExtractSummary pulls the agent's <summary> block out of a transcript.
// Returns "" when no summary is present.
func ExtractSummary(transcript string) string {
	return extractTagged(transcript, "summary")
}

// ExtractPlan pulls the agent's <plan> block out of a planning transcript.
func ExtractPlan(transcript string) string {
	return extractTagged(transcript, "plan")
}

func extractTagged(transcript, tag string) string {
	open, close := "<"+tag+">", "</"+tag+">"
	start := strings.Index(transcript, open)
	if start < 0 {
		return ""
	}
	rest := transcript[start+len(open):]
	end := strings.Index(rest, close)
	if end < 0 {
		return ""
	}
	return strings.TrimSpace(rest[:end])
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
