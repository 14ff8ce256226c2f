package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
)

// ExecRunner invokes the agent as a subprocess, appending its output to the
// feature's transcript artifact.
type ExecRunner struct {
	command string
	logger  *slog.Logger
}

// NewExecRunner creates a subprocess-backed agent runner.
func NewExecRunner(command string, logger *slog.Logger) *ExecRunner {
	if command == "" {
		command = "claude"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecRunner{command: command, logger: logger}
}

// Run implements Runner.
func (r *ExecRunner) Run(ctx context.Context, req RunRequest) error {
	args := []string{"--print", "-p", req.Prompt, "--dangerously-skip-permissions"}
	if req.Options.PlanningMode {
		args = append(args, "--permission-mode", "plan")
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	for _, img := range req.ImagePaths {
		args = append(args, "--image", img)
	}

	transcriptPath := TranscriptPath(req.ProjectPath, req.FeatureID)
	if err := os.MkdirAll(filepath.Dir(transcriptPath), 0755); err != nil {
		return fmt.Errorf("create feature directory: %w", err)
	}
	transcript, err := os.OpenFile(transcriptPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	defer transcript.Close()

	cmd := exec.CommandContext(ctx, r.command, args...)
	cmd.Dir = req.WorkDir
	cmd.Stdout = transcript
	cmd.Stderr = transcript

	r.logger.Info("agent run starting",
		"feature", req.FeatureID,
		"work_dir", req.WorkDir,
		"model", req.Model)

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("agent command failed: %w", err)
	}
	return nil
}
