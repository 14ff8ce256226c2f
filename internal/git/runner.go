// Package git provides git worktree discovery for autoloop.
package git

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// CommandRunner executes one git invocation in a working directory. Tests
// substitute a scripted runner.
type CommandRunner interface {
	Run(ctx context.Context, workDir string, args ...string) (string, error)
}

// ExecRunner shells out to the git binary on PATH.
type ExecRunner struct {
	binary string
}

// NewExecRunner creates a subprocess-backed git runner.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{binary: "git"}
}

// Run executes git with args in workDir and returns trimmed stdout. On
// failure the returned string carries whatever git printed, so callers can
// still inspect the output (conflict markers for one) alongside the error.
func (r *ExecRunner) Run(ctx context.Context, workDir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, r.binary, args...)
	cmd.Dir = workDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = strings.TrimSpace(stdout.String())
		}
		if detail != "" {
			return detail, fmt.Errorf("git %s: %s", strings.Join(args, " "), detail)
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(stdout.String()), nil
}
