package merge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/autoloop/autoloop/internal/git"
)

// GitMerger merges feature branches in-process with git commands. Used when
// no external merge endpoint is configured.
type GitMerger struct {
	runner git.CommandRunner
	logger *slog.Logger
}

// NewGitMerger creates an in-process git merger.
func NewGitMerger(runner git.CommandRunner, logger *slog.Logger) *GitMerger {
	if runner == nil {
		runner = git.NewExecRunner()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GitMerger{runner: runner, logger: logger}
}

// Merge merges req.BranchName into req.TargetBranch in the project checkout.
// Conflicts are reported via HasConflicts after the merge is aborted, leaving
// the checkout clean for manual or agent-assisted resolution.
func (m *GitMerger) Merge(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	current, err := m.runner.Run(ctx, req.ProjectPath, "branch", "--show-current")
	if err != nil {
		return Result{}, fmt.Errorf("resolve current branch: %w", err)
	}
	if current != req.TargetBranch {
		if _, err := m.runner.Run(ctx, req.ProjectPath, "checkout", req.TargetBranch); err != nil {
			return Result{Error: fmt.Sprintf("checkout %s: %v", req.TargetBranch, err)}, nil
		}
	}

	out, err := m.runner.Run(ctx, req.ProjectPath, "merge", "--no-edit", req.BranchName)
	if err != nil {
		if strings.Contains(err.Error(), "CONFLICT") || strings.Contains(out, "CONFLICT") {
			if _, abortErr := m.runner.Run(ctx, req.ProjectPath, "merge", "--abort"); abortErr != nil {
				m.logger.Error("failed to abort conflicted merge", "branch", req.BranchName, "error", abortErr)
			}
			return Result{HasConflicts: true, Error: err.Error()}, nil
		}
		return Result{Error: err.Error()}, nil
	}

	if req.Options.DeleteBranch {
		if _, err := m.runner.Run(ctx, req.ProjectPath, "branch", "-d", req.BranchName); err != nil {
			m.logger.Warn("failed to delete merged branch", "branch", req.BranchName, "error", err)
		}
	}

	return Result{Success: true}, nil
}
