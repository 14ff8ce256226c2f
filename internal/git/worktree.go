package git

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
)

// Worktree describes one entry from `git worktree list --porcelain`.
type Worktree struct {
	Path   string
	Head   string
	Branch string // "" for detached entries
	IsMain bool
}

// Resolver discovers git worktrees and resolves branches to working
// directories. All git failures degrade to an empty result or nil: the
// caller falls back to the project path rather than failing the run.
type Resolver struct {
	runner CommandRunner
	logger *slog.Logger
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithRunner sets the command runner (for testing).
func WithRunner(r CommandRunner) ResolverOption {
	return func(res *Resolver) {
		res.runner = r
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ResolverOption {
	return func(res *Resolver) {
		res.logger = l
	}
}

// NewResolver creates a worktree resolver.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		runner: NewExecRunner(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CurrentBranch returns the checked-out branch for projectPath, or "" when
// the repository is detached or the command fails.
func (r *Resolver) CurrentBranch(ctx context.Context, projectPath string) string {
	out, err := r.runner.Run(ctx, projectPath, "branch", "--show-current")
	if err != nil {
		r.logger.Debug("current branch lookup failed", "path", projectPath, "error", err)
		return ""
	}
	return strings.TrimSpace(out)
}

// FindWorktreeForBranch returns the worktree path checked out at branch, or
// "" when no worktree has it. Relative paths are resolved against projectPath.
func (r *Resolver) FindWorktreeForBranch(ctx context.Context, projectPath, branch string) string {
	for _, wt := range r.ListWorktrees(ctx, projectPath) {
		if wt.Branch == branch {
			return wt.Path
		}
	}
	return ""
}

// ListWorktrees lists all worktrees of the repository at projectPath. The
// first entry is tagged as the main worktree. A failing git command yields
// an empty slice, never an error.
func (r *Resolver) ListWorktrees(ctx context.Context, projectPath string) []Worktree {
	out, err := r.runner.Run(ctx, projectPath, "worktree", "list", "--porcelain")
	if err != nil {
		r.logger.Debug("worktree list failed", "path", projectPath, "error", err)
		return nil
	}

	worktrees := parseWorktreeList(out, projectPath)
	if len(worktrees) > 0 {
		worktrees[0].IsMain = true
	}
	return worktrees
}

// Prune removes stale worktree registrations (directories deleted without
// `git worktree remove`). Safe to call at any time.
func (r *Resolver) Prune(ctx context.Context, projectPath string) error {
	_, err := r.runner.Run(ctx, projectPath, "worktree", "prune")
	return err
}

// parseWorktreeList parses `git worktree list --porcelain` output.
// Entries are blank-line-delimited records of the form:
//
//	worktree /path/to/worktree
//	HEAD <sha>
//	branch refs/heads/<name>
//
// A `detached` line replaces the branch line for detached HEADs. The trailing
// blank line after the last record may be missing. Relative worktree paths are
// resolved against projectPath.
func parseWorktreeList(output, projectPath string) []Worktree {
	var worktrees []Worktree
	var current Worktree
	seen := false

	flush := func() {
		if seen {
			worktrees = append(worktrees, current)
			current = Worktree{}
			seen = false
		}
	}

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			flush()
			continue
		}

		switch {
		case strings.HasPrefix(line, "worktree "):
			path := strings.TrimPrefix(line, "worktree ")
			if !filepath.IsAbs(path) {
				path = filepath.Join(projectPath, path)
			}
			current.Path = path
			seen = true
		case strings.HasPrefix(line, "HEAD "):
			current.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			current.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		case line == "detached":
			current.Branch = ""
		}
	}

	// Don't forget the last worktree when the trailing blank line is missing
	flush()

	return worktrees
}
