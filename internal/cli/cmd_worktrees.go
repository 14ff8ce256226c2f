package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newWorktreesCmd creates the worktrees command
func newWorktreesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worktrees",
		Short: "List git worktrees for the project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := resolveProjectPath()
			if err != nil {
				return err
			}
			a, err := buildApp(project)
			if err != nil {
				return err
			}
			defer a.Close()

			if prune, _ := cmd.Flags().GetBool("prune"); prune {
				if err := a.worktrees.Prune(cmd.Context(), project); err != nil {
					return fmt.Errorf("prune worktrees: %w", err)
				}
				fmt.Println("✅ Stale worktree registrations pruned")
			}

			worktrees := a.worktrees.ListWorktrees(cmd.Context(), project)
			if len(worktrees) == 0 {
				fmt.Println("No worktrees found (is this a git repository?)")
				return nil
			}

			for _, wt := range worktrees {
				branch := wt.Branch
				if branch == "" {
					branch = "(detached)"
				}
				main := ""
				if wt.IsMain {
					main = "  [main worktree]"
				}
				running := a.leases.GetRunningCountForWorktree(wt.Path)
				busy := ""
				if running > 0 {
					busy = fmt.Sprintf("  (%d running)", running)
				}
				fmt.Printf("%s  %s%s%s\n", wt.Path, branch, main, busy)
			}
			return nil
		},
	}
	cmd.Flags().Bool("prune", false, "prune stale worktree registrations first")
	return cmd
}
