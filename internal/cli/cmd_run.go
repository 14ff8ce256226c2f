package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/autoloop/autoloop/internal/exec"
)

// newRunCmd creates the run command
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <feature-id>",
		Short: "Execute a feature",
		Args:  cobra.ExactArgs(1),
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

			noWorktrees, _ := cmd.Flags().GetBool("no-worktrees")
			auto, _ := cmd.Flags().GetBool("auto")

			id := args[0]
			if err := a.exec.ExecuteFeature(project, id, exec.ExecuteOptions{
				UseWorktrees: a.cfg.UseWorktrees && !noWorktrees,
				IsAutoMode:   auto,
			}); err != nil {
				return err
			}

			f, err := a.store.GetFeature(project, id)
			if err != nil {
				return err
			}
			fmt.Printf("✅ Feature %s finished (%s)\n", id, f.Status)
			return nil
		},
	}
	cmd.Flags().Bool("no-worktrees", false, "run in the project directory even when worktrees are enabled")
	cmd.Flags().Bool("auto", false, "run as part of the auto loop (snapshots execution state)")
	return cmd
}

// newStopCmd creates the stop command
func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <feature-id>",
		Short: "Stop a running feature",
		Args:  cobra.ExactArgs(1),
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

			id := args[0]
			if !a.exec.StopFeature(id) {
				fmt.Printf("Feature %s is not running\n", id)
				return nil
			}
			fmt.Printf("✅ Feature %s stopped\n", id)
			return nil
		},
	}
}

// newResumeCmd creates the resume command
func newResumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume [feature-id]",
		Short: "Resume an interrupted feature, or all interrupted features",
		Args:  cobra.MaximumNArgs(1),
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

			useWorktrees := a.cfg.UseWorktrees

			if reset, _ := cmd.Flags().GetBool("reset"); reset {
				if err := a.store.ResetStuckFeatures(project); err != nil {
					return err
				}
				fmt.Println("✅ Stuck features reset")
				return nil
			}

			if len(args) == 1 {
				if err := a.recovery.ResumeFeature(project, args[0], useWorktrees, false); err != nil {
					return err
				}
				fmt.Printf("✅ Feature %s resumed\n", args[0])
				return nil
			}

			// Consume the crash snapshot first: it names features that held
			// leases at shutdown, and clearing it keeps a later restart from
			// replaying the same run.
			branch, _ := cmd.Flags().GetString("branch")
			snap, err := a.recovery.ResumeFromSnapshot(project, branch, useWorktrees)
			if err != nil {
				return err
			}
			if snap.AutoLoopWasRunning {
				fmt.Printf("The auto loop was running (max concurrency %d); restart it with: autoloop auto\n", snap.MaxConcurrency)
			}

			if err := a.recovery.ResumeInterruptedFeatures(project, useWorktrees); err != nil {
				return err
			}
			fmt.Println("✅ Interrupted features resumed")
			return nil
		},
	}
	cmd.Flags().Bool("reset", false, "revert stuck features to a runnable state instead of resuming")
	cmd.Flags().String("branch", "", "resume the snapshot of a specific worktree branch instead of the main worktree")
	return cmd
}
