package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/autoloop/autoloop/internal/approval"
)

// newApproveCmd creates the approve command
func newApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <feature-id>",
		Short: "Approve a generated plan",
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
			editedPlan, _ := cmd.Flags().GetString("plan")

			result, err := a.approval.ResolveApproval(id, true, approval.ResolveOptions{
				EditedPlan:  editedPlan,
				ProjectPath: project,
			})
			if err != nil {
				return err
			}

			fmt.Printf("✅ Plan for feature %s approved\n", id)
			if result.NeedsRecovery {
				// No in-memory execution is waiting; continue the feature
				// from its persisted state.
				if err := a.recovery.ResumeFeature(project, id, a.cfg.UseWorktrees, false); err != nil {
					return fmt.Errorf("resume after approval: %w", err)
				}
			}
			return nil
		},
	}
	cmd.Flags().String("plan", "", "replace the plan content while approving")
	return cmd
}

// newRejectCmd creates the reject command
func newRejectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reject <feature-id>",
		Short: "Reject a generated plan",
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
			feedback, _ := cmd.Flags().GetString("reason")

			if _, err := a.approval.ResolveApproval(id, false, approval.ResolveOptions{
				Feedback:    feedback,
				ProjectPath: project,
			}); err != nil {
				return err
			}

			fmt.Printf("✅ Plan for feature %s rejected\n", id)
			return nil
		},
	}
	cmd.Flags().String("reason", "", "feedback recorded with the rejection")
	return cmd
}
