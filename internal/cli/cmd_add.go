package cli

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/autoloop/autoloop/internal/feature"
)

// newAddCmd creates the add command
func newAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <title>",
		Short: "Create a new feature",
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

			description, _ := cmd.Flags().GetString("description")
			branch, _ := cmd.Flags().GetString("branch")
			skipTests, _ := cmd.Flags().GetBool("skip-tests")

			f := &feature.Feature{
				ID:          uuid.NewString()[:8],
				Title:       args[0],
				Description: description,
				BranchName:  branch,
				SkipTests:   skipTests,
			}
			if err := a.store.CreateFeature(project, f); err != nil {
				return err
			}

			fmt.Printf("✅ Feature %s created\n", f.ID)
			fmt.Printf("   Run: autoloop run %s\n", f.ID)
			return nil
		},
	}
	cmd.Flags().StringP("description", "d", "", "feature description")
	cmd.Flags().StringP("branch", "b", "", "feature branch name")
	cmd.Flags().Bool("skip-tests", false, "skip test verification for this feature")
	return cmd
}
