package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/autoloop/autoloop/internal/config"
	"github.com/autoloop/autoloop/internal/state"
)

// newInitCmd creates the init command
func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize autoloop in the current project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := resolveProjectPath()
			if err != nil {
				return err
			}

			cfgPath := config.Path(project)
			if _, err := os.Stat(cfgPath); err == nil {
				fmt.Printf("autoloop already initialized (%s)\n", cfgPath)
				return nil
			}

			if err := config.Default().Save(project); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			if err := os.MkdirAll(state.FeaturesPath(project), 0755); err != nil {
				return fmt.Errorf("create features directory: %w", err)
			}

			fmt.Printf("✅ Initialized autoloop in %s\n", filepath.Join(project, config.Dir))
			fmt.Println("   Next: autoloop add \"<feature title>\"")
			return nil
		},
	}
}
