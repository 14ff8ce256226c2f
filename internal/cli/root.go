// Package cli implements the autoloop command-line interface.
package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/autoloop/autoloop/internal/config"
)

var (
	cfgFile     string
	projectPath string
	verbose     bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "autoloop",
	Short: "Autonomous coding-agent orchestrator",
	Long: `autoloop drives features through an agent-powered lifecycle:
implementation, pipeline steps with a test-fix retry loop, and merge.

Quick start:
  autoloop init                  Initialize autoloop in current project
  autoloop add "Fix login bug"   Create a feature
  autoloop run <feature-id>      Execute the feature
  autoloop status                Show feature states`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .autoloop/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&projectPath, "project", "C", "", "project path (default is current directory)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	// Add subcommands
	rootCmd.AddCommand(newInitCmd())
	rootCmd.AddCommand(newAddCmd())
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newStopCmd())
	rootCmd.AddCommand(newResumeCmd())
	rootCmd.AddCommand(newApproveCmd())
	rootCmd.AddCommand(newRejectCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newWorktreesCmd())
	rootCmd.AddCommand(newEventsCmd())
	rootCmd.AddCommand(newNotificationsCmd())
}

// initConfig points viper at the project's config file and the AUTOLOOP_*
// environment. An explicit --config wins; otherwise the project directory
// (when given via --project), the working directory, and $HOME are searched
// for .autoloop/config.yaml in that order.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		if projectPath != "" {
			viper.AddConfigPath(filepath.Join(projectPath, config.Dir))
		}
		viper.AddConfigPath(config.Dir)
		viper.AddConfigPath(filepath.Join("$HOME", config.Dir))
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("AUTOLOOP")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	err := viper.ReadInConfig()
	if !verbose {
		return
	}
	var notFound viper.ConfigFileNotFoundError
	switch {
	case err == nil:
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	case !errors.As(err, &notFound):
		fmt.Fprintln(os.Stderr, "Config load failed:", err)
	}
}

// resolveProjectPath returns the project directory the command operates on.
func resolveProjectPath() (string, error) {
	if projectPath != "" {
		return projectPath, nil
	}
	return os.Getwd()
}
