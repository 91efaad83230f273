// Package cli implements the groundctl CLI commands.
package cli

import (
	"context"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/groundctl/groundctl/pkg/telemetry"

	// Import state backends to register them via init()
	_ "github.com/groundctl/groundctl/pkg/state/backend/azurerm"
	_ "github.com/groundctl/groundctl/pkg/state/backend/gcs"
	_ "github.com/groundctl/groundctl/pkg/state/backend/local"
	_ "github.com/groundctl/groundctl/pkg/state/backend/s3"

	// Import providers to register them via init()
	_ "github.com/groundctl/groundctl/pkg/provider/memory"
)

var (
	cfgFile  string
	chdir    string
	logLevel string
	noColor  bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "groundctl",
	Short: "Declaratively provision and manage resources",
	Long: `groundctl reads declaration files (*.gctl.hcl), builds a dependency
graph of the resources they describe, and converges real infrastructure
to match: plan shows what would change, apply makes it so, destroy tears
it down. State is tracked in a pluggable backend (local, s3, gcs,
azurerm) with locking around every cycle.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.groundctl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&chdir, "chdir", "", "Run as if started in this directory")
	rootCmd.PersistentFlags().String("state-backend", "", "State backend type (local, s3, gcs, azurerm)")
	rootCmd.PersistentFlags().StringArray("backend-config", nil, "Backend configuration (key=value)")
	rootCmd.PersistentFlags().String("state-path", "", "Path of the state document inside the backend")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")

	// Bind to viper
	_ = viper.BindPFlag("state-backend", rootCmd.PersistentFlags().Lookup("state-backend"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.SetEnvPrefix("GROUNDCTL")
	viper.AutomaticEnv()

	// Add subcommands
	rootCmd.AddCommand(newPlanCmd())
	rootCmd.AddCommand(newApplyCmd())
	rootCmd.AddCommand(newDestroyCmd())
	rootCmd.AddCommand(newOutputCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newGraphCmd())
	rootCmd.AddCommand(newStateCmd())
	rootCmd.AddCommand(newWorkflowCmd())
	rootCmd.AddCommand(newVersionCmd())
}

func initConfig() {
	switch {
	case cfgFile != "":
		viper.SetConfigFile(cfgFile)
	case fileExists(".groundctl.yaml"):
		viper.SetConfigFile(".groundctl.yaml")
	default:
		// Search for config in home directory
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home + "/.groundctl")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	// Read config file if it exists
	_ = viper.ReadInConfig()
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// commandContext builds the context every command runs under, with the
// configured logger attached.
func commandContext() context.Context {
	logger := telemetry.New(telemetry.Options{
		Level:   viper.GetString("log-level"),
		NoColor: noColor || !isInteractive(),
	})
	return logger.WithContext(context.Background())
}

// workingDir resolves the configuration directory, honoring --chdir.
func workingDir() string {
	if chdir != "" {
		return chdir
	}
	return "."
}
