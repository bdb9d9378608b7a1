package main

import (
	"github.com/spf13/cobra"

	"github.com/allaspectsdev/llmrelay/internal/config"
)

// NewRootCmd creates the llmrelay command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "llmrelay",
		Short:         "llmrelay - LLM provider failover gateway",
		Long:          "llmrelay routes generation requests across LLM providers with health checks, circuit breakers and rate limits.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringP("config", "c", "", "path to config file (default ~/.llmrelay/llmrelay.toml)")

	root.AddCommand(
		newStartCmd(),
		newStopCmd(),
		newStatusCmd(),
		newInstallServiceCmd(),
		newKeysCmd(),
		newInitConfigCmd(),
		newConfigExportCmd(),
		newVersionCmd(),
	)
	return root
}

// loadConfig loads the config named by --config, or searches the default
// locations when the flag is empty.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}
