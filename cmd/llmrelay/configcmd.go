package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/allaspectsdev/llmrelay/internal/config"
	"github.com/allaspectsdev/llmrelay/internal/version"
)

func newInitConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-config",
		Short: "Write the default config to ~/.llmrelay/llmrelay.toml",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.InitConfig(); err != nil {
				return err
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "Add provider keys with: llmrelay keys set <provider>")
			return err
		},
	}
}

func newConfigExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config-export [file]",
		Short: "Write the effective config (file, env and defaults merged) as TOML",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "llmrelay-export.toml"
			if len(args) > 0 {
				path = args[0]
			}
			if _, err := loadConfig(cmd); err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if err := config.ExportConfig(path); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "Config exported to %s\n", path)
			return err
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version.String())
			return err
		},
	}
}
