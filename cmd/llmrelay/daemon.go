package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/allaspectsdev/llmrelay/internal/daemon"
)

func newStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			foreground, _ := cmd.Flags().GetBool("foreground")
			return daemon.Run(cfg, foreground)
		},
	}
	cmd.Flags().BoolP("foreground", "f", false, "log to the console as well as the log file")
	return cmd
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := loadConfig(cmd); err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if err := daemon.Stop(); err != nil {
				return err
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "llmrelay stopped")
			return err
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show relay status and request totals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := loadConfig(cmd); err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			return daemon.Status()
		},
	}
}

func newInstallServiceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install-service",
		Short: "Install a per-user service (launchd on macOS, systemd elsewhere)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			return daemon.InstallService(cfg.Server.DataDir)
		},
	}
}
