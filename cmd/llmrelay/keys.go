package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/allaspectsdev/llmrelay/internal/vault"
)

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage provider API keys in the OS keychain",
	}
	cmd.AddCommand(newKeysListCmd(), newKeysSetCmd(), newKeysDeleteCmd())
	return cmd
}

func newKeysListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show which configured providers have a key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			names := make([]string, 0, len(cfg.Providers))
			for name := range cfg.Providers {
				names = append(names, name)
			}
			sort.Strings(names)

			stored := make(map[string]bool)
			for _, name := range vault.New().List(names) {
				stored[name] = true
			}

			out := cmd.OutOrStdout()
			if len(names) == 0 {
				_, err := fmt.Fprintln(out, "No providers configured")
				return err
			}
			for _, name := range names {
				state := "(not set)"
				if stored[name] {
					state = "****"
				}
				fmt.Fprintf(out, "  %s: %s\n", name, state)
			}
			return nil
		},
	}
}

func newKeysSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <provider>",
		Short: "Store a provider key, read from the terminal or stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider := strings.ToLower(args[0])
			fmt.Fprintf(cmd.ErrOrStderr(), "Enter API key for %s: ", provider)
			key, err := readSecret(cmd.InOrStdin())
			fmt.Fprintln(cmd.ErrOrStderr())
			if err != nil {
				return fmt.Errorf("reading key: %w", err)
			}
			if key == "" {
				return errors.New("empty key")
			}
			if err := vault.New().Set(provider, key); err != nil {
				return fmt.Errorf("storing key: %w", err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Key for %s stored\n", provider)
			return err
		},
	}
}

func newKeysDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <provider>",
		Short: "Remove a provider key from the keychain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider := strings.ToLower(args[0])
			if err := vault.New().Delete(provider); err != nil {
				return fmt.Errorf("deleting key: %w", err)
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "Key for %s deleted\n", provider)
			return err
		},
	}
}

// readSecret reads without echo from a terminal, or one line from anything else.
func readSecret(in io.Reader) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		return strings.TrimSpace(string(b)), err
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
