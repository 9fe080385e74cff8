package commands

import (
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/threadclaw/threadclaw/pkg/threadclaw/config"
)

// newConfigCmd groups configuration and credential subcommands.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration and credentials",
	}
	cmd.AddCommand(
		newConfigSetKeyCmd(),
		newConfigDeleteKeyCmd(),
		newConfigCheckCmd(),
	)
	return cmd
}

func newConfigSetKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-key <name>",
		Short: "Store a secret in the OS keyring",
		Long: `Store a secret in the OS keyring. Known names:
  slack_bot_token, slack_signing_secret, anthropic_api_key

The value is read from stdin without echo.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(os.Stderr, "Value for %s: ", args[0])
			value, err := term.ReadPassword(int(syscall.Stdin))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return fmt.Errorf("reading value: %w", err)
			}
			if len(value) == 0 {
				return fmt.Errorf("empty value")
			}
			if err := config.StoreKeyring(args[0], string(value)); err != nil {
				return fmt.Errorf("storing in keyring: %w", err)
			}
			fmt.Printf("Stored %s in the OS keyring.\n", args[0])
			return nil
		},
	}
}

func newConfigDeleteKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete-key <name>",
		Short: "Remove a secret from the OS keyring",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.DeleteKeyring(args[0]); err != nil {
				return fmt.Errorf("deleting from keyring: %w", err)
			}
			fmt.Printf("Removed %s from the OS keyring.\n", args[0])
			return nil
		},
	}
}

func newConfigCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and credential availability",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			logger := config.NewLogger(cfg.Logging)
			config.ResolveSecrets(cfg, logger)

			status := func(ok bool) string {
				if ok {
					return "ok"
				}
				return "MISSING"
			}
			fmt.Printf("slack bot token:      %s\n", status(cfg.Slack.BotToken != ""))
			fmt.Printf("slack signing secret: %s\n", status(cfg.Slack.SigningSecret != ""))
			fmt.Printf("anthropic api key:    %s\n", status(cfg.Dispatch.APIKey != ""))
			fmt.Printf("keyring available:    %s\n", status(config.KeyringAvailable()))
			return nil
		},
	}
}
