// Package commands implements the ThreadClaw CLI using cobra.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/threadclaw/threadclaw/pkg/threadclaw/config"
)

// NewRootCmd creates the root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "threadclaw",
		Short: "ThreadClaw - Slack-resident LLM assistant",
		Long: `ThreadClaw turns Slack threads into long-lived agent sessions.
Each thread becomes a stateful conversation: messages are classified into
workflows, streamed through the agent, and mirrored back as reactions,
status panels, and interactive forms.

Examples:
  threadclaw serve
  threadclaw serve --config ./config.yaml
  threadclaw config set-key anthropic_api_key`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newConfigCmd(),
		newSessionsCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}

// resolveConfig loads the config file from the --config flag or standard
// locations.
func resolveConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = config.FindConfigFile()
	}
	if path == "" {
		return config.DefaultConfig(), nil
	}
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}
