// Package config defines the ThreadClaw configuration tree and its loader.
// Configuration is YAML with ${ENV_VAR} expansion; secrets resolve through
// the OS keyring before falling back to environment variables.
package config

import (
	"github.com/threadclaw/threadclaw/pkg/threadclaw/claude"
	"github.com/threadclaw/threadclaw/pkg/threadclaw/dispatch"
	"github.com/threadclaw/threadclaw/pkg/threadclaw/recorder"
	"github.com/threadclaw/threadclaw/pkg/threadclaw/session"
	"github.com/threadclaw/threadclaw/pkg/threadclaw/slack"
)

// Config holds all assistant configuration.
type Config struct {
	// Name is the assistant name shown in help and notices.
	Name string `yaml:"name"`

	// WorkDir is the fixed working directory for agent runs.
	WorkDir string `yaml:"work_dir"`

	// PrefsPath is the SQLite file for per-user preferences.
	PrefsPath string `yaml:"prefs_path"`

	// CommandAddr is the local bind address for the session-command
	// endpoint the agent-side tool calls back into.
	CommandAddr string `yaml:"command_addr"`

	// Slack configures the Web API client and event server.
	Slack slack.Config `yaml:"slack"`

	// Claude configures the agent CLI runner.
	Claude claude.Config `yaml:"claude"`

	// Dispatch configures workflow classification.
	Dispatch DispatchConfig `yaml:"dispatch"`

	// Scheduler configures the idle/sleep/expiry sweep.
	Scheduler session.SchedulerConfig `yaml:"scheduler"`

	// Recorder configures conversation persistence.
	Recorder recorder.Config `yaml:"recorder"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`
}

// DispatchConfig extends the dispatch service config with credentials and
// prompt wiring.
type DispatchConfig struct {
	dispatch.Config `yaml:",inline"`

	// APIKey is the Anthropic API key for the classifier and summarizer.
	// Usually resolved from keyring or ANTHROPIC_API_KEY.
	APIKey string `yaml:"api_key"`

	// Model is the classifier model (default claude-haiku-4-5).
	Model string `yaml:"model"`

	// PromptPath points to the classification system prompt. Empty disables
	// classification: everything routes to the default workflow.
	PromptPath string `yaml:"prompt_path"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// DefaultConfig returns a fully-defaulted configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:        "ThreadClaw",
		PrefsPath:   "data/prefs.db",
		CommandAddr: "127.0.0.1:8091",
		Slack:     slack.DefaultConfig(),
		Claude:    claude.DefaultConfig(),
		Dispatch: DispatchConfig{
			Config: dispatch.DefaultConfig(),
			Model:  dispatch.DefaultClassifierModel,
		},
		Scheduler: session.DefaultSchedulerConfig(),
		Recorder:  recorder.DefaultConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
