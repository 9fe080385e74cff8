package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/threadclaw/threadclaw/pkg/threadclaw/bot"
	"github.com/threadclaw/threadclaw/pkg/threadclaw/claude"
	"github.com/threadclaw/threadclaw/pkg/threadclaw/config"
	"github.com/threadclaw/threadclaw/pkg/threadclaw/dispatch"
	"github.com/threadclaw/threadclaw/pkg/threadclaw/recorder"
	"github.com/threadclaw/threadclaw/pkg/threadclaw/session"
	"github.com/threadclaw/threadclaw/pkg/threadclaw/slack"
	"github.com/threadclaw/threadclaw/pkg/threadclaw/stream"
	"github.com/threadclaw/threadclaw/pkg/threadclaw/ui"
)

// newServeCmd creates the `threadclaw serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the Slack assistant daemon",
		Long: `Start ThreadClaw as a daemon: serve the Slack Events API endpoint,
run the session scheduler, and process thread messages through the agent.

Examples:
  threadclaw serve
  threadclaw serve --config ./config.yaml`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	if verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose"); verbose {
		cfg.Logging.Level = "debug"
	}
	logger := config.NewLogger(cfg.Logging)

	config.ResolveSecrets(cfg, logger)
	if cfg.Slack.BotToken == "" {
		return fmt.Errorf("a Slack bot token is required to serve")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Slack client ──
	slackClient := slack.NewClient(cfg.Slack, logger)
	identity, err := slackClient.AuthTest(ctx)
	if err != nil {
		return fmt.Errorf("slack auth test: %w", err)
	}
	logger.Info("authenticated", "team", identity.Team, "bot", identity.User)

	// ── Core components ──
	store := session.NewStore(logger)
	coord := session.NewCoordinator()
	tracker := stream.NewToolTracker()
	reactions := ui.NewReactions(slackClient, logger)
	panel := ui.NewPanel(slackClient, logger)

	var classifier dispatch.Classifier
	var summarizer recorder.Summarizer
	if cfg.Dispatch.APIKey != "" && cfg.Dispatch.PromptPath != "" {
		prompt, err := os.ReadFile(cfg.Dispatch.PromptPath)
		if err != nil {
			logger.Warn("classification prompt unreadable; dispatch falls back to default workflow", "error", err)
		} else {
			classifier, err = dispatch.NewAnthropicClassifierFromKey(
				cfg.Dispatch.APIKey, cfg.Dispatch.Model, strings.TrimSpace(string(prompt)))
			if err != nil {
				logger.Warn("classifier unavailable", "error", err)
			}
		}
	}
	if cfg.Dispatch.APIKey != "" {
		summarizer, err = recorder.NewAnthropicSummarizer(cfg.Dispatch.APIKey, cfg.Dispatch.Model)
		if err != nil {
			logger.Warn("summarizer unavailable", "error", err)
		}
	}
	dispatcher := dispatch.NewService(classifier, cfg.Dispatch.Config, logger)

	rec, err := recorder.New(cfg.Recorder, summarizer, logger)
	if err != nil {
		return fmt.Errorf("recorder: %w", err)
	}

	prefs, err := bot.OpenPrefsStore(cfg.PrefsPath)
	if err != nil {
		return fmt.Errorf("prefs: %w", err)
	}
	defer prefs.Close()

	runner := claude.NewRunner(cfg.Claude, logger)
	renew := bot.NewRenew(store, coord, logger)
	router := bot.NewRouter(bot.RouterDeps{
		Store:         store,
		Coord:         coord,
		Renew:         renew,
		Prefs:         prefs,
		Logger:        logger,
		WorkDir:       cfg.WorkDir,
		MCPConfigPath: cfg.Claude.MCPConfig,
	})

	assistant := bot.New(ctx, bot.Options{
		Name:       cfg.Name,
		WorkDir:    cfg.WorkDir,
		Slack:      slackClient,
		Store:      store,
		Coord:      coord,
		Dispatcher: dispatcher,
		Runner:     runner,
		Tracker:    tracker,
		Reactions:  reactions,
		Panel:      panel,
		Recorder:   rec,
		Prefs:      prefs,
		Renew:      renew,
		Router:     router,
		Logger:     logger,
	})

	// Model commands reach the same renew controller and form coordinator.
	modelCmds := bot.NewModelCommands(store, assistant.RenderChoice, renew.CaptureSaveResult, logger)
	cmdServer := bot.NewCommandServer(cfg.CommandAddr, modelCmds, logger)
	cmdServer.Start()

	// ── Scheduler ──
	scheduler := session.NewScheduler(cfg.Scheduler, store, coord, assistant, logger)
	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	// ── Event server ──
	events := slack.NewEventServer(cfg.Slack, assistant, logger)
	if err := events.Start(ctx); err != nil {
		return fmt.Errorf("event server: %w", err)
	}

	logger.Info("threadclaw serving", "addr", cfg.Slack.ListenAddr, "workdir", cfg.WorkDir)

	// ── Wait for shutdown ──
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")

	scheduler.BroadcastShutdown(context.Background())
	scheduler.Stop()
	if err := events.Stop(); err != nil {
		logger.Warn("event server stop failed", "error", err)
	}
	if err := cmdServer.Stop(); err != nil {
		logger.Warn("command server stop failed", "error", err)
	}
	cancel()
	rec.Sync()
	return nil
}
