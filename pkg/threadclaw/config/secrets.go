package config

import (
	"log/slog"
	"os"

	"github.com/zalando/go-keyring"
)

const (
	// keyringService is the service name used in the OS keyring.
	keyringService = "threadclaw"

	keyringSlackToken    = "slack_bot_token"
	keyringSigningSecret = "slack_signing_secret"
	keyringAnthropicKey  = "anthropic_api_key"
)

// StoreKeyring saves a secret to the OS keyring.
func StoreKeyring(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetKeyring retrieves a secret from the OS keyring, or "".
func GetKeyring(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// DeleteKeyring removes a secret from the OS keyring.
func DeleteKeyring(key string) error {
	return keyring.Delete(keyringService, key)
}

// ResolveSecrets fills in missing credentials using the priority chain:
// OS keyring → environment variable → config value. Already-populated
// non-placeholder config values win over env vars.
func ResolveSecrets(cfg *Config, logger *slog.Logger) {
	cfg.Slack.BotToken = resolveOne(cfg.Slack.BotToken, keyringSlackToken, "SLACK_BOT_TOKEN")
	cfg.Slack.SigningSecret = resolveOne(cfg.Slack.SigningSecret, keyringSigningSecret, "SLACK_SIGNING_SECRET")
	cfg.Dispatch.APIKey = resolveOne(cfg.Dispatch.APIKey, keyringAnthropicKey, "ANTHROPIC_API_KEY")

	if cfg.Slack.BotToken == "" {
		logger.Warn("no Slack bot token found",
			"hint", "set SLACK_BOT_TOKEN or run: threadclaw config set-key slack_bot_token")
	}
	if cfg.Dispatch.APIKey == "" {
		logger.Warn("no Anthropic API key found; classification and summaries are disabled",
			"hint", "set ANTHROPIC_API_KEY or run: threadclaw config set-key anthropic_api_key")
	}
}

func resolveOne(current, keyringKey, envVar string) string {
	if current != "" && !IsEnvReference(current) {
		return current
	}
	if val := GetKeyring(keyringKey); val != "" {
		return val
	}
	if val := os.Getenv(envVar); val != "" {
		return val
	}
	return ""
}

// KeyringAvailable checks whether the OS keyring is usable.
func KeyringAvailable() bool {
	const testKey = "availability_test"
	if err := keyring.Set(keyringService, testKey, "test"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, testKey)
	return true
}
