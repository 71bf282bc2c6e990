package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/titanous/json5"
)

// Env var names for secrets; never persisted to the config file.
const (
	EnvAnthropicKey  = "GIGI_ANTHROPIC_API_KEY"
	EnvGatewayToken  = "GIGI_GATEWAY_TOKEN"
	EnvGiteaToken    = "GIGI_GITEA_TOKEN"
	EnvWebhookSecret = "GIGI_WEBHOOK_SECRET"
	EnvTelegramToken = "GIGI_TELEGRAM_TOKEN"
)

// Default returns a Config with workable defaults for a single-operator
// deployment.
func Default() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".gigi")
	return &Config{
		Gateway: GatewayConfig{
			Host:         "0.0.0.0",
			Port:         8788,
			RateLimitRPM: 120,
		},
		Provider: ProviderConfig{
			Model: "claude-sonnet-4-5",
		},
		Workspace: WorkspaceConfig{
			Dir: filepath.Join(base, "workspace"),
		},
		Database: DatabaseConfig{
			Path: filepath.Join(base, "gigi.db"),
		},
		Agent: AgentConfig{
			MaxIterations:      20,
			TurnTimeoutMin:     10,
			ToolTimeoutMin:     5,
			AskTimeoutMin:      5,
			CompactKeepLive:    8,
			CompactRecommendAt: 50,
		},
		Budget: BudgetConfig{
			PeriodDays: 30,
		},
	}
}

// DefaultPath is where the config file lives unless --config overrides it.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".gigi", "config.json5")
}

// Load reads the JSON5 config file (missing file = defaults) and applies
// env-var secrets on top.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// first run: defaults + env
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

// Reload re-reads the file into the live config, keeping env secrets.
func (c *Config) Reload(path string) error {
	fresh, err := Load(path)
	if err != nil {
		return err
	}
	c.apply(fresh)
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvAnthropicKey); v != "" {
		cfg.Provider.APIKey = v
	}
	if v := os.Getenv(EnvGatewayToken); v != "" {
		cfg.Gateway.Token = v
	}
	if v := os.Getenv(EnvGiteaToken); v != "" {
		cfg.Forge.Token = v
	}
	if v := os.Getenv(EnvWebhookSecret); v != "" {
		cfg.Forge.WebhookSecret = v
	}
	if v := os.Getenv(EnvTelegramToken); v != "" {
		cfg.Telegram.Token = v
	}
}

// Save writes the non-secret config as JSON (valid JSON5) with 0600 perms.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := marshalIndent(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
