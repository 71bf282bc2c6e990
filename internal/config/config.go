// Package config holds the process configuration: a JSON5 file plus
// environment overrides for secrets. Runtime-mutable keys (budget,
// webhook secret, chat binding) additionally live in the store's config
// table and win over the file.
package config

import "sync"

// Config is the root configuration for the gigi workspace service.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Provider  ProviderConfig  `json:"provider"`
	Forge     ForgeConfig     `json:"forge"`
	Telegram  TelegramConfig  `json:"telegram"`
	Workspace WorkspaceConfig `json:"workspace"`
	Database  DatabaseConfig  `json:"database"`
	Agent     AgentConfig     `json:"agent"`
	Budget    BudgetConfig    `json:"budget"`

	mu sync.RWMutex
}

// GatewayConfig configures the WS/HTTP surface.
type GatewayConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	Token          string   `json:"-"` // from env GIGI_GATEWAY_TOKEN only
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
	RateLimitRPM   int      `json:"rate_limit_rpm,omitempty"` // 0 = disabled
}

// ProviderConfig configures the LLM provider.
type ProviderConfig struct {
	APIKey  string `json:"-"` // from env GIGI_ANTHROPIC_API_KEY only
	BaseURL string `json:"base_url,omitempty"`
	Model   string `json:"model,omitempty"`
}

// ForgeConfig configures the Gitea peer.
type ForgeConfig struct {
	BaseURL       string `json:"base_url"`
	Token         string `json:"-"` // from env GIGI_GITEA_TOKEN only
	WebhookSecret string `json:"-"` // from env GIGI_WEBHOOK_SECRET only
}

// TelegramConfig configures the chat bot channel.
type TelegramConfig struct {
	Token  string `json:"-"` // from env GIGI_TELEGRAM_TOKEN only
	ChatID string `json:"chat_id,omitempty"`
}

// WorkspaceConfig locates the working checkout the agent operates on.
type WorkspaceConfig struct {
	Dir string `json:"dir"`
}

// DatabaseConfig locates the SQLite file.
type DatabaseConfig struct {
	Path string `json:"path"`
}

// AgentConfig tunes the runtime.
type AgentConfig struct {
	MaxIterations      int `json:"max_iterations,omitempty"`
	TurnTimeoutMin     int `json:"turn_timeout_min,omitempty"`
	ToolTimeoutMin     int `json:"tool_timeout_min,omitempty"`
	AskTimeoutMin      int `json:"ask_timeout_min,omitempty"`
	CompactKeepLive    int `json:"compact_keep_live,omitempty"`
	CompactRecommendAt int `json:"compact_recommend_at,omitempty"`
}

// BudgetConfig is the file-level budget fallback; the config table
// overrides it at runtime.
type BudgetConfig struct {
	CeilingUSD float64 `json:"ceiling_usd,omitempty"` // 0 = unlimited
	PeriodDays int     `json:"period_days,omitempty"`
}

// Snapshot returns a copy of the current config under the read lock.
// Reload swaps the mutable subset in place.
func (c *Config) Snapshot() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Config{
		Gateway:   c.Gateway,
		Provider:  c.Provider,
		Forge:     c.Forge,
		Telegram:  c.Telegram,
		Workspace: c.Workspace,
		Database:  c.Database,
		Agent:     c.Agent,
		Budget:    c.Budget,
	}
}

func (c *Config) apply(fresh *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Secrets come from env and survive reloads; everything else follows
	// the file.
	gwToken := c.Gateway.Token
	apiKey := c.Provider.APIKey
	forgeToken := c.Forge.Token
	whSecret := c.Forge.WebhookSecret
	tgToken := c.Telegram.Token

	c.Gateway = fresh.Gateway
	c.Provider = fresh.Provider
	c.Forge = fresh.Forge
	c.Telegram = fresh.Telegram
	c.Workspace = fresh.Workspace
	c.Database = fresh.Database
	c.Agent = fresh.Agent
	c.Budget = fresh.Budget

	c.Gateway.Token = gwToken
	c.Provider.APIKey = apiKey
	c.Forge.Token = forgeToken
	c.Forge.WebhookSecret = whSecret
	c.Telegram.Token = tgToken
}
