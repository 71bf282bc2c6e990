package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/M3kH/gigi/internal/agent"
	"github.com/M3kH/gigi/internal/bus"
	"github.com/M3kH/gigi/internal/channels"
	"github.com/M3kH/gigi/internal/channels/telegram"
	"github.com/M3kH/gigi/internal/config"
	"github.com/M3kH/gigi/internal/forge"
	"github.com/M3kH/gigi/internal/gateway"
	"github.com/M3kH/gigi/internal/maintenance"
	"github.com/M3kH/gigi/internal/providers"
	"github.com/M3kH/gigi/internal/router"
	"github.com/M3kH/gigi/internal/store"
	"github.com/M3kH/gigi/internal/store/sqlite"
	"github.com/M3kH/gigi/internal/thread"
	"github.com/M3kH/gigi/internal/tools"
	"github.com/M3kH/gigi/internal/webhook"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the workspace service",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	snap := cfg.Snapshot()

	if snap.Provider.APIKey == "" {
		slog.Error("no provider API key; set " + config.EnvAnthropicKey + " or run `gigi setup`")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := cfg.Watch(ctx, cfgPath); err != nil {
		slog.Warn("config watch unavailable", "error", err)
	}

	// Store
	db, err := sqlite.Open(snap.Database.Path)
	if err != nil {
		slog.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := sqlite.Migrate(db); err != nil {
		slog.Error("migrate database", "error", err)
		os.Exit(1)
	}
	stores := sqlite.NewStores(db)

	if err := os.MkdirAll(snap.Workspace.Dir, 0o755); err != nil {
		slog.Error("create workspace", "dir", snap.Workspace.Dir, "error", err)
		os.Exit(1)
	}

	// Core singletons: event bus, provider, forge client.
	eventBus := bus.New()
	provider := providers.NewAnthropicProvider(snap.Provider.APIKey,
		providers.WithAnthropicModel(snap.Provider.Model),
		providers.WithAnthropicBaseURL(snap.Provider.BaseURL))
	forgeClient := forge.NewClient(forgeBaseURL(ctx, stores, snap), forgeToken(ctx, stores, snap))

	// Agent plumbing
	broker := agent.NewQuestionBroker(stores.Questions, time.Duration(snap.Agent.AskTimeoutMin)*time.Minute)
	budget := agent.NewBudget(stores.Config, stores.Usage)
	budget.DefaultCeilingUSD = snap.Budget.CeilingUSD
	if snap.Budget.PeriodDays > 0 {
		budget.DefaultPeriodDays = snap.Budget.PeriodDays
	}
	enforcer := agent.NewEnforcer(stores.Tasks, stores.Actions, agent.Detectors{
		WorkspaceChanged: agent.DefaultWorkspaceChangedDetector(snap.Workspace.Dir),
		BranchPushed: func(dctx context.Context, tc *store.TaskContext) bool {
			ok, err := forgeClient.BranchExists(dctx, tc.Repo, issueBranch(tc.IssueNumber))
			return err == nil && ok
		},
	})

	// Telegram is wired before the registry so telegram_send can reach it;
	// the channel itself starts later.
	var tgChannel *telegram.Channel
	notify := func(nctx context.Context, text string) error {
		if tgChannel == nil {
			slog.Info("operator notification (no telegram)", "text", text)
			return nil
		}
		return tgChannel.Send(nctx, text)
	}

	// Tool registry: startup-only registration, then sealed.
	registry := tools.NewRegistry()
	if snap.Agent.ToolTimeoutMin > 0 {
		registry.SetTimeout(time.Duration(snap.Agent.ToolTimeoutMin) * time.Minute)
	}
	registry.SetPolicy(tools.NewPolicyEngine())
	registry.Use(tools.ActionLog(stores.Actions))

	var runner *agent.Runner
	registry.Register(tools.NewGiteaTool(forgeClient))
	registry.Register(tools.NewBashTool())
	registry.Register(&tools.ReadFileTool{})
	registry.Register(&tools.WriteFileTool{})
	registry.Register(&tools.ListDirTool{})
	registry.Register(tools.NewWebFetchTool())
	browserTool := tools.NewBrowserTool()
	registry.Register(browserTool)
	defer browserTool.Close()
	registry.Register(tools.NewTelegramSendTool(notify))
	registry.Register(tools.NewAskUserTool(func(actx context.Context, threadID uuid.UUID, q string, opts []string) (string, error) {
		return runner.Ask(actx, threadID, q, opts)
	}))
	registry.Seal()

	runner = agent.NewRunner(agent.Config{
		Stores:        stores,
		Bus:           eventBus,
		Provider:      provider,
		Registry:      registry,
		Broker:        broker,
		Budget:        budget,
		Enforcer:      enforcer,
		Workspace:     snap.Workspace.Dir,
		Model:         snap.Provider.Model,
		MaxIterations: snap.Agent.MaxIterations,
		TurnTimeout:   time.Duration(snap.Agent.TurnTimeoutMin) * time.Minute,
	})

	rt := router.New(stores, runner, eventBus)
	threadSvc := thread.NewService(stores, provider, eventBus)
	if snap.Agent.CompactKeepLive > 0 {
		threadSvc.KeepLive = snap.Agent.CompactKeepLive
	}
	if snap.Agent.CompactRecommendAt > 0 {
		threadSvc.RecommendAfter = snap.Agent.CompactRecommendAt
	}

	// Webhook ingester: secret from the config table first, environment second.
	ingester := webhook.NewIngester(stores, eventBus, func(sctx context.Context) string {
		if v, err := stores.Config.Get(sctx, store.ConfigWebhookSecret); err == nil && v != "" {
			return v
		}
		return cfg.Snapshot().Forge.WebhookSecret
	})
	ingester.Trigger = rt.TriggerFromWebhook

	// Channels
	manager := channels.NewManager()
	if snap.Telegram.Token != "" {
		tg, err := telegram.New(snap.Telegram, rt, stores, eventBus)
		if err != nil {
			slog.Error("telegram channel", "error", err)
		} else {
			tgChannel = tg
			manager.Add(tg)
		}
	}
	manager.StartAll(ctx)
	defer manager.StopAll()

	// Maintenance sweeps
	sched := maintenance.NewScheduler()
	sched.Add(maintenance.StaleTaskSweep(stores, notify))
	sched.Add(maintenance.CompactionSweep(stores, threadSvc))
	sched.Add(maintenance.QuestionExpirySweep(stores))
	go sched.Start(ctx)

	// Gateway last: everything it fronts is live.
	srv := gateway.NewServer(gateway.Deps{
		Config:   snap.Gateway,
		Stores:   stores,
		Router:   rt,
		Threads:  threadSvc,
		Budget:   budget,
		Bus:      eventBus,
		Ingester: ingester,
	})
	if err := srv.Start(ctx); err != nil {
		slog.Error("gateway exited", "error", err)
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}

func forgeBaseURL(ctx context.Context, stores *store.Stores, snap config.Config) string {
	if v, err := stores.Config.Get(ctx, store.ConfigForgeBaseURL); err == nil && v != "" {
		return v
	}
	return snap.Forge.BaseURL
}

func forgeToken(ctx context.Context, stores *store.Stores, snap config.Config) string {
	if v, err := stores.Config.Get(ctx, store.ConfigForgeToken); err == nil && v != "" {
		return v
	}
	return snap.Forge.Token
}

func issueBranch(issue int64) string {
	return "gigi/issue-" + strconv.FormatInt(issue, 10)
}
