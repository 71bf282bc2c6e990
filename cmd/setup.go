package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/M3kH/gigi/internal/config"
	"github.com/M3kH/gigi/internal/store"
	"github.com/M3kH/gigi/internal/store/sqlite"
)

func setupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive first-run configuration",
		Run: func(cmd *cobra.Command, args []string) {
			if err := runSetup(); err != nil {
				fmt.Fprintln(os.Stderr, "setup failed:", err)
				os.Exit(1)
			}
		},
	}
}

func runSetup() error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	snap := cfg.Snapshot()

	var (
		forgeURL      = snap.Forge.BaseURL
		workspace     = snap.Workspace.Dir
		model         = snap.Provider.Model
		budgetCeiling = fmt.Sprintf("%.2f", snap.Budget.CeilingUSD)
		webhookSecret string
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Gitea base URL").
				Description("e.g. https://git.example.com").
				Value(&forgeURL),
			huh.NewInput().
				Title("Workspace directory").
				Description("Where the agent checks out and edits code.").
				Value(&workspace),
			huh.NewInput().
				Title("Model").
				Value(&model),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Monthly budget ceiling (USD)").
				Description("0 = unlimited. New turns are refused past it.").
				Value(&budgetCeiling),
			huh.NewInput().
				Title("Webhook secret").
				Description("Shared secret for the Gitea webhook (stored in the database).").
				EchoMode(huh.EchoModePassword).
				Value(&webhookSecret),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	snap.Forge.BaseURL = forgeURL
	snap.Workspace.Dir = workspace
	snap.Provider.Model = model
	fmt.Sscanf(budgetCeiling, "%f", &snap.Budget.CeilingUSD)

	if err := config.Save(cfgPath, &snap); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	// Runtime-mutable keys land in the store's config table.
	db, err := sqlite.Open(snap.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := sqlite.Migrate(db); err != nil {
		return err
	}
	stores := sqlite.NewStores(db)
	ctx := context.Background()
	if webhookSecret != "" {
		if err := stores.Config.Set(ctx, store.ConfigWebhookSecret, webhookSecret); err != nil {
			return err
		}
	}
	if err := stores.Config.Set(ctx, store.ConfigBudgetCeilingUSD, budgetCeiling); err != nil {
		return err
	}

	fmt.Println("\nConfig written to", cfgPath)
	fmt.Println("Secrets (API keys, tokens) come from the environment:")
	fmt.Println("  " + config.EnvAnthropicKey + ", " + config.EnvGiteaToken + ", " + config.EnvTelegramToken)
	fmt.Println("\nStart the service with: gigi serve")
	return nil
}
