package agent

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/M3kH/gigi/internal/store"
)

// Budget refuses new turns once the period cost crosses the configured
// ceiling. The turn that crosses the threshold is allowed to finish, so
// total spend is bounded by ceiling + cost-of-single-turn.
type Budget struct {
	config store.ConfigStore
	usage  store.UsageStore

	// Fallbacks when the config table has no entries.
	DefaultCeilingUSD float64
	DefaultPeriodDays int
}

func NewBudget(cfg store.ConfigStore, usage store.UsageStore) *Budget {
	return &Budget{
		config:            cfg,
		usage:             usage,
		DefaultCeilingUSD: 0, // 0 = unlimited
		DefaultPeriodDays: 30,
	}
}

// Check returns store.ErrBudgetExceeded when the current period's cost has
// reached the ceiling. Read on every agent start.
func (b *Budget) Check(ctx context.Context) error {
	ceiling, period, err := b.limits(ctx)
	if err != nil {
		return err
	}
	if ceiling <= 0 {
		return nil
	}

	since := time.Now().UTC().AddDate(0, 0, -period)
	cost, err := b.usage.CostSince(ctx, since)
	if err != nil {
		return fmt.Errorf("budget query: %w", err)
	}
	if cost >= ceiling {
		return fmt.Errorf("%w: $%.4f spent of $%.4f over %d days",
			store.ErrBudgetExceeded, cost, ceiling, period)
	}
	return nil
}

// Snapshot reports the current period's spend for the usage endpoint.
func (b *Budget) Snapshot(ctx context.Context) (spent, ceiling float64, periodDays int, err error) {
	ceiling, periodDays, err = b.limits(ctx)
	if err != nil {
		return 0, 0, 0, err
	}
	since := time.Now().UTC().AddDate(0, 0, -periodDays)
	spent, err = b.usage.CostSince(ctx, since)
	return spent, ceiling, periodDays, err
}

func (b *Budget) limits(ctx context.Context) (float64, int, error) {
	ceiling := b.DefaultCeilingUSD
	if v, err := b.config.Get(ctx, store.ConfigBudgetCeilingUSD); err == nil {
		if f, perr := strconv.ParseFloat(v, 64); perr == nil {
			ceiling = f
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return 0, 0, err
	}

	period := b.DefaultPeriodDays
	if v, err := b.config.Get(ctx, store.ConfigBudgetPeriodDays); err == nil {
		if n, perr := strconv.Atoi(v); perr == nil && n > 0 {
			period = n
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return 0, 0, err
	}
	return ceiling, period, nil
}
