package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/M3kH/gigi/internal/store"
)

// UsageStore implements store.UsageStore on SQLite. Rollups are derived on
// write so budget checks stay O(1).
type UsageStore struct {
	db *sql.DB
}

func (s *UsageStore) Add(ctx context.Context, day string, u store.Usage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_rollups (day, input_tokens, output_tokens, cache_read_tokens, cache_write_tokens, cost_usd, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (day) DO UPDATE SET
		   input_tokens = input_tokens + excluded.input_tokens,
		   output_tokens = output_tokens + excluded.output_tokens,
		   cache_read_tokens = cache_read_tokens + excluded.cache_read_tokens,
		   cache_write_tokens = cache_write_tokens + excluded.cache_write_tokens,
		   cost_usd = cost_usd + excluded.cost_usd,
		   duration_ms = duration_ms + excluded.duration_ms`,
		day, u.InputTokens, u.OutputTokens, u.CacheReadTokens, u.CacheWriteTokens, u.CostUSD, u.DurationMs,
	)
	return err
}

func (s *UsageStore) CostSince(ctx context.Context, since time.Time) (float64, error) {
	var cost sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(cost_usd) FROM usage_rollups WHERE day >= ?`,
		since.UTC().Format("2006-01-02")).Scan(&cost)
	if err != nil {
		return 0, err
	}
	return cost.Float64, nil
}

func (s *UsageStore) Stats(ctx context.Context, days int) ([]store.DayUsage, error) {
	if days <= 0 {
		days = 30
	}
	since := time.Now().UTC().AddDate(0, 0, -days).Format("2006-01-02")
	rows, err := s.db.QueryContext(ctx,
		`SELECT day, input_tokens, output_tokens, cache_read_tokens, cache_write_tokens, cost_usd, duration_ms
		 FROM usage_rollups WHERE day >= ? ORDER BY day`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.DayUsage
	for rows.Next() {
		var d store.DayUsage
		if err := rows.Scan(&d.Day, &d.Usage.InputTokens, &d.Usage.OutputTokens,
			&d.Usage.CacheReadTokens, &d.Usage.CacheWriteTokens, &d.Usage.CostUSD, &d.Usage.DurationMs); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
