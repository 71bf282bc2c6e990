package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/M3kH/gigi/internal/store"
)

// ActionStore implements store.ActionStore on SQLite.
type ActionStore struct {
	db *sql.DB
}

func (s *ActionStore) Record(ctx context.Context, a *store.ActionRecord) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.Must(uuid.NewV7())
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO action_log (id, kind, repo, target_id, digest, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID.String(), a.Kind, a.Repo, a.TargetID, a.Digest, a.CreatedAt)
	return err
}

func (s *ActionStore) RecentMatch(ctx context.Context, kind, repo, targetID, digest string, window time.Duration) (bool, error) {
	cutoff := time.Now().UTC().Add(-window)
	var n int
	var err error
	if digest != "" {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM action_log WHERE digest = ? AND created_at >= ?`,
			digest, cutoff).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM action_log WHERE kind = ? AND repo = ? AND target_id = ? AND created_at >= ?`,
			kind, repo, targetID, cutoff).Scan(&n)
	}
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *ActionStore) HasAction(ctx context.Context, kind, repo, targetID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM action_log WHERE kind = ? AND repo = ? AND target_id = ?`,
		kind, repo, targetID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *ActionStore) MarkDelivery(ctx context.Context, deliveryID string) (bool, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_deliveries (delivery_id, created_at) VALUES (?, ?)`,
		deliveryID, time.Now().UTC())
	if isUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ConfigStore implements store.ConfigStore on SQLite.
type ConfigStore struct {
	db *sql.DB
}

func (s *ConfigStore) Get(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM config WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", store.ErrNotFound
	}
	return v, err
}

func (s *ConfigStore) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO config (key, value) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

func (s *ConfigStore) All(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM config`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}
