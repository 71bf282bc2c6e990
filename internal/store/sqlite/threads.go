package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/M3kH/gigi/internal/store"
)

// ThreadStore implements store.ThreadStore on SQLite.
type ThreadStore struct {
	db *sql.DB
}

const threadCols = `id, topic, channel, status, parent_id, fork_event_id, repo, tags, usage_json, agent_running, created_at, updated_at`

func (s *ThreadStore) Create(ctx context.Context, spec store.ThreadSpec) (*store.Thread, error) {
	if spec.Channel == "" {
		return nil, fmt.Errorf("%w: channel is required", store.ErrInvalidInput)
	}
	if (spec.ParentID == nil) != (spec.ForkEventID == nil) {
		return nil, fmt.Errorf("%w: parent and fork point must be set together", store.ErrInvariant)
	}
	if spec.ParentID != nil {
		// The fork point must be an event of the parent.
		var owner string
		err := s.db.QueryRowContext(ctx,
			`SELECT thread_id FROM events WHERE id = ?`, spec.ForkEventID.String()).Scan(&owner)
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: fork point event does not exist", store.ErrInvariant)
		}
		if err != nil {
			return nil, err
		}
		if owner != spec.ParentID.String() {
			return nil, fmt.Errorf("%w: fork point does not belong to parent", store.ErrInvariant)
		}
	}

	now := time.Now().UTC()
	t := &store.Thread{
		ID:          uuid.Must(uuid.NewV7()),
		Topic:       spec.Topic,
		Channel:     spec.Channel,
		Status:      store.StatusPaused,
		ParentID:    spec.ParentID,
		ForkEventID: spec.ForkEventID,
		Repo:        spec.Repo,
		Tags:        spec.Tags,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	tags, _ := json.Marshal(t.Tags)
	usage, _ := json.Marshal(t.Usage)
	var parent, forkEvent any
	if t.ParentID != nil {
		parent = t.ParentID.String()
	}
	if t.ForkEventID != nil {
		forkEvent = t.ForkEventID.String()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threads (`+threadCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		t.ID.String(), t.Topic, t.Channel, string(t.Status), parent, forkEvent,
		t.Repo, string(tags), string(usage), now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert thread: %w", err)
	}
	return t, nil
}

func (s *ThreadStore) Get(ctx context.Context, id uuid.UUID) (*store.Thread, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+threadCols+` FROM threads WHERE id = ?`, id.String())
	return scanThread(row)
}

func (s *ThreadStore) List(ctx context.Context, f store.ThreadFilter) ([]*store.Thread, error) {
	q := `SELECT ` + threadCols + ` FROM threads WHERE 1=1`
	var args []any
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.Repo != "" {
		q += ` AND repo = ?`
		args = append(args, f.Repo)
	}
	if f.Tag != "" {
		// tags is a JSON array; substring match on the quoted tag.
		q += ` AND tags LIKE ?`
		args = append(args, `%"`+f.Tag+`"%`)
	}
	q += ` ORDER BY updated_at DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	if f.Offset > 0 {
		q += ` OFFSET ?`
		args = append(args, f.Offset)
	}
	return s.queryThreads(ctx, q, args...)
}

func (s *ThreadStore) Children(ctx context.Context, parentID uuid.UUID) ([]*store.Thread, error) {
	return s.queryThreads(ctx,
		`SELECT `+threadCols+` FROM threads WHERE parent_id = ? ORDER BY created_at`, parentID.String())
}

func (s *ThreadStore) queryThreads(ctx context.Context, q string, args ...any) ([]*store.Thread, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *ThreadStore) UpdateStatus(ctx context.Context, id uuid.UUID, status store.ThreadStatus) error {
	return s.exec(ctx,
		`UPDATE threads SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id.String())
}

func (s *ThreadStore) UpdateTopic(ctx context.Context, id uuid.UUID, topic string) error {
	return s.exec(ctx,
		`UPDATE threads SET topic = ?, updated_at = ? WHERE id = ?`,
		topic, time.Now().UTC(), id.String())
}

func (s *ThreadStore) UpdateTags(ctx context.Context, id uuid.UUID, tags []string) error {
	b, _ := json.Marshal(tags)
	return s.exec(ctx,
		`UPDATE threads SET tags = ?, updated_at = ? WHERE id = ?`,
		string(b), time.Now().UTC(), id.String())
}

func (s *ThreadStore) SetRunning(ctx context.Context, id uuid.UUID, running bool) error {
	v := 0
	if running {
		v = 1
	}
	return s.exec(ctx,
		`UPDATE threads SET agent_running = ?, updated_at = ? WHERE id = ?`,
		v, time.Now().UTC(), id.String())
}

func (s *ThreadStore) AddUsage(ctx context.Context, id uuid.UUID, u store.Usage) error {
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	t.Usage.Add(u)
	b, _ := json.Marshal(t.Usage)
	return s.exec(ctx,
		`UPDATE threads SET usage_json = ?, updated_at = ? WHERE id = ?`,
		string(b), time.Now().UTC(), id.String())
}

func (s *ThreadStore) Touch(ctx context.Context, id uuid.UUID) error {
	return s.exec(ctx,
		`UPDATE threads SET updated_at = ? WHERE id = ?`, time.Now().UTC(), id.String())
}

func (s *ThreadStore) Delete(ctx context.Context, id uuid.UUID) error {
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Status != store.StatusArchived {
		return fmt.Errorf("%w: delete requires archived status, thread is %s", store.ErrInvariant, t.Status)
	}
	return s.exec(ctx, `DELETE FROM threads WHERE id = ?`, id.String())
}

func (s *ThreadStore) exec(ctx context.Context, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThread(row rowScanner) (*store.Thread, error) {
	var (
		t                 store.Thread
		id                string
		status            string
		parentID, forkID  sql.NullString
		tagsJSON, usageJS string
		running           int
	)
	err := row.Scan(&id, &t.Topic, &t.Channel, &status, &parentID, &forkID,
		&t.Repo, &tagsJSON, &usageJS, &running, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.ID = uuid.MustParse(id)
	t.Status = store.ThreadStatus(status)
	t.AgentRunning = running != 0
	if parentID.Valid {
		p := uuid.MustParse(parentID.String)
		t.ParentID = &p
	}
	if forkID.Valid {
		f := uuid.MustParse(forkID.String)
		t.ForkEventID = &f
	}
	json.Unmarshal([]byte(tagsJSON), &t.Tags)
	json.Unmarshal([]byte(usageJS), &t.Usage)
	return &t, nil
}
