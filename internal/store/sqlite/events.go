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

// EventStore implements store.EventStore on SQLite. Appends take the
// thread's writer lock so sequence numbers come out dense; the
// (thread_id, seq) unique key backstops racing writers from other
// processes as ErrConflict.
type EventStore struct {
	db    *sql.DB
	locks *store.ThreadLocks
}

const eventCols = `id, thread_id, seq, created_at, direction, actor, channel, msg_type, content, metadata, usage_json, compacted`

func (s *EventStore) Append(ctx context.Context, ev *store.Event) (*store.Event, error) {
	if ev.ThreadID == uuid.Nil {
		return nil, fmt.Errorf("%w: event has no thread", store.ErrInvalidInput)
	}

	unlock := s.locks.Lock(ev.ThreadID)
	defer unlock()

	last, err := s.LastSeq(ctx, ev.ThreadID)
	if err != nil {
		return nil, err
	}

	out := *ev
	out.ID = uuid.Must(uuid.NewV7())
	out.Seq = last + 1
	out.CreatedAt = time.Now().UTC()

	content, err := json.Marshal(out.Content)
	if err != nil {
		return nil, fmt.Errorf("marshal content: %w", err)
	}
	var metadata, usage any
	if out.Metadata != nil {
		b, _ := json.Marshal(out.Metadata)
		metadata = string(b)
	}
	if out.Usage != nil {
		b, _ := json.Marshal(out.Usage)
		usage = string(b)
	}
	compacted := 0
	if out.Compacted {
		compacted = 1
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (`+eventCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		out.ID.String(), out.ThreadID.String(), out.Seq, out.CreatedAt,
		string(out.Direction), out.Actor, out.Channel, string(out.Type),
		string(content), metadata, usage, compacted,
	)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("%w: seq %d taken on thread %s", store.ErrConflict, out.Seq, out.ThreadID)
	}
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}

	// Keep the thread's updated_at moving with its history.
	s.db.ExecContext(ctx, `UPDATE threads SET updated_at = ? WHERE id = ?`,
		out.CreatedAt, out.ThreadID.String())

	return &out, nil
}

func (s *EventStore) Get(ctx context.Context, id uuid.UUID) (*store.Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventCols+` FROM events WHERE id = ?`, id.String())
	return scanEvent(row)
}

func (s *EventStore) List(ctx context.Context, threadID uuid.UUID, opts store.EventListOpts) ([]*store.Event, error) {
	q := `SELECT ` + eventCols + ` FROM events WHERE thread_id = ?`
	args := []any{threadID.String()}
	if opts.BeforeSeq > 0 {
		q += ` AND seq < ?`
		args = append(args, opts.BeforeSeq)
	}
	if opts.AfterSeq > 0 {
		q += ` AND seq > ?`
		args = append(args, opts.AfterSeq)
	}
	if !opts.IncludeCompacted {
		// The renderable view: live events plus summaries.
		q += ` AND (compacted = 0 OR msg_type = 'summary')`
	}
	q += ` ORDER BY seq`
	if opts.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *EventStore) LastSeq(ctx context.Context, threadID uuid.UUID) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM events WHERE thread_id = ?`, threadID.String()).Scan(&seq)
	if err != nil {
		return 0, err
	}
	return seq.Int64, nil
}

func (s *EventStore) MarkCompacted(ctx context.Context, threadID uuid.UUID, throughSeq int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE events SET compacted = 1 WHERE thread_id = ? AND seq <= ? AND msg_type != 'summary'`,
		threadID.String(), throughSeq)
	return err
}

func (s *EventStore) Search(ctx context.Context, query string, limit int) ([]*store.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventCols+` FROM events
		 WHERE msg_type = 'text' AND content LIKE ? ESCAPE '\'
		 ORDER BY created_at DESC LIMIT ?`,
		"%"+escapeLike(query)+"%", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\', s[i])
		default:
			out = append(out, s[i])
		}
	}
	return string(out)
}

func scanEvent(row rowScanner) (*store.Event, error) {
	var (
		ev                 store.Event
		id, threadID       string
		direction, msgType string
		content            string
		metadata, usage    sql.NullString
		compacted          int
	)
	err := row.Scan(&id, &threadID, &ev.Seq, &ev.CreatedAt, &direction,
		&ev.Actor, &ev.Channel, &msgType, &content, &metadata, &usage, &compacted)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	ev.ID = uuid.MustParse(id)
	ev.ThreadID = uuid.MustParse(threadID)
	ev.Direction = store.Direction(direction)
	ev.Type = store.MessageType(msgType)
	ev.Compacted = compacted != 0
	if err := json.Unmarshal([]byte(content), &ev.Content); err != nil {
		return nil, fmt.Errorf("unmarshal event content: %w", err)
	}
	if metadata.Valid {
		json.Unmarshal([]byte(metadata.String), &ev.Metadata)
	}
	if usage.Valid {
		ev.Usage = &store.Usage{}
		json.Unmarshal([]byte(usage.String), ev.Usage)
	}
	return &ev, nil
}
