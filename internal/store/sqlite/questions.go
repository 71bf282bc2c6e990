package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/M3kH/gigi/internal/store"
)

// QuestionStore implements store.QuestionStore on SQLite.
type QuestionStore struct {
	db *sql.DB
}

func (s *QuestionStore) Create(ctx context.Context, q *store.PendingQuestion) error {
	if q.ID == uuid.Nil {
		q.ID = uuid.Must(uuid.NewV7())
	}
	if q.CreatedAt.IsZero() {
		q.CreatedAt = time.Now().UTC()
	}
	if q.Status == "" {
		q.Status = store.QuestionPending
	}
	opts, _ := json.Marshal(q.Options)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_questions (id, thread_id, question, options, status, answer, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		q.ID.String(), q.ThreadID.String(), q.Question, string(opts),
		string(q.Status), q.Answer, q.CreatedAt)
	return err
}

func (s *QuestionStore) Get(ctx context.Context, id uuid.UUID) (*store.PendingQuestion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, thread_id, question, options, status, answer, created_at
		 FROM pending_questions WHERE id = ?`, id.String())
	return scanQuestion(row)
}

func (s *QuestionStore) PendingForThread(ctx context.Context, threadID uuid.UUID) (*store.PendingQuestion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, thread_id, question, options, status, answer, created_at
		 FROM pending_questions WHERE thread_id = ? AND status = 'pending'
		 ORDER BY created_at DESC LIMIT 1`, threadID.String())
	return scanQuestion(row)
}

func (s *QuestionStore) Resolve(ctx context.Context, id uuid.UUID, answer string) error {
	return s.setStatus(ctx, id, store.QuestionAnswered, answer)
}

func (s *QuestionStore) Cancel(ctx context.Context, id uuid.UUID) error {
	return s.setStatus(ctx, id, store.QuestionCancelled, "")
}

func (s *QuestionStore) setStatus(ctx context.Context, id uuid.UUID, status store.QuestionStatus, answer string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pending_questions SET status = ?, answer = ? WHERE id = ? AND status = 'pending'`,
		string(status), answer, id.String())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *QuestionStore) ExpireOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pending_questions SET status = 'expired' WHERE status = 'pending' AND created_at < ?`,
		cutoff.UTC())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanQuestion(row rowScanner) (*store.PendingQuestion, error) {
	var (
		q        store.PendingQuestion
		id, tid  string
		opts     string
		status   string
	)
	err := row.Scan(&id, &tid, &q.Question, &opts, &status, &q.Answer, &q.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	q.ID = uuid.MustParse(id)
	q.ThreadID = uuid.MustParse(tid)
	q.Status = store.QuestionStatus(status)
	json.Unmarshal([]byte(opts), &q.Options)
	return &q, nil
}

// TaskStore implements store.TaskStore on SQLite.
type TaskStore struct {
	db *sql.DB
}

func (s *TaskStore) Get(ctx context.Context, threadID uuid.UUID, repo string, issue int64) (*store.TaskContext, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT thread_id, repo, issue_number, state, cycles, fingerprint, surfaced, created_at, updated_at
		 FROM task_contexts WHERE thread_id = ? AND repo = ? AND issue_number = ?`,
		threadID.String(), repo, issue)
	return scanTask(row)
}

func (s *TaskStore) Put(ctx context.Context, tc *store.TaskContext) error {
	now := time.Now().UTC()
	if tc.CreatedAt.IsZero() {
		tc.CreatedAt = now
	}
	tc.UpdatedAt = now
	surfaced := 0
	if tc.Surfaced {
		surfaced = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_contexts (thread_id, repo, issue_number, state, cycles, fingerprint, surfaced, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (thread_id, repo, issue_number) DO UPDATE SET
		   state = excluded.state, cycles = excluded.cycles,
		   fingerprint = excluded.fingerprint, surfaced = excluded.surfaced,
		   updated_at = excluded.updated_at`,
		tc.ThreadID.String(), tc.Repo, tc.IssueNumber, string(tc.State),
		tc.Cycles, tc.Fingerprint, surfaced, tc.CreatedAt, tc.UpdatedAt)
	return err
}

func (s *TaskStore) ListStale(ctx context.Context, cutoff time.Time) ([]*store.TaskContext, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT thread_id, repo, issue_number, state, cycles, fingerprint, surfaced, created_at, updated_at
		 FROM task_contexts
		 WHERE state NOT IN ('done') AND surfaced = 0 AND created_at < ?`,
		cutoff.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.TaskContext
	for rows.Next() {
		tc, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tc)
	}
	return out, rows.Err()
}

func scanTask(row rowScanner) (*store.TaskContext, error) {
	var (
		tc       store.TaskContext
		tid      string
		state    string
		surfaced int
	)
	err := row.Scan(&tid, &tc.Repo, &tc.IssueNumber, &state, &tc.Cycles,
		&tc.Fingerprint, &surfaced, &tc.CreatedAt, &tc.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	tc.ThreadID = uuid.MustParse(tid)
	tc.State = store.TaskState(state)
	tc.Surfaced = surfaced != 0
	return &tc, nil
}
