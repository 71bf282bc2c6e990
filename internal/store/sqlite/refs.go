package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/M3kH/gigi/internal/store"
)

// RefStore implements store.RefStore on SQLite.
type RefStore struct {
	db *sql.DB
}

func (s *RefStore) Upsert(ctx context.Context, ref *store.Reference) error {
	if ref.Status == "" {
		ref.Status = store.RefUnknown
	}
	if ref.CreatedAt.IsZero() {
		ref.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO refs (thread_id, ref_type, repo, number, status, url, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (thread_id, ref_type, repo, number)
		 DO UPDATE SET status = excluded.status, url = excluded.url`,
		ref.ThreadID.String(), string(ref.Type), ref.Repo, ref.Number,
		string(ref.Status), ref.URL, ref.CreatedAt,
	)
	return err
}

func (s *RefStore) ListByThread(ctx context.Context, threadID uuid.UUID) ([]*store.Reference, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT thread_id, ref_type, repo, number, status, url, created_at
		 FROM refs WHERE thread_id = ? ORDER BY created_at`, threadID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.Reference
	for rows.Next() {
		var (
			r              store.Reference
			tid, typ, stat string
		)
		if err := rows.Scan(&tid, &typ, &r.Repo, &r.Number, &stat, &r.URL, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.ThreadID = uuid.MustParse(tid)
		r.Type = store.RefType(typ)
		r.Status = store.RefStatus(stat)
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *RefStore) FindThread(ctx context.Context, repo string, refType store.RefType, number string) (uuid.UUID, error) {
	var tid string
	err := s.db.QueryRowContext(ctx,
		`SELECT thread_id FROM refs WHERE repo = ? AND ref_type = ? AND number = ?
		 ORDER BY created_at DESC LIMIT 1`,
		repo, string(refType), number).Scan(&tid)
	if err == sql.ErrNoRows {
		return uuid.Nil, store.ErrNotFound
	}
	if err != nil {
		return uuid.Nil, err
	}
	return uuid.MustParse(tid), nil
}

func (s *RefStore) UpdateStatus(ctx context.Context, repo string, refType store.RefType, number string, status store.RefStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE refs SET status = ? WHERE repo = ? AND ref_type = ? AND number = ?`,
		string(status), repo, string(refType), number)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}
