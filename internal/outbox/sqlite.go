package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const (
	statusPending  = "pending"
	statusInflight = "inflight"
	statusDead     = "dead"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS outbox_submissions (
  id TEXT PRIMARY KEY,
  session_id TEXT NOT NULL,
  exam_id TEXT NOT NULL,
  student_id TEXT NOT NULL,
  records_json TEXT NOT NULL,
  attempts INTEGER NOT NULL DEFAULT 0,
  next_attempt_at INTEGER NOT NULL,
  last_error TEXT NOT NULL DEFAULT '',
  enqueued_at INTEGER NOT NULL,
  status TEXT NOT NULL DEFAULT 'pending'
);

CREATE INDEX IF NOT EXISTS idx_outbox_due ON outbox_submissions (status, next_attempt_at);
`

// SQLite is a file-backed outbox for deployments where Redis is not durable.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (or creates) the outbox database at path. Submissions left
// in flight by a previous process are made pending again.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create outbox dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open outbox: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping outbox: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create outbox schema: %w", err)
	}
	if _, err := db.ExecContext(ctx,
		`UPDATE outbox_submissions SET status = ? WHERE status = ?`, statusPending, statusInflight,
	); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("recover in-flight submissions: %w", err)
	}

	return &SQLite{db: db, now: time.Now}, nil
}

func (o *SQLite) Enqueue(ctx context.Context, s *Submission) error {
	records, err := json.Marshal(s.Records)
	if err != nil {
		return fmt.Errorf("encode records: %w", err)
	}
	_, err = o.db.ExecContext(ctx, `
		INSERT INTO outbox_submissions
		  (id, session_id, exam_id, student_id, records_json, attempts, next_attempt_at, last_error, enqueued_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID.String(), s.SessionID, s.ExamID, s.StudentID, string(records),
		s.Attempts, s.NextAttemptAt.UnixMilli(), s.LastError, s.EnqueuedAt.UnixMilli(), statusPending,
	)
	if err != nil {
		return fmt.Errorf("insert submission: %w", err)
	}
	return nil
}

func (o *SQLite) Dequeue(ctx context.Context, wait time.Duration) (*Submission, error) {
	return waitFor(ctx, wait, func() (*Submission, error) { return o.claim(ctx) })
}

func (o *SQLite) claim(ctx context.Context) (*Submission, error) {
	row := o.db.QueryRowContext(ctx, `
		UPDATE outbox_submissions SET status = ?
		WHERE id = (
		  SELECT id FROM outbox_submissions
		  WHERE status = ? AND next_attempt_at <= ?
		  ORDER BY next_attempt_at
		  LIMIT 1
		)
		RETURNING id, session_id, exam_id, student_id, records_json, attempts, next_attempt_at, last_error, enqueued_at`,
		statusInflight, statusPending, o.now().UnixMilli(),
	)

	var (
		s          Submission
		id         string
		records    string
		nextMillis int64
		enqMillis  int64
	)
	err := row.Scan(&id, &s.SessionID, &s.ExamID, &s.StudentID, &records, &s.Attempts, &nextMillis, &s.LastError, &enqMillis)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim submission: %w", err)
	}

	if s.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse submission id %q: %w", id, err)
	}
	if err := json.Unmarshal([]byte(records), &s.Records); err != nil {
		return nil, fmt.Errorf("decode records of %s: %w", id, err)
	}
	s.NextAttemptAt = time.UnixMilli(nextMillis).UTC()
	s.EnqueuedAt = time.UnixMilli(enqMillis).UTC()
	return &s, nil
}

func (o *SQLite) Requeue(ctx context.Context, s *Submission) error {
	return o.setStatus(ctx, s, statusPending)
}

func (o *SQLite) Bury(ctx context.Context, s *Submission) error {
	return o.setStatus(ctx, s, statusDead)
}

func (o *SQLite) setStatus(ctx context.Context, s *Submission, status string) error {
	res, err := o.db.ExecContext(ctx, `
		UPDATE outbox_submissions
		SET status = ?, attempts = ?, next_attempt_at = ?, last_error = ?
		WHERE id = ?`,
		status, s.Attempts, s.NextAttemptAt.UnixMilli(), s.LastError, s.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("update submission %s: %w", s.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update submission %s: %w", s.ID, ErrUnknown)
	}
	return nil
}

func (o *SQLite) Ack(ctx context.Context, s *Submission) error {
	if _, err := o.db.ExecContext(ctx, `DELETE FROM outbox_submissions WHERE id = ?`, s.ID.String()); err != nil {
		return fmt.Errorf("delete submission %s: %w", s.ID, err)
	}
	return nil
}

func (o *SQLite) Revive(ctx context.Context, now time.Time) (int64, error) {
	res, err := o.db.ExecContext(ctx, `
		UPDATE outbox_submissions
		SET status = ?, attempts = 0, next_attempt_at = ?
		WHERE status = ?`,
		statusPending, now.UnixMilli(), statusDead,
	)
	if err != nil {
		return 0, fmt.Errorf("revive submissions: %w", err)
	}
	return res.RowsAffected()
}

func (o *SQLite) Len(ctx context.Context) (int64, error) {
	var n int64
	err := o.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox_submissions WHERE status IN (?, ?)`, statusPending, statusInflight,
	).Scan(&n)
	return n, err
}

func (o *SQLite) Close() error {
	return o.db.Close()
}
