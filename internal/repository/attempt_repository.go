package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// AttemptRepository stores one outcome row per session. Later writes for the
// same session (for example a delivery status change) replace earlier ones.
type AttemptRepository struct {
	pool *pgxpool.Pool
}

func NewAttemptRepository(pool *pgxpool.Pool) *AttemptRepository {
	return &AttemptRepository{pool: pool}
}

const upsertAttemptsSQL = `
	INSERT INTO proctor_attempts AS a
		(session_id, exam_id, student_id, reason, warnings, answered, total,
		 remaining_seconds, delivery, started_at, submitted_at)
	SELECT * FROM UNNEST(
		$1::uuid[], $2::text[], $3::text[], $4::text[], $5::int[], $6::int[], $7::int[],
		$8::int[], $9::text[], $10::timestamptz[], $11::timestamptz[]
	)
	ON CONFLICT (session_id) DO UPDATE
	SET reason = EXCLUDED.reason,
	    warnings = EXCLUDED.warnings,
	    answered = EXCLUDED.answered,
	    total = EXCLUDED.total,
	    remaining_seconds = EXCLUDED.remaining_seconds,
	    delivery = CASE WHEN a.delivery = 'delivered' THEN a.delivery ELSE EXCLUDED.delivery END,
	    submitted_at = EXCLUDED.submitted_at,
	    updated_at = NOW()
`

// UpsertBatch writes outcomes in one statement using UNNEST. Duplicate
// sessions inside a batch must be collapsed by the caller.
func (r *AttemptRepository) UpsertBatch(ctx context.Context, batch []model.AttemptOutcome) error {
	n := len(batch)
	var (
		sessionIDs  = make([]uuid.UUID, 0, n)
		examIDs     = make([]string, 0, n)
		studentIDs  = make([]string, 0, n)
		reasons     = make([]string, 0, n)
		warnings    = make([]int, 0, n)
		answered    = make([]int, 0, n)
		totals      = make([]int, 0, n)
		remaining   = make([]int, 0, n)
		deliveries  = make([]string, 0, n)
		startedAt   = make([]time.Time, 0, n)
		submittedAt = make([]time.Time, 0, n)
	)

	for _, o := range batch {
		id, err := uuid.Parse(o.SessionID)
		if err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidSessionID, o.SessionID)
		}
		sessionIDs = append(sessionIDs, id)
		examIDs = append(examIDs, o.ExamID)
		studentIDs = append(studentIDs, o.StudentID)
		reasons = append(reasons, o.Reason)
		warnings = append(warnings, o.Warnings)
		answered = append(answered, o.Answered)
		totals = append(totals, o.Total)
		remaining = append(remaining, o.Remaining)
		deliveries = append(deliveries, o.Delivery)
		startedAt = append(startedAt, o.StartedAt)
		submittedAt = append(submittedAt, o.SubmittedAt)
	}

	_, err := r.pool.Exec(ctx, upsertAttemptsSQL,
		sessionIDs, examIDs, studentIDs, reasons, warnings, answered, totals,
		remaining, deliveries, startedAt, submittedAt,
	)
	return err
}

// Upsert writes a single outcome.
func (r *AttemptRepository) Upsert(ctx context.Context, o model.AttemptOutcome) error {
	return r.UpsertBatch(ctx, []model.AttemptOutcome{o})
}

// SetDelivery records the final delivery status of a queued submission.
// It reports false when no attempt row exists yet.
func (r *AttemptRepository) SetDelivery(ctx context.Context, sessionID, delivery string) (bool, error) {
	id, err := uuid.Parse(sessionID)
	if err != nil {
		return false, fmt.Errorf("%w: %q", ErrInvalidSessionID, sessionID)
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE proctor_attempts SET delivery = $1, updated_at = NOW() WHERE session_id = $2`,
		delivery, id,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ListByExam returns every recorded attempt of an exam, newest first.
func (r *AttemptRepository) ListByExam(ctx context.Context, examID string) ([]model.AttemptOutcome, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT session_id, exam_id, student_id, reason, warnings, answered, total,
		        remaining_seconds, delivery, started_at, submitted_at
		 FROM proctor_attempts
		 WHERE exam_id = $1
		 ORDER BY submitted_at DESC`,
		examID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AttemptOutcome
	for rows.Next() {
		var (
			o  model.AttemptOutcome
			id uuid.UUID
		)
		if err := rows.Scan(&id, &o.ExamID, &o.StudentID, &o.Reason, &o.Warnings, &o.Answered,
			&o.Total, &o.Remaining, &o.Delivery, &o.StartedAt, &o.SubmittedAt); err != nil {
			return nil, err
		}
		o.SessionID = id.String()
		out = append(out, o)
	}
	return out, rows.Err()
}
