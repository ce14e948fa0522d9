package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// ViolationRepository persists the integrity audit trail.
type ViolationRepository struct {
	pool *pgxpool.Pool
}

func NewViolationRepository(pool *pgxpool.Pool) *ViolationRepository {
	return &ViolationRepository{pool: pool}
}

// CopyBatch bulk-loads violations with COPY. Any invalid session id fails the whole batch.
func (r *ViolationRepository) CopyBatch(ctx context.Context, batch []model.Violation) (int64, error) {
	rows := make([][]any, 0, len(batch))
	for _, v := range batch {
		sessionID, err := uuid.Parse(v.SessionID)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidSessionID, v.SessionID)
		}
		rows = append(rows, []any{
			sessionID, v.ExamID, v.StudentID, string(v.Kind), v.Warning, v.Counted, v.OccurredAt,
		})
	}

	return r.pool.CopyFrom(
		ctx,
		pgx.Identifier{"proctor_violations"},
		[]string{"session_id", "exam_id", "student_id", "kind", "warning", "counted", "occurred_at"},
		pgx.CopyFromRows(rows),
	)
}

// Insert stores a single violation.
func (r *ViolationRepository) Insert(ctx context.Context, v model.Violation) error {
	sessionID, err := uuid.Parse(v.SessionID)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, v.SessionID)
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO proctor_violations (session_id, exam_id, student_id, kind, warning, counted, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sessionID, v.ExamID, v.StudentID, string(v.Kind), v.Warning, v.Counted, v.OccurredAt,
	)
	return err
}

// CountByExam returns the number of counted violations per student for an exam.
func (r *ViolationRepository) CountByExam(ctx context.Context, examID string) (map[string]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT student_id, COUNT(*)
		 FROM proctor_violations
		 WHERE exam_id = $1 AND counted
		 GROUP BY student_id`,
		examID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var (
			studentID string
			n         int64
		)
		if err := rows.Scan(&studentID, &n); err != nil {
			return nil, err
		}
		counts[studentID] = n
	}
	return counts, rows.Err()
}
