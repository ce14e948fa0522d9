// Package outbox stores submissions that could not be delivered to the exam
// API so a background worker can retry them.
package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
)

var (
	ErrEmptySubmission = errors.New("submission has no records")
	ErrUnknown         = errors.New("submission not in outbox")
	// ErrUnreadable reports dead entries that could not be decoded and were left in place.
	ErrUnreadable = errors.New("unreadable dead submissions kept")
)

// Submission is one finished attempt waiting for delivery.
type Submission struct {
	ID            uuid.UUID              `json:"id"`
	SessionID     string                 `json:"session_id"`
	ExamID        string                 `json:"exam_id"`
	StudentID     string                 `json:"student_id"`
	Records       []model.ResponseRecord `json:"records"`
	Attempts      int                    `json:"attempts"`
	NextAttemptAt time.Time              `json:"next_attempt_at"`
	LastError     string                 `json:"last_error,omitempty"`
	EnqueuedAt    time.Time              `json:"enqueued_at"`
}

// NewSubmission wraps records for the outbox, due immediately.
func NewSubmission(sessionID string, records []model.ResponseRecord, now time.Time) (*Submission, error) {
	if len(records) == 0 {
		return nil, ErrEmptySubmission
	}
	return &Submission{
		ID:            uuid.New(),
		SessionID:     sessionID,
		ExamID:        records[0].ExamID,
		StudentID:     records[0].StudentID,
		Records:       records,
		NextAttemptAt: now,
		EnqueuedAt:    now,
	}, nil
}

// Outbox is a durable queue of pending submissions.
type Outbox interface {
	Enqueue(ctx context.Context, s *Submission) error
	// Dequeue claims the earliest submission that is due, waiting up to wait
	// for one to become available. It returns nil, nil when nothing is due.
	Dequeue(ctx context.Context, wait time.Duration) (*Submission, error)
	// Requeue puts a claimed submission back, due at s.NextAttemptAt.
	Requeue(ctx context.Context, s *Submission) error
	// Ack drops a claimed submission after delivery.
	Ack(ctx context.Context, s *Submission) error
	// Bury moves a claimed submission to the dead-letter store.
	Bury(ctx context.Context, s *Submission) error
	// Len counts pending submissions.
	Len(ctx context.Context) (int64, error)
	Close() error
}

// Reviver moves buried submissions back into the pending queue, due now and
// with a fresh attempt count.
type Reviver interface {
	Revive(ctx context.Context, now time.Time) (int64, error)
}

const pollInterval = 500 * time.Millisecond

// waitFor polls claim until it returns a submission, wait elapses or ctx ends.
func waitFor(ctx context.Context, wait time.Duration, claim func() (*Submission, error)) (*Submission, error) {
	deadline := time.Now().Add(wait)
	for {
		s, err := claim()
		if err != nil || s != nil {
			return s, err
		}

		left := time.Until(deadline)
		if left <= 0 {
			return nil, nil
		}
		if left > pollInterval {
			left = pollInterval
		}

		timer := time.NewTimer(left)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}
