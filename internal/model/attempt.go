package model

import "time"

// AttemptOutcome summarises a finished attempt for the audit trail.
type AttemptOutcome struct {
	SessionID   string    `json:"session_id"`
	ExamID      string    `json:"exam_id"`
	StudentID   string    `json:"student_id"`
	Reason      string    `json:"reason"`
	Warnings    int       `json:"warnings"`
	Answered    int       `json:"answered"`
	Total       int       `json:"total"`
	Remaining   int       `json:"remaining_seconds"`
	Delivery    string    `json:"delivery"`
	StartedAt   time.Time `json:"started_at"`
	SubmittedAt time.Time `json:"submitted_at"`
}
