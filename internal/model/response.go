package model

import "time"

// ResponseRecord is one answered (or unanswered) question sent to the ingest endpoint.
type ResponseRecord struct {
	StudentID    string    `json:"student_id"`
	ExamID       string    `json:"assessment_id"`
	QuestionID   string    `json:"question_id"`
	ResponseText string    `json:"response_text"`
	SubmittedAt  time.Time `json:"submitted_at"`
}
