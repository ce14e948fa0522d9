package proctor

import (
	"context"
	"time"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// Delivery is the outcome of handing responses to the submitter.
type Delivery string

const (
	DeliveryPending   Delivery = "pending"
	DeliveryDelivered Delivery = "delivered"
	DeliveryQueued    Delivery = "queued"
	DeliveryFailed    Delivery = "failed"
)

// Submitter hands finished responses to the ingestion side. It returns
// DeliveryQueued when the records were stored for later delivery.
type Submitter interface {
	Submit(ctx context.Context, records []model.ResponseRecord) (Delivery, error)
}

// SubmitterFunc adapts a function to Submitter.
type SubmitterFunc func(ctx context.Context, records []model.ResponseRecord) (Delivery, error)

func (f SubmitterFunc) Submit(ctx context.Context, records []model.ResponseRecord) (Delivery, error) {
	return f(ctx, records)
}

// BuildResponses produces one record per question in exam order.
// Unanswered questions are sent as empty responses.
func BuildResponses(exam *model.Exam, studentID string, answers map[string]string, at time.Time) []model.ResponseRecord {
	records := make([]model.ResponseRecord, 0, len(exam.Questions))
	for _, q := range exam.Questions {
		records = append(records, model.ResponseRecord{
			StudentID:    studentID,
			ExamID:       exam.ID,
			QuestionID:   q.ID,
			ResponseText: answers[q.ID],
			SubmittedAt:  at.UTC(),
		})
	}
	return records
}
