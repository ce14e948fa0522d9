package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/examapi"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/outbox"
	"github.com/stemsi/exstem-proctor/internal/proctor"
)

// ResponseSender posts finished responses to the exam API.
type ResponseSender interface {
	SubmitResponses(ctx context.Context, records []model.ResponseRecord) error
}

// SubmissionService delivers a finished attempt, falling back to the durable
// outbox when the exam API cannot take it right now.
type SubmissionService struct {
	sender ResponseSender
	box    outbox.Outbox
	now    func() time.Time
	log    zerolog.Logger
}

func NewSubmissionService(sender ResponseSender, box outbox.Outbox, log zerolog.Logger) *SubmissionService {
	return &SubmissionService{
		sender: sender,
		box:    box,
		now:    time.Now,
		log:    log.With().Str("component", "submission_service").Logger(),
	}
}

// For returns the submitter a monitor uses for one session.
func (s *SubmissionService) For(sessionID string) proctor.Submitter {
	return proctor.SubmitterFunc(func(ctx context.Context, records []model.ResponseRecord) (proctor.Delivery, error) {
		return s.Submit(ctx, sessionID, records)
	})
}

// Submit delivers records. Transient failures are queued and reported as
// DeliveryQueued; an error is returned only when the records are neither
// delivered nor queued.
func (s *SubmissionService) Submit(ctx context.Context, sessionID string, records []model.ResponseRecord) (proctor.Delivery, error) {
	log := s.log.With().Str("session_id", sessionID).Int("records", len(records)).Logger()

	err := s.sender.SubmitResponses(ctx, records)
	switch {
	case err == nil:
		log.Info().Msg("Responses delivered")
		return proctor.DeliveryDelivered, nil
	case errors.Is(err, examapi.ErrAlreadySubmitted):
		log.Warn().Err(err).Msg("Exam API already holds this attempt")
		return proctor.DeliveryDelivered, nil
	case examapi.IsPermanent(err):
		log.Error().Err(err).Msg("Responses rejected by exam API")
		return proctor.DeliveryFailed, err
	}

	log.Warn().Err(err).Msg("Delivery failed, queueing for retry")

	sub, qerr := outbox.NewSubmission(sessionID, records, s.now())
	if qerr != nil {
		return proctor.DeliveryFailed, fmt.Errorf("deliver responses: %w", err)
	}

	// The caller's deadline may already be spent on the failed request.
	enqueueCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if qerr := s.box.Enqueue(enqueueCtx, sub); qerr != nil {
		log.Error().Err(qerr).Msg("CRITICAL: Outbox unavailable, responses only kept in memory")
		return proctor.DeliveryFailed, fmt.Errorf("deliver responses: %w (outbox: %v)", err, qerr)
	}

	log.Info().Str("submission_id", sub.ID.String()).Msg("Responses queued for delivery")
	return proctor.DeliveryQueued, nil
}
