package worker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/examapi"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/outbox"
)

// ResponseSender delivers records to the exam API.
type ResponseSender interface {
	SubmitResponses(ctx context.Context, records []model.ResponseRecord) error
}

// DeliveryRecorder is told the final fate of a queued submission.
type DeliveryRecorder interface {
	SetDelivery(ctx context.Context, sessionID, delivery string) (bool, error)
}

// Final delivery states written by the submission worker.
const (
	DeliveryDelivered = "delivered"
	DeliveryRejected  = "rejected"
)

// SubmissionWorker retries queued submissions with exponential backoff.
type SubmissionWorker struct {
	box      outbox.Outbox
	sender   ResponseSender
	recorder DeliveryRecorder
	base     time.Duration
	max      time.Duration
	now      func() time.Time
	log      zerolog.Logger
}

func NewSubmissionWorker(box outbox.Outbox, sender ResponseSender, recorder DeliveryRecorder, base, max time.Duration, log zerolog.Logger) *SubmissionWorker {
	return &SubmissionWorker{
		box:      box,
		sender:   sender,
		recorder: recorder,
		base:     base,
		max:      max,
		now:      time.Now,
		log:      log.With().Str("component", "submission_worker").Logger(),
	}
}

// Backoff returns the delay before retry number attempt (1-based):
// base, 2*base, 4*base, ... capped at max.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

func (w *SubmissionWorker) Start(ctx context.Context) {
	w.log.Info().Dur("retry_base", w.base).Dur("retry_max", w.max).Msg("SubmissionWorker started")

	for {
		if ctx.Err() != nil {
			w.log.Info().Msg("SubmissionWorker stopped")
			return
		}

		sub, err := w.box.Dequeue(ctx, PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			w.log.Error().Err(err).Msg("Outbox read failed, sleeping 3s")
			time.Sleep(3 * time.Second)
			continue
		}
		if sub == nil {
			continue
		}

		w.process(ctx, sub)
	}
}

// process makes one delivery attempt and settles the submission in the outbox.
func (w *SubmissionWorker) process(ctx context.Context, sub *outbox.Submission) {
	log := w.log.With().
		Str("submission_id", sub.ID.String()).
		Str("session_id", sub.SessionID).
		Int("attempt", sub.Attempts+1).
		Logger()

	err := w.sender.SubmitResponses(ctx, sub.Records)

	// The claim must be settled even if shutdown interrupted the request.
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	switch {
	case err == nil, errors.Is(err, examapi.ErrAlreadySubmitted):
		if err := w.box.Ack(settleCtx, sub); err != nil {
			log.Error().Err(err).Msg("Delivered but could not remove from outbox")
		}
		log.Info().Msg("Queued submission delivered")
		w.record(settleCtx, sub, DeliveryDelivered)

	case examapi.IsPermanent(err):
		sub.Attempts++
		sub.LastError = err.Error()
		if err := w.box.Bury(settleCtx, sub); err != nil {
			log.Error().Err(err).Msg("CRITICAL: Failed to bury rejected submission")
			return
		}
		log.Error().Err(errors.New(sub.LastError)).Msg("Submission rejected, moved to dead letter")
		w.record(settleCtx, sub, DeliveryRejected)

	default:
		sub.Attempts++
		sub.LastError = err.Error()
		delay := Backoff(w.base, w.max, sub.Attempts)
		sub.NextAttemptAt = w.now().Add(delay)
		if err := w.box.Requeue(settleCtx, sub); err != nil {
			log.Error().Err(err).Msg("CRITICAL: Failed to requeue submission. Data loss occurred.")
			return
		}
		log.Warn().Str("error", sub.LastError).Dur("retry_in", delay).Msg("Delivery failed, retry scheduled")
	}
}

func (w *SubmissionWorker) record(ctx context.Context, sub *outbox.Submission, delivery string) {
	if w.recorder == nil {
		return
	}
	found, err := w.recorder.SetDelivery(ctx, sub.SessionID, delivery)
	if err != nil {
		w.log.Warn().Err(err).Str("session_id", sub.SessionID).Msg("Could not record delivery status")
		return
	}
	if !found {
		w.log.Debug().Str("session_id", sub.SessionID).Msg("No attempt row for delivered submission")
	}
}
