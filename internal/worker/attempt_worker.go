package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// AttemptStore is the attempt outcome table the worker writes to.
type AttemptStore interface {
	UpsertBatch(ctx context.Context, batch []model.AttemptOutcome) error
	Upsert(ctx context.Context, o model.AttemptOutcome) error
}

// AttemptWorker persists finished attempt outcomes pushed by the proctor service.
type AttemptWorker struct {
	store AttemptStore
	rdb   *redis.Client
	log   zerolog.Logger
}

func NewAttemptWorker(store AttemptStore, rdb *redis.Client, log zerolog.Logger) *AttemptWorker {
	return &AttemptWorker{
		store: store,
		rdb:   rdb,
		log:   log.With().Str("component", "attempt_worker").Logger(),
	}
}

func (w *AttemptWorker) Start(ctx context.Context) {
	w.log.Info().Msg("AttemptWorker started")

	batch := make([]model.AttemptOutcome, 0, BatchSize)
	lastFlush := time.Now()

	for {
		if len(batch) > 0 && (len(batch) >= BatchSize || time.Since(lastFlush) >= BatchTimeout) {
			w.flushSafe(ctx, batch)
			batch = batch[:0]
			lastFlush = time.Now()
		}

		select {
		case <-ctx.Done():
			w.log.Info().Msg("Shutdown requested. Flushing remaining outcomes...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			w.flushSafe(shutdownCtx, batch)
			cancel()
			return
		default:
		}

		item, err := w.rdb.BLPop(ctx, PollTimeout, config.WorkerKey.PersistAttemptsQueue).Result()
		if err != nil {
			if err != redis.Nil && ctx.Err() == nil {
				w.log.Error().Err(err).Msg("BLPop error")
				time.Sleep(time.Second)
			}
			continue
		}
		if len(item) < 2 {
			continue
		}

		var o model.AttemptOutcome
		if err := json.Unmarshal([]byte(item[1]), &o); err != nil {
			w.log.Error().Err(err).Msg("Invalid attempt payload")
			continue
		}
		batch = append(batch, o)
	}
}

func (w *AttemptWorker) flushSafe(ctx context.Context, batch []model.AttemptOutcome) {
	if len(batch) == 0 {
		return
	}

	batch = latestPerSession(batch)
	err := w.store.UpsertBatch(ctx, batch)
	if err == nil {
		return
	}
	w.log.Warn().Err(err).Msg("Bulk attempt upsert failed, using fallback")

	for _, o := range batch {
		err := w.store.Upsert(ctx, o)
		switch {
		case err == nil:
			continue
		case isDataError(err):
			w.log.Error().Err(err).Str("session_id", o.SessionID).Msg("Dropping unstorable attempt")
			continue
		}
		w.log.Error().Err(err).Str("session_id", o.SessionID).Msg("Upsert failed, requeueing")
		raw, _ := json.Marshal(o)
		w.rdb.RPush(context.Background(), config.WorkerKey.PersistAttemptsQueue, raw)
	}
}

// latestPerSession keeps the last outcome per session; ON CONFLICT cannot
// touch the same row twice in one statement.
func latestPerSession(batch []model.AttemptOutcome) []model.AttemptOutcome {
	idx := make(map[string]int, len(batch))
	out := make([]model.AttemptOutcome, 0, len(batch))
	for _, o := range batch {
		if i, ok := idx[o.SessionID]; ok {
			out[i] = o
			continue
		}
		idx[o.SessionID] = len(out)
		out = append(out, o)
	}
	return out
}
