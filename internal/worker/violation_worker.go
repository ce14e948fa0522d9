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

const (
	BatchSize    = 50
	BatchTimeout = 2 * time.Second
	PollTimeout  = 1 * time.Second // Must be >= 1s to satisfy Redis
)

// ViolationStore is the audit table the worker writes to.
type ViolationStore interface {
	CopyBatch(ctx context.Context, batch []model.Violation) (int64, error)
	Insert(ctx context.Context, v model.Violation) error
}

// ViolationWorker drains the violation queue into the audit table in batches.
type ViolationWorker struct {
	store ViolationStore
	rdb   *redis.Client
	log   zerolog.Logger
}

func NewViolationWorker(store ViolationStore, rdb *redis.Client, log zerolog.Logger) *ViolationWorker {
	return &ViolationWorker{
		store: store,
		rdb:   rdb,
		log:   log.With().Str("component", "violation_worker").Logger(),
	}
}

func (w *ViolationWorker) Start(ctx context.Context) {
	w.log.Info().Msg("ViolationWorker started")

	buffer := make([]model.Violation, 0, BatchSize)
	lastFlush := time.Now()

	for {
		if len(buffer) > 0 && (len(buffer) >= BatchSize || time.Since(lastFlush) >= BatchTimeout) {
			w.flushSafe(ctx, buffer)
			buffer = buffer[:0]
			lastFlush = time.Now()
		}

		select {
		case <-ctx.Done():
			w.shutdown(buffer)
			return
		default:
		}

		result, err := w.rdb.BLPop(ctx, PollTimeout, config.WorkerKey.PersistViolationsQueue).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				continue
			}
			w.log.Error().Err(err).Msg("Redis connection error, sleeping 3s")
			time.Sleep(3 * time.Second)
			continue
		}
		if len(result) < 2 {
			continue
		}

		var v model.Violation
		if err := json.Unmarshal([]byte(result[1]), &v); err != nil {
			w.log.Error().Err(err).Str("data", result[1]).Msg("Discarding malformed violation")
			continue
		}
		buffer = append(buffer, v)
	}
}

// flushSafe tries COPY first, then row-by-row inserts, then requeues what still fails.
func (w *ViolationWorker) flushSafe(ctx context.Context, batch []model.Violation) {
	n, err := w.store.CopyBatch(ctx, batch)
	if err == nil {
		w.log.Debug().Int64("rows", n).Msg("Violations persisted")
		return
	}
	w.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk copy failed, attempting row-by-row recovery")

	var requeue []model.Violation
	for _, v := range batch {
		if err := w.store.Insert(ctx, v); err != nil {
			if isDataError(err) {
				w.log.Error().Err(err).Str("session_id", v.SessionID).Msg("Dropping unstorable violation")
				continue
			}
			w.log.Error().Err(err).Str("session_id", v.SessionID).Msg("Insert failed, requeueing")
			requeue = append(requeue, v)
		}
	}

	if len(requeue) > 0 {
		w.requeue(ctx, requeue)
	}
}

func (w *ViolationWorker) requeue(ctx context.Context, items []model.Violation) {
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	pipe := w.rdb.Pipeline()
	for _, v := range items {
		data, _ := json.Marshal(v)
		pipe.RPush(ctx, config.WorkerKey.PersistViolationsQueue, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		w.log.Error().Err(err).Int("count", len(items)).Msg("CRITICAL: Failed to requeue violations. Data loss occurred.")
		return
	}
	w.log.Info().Int("count", len(items)).Msg("Requeued failed violations")
	time.Sleep(2 * time.Second)
}

func (w *ViolationWorker) shutdown(buffer []model.Violation) {
	w.log.Info().Msg("Worker stopping, flushing remaining violations...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if len(buffer) > 0 {
		w.flushSafe(shutdownCtx, buffer)
	}
}
