package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// submittedMarker replaces the session id once an attempt is submitted.
const submittedMarker = "submitted"

// SessionLocks ensures a student holds at most one attempt per exam across
// every instance of the service.
type SessionLocks interface {
	// Acquire claims the slot for sessionID. On conflict it returns the
	// current holder, which is submittedMarker for a finished attempt.
	Acquire(ctx context.Context, examID, studentID, sessionID string, ttl time.Duration) (holder string, ok bool, err error)
	MarkSubmitted(ctx context.Context, examID, studentID string, ttl time.Duration) error
	Release(ctx context.Context, examID, studentID, sessionID string) error
}

// EventSink fans session activity out to proctors and the audit workers.
type EventSink interface {
	Publish(ctx context.Context, examID string, msg MonitorMessage) error
	QueueViolation(ctx context.Context, v model.Violation) error
	QueueAttempt(ctx context.Context, o model.AttemptOutcome) error
}

// MonitorMessage is one entry on an exam's live monitor channel.
type MonitorMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// ─── Redis implementations ──────────────────────────────────────────

type RedisSessionLocks struct {
	rdb *redis.Client
}

func NewRedisSessionLocks(rdb *redis.Client) *RedisSessionLocks {
	return &RedisSessionLocks{rdb: rdb}
}

func (l *RedisSessionLocks) Acquire(ctx context.Context, examID, studentID, sessionID string, ttl time.Duration) (string, bool, error) {
	key := config.CacheKey.StudentActiveSessionKey(examID, studentID)
	ok, err := l.rdb.SetNX(ctx, key, sessionID, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire session slot: %w", err)
	}
	if ok {
		return sessionID, true, nil
	}

	holder, err := l.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between the two calls; try once more.
		ok, err = l.rdb.SetNX(ctx, key, sessionID, ttl).Result()
		if err != nil {
			return "", false, fmt.Errorf("acquire session slot: %w", err)
		}
		if ok {
			return sessionID, true, nil
		}
		holder, err = l.rdb.Get(ctx, key).Result()
	}
	if err != nil {
		return "", false, fmt.Errorf("read session slot: %w", err)
	}
	return holder, false, nil
}

func (l *RedisSessionLocks) MarkSubmitted(ctx context.Context, examID, studentID string, ttl time.Duration) error {
	return l.rdb.Set(ctx, config.CacheKey.StudentActiveSessionKey(examID, studentID), submittedMarker, ttl).Err()
}

// releaseScript deletes the slot only while it still belongs to the session.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (l *RedisSessionLocks) Release(ctx context.Context, examID, studentID, sessionID string) error {
	key := config.CacheKey.StudentActiveSessionKey(examID, studentID)
	return releaseScript.Run(ctx, l.rdb, []string{key}, sessionID).Err()
}

type RedisEventSink struct {
	rdb *redis.Client
	log zerolog.Logger
}

func NewRedisEventSink(rdb *redis.Client, log zerolog.Logger) *RedisEventSink {
	return &RedisEventSink{rdb: rdb, log: log.With().Str("component", "event_sink").Logger()}
}

func (s *RedisEventSink) Publish(ctx context.Context, examID string, msg MonitorMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal monitor message: %w", err)
	}
	return s.rdb.Publish(ctx, config.CacheKey.ExamMonitorChannel(examID), data).Err()
}

func (s *RedisEventSink) QueueViolation(ctx context.Context, v model.Violation) error {
	return s.push(ctx, config.WorkerKey.PersistViolationsQueue, v)
}

func (s *RedisEventSink) QueueAttempt(ctx context.Context, o model.AttemptOutcome) error {
	return s.push(ctx, config.WorkerKey.PersistAttemptsQueue, o)
}

func (s *RedisEventSink) push(ctx context.Context, queue string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s item: %w", queue, err)
	}
	return s.rdb.RPush(ctx, queue, data).Err()
}
