package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

func newMiniRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestRedisSessionLocks_OneSlotPerStudent(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newMiniRedis(t)
	locks := NewRedisSessionLocks(rdb)
	key := config.CacheKey.StudentActiveSessionKey("exam-1", "ana@example.com")

	holder, ok, err := locks.Acquire(ctx, "exam-1", "ana@example.com", "sess-a", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "sess-a", holder)
	assert.Equal(t, time.Hour, mr.TTL(key))

	holder, ok, err = locks.Acquire(ctx, "exam-1", "ana@example.com", "sess-b", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "sess-a", holder)

	_, ok, err = locks.Acquire(ctx, "exam-1", "ben@example.com", "sess-c", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok, "slots are per student")
}

func TestRedisSessionLocks_ReleaseOnlyByHolder(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newMiniRedis(t)
	locks := NewRedisSessionLocks(rdb)
	key := config.CacheKey.StudentActiveSessionKey("exam-1", "ana@example.com")

	_, _, err := locks.Acquire(ctx, "exam-1", "ana@example.com", "sess-a", time.Hour)
	require.NoError(t, err)

	require.NoError(t, locks.Release(ctx, "exam-1", "ana@example.com", "sess-stale"))
	got, err := mr.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "sess-a", got)

	require.NoError(t, locks.Release(ctx, "exam-1", "ana@example.com", "sess-a"))
	assert.False(t, mr.Exists(key))

	_, ok, err := locks.Acquire(ctx, "exam-1", "ana@example.com", "sess-b", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisSessionLocks_SubmittedMarkerSurvivesRelease(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newMiniRedis(t)
	locks := NewRedisSessionLocks(rdb)
	key := config.CacheKey.StudentActiveSessionKey("exam-1", "ana@example.com")

	_, _, err := locks.Acquire(ctx, "exam-1", "ana@example.com", "sess-a", time.Hour)
	require.NoError(t, err)
	require.NoError(t, locks.MarkSubmitted(ctx, "exam-1", "ana@example.com", submittedSlotTTL))
	assert.Equal(t, submittedSlotTTL, mr.TTL(key))

	require.NoError(t, locks.Release(ctx, "exam-1", "ana@example.com", "sess-a"))

	holder, ok, err := locks.Acquire(ctx, "exam-1", "ana@example.com", "sess-b", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, submittedMarker, holder)
}

func TestRedisSessionLocks_ExpiredSlotCanBeReacquired(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newMiniRedis(t)
	locks := NewRedisSessionLocks(rdb)

	_, _, err := locks.Acquire(ctx, "exam-1", "ana@example.com", "sess-a", time.Minute)
	require.NoError(t, err)

	mr.FastForward(time.Minute + time.Second)

	holder, ok, err := locks.Acquire(ctx, "exam-1", "ana@example.com", "sess-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "sess-b", holder)
}

func TestRedisEventSink_QueuesAndPublishes(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newMiniRedis(t)
	sink := NewRedisEventSink(rdb, zerolog.Nop())

	require.NoError(t, sink.QueueViolation(ctx, model.Violation{
		SessionID: "sess-a", ExamID: "exam-1", StudentID: "ana@example.com",
		Kind: model.ViolationTabHidden, Warning: 1, Counted: true,
	}))
	require.NoError(t, sink.QueueAttempt(ctx, model.AttemptOutcome{SessionID: "sess-a", ExamID: "exam-1", Reason: "abandoned"}))

	queued, err := mr.List(config.WorkerKey.PersistViolationsQueue)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	var v model.Violation
	require.NoError(t, json.Unmarshal([]byte(queued[0]), &v))
	assert.Equal(t, model.ViolationTabHidden, v.Kind)
	assert.True(t, v.Counted)

	attempts, err := mr.List(config.WorkerKey.PersistAttemptsQueue)
	require.NoError(t, err)
	assert.Len(t, attempts, 1)

	sub := rdb.Subscribe(ctx, config.CacheKey.ExamMonitorChannel("exam-1"))
	defer sub.Close()
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, sink.Publish(ctx, "exam-1", MonitorMessage{Type: "session_opened", Data: map[string]string{"session_id": "sess-a"}}))

	recvCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	msg, err := sub.ReceiveMessage(recvCtx)
	require.NoError(t, err)
	var got MonitorMessage
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
	assert.Equal(t, "session_opened", got.Type)
}
