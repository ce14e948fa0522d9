package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-proctor/internal/config"
)

const (
	// inflightLease is how long a claimed submission may stay unsettled
	// before another worker takes it back.
	inflightLease = 5 * time.Minute
	sweepEvery    = time.Minute
)

// claimScript moves the earliest due member from the pending set into the
// in-flight hash, stamped with the claim time.
var claimScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 1)
if #due == 0 then
	return false
end
redis.call("ZREM", KEYS[1], due[1])
redis.call("HSET", KEYS[2], due[1], ARGV[1])
return due[1]
`)

// sweepScript returns in-flight members claimed at or before ARGV[1] to the
// pending set, due at ARGV[2].
var sweepScript = redis.NewScript(`
local moved = 0
local entries = redis.call("HGETALL", KEYS[1])
for i = 1, #entries, 2 do
	if tonumber(entries[i + 1]) <= tonumber(ARGV[1]) then
		redis.call("HDEL", KEYS[1], entries[i])
		redis.call("ZADD", KEYS[2], ARGV[2], entries[i])
		moved = moved + 1
	end
end
return moved
`)

// Redis keeps pending submissions in a sorted set scored by due time,
// claimed ones in a hash until they are settled, and buried ones in a list.
// A claim left unsettled by a crashed process is swept back after
// inflightLease.
type Redis struct {
	rdb *redis.Client
	now func() time.Time

	mu        sync.Mutex
	claimed   map[uuid.UUID]string
	lastSweep time.Time
}

func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb, now: time.Now, claimed: make(map[uuid.UUID]string)}
}

func (o *Redis) Enqueue(ctx context.Context, s *Submission) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode submission: %w", err)
	}
	return o.rdb.ZAdd(ctx, config.WorkerKey.PendingSubmissionsQueue, redis.Z{
		Score:  float64(s.NextAttemptAt.UnixMilli()),
		Member: data,
	}).Err()
}

func (o *Redis) Dequeue(ctx context.Context, wait time.Duration) (*Submission, error) {
	if o.sweepDue() {
		if _, err := o.Recover(ctx); err != nil {
			return nil, err
		}
	}
	return waitFor(ctx, wait, func() (*Submission, error) { return o.claim(ctx) })
}

// Recover returns submissions whose claim is older than the lease to the
// pending set. It runs on startup and periodically from Dequeue.
func (o *Redis) Recover(ctx context.Context) (int64, error) {
	now := o.now()
	o.mu.Lock()
	o.lastSweep = now
	o.mu.Unlock()

	n, err := sweepScript.Run(ctx, o.rdb,
		[]string{config.WorkerKey.InflightSubmissionsHash, config.WorkerKey.PendingSubmissionsQueue},
		now.Add(-inflightLease).UnixMilli(), now.UnixMilli(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("recover in-flight submissions: %w", err)
	}
	return n, nil
}

func (o *Redis) sweepDue() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now().Sub(o.lastSweep) >= sweepEvery
}

func (o *Redis) claim(ctx context.Context) (*Submission, error) {
	member, err := claimScript.Run(ctx, o.rdb,
		[]string{config.WorkerKey.PendingSubmissionsQueue, config.WorkerKey.InflightSubmissionsHash},
		o.now().UnixMilli(),
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim submission: %w", err)
	}

	var s Submission
	if err := json.Unmarshal([]byte(member), &s); err != nil {
		// Unreadable members cannot be retried; park them for inspection.
		_, _ = o.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HDel(ctx, config.WorkerKey.InflightSubmissionsHash, member)
			pipe.RPush(ctx, config.WorkerKey.DeadSubmissionsQueue, member)
			return nil
		})
		return nil, fmt.Errorf("decode submission: %w", err)
	}

	o.mu.Lock()
	o.claimed[s.ID] = member
	o.mu.Unlock()
	return &s, nil
}

// release forgets the claim of s and returns the raw in-flight member.
func (o *Redis) release(s *Submission) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	member, ok := o.claimed[s.ID]
	delete(o.claimed, s.ID)
	return member, ok
}

func (o *Redis) Requeue(ctx context.Context, s *Submission) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode submission: %w", err)
	}
	member, claimed := o.release(s)
	_, err = o.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, config.WorkerKey.PendingSubmissionsQueue, redis.Z{
			Score:  float64(s.NextAttemptAt.UnixMilli()),
			Member: data,
		})
		if claimed {
			pipe.HDel(ctx, config.WorkerKey.InflightSubmissionsHash, member)
		}
		return nil
	})
	return err
}

func (o *Redis) Ack(ctx context.Context, s *Submission) error {
	member, claimed := o.release(s)
	if !claimed {
		return nil
	}
	return o.rdb.HDel(ctx, config.WorkerKey.InflightSubmissionsHash, member).Err()
}

func (o *Redis) Bury(ctx context.Context, s *Submission) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode submission: %w", err)
	}
	member, claimed := o.release(s)
	_, err = o.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, config.WorkerKey.DeadSubmissionsQueue, data)
		if claimed {
			pipe.HDel(ctx, config.WorkerKey.InflightSubmissionsHash, member)
		}
		return nil
	})
	return err
}

// Revive walks the dead list once. Readable entries are re-enqueued due now
// with a fresh attempt count; unreadable ones are kept at the tail and
// reported through ErrUnreadable.
func (o *Redis) Revive(ctx context.Context, now time.Time) (int64, error) {
	n, err := o.rdb.LLen(ctx, config.WorkerKey.DeadSubmissionsQueue).Result()
	if err != nil {
		return 0, fmt.Errorf("count dead submissions: %w", err)
	}

	var revived, kept int64
	for i := int64(0); i < n; i++ {
		data, err := o.rdb.LPop(ctx, config.WorkerKey.DeadSubmissionsQueue).Bytes()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return revived, fmt.Errorf("pop dead submission: %w", err)
		}

		var s Submission
		if err := json.Unmarshal(data, &s); err != nil {
			if err := o.rdb.RPush(ctx, config.WorkerKey.DeadSubmissionsQueue, data).Err(); err != nil {
				return revived, fmt.Errorf("keep unreadable submission: %w", err)
			}
			kept++
			continue
		}
		s.Attempts = 0
		s.NextAttemptAt = now
		if err := o.Enqueue(ctx, &s); err != nil {
			// Put it back so nothing is lost.
			o.rdb.LPush(ctx, config.WorkerKey.DeadSubmissionsQueue, data)
			return revived, err
		}
		revived++
	}

	if kept > 0 {
		return revived, fmt.Errorf("%w: %d", ErrUnreadable, kept)
	}
	return revived, nil
}

func (o *Redis) Len(ctx context.Context) (int64, error) {
	return o.rdb.ZCard(ctx, config.WorkerKey.PendingSubmissionsQueue).Result()
}

// Close is a no-op; the Redis client is owned by the caller.
func (o *Redis) Close() error { return nil }
