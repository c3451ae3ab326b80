package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// redisQueueKey and redisNotifyChannel are the fixed Redis keys
// RedisQueueBackend uses.
const (
	redisQueueKey      = "req2run:scheduler:queue"
	redisNotifyChannel = "req2run:scheduler:notify"
)

// redisQueuedJob is the JSON payload stored per member of the sorted set;
// only the fields a remote dequeuer needs to reconstruct admission
// ordering and re-fetch the full Job are persisted.
type redisQueuedJob struct {
	JobID       string `json:"job_id"`
	Priority    int    `json:"priority"`
	SubmitterID string `json:"submitter_id"`
}

// RedisQueueBackend keeps queued job IDs in a Redis sorted set ordered by
// priority, then arrival, so engine processes sharing one Redis instance
// can see a single queue; Next pops with BZPOPMIN, which blocks until a
// member is added. Each member carries only the job ID, priority and
// submitter ID; the full Job is not stored in Redis.
//
// Nothing in the engine constructs a RedisQueueBackend: the Scheduler
// always dispatches from the in-memory Queue, and REQ2RUN_QUEUE_BACKEND=redis
// passes config validation without changing that.
type RedisQueueBackend struct {
	client *redis.Client
	fetch  func(jobID string) (*redisQueuedJob, bool)
}

// NewRedisQueueBackend dials addr (e.g. "localhost:6379").
func NewRedisQueueBackend(addr, password string, db int) *RedisQueueBackend {
	return &RedisQueueBackend{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
	}
}

// Ping verifies connectivity to the Redis instance.
func (b *RedisQueueBackend) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("scheduler: redis backend unreachable: %w", err)
	}
	return nil
}

// score packs priority (descending) and a monotonic Redis-assigned sequence
// (ascending) into one float64 sortable by ZADD/BZPOPMIN: higher priority
// sorts first, ties broken by arrival order via the INCR-derived sequence.
func score(priority int, seq int64) float64 {
	return float64(-priority)*1e15 + float64(seq)
}

// Publish records job in the shared sorted set and announces its ID on
// redisNotifyChannel; a dequeuer blocked in Next is woken by the ZADD
// itself, and nothing in the engine subscribes to the channel.
func (b *RedisQueueBackend) Publish(ctx context.Context, jobID string, priority int, submitterID string) error {
	seq, err := b.client.Incr(ctx, redisQueueKey+":seq").Result()
	if err != nil {
		return fmt.Errorf("scheduler: redis seq incr: %w", err)
	}

	payload, err := json.Marshal(redisQueuedJob{JobID: jobID, Priority: priority, SubmitterID: submitterID})
	if err != nil {
		return fmt.Errorf("scheduler: marshal queued job: %w", err)
	}

	if err := b.client.ZAdd(ctx, redisQueueKey, &redis.Z{Score: score(priority, seq), Member: payload}).Err(); err != nil {
		return fmt.Errorf("scheduler: redis zadd: %w", err)
	}
	return b.client.Publish(ctx, redisNotifyChannel, jobID).Err()
}

// Next blocks (respecting ctx and timeout) for the lowest-score member —
// i.e. the highest-priority, earliest-arrived queued job — removing it
// atomically via BZPOPMIN.
func (b *RedisQueueBackend) Next(ctx context.Context, timeout time.Duration) (*redisQueuedJob, error) {
	res, err := b.client.BZPopMin(ctx, timeout, redisQueueKey).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scheduler: redis bzpopmin: %w", err)
	}

	raw, ok := res.Member.(string)
	if !ok {
		return nil, fmt.Errorf("scheduler: redis member had unexpected type %T", res.Member)
	}
	var job redisQueuedJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("scheduler: unmarshal queued job: %w", err)
	}
	return &job, nil
}

// Len reports the shared queue's current depth across every engine process
// publishing to it.
func (b *RedisQueueBackend) Len(ctx context.Context) (int64, error) {
	n, err := b.client.ZCard(ctx, redisQueueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("scheduler: redis zcard: %w", err)
	}
	return n, nil
}

// Close releases the underlying Redis connection pool.
func (b *RedisQueueBackend) Close() error {
	return b.client.Close()
}
